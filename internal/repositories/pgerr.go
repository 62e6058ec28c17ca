package repositories

import (
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"monkids/internal/pkg/errors"
)

// SQLSTATE codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation  = "23505"
	pgNotNullViolation = "23502"
	pgCheckViolation   = "23514"
	pgQueryCanceled    = "57014"
	pgUndefinedTable   = "42P01"
)

// mapPgError wraps err with the app error code matching its SQLSTATE.
// Errors that are not from the server keep their code, INTERNAL by default.
func mapPgError(err error, op, message string) *errors.Error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return errors.Wrap(err, op, message)
	}

	var code errors.Code
	switch {
	case pgErr.Code == pgUniqueViolation:
		code = errors.CodeAlreadyExists
	case pgErr.Code == pgNotNullViolation, pgErr.Code == pgCheckViolation:
		code = errors.CodeValidation
	case pgErr.Code == pgQueryCanceled:
		code = errors.CodeTimeout
	case pgErr.Code == pgUndefinedTable:
		code = errors.CodeUnavailable
	case strings.HasPrefix(pgErr.Code, "08"):
		code = errors.CodeUnavailable
	default:
		code = errors.CodeInternal
	}
	return errors.WrapWithCode(err, code, op, message).
		WithField("sqlstate", pgErr.Code)
}
