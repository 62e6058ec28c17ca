package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"monkids/internal/models"
	"monkids/internal/pkg/errors"
)

// ExportRunsSchema creates the table export runs are tracked in.
const ExportRunsSchema = `
CREATE TABLE IF NOT EXISTS export_runs (
	id            text PRIMARY KEY,
	record_type   text NOT NULL,
	record_ids    text[] NOT NULL,
	period_month  int NOT NULL,
	period_year   int NOT NULL,
	status        text NOT NULL,
	succeeded     int NOT NULL DEFAULT 0,
	failed        int NOT NULL DEFAULT 0,
	archive_key   text,
	failures_json jsonb,
	error         text,
	created_at    timestamptz NOT NULL DEFAULT now(),
	started_at    timestamptz,
	finished_at   timestamptz
);
CREATE INDEX IF NOT EXISTS export_runs_finished_at_idx ON export_runs (finished_at);
`

type ExportRunRepository struct {
	db *pgxpool.Pool
}

func NewExportRunRepository(db *pgxpool.Pool) *ExportRunRepository {
	return &ExportRunRepository{db: db}
}

// Migrate creates the export_runs table when missing.
func (r *ExportRunRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, ExportRunsSchema); err != nil {
		return mapPgError(err, "repositories.Migrate", "create export_runs")
	}
	return nil
}

// Create inserts a queued run and fills in CreatedAt.
func (r *ExportRunRepository) Create(ctx context.Context, run *models.ExportRun) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO export_runs (id, record_type, record_ids, period_month, period_year, status)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 RETURNING created_at`,
		run.ID, string(run.RecordType), run.RecordIDs, run.Period.Month, run.Period.Year, string(run.Status),
	).Scan(&run.CreatedAt)
	if err != nil {
		return mapPgError(err, "repositories.CreateRun", "insert export run").WithField("run_id", run.ID)
	}
	return nil
}

const runColumns = `id, record_type, record_ids, period_month, period_year, status,
	succeeded, failed, COALESCE(archive_key,''), failures_json, COALESCE(error,''),
	created_at, started_at, finished_at`

func (r *ExportRunRepository) Get(ctx context.Context, id string) (*models.ExportRun, error) {
	rows, err := r.db.Query(ctx, `SELECT `+runColumns+` FROM export_runs WHERE id=$1`, id)
	if err != nil {
		return nil, mapPgError(err, "repositories.GetRun", "query export run")
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("export run", id)
		}
		return nil, mapPgError(err, "repositories.GetRun", "scan export run")
	}
	return run, nil
}

// MarkRunning moves a queued run to RUNNING. A run that is not queued is
// reported as a conflict so a redelivered id is not processed twice.
func (r *ExportRunRepository) MarkRunning(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx,
		`UPDATE export_runs SET status=$2, started_at=now()
		 WHERE id=$1 AND status=$3`,
		id, string(models.RunRunning), string(models.RunQueued),
	)
	if err != nil {
		return mapPgError(err, "repositories.MarkRunning", "update export run")
	}
	if cmd.RowsAffected() == 0 {
		return errors.New(errors.CodeConflict, "export run is not queued").WithField("run_id", id)
	}
	return nil
}

// Finish stores the terminal status and summary of run.
func (r *ExportRunRepository) Finish(ctx context.Context, run *models.ExportRun) error {
	failures, err := encodeFailures(run.Failures)
	if err != nil {
		return errors.Wrap(err, "repositories.FinishRun", "encode failures")
	}
	cmd, err := r.db.Exec(ctx,
		`UPDATE export_runs
		 SET status=$2, succeeded=$3, failed=$4, archive_key=NULLIF($5,''),
		     failures_json=$6, error=NULLIF($7,''), finished_at=now()
		 WHERE id=$1`,
		run.ID, string(run.Status), run.Succeeded, run.Failed, run.ArchiveKey, failures, run.Error,
	)
	if err != nil {
		return mapPgError(err, "repositories.FinishRun", "update export run")
	}
	if cmd.RowsAffected() == 0 {
		return errors.NotFound("export run", run.ID)
	}
	return nil
}

// ExpiredArchives lists finished runs older than before that still reference
// an archive.
func (r *ExportRunRepository) ExpiredArchives(ctx context.Context, before time.Time) ([]models.ExportRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+runColumns+` FROM export_runs
		 WHERE archive_key IS NOT NULL AND finished_at < $1
		 ORDER BY finished_at`,
		before,
	)
	if err != nil {
		return nil, mapPgError(err, "repositories.ExpiredArchives", "query export runs")
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, mapPgError(err, "repositories.ExpiredArchives", "scan export runs")
	}
	out := make([]models.ExportRun, 0, len(runs))
	for _, run := range runs {
		out = append(out, *run)
	}
	return out, nil
}

func (r *ExportRunRepository) ClearArchive(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `UPDATE export_runs SET archive_key=NULL WHERE id=$1`, id); err != nil {
		return mapPgError(err, "repositories.ClearArchive", "update export run")
	}
	return nil
}

func scanRun(row pgx.CollectableRow) (*models.ExportRun, error) {
	var (
		run          models.ExportRun
		recordType   string
		status       string
		failuresJSON []byte
	)
	err := row.Scan(
		&run.ID, &recordType, &run.RecordIDs, &run.Period.Month, &run.Period.Year, &status,
		&run.Succeeded, &run.Failed, &run.ArchiveKey, &failuresJSON, &run.Error,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.RecordType = models.RecordType(recordType)
	run.Status = models.RunStatus(status)
	if run.Failures, err = decodeFailures(failuresJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func encodeFailures(f []models.FailureView) ([]byte, error) {
	if len(f) == 0 {
		return nil, nil
	}
	return json.Marshal(f)
}

func decodeFailures(b []byte) ([]models.FailureView, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []models.FailureView
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
