// Package handlers implements the HTTP endpoints of the export API.
package handlers

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"monkids/internal/models"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
)

// RunStore is the part of the export run repository the API needs.
type RunStore interface {
	Create(ctx context.Context, run *models.ExportRun) error
	Get(ctx context.Context, id string) (*models.ExportRun, error)
	Finish(ctx context.Context, run *models.ExportRun) error
}

// Enqueuer hands a run id to the worker.
type Enqueuer interface {
	Push(ctx context.Context, runID string) error
}

type Deps struct {
	Runs  RunStore
	Queue Enqueuer
	SP    ports.StorageProvider
	// Pool and RDB are only pinged by the deep health check and may be nil.
	Pool *pgxpool.Pool
	RDB  *redis.Client
	Log  *logger.Logger
	Now  func() time.Time
}

type Handler struct {
	runs  RunStore
	queue Enqueuer
	sp    ports.StorageProvider
	pool  *pgxpool.Pool
	rdb   *redis.Client
	log   *logger.Logger
	now   func() time.Time
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		runs:  d.Runs,
		queue: d.Queue,
		sp:    d.SP,
		pool:  d.Pool,
		rdb:   d.RDB,
		log:   log.WithComponent("api"),
		now:   now,
	}
}

// Log is the handler logger, for wrapping error-returning handlers.
func (h *Handler) Log() *logger.Logger {
	return h.log
}
