// Package worker consumes queued export runs.
package worker

import (
	"context"
	"time"

	"monkids/internal/pkg/logger"
)

const defaultPopTimeout = 30 * time.Second

// retryDelay is the pause after a failed queue read.
var retryDelay = time.Second

// Run processes runs one at a time until ctx is canceled.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	timeout := d.PopTimeout
	if timeout <= 0 {
		timeout = defaultPopTimeout
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		runID, err := d.Queue.Pop(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}

			log.Warn("queue pop error, retrying", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}

		if runID == "" {
			continue
		}

		runCtx := logger.ContextWithRunID(ctx, runID)
		runLog := log.WithRunID(runID)

		runLog.Info("processing run")
		startTime := time.Now()

		if err := d.Processor.ProcessRun(runCtx, runID); err != nil {
			runLog.Error("run failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			runLog.Info("run completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}
