// Package processor executes one queued export run: render, archive, clean
// up and record the outcome.
package processor

import (
	"context"
	"unicode/utf8"

	"monkids/internal/export"
	"monkids/internal/metrics"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
)

// RunStore persists export runs. *repositories.ExportRunRepository is the
// production implementation.
type RunStore interface {
	Get(ctx context.Context, id string) (*models.ExportRun, error)
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, run *models.ExportRun) error
}

// Dispatcher renders a run. *export.Dispatcher is the production
// implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req export.DispatchRequest) (*export.Result, error)
}

type Deps struct {
	Runs       RunStore
	Dispatcher Dispatcher
	SP         ports.StorageProvider
	// CleanupLocal removes rendered files once the archive is stored
	// remotely.
	CleanupLocal bool
	Log          *logger.Logger
}

type Processor struct {
	runs       RunStore
	dispatcher Dispatcher
	log        *logger.Logger

	outputHandler *OutputHandler
	cleanup       *Cleanup
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("processor")

	return &Processor{
		runs:          d.Runs,
		dispatcher:    d.Dispatcher,
		log:           log,
		outputHandler: NewOutputHandler(d.SP),
		cleanup:       NewCleanup(d.CleanupLocal, d.SP, log),
	}
}

// maxErrorText bounds the error stored on a run row.
const maxErrorText = 2000

// ProcessRun drives a queued run to DONE or FAILED. The returned error is for
// logging; the run row already reflects it.
func (p *Processor) ProcessRun(ctx context.Context, runID string) error {
	ctx = logger.ContextWithRunID(ctx, runID)
	log := p.log.FromContext(ctx)

	run, err := p.runs.Get(ctx, runID)
	if err != nil {
		return errors.Wrap(err, "processor.fetch", "failed to fetch export run")
	}

	if err := p.runs.MarkRunning(ctx, runID); err != nil {
		if errors.IsCode(err, errors.CodeConflict) {
			log.Warn("run is not queued, skipping", "status", run.Status)
			return err
		}
		return p.failRun(ctx, run, errors.Wrap(err, "processor.status", "failed to mark run as running"))
	}

	log.Info("starting export", "record_type", run.RecordType, "records", len(run.RecordIDs))
	res, err := p.dispatcher.Dispatch(ctx, export.DispatchRequest{
		RecordType: run.RecordType,
		IDs:        run.RecordIDs,
		RunID:      run.ID,
		Period:     run.Period,
	})
	if err != nil {
		return p.failRun(ctx, run, errors.Wrap(err, "processor.dispatch", "dispatch failed"))
	}

	sum := res.Summary()
	run.Succeeded = sum.Succeeded
	run.Failed = sum.Failed
	run.Failures = res.FailureViews()

	if sum.Succeeded > 0 {
		key, err := p.outputHandler.Archive(ctx, res)
		if err != nil {
			return p.failRun(ctx, run, errors.Wrap(err, "processor.archive", "failed to archive run"))
		}
		run.ArchiveKey = key
		log.Debug("archive stored", "archive_key", key)

		p.cleanup.CleanupRun(res)
	}

	run.Status = models.RunDone
	if sum.Succeeded == 0 {
		run.Status = models.RunFailed
		run.Error = "no artifact was produced"
	}
	if err := p.runs.Finish(ctx, run); err != nil {
		return errors.Wrap(err, "processor.save", "failed to save run summary")
	}
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()

	log.Info("export run finished", "status", run.Status, "succeeded", run.Succeeded, "failed", run.Failed)
	return nil
}

func (p *Processor) failRun(ctx context.Context, run *models.ExportRun, cause error) error {
	log := p.log.FromContext(ctx)

	msg := truncateUTF8(cause.Error(), maxErrorText)

	var e *errors.Error
	if errors.As(cause, &e) {
		log.Error("export run failed",
			"code", string(e.Code),
			"op", e.Op,
			"message", e.Message,
		)
	} else {
		log.Error("export run failed", "error", msg)
	}

	run.Status = models.RunFailed
	run.Error = msg
	if err := p.runs.Finish(ctx, run); err != nil {
		log.WithError(err).Error("could not record run failure")
	}
	metrics.RunsTotal.WithLabelValues(string(models.RunFailed)).Inc()
	return cause
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
