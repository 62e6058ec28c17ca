package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"monkids/internal/export"
	"monkids/internal/httpkit"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/ports"
)

// PostBulk queues an export run for the worker and answers 202 with the run.
func (h *Handler) PostBulk(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var req export.DispatchRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, "api.PostBulk", "invalid json body")
	}
	if err := req.Validate(); err != nil {
		return err
	}

	run := &models.ExportRun{
		ID:         uuid.NewString(),
		RecordType: req.RecordType,
		RecordIDs:  req.IDs,
		Period:     models.PeriodOf(h.now()),
		Status:     models.RunQueued,
	}
	if err := h.runs.Create(ctx, run); err != nil {
		return err
	}

	if err := h.queue.Push(ctx, run.ID); err != nil {
		run.Status = models.RunFailed
		run.Error = "enqueue failed: " + err.Error()
		if ferr := h.runs.Finish(ctx, run); ferr != nil {
			h.log.FromContext(ctx).WithError(ferr).Error("could not mark unqueued run as failed", "run_id", run.ID)
		}
		return errors.WrapWithCode(err, errors.CodeUnavailable, "api.PostBulk", "queue push failed")
	}

	h.log.FromContext(ctx).Info("export run queued",
		"run_id", run.ID,
		"record_type", run.RecordType,
		"records", len(run.RecordIDs),
	)
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"run": run})
	return nil
}

// GetRun returns the run with its summary once finished.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) error {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"run": run})
	return nil
}

// GetRunArchive streams the zip archive of a finished run.
func (h *Handler) GetRunArchive(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	runID := chi.URLParam(r, "runId")

	run, err := h.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.ArchiveKey == "" {
		return errors.NotFound("archive", runID)
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, run.ArchiveKey)
	if err != nil {
		if errors.Is(err, ports.ErrObjectNotFound) {
			return errors.NotFound("archive", runID)
		}
		return errors.WrapWithCode(err, errors.CodeUnavailable, "api.GetRunArchive", "storage read failed")
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(run.ArchiveKey)))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.FromContext(ctx).Warn("archive stream interrupted", "run_id", runID, "error", err.Error())
	}
	return nil
}
