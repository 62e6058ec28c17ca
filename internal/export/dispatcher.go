// Package export is the entry point for bulk rendering: it validates a
// request, loads the records, splits them into chunks and runs them on the
// worker pool.
package export

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"monkids/internal/config"
	"monkids/internal/export/renderer"
	"monkids/internal/export/scheduler"
	"monkids/internal/export/unit"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
	"monkids/internal/ports"
	"monkids/internal/tracing"
)

// RecordLoader reads record snapshots. Unknown ids are skipped.
type RecordLoader interface {
	LoadRecords(ctx context.Context, rt models.RecordType, ids []string) ([]models.Record, error)
}

type DispatchRequest struct {
	RecordType models.RecordType `json:"type" validate:"required,oneof=student teacher"`
	IDs        []string          `json:"ids" validate:"required,min=1,dive,required"`
	// RunID names the run; a new one is generated when empty.
	RunID string `json:"-"`
	// Period labels the run; the current month when zero.
	Period models.Period `json:"-"`
}

var validate = validator.New()

// Validate checks the record type and ids. Failures carry one
// "violations" entry per rejected field.
func (r DispatchRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	return nil
}

// Config tunes a dispatcher. Retry counts are used as given, so callers
// normally start from config defaults; zero durations take package defaults.
type Config struct {
	OutputRoot      string
	Concurrency     int
	MaxChunkRetries int
	MaxItemRetries  int
	EngineRefresh   time.Duration
	IdleTimeout     time.Duration
	SettleDelay     time.Duration
	BackoffBase     time.Duration
	PollInterval    time.Duration
	QRPath          string
	// Surface overrides the default A4 viewport when Width is set.
	Surface ports.SurfaceOptions
	Now     func() time.Time
	Log     *logger.Logger
}

// ConfigFrom maps the export section of the service config.
func ConfigFrom(c config.ExportConfig, log *logger.Logger) Config {
	return Config{
		OutputRoot:      c.OutputRoot,
		Concurrency:     c.Concurrency,
		MaxChunkRetries: c.MaxChunkRetries,
		MaxItemRetries:  c.MaxItemRetries,
		EngineRefresh:   c.EngineRefresh,
		IdleTimeout:     c.IdleTimeout,
		SettleDelay:     c.SettleDelay,
		BackoffBase:     c.BackoffBase,
		PollInterval:    c.PollInterval,
		QRPath:          c.QRPath,
		Log:             log,
	}
}

type Dispatcher struct {
	cfg     Config
	loader  RecordLoader
	factory ports.EngineFactory
	log     *logger.Logger
}

// New builds a dispatcher. loader may be nil when only DispatchRecords is
// used.
func New(cfg Config, loader RecordLoader, factory ports.EngineFactory) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = scheduler.DefaultConcurrency()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Dispatcher{
		cfg:     cfg,
		loader:  loader,
		factory: factory,
		log:     cfg.Log.WithComponent("dispatcher"),
	}
}

// Result is what one dispatch produced.
type Result struct {
	RunID    string
	RunLabel string
	// RunDir is the directory all artifacts of the run were written under.
	RunDir   string
	Paths    []string
	Failures []models.Failure
}

type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (r *Result) Summary() Summary {
	return Summary{
		Total:     len(r.Paths) + len(r.Failures),
		Succeeded: len(r.Paths),
		Failed:    len(r.Failures),
	}
}

// FailureViews returns the failures in serializable form.
func (r *Result) FailureViews() []models.FailureView {
	views := make([]models.FailureView, 0, len(r.Failures))
	for _, f := range r.Failures {
		views = append(views, models.FailureView{
			RecordID:  f.Job.Record.RecordID(),
			OutputKey: f.Job.OutputKey,
			Code:      string(errors.GetCode(f.Err)),
			Error:     f.Err.Error(),
		})
	}
	return views
}

// Dispatch loads the requested records and renders them. Only validation and
// loading errors are returned; render failures are reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if d.loader == nil {
		return nil, errors.Internal("dispatcher has no record loader")
	}

	records, err := d.loader.LoadRecords(ctx, req.RecordType, req.IDs)
	if err != nil {
		return nil, errors.Wrap(err, "export.Dispatch", "load records")
	}
	if len(records) == 0 {
		return nil, errors.NotFound(string(req.RecordType)+" records", fmt.Sprint(req.IDs))
	}
	if missing := len(req.IDs) - len(records); missing > 0 {
		d.log.FromContext(ctx).Warn("some records were not found", "requested", len(req.IDs), "missing", missing)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	period := req.Period
	if period.Month == 0 {
		period = models.PeriodOf(d.cfg.Now())
	}
	return d.run(ctx, runID, req.RecordType, period, records)
}

// DispatchRecords renders already loaded records under a new run id.
func (d *Dispatcher) DispatchRecords(ctx context.Context, rt models.RecordType, records []models.Record) (*Result, error) {
	return d.run(ctx, uuid.NewString(), rt, models.PeriodOf(d.cfg.Now()), records)
}

func (d *Dispatcher) run(ctx context.Context, runID string, rt models.RecordType, period models.Period, records []models.Record) (*Result, error) {
	if !rt.Valid() {
		return nil, errors.ValidationField("type", fmt.Sprintf("unknown record type %q", rt))
	}
	if len(records) == 0 {
		return nil, errors.ValidationField("records", "at least one record is required")
	}
	for _, rec := range records {
		if !matches(rt, rec) {
			return nil, errors.Validationf("record %s is not a %s", rec.RecordID(), rt)
		}
	}

	ctx = logger.ContextWithRunID(ctx, runID)
	ctx, span := tracing.Tracer().Start(ctx, "export.Dispatch")
	defer span.End()

	log := d.log.FromContext(ctx)
	jobs := buildJobs(rt, records, period)
	chunks := partition(jobs, d.cfg.Concurrency, runID)

	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("record.type", string(rt)),
		attribute.Int("jobs", len(jobs)),
		attribute.Int("chunks", len(chunks)),
	)
	log.Info("export started", "record_type", rt, "jobs", len(jobs), "chunks", len(chunks), "concurrency", d.cfg.Concurrency)
	started := time.Now()

	u := unit.New(unit.Config{
		Renderer: renderer.Config{
			OutputRoot:  d.cfg.OutputRoot,
			MaxRetries:  d.cfg.MaxItemRetries,
			IdleTimeout: d.cfg.IdleTimeout,
			SettleDelay: d.cfg.SettleDelay,
			Backoff:     renderer.NewBackoff(d.cfg.BackoffBase),
			Surface:     d.cfg.Surface,
		},
		Factory:       d.factory,
		EngineRefresh: d.cfg.EngineRefresh,
		QRPath:        d.cfg.QRPath,
		Log:           d.cfg.Log,
	})
	s := scheduler.New(u, scheduler.Config{
		Concurrency:     d.cfg.Concurrency,
		MaxChunkRetries: d.cfg.MaxChunkRetries,
		PollInterval:    d.cfg.PollInterval,
		Log:             d.cfg.Log,
	})

	paths, failures := s.Run(ctx, chunks).Snapshot()
	res := &Result{
		RunID:    runID,
		RunLabel: period.RunLabel(),
		RunDir:   filepath.Join(d.cfg.OutputRoot, period.RunLabel()),
		Paths:    paths,
		Failures: failures,
	}

	sum := res.Summary()
	span.SetAttributes(attribute.Int("succeeded", sum.Succeeded), attribute.Int("failed", sum.Failed))
	log.Info("export finished",
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

func matches(rt models.RecordType, rec models.Record) bool {
	switch rec.(type) {
	case *models.Student:
		return rt == models.RecordStudent
	case *models.Teacher:
		return rt == models.RecordTeacher
	}
	return false
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.WrapWithCode(err, errors.CodeValidation, "export.Validate", "invalid request")
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
	}
	return errors.ValidationField(verrs[0].Field(), "invalid request").WithField("violations", details)
}
