package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	apperrors "monkids/internal/pkg/errors"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// RunIDKey is the context key for export run IDs.
	RunIDKey contextKey = "run_id"
	// ChunkIDKey is the context key for the chunk a worker unit is processing.
	ChunkIDKey contextKey = "chunk_id"
)

// Logger wraps slog.Logger with export-pipeline helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `mapstructure:"level"`
	// Format is the output format (json, text).
	Format string `mapstructure:"format"`
	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer `mapstructure:"-"`
	// AddSource adds source file and line to logs.
	AddSource bool `mapstructure:"add_source"`
	// ServiceName is the name of the service for identification.
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stdout,
		ServiceName: "monkids-export",
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	if cfg.ServiceName != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", cfg.ServiceName),
		})
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithRequestID returns a new logger with the request ID attached.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("request_id", requestID)),
	}
}

// WithRunID returns a new logger with the export run ID attached.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("run_id", runID)),
	}
}

// WithChunkID returns a new logger with the chunk ID attached.
func (l *Logger) WithChunkID(chunkID string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("chunk_id", chunkID)),
	}
}

// WithComponent returns a new logger with the component name attached.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", component)),
	}
}

// WithError returns a new logger with the error and its code attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger: l.Logger.With(
			slog.String("error", err.Error()),
			slog.String("error_code", string(apperrors.GetCode(err))),
		),
	}
}

// WithFields returns a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(attrs...),
	}
}

// FromContext returns a logger enriched with the request, run, chunk and
// trace identifiers found in ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	result := l
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
		result = result.WithRequestID(reqID)
	}
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		result = result.WithRunID(runID)
	}
	if chunkID, ok := ctx.Value(ChunkIDKey).(string); ok && chunkID != "" {
		result = result.WithChunkID(chunkID)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		result = &Logger{Logger: result.Logger.With(slog.String("trace_id", sc.TraceID().String()))}
	}
	return result
}

// LogError logs an error with its code and the caller position.
func (l *Logger) LogError(ctx context.Context, msg string, err error, args ...any) {
	if err == nil {
		return
	}

	_, file, line, ok := runtime.Caller(1)
	if ok {
		args = append(args, "source", slog.GroupValue(
			slog.String("file", file),
			slog.Int("line", line),
		))
	}

	args = append(args, "error", err.Error(), "error_code", string(apperrors.GetCode(err)))
	l.FromContext(ctx).Error(msg, args...)
}

// LogFatal logs a fatal error and exits.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithRunID adds an export run ID to the context.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// ContextWithChunkID adds a chunk ID to the context.
func ContextWithChunkID(ctx context.Context, chunkID string) context.Context {
	return context.WithValue(ctx, ChunkIDKey, chunkID)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
