package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"monkids/internal/pkg/errors"
	"monkids/internal/pkg/logger"
)

func jsonLogger(level string) (*logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: level, Format: "json", Output: &buf}), &buf
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("error body is not JSON: %v\n%s", err, rec.Body.String())
	}
	return env
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(logger.RequestIDKey).(string)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/export/bulk", nil))
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 || got != seen {
		t.Errorf("generated id header=%q ctx=%q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/export/runs/run-1", nil)
	req.Header.Set(RequestIDHeader, "lb-7f3a")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "lb-7f3a" || seen != "lb-7f3a" {
		t.Errorf("incoming id not kept: header=%q ctx=%q", rec.Header().Get(RequestIDHeader), seen)
	}
}

func TestLogging(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusAccepted, "INFO"},
		{http.StatusFound, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			log, buf := jsonLogger("info")
			h := RequestID(Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"run_id":"run-1"}`))
			})))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/export/bulk", nil))

			var e map[string]any
			if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
				t.Fatalf("expected one JSON line, got %q", buf.String())
			}
			if e["msg"] != "request completed" || e["level"] != tt.level {
				t.Errorf("entry = %v", e)
			}
			if e["path"] != "/export/bulk" || e["status"] != float64(tt.status) || e["size"] != float64(18) {
				t.Errorf("entry = %v", e)
			}
			if _, ok := e["request_id"]; !ok {
				t.Error("request_id missing from access log")
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	log, buf := jsonLogger("info")
	h := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil lease")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export/runs/run-1", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Code != string(errors.CodeInternal) {
		t.Errorf("code = %s", env.Error.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, "nil lease") {
		t.Errorf("panic not logged: %s", out)
	}
}

func TestResponseWriter(t *testing.T) {
	rw := wrapResponseWriter(httptest.NewRecorder())
	if rw.status != http.StatusOK {
		t.Errorf("initial status = %d", rw.status)
	}

	_, _ = rw.Write([]byte("MONKIDS_T7_2025"))
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.status != http.StatusOK {
		t.Errorf("header written by Write should stick, got %d", rw.status)
	}
	if rw.size != 15 {
		t.Errorf("size = %d, want 15", rw.size)
	}

	rw = wrapResponseWriter(httptest.NewRecorder())
	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusOK)
	if rw.status != http.StatusAccepted {
		t.Errorf("second WriteHeader changed status to %d", rw.status)
	}
}

func TestWrapHandler(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    errors.Code
		details map[string]any
	}{
		{
			name:    "unknown run",
			err:     errors.NotFound("export run", "run-404"),
			status:  http.StatusNotFound,
			code:    errors.CodeNotFound,
			details: map[string]any{"resource": "export run", "id": "run-404"},
		},
		{
			name:    "bad record type",
			err:     errors.ValidationField("type", "must be student or teacher"),
			status:  http.StatusBadRequest,
			code:    errors.CodeValidation,
			details: map[string]any{"field": "type"},
		},
		{
			name:   "queue down",
			err:    errors.WrapWithCode(fmt.Errorf("dial tcp 10.0.0.3:6379"), errors.CodeUnavailable, "api.PostBulk", "queue push failed"),
			status: http.StatusServiceUnavailable,
			code:   errors.CodeUnavailable,
		},
		{
			name:   "plain error",
			err:    fmt.Errorf("archive missing"),
			status: http.StatusInternalServerError,
			code:   errors.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := jsonLogger("info")
			h := WrapHandler(log, func(http.ResponseWriter, *http.Request) error { return tt.err })

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/export/runs/run-404", nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			env := decodeError(t, rec)
			if env.Error.Code != string(tt.code) {
				t.Errorf("code = %s, want %s", env.Error.Code, tt.code)
			}
			for k, v := range tt.details {
				if env.Error.Details[k] != v {
					t.Errorf("details.%s = %v, want %v", k, env.Error.Details[k], v)
				}
			}

			wantLevel := `"level":"WARN"`
			if tt.status >= 500 {
				wantLevel = `"level":"ERROR"`
			}
			if !strings.Contains(buf.String(), wantLevel) {
				t.Errorf("log should be %s: %s", wantLevel, buf.String())
			}
		})
	}

	t.Run("success writes nothing extra", func(t *testing.T) {
		log, buf := jsonLogger("info")
		h := WrapHandler(log, func(w http.ResponseWriter, _ *http.Request) error {
			w.WriteHeader(http.StatusAccepted)
			return nil
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/export/bulk", nil))
		if rec.Code != http.StatusAccepted || rec.Body.Len() != 0 || buf.Len() != 0 {
			t.Errorf("status=%d body=%q log=%q", rec.Code, rec.Body.String(), buf.String())
		}
	})
}

func TestWriteErrorResponseEscapes(t *testing.T) {
	rec := httptest.NewRecorder()
	msg := `bad "ids"` + "\n"
	WriteErrorResponse(rec, errors.CodeValidation, msg, map[string]any{"field": "ids"})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	env := decodeError(t, rec)
	if env.Error.Message != msg || env.Error.Details["field"] != "ids" {
		t.Errorf("envelope = %+v", env)
	}
}

type observation struct {
	method string
	route  string
	status int
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (f *fakeObserver) ObserveRequest(method, route string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, observation{method, route, status})
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	obs := &fakeObserver{}
	r := chi.NewRouter()
	r.Use(Metrics(obs))
	r.Get("/export/runs/{runId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"run-1", "run-2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/export/runs/"+id, nil))
	}

	want := []observation{
		{http.MethodGet, "/export/runs/{runId}", http.StatusNotFound},
		{http.MethodGet, "/export/runs/{runId}", http.StatusNotFound},
	}
	if len(obs.seen) != len(want) {
		t.Fatalf("observations = %+v", obs.seen)
	}
	for i := range want {
		if obs.seen[i] != want[i] {
			t.Errorf("observation %d = %+v, want %+v", i, obs.seen[i], want[i])
		}
	}
}

func TestTracingNamesSpanByRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	r := chi.NewRouter()
	r.Use(Tracing(tp.Tracer("monkids-api")))
	r.Get("/export/runs/{runId}/archive", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/export/runs/run-9/archive", nil))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if got := spans[0].Name(); got != "GET /export/runs/{runId}/archive" {
		t.Errorf("span name = %q", got)
	}
	if spans[0].Status().Code != otelcodes.Error {
		t.Errorf("5xx should mark the span as error, got %v", spans[0].Status())
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	var left time.Duration
	h := Timeout(30 * time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dl, ok := r.Context().Deadline(); ok {
			left = time.Until(dl)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/export/bulk", nil))
	if left <= 0 || left > 30*time.Second {
		t.Errorf("deadline in %v, want within 30s", left)
	}
}
