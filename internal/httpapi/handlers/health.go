package handlers

import (
	"context"
	"net/http"
	"time"

	"monkids/internal/httpkit"
)

// Health reports liveness. With ?deep=true it also checks dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "monkids-api",
		"version": "0.1.0",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"storage": h.checkStorage(ctx),
	}
	if h.pool != nil {
		checks["postgres"] = h.checkPostgres(ctx)
	}
	if h.rdb != nil {
		checks["redis"] = h.checkRedis(ctx)
	}
	return checks
}

func (h *Handler) checkPostgres(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.pool.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	} else {
		stats := h.pool.Stat()
		result["total_conns"] = stats.TotalConns()
		result["idle_conns"] = stats.IdleConns()
		result["acquired_conns"] = stats.AcquiredConns()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status": "ok",
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.rdb.Ping(checkCtx).Err(); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

// checkStorage only reports the configured provider.
func (h *Handler) checkStorage(_ context.Context) map[string]any {
	return map[string]any{
		"status":   "ok",
		"provider": h.sp.Provider(),
	}
}
