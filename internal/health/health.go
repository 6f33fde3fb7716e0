// Package health provides health check implementations for external
// dependencies and the aggregate /health endpoint.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Checker reports whether one dependency is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// checkTimeout bounds each dependency probe.
const checkTimeout = 3 * time.Second

// Handler serves the aggregate health endpoint over a named set of
// checkers.
type Handler struct {
	checkers map[string]Checker
	logger   *slog.Logger
}

// NewHandler creates a health handler.
func NewHandler(checkers map[string]Checker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{checkers: checkers, logger: logger}
}

// ServeHTTP runs every checker and reports 200 when all pass, 503
// otherwise, with a per-dependency status body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]string, len(h.checkers))
	healthy := true

	for name, checker := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := checker.HealthCheck(ctx)
		cancel()

		if err != nil {
			healthy = false
			statuses[name] = err.Error()
			h.logger.Warn("health check failed", "dependency", name, "error", err)
		} else {
			statuses[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(statuses)
}
