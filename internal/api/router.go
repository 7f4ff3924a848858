package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/chainkeeper/internal/auth"
)

// healthCheckTimeout bounds each collaborator check made by /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics.Enabled && s.gatherer != nil {
		r.Method(http.MethodGet, s.metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermChainRead))

			r.Get("/chains", s.handleListChains)
			r.Get("/chains/{id}", s.handleGetChain)
			r.Get("/chains/{id}/history", s.handleChainHistory)
			r.Get("/downloads", s.handleGetDownloads)
			r.Get(s.wsPath(), s.handleWebSocket)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermChainOperate))

			r.Post("/chains/start-all", s.handleStartAll)
			r.Post("/chains/stop-all", s.handleStopAll)

			r.With(s.knownChain).Post("/chains/{id}/download", s.handleDownload)
			r.With(s.knownChain).Post("/chains/{id}/pause", s.handlePause)
			r.With(s.knownChain).Post("/chains/{id}/resume", s.handleResume)
			r.With(s.knownChain).Post("/chains/{id}/start", s.handleStart)
			r.With(s.knownChain).Post("/chains/{id}/stop", s.handleStop)
			r.With(s.knownChain).Post("/chains/{id}/reset", s.handleReset)
		})
	})

	return r
}

// handleHealth reports the server version, uptime and the state of each
// registered collaborator. Any failing check turns the status "degraded"
// but the endpoint still answers 200 so the daemon itself reads as alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.health))
	status := "ok"
	for name, hc := range s.health {
		if hc == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"checks":         checks,
	})
}
