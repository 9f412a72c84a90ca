package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/futurefish/aquacore/internal/auth"
)

// healthCheckTimeout bounds each dependency check on /health.
const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/ponds/{pondID}", func(r chi.Router) {
				r.Get("/", s.handleGetPond)

				r.Get("/commands", s.handleListPondCommands)
				r.Post("/commands", s.handleSubmitCommand)
				r.Get("/executions", s.handleListExecutions)

				r.Get("/schedules", s.handleListSchedules)
				r.Post("/schedules", s.handleCreateSchedule)

				r.Get("/thresholds", s.handleListThresholds)
				r.Put("/thresholds/{parameter}", s.handleSaveThreshold)
				r.Get("/thresholds/{parameter}/violation", s.handleGetViolation)

				r.Get("/audit", s.handleListPondAudit)
			})

			r.Get("/commands/{id}", s.handleGetCommand)

			r.Route("/executions/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Post("/cancel", s.handleCancelExecution)
			})

			r.Route("/schedules/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Patch("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
			})

			r.Delete("/thresholds/{id}", s.handleDeleteThreshold)

			// Device endpoints
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermDeviceManage)).Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.With(s.requirePermission(auth.PermDeviceManage)).Patch("/", s.handleUpdateDevice)
					r.With(s.requirePermission(auth.PermDeviceManage)).Delete("/", s.handleDeleteDevice)
					r.Get("/status", s.handleGetDeviceStatus)
					r.Get("/messages", s.handleListDeviceMessages)
				})
			})

			// Operator views
			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermSystemAdmin))
				r.Get("/system", s.handleSystem)
				r.Get("/bridge/health", s.handleBridgeHealth)
				r.Get("/audit", s.handleListAudit)
			})
		})
	})

	return r
}

// handleHealth returns the server health status. Each registered dependency
// is checked; any failure turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]HealthChecker, len(s.checks)+1)
	for name, c := range s.checks {
		checks[name] = c
	}
	if s.db != nil {
		checks["database"] = s.db
	}

	status := "ok"
	results := make(map[string]string, len(checks))
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  results,
	})
}
