/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. zapLogger:  Structured request logging, status-tiered levels
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/accounts/*        Account and entry operations
  /api/queue/*           Queued apply
  /api/accrual/*         Daily accrual batches
  /api/reconciliation/*  Drift detection and correction
  /metrics               Prometheus exposition
  /healthz               Liveness probe

SECURITY NOTE:
  No authentication middleware. Identity arrives via the X-Actor header
  from the trusted platform in front of this service.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(zapLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor"},
		AllowCredentials: false,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Delete("/{id}", h.ArchiveAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/entries", h.ListEntries)
			r.Post("/{id}/entries", h.ApplyEntry)
		})

		// Queued apply routes
		r.Route("/queue", func(r chi.Router) {
			r.Post("/entries", h.EnqueueEntry)
			r.Get("/entries/{id}", h.GetPending)
			r.Delete("/entries/{id}", h.CancelPending)
		})

		// Accrual routes
		r.Route("/accrual", func(r chi.Router) {
			r.Post("/run", h.RunAccrual)
			r.Get("/runs", h.ListAccrualRuns)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/reports", h.ListReconciliationReports)
		})
	})

	// Operational endpoints
	if h.Service.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			h.Service.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// zapLogger logs one line per request. Server errors log at Error,
// client errors at Warn, everything else at Info.
func zapLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case ww.Status() >= 500:
				log.Error("request", fields...)
			case ww.Status() >= 400:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}
