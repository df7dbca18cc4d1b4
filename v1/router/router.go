// Package router wires the v1 API surface onto a chi mux.
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gov-dx-sandbox/credential-broker/v1/handlers"
	"github.com/gov-dx-sandbox/credential-broker/v1/monitoring"
)

// V1Router handles all V1 API route registration
type V1Router struct {
	proxyHandler    *handlers.ProxyHandler
	approvalHandler *handlers.ApprovalHandler
	verbHandler     *handlers.VerbHandler
	healthHandler   *handlers.HealthHandler
}

// NewV1Router creates a new V1 router with all dependencies
func NewV1Router(
	proxyHandler *handlers.ProxyHandler,
	approvalHandler *handlers.ApprovalHandler,
	verbHandler *handlers.VerbHandler,
	healthHandler *handlers.HealthHandler,
) *V1Router {
	return &V1Router{
		proxyHandler:    proxyHandler,
		approvalHandler: approvalHandler,
		verbHandler:     verbHandler,
		healthHandler:   healthHandler,
	}
}

// Mux builds the service mux with logging and panic recovery applied.
func (v *V1Router) Mux() *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/proxy", v.proxyHandler.Submit)
		r.Get("/proxy/status/{requestId}", v.proxyHandler.Status)

		r.Post("/approvals/{requestId}", v.approvalHandler.Decide)
		r.Get("/approvals/{requestId}", v.approvalHandler.Get)

		r.Get("/verbs", v.verbHandler.Query)
		r.Get("/health", v.healthHandler.Check)
	})

	r.Method(http.MethodGet, "/metrics", monitoring.Handler())
	return r
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("Handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}
