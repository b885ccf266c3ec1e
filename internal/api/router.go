package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"iot-trust-gateway/internal/auth"
)

// Instrumenter wraps handlers with request metrics.
type Instrumenter interface {
	InstrumentHandler(next http.Handler) http.Handler
	Handler() http.Handler
}

func baseRouter(m Instrumenter) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(m.InstrumentHandler)
	}
	return r
}

// SetupDataRouter serves message ingestion. Devices authenticate with an API
// key; the message itself is still checked by the monitor.
func SetupDataRouter(apiHandler *APIHandler, limiter *RateLimiter, m Instrumenter) *chi.Mux {
	r := baseRouter(m)
	r.Get("/healthz", apiHandler.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.auth.Middleware)
		r.Use(limiter.Handler)
		r.Post("/data/{exchange}", apiHandler.HandleDataIngest)
	})
	return r
}

// SetupUIRouter serves the status API, the live feed and metrics.
func SetupUIRouter(apiHandler *APIHandler, limiter *RateLimiter, m Instrumenter) *chi.Mux {
	r := baseRouter(m)
	r.Get("/healthz", apiHandler.HandleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.With(limiter.Handler).Post("/api/login", apiHandler.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.auth.Middleware)
		r.Use(limiter.Handler)

		r.Get("/ws", apiHandler.HandleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Get("/sensor-data", apiHandler.HandleSensorData)
			r.Get("/readings", apiHandler.HandleReadings)
			r.Get("/devices", apiHandler.HandleDevices)
			r.Get("/security/events", apiHandler.HandleSecurityEvents)
			r.Get("/security/summary", apiHandler.HandleSecuritySummary)

			r.With(auth.RequireRole(auth.RoleAdmin)).Post("/admin/reset-security", apiHandler.HandleResetSecurity)
		})
	})
	return r
}
