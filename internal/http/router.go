package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventloom/ticket-admission/internal/observability"
	"github.com/eventloom/ticket-admission/internal/ratelimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *ratelimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(RateLimitMiddleware(rl, h.cfg))

	r.Get("/v1/events/{event}/tiers/{tier}/availability", h.Availability)
	r.Post("/v1/check", h.Check)

	r.Group(func(r chi.Router) {
		r.Use(IdempotencyKeyMiddleware)
		r.Post("/v1/reservations", h.CreateReservation)
	})
	r.Post("/v1/reservations/{id}/release", h.ReleaseReservation)
	r.Post("/v1/payments/callback", h.PaymentCallback)

	// Authorization for these is enforced upstream (gateway / admin
	// tooling); the engine records actor and reason only.
	r.Post("/v1/admin/tiers", h.ConfigureTier)
	r.Post("/v1/admin/tiers/expand", h.ExpandTier)
	r.Post("/v1/admin/tiers/reset", h.ResetTier)
	r.Get("/v1/admin/tiers/{event}/{tier}/transactions", h.Transactions)
	r.Get("/v1/admin/tiers/{event}/{tier}/expansions", h.Expansions)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
