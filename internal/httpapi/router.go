package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	Logger      *slog.Logger
	RateLimit   RateLimitConfig
	Idempotency IdempotencyStore
	// Realtime serves the event feed under /realtime when set.
	Realtime http.Handler
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := NewRateLimiter(opts.RateLimit)
	idempotent := Idempotency(opts.Idempotency, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(LoggingMiddleware(logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Route("/tickets", func(r chi.Router) {
			r.With(idempotent).Post("/", h.handleCreateTicket)
			r.Get("/active", h.handleListActive)
			r.Get("/history", h.handleHistory)
			r.Get("/{ticketID}", h.handleGetTicket)
			r.With(idempotent).Post("/{ticketID}/finish", h.handleFinish)
			r.With(idempotent).Post("/{ticketID}/absent", h.handleMarkAbsent)
		})

		r.Route("/clinics/{clinicID}", func(r chi.Router) {
			r.Use(limiter.ClinicMiddleware)
			r.With(idempotent).Post("/call-next", h.handleCallNext)
			r.Get("/current", h.handleCurrent)
			r.Get("/stats", h.handleStats)
		})
	})

	if opts.Realtime != nil {
		r.Handle("/realtime/*", opts.Realtime)
	}
	return r
}
