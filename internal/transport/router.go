package transport

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/emission"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Manager     *session.Manager
	Sink        emission.Sink
	Limiter     *session.Limiter
	Idempotency session.IdempotencyStore
	Readiness   observability.ReadinessChecks
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints sit outside
// the session middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled && deps.Gatherer != nil {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/", handleMount(deps.Manager))

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Use(SessionContext(deps.Manager))

			r.Get("/", handleSnapshot())
			r.Delete("/", handleUnmount(deps.Manager, deps.Limiter))
			r.Get("/emission", handleEmission(deps.Sink))
			r.Post("/sync", handleSync())

			r.Group(func(r chi.Router) {
				r.Use(RateLimit(deps.Limiter))
				var store session.IdempotencyStore
				if cfg.Idempotency.Enabled {
					store = deps.Idempotency
				}
				r.Use(Idempotency(store, cfg.Idempotency.Store.DefaultTTL, logger))
				r.Post("/events", handleEvent())
			})
		})
	})

	return r
}
