package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/askgrid/askd/internal/config"
	"github.com/askgrid/askd/internal/observability"
	"github.com/askgrid/askd/internal/workflow"
)

// Dependencies carries everything the router needs. Authenticate is the JWT
// middleware; Readiness feeds the readiness endpoint.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Sessions     *Manager
	Store        workflow.QueryStore
	Searcher     workflow.Searcher
	Readiness    observability.ReadinessChecks
}

// NewRouter builds the full HTTP route tree with the middleware chain.
// Health, readiness, and metrics are served without authentication;
// everything else requires a valid bearer token.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/ask/health", observability.HandleHealth())
	r.Get("/ask/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	queries := NewQueryHandler(deps.Sessions, deps.Metrics)
	search := NewSearchHandler(deps.Searcher,
		deps.Config.Query.MinQueryLength, deps.Config.Query.TopK)
	results := NewResultsHandler(deps.Store)

	r.Group(func(r chi.Router) {
		r.Use(deps.Authenticate)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Route("/ask", func(r chi.Router) {
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", queries.CreateSession)
				r.Route("/{sessionId}", func(r chi.Router) {
					r.Delete("/", queries.DeleteSession)
					r.Post("/query", queries.SubmitQuery)
					r.Post("/sources/{sourceId}/toggle", queries.ToggleSource)
					r.Post("/confirm", queries.ConfirmSelection)
					r.Post("/cancel", queries.CancelSelection)
					r.Post("/reset", queries.Reset)
					r.Get("/state", queries.GetState)
					r.Get("/events", results.Events)
				})
			})

			r.Get("/sources/search", search.Search)

			r.Route("/results", func(r chi.Router) {
				r.Get("/", results.List)
				r.Route("/{recordId}", func(r chi.Router) {
					r.Get("/", results.Get)
					r.Delete("/", results.Delete)
				})
			})
		})
	})

	return r
}
