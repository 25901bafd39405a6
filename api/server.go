/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for operator consoles
  5. Auth:       Bearer token check on /api (optional)

ROUTE GROUPS:
  /api/claims           Claim intake
  /api/buckets/*        Bucket review, approval, check assignment
  /api/payments/*       Acknowledge and void
  /api/ranges/*         Reservation ranges
  /api/audit            Audit log
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/claimbucket/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/claim-bucketing/auth"
)

// RouterOptions configures NewRouter. Nil fields disable the feature.
type RouterOptions struct {
	CORSOrigins []string
	Auth        *auth.Middleware
	Metrics     http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Wrap)
		}

		r.Post("/claims", h.SubmitClaim)

		r.Route("/buckets", func(r chi.Router) {
			r.Get("/", h.ListBuckets)
			r.Get("/{id}", h.GetBucket)
			r.Post("/{id}/approve", h.ApproveBucket)
			r.Post("/{id}/reject", h.RejectBucket)
			r.Post("/{id}/checks/auto", h.AssignCheckAutomatically)
			r.Post("/{id}/checks/manual", h.AssignCheckManually)
			r.Post("/{id}/force-generate", h.ForceGenerate)
			r.Post("/{id}/retry", h.RetryBucket)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/{id}/acknowledge", h.AcknowledgePayment)
			r.Post("/{id}/void", h.VoidPayment)
		})

		r.Route("/ranges", func(r chi.Router) {
			r.Get("/", h.ListRanges)
			r.Post("/", h.CreateRange)
			r.Post("/{id}/cancel", h.CancelRange)
		})

		r.Get("/audit", h.QueryAudit)
	})

	return r
}
