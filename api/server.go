/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Auth:       Bearer token on everything under /api except /api/health

ROUTE GROUPS:
  /api/quests/*         Completions and claims
  /api/completions/*    Approval queue
  /api/modifiers/*      Triumphs and Trials
  /api/purchases/*      Marketplace escrow
  /api/exchange         Reward conversion
  /api/users/*          Balances, trophies, rank, feeds
  /api/trophies/*       Manual awards
  /api/admin/*          Catalog load, maintenance
  /api/events           SSE change stream

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the wiring that differs between deployments.
type RouterConfig struct {
	AllowedOrigins []string
	Auth           *Authenticator
	Hub            *Hub
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			// Quest routes
			r.Route("/quests/{id}", func(r chi.Router) {
				r.Post("/completions", h.SubmitCompletion)
				r.Post("/claims", h.Claim)
				r.Delete("/claims", h.Unclaim)
				r.Post("/claims/{userID}/approve", h.ApproveClaim)
				r.Post("/claims/{userID}/reject", h.RejectClaim)
			})

			// Completion approval routes
			r.Route("/completions/{id}", func(r chi.Router) {
				r.Post("/approve", h.ApproveCompletion)
				r.Post("/reject", h.RejectCompletion)
			})

			r.Post("/modifiers/{id}/apply", h.ApplyModifier)

			// Marketplace routes
			r.Route("/purchases", func(r chi.Router) {
				r.Post("/", h.CreatePurchase)
				r.Post("/{id}/{action}", h.PurchaseAction)
			})
			r.Post("/exchange", h.Exchange)

			// User routes
			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/balances", h.GetBalances)
				r.Get("/trophies", h.GetTrophies)
				r.Post("/trophies/evaluate", h.EvaluateTrophies)
				r.Get("/notifications", h.GetNotifications)
				r.Get("/chronicle", h.GetChronicle)
				r.Get("/rank", h.GetRank)
			})

			r.Post("/trophies/{id}/award", h.AwardTrophy)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Post("/catalog", h.LoadCatalog)
				r.Post("/maintenance", h.RunMaintenance)
			})

			if cfg.Hub != nil {
				r.Get("/events", cfg.Hub.ServeHTTP)
			}
		})
	})

	return r
}
