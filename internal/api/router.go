// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/ledgersync/internal/api/handlers"
	"github.com/pysugar/ledgersync/internal/api/middleware"
	"github.com/pysugar/ledgersync/internal/version"
	"gorm.io/gorm"
)

// Deps are the services the routes call into.
type Deps struct {
	// DB holds the operator API key.
	DB          *gorm.DB
	Store       handlers.Store
	Syncer      handlers.Syncer
	Connections handlers.Connections
	// WebhookSecret returns a provider's signing secret, "" for none.
	WebhookSecret func(provider string) string
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	if d.WebhookSecret == nil {
		d.WebhookSecret = func(string) string { return "" }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// ============================================
	// Public Routes (provider-facing)
	// ============================================

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(version.String()))
	})

	r.Post("/webhooks/{provider}", handlers.WebhookHandler(d.Store, d.Syncer, d.Connections, d.WebhookSecret))

	r.Get("/auth/{provider}/login", handlers.LoginHandler(d.Connections))
	r.Get("/auth/{provider}/callback", handlers.CallbackHandler(d.Connections))

	// ============================================
	// Operator Routes (API Key Required)
	// ============================================

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.DB))

		r.Get("/connections/{id}", handlers.ConnectionHandler(d.Store))
		r.Post("/connections/{id}/sync", handlers.SyncHandler(d.Syncer))
		r.Post("/connections/{id}/revoke", handlers.RevokeHandler(d.Connections))
		r.Post("/connections/{id}/reauthorize", handlers.ReauthorizeHandler(d.Connections))
		r.Get("/connections/{id}/jobs", handlers.JobsHandler(d.Store))

		r.Put("/transactions/{id}/category", handlers.SetCategoryHandler(d.Store))

		r.Get("/webhooks", handlers.WebhookDeliveriesHandler(d.Store))
	})

	return r
}
