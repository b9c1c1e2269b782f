package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Routes returns the admin API router, meant to be mounted under /admin
func Routes(handlers *AdminHandlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/stats", handlers.handleStats)

	if handlers.sources.Tenants != nil {
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", handlers.handleListTenants)
			r.Post("/", handlers.handleCreateTenant)
			r.Delete("/{id}", handlers.handleDeleteTenant)
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not found")
	})

	if secret == "" {
		log.Warn().Msg("Admin endpoints enabled at /admin without authentication")
	} else {
		log.Info().Msg("Admin endpoints enabled at /admin")
	}
	return r
}
