package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
)

// HealthcheckRoutes defines the routes for health checking.
type HealthcheckRoutes struct {
	store storage.Store
}

// HealthcheckRouter creates a new router for health checking.
func HealthcheckRouter(store storage.Store) http.Handler {
	routes := HealthcheckRoutes{store: store}

	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

// getHealthcheck
//
//	@Summary		Health check
//	@Description	Reports whether the service and its database are reachable
//	@Tags			system
//	@Success		204
//	@Failure		503	{string}	string	"database unreachable"
//	@Router			/health [get]
func (s *HealthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger.Errorf("health check failed: %v", err)
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
