package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/signer"
)

// WellKnownRoutes defines the routes for the OIDC discovery documents.
type WellKnownRoutes struct {
	engine *oauth.Engine
	keys   *signer.Signer
}

// WellKnownRouter creates a new router for the discovery documents. It is
// mounted both under the API prefix and at the root alias the OIDC spec
// expects.
func WellKnownRouter(engine *oauth.Engine, keys *signer.Signer) http.Handler {
	routes := WellKnownRoutes{engine: engine, keys: keys}

	r := chi.NewRouter()
	r.Get("/openid-configuration", routes.openidConfiguration)
	r.Get("/jwks.json", routes.jwks)
	return r
}

// openidConfiguration
//
//	@Summary		OIDC discovery document
//	@Description	Provider metadata per OpenID Connect Discovery 1.0
//	@Tags			oauth2
//	@Produce		json
//	@Success		200	{object}	oauth.DiscoveryDocument
//	@Router			/.well-known/openid-configuration [get]
func (s *WellKnownRoutes) openidConfiguration(w http.ResponseWriter, _ *http.Request) {
	writeCacheable(w)
	if err := json.NewEncoder(w).Encode(s.engine.Discovery()); err != nil {
		logger.Errorf("failed to encode discovery document: %v", err)
	}
}

// jwks
//
//	@Summary		JSON Web Key Set
//	@Description	Public signing keys, current and retired, for token verification
//	@Tags			oauth2
//	@Produce		json
//	@Success		200	{object}	map[string]any
//	@Router			/.well-known/jwks.json [get]
func (s *WellKnownRoutes) jwks(w http.ResponseWriter, r *http.Request) {
	set, err := s.keys.PublicJWKS(r.Context())
	if err != nil {
		logger.Errorf("failed to load public JWKS: %v", err)
		http.Error(w, "failed to load key set", http.StatusInternalServerError)
		return
	}
	writeCacheable(w)
	if err := json.NewEncoder(w).Encode(set); err != nil {
		logger.Errorf("failed to encode JWKS: %v", err)
	}
}

// writeCacheable marks a discovery response safe to cache. The hour matches
// the verification-side JWKS refresh interval, so a rotated key is picked up
// before its predecessor leaves the retirement window.
func writeCacheable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
