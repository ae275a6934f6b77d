package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dario.cat/mergo"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/validation"
	"github.com/uniauth/uniauth/pkg/webhook"
)

const defaultDeliveryListLimit = 50

// defaultBranding is the platform look a white-labeled login page falls back
// to for every key an application does not override.
var defaultBranding = map[string]any{
	"logo_url":         "",
	"primary_color":    "#1f6feb",
	"background_color": "#ffffff",
	"support_url":      "",
}

// DeveloperRoutes defines the routes for the developer console API. Every
// route requires a bearer token; applications are visible only to their
// owner.
type DeveloperRoutes struct {
	store storage.Store
	audit *audit.Recorder
}

// DeveloperRouter creates a new router for the developer console API.
func DeveloperRouter(store storage.Store, recorder *audit.Recorder, issuer *oauth.TokenIssuer) http.Handler {
	routes := DeveloperRoutes{store: store, audit: recorder}

	r := chi.NewRouter()
	r.Use(requireAuth(issuer))
	r.Get("/apps", routes.listApps)
	r.Post("/apps", routes.createApp)
	r.Get("/apps/{clientID}", routes.getApp)
	r.Patch("/apps/{clientID}", routes.updateApp)
	r.Delete("/apps/{clientID}", routes.deleteApp)
	r.Post("/apps/{clientID}/secret", routes.rotateSecret)
	r.Get("/apps/{clientID}/claims", routes.getClaims)
	r.Put("/apps/{clientID}/claims", routes.putClaims)
	r.Get("/apps/{clientID}/branding", routes.getBranding)
	r.Put("/apps/{clientID}/branding", routes.putBranding)
	r.Get("/apps/{clientID}/webhooks", routes.listWebhooks)
	r.Post("/apps/{clientID}/webhooks", routes.createWebhook)
	r.Patch("/apps/{clientID}/webhooks/{webhookID}", routes.updateWebhook)
	r.Delete("/apps/{clientID}/webhooks/{webhookID}", routes.deleteWebhook)
	r.Get("/apps/{clientID}/webhooks/{webhookID}/deliveries", routes.listDeliveries)
	return r
}

// ownedApp loads the application named in the URL and checks it belongs to
// the caller. Someone else's app is reported exactly like a missing one.
func (s *DeveloperRoutes) ownedApp(r *http.Request) (*storage.Application, error) {
	clientID := chi.URLParam(r, "clientID")
	app, err := s.store.Applications().GetByClientID(r.Context(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewNotFoundError("application not found", nil)
	}
	if err != nil {
		return nil, err
	}
	id := IdentityFromContext(r.Context())
	if app.OwnerUserID == "" || app.OwnerUserID != id.UserID {
		return nil, uaerrors.NewNotFoundError("application not found", nil)
	}
	return app, nil
}

// ownedWebhook loads a webhook and checks it belongs to the given app.
func (s *DeveloperRoutes) ownedWebhook(r *http.Request, app *storage.Application) (*storage.Webhook, error) {
	hook, err := s.store.Webhooks().Get(r.Context(), chi.URLParam(r, "webhookID"))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, uaerrors.NewNotFoundError("webhook not found", nil)
	}
	if err != nil {
		return nil, err
	}
	if hook.AppID != app.ID {
		return nil, uaerrors.NewNotFoundError("webhook not found", nil)
	}
	return hook, nil
}

// listApps
//
//	@Summary		List applications
//	@Description	Lists the applications the caller owns
//	@Tags			developer
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Router			/api/v1/developer/apps [get]
func (s *DeveloperRoutes) listApps(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	apps, err := s.store.Applications().ListByOwner(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	payload := make([]*appResponse, 0, len(apps))
	for _, app := range apps {
		payload = append(payload, appPayload(app))
	}
	respondData(w, http.StatusOK, payload)
}

// createApp
//
//	@Summary		Register an application
//	@Description	Creates an OAuth client; the client secret for confidential types is returned once and never again
//	@Tags			developer
//	@Accept			json
//	@Produce		json
//	@Param			body	body		createAppRequest	true	"Application definition"
//	@Success		201		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Router			/api/v1/developer/apps [post]
func (s *DeveloperRoutes) createApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validation.ValidateAppName(req.Name); err != nil {
		respondError(w, r, uaerrors.NewInvalidRequestError(err.Error(), err))
		return
	}
	appType := storage.AppType(req.Type)
	switch appType {
	case storage.AppTypeWeb, storage.AppTypeSPA, storage.AppTypeNative, storage.AppTypeM2M:
	default:
		respondError(w, r, uaerrors.NewInvalidRequestError("type must be one of web, spa, native, m2m", nil))
		return
	}
	if appType != storage.AppTypeM2M && len(req.RedirectURIs) == 0 {
		respondError(w, r, uaerrors.NewInvalidRequestError("at least one redirect_uri is required", nil))
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validation.ValidateRedirectURI(uri); err != nil {
			respondError(w, r, uaerrors.NewInvalidRequestError(err.Error(), err))
			return
		}
	}

	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = defaultGrants(appType)
	}
	if err := validateGrants(appType, grants); err != nil {
		respondError(w, r, err)
		return
	}

	clientID, err := crypto.NewClientID()
	if err != nil {
		respondError(w, r, err)
		return
	}

	// Public clients authenticate with PKCE instead of a secret.
	var rawSecret, secretHash string
	if appType == storage.AppTypeWeb || appType == storage.AppTypeM2M {
		rawSecret, err = crypto.NewClientSecret()
		if err != nil {
			respondError(w, r, err)
			return
		}
		secretHash = crypto.HashToken(rawSecret)
	}

	id := IdentityFromContext(r.Context())
	now := time.Now().UTC()
	app := &storage.Application{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		ClientSecretHash: secretHash,
		Name:             req.Name,
		Type:             appType,
		Active:           true,
		RedirectURIs:     req.RedirectURIs,
		GrantTypes:       grants,
		OwnerUserID:      id.UserID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Applications().Create(r.Context(), app); err != nil {
		respondError(w, r, err)
		return
	}
	if len(req.Scopes) > 0 {
		if err := s.grantScopes(r, app, req.Scopes); err != nil {
			respondError(w, r, err)
			return
		}
	}

	meta := requestMeta(r)
	s.audit.Record(r.Context(), audit.Event{
		UserID:    id.UserID,
		Action:    audit.ActionAppCreate,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": app.ClientID, "type": string(app.Type)},
	})

	payload := appPayload(app)
	payload.ClientSecret = rawSecret
	respondData(w, http.StatusCreated, payload)
}

// grantScopes registers m2m scopes after checking each one exists.
func (s *DeveloperRoutes) grantScopes(r *http.Request, app *storage.Application, names []string) error {
	if app.Type != storage.AppTypeM2M {
		return uaerrors.NewInvalidRequestError("scopes can only be granted to m2m applications", nil)
	}
	registered, err := s.store.Scopes().List(r.Context())
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(registered))
	for _, scope := range registered {
		known[scope.Name] = true
	}
	for _, name := range names {
		if err := validation.ValidateScopeName(name); err != nil {
			return uaerrors.NewInvalidRequestError(err.Error(), err)
		}
		if !known[name] {
			return uaerrors.NewInvalidRequestError("unknown scope: "+name, nil)
		}
	}
	return s.store.Applications().GrantScopes(r.Context(), app.ID, names)
}

// getApp
//
//	@Summary		Get an application
//	@Description	Returns one of the caller's applications
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Success		200			{object}	envelope
//	@Failure		404			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID} [get]
func (s *DeveloperRoutes) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	payload := appPayload(app)
	if app.Type == storage.AppTypeM2M {
		if scopes, err := s.store.Applications().ListScopes(r.Context(), app.ID); err == nil {
			payload.Scopes = scopes
		}
	}
	respondData(w, http.StatusOK, payload)
}

// updateApp
//
//	@Summary		Update an application
//	@Description	Changes name, redirect URIs, grant types, scopes, or active state; absent fields stay as they are
//	@Tags			developer
//	@Accept			json
//	@Produce		json
//	@Param			clientID	path		string				true	"Client identifier"
//	@Param			body		body		updateAppRequest	true	"Fields to change"
//	@Success		200			{object}	envelope
//	@Failure		400			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID} [patch]
func (s *DeveloperRoutes) updateApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req updateAppRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	if req.Name != nil {
		if err := validation.ValidateAppName(*req.Name); err != nil {
			respondError(w, r, uaerrors.NewInvalidRequestError(err.Error(), err))
			return
		}
		app.Name = *req.Name
	}
	if req.RedirectURIs != nil {
		for _, uri := range req.RedirectURIs {
			if err := validation.ValidateRedirectURI(uri); err != nil {
				respondError(w, r, uaerrors.NewInvalidRequestError(err.Error(), err))
				return
			}
		}
		app.RedirectURIs = req.RedirectURIs
	}
	if req.GrantTypes != nil {
		if err := validateGrants(app.Type, req.GrantTypes); err != nil {
			respondError(w, r, err)
			return
		}
		app.GrantTypes = req.GrantTypes
	}
	if req.Active != nil {
		app.Active = *req.Active
	}

	app.UpdatedAt = time.Now().UTC()
	if err := s.store.Applications().Update(r.Context(), app); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Scopes != nil {
		if err := s.grantScopes(r, app, req.Scopes); err != nil {
			respondError(w, r, err)
			return
		}
	}

	id := IdentityFromContext(r.Context())
	meta := requestMeta(r)
	s.audit.Record(r.Context(), audit.Event{
		UserID:    id.UserID,
		Action:    audit.ActionAppUpdate,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": app.ClientID},
	})
	respondData(w, http.StatusOK, appPayload(app))
}

// deleteApp
//
//	@Summary		Delete an application
//	@Description	Removes the application, its webhooks, and their delivery history
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Success		200			{object}	envelope
//	@Failure		404			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID} [delete]
func (s *DeveloperRoutes) deleteApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.store.Applications().Delete(r.Context(), app.ClientID); err != nil {
		respondError(w, r, err)
		return
	}

	id := IdentityFromContext(r.Context())
	meta := requestMeta(r)
	s.audit.Record(r.Context(), audit.Event{
		UserID:    id.UserID,
		Action:    audit.ActionAppDelete,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": app.ClientID},
	})
	respondData(w, http.StatusOK, struct{}{})
}

// rotateSecret
//
//	@Summary		Rotate the client secret
//	@Description	Replaces the secret immediately; the old one stops working and the new one is shown once
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Success		200			{object}	envelope
//	@Failure		400			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/secret [post]
func (s *DeveloperRoutes) rotateSecret(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if app.IsPublic() {
		respondError(w, r, uaerrors.NewInvalidRequestError("public clients have no secret", nil))
		return
	}

	rawSecret, err := crypto.NewClientSecret()
	if err != nil {
		respondError(w, r, err)
		return
	}
	app.ClientSecretHash = crypto.HashToken(rawSecret)
	app.UpdatedAt = time.Now().UTC()
	if err := s.store.Applications().Update(r.Context(), app); err != nil {
		respondError(w, r, err)
		return
	}

	id := IdentityFromContext(r.Context())
	meta := requestMeta(r)
	s.audit.Record(r.Context(), audit.Event{
		UserID:    id.UserID,
		Action:    audit.ActionAppSecretRotate,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    map[string]any{"client_id": app.ClientID},
	})
	respondData(w, http.StatusOK, rotateSecretResponse{ClientID: app.ClientID, ClientSecret: rawSecret})
}

// getClaims
//
//	@Summary		Get custom claims
//	@Description	Returns the custom claims stamped into this application's ID tokens
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Success		200			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/claims [get]
func (s *DeveloperRoutes) getClaims(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	claims := app.CustomClaims
	if claims == nil {
		claims = map[string]any{}
	}
	respondData(w, http.StatusOK, claims)
}

// putClaims
//
//	@Summary		Replace custom claims
//	@Description	Sets the custom claims for ID tokens; names colliding with standard claims are refused
//	@Tags			developer
//	@Accept			json
//	@Produce		json
//	@Param			clientID	path		string			true	"Client identifier"
//	@Param			body		body		map[string]any	true	"Claim name to value"
//	@Success		200			{object}	envelope
//	@Failure		400			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/claims [put]
func (s *DeveloperRoutes) putClaims(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var claims map[string]any
	if err := decodeJSON(r, &claims); err != nil {
		respondError(w, r, err)
		return
	}
	for name := range claims {
		if oauth.ReservedClaim(name) {
			respondError(w, r, uaerrors.NewInvalidRequestError("claim name is reserved: "+name, nil))
			return
		}
	}

	app.CustomClaims = claims
	app.UpdatedAt = time.Now().UTC()
	if err := s.store.Applications().Update(r.Context(), app); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, claims)
}

// getBranding
//
//	@Summary		Get branding
//	@Description	Returns the application's login page branding, overrides merged over platform defaults
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Success		200			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/branding [get]
func (s *DeveloperRoutes) getBranding(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	merged, err := mergedBranding(app.Branding)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, merged)
}

// putBranding
//
//	@Summary		Replace branding overrides
//	@Description	Stores the application's branding overrides and returns the merged result
//	@Tags			developer
//	@Accept			json
//	@Produce		json
//	@Param			clientID	path		string			true	"Client identifier"
//	@Param			body		body		map[string]any	true	"Branding overrides"
//	@Success		200			{object}	envelope
//	@Failure		400			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/branding [put]
func (s *DeveloperRoutes) putBranding(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var overrides map[string]any
	if err := decodeJSON(r, &overrides); err != nil {
		respondError(w, r, err)
		return
	}

	app.Branding = overrides
	app.UpdatedAt = time.Now().UTC()
	if err := s.store.Applications().Update(r.Context(), app); err != nil {
		respondError(w, r, err)
		return
	}
	merged, err := mergedBranding(app.Branding)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, merged)
}

// mergedBranding lays the application's overrides over the platform
// defaults. Keys the application never set fall through.
func mergedBranding(overrides map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(overrides))
	for k, v := range overrides {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, defaultBranding); err != nil {
		return nil, uaerrors.NewInternalError("merging branding", err)
	}
	return merged, nil
}

// listWebhooks
//
//	@Summary		List webhooks
//	@Description	Lists the application's webhook subscriptions; signing secrets are not echoed back
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Success		200			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/webhooks [get]
func (s *DeveloperRoutes) listWebhooks(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	hooks, err := s.store.Webhooks().ListByApp(r.Context(), app.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	payload := make([]*webhookResponse, 0, len(hooks))
	for _, hook := range hooks {
		payload = append(payload, webhookPayload(hook))
	}
	respondData(w, http.StatusOK, payload)
}

// createWebhook
//
//	@Summary		Create a webhook
//	@Description	Subscribes a URL to events; the signing secret is returned once and never again
//	@Tags			developer
//	@Accept			json
//	@Produce		json
//	@Param			clientID	path		string					true	"Client identifier"
//	@Param			body		body		createWebhookRequest	true	"Target URL and event list"
//	@Success		201			{object}	envelope
//	@Failure		400			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/webhooks [post]
func (s *DeveloperRoutes) createWebhook(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validation.ValidateWebhookURL(req.URL); err != nil {
		respondError(w, r, uaerrors.NewInvalidRequestError(err.Error(), err))
		return
	}
	if err := validateEvents(req.Events); err != nil {
		respondError(w, r, err)
		return
	}

	secret, err := crypto.NewOpaqueToken(24)
	if err != nil {
		respondError(w, r, err)
		return
	}
	now := time.Now().UTC()
	hook := &storage.Webhook{
		ID:        uuid.NewString(),
		AppID:     app.ID,
		URL:       req.URL,
		Secret:    "whsec_" + secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Webhooks().Create(r.Context(), hook); err != nil {
		respondError(w, r, err)
		return
	}

	payload := webhookPayload(hook)
	payload.Secret = hook.Secret
	respondData(w, http.StatusCreated, payload)
}

// updateWebhook
//
//	@Summary		Update a webhook
//	@Description	Changes the URL, event list, or active state of a webhook
//	@Tags			developer
//	@Accept			json
//	@Produce		json
//	@Param			clientID	path		string					true	"Client identifier"
//	@Param			webhookID	path		string					true	"Webhook identifier"
//	@Param			body		body		updateWebhookRequest	true	"Fields to change"
//	@Success		200			{object}	envelope
//	@Failure		404			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/webhooks/{webhookID} [patch]
func (s *DeveloperRoutes) updateWebhook(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	hook, err := s.ownedWebhook(r, app)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req updateWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	if req.URL != nil {
		if err := validation.ValidateWebhookURL(*req.URL); err != nil {
			respondError(w, r, uaerrors.NewInvalidRequestError(err.Error(), err))
			return
		}
		hook.URL = *req.URL
	}
	if req.Events != nil {
		if err := validateEvents(req.Events); err != nil {
			respondError(w, r, err)
			return
		}
		hook.Events = req.Events
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}

	hook.UpdatedAt = time.Now().UTC()
	if err := s.store.Webhooks().Update(r.Context(), hook); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, webhookPayload(hook))
}

// deleteWebhook
//
//	@Summary		Delete a webhook
//	@Description	Removes the webhook and its delivery history
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Param			webhookID	path		string	true	"Webhook identifier"
//	@Success		200			{object}	envelope
//	@Failure		404			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/webhooks/{webhookID} [delete]
func (s *DeveloperRoutes) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	hook, err := s.ownedWebhook(r, app)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.store.Webhooks().Delete(r.Context(), hook.ID); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// listDeliveries
//
//	@Summary		List webhook deliveries
//	@Description	Returns delivery attempts for a webhook, newest first
//	@Tags			developer
//	@Produce		json
//	@Param			clientID	path		string	true	"Client identifier"
//	@Param			webhookID	path		string	true	"Webhook identifier"
//	@Param			limit		query		int		false	"Maximum entries, default 50"
//	@Success		200			{object}	envelope
//	@Router			/api/v1/developer/apps/{clientID}/webhooks/{webhookID}/deliveries [get]
func (s *DeveloperRoutes) listDeliveries(w http.ResponseWriter, r *http.Request) {
	app, err := s.ownedApp(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	hook, err := s.ownedWebhook(r, app)
	if err != nil {
		respondError(w, r, err)
		return
	}

	limit := defaultDeliveryListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	deliveries, err := s.store.Deliveries().ListByWebhook(r.Context(), hook.ID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	payload := make([]*deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		payload = append(payload, &deliveryResponse{
			ID:           d.ID,
			Event:        d.Event,
			Payload:      json.RawMessage(d.Payload),
			Status:       string(d.Status),
			AttemptCount: d.AttemptCount,
			ResponseCode: d.ResponseCode,
			CreatedAt:    d.CreatedAt,
			UpdatedAt:    d.UpdatedAt,
		})
	}
	respondData(w, http.StatusOK, payload)
}

// defaultGrants is what an application type gets when registration names
// none.
func defaultGrants(appType storage.AppType) []string {
	if appType == storage.AppTypeM2M {
		return []string{oauth.GrantClientCredentials}
	}
	return []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken}
}

// validateGrants enforces the grant matrix: interactive types use the code
// flow, m2m uses client credentials, and never the other way around.
func validateGrants(appType storage.AppType, grants []string) error {
	for _, grant := range grants {
		switch grant {
		case oauth.GrantAuthorizationCode, oauth.GrantRefreshToken:
			if appType == storage.AppTypeM2M {
				return uaerrors.NewInvalidRequestError("m2m applications cannot use the "+grant+" grant", nil)
			}
		case oauth.GrantClientCredentials:
			if appType != storage.AppTypeM2M {
				return uaerrors.NewInvalidRequestError("only m2m applications may use the client_credentials grant", nil)
			}
		default:
			return uaerrors.NewInvalidRequestError("unsupported grant type: "+grant, nil)
		}
	}
	return nil
}

// validateEvents checks every subscription entry is a known event or the
// wildcard.
func validateEvents(events []string) error {
	if len(events) == 0 {
		return uaerrors.NewInvalidRequestError("at least one event is required", nil)
	}
	for _, event := range events {
		if event == "*" {
			continue
		}
		if !webhook.KnownEvent(event) {
			return uaerrors.NewInvalidRequestError("unknown event: "+event, nil)
		}
	}
	return nil
}

// appPayload shapes the public view of an application. ClientSecret is only
// populated at create and rotate time.
func appPayload(app *storage.Application) *appResponse {
	return &appResponse{
		ClientID:     app.ClientID,
		Name:         app.Name,
		Type:         string(app.Type),
		Active:       app.Active,
		IsTrusted:    app.IsTrusted,
		RedirectURIs: app.RedirectURIs,
		GrantTypes:   app.GrantTypes,
		CreatedAt:    app.CreatedAt,
		UpdatedAt:    app.UpdatedAt,
	}
}

func webhookPayload(hook *storage.Webhook) *webhookResponse {
	return &webhookResponse{
		ID:        hook.ID,
		URL:       hook.URL,
		Events:    hook.Events,
		Active:    hook.Active,
		CreatedAt: hook.CreatedAt,
		UpdatedAt: hook.UpdatedAt,
	}
}

type createAppRequest struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type updateAppRequest struct {
	Name         *string  `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
	Active       *bool    `json:"active"`
}

type appResponse struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Active       bool      `json:"active"`
	IsTrusted    bool      `json:"is_trusted"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	GrantTypes   []string  `json:"grant_types,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type rotateSecretResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type updateWebhookRequest struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

type webhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type deliveryResponse struct {
	ID           string          `json:"id"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	ResponseCode int             `json:"response_code,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
