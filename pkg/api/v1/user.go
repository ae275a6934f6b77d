package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uniauth/uniauth/pkg/audit"
	"github.com/uniauth/uniauth/pkg/authn"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/session"
	"github.com/uniauth/uniauth/pkg/storage"
)

const defaultAuditLogLimit = 50

// UserRoutes defines the routes for account self-service. Every route
// requires a first-party bearer token.
type UserRoutes struct {
	auth     *authn.Orchestrator
	store    storage.Store
	audit    *audit.Recorder
	sessions *session.Manager
	cookies  cookieWriter
}

// UserRouter creates a new router for the account self-service API.
func UserRouter(
	auth *authn.Orchestrator,
	store storage.Store,
	recorder *audit.Recorder,
	sessions *session.Manager,
	issuer *oauth.TokenIssuer,
	secureCookies bool,
) http.Handler {
	routes := UserRoutes{
		auth:     auth,
		store:    store,
		audit:    recorder,
		sessions: sessions,
		cookies:  cookieWriter{secure: secureCookies},
	}

	r := chi.NewRouter()
	r.Use(requireAuth(issuer))
	r.Get("/me", routes.getProfile)
	r.Patch("/me", routes.updateProfile)
	r.Post("/password", routes.changePassword)
	r.Get("/sessions", routes.listSessions)
	r.Delete("/sessions/{sessionID}", routes.revokeSession)
	r.Get("/bindings", routes.listBindings)
	r.Post("/bind/phone", routes.bindPhone)
	r.Post("/bind/email", routes.bindEmail)
	r.Post("/verify-email", routes.verifyEmail)
	r.Delete("/unbind/{provider}", routes.unbindProvider)
	r.Get("/authorized-apps", routes.listAuthorizedApps)
	r.Delete("/authorized-apps/{clientID}", routes.revokeAppAccess)
	r.Get("/audit-log", routes.auditLog)
	r.Post("/mfa/enroll", routes.enrollMFA)
	r.Post("/mfa/confirm", routes.confirmMFA)
	r.Post("/mfa/disable", routes.disableMFA)
	r.Delete("/account", routes.deleteAccount)
	return r
}

// getProfile
//
//	@Summary		Get the current user
//	@Description	Returns the authenticated user's profile
//	@Tags			user
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Failure		401	{object}	envelope
//	@Router			/api/v1/user/me [get]
func (s *UserRoutes) getProfile(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	user, err := s.store.Users().GetByID(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, userPayload(user))
}

// updateProfile
//
//	@Summary		Update the current user
//	@Description	Updates nickname and avatar; absent fields are left untouched
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		updateProfileRequest	true	"Fields to change"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Router			/api/v1/user/me [patch]
func (s *UserRoutes) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	update := authn.ProfileUpdate{Nickname: req.Nickname, AvatarURL: req.AvatarURL}
	user, err := s.auth.UpdateProfile(r.Context(), id.UserID, update, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, userPayload(user))
}

// changePassword
//
//	@Summary		Change password
//	@Description	Replaces the password after checking the current one and revokes every other credential
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		changePasswordRequest	true	"Current and new password"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/user/password [post]
func (s *UserRoutes) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	if err := s.auth.ChangePassword(r.Context(), id.UserID, req.OldPassword, req.NewPassword, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// listSessions
//
//	@Summary		List SSO sessions
//	@Description	Lists the user's sessions newest first, marking the one this request rode in on
//	@Tags			user
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Router			/api/v1/user/sessions [get]
func (s *UserRoutes) listSessions(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sessions, err := s.auth.Sessions(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	currentID := ""
	if token := sessionToken(r); token != "" {
		// Best effort; an expired cookie just means nothing is marked.
		if current, err := s.sessions.Resolve(r.Context(), token); err == nil && current != nil {
			currentID = current.ID
		}
	}

	payload := make([]*sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		payload = append(payload, &sessionResponse{
			ID:           sess.ID,
			IP:           sess.IP,
			UserAgent:    sess.UserAgent,
			RememberMe:   sess.RememberMe,
			Current:      sess.ID == currentID,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
			ExpiresAt:    sess.ExpiresAt,
		})
	}
	respondData(w, http.StatusOK, payload)
}

// revokeSession
//
//	@Summary		Revoke one SSO session
//	@Description	Signs out a single device
//	@Tags			user
//	@Produce		json
//	@Param			sessionID	path		string	true	"Session identifier"
//	@Success		200			{object}	envelope
//	@Failure		404			{object}	envelope
//	@Router			/api/v1/user/sessions/{sessionID} [delete]
func (s *UserRoutes) revokeSession(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.auth.RevokeSession(r.Context(), id.UserID, sessionID, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// listBindings
//
//	@Summary		List login methods
//	@Description	Shows every way this account can sign in
//	@Tags			user
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Router			/api/v1/user/bindings [get]
func (s *UserRoutes) listBindings(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	bindings, err := s.auth.ListBindings(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, bindings)
}

// bindPhone
//
//	@Summary		Bind a phone number
//	@Description	Attaches a verified phone number to the account
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		bindPhoneRequest	true	"Phone number and code sent to it"
//	@Success		200		{object}	envelope
//	@Failure		409		{object}	envelope
//	@Router			/api/v1/user/bind/phone [post]
func (s *UserRoutes) bindPhone(w http.ResponseWriter, r *http.Request) {
	var req bindPhoneRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	user, err := s.auth.BindPhone(r.Context(), id.UserID, req.Phone, req.Code, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, userPayload(user))
}

// bindEmail
//
//	@Summary		Bind an email address
//	@Description	Attaches a verified email address to the account
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		bindEmailRequest	true	"Address and code sent to it"
//	@Success		200		{object}	envelope
//	@Failure		409		{object}	envelope
//	@Router			/api/v1/user/bind/email [post]
func (s *UserRoutes) bindEmail(w http.ResponseWriter, r *http.Request) {
	var req bindEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	user, err := s.auth.BindEmail(r.Context(), id.UserID, req.Email, req.Code, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, userPayload(user))
}

// verifyEmail
//
//	@Summary		Verify the bound email address
//	@Description	Marks the account's email verified using the code sent to it
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		verifyEmailRequest	true	"Verification code"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Router			/api/v1/user/verify-email [post]
func (s *UserRoutes) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	user, err := s.auth.VerifyEmailCode(r.Context(), id.UserID, req.Code, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, userPayload(user))
}

// unbindProvider
//
//	@Summary		Unlink a social provider
//	@Description	Removes a social login binding; refused when it is the last way in
//	@Tags			user
//	@Produce		json
//	@Param			provider	path		string	true	"Provider name"
//	@Success		200			{object}	envelope
//	@Failure		409			{object}	envelope
//	@Router			/api/v1/user/unbind/{provider} [delete]
func (s *UserRoutes) unbindProvider(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	provider := chi.URLParam(r, "provider")
	if err := s.auth.UnbindProvider(r.Context(), id.UserID, provider, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// listAuthorizedApps
//
//	@Summary		List authorized applications
//	@Description	Lists the third-party applications holding live grants for this account
//	@Tags			user
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Router			/api/v1/user/authorized-apps [get]
func (s *UserRoutes) listAuthorizedApps(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	apps, err := s.auth.ListAuthorizedApps(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, apps)
}

// revokeAppAccess
//
//	@Summary		Revoke an application's access
//	@Description	Revokes every refresh token the application holds for this account and tells it so
//	@Tags			user
//	@Produce		json
//	@Param			clientID	path		string	true	"Application client identifier"
//	@Success		200			{object}	envelope
//	@Router			/api/v1/user/authorized-apps/{clientID} [delete]
func (s *UserRoutes) revokeAppAccess(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	clientID := chi.URLParam(r, "clientID")
	if err := s.auth.RevokeAppAccess(r.Context(), id.UserID, clientID, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// auditLog
//
//	@Summary		List security events
//	@Description	Returns the account's audit trail, newest first
//	@Tags			user
//	@Produce		json
//	@Param			limit	query		int	false	"Maximum entries, default 50"
//	@Success		200		{object}	envelope
//	@Router			/api/v1/user/audit-log [get]
func (s *UserRoutes) auditLog(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	limit := defaultAuditLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.audit.ListForUser(r.Context(), id.UserID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	payload := make([]*auditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, &auditEntryResponse{
			Action:    entry.Action,
			IP:        entry.IP,
			UserAgent: entry.UserAgent,
			Detail:    entry.Detail,
			CreatedAt: entry.CreatedAt,
		})
	}
	respondData(w, http.StatusOK, payload)
}

// enrollMFA
//
//	@Summary		Start MFA enrollment
//	@Description	Generates a TOTP secret and recovery codes; MFA turns on after confirmation
//	@Tags			user
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Failure		409	{object}	envelope
//	@Router			/api/v1/user/mfa/enroll [post]
func (s *UserRoutes) enrollMFA(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	enrollment, err := s.auth.EnrollMFA(r.Context(), id.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, enrollment)
}

// confirmMFA
//
//	@Summary		Confirm MFA enrollment
//	@Description	Proves the authenticator works and turns MFA on
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		confirmMFARequest	true	"Current TOTP code"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/user/mfa/confirm [post]
func (s *UserRoutes) confirmMFA(w http.ResponseWriter, r *http.Request) {
	var req confirmMFARequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	if err := s.auth.ConfirmMFA(r.Context(), id.UserID, req.Code, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// disableMFA
//
//	@Summary		Disable MFA
//	@Description	Turns MFA off after verifying a TOTP or recovery code
//	@Tags			user
//	@Accept			json
//	@Produce		json
//	@Param			body	body		disableMFARequest	true	"TOTP or recovery code"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/user/mfa/disable [post]
func (s *UserRoutes) disableMFA(w http.ResponseWriter, r *http.Request) {
	var req disableMFARequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := IdentityFromContext(r.Context())
	if err := s.auth.DisableMFA(r.Context(), id.UserID, req.TOTPCode, req.RecoveryCode, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// deleteAccount
//
//	@Summary		Delete the account
//	@Description	Removes the account and everything it owns, notifying authorized applications first
//	@Tags			user
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Router			/api/v1/user/account [delete]
func (s *UserRoutes) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if err := s.auth.DeleteAccount(r.Context(), id.UserID, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	s.cookies.clearSession(w)
	respondData(w, http.StatusOK, struct{}{})
}

type updateProfileRequest struct {
	Nickname  *string `json:"nickname"`
	AvatarURL *string `json:"avatar_url"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type bindPhoneRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

type bindEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type verifyEmailRequest struct {
	Code string `json:"code"`
}

type confirmMFARequest struct {
	Code string `json:"code"`
}

type disableMFARequest struct {
	TOTPCode     string `json:"totp_code,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
}

type userResponse struct {
	ID            string    `json:"id"`
	Phone         string    `json:"phone,omitempty"`
	PhoneVerified bool      `json:"phone_verified"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	Nickname      string    `json:"nickname,omitempty"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	MFAEnabled    bool      `json:"mfa_enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RememberMe   bool      `json:"remember_me"`
	Current      bool      `json:"current"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type auditEntryResponse struct {
	Action    string         `json:"action"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
