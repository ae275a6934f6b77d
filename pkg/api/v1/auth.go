package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/uniauth/uniauth/pkg/authn"
	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/oauth"
	"github.com/uniauth/uniauth/pkg/storage"
	"github.com/uniauth/uniauth/pkg/telemetry"
)

// AuthRoutes defines the routes for the first-party authentication API.
type AuthRoutes struct {
	auth    *authn.Orchestrator
	metrics *telemetry.Metrics
	cookies cookieWriter
}

// AuthRouter creates a new router for the first-party authentication API.
func AuthRouter(
	auth *authn.Orchestrator,
	issuer *oauth.TokenIssuer,
	metrics *telemetry.Metrics,
	secureCookies bool,
) http.Handler {
	routes := AuthRoutes{
		auth:    auth,
		metrics: metrics,
		cookies: cookieWriter{secure: secureCookies},
	}

	r := chi.NewRouter()
	r.Post("/phone/send-code", routes.sendPhoneCode)
	r.Post("/phone/verify", routes.verifyPhone)
	r.Post("/email/send-code", routes.sendEmailCode)
	r.Post("/email/verify", routes.verifyEmailCode)
	r.Post("/email/register", routes.registerWithEmail)
	r.Post("/email/login", routes.loginWithPassword)
	r.Post("/email/verify-code", routes.completeEmailVerification)
	r.Post("/email/reset-password", routes.resetPassword)
	r.Post("/mfa/verify-login", routes.verifyMFALogin)
	r.Get("/oauth/{provider}/authorize", routes.socialAuthorize)
	r.Get("/oauth/{provider}/callback", routes.socialCallback)
	r.Post("/passkey/login", routes.loginWithPasskey)
	r.Post("/refresh", routes.refresh)
	r.Post("/logout", routes.logout)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth(issuer))
		r.Post("/logout-all", routes.logoutAll)
	})
	return r
}

// sendPhoneCode
//
//	@Summary		Send a phone verification code
//	@Description	Sends a 6-digit login code to the given phone number, subject to cooldown and daily limits
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		sendPhoneCodeRequest	true	"Target phone number"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		429		{object}	envelope
//	@Router			/api/v1/auth/phone/send-code [post]
func (s *AuthRoutes) sendPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req sendPhoneCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	issue, err := s.auth.SendPhoneCode(r.Context(), req.Phone, requestMeta(r).IP)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.metrics.RecordCodeIssued(r.Context(), "phone")
	respondData(w, http.StatusOK, issue)
}

// verifyPhone
//
//	@Summary		Log in with a phone code
//	@Description	Verifies the code sent to a phone number and signs the user in, registering the account on first use
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		phoneLoginRequest	true	"Phone number and received code"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/auth/phone/verify [post]
func (s *AuthRoutes) verifyPhone(w http.ResponseWriter, r *http.Request) {
	var req phoneLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.LoginWithPhone(r.Context(), req.Phone, req.Code, req.RememberMe, requestMeta(r))
	s.metrics.RecordLogin(r.Context(), "phone", err == nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondLogin(w, result)
}

// sendEmailCode
//
//	@Summary		Send an email verification code
//	@Description	Sends a 6-digit code for the requested purpose (login, register, verify, reset)
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		sendEmailCodeRequest	true	"Target address and purpose"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		429		{object}	envelope
//	@Router			/api/v1/auth/email/send-code [post]
func (s *AuthRoutes) sendEmailCode(w http.ResponseWriter, r *http.Request) {
	var req sendEmailCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	issue, err := s.auth.SendEmailCode(r.Context(), req.Email, authn.EmailCodePurpose(req.Purpose), requestMeta(r).IP)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.metrics.RecordCodeIssued(r.Context(), "email")
	respondData(w, http.StatusOK, issue)
}

// verifyEmailCode
//
//	@Summary		Log in with an email code
//	@Description	Verifies a login code sent to an email address and signs the user in, registering the account on first use
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		emailCodeLoginRequest	true	"Email address and received code"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/auth/email/verify [post]
func (s *AuthRoutes) verifyEmailCode(w http.ResponseWriter, r *http.Request) {
	var req emailCodeLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.LoginWithEmailCode(r.Context(), req.Email, req.Code, req.RememberMe, requestMeta(r))
	s.metrics.RecordLogin(r.Context(), "email_code", err == nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondLogin(w, result)
}

// registerWithEmail
//
//	@Summary		Register with email and password
//	@Description	Creates an account from a verified email code and a chosen password
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		emailRegisterRequest	true	"Email, code from the register purpose, and password"
//	@Success		201		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		409		{object}	envelope
//	@Router			/api/v1/auth/email/register [post]
func (s *AuthRoutes) registerWithEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.RegisterWithEmail(r.Context(), req.Email, req.Code, req.Password, req.RememberMe, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if result.Session != nil && result.SessionToken != "" {
		s.cookies.setSession(w, result.SessionToken, result.Session)
	}
	respondData(w, http.StatusCreated, loginPayload(result))
}

// loginWithPassword
//
//	@Summary		Log in with email and password
//	@Description	Password login; replies with an MFA challenge instead of credentials when a second factor is enrolled
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		passwordLoginRequest	true	"Email and password"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Failure		403		{object}	envelope
//	@Router			/api/v1/auth/email/login [post]
func (s *AuthRoutes) loginWithPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.LoginWithPassword(r.Context(), req.Email, req.Password, req.RememberMe, requestMeta(r))
	s.metrics.RecordLogin(r.Context(), "password", err == nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondLogin(w, result)
}

// completeEmailVerification
//
//	@Summary		Verify an email address
//	@Description	Marks an address verified using the code mailed to it; no authentication required
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		emailVerifyRequest	true	"Email address and verification code"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		404		{object}	envelope
//	@Router			/api/v1/auth/email/verify-code [post]
func (s *AuthRoutes) completeEmailVerification(w http.ResponseWriter, r *http.Request) {
	var req emailVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.auth.VerifyEmailAddress(r.Context(), req.Email, req.Code, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, verifiedResponse{Verified: true})
}

// resetPassword
//
//	@Summary		Reset a forgotten password
//	@Description	Sets a new password using a code from the reset purpose and revokes every credential the account held
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		resetPasswordRequest	true	"Email, reset code, and new password"
//	@Success		200		{object}	envelope
//	@Failure		400		{object}	envelope
//	@Failure		404		{object}	envelope
//	@Router			/api/v1/auth/email/reset-password [post]
func (s *AuthRoutes) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword, requestMeta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondData(w, http.StatusOK, struct{}{})
}

// verifyMFALogin
//
//	@Summary		Complete an MFA login
//	@Description	Exchanges the pending MFA token plus a TOTP or recovery code for full credentials
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		mfaLoginRequest	true	"Pending MFA token and second factor"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/auth/mfa/verify-login [post]
func (s *AuthRoutes) verifyMFALogin(w http.ResponseWriter, r *http.Request) {
	var req mfaLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.VerifyMFALogin(r.Context(), req.MFAToken, req.TOTPCode, req.RecoveryCode, req.RememberMe, requestMeta(r))
	s.metrics.RecordLogin(r.Context(), "mfa", err == nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondLogin(w, result)
}

// socialAuthorize
//
//	@Summary		Start a social login
//	@Description	Redirects the browser to the provider's authorization endpoint and parks state in a short-lived cookie
//	@Tags			auth
//	@Param			provider	path	string	true	"Provider name"
//	@Param			remember_me	query	bool	false	"Extend the resulting session"
//	@Success		302
//	@Failure		404	{object}	envelope
//	@Router			/api/v1/auth/oauth/{provider}/authorize [get]
func (s *AuthRoutes) socialAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := crypto.NewOpaqueToken(16)
	if err != nil {
		respondError(w, r, err)
		return
	}
	nonce, err := crypto.NewOpaqueToken(16)
	if err != nil {
		respondError(w, r, err)
		return
	}

	authURL, err := s.auth.SocialAuthURL(provider, state, nonce)
	if err != nil {
		respondError(w, r, err)
		return
	}
	err = s.cookies.setSocialState(w, socialState{
		State:      state,
		Nonce:      nonce,
		RememberMe: r.URL.Query().Get("remember_me") == "true",
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// socialCallback
//
//	@Summary		Finish a social login
//	@Description	Exchanges the provider callback for credentials, binding or registering the account as needed
//	@Tags			auth
//	@Produce		json
//	@Param			provider	path	string	true	"Provider name"
//	@Param			code		query	string	true	"Provider authorization code"
//	@Param			state		query	string	true	"State issued at authorize time"
//	@Success		200	{object}	envelope
//	@Failure		400	{object}	envelope
//	@Failure		401	{object}	envelope
//	@Router			/api/v1/auth/oauth/{provider}/callback [get]
func (s *AuthRoutes) socialCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()

	if errCode := query.Get("error"); errCode != "" {
		respondError(w, r, uaerrors.NewInvalidCredentialsError("provider rejected the login: "+errCode, nil))
		return
	}

	state, err := s.cookies.takeSocialState(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !crypto.ConstantTimeEquals(state.State, query.Get("state")) {
		respondError(w, r, uaerrors.NewInvalidRequestError("state mismatch", nil))
		return
	}

	result, err := s.auth.HandleSocialCallback(r.Context(), provider, query.Get("code"), state.Nonce, state.RememberMe, requestMeta(r))
	s.metrics.RecordLogin(r.Context(), "social", err == nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondLogin(w, result)
}

// loginWithPasskey
//
//	@Summary		Log in with a passkey
//	@Description	Verifies a WebAuthn assertion and signs the user in
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		passkeyLoginRequest	true	"WebAuthn assertion"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/auth/passkey/login [post]
func (s *AuthRoutes) loginWithPasskey(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.LoginWithPasskey(r.Context(), req.Assertion, req.RememberMe, requestMeta(r))
	s.metrics.RecordLogin(r.Context(), "passkey", err == nil)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondLogin(w, result)
}

// refresh
//
//	@Summary		Refresh credentials
//	@Description	Rotates a first-party refresh token and mints a new access token
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body		refreshRequest	true	"Current refresh token"
//	@Success		200		{object}	envelope
//	@Failure		401		{object}	envelope
//	@Router			/api/v1/auth/refresh [post]
func (s *AuthRoutes) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	result, err := s.auth.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.metrics.RecordTokenIssued(r.Context(), "first_party_refresh")
	respondData(w, http.StatusOK, loginPayload(result))
}

// logout
//
//	@Summary		Log out
//	@Description	Ends the SSO session named by the cookie and revokes the presented refresh token's family
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			body	body	logoutRequest	false	"Refresh token to revoke"
//	@Success		200	{object}	envelope
//	@Router			/api/v1/auth/logout [post]
func (s *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	// The body is optional: a cookie alone is a valid logout.
	_ = decodeJSON(r, &req)

	err := s.auth.Logout(r.Context(), sessionToken(r), req.RefreshToken, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.cookies.clearSession(w)
	respondData(w, http.StatusOK, struct{}{})
}

// logoutAll
//
//	@Summary		Log out everywhere
//	@Description	Revokes every SSO session and refresh token the authenticated user holds
//	@Tags			auth
//	@Produce		json
//	@Success		200	{object}	envelope
//	@Failure		401	{object}	envelope
//	@Router			/api/v1/auth/logout-all [post]
func (s *AuthRoutes) logoutAll(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	revoked, err := s.auth.LogoutAll(r.Context(), id.UserID, requestMeta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.cookies.clearSession(w)
	respondData(w, http.StatusOK, logoutAllResponse{RevokedSessions: revoked})
}

// respondLogin renders an orchestrator result: either the MFA challenge or
// full credentials plus the SSO cookie.
func (s *AuthRoutes) respondLogin(w http.ResponseWriter, result *authn.Result) {
	if result.MFARequired {
		respondData(w, http.StatusOK, mfaChallengeResponse{
			MFARequired: true,
			MFAToken:    result.MFAToken,
			ExpiresIn:   result.MFAExpiresIn,
		})
		return
	}
	if result.Session != nil && result.SessionToken != "" {
		s.cookies.setSession(w, result.SessionToken, result.Session)
	}
	respondData(w, http.StatusOK, loginPayload(result))
}

// loginPayload shapes the credential response shared by every login flow.
func loginPayload(result *authn.Result) *loginResponse {
	return &loginResponse{
		User:         userPayload(result.User),
		IsNewUser:    result.IsNewUser,
		AccessToken:  result.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
	}
}

// userPayload shapes the public view of an account.
func userPayload(user *storage.User) *userResponse {
	if user == nil {
		return nil
	}
	return &userResponse{
		ID:            user.ID,
		Phone:         user.Phone,
		PhoneVerified: user.PhoneVerified,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		Nickname:      user.Nickname,
		AvatarURL:     user.AvatarURL,
		MFAEnabled:    user.MFAEnabled,
		CreatedAt:     user.CreatedAt,
	}
}

type sendPhoneCodeRequest struct {
	Phone string `json:"phone"`
}

type phoneLoginRequest struct {
	Phone      string `json:"phone"`
	Code       string `json:"code"`
	RememberMe bool   `json:"remember_me"`
}

type sendEmailCodeRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

type emailCodeLoginRequest struct {
	Email      string `json:"email"`
	Code       string `json:"code"`
	RememberMe bool   `json:"remember_me"`
}

type emailRegisterRequest struct {
	Email      string `json:"email"`
	Code       string `json:"code"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type passwordLoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type emailVerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

type mfaLoginRequest struct {
	MFAToken     string `json:"mfa_token"`
	TOTPCode     string `json:"totp_code,omitempty"`
	RecoveryCode string `json:"recovery_code,omitempty"`
	RememberMe   bool   `json:"remember_me"`
}

type passkeyLoginRequest struct {
	Assertion  json.RawMessage `json:"assertion"`
	RememberMe bool            `json:"remember_me"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type logoutAllResponse struct {
	RevokedSessions int64 `json:"revoked_sessions"`
}

type verifiedResponse struct {
	Verified bool `json:"verified"`
}

type mfaChallengeResponse struct {
	MFARequired bool   `json:"mfa_required"`
	MFAToken    string `json:"mfa_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type loginResponse struct {
	User         *userResponse `json:"user,omitempty"`
	IsNewUser    bool          `json:"is_new_user"`
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	RefreshToken string        `json:"refresh_token,omitempty"`
}
