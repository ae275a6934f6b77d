package v1

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/storage"
)

const (
	// ssoCookieName carries the opaque SSO session token. The server only
	// ever sees its hash in storage.
	ssoCookieName = "uniauth_sso_session"

	// socialStateCookieName pins the state and nonce of an in-flight
	// social login to the browser that started it.
	socialStateCookieName = "uniauth_social_state"

	socialStateTTL = 10 * time.Minute
)

// cookieWriter centralizes cookie attributes so every handler sets them the
// same way. Secure comes from configuration because development setups run
// on plain HTTP.
type cookieWriter struct {
	secure bool
}

// setSession installs the SSO cookie for the lifetime the session has left.
func (c cookieWriter) setSession(w http.ResponseWriter, token string, sess *storage.SSOSession) {
	maxAge := int(time.Until(sess.ExpiresAt) / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ssoCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSession expires the SSO cookie.
func (c cookieWriter) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ssoCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionToken returns the raw SSO cookie value, empty when absent.
func sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(ssoCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// socialState is what a social authorize request parks in the browser until
// the provider calls back.
type socialState struct {
	State      string `json:"state"`
	Nonce      string `json:"nonce"`
	RememberMe bool   `json:"remember_me"`
}

// setSocialState stores the in-flight login state in a short-lived cookie.
func (c cookieWriter) setSocialState(w http.ResponseWriter, state socialState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     socialStateCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		MaxAge:   int(socialStateTTL / time.Second),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// takeSocialState reads and clears the in-flight login state. A callback
// without it is either expired or forged.
func (c cookieWriter) takeSocialState(w http.ResponseWriter, r *http.Request) (*socialState, error) {
	cookie, err := r.Cookie(socialStateCookieName)
	if err != nil {
		return nil, uaerrors.NewInvalidRequestError("no login in progress", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     socialStateCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})

	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil, uaerrors.NewInvalidRequestError("malformed login state", err)
	}
	var state socialState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, uaerrors.NewInvalidRequestError("malformed login state", err)
	}
	return &state, nil
}
