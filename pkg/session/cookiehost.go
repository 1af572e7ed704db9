package session

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// CookieHost is a reference Host backed by plain cookies. Deployments
// embedding the flow into an existing application implement Host
// against their own session machinery instead.
type CookieHost struct {
	cookieName      string
	autoLoginCookie string
	refreshRedirect bool
}

// CookieHostOption configures a CookieHost.
type CookieHostOption func(*CookieHost)

// WithAutoLoginCookie names the remember-me cookie to clear when
// auto-login is suppressed.
func WithAutoLoginCookie(name string) CookieHostOption {
	return func(h *CookieHost) { h.autoLoginCookie = name }
}

// WithRefreshRedirect makes post-login navigation use a meta refresh
// instead of a Location header.
func WithRefreshRedirect() CookieHostOption {
	return func(h *CookieHost) { h.refreshRedirect = true }
}

// NewCookieHost creates a cookie-backed host session adapter.
func NewCookieHost(cookieName string, opts ...CookieHostOption) *CookieHost {
	h := &CookieHost{
		cookieName:      cookieName,
		autoLoginCookie: "remember_me",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SessionID returns the current host session identifier, or "".
func (h *CookieHost) SessionID(r *http.Request) string {
	c, err := r.Cookie(h.cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// CookieName returns the host session cookie name.
func (h *CookieHost) CookieName() string { return h.cookieName }

// Establish rotates the session identifier and binds it to the user.
// Rotation on privilege change is what the tracker's migration path
// exists for.
func (h *CookieHost) Establish(w http.ResponseWriter, r *http.Request, userID int64) error {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    fmt.Sprintf("u%d.%s", userID, uuid.NewString()),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Invalidate expires the session cookie.
func (h *CookieHost) Invalidate(w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   -1,
	})
	return nil
}

// SuppressAutoLogin expires the remember-me cookie.
func (h *CookieHost) SuppressAutoLogin(w http.ResponseWriter, r *http.Request) {
	if h.autoLoginCookie == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.autoLoginCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   -1,
	})
}

// RequiresRefreshRedirect reports the configured redirect policy.
func (h *CookieHost) RequiresRefreshRedirect() bool { return h.refreshRedirect }
