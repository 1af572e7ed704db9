package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

// MarkerCookieName is the fixed name of the secondary session
// correlation marker.
const MarkerCookieName = "ssobridge_sid"

// Host abstracts the host application's own session handling. The
// core only ever touches the host session through this interface.
type Host interface {
	// SessionID returns the host's current session identifier for the
	// request, or "" when the host has not created a session yet.
	SessionID(r *http.Request) string

	// CookieName returns the name of the host's session cookie.
	CookieName() string

	// Establish creates the host's local session for the given user.
	Establish(w http.ResponseWriter, r *http.Request, userID int64) error

	// Invalidate destroys the host's local session and clears its
	// session-scoped cookies.
	Invalidate(w http.ResponseWriter, r *http.Request) error

	// SuppressAutoLogin disables the host's remember-me/auto-login
	// cookie behavior for the current request.
	SuppressAutoLogin(w http.ResponseWriter, r *http.Request)

	// RequiresRefreshRedirect reports whether the host's cookie policy
	// drops cookies across a raw redirect, requiring a same-document
	// refresh instead.
	RequiresRefreshRedirect() bool
}

// Jar writes cookies the core needs to set. Abstracted so marker
// writes are observable and testable.
type Jar interface {
	Set(w http.ResponseWriter, cookie *http.Cookie) error
}

// HTTPJar is the default Jar backed by http.SetCookie.
type HTTPJar struct{}

// Set writes the cookie onto the response.
func (HTTPJar) Set(w http.ResponseWriter, cookie *http.Cookie) error {
	http.SetCookie(w, cookie)
	return nil
}

// MigrationStore re-keys persisted login state after the host rotates
// its session identifier.
type MigrationStore interface {
	Migrate(ctx context.Context, oldID, newID string) error
}

// Tracker resolves the stable tracked session id for each request.
type Tracker struct {
	host      Host
	store     MigrationStore
	jar       Jar
	logger    *observability.Logger
	metrics   *observability.Metrics
	markerAge int
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithJar replaces the cookie jar.
func WithJar(jar Jar) TrackerOption {
	return func(t *Tracker) { t.jar = jar }
}

// WithMarkerMaxAge sets the marker cookie lifetime in seconds; zero
// leaves the cookie session-scoped.
func WithMarkerMaxAge(seconds int) TrackerOption {
	return func(t *Tracker) { t.markerAge = seconds }
}

// WithMetrics attaches migration metrics.
func WithMetrics(m *observability.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker bound to the host session adapter and
// the login state store.
func NewTracker(host Host, store MigrationStore, logger *observability.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		host:   host,
		store:  store,
		jar:    HTTPJar{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve returns the tracked session id for the request, creating the
// marker on first visit and migrating persisted state when the host
// has rotated its session identifier.
func (t *Tracker) Resolve(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	hostID := t.host.SessionID(r)
	if hostID == "" {
		// The host has not opened a session yet; mint an identifier so
		// the flow can still be tracked.
		hostID = uuid.NewString()
	}

	marker, err := r.Cookie(MarkerCookieName)
	if err != nil || marker.Value == "" {
		if err := t.writeMarker(w, hostID); err != nil {
			// Continuity degrades without the marker, security does not.
			t.logger.WithError(err).Warn("failed to write session marker cookie")
		}
		return hostID, nil
	}

	if marker.Value == hostID {
		return hostID, nil
	}

	// The host rotated its session identifier (expected once, right
	// after a successful local login). The marker's value is the key
	// the persisted record still carries; re-key it before adopting
	// the new identifier.
	if err := t.store.Migrate(ctx, marker.Value, hostID); err != nil {
		if t.metrics != nil {
			t.metrics.SessionMigrationsTotal.WithLabelValues("error").Inc()
		}
		return "", fmt.Errorf("tracked session migration: %w", err)
	}
	if t.metrics != nil {
		t.metrics.SessionMigrationsTotal.WithLabelValues("ok").Inc()
	}

	// Guarded rewrite: whatever happens after the successful re-key,
	// the marker must be given its chance to catch up, or the two stay
	// out of sync until the next request.
	defer func() {
		if err := t.writeMarker(w, hostID); err != nil {
			t.logger.WithError(err).
				WithField("tracked_session_id", hostID).
				Warn("failed to rewrite session marker after migration")
		}
	}()

	t.logger.WithFields(map[string]interface{}{
		"old_id": marker.Value,
		"new_id": hostID,
	}).Info("host session identifier rotated; login state re-keyed")

	return hostID, nil
}

func (t *Tracker) writeMarker(w http.ResponseWriter, value string) error {
	return t.jar.Set(w, &http.Cookie{
		Name:     MarkerCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   t.markerAge,
	})
}
