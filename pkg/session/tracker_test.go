package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/state"
)

type fakeHost struct {
	sessionID string
}

func (f *fakeHost) SessionID(r *http.Request) string                            { return f.sessionID }
func (f *fakeHost) CookieName() string                                          { return "HOSTSESS" }
func (f *fakeHost) Establish(http.ResponseWriter, *http.Request, int64) error   { return nil }
func (f *fakeHost) Invalidate(http.ResponseWriter, *http.Request) error         { return nil }
func (f *fakeHost) SuppressAutoLogin(http.ResponseWriter, *http.Request)        {}
func (f *fakeHost) RequiresRefreshRedirect() bool                               { return false }

type fakeMigrationStore struct {
	calls   int
	oldID   string
	newID   string
	failErr error
}

func (f *fakeMigrationStore) Migrate(ctx context.Context, oldID, newID string) error {
	f.calls++
	f.oldID, f.newID = oldID, newID
	return f.failErr
}

type failingJar struct{ err error }

func (j failingJar) Set(w http.ResponseWriter, c *http.Cookie) error { return j.err }

func newTestLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, nil)
}

func requestWithMarker(value string) *http.Request {
	req := httptest.NewRequest("GET", "/app", nil)
	if value != "" {
		req.AddCookie(&http.Cookie{Name: MarkerCookieName, Value: value})
	}
	return req
}

func TestResolveFirstVisitWritesMarker(t *testing.T) {
	host := &fakeHost{sessionID: "abc123"}
	store := &fakeMigrationStore{}
	tracker := NewTracker(host, store, newTestLogger())

	rec := httptest.NewRecorder()
	id, err := tracker.Resolve(context.Background(), rec, requestWithMarker(""))
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Zero(t, store.calls)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, MarkerCookieName, cookies[0].Name)
	assert.Equal(t, "abc123", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, http.SameSiteNoneMode, cookies[0].SameSite)
}

func TestResolveStableAcrossCalls(t *testing.T) {
	host := &fakeHost{sessionID: "abc123"}
	store := &fakeMigrationStore{}
	tracker := NewTracker(host, store, newTestLogger())

	req := requestWithMarker("abc123")
	first, err := tracker.Resolve(context.Background(), httptest.NewRecorder(), req)
	require.NoError(t, err)
	second, err := tracker.Resolve(context.Background(), httptest.NewRecorder(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Zero(t, store.calls, "no migration without identifier change")
}

func TestResolveMigratesOnRotation(t *testing.T) {
	host := &fakeHost{sessionID: "new456"}
	store := &fakeMigrationStore{}
	tracker := NewTracker(host, store, newTestLogger())

	rec := httptest.NewRecorder()
	id, err := tracker.Resolve(context.Background(), rec, requestWithMarker("old123"))
	require.NoError(t, err)

	assert.Equal(t, "new456", id)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, "old123", store.oldID)
	assert.Equal(t, "new456", store.newID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "new456", cookies[0].Value, "marker rewritten to new id")
}

func TestResolveMigrationFailureIsFatal(t *testing.T) {
	host := &fakeHost{sessionID: "new456"}
	store := &fakeMigrationStore{
		failErr: &state.MigrationError{OldID: "old123", NewID: "new456"},
	}
	tracker := NewTracker(host, store, newTestLogger())

	rec := httptest.NewRecorder()
	_, err := tracker.Resolve(context.Background(), rec, requestWithMarker("old123"))

	var merr *state.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Empty(t, rec.Result().Cookies(), "marker untouched when migration fails")
}

func TestResolveMarkerRewriteFailureIsNonFatal(t *testing.T) {
	host := &fakeHost{sessionID: "new456"}
	store := &fakeMigrationStore{}
	tracker := NewTracker(host, store, newTestLogger(),
		WithJar(failingJar{err: errors.New("headers already sent")}))

	id, err := tracker.Resolve(context.Background(), httptest.NewRecorder(), requestWithMarker("old123"))
	require.NoError(t, err, "cookie write failure degrades continuity, not security")
	assert.Equal(t, "new456", id)
	assert.Equal(t, 1, store.calls)
}

func TestResolveMintsIDWithoutHostSession(t *testing.T) {
	host := &fakeHost{sessionID: ""}
	store := &fakeMigrationStore{}
	tracker := NewTracker(host, store, newTestLogger())

	rec := httptest.NewRecorder()
	id, err := tracker.Resolve(context.Background(), rec, requestWithMarker(""))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Zero(t, store.calls)
}

func TestResolveMarkerMaxAge(t *testing.T) {
	host := &fakeHost{sessionID: "abc123"}
	tracker := NewTracker(host, &fakeMigrationStore{}, newTestLogger(),
		WithMarkerMaxAge(86400))

	rec := httptest.NewRecorder()
	_, err := tracker.Resolve(context.Background(), rec, requestWithMarker(""))
	require.NoError(t, err)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, 86400, cookies[0].MaxAge)
}
