package flow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/ssobridge/pkg/claims"
	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/sso"
	"github.com/meridianlabs/ssobridge/pkg/state"
	"github.com/meridianlabs/ssobridge/pkg/users"
)

type fakeSessions struct {
	id  string
	err error
}

func (f *fakeSessions) Resolve(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	return f.id, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]state.Record
	nextID  int64

	createErr error
	updateErr error
	loadErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]state.Record)}
}

func (f *fakeStore) Load(ctx context.Context, trackedSessionID string) (*state.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	rec, ok := f.records[trackedSessionID]
	if !ok {
		return nil, state.ErrNotFound
	}
	return &state.LoadResult{Record: rec}, nil
}

func (f *fakeStore) Create(ctx context.Context, rec state.Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	rec.ID = f.nextID
	f.records[rec.TrackedSessionID] = rec
	return rec.ID, nil
}

func (f *fakeStore) Update(ctx context.Context, rec state.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.records[rec.TrackedSessionID] = rec
	return nil
}

func (f *fakeStore) get(trackedSessionID string) (state.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[trackedSessionID]
	return rec, ok
}

func (f *fakeStore) put(rec state.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.TrackedSessionID] = rec
}

type fakeProvider struct {
	config    *sso.ProviderConfig
	initErr   error
	claimSet  *claims.ClaimSet
	verifyErr error

	initiated bool
}

func (f *fakeProvider) Config() *sso.ProviderConfig { return f.config }

func (f *fakeProvider) InitiateLogin(w http.ResponseWriter, r *http.Request, relayState string) (string, error) {
	if f.initErr != nil {
		return "", f.initErr
	}
	f.initiated = true
	http.Redirect(w, r, "https://idp.example.com/sso?RelayState="+url.QueryEscape(relayState), http.StatusFound)
	return "<AuthnRequest/>", nil
}

func (f *fakeProvider) VerifyAndDecode(r *http.Request) (*claims.ClaimSet, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.claimSet, nil
}

func (f *fakeProvider) ValidateConfig() error { return nil }

type fakeProviders struct {
	configs     map[int]*sso.ProviderConfig
	provider    *fakeProvider
	providerErr error
	byDomain    map[string]*sso.ProviderConfig
}

func (f *fakeProviders) GetConfig(ctx context.Context, id int) (*sso.ProviderConfig, error) {
	config, ok := f.configs[id]
	if !ok {
		return nil, sso.ErrProviderNotFound
	}
	return config, nil
}

func (f *fakeProviders) GetProvider(ctx context.Context, id int) (sso.Provider, error) {
	if f.providerErr != nil {
		return nil, f.providerErr
	}
	return f.provider, nil
}

func (f *fakeProviders) MatchByDomain(ctx context.Context, domain string) (*sso.ProviderConfig, error) {
	if config, ok := f.byDomain[strings.ToLower(domain)]; ok {
		return config, nil
	}
	return nil, sso.ErrProviderNotFound
}

type fakeUsers struct {
	user     *users.User
	err      error
	gotAuto  bool
	identity *claims.Identity
}

func (f *fakeUsers) FindOrCreate(ctx context.Context, identity *claims.Identity, autoProvision bool) (*users.User, error) {
	f.gotAuto = autoProvision
	f.identity = identity
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

type fakeHost struct {
	established     []int64
	establishErr    error
	invalidated     bool
	suppressed      bool
	refreshRedirect bool
}

func (f *fakeHost) SessionID(r *http.Request) string { return "HOST-1" }
func (f *fakeHost) CookieName() string               { return "HOSTSESS" }

func (f *fakeHost) Establish(w http.ResponseWriter, r *http.Request, userID int64) error {
	if f.establishErr != nil {
		return f.establishErr
	}
	f.established = append(f.established, userID)
	return nil
}

func (f *fakeHost) Invalidate(w http.ResponseWriter, r *http.Request) error {
	f.invalidated = true
	return nil
}

func (f *fakeHost) SuppressAutoLogin(w http.ResponseWriter, r *http.Request) {
	f.suppressed = true
}

func (f *fakeHost) RequiresRefreshRedirect() bool { return f.refreshRedirect }

type orchFixture struct {
	orch      *Orchestrator
	store     *fakeStore
	providers *fakeProviders
	userStore *fakeUsers
	host      *fakeHost
	metrics   *observability.Metrics
}

const testTrackedID = "tracked-abc123"

func newOrchFixture(t *testing.T, opts ...Options) *orchFixture {
	t.Helper()

	var options Options
	if len(opts) > 0 {
		options = opts[0]
	}

	enabled := &sso.ProviderConfig{
		ID:            5,
		Name:          "corp-saml",
		ProviderType:  sso.ProviderTypeSAML,
		Enabled:       true,
		AutoProvision: true,
	}
	disabled := &sso.ProviderConfig{
		ID:           6,
		Name:         "old-saml",
		ProviderType: sso.ProviderTypeSAML,
		Enabled:      false,
	}

	claimSet := claims.NewClaimSet("jdoe@corp.example.com")

	f := &orchFixture{
		store: newFakeStore(),
		providers: &fakeProviders{
			configs:  map[int]*sso.ProviderConfig{5: enabled, 6: disabled},
			provider: &fakeProvider{config: enabled, claimSet: claimSet},
			byDomain: map[string]*sso.ProviderConfig{"corp.example.com": enabled},
		},
		userStore: &fakeUsers{user: &users.User{ID: 42, UserName: "jdoe@corp.example.com"}},
		host:      &fakeHost{},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	f.orch = NewOrchestrator(
		&fakeSessions{id: testTrackedID},
		f.store,
		f.providers,
		f.userStore,
		claims.NewResolver(),
		f.host,
		NewExclusions(logger),
		logger,
		f.metrics,
		options,
	)
	return f
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestDoAuthProceedsWithoutSelection(t *testing.T) {
	f := newOrchFixture(t)
	rec := httptest.NewRecorder()

	decision := f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/app/home", nil))

	assert.Equal(t, DecisionProceed, decision)
	stored, ok := f.store.get(testTrackedID)
	require.True(t, ok, "first contact creates the state record")
	assert.Equal(t, state.PhaseInitial, stored.Phase)
	assert.Equal(t, "/app/home", stored.Location)
	assert.Equal(t, "HOSTSESS", stored.HostSessionName)
}

func TestDoAuthRedirectsToSelectedProvider(t *testing.T) {
	f := newOrchFixture(t)
	rec := httptest.NewRecorder()

	decision := f.orch.DoAuth(rec, formRequest("/login", url.Values{"idp": {"5"}}))

	assert.Equal(t, DecisionHandled, decision)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "idp.example.com")
	assert.Contains(t, rec.Header().Get("Location"), testTrackedID)

	stored, ok := f.store.get(testTrackedID)
	require.True(t, ok)
	assert.Equal(t, state.PhaseSAMLRedirected, stored.Phase)
	assert.Equal(t, 5, stored.IdPID)
	assert.True(t, stored.ExternalAuthenticated)
	assert.Equal(t, "<AuthnRequest/>", stored.LastRequest)
}

func TestDoAuthInactiveProviderLeavesPhaseUnchanged(t *testing.T) {
	f := newOrchFixture(t)

	existing := state.NewRecord(testTrackedID, "HOSTSESS", "/login", f.orch.now())
	f.store.put(existing)

	rec := httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, formRequest("/login", url.Values{"idp": {"6"}}))

	assert.Equal(t, DecisionHandled, decision)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"), "no redirect for an inactive provider")

	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseInitial, stored.Phase, "phase untouched by an inactive provider")
	assert.Zero(t, stored.IdPID)
	assert.False(t, f.providers.provider.initiated)
}

func TestDoAuthRejectsSelectionOutsideRange(t *testing.T) {
	f := newOrchFixture(t)

	for _, selection := range []string{"0", "999", "-3", "abc", "5; DROP TABLE"} {
		rec := httptest.NewRecorder()
		decision := f.orch.DoAuth(rec, formRequest("/login", url.Values{"idp": {selection}}))

		assert.Equal(t, DecisionHandled, decision, selection)
		assert.Equal(t, http.StatusBadRequest, rec.Code, selection)
	}

	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseInitial, stored.Phase)
}

func TestDoAuthAutoMatchesEmailDomain(t *testing.T) {
	f := newOrchFixture(t)
	rec := httptest.NewRecorder()

	decision := f.orch.DoAuth(rec, formRequest("/login", url.Values{"username": {"jdoe@CORP.example.com"}}))

	assert.Equal(t, DecisionHandled, decision)
	assert.Equal(t, http.StatusFound, rec.Code)
	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, 5, stored.IdPID)
	assert.Equal(t, state.PhaseSAMLRedirected, stored.Phase)
}

func TestDoAuthUnknownDomainProceeds(t *testing.T) {
	f := newOrchFixture(t)
	rec := httptest.NewRecorder()

	decision := f.orch.DoAuth(rec, formRequest("/login", url.Values{"username": {"jdoe@elsewhere.net"}}))

	assert.Equal(t, DecisionProceed, decision, "unmatched domain falls through to the host's own login")
}

func TestDoAuthExcludedPathBypasses(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.exclusions.SetRules([]ExclusionRule{{Path: "/health", Action: ActionAllow}})

	rec := httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, DecisionProceed, decision)
	_, ok := f.store.get(testTrackedID)
	assert.False(t, ok, "bypassed traffic is not persisted by default")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ExcludedRequestsTotal))
}

func TestDoAuthExcludedDenyBlocks(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.exclusions.SetRules([]ExclusionRule{{Path: "/internal/", Action: ActionDeny}})

	rec := httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/internal/admin", nil))

	assert.Equal(t, DecisionHandled, decision)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDoAuthExcludedPersistsWhenConfigured(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.opts.PersistExcluded = true
	f.orch.exclusions.SetRules([]ExclusionRule{{Path: "/health", Action: ActionAllow}})

	rec := httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, DecisionProceed, decision)
	stored, ok := f.store.get(testTrackedID)
	require.True(t, ok)
	assert.Equal(t, state.PhaseExcluded, stored.Phase)
	assert.Equal(t, "/health", stored.ExcludedPath)
	assert.Equal(t, ActionAllow, stored.ExcludedAction)
}

func TestDoAuthLoginAfterPersistedExclusion(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.opts.PersistExcluded = true
	f.orch.exclusions.SetRules([]ExclusionRule{{Path: "/health", Action: ActionAllow}})

	// First contact hits a bypass rule, so the record is born excluded.
	rec := httptest.NewRecorder()
	require.Equal(t, DecisionProceed,
		f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/health", nil)))
	stored, ok := f.store.get(testTrackedID)
	require.True(t, ok)
	require.Equal(t, state.PhaseExcluded, stored.Phase)

	rec = httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, formRequest("/login", url.Values{"idp": {"5"}}))

	assert.Equal(t, DecisionHandled, decision)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "idp.example.com")

	stored, _ = f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseSAMLRedirected, stored.Phase,
		"an excluded first contact must not block a later login")
	assert.Equal(t, 5, stored.IdPID)
}

func TestDoAuthLogout(t *testing.T) {
	f := newOrchFixture(t)

	existing := state.NewRecord(testTrackedID, "HOSTSESS", "/app", f.orch.now())
	existing, err := existing.WithPhase(state.PhaseLocalAuthed)
	require.NoError(t, err)
	f.store.put(existing)

	rec := httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/logout", nil))

	assert.Equal(t, DecisionHandled, decision)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, f.host.invalidated)
	assert.True(t, f.host.suppressed)

	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseLoggedOff, stored.Phase)
	assert.True(t, stored.ExternalAuthenticated, "external auth flag survives logoff")

	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "ssobridge_sid" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "marker cookie is expired on logout")
}

func TestDoAuthForcedLogoff(t *testing.T) {
	f := newOrchFixture(t)

	existing := state.NewRecord(testTrackedID, "HOSTSESS", "/app", f.orch.now())
	existing.EnforceLogoff = true
	f.store.put(existing)

	rec := httptest.NewRecorder()
	decision := f.orch.DoAuth(rec, httptest.NewRequest(http.MethodGet, "/app", nil))

	assert.Equal(t, DecisionHandled, decision)
	assert.True(t, f.host.invalidated)

	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseForceLoggedOff, stored.Phase)
	assert.False(t, stored.EnforceLogoff, "flag is one-shot")
}

func redirectedRecord(t *testing.T, f *orchFixture) state.Record {
	t.Helper()
	rec := state.NewRecord(testTrackedID, "HOSTSESS", "/login", f.orch.now())
	rec, err := rec.WithProvider(5)
	require.NoError(t, err)
	rec, err = rec.WithPhase(state.PhaseSAMLRedirected)
	require.NoError(t, err)
	f.store.put(rec)
	return rec
}

func TestFinishLoginSuccess(t *testing.T) {
	f := newOrchFixture(t)
	redirectedRecord(t, f)

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.Equal(t, []int64{42}, f.host.established)
	assert.True(t, f.userStore.gotAuto, "provider's auto-provision setting is honored")

	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseLocalAuthed, stored.Phase)
	assert.Equal(t, int64(42), stored.UserID)
	assert.Equal(t, "jdoe@corp.example.com", stored.UserName)
	assert.True(t, stored.HostAuthenticated)
	assert.Equal(t, "b64payload", stored.LastResponse)
}

func TestFinishLoginRefreshRedirect(t *testing.T) {
	f := newOrchFixture(t)
	f.host.refreshRedirect = true
	redirectedRecord(t, f)

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), `http-equiv="refresh"`)
}

func TestFinishLoginRejectsReplay(t *testing.T) {
	f := newOrchFixture(t)

	// The flow already completed once; the record sits at LocalAuthed.
	stored := redirectedRecord(t, f)
	stored, err := stored.WithPhase(state.PhaseLocalAuthed)
	require.NoError(t, err)
	f.store.put(stored)

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.host.established, "replayed response never establishes a session")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReplayRejectionsTotal))

	after, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseLocalAuthed, after.Phase)
}

func TestFinishLoginRejectsOutOfBandResponse(t *testing.T) {
	f := newOrchFixture(t)

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReplayRejectionsTotal))
	assert.Empty(t, f.host.established)
}

func TestFinishLoginVerificationFailure(t *testing.T) {
	f := newOrchFixture(t)
	redirectedRecord(t, f)
	f.providers.provider.verifyErr = assert.AnError

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"tampered"}}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.host.established)

	stored, _ := f.store.get(testTrackedID)
	assert.Equal(t, state.PhaseSAMLRedirected, stored.Phase, "failed verification does not advance the flow")
}

func TestFinishLoginRejectsUnresolvableClaims(t *testing.T) {
	f := newOrchFixture(t)
	redirectedRecord(t, f)
	f.providers.provider.claimSet = claims.NewClaimSet("opaque-subject-no-email")

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.host.established)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(f.metrics.ClaimRejectionsTotal.WithLabelValues(claims.ReasonNoUsableEmail)))
}

func TestFinishLoginProvisioningFailure(t *testing.T) {
	f := newOrchFixture(t)
	redirectedRecord(t, f)
	f.userStore.err = users.ErrProvisioningDisabled

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.host.established)
}

func TestFinishLoginPersistFailureIsFatal(t *testing.T) {
	f := newOrchFixture(t)
	redirectedRecord(t, f)
	f.store.updateErr = assert.AnError

	rec := httptest.NewRecorder()
	f.orch.FinishLogin(rec, formRequest("/auth/sso/callback", url.Values{"SAMLResponse": {"b64payload"}}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
