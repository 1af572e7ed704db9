package flow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meridianlabs/ssobridge/pkg/claims"
	"github.com/meridianlabs/ssobridge/pkg/httputil"
	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/session"
	"github.com/meridianlabs/ssobridge/pkg/sso"
	"github.com/meridianlabs/ssobridge/pkg/state"
	"github.com/meridianlabs/ssobridge/pkg/users"
)

// genericLoginError is the only failure text an end user ever sees.
// Diagnostic detail goes to the operator log.
const genericLoginError = "authentication failed"

// StateStore is the login state persistence the orchestrator needs.
type StateStore interface {
	Load(ctx context.Context, trackedSessionID string) (*state.LoadResult, error)
	Create(ctx context.Context, rec state.Record) (int64, error)
	Update(ctx context.Context, rec state.Record) error
}

// SessionResolver produces the stable tracked session id for a request.
type SessionResolver interface {
	Resolve(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error)
}

// ProviderSource serves provider configurations and constructed
// protocol providers.
type ProviderSource interface {
	GetConfig(ctx context.Context, id int) (*sso.ProviderConfig, error)
	GetProvider(ctx context.Context, id int) (sso.Provider, error)
	MatchByDomain(ctx context.Context, domain string) (*sso.ProviderConfig, error)
}

// UserStore finds or just-in-time creates local accounts.
type UserStore interface {
	FindOrCreate(ctx context.Context, identity *claims.Identity, autoProvision bool) (*users.User, error)
}

// Decision is the outcome of the per-request doAuth evaluation.
type Decision int

const (
	// DecisionProceed lets the host continue handling the request.
	DecisionProceed Decision = iota
	// DecisionHandled means a response was already written.
	DecisionHandled
)

// Options tune the orchestrator's request-facing surface.
type Options struct {
	// LogoutPath is the request path that triggers logout handling.
	LogoutPath string

	// ProviderField is the login-form field carrying an explicit
	// provider selection.
	ProviderField string

	// LoginFormFields are scanned for email-shaped values whose domain
	// auto-matches a provider.
	LoginFormFields []string

	// PersistExcluded writes state records for bypassed requests.
	// Default off, so excluded traffic does not pollute the audit
	// trail.
	PersistExcluded bool

	// RootURL is where the browser lands after login and logout.
	RootURL string
}

func (o Options) withDefaults() Options {
	if o.LogoutPath == "" {
		o.LogoutPath = "/logout"
	}
	if o.ProviderField == "" {
		o.ProviderField = "idp"
	}
	if len(o.LoginFormFields) == 0 {
		o.LoginFormFields = []string{"username", "email"}
	}
	if o.RootURL == "" {
		o.RootURL = "/"
	}
	return o
}

// Orchestrator runs the doAuth decision flow.
type Orchestrator struct {
	sessions   SessionResolver
	store      StateStore
	providers  ProviderSource
	users      UserStore
	resolver   *claims.Resolver
	host       session.Host
	exclusions *Exclusions
	logger     *observability.Logger
	metrics    *observability.Metrics
	opts       Options
	now        func() time.Time
}

// NewOrchestrator wires the decision flow. exclusions may be empty but
// not nil.
func NewOrchestrator(
	sessions SessionResolver,
	store StateStore,
	providers ProviderSource,
	userStore UserStore,
	resolver *claims.Resolver,
	host session.Host,
	exclusions *Exclusions,
	logger *observability.Logger,
	metrics *observability.Metrics,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		sessions:   sessions,
		store:      store,
		providers:  providers,
		users:      userStore,
		resolver:   resolver,
		host:       host,
		exclusions: exclusions,
		logger:     logger,
		metrics:    metrics,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// DoAuth evaluates one inbound request: exclusion bypass, logout,
// provider auto-match and selection, redirect initiation. Returns
// DecisionHandled when a response was written.
func (o *Orchestrator) DoAuth(w http.ResponseWriter, r *http.Request) Decision {
	ctx := r.Context()
	log := o.requestLogger(ctx)

	if rule, ok := o.exclusions.Match(r.URL.Path); ok {
		return o.handleExcluded(ctx, w, r, rule, log)
	}

	trackedID, err := o.sessions.Resolve(ctx, w, r)
	if err != nil {
		o.reject(w, log, "tracked session resolution failed", err)
		return DecisionHandled
	}
	ctx = observability.WithTrackedSession(ctx, trackedID)
	log = log.WithField("tracked_session_id", trackedID)

	rec, created, err := o.loadOrCreate(ctx, trackedID, r.URL.Path, log)
	if err != nil {
		o.reject(w, log, "login state unavailable", err)
		return DecisionHandled
	}
	if !created {
		touched := rec.Touch(r.URL.Path, o.now())
		if err := o.store.Update(ctx, touched); err != nil {
			// Activity tracking is audit-only.
			log.WithError(err).Warn("failed to record request activity")
		} else {
			rec = touched
		}
	}

	if rec.EnforceLogoff {
		o.handleForcedLogoff(ctx, w, r, rec, log)
		return DecisionHandled
	}

	if r.URL.Path == o.opts.LogoutPath {
		o.handleLogout(ctx, w, r, rec, log)
		return DecisionHandled
	}

	selection := strings.TrimSpace(r.FormValue(o.opts.ProviderField))
	if selection == "" {
		selection = o.autoMatchDomain(ctx, r, log)
	}
	if selection == "" {
		return DecisionProceed
	}

	return o.initiateLogin(ctx, w, r, rec, selection, log)
}

// FinishLogin is the return hook the provider redirects back to. The
// assertion is verified by the protocol library, then accepted only if
// the login state is exactly at SAMLRedirected.
func (o *Orchestrator) FinishLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := o.now()
	log := o.requestLogger(ctx)

	trackedID, err := o.sessions.Resolve(ctx, w, r)
	if err != nil {
		o.reject(w, log, "tracked session resolution failed", err)
		return
	}
	ctx = observability.WithTrackedSession(ctx, trackedID)
	log = log.WithField("tracked_session_id", trackedID)

	result, err := o.store.Load(ctx, trackedID)
	if errors.Is(err, state.ErrNotFound) {
		o.metrics.ReplayRejectionsTotal.Inc()
		o.reject(w, log, "provider response without login state, treating as out-of-band", err)
		return
	}
	if err != nil {
		o.reject(w, log, "login state unavailable", err)
		return
	}
	rec := result.Record
	if result.Duplicates > 0 {
		log.WithField("duplicates", result.Duplicates).
			Warn("multiple login state records for one session, newest wins")
	}

	if !state.ValidProviderID(rec.IdPID) {
		o.reject(w, log, "provider response for session with no recorded provider", nil)
		return
	}
	provider, err := o.providers.GetProvider(ctx, rec.IdPID)
	if err != nil {
		o.reject(w, log, "provider initialization failed on return leg", err)
		return
	}
	providerName := provider.Config().Name

	claimSet, err := provider.VerifyAndDecode(r)
	if err != nil {
		o.metrics.LoginsTotal.WithLabelValues(providerName, "verify_failed").Inc()
		o.reject(w, log, "assertion verification failed", err)
		return
	}

	// Replay gate: a verified response is still rejected unless the
	// flow is parked exactly where the redirect left it.
	if rec.Phase != state.PhaseSAMLRedirected {
		o.metrics.ReplayRejectionsTotal.Inc()
		o.metrics.LoginsTotal.WithLabelValues(providerName, "replay_rejected").Inc()
		replayErr := &ReplayError{TrackedSessionID: trackedID, Phase: rec.Phase}
		log.WithError(replayErr).WithField("phase", rec.Phase.String()).
			Error("security event: provider response rejected by phase check")
		httputil.WriteUnauthorized(w, genericLoginError)
		return
	}

	rec = rec.Touch(r.URL.Path, o.now()).WithPayloads("", r.FormValue("SAMLResponse"))

	identity, err := o.resolver.Resolve(claimSet)
	if err != nil {
		var verr *claims.ValidationError
		if errors.As(err, &verr) {
			o.metrics.ClaimRejectionsTotal.WithLabelValues(verr.Reason).Inc()
		}
		o.metrics.LoginsTotal.WithLabelValues(providerName, "claims_rejected").Inc()
		o.reject(w, log, "claim resolution failed", err)
		return
	}

	rec, err = rec.WithPhase(state.PhaseExternalAuthed)
	if err != nil {
		o.reject(w, log, "phase transition to external-authed rejected", err)
		return
	}
	o.metrics.PhaseTransitionsTotal.WithLabelValues(
		state.PhaseSAMLRedirected.String(), state.PhaseExternalAuthed.String()).Inc()

	user, err := o.users.FindOrCreate(ctx, identity, provider.Config().AutoProvision)
	if err != nil {
		o.metrics.LoginsTotal.WithLabelValues(providerName, "provision_failed").Inc()
		o.reject(w, log, "local user provisioning failed", err)
		return
	}

	if err := o.host.Establish(w, r, user.ID); err != nil {
		o.reject(w, log, "host session establishment failed", err)
		return
	}

	rec = rec.WithUser(user.ID, user.UserName)
	rec, err = rec.WithPhase(state.PhaseLocalAuthed)
	if err != nil {
		o.reject(w, log, "phase transition to local-authed rejected", err)
		return
	}
	if err := o.store.Update(ctx, rec); err != nil {
		// The phase write backs replay detection; a silent failure here
		// would leave the flow re-acceptable.
		o.reject(w, log, "failed to persist authenticated state", err)
		return
	}
	o.metrics.PhaseTransitionsTotal.WithLabelValues(
		state.PhaseExternalAuthed.String(), state.PhaseLocalAuthed.String()).Inc()

	o.metrics.LoginsTotal.WithLabelValues(providerName, "success").Inc()
	o.metrics.LoginDuration.WithLabelValues(providerName).Observe(o.now().Sub(start).Seconds())
	log.WithFields(map[string]interface{}{
		"user_id":  user.ID,
		"provider": providerName,
	}).Info("login finalized")

	o.redirectToRoot(w, r)
}

func (o *Orchestrator) handleExcluded(ctx context.Context, w http.ResponseWriter, r *http.Request, rule ExclusionRule, log *observability.Logger) Decision {
	o.metrics.ExcludedRequestsTotal.Inc()

	if o.opts.PersistExcluded {
		if trackedID, err := o.sessions.Resolve(ctx, w, r); err == nil {
			o.persistExclusion(ctx, trackedID, r.URL.Path, rule, log)
		} else {
			log.WithError(err).Warn("could not resolve session for excluded request")
		}
	}

	if rule.Action == ActionDeny {
		httputil.WriteForbidden(w, "access denied")
		return DecisionHandled
	}
	return DecisionProceed
}

// persistExclusion is best-effort: bypassed traffic never fails on
// audit bookkeeping.
func (o *Orchestrator) persistExclusion(ctx context.Context, trackedID, path string, rule ExclusionRule, log *observability.Logger) {
	result, err := o.store.Load(ctx, trackedID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		rec := state.NewRecord(trackedID, o.host.CookieName(), path, o.now()).
			WithExclusion(rule.Path, rule.Action)
		if rec, err = rec.WithPhase(state.PhaseExcluded); err != nil {
			log.WithError(err).Warn("could not mark excluded phase")
			return
		}
		if _, err := o.store.Create(ctx, rec); err != nil {
			log.WithError(err).Warn("failed to persist excluded request")
		}
	case err != nil:
		log.WithError(err).Warn("failed to load state for excluded request")
	default:
		rec := result.Record.Touch(path, o.now()).WithExclusion(rule.Path, rule.Action)
		if err := o.store.Update(ctx, rec); err != nil {
			log.WithError(err).Warn("failed to update excluded request state")
		}
	}
}

// loadOrCreate returns the record for the session, creating the
// initial one on first contact. A rejected initial write is fatal to
// the request: proceeding with an unpersisted record would break both
// the audit trail and replay detection.
func (o *Orchestrator) loadOrCreate(ctx context.Context, trackedID, path string, log *observability.Logger) (state.Record, bool, error) {
	result, err := o.store.Load(ctx, trackedID)
	if err == nil {
		if result.Duplicates > 0 {
			log.WithField("duplicates", result.Duplicates).
				Warn("multiple login state records for one session, newest wins")
		}
		return result.Record, false, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return state.Record{}, false, err
	}

	rec := state.NewRecord(trackedID, o.host.CookieName(), path, o.now())
	id, err := o.store.Create(ctx, rec)
	if err != nil {
		return state.Record{}, false, err
	}
	rec.ID = id
	return rec, true, nil
}

func (o *Orchestrator) handleLogout(ctx context.Context, w http.ResponseWriter, r *http.Request, rec state.Record, log *observability.Logger) {
	o.finishLogoff(ctx, w, r, rec, state.PhaseLoggedOff, log)
	log.Info("user logged out")
}

// handleForcedLogoff consumes the one-shot EnforceLogoff flag.
func (o *Orchestrator) handleForcedLogoff(ctx context.Context, w http.ResponseWriter, r *http.Request, rec state.Record, log *observability.Logger) {
	rec.EnforceLogoff = false
	o.finishLogoff(ctx, w, r, rec, state.PhaseForceLoggedOff, log)
	log.Warn("session forcibly logged off")
}

func (o *Orchestrator) finishLogoff(ctx context.Context, w http.ResponseWriter, r *http.Request, rec state.Record, target state.Phase, log *observability.Logger) {
	o.host.SuppressAutoLogin(w, r)

	from := rec.Phase
	if updated, err := rec.WithPhase(target); err == nil {
		rec = updated
		o.metrics.PhaseTransitionsTotal.WithLabelValues(from.String(), target.String()).Inc()
	} else {
		log.WithError(err).Warn("logoff phase transition rejected")
	}
	if err := o.store.Update(ctx, rec); err != nil {
		// The session is still torn down; only the audit trail degrades.
		log.WithError(err).Warn("failed to persist logoff state")
	}

	if err := o.host.Invalidate(w, r); err != nil {
		log.WithError(err).Warn("host session invalidation reported failure")
	}
	o.clearMarker(w)
	o.redirectToRoot(w, r)
}

// clearMarker expires the tracked-session marker so the next visit
// starts a fresh flow.
func (o *Orchestrator) clearMarker(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.MarkerCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   -1,
	})
}

// autoMatchDomain scans the configured login-form fields for an
// email-shaped value whose domain belongs to a provider, synthesizing
// a selection as if that provider's button had been pressed.
func (o *Orchestrator) autoMatchDomain(ctx context.Context, r *http.Request, log *observability.Logger) string {
	for _, field := range o.opts.LoginFormFields {
		value := strings.TrimSpace(r.FormValue(field))
		at := strings.LastIndex(value, "@")
		if at < 0 || at == len(value)-1 {
			continue
		}
		domain := value[at+1:]

		config, err := o.providers.MatchByDomain(ctx, domain)
		if err != nil {
			if !errors.Is(err, sso.ErrProviderNotFound) {
				log.WithError(err).Warn("provider domain match failed")
			}
			continue
		}
		log.WithFields(map[string]interface{}{
			"field":       field,
			"provider_id": config.ID,
		}).Info("login form field auto-matched to provider domain")
		return strconv.Itoa(config.ID)
	}
	return ""
}

// initiateLogin validates the provider selection, records it with a
// phase transition, and sends the browser to the identity provider.
func (o *Orchestrator) initiateLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, rec state.Record, selection string, log *observability.Logger) Decision {
	id, err := strconv.Atoi(selection)
	if err != nil || !state.ValidProviderID(id) {
		// Untrusted input outside the provider id range is never
		// reflected into state.
		log.WithField("selection", selection).
			Warn("rejecting provider selection outside valid range")
		httputil.WriteBadRequest(w, genericLoginError)
		return DecisionHandled
	}
	log = log.WithField("provider_id", id)

	config, err := o.providers.GetConfig(ctx, id)
	if err != nil {
		o.reject(w, log, "provider configuration unavailable", err)
		return DecisionHandled
	}
	if !config.Enabled {
		// No redirect and no phase change for an inactive provider.
		o.metrics.LoginsTotal.WithLabelValues(config.Name, "inactive_provider").Inc()
		o.reject(w, log, "login attempt against inactive provider", nil)
		return DecisionHandled
	}

	from := rec.Phase
	rec, err = rec.WithProvider(id)
	if err != nil {
		o.reject(w, log, "provider id rejected", err)
		return DecisionHandled
	}
	rec, err = rec.WithPhase(state.PhaseSAMLRedirected)
	if err != nil {
		// Without the recorded phase, replay detection on the return
		// leg is unreliable.
		o.reject(w, log, "phase transition to redirected rejected", err)
		return DecisionHandled
	}
	if err := o.store.Update(ctx, rec); err != nil {
		o.reject(w, log, "failed to persist redirect state", err)
		return DecisionHandled
	}
	o.metrics.PhaseTransitionsTotal.WithLabelValues(from.String(), state.PhaseSAMLRedirected.String()).Inc()

	provider, err := o.providers.GetProvider(ctx, id)
	if err != nil {
		o.reject(w, log, "provider initialization failed", err)
		return DecisionHandled
	}

	payload, err := provider.InitiateLogin(w, r, rec.TrackedSessionID)
	if err != nil {
		o.reject(w, log, "provider redirect initiation failed", err)
		return DecisionHandled
	}

	if err := o.store.Update(ctx, rec.WithPayloads(payload, "")); err != nil {
		log.WithError(err).Warn("failed to record outbound request payload")
	}

	o.metrics.LoginsTotal.WithLabelValues(config.Name, "redirected").Inc()
	log.Info("browser redirected to identity provider")
	return DecisionHandled
}

func (o *Orchestrator) redirectToRoot(w http.ResponseWriter, r *http.Request) {
	if o.host.RequiresRefreshRedirect() {
		httputil.WriteRefresh(w, o.opts.RootURL)
		return
	}
	http.Redirect(w, r, o.opts.RootURL, http.StatusFound)
}

func (o *Orchestrator) requestLogger(ctx context.Context) *observability.Logger {
	log := observability.FromContext(ctx)
	if observability.GetRequestID(ctx) == "" {
		log = o.logger
	}
	return log
}

// reject writes the generic user-facing failure and logs the detail.
func (o *Orchestrator) reject(w http.ResponseWriter, log *observability.Logger, msg string, err error) {
	log.WithError(err).Error(msg)
	httputil.WriteUnauthorized(w, genericLoginError)
}
