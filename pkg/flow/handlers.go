package flow

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianlabs/ssobridge/pkg/httputil"
	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/sso"
	"github.com/meridianlabs/ssobridge/pkg/state"
)

// metadataProvider is implemented by providers that publish SP
// metadata. SAML does, OIDC does not.
type metadataProvider interface {
	Metadata() ([]byte, error)
}

// Handlers exposes the login flow and provider administration over
// HTTP.
type Handlers struct {
	orch      *Orchestrator
	providers *sso.Registry
	storage   *sso.Storage
	logger    *observability.Logger
}

// NewHandlers wires the flow's HTTP surface.
func NewHandlers(orch *Orchestrator, providers *sso.Registry, storage *sso.Storage, logger *observability.Logger) *Handlers {
	return &Handlers{orch: orch, providers: providers, storage: storage, logger: logger}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/auth/sso/login", h.Login).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/auth/sso/callback", h.orch.FinishLogin).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc(h.orch.opts.LogoutPath, h.Logout).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/sso/metadata", h.Metadata).Methods(http.MethodGet)

	r.HandleFunc("/api/providers", h.ListProviders).Methods(http.MethodGet)
	r.HandleFunc("/api/providers", h.CreateProvider).Methods(http.MethodPost)
	r.HandleFunc("/api/providers/{id:[0-9]+}", h.GetProvider).Methods(http.MethodGet)
	r.HandleFunc("/api/providers/{id:[0-9]+}", h.UpdateProvider).Methods(http.MethodPut)
	r.HandleFunc("/api/providers/{id:[0-9]+}", h.DeleteProvider).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/{sid}/force-logoff", h.ForceLogoff).Methods(http.MethodPost)
}

// AuthMiddleware runs the doAuth decision in front of every request.
// Handled requests never reach the next handler.
func AuthMiddleware(orch *Orchestrator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if orch.DoAuth(w, r) == DecisionProceed {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Login runs the doAuth decision for an explicit login request. When
// no provider was selected or matched, it answers with the enabled
// provider list so the host's form can render the choices.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if h.orch.DoAuth(w, r) == DecisionHandled {
		return
	}

	configs, err := h.providers.ListEnabled(r.Context())
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list providers")
		httputil.WriteInternalError(w, errors.New("provider list unavailable"))
		return
	}
	for _, config := range configs {
		config.Sanitize()
	}
	httputil.WriteSuccess(w, map[string]interface{}{"providers": configs})
}

// Logout tears down both sessions. Mounted at the configured logout
// path so doAuth recognizes the request.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if h.orch.DoAuth(w, r) == DecisionProceed {
		// Only reachable when a bypass rule covers the logout path.
		http.Redirect(w, r, h.orch.opts.RootURL, http.StatusFound)
	}
}

// ForceLogoff flags a tracked session so its next request is forcibly
// logged off. Operator surface for revoking a live session.
func (h *Handlers) ForceLogoff(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]

	result, err := h.orch.store.Load(r.Context(), sid)
	if errors.Is(err, state.ErrNotFound) {
		httputil.WriteNotFound(w, "session not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("session load failed")
		httputil.WriteInternalError(w, errors.New("session unavailable"))
		return
	}

	rec := result.Record
	if rec.Phase.Terminal() {
		httputil.WriteErrorMessage(w, http.StatusConflict, "session already ended")
		return
	}
	rec.EnforceLogoff = true
	if err := h.orch.store.Update(r.Context(), rec); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to flag session for forced logoff")
		httputil.WriteInternalError(w, errors.New("session update failed"))
		return
	}

	h.logger.WithField("tracked_session_id", sid).Warn("session flagged for forced logoff")
	httputil.WriteSuccess(w, map[string]interface{}{
		"tracked_session_id": sid,
		"enforce_logoff":     true,
	})
}

// Metadata serves the SAML SP metadata document for ?idp=<id>.
func (h *Handlers) Metadata(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParseQueryInt(r, "idp", 0)
	if err != nil || id == 0 {
		httputil.WriteBadRequest(w, "idp query parameter is required")
		return
	}

	provider, err := h.providers.GetProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, sso.ErrProviderNotFound) {
			httputil.WriteNotFound(w, "provider not found")
			return
		}
		observability.FromContext(r.Context()).WithError(err).Error("provider initialization failed")
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}

	mp, ok := provider.(metadataProvider)
	if !ok {
		httputil.WriteBadRequest(w, "provider does not publish metadata")
		return
	}
	doc, err := mp.Metadata()
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("metadata generation failed")
		httputil.WriteInternalError(w, errors.New("metadata unavailable"))
		return
	}

	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(doc)
}

// providerRequest is the admin write payload. Secrets travel in
// dedicated fields because the public config type never serializes
// them.
type providerRequest struct {
	sso.ProviderConfig
	SAMLPrivateKey   string `json:"saml_private_key,omitempty"`
	OIDCClientSecret string `json:"oidc_client_secret,omitempty"`
}

func (pr *providerRequest) config() *sso.ProviderConfig {
	config := pr.ProviderConfig
	if config.SAMLConfig != nil && pr.SAMLPrivateKey != "" {
		config.SAMLConfig.PrivateKey = pr.SAMLPrivateKey
	}
	if config.OIDCConfig != nil && pr.OIDCClientSecret != "" {
		config.OIDCConfig.ClientSecret = pr.OIDCClientSecret
	}
	return &config
}

// ListProviders returns every configured provider, secrets stripped.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	configs, err := h.storage.List(r.Context(), false)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("failed to list providers")
		httputil.WriteInternalError(w, errors.New("provider list unavailable"))
		return
	}
	for _, config := range configs {
		config.Sanitize()
	}
	httputil.WriteSuccess(w, map[string]interface{}{"providers": configs})
}

// CreateProvider registers a new identity provider.
func (h *Handlers) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	config := req.config()
	if err := h.storage.Create(r.Context(), config); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("provider creation failed")
		httputil.WriteBadRequest(w, "provider creation failed")
		return
	}

	config.Sanitize()
	httputil.WriteCreated(w, config)
}

// GetProvider returns one provider, secrets stripped.
func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIntOrError(w, r, "id")
	if !ok {
		return
	}

	config, err := h.storage.GetByID(r.Context(), id)
	if errors.Is(err, sso.ErrProviderNotFound) {
		httputil.WriteNotFound(w, "provider not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("provider load failed")
		httputil.WriteInternalError(w, errors.New("provider unavailable"))
		return
	}

	config.Sanitize()
	httputil.WriteSuccess(w, config)
}

// UpdateProvider replaces a provider's configuration and drops its
// cache entries so the change takes effect immediately.
func (h *Handlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIntOrError(w, r, "id")
	if !ok {
		return
	}

	var req providerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	config := req.config()
	config.ID = id

	if err := h.storage.Update(r.Context(), config); err != nil {
		if errors.Is(err, sso.ErrProviderNotFound) {
			httputil.WriteNotFound(w, "provider not found")
			return
		}
		observability.FromContext(r.Context()).WithError(err).Error("provider update failed")
		httputil.WriteBadRequest(w, "provider update failed")
		return
	}
	h.providers.Invalidate(r.Context(), id)

	config.Sanitize()
	httputil.WriteSuccess(w, config)
}

// DeleteProvider removes a provider and its cache entries.
func (h *Handlers) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathIntOrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.storage.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sso.ErrProviderNotFound) {
			httputil.WriteNotFound(w, "provider not found")
			return
		}
		observability.FromContext(r.Context()).WithError(err).Error("provider delete failed")
		httputil.WriteInternalError(w, errors.New("provider delete failed"))
		return
	}
	h.providers.Invalidate(r.Context(), id)
	httputil.WriteNoContent(w)
}
