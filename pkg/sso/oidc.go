package sso

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/meridianlabs/ssobridge/pkg/claims"
)

// OIDCProvider implements OpenID Connect SSO on top of coreos/go-oidc.
type OIDCProvider struct {
	config       *ProviderConfig
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewOIDCProvider creates an OIDC provider, running issuer discovery.
func NewOIDCProvider(ctx context.Context, config *ProviderConfig) (*OIDCProvider, error) {
	cfg := config.OIDCConfig
	if cfg == nil {
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("OIDC config is required")}
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("failed to discover OIDC provider: %w", err)}
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	})

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}

	return &OIDCProvider{
		config:       config,
		provider:     provider,
		verifier:     verifier,
		oauth2Config: oauth2Config,
	}, nil
}

// Config returns the provider configuration.
func (p *OIDCProvider) Config() *ProviderConfig {
	return p.config
}

// InitiateLogin redirects the browser to the authorization endpoint.
func (p *OIDCProvider) InitiateLogin(w http.ResponseWriter, r *http.Request, relayState string) (string, error) {
	authURL := p.oauth2Config.AuthCodeURL(relayState, oauth2.AccessTypeOffline)
	http.Redirect(w, r, authURL, http.StatusFound)
	return authURL, nil
}

// VerifyAndDecode exchanges the authorization code, verifies the ID
// token and flattens its claims into a claim set keyed by the OIDC
// short claim names.
func (p *OIDCProvider) VerifyAndDecode(r *http.Request) (*claims.ClaimSet, error) {
	code := r.URL.Query().Get("code")
	if code == "" {
		code = r.FormValue("code")
	}
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	ctx := r.Context()
	oauth2Token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var tokenClaims map[string]interface{}
	if err := idToken.Claims(&tokenClaims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	cs := claims.NewClaimSet(idToken.Subject)
	for key, value := range tokenClaims {
		switch v := value.(type) {
		case string:
			cs.Add(key, v)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					cs.Add(key, s)
				}
			}
		}
	}

	return cs, nil
}

// ValidateConfig validates the OIDC configuration.
func (p *OIDCProvider) ValidateConfig() error {
	cfg := p.config.OIDCConfig
	if cfg == nil {
		return fmt.Errorf("OIDC config is required")
	}

	if cfg.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client_secret is required")
	}
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if cfg.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}

	hasOpenID := false
	for _, scope := range cfg.Scopes {
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("%q scope is required for OIDC", oidc.ScopeOpenID)
	}

	return nil
}
