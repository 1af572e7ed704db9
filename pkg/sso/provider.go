package sso

import (
	"context"
	"fmt"
	"net/http"

	"github.com/meridianlabs/ssobridge/pkg/claims"
)

// InitError indicates a provider configuration is malformed or was
// rejected by the protocol library. Fatal to the login attempt.
type InitError struct {
	ProviderID int
	Err        error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("provider %d initialization failed: %v", e.ProviderID, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Provider is the external assertion protocol, reduced to the two
// operations the login flow needs.
type Provider interface {
	// Config returns the configuration the provider was built from.
	Config() *ProviderConfig

	// InitiateLogin sends the browser to the identity provider,
	// carrying relayState for correlation on the return leg. Returns
	// the outbound request payload for audit purposes.
	InitiateLogin(w http.ResponseWriter, r *http.Request, relayState string) (string, error)

	// VerifyAndDecode validates the provider's response and decodes it
	// into a claim set. Tampered, expired or unsigned responses are
	// rejected by the underlying library before any claim is returned.
	VerifyAndDecode(r *http.Request) (*claims.ClaimSet, error)

	// ValidateConfig checks the provider configuration without side
	// effects.
	ValidateConfig() error
}

// NewProvider builds a Provider from configuration. Inactive providers
// are rejected here so no caller can accidentally redirect through a
// disabled identity provider.
func NewProvider(ctx context.Context, config *ProviderConfig, baseURL string) (Provider, error) {
	if config == nil {
		return nil, &InitError{Err: fmt.Errorf("nil provider config")}
	}
	if !config.Enabled {
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("provider %q is inactive", config.Name)}
	}

	switch config.ProviderType {
	case ProviderTypeSAML:
		if config.SAMLConfig == nil {
			return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("SAML config is required")}
		}
		return NewSAMLProvider(config, baseURL)

	case ProviderTypeOIDC:
		if config.OIDCConfig == nil {
			return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("OIDC config is required")}
		}
		return NewOIDCProvider(ctx, config)

	default:
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("unsupported provider type: %s", config.ProviderType)}
	}
}
