package sso

import (
	"strings"
	"time"
)

// ProviderType identifies the assertion protocol a provider speaks.
type ProviderType string

const (
	ProviderTypeSAML ProviderType = "saml"
	ProviderTypeOIDC ProviderType = "oidc"
)

// ProviderConfig is one configured identity provider. IDs are small
// integers in [1,998] so they can travel in the provider-selection
// form field; 0 is reserved for "none".
type ProviderConfig struct {
	ID           int          `json:"id"`
	Name         string       `json:"name"`
	ProviderType ProviderType `json:"provider_type"`
	Enabled      bool         `json:"enabled"`

	// AutoProvision enables just-in-time creation of local users on
	// first successful login.
	AutoProvision bool `json:"auto_provision"`

	// UserDomains lists the email domains whose users belong to this
	// provider; used to auto-match login-form input to a provider.
	UserDomains []string `json:"user_domains,omitempty"`

	SAMLConfig *SAMLConfig `json:"saml_config,omitempty"`
	OIDCConfig *OIDCConfig `json:"oidc_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SAMLConfig holds SAML 2.0 configuration for one identity provider.
type SAMLConfig struct {
	EntityID     string `json:"entity_id"`
	SSOURL       string `json:"sso_url"`
	SLOUrl       string `json:"slo_url,omitempty"`
	Certificate  string `json:"certificate"` // PEM encoded IdP certificate
	PrivateKey   string `json:"-"`           // never expose the SP key in JSON
	SignRequests bool   `json:"sign_requests"`
	NameIDFormat string `json:"name_id_format,omitempty"`
}

// OIDCConfig holds OpenID Connect configuration.
type OIDCConfig struct {
	ClientID        string   `json:"client_id"`
	ClientSecret    string   `json:"-"` // never expose the secret in JSON
	IssuerURL       string   `json:"issuer_url"`
	RedirectURL     string   `json:"redirect_url"`
	Scopes          []string `json:"scopes"`
	SkipIssuerCheck bool     `json:"skip_issuer_check,omitempty"`
}

// Sanitize strips secrets before a config leaves the process.
func (c *ProviderConfig) Sanitize() {
	if c.SAMLConfig != nil {
		c.SAMLConfig.PrivateKey = ""
	}
	if c.OIDCConfig != nil {
		c.OIDCConfig.ClientSecret = ""
	}
}

// MatchesDomain reports whether the email domain (case-insensitive)
// belongs to this provider.
func (c *ProviderConfig) MatchesDomain(domain string) bool {
	for _, d := range c.UserDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}
