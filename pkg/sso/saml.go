package sso

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/http"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/meridianlabs/ssobridge/pkg/claims"
)

// SAMLProvider implements SAML 2.0 SSO on top of gosaml2.
type SAMLProvider struct {
	config  *ProviderConfig
	sp      *saml2.SAMLServiceProvider
	baseURL string
}

// NewSAMLProvider creates a SAML provider from configuration.
func NewSAMLProvider(config *ProviderConfig, baseURL string) (*SAMLProvider, error) {
	cfg := config.SAMLConfig
	if cfg == nil {
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("SAML config is required")}
	}

	certBlock, _ := pem.Decode([]byte(cfg.Certificate))
	if certBlock == nil {
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("failed to decode certificate PEM")}
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, &InitError{ProviderID: config.ID, Err: fmt.Errorf("failed to parse certificate: %w", err)}
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	var keyStore dsig.X509KeyStore
	if cfg.PrivateKey != "" {
		keyStore, err = parseKeyStore(cfg)
		if err != nil {
			return nil, &InitError{ProviderID: config.ID, Err: err}
		}
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.EntityID,
		ServiceProviderIssuer:       baseURL + "/sso/metadata",
		AssertionConsumerServiceURL: baseURL + "/auth/sso/callback",
		SignAuthnRequests:           cfg.SignRequests,
		AudienceURI:                 baseURL,
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	return &SAMLProvider{
		config:  config,
		sp:      sp,
		baseURL: baseURL,
	}, nil
}

func parseKeyStore(cfg *SAMLConfig) (dsig.X509KeyStore, error) {
	keyBlock, _ := pem.Decode([]byte(cfg.PrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{[]byte(cfg.Certificate)},
	}, nil
}

// Config returns the provider configuration.
func (p *SAMLProvider) Config() *ProviderConfig {
	return p.config
}

// InitiateLogin redirects the browser to the IdP with an AuthnRequest.
func (p *SAMLProvider) InitiateLogin(w http.ResponseWriter, r *http.Request, relayState string) (string, error) {
	authURL, err := p.sp.BuildAuthURL(relayState)
	if err != nil {
		return "", fmt.Errorf("failed to build auth URL: %w", err)
	}

	http.Redirect(w, r, authURL, http.StatusFound)
	return authURL, nil
}

// VerifyAndDecode validates the SAMLResponse form field and decodes
// the assertion into a claim set. gosaml2 rejects tampered, expired
// and unsigned responses before any attribute is surfaced.
func (p *SAMLProvider) VerifyAndDecode(r *http.Request) (*claims.ClaimSet, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	samlResponse := r.FormValue("SAMLResponse")
	if samlResponse == "" {
		return nil, fmt.Errorf("missing SAMLResponse parameter")
	}

	assertionInfo, err := p.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}

	if warnings := assertionInfo.WarningInfo; warnings != nil {
		if warnings.InvalidTime {
			return nil, fmt.Errorf("assertion has invalid time")
		}
		if warnings.NotInAudience {
			return nil, fmt.Errorf("assertion not in expected audience")
		}
	}

	cs := claims.NewClaimSet(assertionInfo.NameID)
	for _, attr := range assertionInfo.Values {
		for _, value := range attr.Values {
			cs.Add(attr.Name, value.Value)
		}
	}

	return cs, nil
}

// ValidateConfig validates the SAML configuration without building a
// service provider.
func (p *SAMLProvider) ValidateConfig() error {
	cfg := p.config.SAMLConfig
	if cfg == nil {
		return fmt.Errorf("SAML config is required")
	}

	if cfg.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if cfg.SSOURL == "" {
		return fmt.Errorf("sso_url is required")
	}
	if cfg.Certificate == "" {
		return fmt.Errorf("certificate is required")
	}

	block, _ := pem.Decode([]byte(cfg.Certificate))
	if block == nil {
		return fmt.Errorf("invalid certificate PEM format")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return fmt.Errorf("invalid certificate: %w", err)
	}

	if cfg.PrivateKey != "" {
		if keyBlock, _ := pem.Decode([]byte(cfg.PrivateKey)); keyBlock == nil {
			return fmt.Errorf("invalid private key PEM format")
		}
	}

	return nil
}

// Metadata returns the service provider metadata document for IdP
// onboarding.
func (p *SAMLProvider) Metadata() ([]byte, error) {
	descriptor, err := p.sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}

	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
