package claims

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ValidationError indicates a ClaimSet could not be resolved into a
// trustworthy identity. Fatal to the current login attempt only.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "claim validation failed: " + e.Reason
}

// Resolution failure reasons, stable for logging and metrics.
const (
	ReasonMissingSubject = "missing subject identifier"
	ReasonInvalidEmail   = "invalid email claim"
	ReasonNoUsableEmail  = "no usable email found"
	ReasonGuestIdentity  = "default guest identity detected"
)

// defaultGuestMarkers match identities the provider failed to map to a
// real user. Azure AD stamps federated guest accounts with #EXT# in
// the UPN; provisioning such an identity would create a bogus local
// account.
var defaultGuestMarkers = []string{"#EXT#"}

var (
	emailClaimKeys     = []string{ClaimEmailAddress, ClaimEmailShort}
	firstNameClaimKeys = []string{ClaimFirstNameShort}
	givenNameClaimKeys = []string{ClaimGivenName, ClaimGivenNameShort}
	surnameClaimKeys   = []string{ClaimSurname, ClaimSurnameShort}
)

// Resolver maps claim sets to normalized identities.
type Resolver struct {
	guestMarkers []string
	now          func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithGuestMarkers replaces the default guest marker patterns.
func WithGuestMarkers(markers []string) Option {
	return func(r *Resolver) {
		r.guestMarkers = markers
	}
}

// WithClock replaces the provisioning timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a resolver with default guest markers.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		guestMarkers: defaultGuestMarkers,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve turns a ClaimSet into an Identity or fails with a
// ValidationError. Each step short-circuits; no partial identity is
// ever returned.
func (r *Resolver) Resolve(cs *ClaimSet) (*Identity, error) {
	subject := strings.TrimSpace(cs.SubjectID)
	if subject == "" {
		return nil, &ValidationError{Reason: ReasonMissingSubject}
	}

	primary, email, err := r.resolveEmail(subject, cs)
	if err != nil {
		return nil, err
	}

	for _, candidate := range []string{subject, primary, email} {
		if r.isGuestIdentity(candidate) {
			return nil, &ValidationError{Reason: ReasonGuestIdentity}
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate provisioning secret: %w", err)
	}

	return &Identity{
		PrimaryIdentifier: primary,
		Email:             []string{email},
		FirstName:         cs.First(append(firstNameClaimKeys, givenNameClaimKeys...)...),
		LastName:          cs.First(surnameClaimKeys...),
		ProvisioningComment: fmt.Sprintf("provisioned from external identity on %s",
			r.now().UTC().Format(time.RFC3339)),
		GeneratedSecret: secret,
	}, nil
}

// resolveEmail applies the fallback precedence: an email-shaped
// subject serves as both primary identifier and email; otherwise a
// valid email claim is promoted to primary. A distinct valid email
// claim takes precedence as the address while the subject stays the
// primary identifier.
func (r *Resolver) resolveEmail(subject string, cs *ClaimSet) (primary, email string, err error) {
	claimed := strings.TrimSpace(cs.First(emailClaimKeys...))

	if IsEmail(subject) {
		email = subject
		if claimed != "" && claimed != subject && IsEmail(claimed) {
			email = claimed
		}
		return subject, email, nil
	}

	if claimed == "" {
		return "", "", &ValidationError{Reason: ReasonNoUsableEmail}
	}
	if !IsEmail(claimed) {
		return "", "", &ValidationError{Reason: ReasonInvalidEmail}
	}
	return claimed, claimed, nil
}

func (r *Resolver) isGuestIdentity(identifier string) bool {
	upper := strings.ToUpper(identifier)
	for _, marker := range r.guestMarkers {
		if strings.Contains(upper, strings.ToUpper(marker)) {
			return true
		}
	}
	return false
}

// IsEmail reports whether s is a syntactically valid bare email
// address (no display name, no angle brackets).
func IsEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s
}

// generateSecret returns a cryptographically random secret for the
// never-used local password field.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
