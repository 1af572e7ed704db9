package claims

// Well-known claim identifiers. SAML assertions typically carry the
// long schema URIs while OIDC tokens use the short names; resolvers
// check both.
const (
	ClaimEmailAddress = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
	ClaimGivenName    = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname"
	ClaimSurname      = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname"
	ClaimDisplayName  = "http://schemas.microsoft.com/identity/claims/displayname"

	ClaimEmailShort     = "email"
	ClaimFirstNameShort = "firstName"
	ClaimGivenNameShort = "given_name"
	ClaimSurnameShort   = "family_name"
)

// ClaimSet is the attribute bag decoded from a verified assertion.
// Values are multi-valued by protocol convention.
type ClaimSet struct {
	// SubjectID is the protocol-level subject identifier (NameID for
	// SAML, sub for OIDC).
	SubjectID string

	// Values maps claim identifiers to their values.
	Values map[string][]string
}

// NewClaimSet creates an empty claim set for the given subject.
func NewClaimSet(subjectID string) *ClaimSet {
	return &ClaimSet{
		SubjectID: subjectID,
		Values:    make(map[string][]string),
	}
}

// Add appends a value to a claim.
func (c *ClaimSet) Add(key, value string) {
	if value == "" {
		return
	}
	c.Values[key] = append(c.Values[key], value)
}

// First returns the first value of the first present key, or "".
func (c *ClaimSet) First(keys ...string) string {
	for _, key := range keys {
		if vals, ok := c.Values[key]; ok && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// All returns every value of a claim, possibly nil.
func (c *ClaimSet) All(key string) []string {
	return c.Values[key]
}

// Identity is a normalized local identity resolved from a ClaimSet.
type Identity struct {
	// PrimaryIdentifier is the stable key for the external identity;
	// always email-shaped.
	PrimaryIdentifier string

	// Email holds exactly one resolved address.
	Email []string

	FirstName string
	LastName  string

	// ProvisioningComment is a human-readable note attached to
	// accounts created from this identity.
	ProvisioningComment string

	// GeneratedSecret satisfies a local password field that is never
	// used for authentication; authentication is always delegated.
	GeneratedSecret string
}
