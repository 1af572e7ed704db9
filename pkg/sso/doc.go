// Package sso wraps the external assertion protocol libraries behind a
// small Provider interface and persists provider configuration.
//
// # Protocols
//
// SAML 2.0 via russellhaering/gosaml2 (signature, timing and audience
// validation happen inside the library before any claim reaches the
// rest of the system) and OpenID Connect via coreos/go-oidc.
//
// # Contract
//
// A Provider does exactly two things for the login flow: initiate the
// browser redirect to the identity provider, and verify-and-decode the
// returned response into a claims.ClaimSet. Everything downstream of
// the decoded claim set (resolution, provisioning, session
// establishment) lives elsewhere.
//
// Provider ids are small integers in [1,998]; id 0 means none. The
// registry caches decoded configs in an in-process LRU with an
// optional Redis tier, since every tracked request consults provider
// configuration.
package sso
