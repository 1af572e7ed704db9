// Package flow implements the per-request authentication decision
// (doAuth) that augments the host application's login with delegated
// SSO.
//
// # Decision order
//
// Every tracked request runs the same sequence: resolve the tracked
// session id, load or create the login state record, apply exclusion
// rules, handle logout, auto-match login-form fields to a provider by
// email domain, validate an explicit provider selection, and either
// initiate the provider redirect or finalize the returned assertion.
//
// # Replay protection
//
// The return leg is accepted only while the record's phase is exactly
// SAMLRedirected. A verified response arriving in any other phase is a
// replayed or out-of-band submission and is rejected as a security
// event, never silently processed.
//
// # Failure surface
//
// End users see a generic failure message on any rejection; the full
// diagnostic detail goes to the operator log. Cosmetic failures (a
// best-effort audit update) are logged and do not abort the request.
package flow
