// Package claims turns the loosely-structured attribute bag of an
// external identity assertion into a normalized local identity, or
// fails safely.
//
// Resolution is deterministic and short-circuiting: the subject
// identifier is required, at least one syntactically valid email must
// be found (it is the only reliable key for matching or creating a
// local user), and identities carrying a federation default-guest
// marker are rejected outright. No partial identity is ever returned.
package claims
