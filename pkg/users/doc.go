// Package users provisions and looks up local user accounts for
// externally authenticated identities.
//
// Accounts are keyed by email address, matched case-insensitively.
// Just-in-time creation is gated per provider; when a provider has it
// disabled, an unknown identity fails the login instead of creating an
// account. Locally stored secrets are random and never used to
// authenticate, since authentication is always delegated to the
// identity provider.
package users
