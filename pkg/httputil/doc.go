// Package httputil provides response helpers and middleware shared by
// the login flow and audit handlers.
//
// End-user facing errors deliberately carry no diagnostic detail; the
// operator-facing detail goes to the structured log. WriteRefresh
// exists because some host cookie policies drop cookies across a raw
// Location redirect, so the post-login hop is done with a same-document
// meta refresh instead.
package httputil
