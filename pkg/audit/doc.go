// Package audit exposes the login state trail for operators: which
// sessions went through which identity provider, in which phase they
// ended up, and when. Read-only; the flow package owns all writes.
package audit
