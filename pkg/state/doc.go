// Package state tracks where a browser session is in the delegated
// login lifecycle.
//
// # Overview
//
// Each tracked session owns exactly one Record in the login_states
// table. The record is append/update-only: it is created when a session
// is first seen and mutated as the flow advances, but never deleted by
// the flow itself. This makes the table double as the login audit
// trail.
//
// # Phases
//
// A flow moves through numbered phases:
//
//	Initial(1) -> SAMLRedirected(2) -> ExternalAuthed(3) -> LocalAuthed(4)
//
// with side branches Excluded(5), ForceLoggedOff(6), TimedOut(7) and
// LoggedOff(8). Transitions are strictly forward; the logoff branches
// are terminal and reachable from any phase. Phase legality is pure
// logic on Record and is testable without a database.
//
// # Store
//
// Store is the sole persistence access point for records. It never
// makes policy decisions; it is a keyed table with an index on
// tracked_session_id and one on idp_id for audit projections.
package state
