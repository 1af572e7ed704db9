// Package session produces a stable correlation identifier for a
// browser session that survives the host application regenerating its
// own session id after a successful login.
//
// The tracker persists a secondary marker cookie holding the host
// session id seen when the login state record was created. On each
// request the marker is compared against the host's current id; a
// mismatch means the host rotated its identifier, and the tracker
// re-keys the persisted record before adopting the new id. The core
// never reads the host session id directly outside this package.
package session
