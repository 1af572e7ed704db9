package state

import "time"

// Record is the durable login state of one tracked session. It is a
// value type: mutations return a copy, and callers persist the copy
// through the Store. This keeps phase transitions testable without a
// live database.
type Record struct {
	ID                    int64     `json:"id"`
	TrackedSessionID      string    `json:"tracked_session_id"`
	HostSessionName       string    `json:"host_session_name"`
	UserID                int64     `json:"user_id"`
	UserName              string    `json:"user_name"` // audit label, never used for authorization
	HostAuthenticated     bool      `json:"host_authenticated"`
	ExternalAuthenticated bool      `json:"external_authenticated"`
	Phase                 Phase     `json:"phase"`
	IdPID                 int       `json:"idp_id"` // 0 means none/unknown
	EnforceLogoff         bool      `json:"enforce_logoff"`
	ExcludedPath          string    `json:"excluded_path,omitempty"`
	ExcludedAction        string    `json:"excluded_action,omitempty"`
	Location              string    `json:"location"`
	LoginTime             time.Time `json:"login_time"`
	LastActivityTime      time.Time `json:"last_activity_time"`
	LastResponse          string    `json:"-"` // raw response payload, audit only
	LastRequest           string    `json:"-"` // raw request payload, audit only
}

// MinProviderID and MaxProviderID bound the valid provider id range.
// Anything outside is rejected before it ever reaches a record.
const (
	MinProviderID = 1
	MaxProviderID = 998
)

// ValidProviderID reports whether id may be stored on a record.
func ValidProviderID(id int) bool {
	return id >= MinProviderID && id <= MaxProviderID
}

// NewRecord returns the initial record for a freshly tracked session.
func NewRecord(trackedSessionID, hostSessionName, location string, now time.Time) Record {
	return Record{
		TrackedSessionID: trackedSessionID,
		HostSessionName:  hostSessionName,
		Phase:            PhaseInitial,
		Location:         location,
		LoginTime:        now,
		LastActivityTime: now,
	}
}

// WithPhase returns a copy of r advanced to phase p. Reaching
// PhaseSAMLRedirected or beyond durably sets ExternalAuthenticated;
// the flag is never cleared, even by a later logoff.
func (r Record) WithPhase(p Phase) (Record, error) {
	if !CanTransition(r.Phase, p) {
		return r, &TransitionError{From: r.Phase, To: p}
	}
	r.Phase = p
	if p.marksExternalAuth() {
		r.ExternalAuthenticated = true
	}
	return r, nil
}

// WithProvider returns a copy of r bound to the given provider id.
func (r Record) WithProvider(idpID int) (Record, error) {
	if !ValidProviderID(idpID) {
		return r, ErrInvalidProviderID
	}
	r.IdPID = idpID
	return r, nil
}

// WithUser returns a copy of r with the established local user.
func (r Record) WithUser(userID int64, userName string) Record {
	r.UserID = userID
	r.UserName = userName
	r.HostAuthenticated = true
	return r
}

// WithExclusion returns a copy of r marked as matching a bypass rule.
func (r Record) WithExclusion(path, action string) Record {
	r.ExcludedPath = path
	r.ExcludedAction = action
	return r
}

// Touch returns a copy of r with updated request activity fields.
func (r Record) Touch(location string, now time.Time) Record {
	r.Location = location
	r.LastActivityTime = now
	return r
}

// WithPayloads returns a copy of r carrying the last protocol payloads
// for audit purposes.
func (r Record) WithPayloads(request, response string) Record {
	if request != "" {
		r.LastRequest = request
	}
	if response != "" {
		r.LastResponse = response
	}
	return r
}
