package state

import "fmt"

// Phase is the discrete stage of the login/logout lifecycle a session
// is currently in. Values are stored numerically.
type Phase int

const (
	// PhaseInitial is the starting phase of every new flow
	PhaseInitial Phase = 1
	// PhaseSAMLRedirected means the browser was sent to the provider
	PhaseSAMLRedirected Phase = 2
	// PhaseExternalAuthed means the provider's assertion was accepted
	PhaseExternalAuthed Phase = 3
	// PhaseLocalAuthed means the host's local session is established
	PhaseLocalAuthed Phase = 4
	// PhaseExcluded means the request matched a bypass rule
	PhaseExcluded Phase = 5
	// PhaseForceLoggedOff means the session was forcibly invalidated
	PhaseForceLoggedOff Phase = 6
	// PhaseTimedOut means the flow was expired by the reaper
	PhaseTimedOut Phase = 7
	// PhaseLoggedOff means the user logged out
	PhaseLoggedOff Phase = 8
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseSAMLRedirected:
		return "saml_redirected"
	case PhaseExternalAuthed:
		return "external_authed"
	case PhaseLocalAuthed:
		return "local_authed"
	case PhaseExcluded:
		return "excluded"
	case PhaseForceLoggedOff:
		return "force_logged_off"
	case PhaseTimedOut:
		return "timed_out"
	case PhaseLoggedOff:
		return "logged_off"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Valid reports whether p is inside the closed range [1,8]
func (p Phase) Valid() bool {
	return p >= PhaseInitial && p <= PhaseLoggedOff
}

// Terminal reports whether p ends the current flow instance. A new flow
// (new tracked session id) starts again at PhaseInitial.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseForceLoggedOff, PhaseTimedOut, PhaseLoggedOff:
		return true
	}
	return false
}

// marksExternalAuth reports whether reaching p records that the
// external provider authenticated the session. The flag outlives later
// transitions into the logoff phases.
func (p Phase) marksExternalAuth() bool {
	switch p {
	case PhaseSAMLRedirected, PhaseExternalAuthed, PhaseLocalAuthed:
		return true
	}
	return false
}

// CanTransition reports whether a record in phase from may move to
// phase to. Phases only advance; the terminal logoff phases are
// reachable from any non-terminal phase. Re-asserting the current
// phase is a legal no-op. PhaseExcluded is a side branch, not a
// terminal: a session parked there may re-enter the main line at any
// phase once a request misses the bypass rules.
func CanTransition(from, to Phase) bool {
	if !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() || from == PhaseExcluded {
		return true
	}
	return to >= from
}
