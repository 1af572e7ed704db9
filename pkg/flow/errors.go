package flow

import (
	"fmt"

	"github.com/meridianlabs/ssobridge/pkg/state"
)

// ReplayError indicates a provider response arrived while the login
// state was not exactly SAMLRedirected. Treated as a security event:
// either the response was replayed or it arrived out of band.
type ReplayError struct {
	TrackedSessionID string
	Phase            state.Phase
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("response rejected: session %q is in phase %s, expected %s",
		e.TrackedSessionID, e.Phase, state.PhaseSAMLRedirected)
}
