package call

import (
	"time"

	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/signal"
)

// Stage is the single tag describing what the call UI should show. Collapsing
// the "is there an active call / is there an incoming call / which id"
// booleans into one tag makes invalid combinations (active and incoming at
// once) unrepresentable.
type Stage string

const (
	StageIdle     Stage = "idle"
	StageOutgoing Stage = "outgoing-ringing"
	StageIncoming Stage = "incoming-ringing"
	StageActive   Stage = "active"
	StageEnded    Stage = "ended"
)

// InCall reports whether a call attempt currently owns media and a
// connection.
func (s Stage) InCall() bool {
	return s == StageOutgoing || s == StageIncoming || s == StageActive
}

// Status is the snapshot handed to the UI on every transition.
//
// Stage == StageActive with Connected == false means the answer was exchanged
// but ICE/DTLS has not settled yet; the duration timer starts only at the
// transport-level connected event, never at answer exchange.
type Status struct {
	Stage     Stage
	Peer      directory.User
	Type      signal.CallType
	Connected bool
	Elapsed   time.Duration

	// Err is the user-visible reason a call attempt failed (permission,
	// device, storage). Remote hangups leave it nil: once the record is gone
	// the protocol cannot tell clean hangup from failure, so the UI shows a
	// neutral "call ended".
	Err error
}
