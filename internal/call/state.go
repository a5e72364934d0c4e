package call

import "time"

// State is the macro-state of one Call.
//
//	Idle → Offering | Answering → Connected → Ended
//
// Offering and Answering are the two flavours of "negotiating".
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateEnded
)

var stateNames = [...]string{"idle", "offering", "answering", "connected", "ended"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Negotiating reports whether s is Offering or Answering.
func (s State) Negotiating() bool { return s == StateOffering || s == StateAnswering }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Role is fixed when the Call is created, except for the glare loser which
// drops its own offer and becomes the callee.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Who ended a call.
const (
	EndedLocal    = "local"
	EndedRemote   = "remote"
	EndedRejected = "rejected"
	EndedTimeout  = "timeout"
	EndedFailed   = "failed"
	EndedBusy     = "busy"
)

// Status is a read-only snapshot of a Call, safe to hand to other goroutines.
type Status struct {
	ID                string         `json:"id"`
	Role              Role           `json:"role"`
	State             State          `json:"state"`
	RemotePeer        string         `json:"remote_peer"`
	Accepted          bool           `json:"accepted"`
	StartedAt         time.Time      `json:"started_at"`
	ConnectedAt       time.Time      `json:"connected_at,omitzero"`
	EndedAt           time.Time      `json:"ended_at,omitzero"`
	EndedBy           string         `json:"ended_by,omitempty"`
	Error             string         `json:"error,omitempty"`
	PendingCandidates int            `json:"pending_candidates"`
	RemoteStreams     []RemoteStream `json:"remote_streams,omitempty"`
	Stats             PeerStats      `json:"stats"`
}

// EventType names a call notification for the presentation layer.
type EventType string

const (
	EventIncoming     EventType = "incoming-call"
	EventState        EventType = "call-state"
	EventRemoteStream EventType = "remote-stream"
	EventEnded        EventType = "call-ended"
)

// Event is emitted by the Manager on every externally visible change.
type Event struct {
	Type EventType
	Call Status
	Err  error
}
