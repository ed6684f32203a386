package session

import (
	"github.com/1ureka/peerlink/internal/config"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLatencyProbed
	StateClockSynced
	StateReady
	StateTransferring
	StateFailed // a handshake phase timed out; terminal
	StateClosed // the channel is gone; terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateLatencyProbed:
		return "LatencyProbed"
	case StateClockSynced:
		return "ClockSynced"
	case StateReady:
		return "Ready"
	case StateTransferring:
		return "Transferring"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// rank orders the handshake; Transferring sits at Ready's level.
func (s State) rank() State {
	if s == StateTransferring {
		return StateReady
	}
	return s
}

// Progress is one direction's transfer progress in slices.
type Progress struct {
	Name      string
	Size      int64
	Done      int
	Total     int
	Streaming bool
	Finished  bool
	Err       error // SIZE_MISMATCH on the incoming side
}

// Sender of a chat line.
const (
	FromYou  = "you"
	FromPeer = "peer"
)

// ChatLine is one chat message.
type ChatLine struct {
	From    string
	Content string
}

// Snapshot is a consistent copy of the session as the consumer sees it.
type Snapshot struct {
	State         State
	Role          config.Role
	PeerLatencyMs int64
	ClockOffsetMs float64
	ChunkSize     int

	Outgoing *Progress
	Incoming *Progress
	Chat     []ChatLine

	Err error // why the session failed
}
