package pool

import "time"

// State is a connection slot's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Cooldown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Cooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// slot is one streaming connection and its subscription set. All fields are
// owned by the manager's control goroutine.
type slot struct {
	id            int
	state         State
	conn          Conn
	subscribed    map[string]struct{}
	cooldownUntil time.Time
	backoff       time.Duration
	authFatal     bool
}

func newSlot(id int) *slot {
	return &slot{
		id:         id,
		state:      Disconnected,
		subscribed: make(map[string]struct{}),
	}
}
