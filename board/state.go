package board

import (
	"fmt"
	"slices"
	"time"

	"github.com/srg/mwstream/internal/device"
)

// State is the lifecycle state of a board connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Initializing
	Ready
	Streaming
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transitions lists the allowed moves out of each state. Failures while
// connecting return straight to Disconnected, as does a dropped link.
var transitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Initializing, Disconnected},
	Initializing:  {Ready, Disconnected},
	Ready:         {Streaming, Disconnecting, Disconnected},
	Streaming:     {Ready, Disconnecting, Disconnected},
	Disconnecting: {Disconnected},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// EventKind classifies connection advisories.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventLowBattery
	EventUnexpectedDisconnect
	EventReconnectAttempt
	EventReconnected
	EventReconnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventLowBattery:
		return "low_battery"
	case EventUnexpectedDisconnect:
		return "unexpected_disconnect"
	case EventReconnectAttempt:
		return "reconnect_attempt"
	case EventReconnected:
		return "reconnected"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an advisory delivered on Connection.Events. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Address device.Address
	Time    time.Time

	From, To State // EventStateChanged
	Battery  uint8 // EventLowBattery
	Attempt  int   // reconnect events
	Err      error // EventUnexpectedDisconnect, EventReconnectFailed
}

func (e Event) String() string {
	switch e.Kind {
	case EventStateChanged:
		return fmt.Sprintf("%s: %s -> %s", e.Address, e.From, e.To)
	case EventLowBattery:
		return fmt.Sprintf("%s: low battery %d%%", e.Address, e.Battery)
	case EventReconnectAttempt, EventReconnected:
		return fmt.Sprintf("%s: %s #%d", e.Address, e.Kind, e.Attempt)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Address, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Address, e.Kind)
	}
}
