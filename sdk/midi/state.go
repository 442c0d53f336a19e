package midi

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle position of a connection.
type State uint32

const (
	// StateIdle: a port was chosen, nothing was opened yet.
	StateIdle State = iota
	// StateConnecting: the backend is opening the native handle.
	StateConnecting
	// StateOpen: the connection is live.
	StateOpen
	// StateClosing: the native handle is being released.
	StateClosing
	// StateClosed is terminal, reached by Close or device removal.
	StateClosed
	// StateFailed is terminal, reached when opening failed.
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateClosing:    "closing",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// stateMachine allows only the transitions of the connection lifecycle.
type stateMachine struct {
	v atomic.Uint32
}

var allowed = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateFailed},
	StateOpen:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
}

func (m *stateMachine) Load() State { return State(m.v.Load()) }

// transition moves from -> to when the machine is in from and the move is legal.
func (m *stateMachine) transition(from, to State) bool {
	legal := false
	for _, s := range allowed[from] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}
	return m.v.CompareAndSwap(uint32(from), uint32(to))
}
