package ble

import "slices"

// State is the connection state of the Manager.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateReady
	StateDisconnecting
	// StateFaulted is entered when the adapter loses power. A forced
	// cleanup always follows and returns the machine to StateIdle.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// transitions lists the legal successors of each state. StateFaulted is
// reachable from every state and is not repeated here.
var transitions = map[State][]State{
	StateIdle:          {StateScanning, StateDisconnecting},
	StateScanning:      {StateConnecting, StateIdle},
	StateConnecting:    {StateReady, StateIdle},
	StateReady:         {StateDisconnecting, StateIdle},
	StateDisconnecting: {StateIdle},
	StateFaulted:       {StateDisconnecting, StateIdle},
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	if next == StateFaulted {
		return true
	}
	return slices.Contains(transitions[s], next)
}
