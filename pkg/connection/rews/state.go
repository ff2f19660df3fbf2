package rews

import "fmt"

type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s State) TransitionTo(
	newState State,
) (State, error) {
	switch s {
	case StateConnecting:
		switch newState {
		case StateConnected, StateDisconnected, StateDisconnecting:
			return newState, nil
		}
	case StateConnected:
		switch newState {
		case StateDisconnecting, StateDisconnected:
			return newState, nil
		}
	case StateDisconnecting:
		if newState == StateDisconnected {
			return newState, nil
		}
	case StateDisconnected:
		switch newState {
		case StateConnecting, StateDisconnected, StateDisconnecting:
			return newState, nil
		}
	}

	return StateUnknown, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
