// Copyright 2024-2026 Aiku AI

package bridge

// ConnectionState is the lifecycle state of one network session. Exactly one
// authoritative instance exists per network, mutated only by the owning
// Supervisor.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateRegistered
	StateError
	StateAborted
	StateClosed
	StateNetworkError
	StateReconnecting
)

// String returns the state name used in logs and the admin API.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	case StateNetworkError:
		return "networkError"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Failed reports whether the state is one of the terminal failure states.
func (s ConnectionState) Failed() bool {
	switch s {
	case StateError, StateAborted, StateClosed, StateNetworkError:
		return true
	default:
		return false
	}
}
