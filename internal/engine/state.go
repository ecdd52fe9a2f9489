package engine

import "sync/atomic"

// State is the system-wide state enum of spec §3.
type State int

const (
	StateInit State = iota
	StateLinkConnecting
	StateLinkConnected
	StateTimeSyncing
	StateTimeSynced
	StateBrokerConnecting
	StateBrokerConnected
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLinkConnecting:
		return "LINK_CONNECTING"
	case StateLinkConnected:
		return "LINK_CONNECTED"
	case StateTimeSyncing:
		return "TIME_SYNCING"
	case StateTimeSynced:
		return "TIME_SYNCED"
	case StateBrokerConnecting:
		return "BROKER_CONNECTING"
	case StateBrokerConnected:
		return "BROKER_CONNECTED"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SystemState holds the current state plus the lockless system_ready
// flag spec §3 calls out separately "for lockless read by the OLED and
// HTTP collaborators" — an atomic.Bool rather than routing every
// status-page read through the Flags mutex.
type SystemState struct {
	current atomic.Int32
	ready   atomic.Bool
}

// NewSystemState returns a state holder initialized to StateInit.
func NewSystemState() *SystemState {
	s := &SystemState{}
	s.current.Store(int32(StateInit))
	return s
}

// Set transitions to the given state. StateReady also raises the
// lockless ready flag; every other state lowers it.
func (s *SystemState) Set(st State) {
	s.current.Store(int32(st))
	s.ready.Store(st == StateReady)
}

// Get returns the current state.
func (s *SystemState) Get() State {
	return State(s.current.Load())
}

// Ready reports the lockless system_ready flag.
func (s *SystemState) Ready() bool {
	return s.ready.Load()
}

// WallClockPlausible implements the sanity range spec §4.1 requires
// before a sampler may trust a wall-clock reading:
// [2024-01-01, 2030-01-01).
func WallClockPlausible(epoch uint32) bool {
	return epoch >= Epoch2024 && epoch < Epoch2030
}
