package session

import (
	"fmt"

	"github.com/srg/imulink/internal/imu"
)

// State is the lifecycle state of a session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateIdle
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a consistent copy of the session's observable state.
type Snapshot struct {
	State          State          `json:"state"`
	Technology     imu.Technology `json:"technology"`
	Address        string         `json:"address,omitempty"`
	Name           string         `json:"name,omitempty"`
	Serial         string         `json:"serial,omitempty"`
	Version        string         `json:"version,omitempty"`
	Battery        int            `json:"battery"`
	Connected      bool           `json:"connected"`
	Streaming      bool           `json:"streaming"`
	StreamStarting bool           `json:"stream_starting"`
	FastConverge   bool           `json:"fast_converge"`
}

// Sink receives every decoded batch of samples, in arrival order.
type Sink func(samples []imu.Sample)

// StateFunc is notified after every state transition.
type StateFunc func(Snapshot)

// DisconnectFunc is notified once when the session loses or releases its link.
// err is nil for an explicit Dispose.
type DisconnectFunc func(err error)
