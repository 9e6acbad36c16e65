package drone

import (
	"fmt"
	"strings"

	"github.com/postalsys/dronenet/internal/identity"
)

// State is the drone lifecycle state. Transitions only move forward:
// Created, Running, Draining, Terminated.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateTerminated
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "created":
		*s = StateCreated
	case "running":
		*s = StateRunning
	case "draining":
		*s = StateDraining
	case "terminated":
		*s = StateTerminated
	default:
		return fmt.Errorf("unknown drone state %q", text)
	}
	return nil
}

// Status is a point-in-time snapshot of a drone, safe to read from any goroutine.
type Status struct {
	ID         identity.NodeID   `json:"id"`
	State      State             `json:"state"`
	PDR        float64           `json:"pdr"`
	Neighbors  []identity.NodeID `json:"neighbors"`
	FloodsSeen int               `json:"floods_seen"`
	Queued     int               `json:"queued"`
}
