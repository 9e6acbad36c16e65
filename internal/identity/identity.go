// Package identity provides node identity types for the drone network.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidNodeID is returned when a node ID string cannot be parsed.
	ErrInvalidNodeID = errors.New("invalid node ID")

	// ErrInvalidNodeType is returned when a node type string is unknown.
	ErrInvalidNodeType = errors.New("invalid node type")
)

// NodeID identifies a participant in the network (drone, client or server).
// IDs are assigned by the simulation controller and never generated by a drone.
type NodeID uint8

// ParseNodeID parses a decimal node ID in the range 0-255.
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return NodeID(v), nil
}

// String returns the decimal representation of the ID.
func (id NodeID) String() string {
	return strconv.Itoa(int(id))
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NodeType is the role of a participant.
type NodeType uint8

const (
	// Client originates fragments and flood requests.
	Client NodeType = iota
	// Drone relays packets.
	Drone
	// Server receives fragments and answers with acks.
	Server
)

// String returns the lowercase role name.
func (t NodeType) String() string {
	switch t {
	case Client:
		return "client"
	case Drone:
		return "drone"
	case Server:
		return "server"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseNodeType parses a role name.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return Client, nil
	case "drone":
		return Drone, nil
	case "server":
		return Server, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeType, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// JoinIDs formats a list of IDs as "1,2,3" for logging.
func JoinIDs(ids []NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
