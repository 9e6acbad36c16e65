// Package routing implements source-routed packet forwarding for a drone.
package routing

import (
	"slices"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
)

// Sender delivers a packet to one neighbor's inbound queue.
type Sender interface {
	// Send enqueues the packet. It fails once the receiving side is gone.
	Send(p protocol.Packet) error
}

// NeighborTable maps neighbor IDs to their outbound links.
//
// The table is owned by a single drone event loop and is not safe for
// concurrent use.
type NeighborTable struct {
	links map[identity.NodeID]Sender
}

// NewNeighborTable creates an empty neighbor table.
func NewNeighborTable() *NeighborTable {
	return &NeighborTable{
		links: make(map[identity.NodeID]Sender),
	}
}

// Add inserts or replaces the link to id.
func (t *NeighborTable) Add(id identity.NodeID, s Sender) {
	t.links[id] = s
}

// Remove deletes the link to id and reports whether it was present.
// Removing an unknown id is not an error.
func (t *NeighborTable) Remove(id identity.NodeID) bool {
	if _, ok := t.links[id]; !ok {
		return false
	}
	delete(t.links, id)
	return true
}

// Resolve returns the link to id.
func (t *NeighborTable) Resolve(id identity.NodeID) (Sender, bool) {
	s, ok := t.links[id]
	return s, ok
}

// Contains reports whether id is a neighbor.
func (t *NeighborTable) Contains(id identity.NodeID) bool {
	_, ok := t.links[id]
	return ok
}

// IDs returns the neighbor IDs in ascending order.
func (t *NeighborTable) IDs() []identity.NodeID {
	ids := make([]identity.NodeID, 0, len(t.links))
	for id := range t.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of neighbors.
func (t *NeighborTable) Len() int {
	return len(t.links)
}
