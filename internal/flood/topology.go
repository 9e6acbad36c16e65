package flood

import (
	"errors"
	"slices"
	"sync"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
)

// ErrNoRoute is returned when the discovered topology has no path to a node.
var ErrNoRoute = errors.New("no route to destination")

// Topology is the graph a flood initiator assembles from FloodResponse traces.
type Topology struct {
	mu    sync.RWMutex
	types map[identity.NodeID]identity.NodeType
	edges map[identity.NodeID]map[identity.NodeID]struct{}
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		types: make(map[identity.NodeID]identity.NodeType),
		edges: make(map[identity.NodeID]map[identity.NodeID]struct{}),
	}
}

// AddTrace records every node of trace and a link between consecutive entries.
func (t *Topology) AddTrace(trace []protocol.Hop) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, hop := range trace {
		t.types[hop.ID] = hop.Type
		if i == 0 {
			continue
		}
		t.link(trace[i-1].ID, hop.ID)
	}
}

func (t *Topology) link(a, b identity.NodeID) {
	if a == b {
		return
	}
	if t.edges[a] == nil {
		t.edges[a] = make(map[identity.NodeID]struct{})
	}
	if t.edges[b] == nil {
		t.edges[b] = make(map[identity.NodeID]struct{})
	}
	t.edges[a][b] = struct{}{}
	t.edges[b][a] = struct{}{}
}

// Forget removes a node and its links, for example after it answered with
// ErrorInRouting for a crashed drone.
func (t *Topology) Forget(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for n := range t.edges[id] {
		delete(t.edges[n], id)
	}
	delete(t.edges, id)
	delete(t.types, id)
}

// Unlink removes the link between a and b.
func (t *Topology) Unlink(a, b identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.edges[a], b)
	delete(t.edges[b], a)
}

// Nodes returns the known nodes of the given type in ascending order.
func (t *Topology) Nodes(nodeType identity.NodeType) []identity.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []identity.NodeID
	for id, nt := range t.types {
		if nt == nodeType {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of known nodes.
func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.types)
}

// Route returns the shortest source route from src to dst. Only drones
// relay, so clients and servers appear only at the ends of a route. Ties
// are broken toward lower node IDs.
func (t *Topology) Route(src, dst identity.NodeID) ([]identity.NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if src == dst {
		return []identity.NodeID{src}, nil
	}

	prev := map[identity.NodeID]identity.NodeID{src: src}
	queue := []identity.NodeID{src}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, n := range t.sortedNeighbors(cur) {
			if _, visited := prev[n]; visited {
				continue
			}
			prev[n] = cur
			if n == dst {
				return buildPath(prev, src, dst), nil
			}
			if t.types[n] == identity.Drone {
				queue = append(queue, n)
			}
		}
	}

	return nil, ErrNoRoute
}

func (t *Topology) sortedNeighbors(id identity.NodeID) []identity.NodeID {
	ns := make([]identity.NodeID, 0, len(t.edges[id]))
	for n := range t.edges[id] {
		ns = append(ns, n)
	}
	slices.Sort(ns)
	return ns
}

func buildPath(prev map[identity.NodeID]identity.NodeID, src, dst identity.NodeID) []identity.NodeID {
	path := []identity.NodeID{dst}
	for cur := dst; cur != src; {
		cur = prev[cur]
		path = append(path, cur)
	}
	slices.Reverse(path)
	return path
}
