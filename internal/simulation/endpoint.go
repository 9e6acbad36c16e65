package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/postalsys/dronenet/internal/flood"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/logging"
	"github.com/postalsys/dronenet/internal/metrics"
	"github.com/postalsys/dronenet/internal/protocol"
	"github.com/postalsys/dronenet/internal/routing"
	"github.com/postalsys/dronenet/internal/transport"
)

var (
	// ErrNotNeighbor is returned when a route's first hop is not linked to the endpoint.
	ErrNotNeighbor = errors.New("first hop is not a neighbor")

	// ErrNotClient is returned when a server is asked to originate traffic.
	ErrNotClient = errors.New("only clients originate traffic")
)

// EndpointStats counts traffic seen by a client or server.
type EndpointStats struct {
	FragmentsSent      int            `json:"fragments_sent"`
	FragmentsDelivered int            `json:"fragments_delivered"`
	Acks               int            `json:"acks"`
	Nacks              map[string]int `json:"nacks"`
	FloodResponses     int            `json:"flood_responses"`
	SendFailures       int            `json:"send_failures"`
	Unexpected         int            `json:"unexpected"`
}

// NackTotal returns the number of Nacks of every kind.
func (s EndpointStats) NackTotal() int {
	total := 0
	for _, n := range s.Nacks {
		total += n
	}
	return total
}

type fragmentKey struct {
	session  uint64
	fragment uint64
}

// Endpoint is a minimal client or server. Clients discover the network by
// flooding and send fragments along the shortest discovered route; servers
// answer every fragment with an Ack. Neither relays packets.
type Endpoint struct {
	id    identity.NodeID
	role  identity.NodeType
	label string
	inbox *transport.Mailbox[protocol.Packet]

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	neighbors *routing.NeighborTable
	topology  *flood.Topology
	stats     EndpointStats
	pending   map[fragmentKey]struct{}
	floods    map[uint64]time.Time
}

// NewClient creates a client endpoint.
func NewClient(id identity.NodeID, logger *slog.Logger, m *metrics.Metrics) *Endpoint {
	return newEndpoint(id, identity.Client, logger, m)
}

// NewServer creates a server endpoint.
func NewServer(id identity.NodeID, logger *slog.Logger, m *metrics.Metrics) *Endpoint {
	return newEndpoint(id, identity.Server, logger, m)
}

func newEndpoint(id identity.NodeID, role identity.NodeType, logger *slog.Logger, m *metrics.Metrics) *Endpoint {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Endpoint{
		id:        id,
		role:      role,
		label:     id.String(),
		inbox:     transport.NewMailbox[protocol.Packet](),
		logger:    logger.With(logging.KeyComponent, role.String(), logging.KeyNodeID, id),
		metrics:   m,
		neighbors: routing.NewNeighborTable(),
		topology:  flood.NewTopology(),
		stats:     EndpointStats{Nacks: make(map[string]int)},
		pending:   make(map[fragmentKey]struct{}),
		floods:    make(map[uint64]time.Time),
	}
}

// ID returns the endpoint's node ID.
func (e *Endpoint) ID() identity.NodeID { return e.id }

// Role returns Client or Server.
func (e *Endpoint) Role() identity.NodeType { return e.role }

// Inbox returns the endpoint's inbound mailbox.
func (e *Endpoint) Inbox() *transport.Mailbox[protocol.Packet] { return e.inbox }

// Topology returns the graph assembled from flood responses.
func (e *Endpoint) Topology() *flood.Topology { return e.topology }

// AddNeighbor links the endpoint to a drone.
func (e *Endpoint) AddNeighbor(id identity.NodeID, s routing.Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.neighbors.Add(id, s)
}

// RemoveNeighbor unlinks a drone.
func (e *Endpoint) RemoveNeighbor(id identity.NodeID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.neighbors.Remove(id)
	e.topology.Unlink(e.id, id)
}

// Neighbors returns the linked drones in ascending order.
func (e *Endpoint) Neighbors() []identity.NodeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.neighbors.IDs()
}

// Stats returns a copy of the endpoint counters.
func (e *Endpoint) Stats() EndpointStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Nacks = maps.Clone(e.stats.Nacks)
	return s
}

// Outstanding returns the number of sent fragments still waiting for an Ack or Nack.
func (e *Endpoint) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Run processes inbound packets until ctx is cancelled or the inbox is closed.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		p, err := e.inbox.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		e.handle(p)
	}
}

// Close stops Run once queued packets are processed.
func (e *Endpoint) Close() {
	e.inbox.Close()
}

// Discover starts a flood from this client to every neighbor.
func (e *Endpoint) Discover(floodID uint64) error {
	if e.role != identity.Client {
		return ErrNotClient
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.floods[floodID] = time.Now()
	req := protocol.NewFloodRequest(floodID, e.id, e.role)

	var sent int
	for _, id := range e.neighbors.IDs() {
		s, _ := e.neighbors.Resolve(id)
		p := protocol.Packet{SessionID: floodID, Body: req}
		if err := s.Send(p.Clone()); err != nil {
			e.neighbors.Remove(id)
			e.stats.SendFailures++
			continue
		}
		sent++
	}

	e.logger.Debug("flood started", logging.KeyFloodID, floodID, logging.KeyCount, sent)
	return nil
}

// Route returns the shortest discovered source route to dst.
func (e *Endpoint) Route(dst identity.NodeID) ([]identity.NodeID, error) {
	return e.topology.Route(e.id, dst)
}

// SendMessage splits data into fragments and sends them to dst along the
// shortest discovered route. It returns the number of fragments sent.
func (e *Endpoint) SendMessage(dst identity.NodeID, sessionID uint64, data []byte) (int, error) {
	if e.role != identity.Client {
		return 0, ErrNotClient
	}

	hops, err := e.Route(dst)
	if err != nil {
		return 0, fmt.Errorf("route %s to %s: %w", e.id, dst, err)
	}
	header, err := protocol.NewSourceRoutingHeader(hops, 0)
	if err != nil {
		return 0, err
	}

	fragments, err := split(data)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, f := range fragments {
		p := protocol.Packet{Header: header.Clone(), SessionID: sessionID, Body: f}
		if err := e.sendLocked(p); err != nil {
			e.stats.SendFailures++
			return i, err
		}
		e.pending[fragmentKey{sessionID, f.FragmentIndex}] = struct{}{}
		e.stats.FragmentsSent++
		if e.metrics != nil {
			e.metrics.RecordFragmentSent(e.label)
		}
	}

	e.logger.Debug("message sent",
		logging.KeySessionID, sessionID,
		logging.KeyHops, header,
		logging.KeyCount, len(fragments))
	return len(fragments), nil
}

// split cuts data into fragments. An empty message is one empty fragment.
func split(data []byte) ([]protocol.Fragment, error) {
	total := (len(data) + protocol.FragmentDataSize - 1) / protocol.FragmentDataSize
	if total == 0 {
		total = 1
	}
	out := make([]protocol.Fragment, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*protocol.FragmentDataSize, len(data))
		f, err := protocol.NewFragment(uint64(i), uint64(total), data[i*protocol.FragmentDataSize:end])
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// sendLocked advances the header past this node and hands p to the next hop.
func (e *Endpoint) sendLocked(p protocol.Packet) error {
	next, ok := p.Header.Next()
	if !ok {
		return fmt.Errorf("%w: route %s ends here", ErrNotNeighbor, p.Header)
	}
	s, ok := e.neighbors.Resolve(next)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotNeighbor, next)
	}
	p.Header = p.Header.Advance()
	if err := s.Send(p); err != nil {
		e.neighbors.Remove(next)
		return fmt.Errorf("send to %s: %w", next, err)
	}
	return nil
}

func (e *Endpoint) handle(p protocol.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req, ok := p.Body.(protocol.FloodRequest); ok {
		e.answerFlood(p, req)
		return
	}

	if err := p.Validate(); err != nil {
		e.unexpected(p, "malformed")
		return
	}
	if cur, _ := p.Header.Current(); cur != e.id {
		e.unexpected(p, "misdelivered")
		return
	}
	if !p.Header.IsLast() {
		e.unexpected(p, "endpoints do not relay")
		return
	}

	switch body := p.Body.(type) {
	case protocol.Fragment:
		if e.role != identity.Server {
			e.unexpected(p, "fragment at client")
			return
		}
		e.stats.FragmentsDelivered++
		if e.metrics != nil {
			e.metrics.RecordFragmentDelivered(e.label)
		}
		ack := protocol.Packet{
			Header:    p.Header.ReversedPrefix(),
			SessionID: p.SessionID,
			Body:      protocol.Ack{FragmentIndex: body.FragmentIndex},
		}
		if err := e.sendLocked(ack); err != nil {
			e.stats.SendFailures++
			e.logger.Warn("ack not sent", logging.KeySessionID, p.SessionID, logging.KeyError, err)
		}

	case protocol.Ack:
		e.stats.Acks++
		delete(e.pending, fragmentKey{p.SessionID, body.FragmentIndex})
		if e.metrics != nil {
			e.metrics.RecordAck(e.label)
		}

	case protocol.Nack:
		label := body.Type.Kind.Label()
		e.stats.Nacks[label]++
		delete(e.pending, fragmentKey{p.SessionID, body.FragmentIndex})
		if e.metrics != nil {
			e.metrics.RecordNackReceived(e.label, label)
		}
		if body.Type.Kind == protocol.NackErrorInRouting {
			// The reporting drone is the first hop of the nack's route.
			if reporter, ok := p.Header.Source(); ok {
				e.topology.Unlink(reporter, body.Type.Node)
			}
		}
		e.logger.Debug("nack received",
			logging.KeySessionID, p.SessionID,
			logging.KeyNackType, body.Type)

	case protocol.FloodResponse:
		e.recordFloodResponse(body)
	}
}

func (e *Endpoint) recordFloodResponse(resp protocol.FloodResponse) {
	if len(resp.PathTrace) == 0 || resp.PathTrace[0].ID != e.id {
		e.stats.Unexpected++
		return
	}
	e.topology.AddTrace(resp.PathTrace)
	e.stats.FloodResponses++
	if e.metrics != nil {
		e.metrics.RecordFloodResponse(e.label)
		if started, ok := e.floods[resp.FloodID]; ok {
			e.metrics.RecordDiscovery(time.Since(started).Seconds())
			delete(e.floods, resp.FloodID)
		}
	}
}

// answerFlood closes a flood at this endpoint: endpoints never propagate
// requests, they return the trace with themselves appended.
func (e *Endpoint) answerFlood(p protocol.Packet, req protocol.FloodRequest) {
	if req.InitiatorID == e.id || len(req.PathTrace) == 0 {
		return
	}
	trace := req.WithHop(protocol.Hop{ID: e.id, Type: e.role}).PathTrace
	resp := protocol.Packet{
		Header:    protocol.SourceRoutingHeader{Hops: protocol.ReverseTrace(trace), HopIndex: 0},
		SessionID: p.SessionID,
		Body:      protocol.FloodResponse{FloodID: req.FloodID, PathTrace: trace},
	}
	if err := e.sendLocked(resp); err != nil {
		e.stats.SendFailures++
		e.logger.Debug("flood response not sent", logging.KeyFloodID, req.FloodID, logging.KeyError, err)
	}
}

func (e *Endpoint) unexpected(p protocol.Packet, reason string) {
	e.stats.Unexpected++
	e.logger.Warn("unexpected packet",
		logging.KeyKind, p.Kind(),
		logging.KeySessionID, p.SessionID,
		logging.KeyHops, p.Header,
		"reason", reason)
}
