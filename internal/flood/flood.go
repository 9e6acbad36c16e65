// Package flood implements flood-based topology discovery for drones.
package flood

import (
	"errors"
	"log/slog"
	"slices"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/logging"
	"github.com/postalsys/dronenet/internal/protocol"
)

// ErrEmptyTrace is returned for a flood request without a path trace.
var ErrEmptyTrace = errors.New("flood request has an empty path trace")

// ErrNotFloodRequest is returned when a non-flood packet reaches the handler.
var ErrNotFloodRequest = errors.New("packet is not a flood request")

// Key uniquely identifies a flood. Flood IDs are only unique per initiator.
type Key struct {
	FloodID     uint64
	InitiatorID identity.NodeID
}

// Outcome is what the drone must do with a flood request.
type Outcome int

const (
	// OutcomeBroadcast sends Request to every node in Targets.
	OutcomeBroadcast Outcome = iota
	// OutcomeRespond routes Response back toward the initiator.
	OutcomeRespond
	// OutcomeRejected drops a request that cannot be handled.
	OutcomeRejected
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeBroadcast:
		return "broadcast"
	case OutcomeRespond:
		return "respond"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Action is the result of handling a flood request.
type Action struct {
	Outcome Outcome

	// ArrivedFrom is the node that delivered the request.
	ArrivedFrom identity.NodeID

	// Duplicate is set when the flood had already been seen.
	Duplicate bool

	// Request is the updated request to broadcast. Each target must receive
	// its own copy; see Packets.
	Request   protocol.FloodRequest
	SessionID uint64
	Targets   []identity.NodeID

	// Response is the FloodResponse packet to route, starting at this drone.
	Response protocol.Packet

	// Err explains OutcomeRejected.
	Err error
}

// Packets returns one independent flood request packet per target.
func (a Action) Packets() map[identity.NodeID]protocol.Packet {
	out := make(map[identity.NodeID]protocol.Packet, len(a.Targets))
	for _, id := range a.Targets {
		p := protocol.Packet{SessionID: a.SessionID, Body: a.Request}
		out[id] = p.Clone()
	}
	return out
}

// Handler keeps the set of floods a drone has seen and decides how to
// propagate each request. Records are kept for the life of the drone.
//
// A Handler is owned by one drone event loop and is not safe for concurrent use.
type Handler struct {
	self   identity.NodeID
	seen   map[Key]struct{}
	logger *slog.Logger
}

// NewHandler creates a flood handler for drone self.
func NewHandler(self identity.NodeID, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		self:   self,
		seen:   make(map[Key]struct{}),
		logger: logger,
	}
}

// Handle processes a flood request packet given the drone's current neighbors.
func (h *Handler) Handle(p protocol.Packet, neighbors []identity.NodeID) Action {
	req, ok := p.Body.(protocol.FloodRequest)
	if !ok {
		return Action{Outcome: OutcomeRejected, Err: ErrNotFloodRequest}
	}

	last, ok := req.LastHop()
	if !ok {
		h.logger.Error("flood request with empty path trace",
			logging.KeyFloodID, req.FloodID,
			logging.KeyInitiator, req.InitiatorID)
		return Action{Outcome: OutcomeRejected, Err: ErrEmptyTrace}
	}
	from := last.ID

	updated := req.WithHop(protocol.Hop{ID: h.self, Type: identity.Drone})
	key := Key{FloodID: req.FloodID, InitiatorID: req.InitiatorID}

	if _, dup := h.seen[key]; dup {
		h.logger.Debug("flood already seen",
			logging.KeyFloodID, req.FloodID,
			logging.KeyInitiator, req.InitiatorID,
			logging.KeyFrom, from)
		return h.respond(updated, from, p.SessionID, true)
	}
	h.seen[key] = struct{}{}

	targets := make([]identity.NodeID, 0, len(neighbors))
	for _, id := range neighbors {
		if id != from {
			targets = append(targets, id)
		}
	}
	slices.Sort(targets)

	if len(targets) == 0 {
		h.logger.Debug("no neighbor besides sender, answering flood",
			logging.KeyFloodID, req.FloodID,
			logging.KeyFrom, from)
		return h.respond(updated, from, p.SessionID, false)
	}

	h.logger.Debug("broadcasting flood",
		logging.KeyFloodID, req.FloodID,
		logging.KeyInitiator, req.InitiatorID,
		logging.KeyFrom, from,
		"targets", identity.JoinIDs(targets))

	return Action{
		Outcome:     OutcomeBroadcast,
		ArrivedFrom: from,
		Request:     updated,
		SessionID:   p.SessionID,
		Targets:     targets,
	}
}

// respond builds a FloodResponse whose route is the reversed trace. The
// route starts at this drone, so the forwarder delivers it to from next.
func (h *Handler) respond(trace protocol.FloodRequest, from identity.NodeID, sessionID uint64, dup bool) Action {
	return Action{
		Outcome:     OutcomeRespond,
		ArrivedFrom: from,
		Duplicate:   dup,
		SessionID:   sessionID,
		Response: protocol.Packet{
			Header:    protocol.SourceRoutingHeader{Hops: protocol.ReverseTrace(trace.PathTrace)},
			SessionID: sessionID,
			Body: protocol.FloodResponse{
				FloodID:   trace.FloodID,
				PathTrace: trace.PathTrace,
			},
		},
	}
}

// Seen reports whether the flood identified by key has been recorded.
func (h *Handler) Seen(key Key) bool {
	_, ok := h.seen[key]
	return ok
}

// Len returns the number of recorded floods.
func (h *Handler) Len() int {
	return len(h.seen)
}
