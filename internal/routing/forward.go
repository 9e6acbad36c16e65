package routing

import (
	"errors"
	"fmt"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
)

// ErrNotSourceRouted is returned for bodies that do not travel on a source route.
var ErrNotSourceRouted = errors.New("body is not source routed")

// Dropper decides whether a fragment is lost on this hop.
type Dropper interface {
	ShouldDrop(pdr float64) bool
}

// ActionKind is the outcome of handling one packet.
type ActionKind int

const (
	// ActionForward sends Packet to Sender (the neighbor NextHop).
	ActionForward ActionKind = iota
	// ActionReply answers the packet. Packet holds a Nack starting at this node.
	ActionReply
	// ActionSilent consumes the packet without any output.
	ActionSilent
	// ActionDiscard drops a malformed packet that cannot be answered.
	ActionDiscard
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionForward:
		return "forward"
	case ActionReply:
		return "reply"
	case ActionSilent:
		return "silent"
	case ActionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Action describes what the drone must do with a packet.
type Action struct {
	Kind ActionKind

	// NextHop and Sender are set for ActionForward.
	NextHop identity.NodeID
	Sender  Sender

	// Packet is the advanced packet for ActionForward, or the Nack for ActionReply.
	Packet protocol.Packet

	// Nack is the reason for ActionReply.
	Nack protocol.NackType

	// Original is the packet as received, before the header was advanced.
	Original protocol.Packet

	// Err explains ActionDiscard.
	Err error
}

// Forwarder applies the per-hop forwarding rules of one drone.
type Forwarder struct {
	self    identity.NodeID
	table   *NeighborTable
	dropper Dropper
	pdr     float64
}

// NewForwarder creates a forwarder for the drone self.
func NewForwarder(self identity.NodeID, table *NeighborTable, dropper Dropper) *Forwarder {
	return &Forwarder{
		self:    self,
		table:   table,
		dropper: dropper,
	}
}

// SetPDR sets the packet drop rate applied to fragments.
func (f *Forwarder) SetPDR(pdr float64) {
	f.pdr = pdr
}

// PDR returns the current packet drop rate.
func (f *Forwarder) PDR() float64 {
	return f.pdr
}

// Handle decides the fate of a source-routed packet held by this drone.
//
// Rules are checked in order: identity, terminal hop, reachability of the
// next hop, probabilistic drop (fragments only). Every rejection produces a
// Nack whose route retraces the hops already walked, starting here.
func (f *Forwarder) Handle(p protocol.Packet) Action {
	if err := p.Validate(); err != nil {
		return Action{Kind: ActionDiscard, Original: p, Err: err}
	}
	if p.Kind() == protocol.KindFloodRequest {
		return Action{Kind: ActionDiscard, Original: p, Err: ErrNotSourceRouted}
	}

	h := p.Header
	if h.Hops[h.HopIndex] != f.self {
		return f.misdelivered(p)
	}

	if h.IsLast() {
		if p.Kind() == protocol.KindNack {
			return Action{Kind: ActionSilent, Original: p}
		}
		return f.Reject(p, protocol.DestinationIsDrone())
	}

	next, _ := h.Next()
	sender, ok := f.table.Resolve(next)
	if !ok {
		return f.Reject(p, protocol.ErrorInRouting(next))
	}

	if p.Kind() == protocol.KindFragment && f.dropper.ShouldDrop(f.pdr) {
		return f.Reject(p, protocol.Dropped())
	}

	out := p
	out.Header = h.Advance()
	return Action{
		Kind:     ActionForward,
		NextHop:  next,
		Sender:   sender,
		Packet:   out,
		Original: p,
	}
}

// Reject answers p, as received by this drone, with a Nack of the given type.
func (f *Forwarder) Reject(p protocol.Packet, nack protocol.NackType) Action {
	return Action{
		Kind:     ActionReply,
		Packet:   protocol.NewNack(p, nack),
		Nack:     nack,
		Original: p,
	}
}

// misdelivered answers a packet whose current hop names another node. The
// reply route is built as if this drone had been on the path, so it starts here.
func (f *Forwarder) misdelivered(p protocol.Packet) Action {
	fixed := p
	fixed.Header = p.Header.Clone()
	fixed.Header.Hops[fixed.Header.HopIndex] = f.self

	nack := protocol.UnexpectedRecipient(f.self)
	return Action{
		Kind:     ActionReply,
		Packet:   protocol.NewNack(fixed, nack),
		Nack:     nack,
		Original: p,
	}
}

// String describes the action for logs.
func (a Action) String() string {
	switch a.Kind {
	case ActionForward:
		return fmt.Sprintf("forward to %s", a.NextHop)
	case ActionReply:
		return fmt.Sprintf("reply %s", a.Nack)
	case ActionDiscard:
		return fmt.Sprintf("discard: %v", a.Err)
	default:
		return a.Kind.String()
	}
}
