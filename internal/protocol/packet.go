package protocol

import (
	"errors"
	"fmt"

	"github.com/postalsys/dronenet/internal/identity"
)

var (
	// ErrEmptyRoute is returned for a routing header without hops.
	ErrEmptyRoute = errors.New("routing header has no hops")

	// ErrHopIndexOutOfRange is returned when the hop index does not point into the hops.
	ErrHopIndexOutOfRange = errors.New("hop index out of range")

	// ErrNilBody is returned for a packet without a body.
	ErrNilBody = errors.New("packet has no body")
)

// SourceRoutingHeader is the sender-computed list of hops plus a cursor at
// the node currently holding the packet.
type SourceRoutingHeader struct {
	Hops     []identity.NodeID `json:"hops" cbor:"1,keyasint"`
	HopIndex int               `json:"hop_index" cbor:"2,keyasint"`
}

// NewSourceRoutingHeader builds a validated header.
func NewSourceRoutingHeader(hops []identity.NodeID, hopIndex int) (SourceRoutingHeader, error) {
	h := SourceRoutingHeader{Hops: hops, HopIndex: hopIndex}
	if err := h.Validate(); err != nil {
		return SourceRoutingHeader{}, err
	}
	return h, nil
}

// Validate reports whether the header is well formed.
func (h SourceRoutingHeader) Validate() error {
	if len(h.Hops) == 0 {
		return ErrEmptyRoute
	}
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops) {
		return fmt.Errorf("%w: index %d, %d hops", ErrHopIndexOutOfRange, h.HopIndex, len(h.Hops))
	}
	return nil
}

// Current returns the hop the cursor points at.
func (h SourceRoutingHeader) Current() (identity.NodeID, bool) {
	if h.HopIndex < 0 || h.HopIndex >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[h.HopIndex], true
}

// Next returns the hop after the cursor.
func (h SourceRoutingHeader) Next() (identity.NodeID, bool) {
	i := h.HopIndex + 1
	if i < 0 || i >= len(h.Hops) {
		return 0, false
	}
	return h.Hops[i], true
}

// IsLast reports whether the cursor is at the final hop.
func (h SourceRoutingHeader) IsLast() bool {
	return h.HopIndex == len(h.Hops)-1
}

// Source returns the first hop.
func (h SourceRoutingHeader) Source() (identity.NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[0], true
}

// Destination returns the final hop.
func (h SourceRoutingHeader) Destination() (identity.NodeID, bool) {
	if len(h.Hops) == 0 {
		return 0, false
	}
	return h.Hops[len(h.Hops)-1], true
}

// Advance returns a copy of the header with the cursor moved one hop forward.
// The hops slice is shared with h; it is never written through.
func (h SourceRoutingHeader) Advance() SourceRoutingHeader {
	h.HopIndex++
	return h
}

// ReversedPrefix returns the already traversed hops (0..=HopIndex) in
// reverse order with the cursor at 0. The result owns its slice.
func (h SourceRoutingHeader) ReversedPrefix() SourceRoutingHeader {
	end := h.HopIndex + 1
	if end > len(h.Hops) {
		end = len(h.Hops)
	}
	if end < 0 {
		end = 0
	}
	hops := make([]identity.NodeID, end)
	for i := 0; i < end; i++ {
		hops[i] = h.Hops[end-1-i]
	}
	return SourceRoutingHeader{Hops: hops}
}

// Clone returns a deep copy of the header.
func (h SourceRoutingHeader) Clone() SourceRoutingHeader {
	if h.Hops != nil {
		hops := make([]identity.NodeID, len(h.Hops))
		copy(hops, h.Hops)
		h.Hops = hops
	}
	return h
}

// String formats the header as [a b >c d].
func (h SourceRoutingHeader) String() string {
	s := "["
	for i, id := range h.Hops {
		if i > 0 {
			s += " "
		}
		if i == h.HopIndex {
			s += ">"
		}
		s += id.String()
	}
	return s + "]"
}

// Packet is the unit exchanged between nodes.
type Packet struct {
	Header    SourceRoutingHeader `json:"routing_header"`
	SessionID uint64              `json:"session_id"`
	Body      Body                `json:"body"`
}

// NewPacket builds a validated packet. Flood requests are not source routed
// and may carry an empty header; every other body needs a valid one.
func NewPacket(header SourceRoutingHeader, sessionID uint64, body Body) (Packet, error) {
	p := Packet{Header: header, SessionID: sessionID, Body: body}
	if err := p.Validate(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

// Validate checks the packet invariants.
func (p Packet) Validate() error {
	if p.Body == nil {
		return ErrNilBody
	}
	if p.Body.Kind() == KindFloodRequest {
		return nil
	}
	return p.Header.Validate()
}

// Kind returns the body kind, or 0 when the body is nil.
func (p Packet) Kind() BodyKind {
	if p.Body == nil {
		return 0
	}
	return p.Body.Kind()
}

// FragmentIndex returns the fragment index for fragments and 0 otherwise.
// Nacks generated for non-fragment packets carry this value.
func (p Packet) FragmentIndex() uint64 {
	if f, ok := p.Body.(Fragment); ok {
		return f.FragmentIndex
	}
	return 0
}

// Clone returns a deep copy of the packet, including path traces.
func (p Packet) Clone() Packet {
	p.Header = p.Header.Clone()
	switch b := p.Body.(type) {
	case FloodRequest:
		b.PathTrace = cloneTrace(b.PathTrace)
		p.Body = b
	case FloodResponse:
		b.PathTrace = cloneTrace(b.PathTrace)
		p.Body = b
	}
	return p
}

// String returns a short description for logs.
func (p Packet) String() string {
	return fmt.Sprintf("%s{session=%d header=%s}", p.Kind(), p.SessionID, p.Header)
}

// NewNack builds the negative acknowledgment for p. The reply retraces the
// hops p has already walked, starting from the current holder.
func NewNack(p Packet, nackType NackType) Packet {
	return Packet{
		Header:    p.Header.ReversedPrefix(),
		SessionID: p.SessionID,
		Body: Nack{
			FragmentIndex: p.FragmentIndex(),
			Type:          nackType,
		},
	}
}
