// Package protocol defines the packets exchanged between drones, clients and servers.
package protocol

import (
	"errors"
	"fmt"

	"github.com/postalsys/dronenet/internal/identity"
)

// FragmentDataSize is the fixed payload capacity of a message fragment.
const FragmentDataSize = 128

// ErrFragmentTooLarge is returned when a fragment payload exceeds FragmentDataSize.
var ErrFragmentTooLarge = errors.New("fragment payload exceeds 128 bytes")

// BodyKind identifies the variant carried by a packet body.
type BodyKind uint8

// Body kinds
const (
	KindFragment BodyKind = iota + 1
	KindAck
	KindNack
	KindFloodRequest
	KindFloodResponse
)

// String returns the wire-style name of the kind.
func (k BodyKind) String() string {
	switch k {
	case KindFragment:
		return "MSG_FRAGMENT"
	case KindAck:
		return "ACK"
	case KindNack:
		return "NACK"
	case KindFloodRequest:
		return "FLOOD_REQUEST"
	case KindFloodResponse:
		return "FLOOD_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Label returns the lowercase name used for metric labels.
func (k BodyKind) Label() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindFloodRequest:
		return "flood_request"
	case KindFloodResponse:
		return "flood_response"
	default:
		return "unknown"
	}
}

// Body is the closed set of packet payloads: Fragment, Ack, Nack,
// FloodRequest and FloodResponse. Other packages cannot add variants.
type Body interface {
	Kind() BodyKind
	isBody()
}

// Fragment is one piece of an end-to-end message.
type Fragment struct {
	FragmentIndex  uint64                 `json:"fragment_index" cbor:"1,keyasint"`
	TotalFragments uint64                 `json:"total_n_fragments" cbor:"2,keyasint"`
	Length         uint8                  `json:"length" cbor:"3,keyasint"`
	Data           [FragmentDataSize]byte `json:"-" cbor:"4,keyasint"`
}

// NewFragment builds a fragment carrying a copy of data.
func NewFragment(index, total uint64, data []byte) (Fragment, error) {
	if len(data) > FragmentDataSize {
		return Fragment{}, fmt.Errorf("%w: got %d", ErrFragmentTooLarge, len(data))
	}
	f := Fragment{
		FragmentIndex:  index,
		TotalFragments: total,
		Length:         uint8(len(data)),
	}
	copy(f.Data[:], data)
	return f, nil
}

// Payload returns the used portion of the data buffer.
func (f Fragment) Payload() []byte {
	return f.Data[:f.Length]
}

func (Fragment) Kind() BodyKind { return KindFragment }
func (Fragment) isBody()        {}

// Ack confirms delivery of a fragment.
type Ack struct {
	FragmentIndex uint64 `json:"fragment_index" cbor:"1,keyasint"`
}

func (Ack) Kind() BodyKind { return KindAck }
func (Ack) isBody()        {}

// NackKind enumerates the reasons a packet could not proceed.
type NackKind uint8

// Nack kinds
const (
	NackErrorInRouting NackKind = iota + 1
	NackDestinationIsDrone
	NackDropped
	NackUnexpectedRecipient
)

// String returns the name of the nack kind.
func (k NackKind) String() string {
	switch k {
	case NackErrorInRouting:
		return "ErrorInRouting"
	case NackDestinationIsDrone:
		return "DestinationIsDrone"
	case NackDropped:
		return "Dropped"
	case NackUnexpectedRecipient:
		return "UnexpectedRecipient"
	default:
		return "Unknown"
	}
}

// Label returns the lowercase name used for metric labels.
func (k NackKind) Label() string {
	switch k {
	case NackErrorInRouting:
		return "error_in_routing"
	case NackDestinationIsDrone:
		return "destination_is_drone"
	case NackDropped:
		return "dropped"
	case NackUnexpectedRecipient:
		return "unexpected_recipient"
	default:
		return "unknown"
	}
}

// NackType is a nack kind plus the node it refers to. Node is only
// meaningful for ErrorInRouting (the unreachable hop) and
// UnexpectedRecipient (the node that received the packet).
type NackType struct {
	Kind NackKind        `json:"kind" cbor:"1,keyasint"`
	Node identity.NodeID `json:"node,omitempty" cbor:"2,keyasint,omitempty"`
}

// ErrorInRouting reports that next was not a neighbor of the reporting drone.
func ErrorInRouting(next identity.NodeID) NackType {
	return NackType{Kind: NackErrorInRouting, Node: next}
}

// DestinationIsDrone reports that a packet terminated at a drone.
func DestinationIsDrone() NackType {
	return NackType{Kind: NackDestinationIsDrone}
}

// Dropped reports a probabilistic drop.
func Dropped() NackType {
	return NackType{Kind: NackDropped}
}

// UnexpectedRecipient reports that the packet reached self, which was not
// the hop named by the header.
func UnexpectedRecipient(self identity.NodeID) NackType {
	return NackType{Kind: NackUnexpectedRecipient, Node: self}
}

// String formats the nack type as Kind or Kind(node).
func (t NackType) String() string {
	switch t.Kind {
	case NackErrorInRouting, NackUnexpectedRecipient:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Node)
	default:
		return t.Kind.String()
	}
}

// Nack is a negative acknowledgment routed back to the originator.
type Nack struct {
	FragmentIndex uint64   `json:"fragment_index" cbor:"1,keyasint"`
	Type          NackType `json:"type" cbor:"2,keyasint"`
}

func (Nack) Kind() BodyKind { return KindNack }
func (Nack) isBody()        {}

// Hop is one entry of a flood path trace.
type Hop struct {
	ID   identity.NodeID   `json:"id" cbor:"1,keyasint"`
	Type identity.NodeType `json:"type" cbor:"2,keyasint"`
}

// FloodRequest is a discovery broadcast. It carries no source route; the
// path trace records the nodes it has walked through.
type FloodRequest struct {
	FloodID     uint64          `json:"flood_id" cbor:"1,keyasint"`
	InitiatorID identity.NodeID `json:"initiator_id" cbor:"2,keyasint"`
	PathTrace   []Hop           `json:"path_trace" cbor:"3,keyasint"`
}

// NewFloodRequest starts a flood from initiator.
func NewFloodRequest(floodID uint64, initiator identity.NodeID, role identity.NodeType) FloodRequest {
	return FloodRequest{
		FloodID:     floodID,
		InitiatorID: initiator,
		PathTrace:   []Hop{{ID: initiator, Type: role}},
	}
}

// LastHop returns the most recent entry of the path trace.
func (r FloodRequest) LastHop() (Hop, bool) {
	if len(r.PathTrace) == 0 {
		return Hop{}, false
	}
	return r.PathTrace[len(r.PathTrace)-1], true
}

// WithHop returns a copy of the request with hop appended to a fresh trace.
func (r FloodRequest) WithHop(hop Hop) FloodRequest {
	trace := make([]Hop, len(r.PathTrace), len(r.PathTrace)+1)
	copy(trace, r.PathTrace)
	r.PathTrace = append(trace, hop)
	return r
}

func (FloodRequest) Kind() BodyKind { return KindFloodRequest }
func (FloodRequest) isBody()        {}

// FloodResponse returns a completed path trace to the flood initiator.
type FloodResponse struct {
	FloodID   uint64 `json:"flood_id" cbor:"1,keyasint"`
	PathTrace []Hop  `json:"path_trace" cbor:"2,keyasint"`
}

func (FloodResponse) Kind() BodyKind { return KindFloodResponse }
func (FloodResponse) isBody()        {}

// ReverseTrace returns the node IDs of trace in reverse order.
func ReverseTrace(trace []Hop) []identity.NodeID {
	hops := make([]identity.NodeID, len(trace))
	for i, h := range trace {
		hops[len(trace)-1-i] = h.ID
	}
	return hops
}

func cloneTrace(trace []Hop) []Hop {
	if trace == nil {
		return nil
	}
	out := make([]Hop, len(trace))
	copy(out, trace)
	return out
}
