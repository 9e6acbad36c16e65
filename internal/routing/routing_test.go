package routing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
)

// recordingSender captures packets instead of delivering them.
type recordingSender struct {
	packets []protocol.Packet
	err     error
}

func (s *recordingSender) Send(p protocol.Packet) error {
	if s.err != nil {
		return s.err
	}
	s.packets = append(s.packets, p)
	return nil
}

// fixedDropper always returns the same decision and counts calls.
type fixedDropper struct {
	drop  bool
	calls int
}

func (d *fixedDropper) ShouldDrop(float64) bool {
	d.calls++
	return d.drop
}

func route(hops ...identity.NodeID) protocol.SourceRoutingHeader {
	return protocol.SourceRoutingHeader{Hops: hops}
}

func at(h protocol.SourceRoutingHeader, idx int) protocol.SourceRoutingHeader {
	h.HopIndex = idx
	return h
}

func fragment(t *testing.T, index uint64) protocol.Fragment {
	t.Helper()
	f, err := protocol.NewFragment(index, 3, []byte("payload"))
	if err != nil {
		t.Fatalf("NewFragment() error = %v", err)
	}
	return f
}

// ============================================================================
// NeighborTable Tests
// ============================================================================

func TestNeighborTable_AddRemove(t *testing.T) {
	table := NewNeighborTable()
	a := &recordingSender{}
	b := &recordingSender{}

	table.Add(12, a)
	table.Add(3, b)
	table.Add(12, b)

	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}
	if got := table.IDs(); !reflect.DeepEqual(got, []identity.NodeID{3, 12}) {
		t.Errorf("IDs() = %v, want [3 12]", got)
	}

	s, ok := table.Resolve(12)
	if !ok || s != b {
		t.Error("Add() did not replace the existing link")
	}

	if !table.Remove(3) {
		t.Error("Remove(3) = false, want true")
	}
	if table.Remove(3) {
		t.Error("second Remove(3) = true, want false")
	}
	if table.Remove(99) {
		t.Error("Remove(unknown) = true, want false")
	}
	if table.Contains(3) {
		t.Error("Contains(3) after removal")
	}
}

func TestNeighborTable_Empty(t *testing.T) {
	table := NewNeighborTable()
	if _, ok := table.Resolve(1); ok {
		t.Error("Resolve() on empty table returned ok")
	}
	if ids := table.IDs(); len(ids) != 0 {
		t.Errorf("IDs() = %v, want empty", ids)
	}
}

// ============================================================================
// Forwarder Tests
// ============================================================================

func newTestForwarder(self identity.NodeID, drop bool, neighbors ...identity.NodeID) (*Forwarder, map[identity.NodeID]*recordingSender, *fixedDropper) {
	table := NewNeighborTable()
	senders := make(map[identity.NodeID]*recordingSender)
	for _, id := range neighbors {
		s := &recordingSender{}
		senders[id] = s
		table.Add(id, s)
	}
	dropper := &fixedDropper{drop: drop}
	return NewForwarder(self, table, dropper), senders, dropper
}

func TestForwarder_ChainScenario(t *testing.T) {
	const a, b, c identity.NodeID = 1, 11, 21

	t.Run("pdr zero forwards to next hop", func(t *testing.T) {
		fwd, _, _ := newTestForwarder(b, false, a, c)
		p := protocol.Packet{Header: at(route(a, b, c), 1), SessionID: 7, Body: fragment(t, 0)}

		act := fwd.Handle(p)
		if act.Kind != ActionForward {
			t.Fatalf("Kind = %s, want forward", act.Kind)
		}
		if act.NextHop != c {
			t.Errorf("NextHop = %d, want %d", act.NextHop, c)
		}
		if act.Packet.Header.HopIndex != 2 {
			t.Errorf("HopIndex = %d, want 2", act.Packet.Header.HopIndex)
		}
		if act.Packet.SessionID != 7 {
			t.Errorf("SessionID = %d, want 7", act.Packet.SessionID)
		}
	})

	t.Run("pdr one drops with nack to source", func(t *testing.T) {
		fwd, _, _ := newTestForwarder(b, true, a, c)
		fwd.SetPDR(1)
		p := protocol.Packet{Header: at(route(a, b, c), 1), SessionID: 7, Body: fragment(t, 2)}

		act := fwd.Handle(p)
		if act.Kind != ActionReply {
			t.Fatalf("Kind = %s, want reply", act.Kind)
		}
		if !reflect.DeepEqual(act.Packet.Header, route(b, a)) {
			t.Errorf("nack header = %s, want [>%d %d]", act.Packet.Header, b, a)
		}
		nack := act.Packet.Body.(protocol.Nack)
		if nack.Type != protocol.Dropped() || nack.FragmentIndex != 2 {
			t.Errorf("nack = %+v, want Dropped for fragment 2", nack)
		}
	})
}

func TestForwarder_Rules(t *testing.T) {
	const self identity.NodeID = 5

	tests := []struct {
		name       string
		packet     protocol.Packet
		neighbors  []identity.NodeID
		drop       bool
		wantKind   ActionKind
		wantNack   protocol.NackType
		wantHeader protocol.SourceRoutingHeader
	}{
		{
			name:       "misdelivery",
			packet:     protocol.Packet{Header: at(route(1, 9, 3), 1), Body: protocol.Fragment{}},
			neighbors:  []identity.NodeID{1, 3},
			wantKind:   ActionReply,
			wantNack:   protocol.UnexpectedRecipient(self),
			wantHeader: route(self, 1),
		},
		{
			name:       "fragment at terminal hop",
			packet:     protocol.Packet{Header: at(route(1, self), 1), Body: protocol.Fragment{}},
			neighbors:  []identity.NodeID{1},
			wantKind:   ActionReply,
			wantNack:   protocol.DestinationIsDrone(),
			wantHeader: route(self, 1),
		},
		{
			name:       "ack at terminal hop",
			packet:     protocol.Packet{Header: at(route(1, self), 1), Body: protocol.Ack{}},
			neighbors:  []identity.NodeID{1},
			wantKind:   ActionReply,
			wantNack:   protocol.DestinationIsDrone(),
			wantHeader: route(self, 1),
		},
		{
			name:      "nack at terminal hop",
			packet:    protocol.Packet{Header: at(route(1, self), 1), Body: protocol.Nack{}},
			neighbors: []identity.NodeID{1},
			wantKind:  ActionSilent,
		},
		{
			name:       "unreachable next hop",
			packet:     protocol.Packet{Header: at(route(1, self, 8, 9), 1), Body: protocol.Fragment{}},
			neighbors:  []identity.NodeID{1},
			wantKind:   ActionReply,
			wantNack:   protocol.ErrorInRouting(8),
			wantHeader: route(self, 1),
		},
		{
			name:      "ack ignores pdr",
			packet:    protocol.Packet{Header: at(route(1, self, 8), 1), Body: protocol.Ack{}},
			neighbors: []identity.NodeID{1, 8},
			drop:      true,
			wantKind:  ActionForward,
		},
		{
			name:      "nack ignores pdr",
			packet:    protocol.Packet{Header: at(route(1, self, 8), 1), Body: protocol.Nack{}},
			neighbors: []identity.NodeID{1, 8},
			drop:      true,
			wantKind:  ActionForward,
		},
		{
			name:      "flood response ignores pdr",
			packet:    protocol.Packet{Header: at(route(1, self, 8), 1), Body: protocol.FloodResponse{}},
			neighbors: []identity.NodeID{1, 8},
			drop:      true,
			wantKind:  ActionForward,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fwd, _, _ := newTestForwarder(self, tt.drop, tt.neighbors...)
			fwd.SetPDR(1)

			act := fwd.Handle(tt.packet)
			if act.Kind != tt.wantKind {
				t.Fatalf("Kind = %s, want %s", act.Kind, tt.wantKind)
			}
			if tt.wantKind != ActionReply {
				return
			}
			if act.Nack != tt.wantNack {
				t.Errorf("Nack = %s, want %s", act.Nack, tt.wantNack)
			}
			if !reflect.DeepEqual(act.Packet.Header, tt.wantHeader) {
				t.Errorf("header = %s, want %s", act.Packet.Header, tt.wantHeader)
			}
			if act.Packet.SessionID != tt.packet.SessionID {
				t.Errorf("SessionID = %d, want %d", act.Packet.SessionID, tt.packet.SessionID)
			}
		})
	}
}

func TestForwarder_DropDeterminism(t *testing.T) {
	fwd, senders, _ := newTestForwarder(2, true, 1, 3)
	fwd.SetPDR(1)

	for i := uint64(0); i < 20; i++ {
		p := protocol.Packet{Header: at(route(1, 2, 3), 1), Body: fragment(t, i)}
		act := fwd.Handle(p)
		if act.Kind != ActionReply || act.Nack != protocol.Dropped() {
			t.Fatalf("fragment %d: action = %s, want reply Dropped", i, act)
		}
	}
	if n := len(senders[3].packets); n != 0 {
		t.Errorf("next hop received %d packets, want 0", n)
	}
}

func TestForwarder_DropperConsultedOnlyForFragments(t *testing.T) {
	fwd, _, dropper := newTestForwarder(2, false, 1, 3)

	fwd.Handle(protocol.Packet{Header: at(route(1, 2, 3), 1), Body: protocol.Ack{}})
	fwd.Handle(protocol.Packet{Header: at(route(1, 2, 3), 1), Body: protocol.Nack{}})
	if dropper.calls != 0 {
		t.Errorf("dropper called %d times for non-fragments", dropper.calls)
	}

	fwd.Handle(protocol.Packet{Header: at(route(1, 2, 3), 1), Body: protocol.Fragment{}})
	if dropper.calls != 1 {
		t.Errorf("dropper called %d times, want 1", dropper.calls)
	}
}

func TestForwarder_Discard(t *testing.T) {
	fwd, _, _ := newTestForwarder(2, false, 1)

	tests := []struct {
		name    string
		packet  protocol.Packet
		wantErr error
	}{
		{"empty route", protocol.Packet{Body: protocol.Ack{}}, protocol.ErrEmptyRoute},
		{"index out of range", protocol.Packet{Header: at(route(1, 2), 5), Body: protocol.Ack{}}, protocol.ErrHopIndexOutOfRange},
		{"flood request", protocol.Packet{Body: protocol.NewFloodRequest(1, 1, identity.Client)}, ErrNotSourceRouted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			act := fwd.Handle(tt.packet)
			if act.Kind != ActionDiscard {
				t.Fatalf("Kind = %s, want discard", act.Kind)
			}
			if !errors.Is(act.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", act.Err, tt.wantErr)
			}
		})
	}
}

func TestForwarder_RepliesTerminate(t *testing.T) {
	// A reply is fed back into Handle by the drone. Whatever the table holds,
	// the chain of replies must end within a few steps.
	fwd, _, _ := newTestForwarder(2, true)
	fwd.SetPDR(1)

	act := fwd.Handle(protocol.Packet{Header: at(route(1, 2, 3), 1), Body: fragment(t, 0)})
	for steps := 0; act.Kind == ActionReply; steps++ {
		if steps > 3 {
			t.Fatalf("reply chain did not terminate, last action %s", act)
		}
		act = fwd.Handle(act.Packet)
	}
	if act.Kind != ActionSilent {
		t.Errorf("final action = %s, want silent", act.Kind)
	}
}

func TestForwarder_MisdeliveryDoesNotMutateInput(t *testing.T) {
	fwd, _, _ := newTestForwarder(5, false, 1)
	hops := []identity.NodeID{1, 9, 3}
	fwd.Handle(protocol.Packet{Header: at(route(hops...), 1), Body: protocol.Ack{}})

	if hops[1] != 9 {
		t.Errorf("input hops mutated: %v", hops)
	}
}
