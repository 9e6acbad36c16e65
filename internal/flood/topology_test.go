package flood

import (
	"errors"
	"reflect"
	"testing"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
)

func server(id identity.NodeID) protocol.Hop { return protocol.Hop{ID: id, Type: identity.Server} }

func TestTopology_Route(t *testing.T) {
	topo := NewTopology()
	topo.AddTrace([]protocol.Hop{client(1), drone(11), drone(12), drone(13), server(21)})
	topo.AddTrace([]protocol.Hop{client(1), drone(11), drone(13)})
	topo.AddTrace([]protocol.Hop{client(1), drone(14), server(21)})

	tests := []struct {
		name    string
		src     identity.NodeID
		dst     identity.NodeID
		want    []identity.NodeID
		wantErr error
	}{
		{"shortest via 14", 1, 21, []identity.NodeID{1, 14, 21}, nil},
		{"to drone", 1, 13, []identity.NodeID{1, 11, 13}, nil},
		{"self", 1, 1, []identity.NodeID{1}, nil},
		{"unknown", 1, 99, nil, ErrNoRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := topo.Route(tt.src, tt.dst)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Route() error = %v, want %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Route() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTopology_EndpointsDoNotRelay(t *testing.T) {
	topo := NewTopology()
	// Client 2 sits between 11 and 12 but must not be used as a relay.
	topo.AddTrace([]protocol.Hop{client(1), drone(11), client(2), drone(12), server(21)})

	if _, err := topo.Route(1, 21); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Route() error = %v, want ErrNoRoute", err)
	}
}

func TestTopology_ForgetAndUnlink(t *testing.T) {
	topo := NewTopology()
	topo.AddTrace([]protocol.Hop{client(1), drone(11), server(21)})
	topo.AddTrace([]protocol.Hop{client(1), drone(12), drone(13), server(21)})

	topo.Forget(11)
	got, err := topo.Route(1, 21)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if !reflect.DeepEqual(got, []identity.NodeID{1, 12, 13, 21}) {
		t.Errorf("Route() = %v, want [1 12 13 21]", got)
	}

	topo.Unlink(12, 13)
	if _, err := topo.Route(1, 21); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Route() after unlink error = %v, want ErrNoRoute", err)
	}
}

func TestTopology_Nodes(t *testing.T) {
	topo := NewTopology()
	topo.AddTrace([]protocol.Hop{client(1), drone(12), drone(11), server(22), drone(11)})

	if got := topo.Nodes(identity.Drone); !reflect.DeepEqual(got, []identity.NodeID{11, 12}) {
		t.Errorf("Nodes(Drone) = %v, want [11 12]", got)
	}
	if got := topo.Nodes(identity.Server); !reflect.DeepEqual(got, []identity.NodeID{22}) {
		t.Errorf("Nodes(Server) = %v, want [22]", got)
	}
	if topo.Len() != 4 {
		t.Errorf("Len() = %d, want 4", topo.Len())
	}
}
