package identity

import (
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		in      string
		want    NodeID
		wantErr bool
	}{
		{"0", 0, false},
		{"11", 11, false},
		{" 255 ", 255, false},
		{"256", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseNodeID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidNodeID) {
				t.Errorf("ParseNodeID(%q) error = %v, want ErrInvalidNodeID", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNodeID(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNodeID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNodeTypeRoundTrip(t *testing.T) {
	for _, nt := range []NodeType{Client, Drone, Server} {
		parsed, err := ParseNodeType(nt.String())
		if err != nil {
			t.Fatalf("ParseNodeType(%q) error = %v", nt.String(), err)
		}
		if parsed != nt {
			t.Errorf("ParseNodeType(%q) = %v, want %v", nt.String(), parsed, nt)
		}
	}

	if _, err := ParseNodeType("router"); !errors.Is(err, ErrInvalidNodeType) {
		t.Errorf("ParseNodeType(router) error = %v, want ErrInvalidNodeType", err)
	}
}

func TestNodeIDYAML(t *testing.T) {
	var v struct {
		ID   NodeID   `yaml:"id"`
		Type NodeType `yaml:"type"`
	}

	if err := yaml.Unmarshal([]byte("id: 12\ntype: server\n"), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v.ID != 12 || v.Type != Server {
		t.Errorf("got %+v, want id 12 type server", v)
	}
}

func TestJoinIDs(t *testing.T) {
	if got := JoinIDs([]NodeID{1, 11, 21}); got != "1,11,21" {
		t.Errorf("JoinIDs() = %q, want 1,11,21", got)
	}
	if got := JoinIDs(nil); got != "" {
		t.Errorf("JoinIDs(nil) = %q, want empty", got)
	}
}
