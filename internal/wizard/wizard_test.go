package wizard

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/postalsys/dronenet/internal/config"
	"github.com/postalsys/dronenet/internal/identity"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestRun_NotInteractive(t *testing.T) {
	w := New()
	w.interactive = func() bool { return false }

	if _, err := w.Run(); !errors.Is(err, ErrNotInteractive) {
		t.Fatalf("expected ErrNotInteractive, got %v", err)
	}
}

func TestTopologyValidate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		wantErr string
	}{
		{"valid chain", Topology{Shape: ShapeChain, Drones: 3, Clients: 1, Servers: 1}, ""},
		{"valid mesh max", Topology{Shape: ShapeMesh, Drones: MaxDrones, Clients: MaxClients, Servers: MaxServers, PDR: 1}, ""},
		{"unknown shape", Topology{Shape: "star", Drones: 3, Clients: 1, Servers: 1}, "unknown shape"},
		{"no drones", Topology{Shape: ShapeChain, Drones: 0, Clients: 1, Servers: 1}, "drone count"},
		{"too many drones", Topology{Shape: ShapeChain, Drones: MaxDrones + 1, Clients: 1, Servers: 1}, "drone count"},
		{"no clients", Topology{Shape: ShapeChain, Drones: 1, Clients: 0, Servers: 1}, "client count"},
		{"too many servers", Topology{Shape: ShapeChain, Drones: 1, Clients: 1, Servers: MaxServers + 1}, "server count"},
		{"negative pdr", Topology{Shape: ShapeChain, Drones: 1, Clients: 1, Servers: 1, PDR: -0.1}, "pdr"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.topo.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func neighborsOf(drones []config.DroneConfig, id identity.NodeID) []identity.NodeID {
	for _, d := range drones {
		if d.ID == id {
			out := slices.Clone(d.ConnectedNodeIDs)
			slices.Sort(out)
			return out
		}
	}
	return nil
}

func TestBuild_Chain(t *testing.T) {
	drones, clients, servers, err := Build(Topology{Shape: ShapeChain, Drones: 3, Clients: 2, Servers: 1, PDR: 0.2})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(drones) != 3 || len(clients) != 2 || len(servers) != 1 {
		t.Fatalf("got %d drones, %d clients, %d servers", len(drones), len(clients), len(servers))
	}

	tests := []struct {
		id   identity.NodeID
		want []identity.NodeID
	}{
		{50, []identity.NodeID{1, 2, 51}},
		{51, []identity.NodeID{50, 52}},
		{52, []identity.NodeID{51, 200}},
	}
	for _, tc := range tests {
		if got := neighborsOf(drones, tc.id); !slices.Equal(got, tc.want) {
			t.Errorf("drone %d neighbors = %v, want %v", tc.id, got, tc.want)
		}
	}

	for _, d := range drones {
		if d.PDR != 0.2 {
			t.Errorf("drone %d pdr = %v, want 0.2", d.ID, d.PDR)
		}
	}
	if clients[1].ID != 2 || !slices.Equal(clients[1].ConnectedDroneIDs, []identity.NodeID{50}) {
		t.Errorf("unexpected second client %+v", clients[1])
	}
	if servers[0].ID != 200 || !slices.Equal(servers[0].ConnectedDroneIDs, []identity.NodeID{52}) {
		t.Errorf("unexpected server %+v", servers[0])
	}
}

func TestBuild_Ring(t *testing.T) {
	drones, _, servers, err := Build(Topology{Shape: ShapeRing, Drones: 4, Clients: 1, Servers: 1})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := neighborsOf(drones, 50); !slices.Equal(got, []identity.NodeID{1, 51, 53}) {
		t.Errorf("ring entry neighbors = %v", got)
	}
	if !slices.Equal(servers[0].ConnectedDroneIDs, []identity.NodeID{52}) {
		t.Errorf("server should attach opposite the entry, got %v", servers[0].ConnectedDroneIDs)
	}
}

func TestBuild_Mesh(t *testing.T) {
	drones, _, _, err := Build(Topology{Shape: ShapeMesh, Drones: 4, Clients: 1, Servers: 1})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := neighborsOf(drones, 51); !slices.Equal(got, []identity.NodeID{50, 52, 53}) {
		t.Errorf("mesh drone neighbors = %v", got)
	}
}

func TestBuild_ProducesValidConfig(t *testing.T) {
	for _, shape := range []Shape{ShapeChain, ShapeRing, ShapeMesh} {
		for _, n := range []int{1, 2, 3, 7} {
			a := defaultAnswers()
			a.topology = Topology{Shape: shape, Drones: n, Clients: 2, Servers: 3, PDR: 0.1}
			if _, err := buildConfig(a); err != nil {
				t.Errorf("%s with %d drones: %v", shape, n, err)
			}
		}
	}
}

func TestBuildConfig(t *testing.T) {
	a := defaultAnswers()
	a.configPath = "/etc/dronenet/net.yaml"
	a.fragments = 25
	a.seed = 7
	a.chaos = true
	a.logLevel = "debug"
	a.healthEnabled = false
	a.traceEnabled = true
	a.topology.Drones = 6

	cfg, err := buildConfig(a)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Simulation.Fragments != 25 || cfg.Simulation.Seed != 7 {
		t.Errorf("unexpected simulation config %+v", cfg.Simulation)
	}
	if !cfg.Simulation.Chaos.Enabled || cfg.Simulation.Chaos.MaxCrashes != 2 {
		t.Errorf("unexpected chaos config %+v", cfg.Simulation.Chaos)
	}
	if cfg.Health.Enabled {
		t.Error("expected health disabled")
	}
	if !cfg.Control.Enabled || cfg.Control.SocketPath != "/etc/dronenet/dronenet.sock" {
		t.Errorf("unexpected control config %+v", cfg.Control)
	}
	if !cfg.Trace.Enabled {
		t.Error("expected trace enabled")
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "dronenet.yaml")

	cfg, err := buildConfig(defaultAnswers())
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}
	if err := writeConfig(cfg, path); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# dronenet topology") {
		t.Error("config file missing header comment")
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if len(loaded.Drones) != 3 || len(loaded.Clients) != 1 || len(loaded.Servers) != 1 {
		t.Errorf("loaded %d drones, %d clients, %d servers", len(loaded.Drones), len(loaded.Clients), len(loaded.Servers))
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name  string
		check func(string) error
		input string
		ok    bool
	}{
		{"yaml path", validateConfigPath, "net.yaml", true},
		{"yml path", validateConfigPath, "net.yml", true},
		{"json path", validateConfigPath, "net.json", false},
		{"empty path", validateConfigPath, "", false},
		{"count", countValidator(10), " 4 ", true},
		{"count zero", countValidator(10), "0", false},
		{"count over", countValidator(10), "11", false},
		{"count text", countValidator(10), "four", false},
		{"pdr", validatePDR, "0.25", true},
		{"pdr one", validatePDR, "1", true},
		{"pdr over", validatePDR, "1.5", false},
		{"pdr text", validatePDR, "half", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.check(tc.input)
			if (err == nil) != tc.ok {
				t.Errorf("input %q: err = %v, want ok=%v", tc.input, err, tc.ok)
			}
		})
	}
}
