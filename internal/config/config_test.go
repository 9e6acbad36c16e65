package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/dronenet/internal/identity"
)

const chainYAML = `
log:
  level: debug
  format: json

drone:
  - id: 11
    pdr: 0.1
    connected_node_ids: [1, 12]
  - id: 12
    pdr: 0
    connected_node_ids: [11, 21]

client:
  - id: 1
    connected_drone_ids: [11]

server:
  - id: 21
    connected_drone_ids: [12]
`

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Trace.Format != "json" {
		t.Errorf("Trace.Format = %s, want json", cfg.Trace.Format)
	}
	if cfg.Simulation.Timeout != 10*time.Second {
		t.Errorf("Simulation.Timeout = %v, want 10s", cfg.Simulation.Timeout)
	}
	if cfg.Health.Address != ":8080" {
		t.Errorf("Health.Address = %s, want :8080", cfg.Health.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_Chain(t *testing.T) {
	cfg, err := Parse([]byte(chainYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want debug/json", cfg.Log)
	}
	if len(cfg.Drones) != 2 || len(cfg.Clients) != 1 || len(cfg.Servers) != 1 {
		t.Fatalf("nodes = %d/%d/%d, want 2/1/1", len(cfg.Drones), len(cfg.Clients), len(cfg.Servers))
	}
	if cfg.Drones[0].PDR != 0.1 {
		t.Errorf("Drones[0].PDR = %v, want 0.1", cfg.Drones[0].PDR)
	}
	want := []identity.NodeID{1, 12}
	if !reflect.DeepEqual(cfg.Drones[0].ConnectedNodeIDs, want) {
		t.Errorf("Drones[0].ConnectedNodeIDs = %v, want %v", cfg.Drones[0].ConnectedNodeIDs, want)
	}
	if cfg.NodeCount() != 4 {
		t.Errorf("NodeCount() = %d, want 4", cfg.NodeCount())
	}

	// Defaults survive sections that are not mentioned.
	if cfg.Simulation.Fragments != 10 {
		t.Errorf("Simulation.Fragments = %d, want default 10", cfg.Simulation.Fragments)
	}
}

func TestConfig_NodeType(t *testing.T) {
	cfg, err := Parse([]byte(chainYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		id     identity.NodeID
		want   identity.NodeType
		wantOK bool
	}{
		{1, identity.Client, true},
		{11, identity.Drone, true},
		{21, identity.Server, true},
		{99, 0, false},
	}
	for _, tt := range tests {
		got, ok := cfg.NodeType(tt.id)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("NodeType(%d) = %v, %v; want %v, %v", tt.id, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("drone: [unclosed"))
	if err == nil {
		t.Error("Parse() should fail on invalid YAML")
	}
}

func TestParse_InvalidNodeID(t *testing.T) {
	_, err := Parse([]byte("drone:\n  - id: 300\n"))
	if err == nil {
		t.Error("Parse() should fail for an id above 255")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name:      "invalid log level",
			yaml:      "log:\n  level: loud\n",
			wantError: "invalid log.level",
		},
		{
			name:      "invalid log format",
			yaml:      "log:\n  format: xml\n",
			wantError: "invalid log.format",
		},
		{
			name:      "invalid trace format",
			yaml:      "trace:\n  enabled: true\n  format: csv\n",
			wantError: "invalid trace.format",
		},
		{
			name:      "health without address",
			yaml:      "health:\n  enabled: true\n  address: \"\"\n",
			wantError: "health.address is required",
		},
		{
			name:      "non-positive rate",
			yaml:      "simulation:\n  rate: 0\n",
			wantError: "simulation.rate must be positive",
		},
		{
			name:      "chaos probability",
			yaml:      "simulation:\n  chaos:\n    enabled: true\n    probability: 2\n",
			wantError: "simulation.chaos.probability",
		},
		{
			name: "pdr out of range",
			yaml: `
drone:
  - id: 1
    pdr: 1.5
`,
			wantError: "must be within [0, 1]",
		},
		{
			name: "duplicate id",
			yaml: `
drone:
  - id: 1
client:
  - id: 1
    connected_drone_ids: [1]
`,
			wantError: "duplicate node id 1",
		},
		{
			name: "unknown neighbor",
			yaml: `
drone:
  - id: 1
    connected_node_ids: [2]
`,
			wantError: "unknown node 2",
		},
		{
			name: "self link",
			yaml: `
drone:
  - id: 1
    connected_node_ids: [1]
`,
			wantError: "connected to itself",
		},
		{
			name: "asymmetric link",
			yaml: `
drone:
  - id: 1
    connected_node_ids: [2]
  - id: 2
`,
			wantError: "link 1-2 is not declared by 2",
		},
		{
			name: "client to client",
			yaml: `
client:
  - id: 1
    connected_drone_ids: [2]
  - id: 2
    connected_drone_ids: [1]
`,
			wantError: "may only connect to drones",
		},
		{
			name: "isolated server",
			yaml: `
server:
  - id: 5
`,
			wantError: "must connect to at least one drone",
		},
		{
			name: "duplicate link",
			yaml: `
drone:
  - id: 1
    connected_node_ids: [2, 2]
  - id: 2
    connected_node_ids: [1]
`,
			wantError: "lists 2 twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Drones = []DroneConfig{{ID: 1, PDR: -1, ConnectedNodeIDs: []identity.NodeID{9}}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	msg := err.Error()
	for _, want := range []string{"invalid log.level", "pdr -1", "unknown node 9"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
	if !strings.HasPrefix(msg, "validation errors:") {
		t.Errorf("error %q lacks the validation errors header", msg)
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_DRONE_PDR", "0.75")
	t.Setenv("TEST_LOG_LEVEL", "warn")

	yamlConfig := `
log:
  level: "$TEST_LOG_LEVEL"
drone:
  - id: 4
    pdr: ${TEST_DRONE_PDR}
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Drones[0].PDR != 0.75 {
		t.Errorf("Drones[0].PDR = %v, want 0.75", cfg.Drones[0].PDR)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	cfg, err := Parse([]byte("simulation:\n  seed: ${NONEXISTENT_VAR:-42}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Simulation.Seed != 42 {
		t.Errorf("Simulation.Seed = %d, want 42", cfg.Simulation.Seed)
	}
}

func TestExpandEnvVars_NotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	if got := expandEnvVars("file: ${NONEXISTENT_VAR}"); got != "file: ${NONEXISTENT_VAR}" {
		t.Errorf("expandEnvVars() = %q, want reference kept", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/topology.yaml"); err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(path, []byte(chainYAML), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Drones) != 2 {
		t.Errorf("len(Drones) = %d, want 2", len(cfg.Drones))
	}
}

func TestDurationParsing(t *testing.T) {
	cfg, err := Parse([]byte("simulation:\n  discovery_wait: 250ms\n  timeout: 1m\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Simulation.DiscoveryWait != 250*time.Millisecond {
		t.Errorf("DiscoveryWait = %v, want 250ms", cfg.Simulation.DiscoveryWait)
	}
	if cfg.Simulation.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want 1m", cfg.Simulation.Timeout)
	}
}

func TestConfig_StringRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(chainYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	again, err := Parse([]byte(cfg.String()))
	if err != nil {
		t.Fatalf("Parse(String()) error = %v", err)
	}
	if !reflect.DeepEqual(cfg.Links(), again.Links()) {
		t.Errorf("links changed: %v -> %v", cfg.Links(), again.Links())
	}
}
