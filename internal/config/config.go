// Package config provides topology configuration parsing and validation for dronenet.
package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/dronenet/internal/identity"
)

// Config represents a complete network: the nodes, their links and the
// settings of the process that simulates them.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Health     HealthConfig     `yaml:"health"`
	Control    ControlConfig    `yaml:"control"`
	Trace      TraceConfig      `yaml:"trace"`
	Simulation SimulationConfig `yaml:"simulation"`

	Drones  []DroneConfig    `yaml:"drone"`
	Clients []EndpointConfig `yaml:"client"`
	Servers []EndpointConfig `yaml:"server"`
}

// LogConfig contains logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig defines the HTTP health and metrics server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// TraceConfig controls recording of controller events.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
	Format  string `yaml:"format"`
}

// SimulationConfig drives the traffic generator.
type SimulationConfig struct {
	Seed          int64         `yaml:"seed"`
	Fragments     int           `yaml:"fragments"`
	Rate          float64       `yaml:"rate"`
	Burst         int           `yaml:"burst"`
	DiscoveryWait time.Duration `yaml:"discovery_wait"`
	Timeout       time.Duration `yaml:"timeout"`
	Chaos         ChaosConfig   `yaml:"chaos"`
}

// ChaosConfig enables random drone crashes during a run.
type ChaosConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Probability float64       `yaml:"probability"`
	MaxCrashes  int           `yaml:"max_crashes"`
}

// DroneConfig describes one drone and its initial links.
type DroneConfig struct {
	ID               identity.NodeID   `yaml:"id"`
	PDR              float64           `yaml:"pdr"`
	ConnectedNodeIDs []identity.NodeID `yaml:"connected_node_ids"`
}

// EndpointConfig describes a client or server. Endpoints connect only to drones.
type EndpointConfig struct {
	ID                identity.NodeID   `yaml:"id"`
	ConnectedDroneIDs []identity.NodeID `yaml:"connected_drone_ids"`
}

// Default returns a Config with default values and no nodes.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			MaxSizeMB: 100,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./dronenet.sock",
		},
		Trace: TraceConfig{
			Enabled: false,
			File:    "./events.jsonl",
			Format:  "json",
		},
		Simulation: SimulationConfig{
			Fragments:     10,
			Rate:          100,
			Burst:         10,
			DiscoveryWait: 500 * time.Millisecond,
			Timeout:       10 * time.Second,
			Chaos: ChaosConfig{
				Interval:    time.Second,
				Probability: 0.1,
			},
		},
		Drones:  []DroneConfig{},
		Clients: []EndpointConfig{},
		Servers: []EndpointConfig{},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors and reports all of them at once.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}
	if c.Trace.Enabled {
		if c.Trace.File == "" {
			errs = append(errs, "trace.file is required when enabled")
		}
		if !isValidTraceFormat(c.Trace.Format) {
			errs = append(errs, fmt.Sprintf("invalid trace.format: %s (must be json or cbor)", c.Trace.Format))
		}
	}

	errs = append(errs, c.Simulation.validate()...)
	errs = append(errs, c.validateTopology()...)

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (s SimulationConfig) validate() []string {
	var errs []string
	if s.Fragments < 0 {
		errs = append(errs, "simulation.fragments must not be negative")
	}
	if s.Rate <= 0 {
		errs = append(errs, "simulation.rate must be positive")
	}
	if s.Burst < 1 {
		errs = append(errs, "simulation.burst must be at least 1")
	}
	if s.DiscoveryWait < 0 {
		errs = append(errs, "simulation.discovery_wait must not be negative")
	}
	if s.Timeout <= 0 {
		errs = append(errs, "simulation.timeout must be positive")
	}
	if s.Chaos.Enabled {
		if s.Chaos.Interval <= 0 {
			errs = append(errs, "simulation.chaos.interval must be positive when enabled")
		}
		if s.Chaos.Probability < 0 || s.Chaos.Probability > 1 {
			errs = append(errs, "simulation.chaos.probability must be within [0, 1]")
		}
		if s.Chaos.MaxCrashes < 0 {
			errs = append(errs, "simulation.chaos.max_crashes must not be negative")
		}
	}
	return errs
}

// validateTopology checks node identities and links: ids are unique, every
// link names an existing node, links are symmetric, nobody links to itself,
// and endpoints only connect to drones.
func (c *Config) validateTopology() []string {
	var errs []string

	types := make(map[identity.NodeID]identity.NodeType)
	register := func(section string, i int, id identity.NodeID, t identity.NodeType) {
		if prev, ok := types[id]; ok {
			errs = append(errs, fmt.Sprintf("%s[%d]: duplicate node id %s (already used by a %s)", section, i, id, prev))
			return
		}
		types[id] = t
	}
	for i, d := range c.Drones {
		register("drone", i, d.ID, identity.Drone)
	}
	for i, e := range c.Clients {
		register("client", i, e.ID, identity.Client)
	}
	for i, e := range c.Servers {
		register("server", i, e.ID, identity.Server)
	}

	links := c.Links()

	checkLinks := func(section string, i int, id identity.NodeID, peers []identity.NodeID, dronesOnly bool) {
		seen := make(map[identity.NodeID]bool, len(peers))
		for _, peer := range peers {
			if seen[peer] {
				errs = append(errs, fmt.Sprintf("%s[%d]: node %s lists %s twice", section, i, id, peer))
				continue
			}
			seen[peer] = true

			if peer == id {
				errs = append(errs, fmt.Sprintf("%s[%d]: node %s is connected to itself", section, i, id))
				continue
			}
			t, ok := types[peer]
			if !ok {
				errs = append(errs, fmt.Sprintf("%s[%d]: node %s is connected to unknown node %s", section, i, id, peer))
				continue
			}
			if dronesOnly && t != identity.Drone {
				errs = append(errs, fmt.Sprintf("%s[%d]: %s %s may only connect to drones, not %s %s", section, i, section, id, t, peer))
			}
			if !slices.Contains(links[peer], id) {
				errs = append(errs, fmt.Sprintf("%s[%d]: link %s-%s is not declared by %s", section, i, id, peer, peer))
			}
		}
	}
	for i, d := range c.Drones {
		if d.PDR < 0 || d.PDR > 1 {
			errs = append(errs, fmt.Sprintf("drone[%d]: pdr %v of drone %s must be within [0, 1]", i, d.PDR, d.ID))
		}
		checkLinks("drone", i, d.ID, d.ConnectedNodeIDs, false)
	}
	for i, e := range c.Clients {
		if len(e.ConnectedDroneIDs) == 0 {
			errs = append(errs, fmt.Sprintf("client[%d]: client %s must connect to at least one drone", i, e.ID))
		}
		checkLinks("client", i, e.ID, e.ConnectedDroneIDs, true)
	}
	for i, e := range c.Servers {
		if len(e.ConnectedDroneIDs) == 0 {
			errs = append(errs, fmt.Sprintf("server[%d]: server %s must connect to at least one drone", i, e.ID))
		}
		checkLinks("server", i, e.ID, e.ConnectedDroneIDs, true)
	}

	return errs
}

// Links returns the declared neighbors of every node.
func (c *Config) Links() map[identity.NodeID][]identity.NodeID {
	links := make(map[identity.NodeID][]identity.NodeID, len(c.Drones)+len(c.Clients)+len(c.Servers))
	for _, d := range c.Drones {
		links[d.ID] = d.ConnectedNodeIDs
	}
	for _, e := range c.Clients {
		links[e.ID] = e.ConnectedDroneIDs
	}
	for _, e := range c.Servers {
		links[e.ID] = e.ConnectedDroneIDs
	}
	return links
}

// NodeType reports the role of id, if it is declared.
func (c *Config) NodeType(id identity.NodeID) (identity.NodeType, bool) {
	for _, d := range c.Drones {
		if d.ID == id {
			return identity.Drone, true
		}
	}
	for _, e := range c.Clients {
		if e.ID == id {
			return identity.Client, true
		}
	}
	for _, e := range c.Servers {
		if e.ID == id {
			return identity.Server, true
		}
	}
	return 0, false
}

// NodeCount returns the total number of declared nodes.
func (c *Config) NodeCount() int {
	return len(c.Drones) + len(c.Clients) + len(c.Servers)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

func isValidTraceFormat(format string) bool {
	switch format {
	case "json", "cbor":
		return true
	}
	return false
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
