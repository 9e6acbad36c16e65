// Package wizard provides an interactive topology wizard for dronenet.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/dronenet/internal/config"
	"github.com/postalsys/dronenet/internal/identity"
)

// ErrNotInteractive is returned when stdin is not a terminal.
var ErrNotInteractive = errors.New("wizard needs an interactive terminal")

// Shape names a generated topology layout.
type Shape string

const (
	// ShapeChain links drones in a line. Clients attach to the first drone
	// and servers to the last.
	ShapeChain Shape = "chain"
	// ShapeRing closes the chain into a loop, giving every pair two routes.
	ShapeRing Shape = "ring"
	// ShapeMesh links every drone to every other drone.
	ShapeMesh Shape = "mesh"
)

// ID ranges assigned by the generator.
const (
	clientBase = 1
	droneBase  = 50
	serverBase = 200

	MaxClients = droneBase - clientBase
	MaxDrones  = serverBase - droneBase
	MaxServers = 255 - serverBase + 1
)

// Topology describes the network the wizard generates.
type Topology struct {
	Shape   Shape
	Drones  int
	Clients int
	Servers int
	PDR     float64
}

// Validate checks the node counts and drop rate.
func (t Topology) Validate() error {
	switch t.Shape {
	case ShapeChain, ShapeRing, ShapeMesh:
	default:
		return fmt.Errorf("unknown shape %q", t.Shape)
	}
	if t.Drones < 1 || t.Drones > MaxDrones {
		return fmt.Errorf("drone count must be between 1 and %d", MaxDrones)
	}
	if t.Clients < 1 || t.Clients > MaxClients {
		return fmt.Errorf("client count must be between 1 and %d", MaxClients)
	}
	if t.Servers < 1 || t.Servers > MaxServers {
		return fmt.Errorf("server count must be between 1 and %d", MaxServers)
	}
	if t.PDR < 0 || t.PDR > 1 {
		return fmt.Errorf("pdr must be within [0, 1]")
	}
	return nil
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme       *huh.Theme
	interactive func() bool
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// answers collects everything the forms ask for.
type answers struct {
	configPath     string
	topology       Topology
	fragments      int
	seed           int64
	chaos          bool
	logLevel       string
	healthEnabled  bool
	controlEnabled bool
	traceEnabled   bool
}

func defaultAnswers() answers {
	return answers{
		configPath: "./dronenet.yaml",
		topology: Topology{
			Shape:   ShapeChain,
			Drones:  3,
			Clients: 1,
			Servers: 1,
		},
		fragments:      10,
		logLevel:       "info",
		healthEnabled:  true,
		controlEnabled: true,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !w.interactive() {
		return nil, ErrNotInteractive
	}

	w.printBanner()

	a := defaultAnswers()

	// Step 1: Output path
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Topology
	if err := w.askTopology(&a); err != nil {
		return nil, err
	}

	// Step 3: Traffic
	if err := w.askSimulation(&a); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a.configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
      _                                  _
   __| |_ __ ___  _ __   ___ _ __   ___| |_
  / _' | '__/ _ \| '_ \ / _ \ '_ \ / _ \ __|
 | (_| | | | (_) | | | |  __/ | | |  __/ |_
  \__,_|_|  \___/|_| |_|\___|_| |_|\___|\__|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Source-routed drone relay network - Topology Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the generated topology is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./dronenet.yaml").
				Value(&a.configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askTopology(a *answers) error {
	drones := strconv.Itoa(a.topology.Drones)
	clients := strconv.Itoa(a.topology.Clients)
	servers := strconv.Itoa(a.topology.Servers)
	pdr := "0"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Topology").
				Description("Drones relay packets. Clients send to servers\nover routes found by flooding."),

			huh.NewSelect[Shape]().
				Title("Layout").
				Options(
					huh.NewOption("Chain (one route, every drone on it)", ShapeChain),
					huh.NewOption("Ring (two routes around the loop)", ShapeRing),
					huh.NewOption("Mesh (every drone linked to every other)", ShapeMesh),
				).
				Value(&a.topology.Shape),

			huh.NewInput().
				Title("Drones").
				Value(&drones).
				Validate(countValidator(MaxDrones)),

			huh.NewInput().
				Title("Clients").
				Value(&clients).
				Validate(countValidator(MaxClients)),

			huh.NewInput().
				Title("Servers").
				Value(&servers).
				Validate(countValidator(MaxServers)),

			huh.NewInput().
				Title("Packet Drop Rate").
				Description("Probability in [0, 1] that a drone drops a fragment").
				Value(&pdr).
				Validate(validatePDR),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.topology.Drones, _ = strconv.Atoi(strings.TrimSpace(drones))
	a.topology.Clients, _ = strconv.Atoi(strings.TrimSpace(clients))
	a.topology.Servers, _ = strconv.Atoi(strings.TrimSpace(servers))
	a.topology.PDR, _ = strconv.ParseFloat(strings.TrimSpace(pdr), 64)
	return nil
}

func (w *Wizard) askSimulation(a *answers) error {
	fragments := strconv.Itoa(a.fragments)
	seed := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Traffic").
				Description("Every client sends to every server."),

			huh.NewInput().
				Title("Fragments per client/server pair").
				Value(&fragments).
				Validate(countValidator(1_000_000)),

			huh.NewInput().
				Title("Random Seed").
				Description("Leave empty for a different run every time").
				Value(&seed).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err != nil {
						return fmt.Errorf("seed must be an integer")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Crash random drones during the run?").
				Value(&a.chaos),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.fragments, _ = strconv.Atoi(strings.TrimSpace(fragments))
	if s := strings.TrimSpace(seed); s != "" {
		a.seed, _ = strconv.ParseInt(s, 10, 64)
	}
	return nil
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics, /drones)").
				Value(&a.healthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, crash, pdr, link)").
				Value(&a.controlEnabled),

			huh.NewConfirm().
				Title("Record controller events?").
				Description("Append every packet sent or dropped to a trace file").
				Value(&a.traceEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func countValidator(limit int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("must be a number")
		}
		if n < 1 || n > limit {
			return fmt.Errorf("must be between 1 and %d", limit)
		}
		return nil
	}
}

func validatePDR(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("must be within [0, 1]")
	}
	return nil
}

// Build generates the drones, clients and servers of t with symmetric links.
func Build(t Topology) (drones []config.DroneConfig, clients, servers []config.EndpointConfig, err error) {
	if err := t.Validate(); err != nil {
		return nil, nil, nil, err
	}

	links := make(map[identity.NodeID][]identity.NodeID)
	link := func(a, b identity.NodeID) {
		links[a] = append(links[a], b)
		links[b] = append(links[b], a)
	}

	droneIDs := make([]identity.NodeID, t.Drones)
	for i := range droneIDs {
		droneIDs[i] = identity.NodeID(droneBase + i)
	}

	switch t.Shape {
	case ShapeChain, ShapeRing:
		for i := 1; i < len(droneIDs); i++ {
			link(droneIDs[i-1], droneIDs[i])
		}
		if t.Shape == ShapeRing && len(droneIDs) >= 3 {
			link(droneIDs[len(droneIDs)-1], droneIDs[0])
		}
	case ShapeMesh:
		for i := range droneIDs {
			for j := i + 1; j < len(droneIDs); j++ {
				link(droneIDs[i], droneIDs[j])
			}
		}
	}

	entry := droneIDs[0]
	exit := droneIDs[len(droneIDs)-1]
	if t.Shape == ShapeRing {
		exit = droneIDs[len(droneIDs)/2]
	}

	for i := range t.Clients {
		id := identity.NodeID(clientBase + i)
		link(id, entry)
		clients = append(clients, config.EndpointConfig{ID: id, ConnectedDroneIDs: []identity.NodeID{entry}})
	}
	for i := range t.Servers {
		id := identity.NodeID(serverBase + i)
		link(id, exit)
		servers = append(servers, config.EndpointConfig{ID: id, ConnectedDroneIDs: []identity.NodeID{exit}})
	}
	for _, id := range droneIDs {
		drones = append(drones, config.DroneConfig{ID: id, PDR: t.PDR, ConnectedNodeIDs: links[id]})
	}

	return drones, clients, servers, nil
}

func buildConfig(a answers) (*config.Config, error) {
	cfg := config.Default()

	drones, clients, servers, err := Build(a.topology)
	if err != nil {
		return nil, err
	}
	cfg.Drones = drones
	cfg.Clients = clients
	cfg.Servers = servers

	cfg.Log.Level = a.logLevel
	cfg.Log.Format = "text"

	cfg.Simulation.Fragments = a.fragments
	cfg.Simulation.Seed = a.seed
	cfg.Simulation.Chaos.Enabled = a.chaos
	if a.chaos {
		cfg.Simulation.Chaos.MaxCrashes = max(a.topology.Drones/3, 1)
	}

	cfg.Health.Enabled = a.healthEnabled
	cfg.Control.Enabled = a.controlEnabled
	if a.controlEnabled {
		cfg.Control.SocketPath = filepath.Join(filepath.Dir(a.configPath), "dronenet.sock")
	}
	cfg.Trace.Enabled = a.traceEnabled

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# dronenet topology
# Generated by topology wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Topology Generated!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Nodes:        %d drones, %d clients, %d servers\n",
		len(cfg.Drones), len(cfg.Clients), len(cfg.Servers))
	fmt.Printf("  Traffic:      %d fragments per pair\n", cfg.Simulation.Fragments)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the network:")
	fmt.Printf("    dronenet run -c %s\n", configPath)
	fmt.Println()
}
