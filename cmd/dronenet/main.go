// Package main provides the CLI entry point for the dronenet simulator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dronenet/internal/config"
	"github.com/postalsys/dronenet/internal/control"
	"github.com/postalsys/dronenet/internal/drone"
	"github.com/postalsys/dronenet/internal/health"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/loadtest"
	"github.com/postalsys/dronenet/internal/logging"
	"github.com/postalsys/dronenet/internal/metrics"
	"github.com/postalsys/dronenet/internal/simulation"
	"github.com/postalsys/dronenet/internal/trace"
	"github.com/postalsys/dronenet/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dronenet",
		Short: "dronenet - Source-routed drone relay network simulator",
		Long: `dronenet simulates a network of relay drones that forward
source-routed packets between clients and servers.

Clients discover the topology by flooding, pick routes, and send
fragmented messages. Drones forward, drop or reject every packet
and can be crashed, relinked or retuned while the network runs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(dronesCmd())
	rootCmd.AddCommand(crashCmd())
	rootCmd.AddCommand(pdrCmd())
	rootCmd.AddCommand(linkCmd(true))
	rootCmd.AddCommand(linkCmd(false))
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a topology interactively",
		Long:  "Run the topology wizard and write a network configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("wizard: %w", err)
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a topology file",
		Long:  "Load and validate a network configuration without running it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d drones, %d clients, %d servers\n",
				configPath, len(cfg.Drones), len(cfg.Clients), len(cfg.Servers))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./dronenet.yaml", "Path to configuration file")

	return cmd
}

func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	if cfg.File == "" {
		return logging.NewLogger(cfg.Level, cfg.Format), nil
	}
	return logging.NewFileLogger(cfg.Level, cfg.Format, logging.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
}

// networkStats adapts a Network to the health server.
type networkStats struct {
	net *simulation.Network
}

func (s networkStats) IsRunning() bool {
	return s.net.IsRunning()
}

func (s networkStats) Stats() health.Stats {
	drones := s.net.Drones()
	stats := health.Stats{
		Drones:  len(drones),
		Clients: len(s.net.Clients()),
		Servers: len(s.net.Servers()),
		Links:   len(s.net.Links()),
	}
	for _, d := range drones {
		if d.State == drone.StateRunning {
			stats.RunningDrones++
		}
	}
	stats.EventsSent, stats.EventsDropped = s.net.EventCounts()
	return stats
}

func runCmd() *cobra.Command {
	var configPath string
	var serve bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated network",
		Long: `Start every drone, client and server in the configuration, flood from
each client, send traffic to every server and print a report.

With --serve the network keeps running after the report until it is
interrupted, so it can be inspected and driven over the control socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, closer := newLogger(cfg.Log)
			if closer != nil {
				defer closer.Close()
			}

			var sink simulation.EventSink
			if cfg.Trace.Enabled {
				rec, err := trace.OpenFile(trace.Format(cfg.Trace.Format), logging.FileOptions{Path: cfg.Trace.File})
				if err != nil {
					return fmt.Errorf("failed to open trace: %w", err)
				}
				defer rec.Close()
				sink = rec
			}

			network, err := simulation.New(cfg, simulation.Options{
				Logger:  logger,
				Metrics: metrics.Default(),
				Seed:    cfg.Simulation.Seed,
				Sink:    sink,
			})
			if err != nil {
				return fmt.Errorf("failed to create network: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := network.Start(ctx); err != nil {
				return fmt.Errorf("failed to start network: %w", err)
			}

			if cfg.Health.Enabled {
				hs := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, networkStats{net: network})
				hs.SetNetworkProvider(network)
				if err := hs.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				defer hs.Stop()
				fmt.Printf("Health server: http://%s/health\n", hs.Address())
			}

			if cfg.Control.Enabled {
				ccfg := control.DefaultServerConfig()
				ccfg.SocketPath = cfg.Control.SocketPath
				cs := control.NewServer(ccfg, network)
				if err := cs.Start(); err != nil {
					return fmt.Errorf("failed to start control socket: %w", err)
				}
				defer cs.Stop()
				fmt.Printf("Control socket: %s\n", cs.SocketPath())
			}

			report, runErr := simulation.NewRunner(network, cfg.Simulation, logger).Run(ctx)
			if report != nil {
				report.Format(os.Stdout)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Run error: %v\n", runErr)
			}

			if serve && ctx.Err() == nil {
				fmt.Println("Network running, press Ctrl+C to stop.")
				<-ctx.Done()
			}

			fmt.Println("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Simulation.Timeout)
			defer cancel()
			if err := network.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}

			fmt.Println("Network stopped.")
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./dronenet.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&serve, "serve", false, "Keep the network running after the report")

	return cmd
}

// withClient runs fn against the control socket named by the --socket flag.
func withClient(socketPath string, fn func(ctx context.Context, c *control.Client) error) error {
	client := control.NewClient(socketPath)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return fn(ctx, client)
}

func socketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", control.DefaultServerConfig().SocketPath, "Path to control socket")
}

func parseIDs(args []string) ([]identity.NodeID, error) {
	ids := make([]identity.NodeID, len(args))
	for i, arg := range args {
		id, err := identity.ParseNodeID(arg)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show network status",
		Long:  "Display the status of a network started with 'run --serve'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				status, err := c.Status(ctx)
				if err != nil {
					return err
				}
				state := "stopped"
				if status.Running {
					state = "running"
				}
				fmt.Printf("Status:  %s\n", state)
				fmt.Printf("Drones:  %d (%d running)\n", status.Drones, status.RunningDrones)
				fmt.Printf("Links:   %d\n", status.Links)
				return nil
			})
		},
	}
	socketFlag(cmd, &socketPath)

	return cmd
}

func dronesCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "drones",
		Short: "List drones",
		Long:  "Display every drone with its state, drop rate and neighbors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Drones(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-5s %-11s %-6s %-8s %s\n", "ID", "STATE", "PDR", "QUEUED", "NEIGHBORS")
				for _, d := range resp.Drones {
					fmt.Printf("%-5s %-11s %-6.2f %-8d %s\n",
						d.ID, d.State, d.PDR, d.Queued, identity.JoinIDs(d.Neighbors))
				}
				return nil
			})
		},
	}
	socketFlag(cmd, &socketPath)

	return cmd
}

func crashCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "crash <drone-id>",
		Short: "Crash a drone",
		Long:  "Detach a drone from its neighbors and make it drain and stop.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.Crash(ctx, ids[0]); err != nil {
					return err
				}
				fmt.Printf("Drone %s crashed\n", ids[0])
				return nil
			})
		},
	}
	socketFlag(cmd, &socketPath)

	return cmd
}

func pdrCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "pdr <drone-id> <rate>",
		Short: "Set a drone's packet drop rate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			rate, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[1], err)
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.SetPDR(ctx, ids[0], rate); err != nil {
					return err
				}
				fmt.Printf("Drone %s drop rate set to %.2f\n", ids[0], rate)
				return nil
			})
		},
	}
	socketFlag(cmd, &socketPath)

	return cmd
}

func linkCmd(add bool) *cobra.Command {
	var socketPath string

	use, short, done := "link <a> <b>", "Connect two nodes", "linked"
	if !add {
		use, short, done = "unlink <a> <b>", "Disconnect two nodes", "unlinked"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				apply := c.Link
				if !add {
					apply = c.Unlink
				}
				if err := apply(ctx, ids[0], ids[1]); err != nil {
					return err
				}
				fmt.Printf("%s and %s %s\n", ids[0], ids[1], done)
				return nil
			})
		},
	}
	socketFlag(cmd, &socketPath)

	return cmd
}

func eventsCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "events <trace-file>",
		Short: "Print a recorded event trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			records, err := trace.ReadAll(f, trace.Format(format))
			if err != nil {
				return err
			}

			sent, dropped := 0, 0
			for _, r := range records {
				switch r.Event {
				case trace.EventPacketSent:
					sent++
					fmt.Printf("%s  %-4s -> %-4s %-15s session=%d\n",
						r.Time.Format(time.TimeOnly), r.Drone, r.To, r.Kind, r.SessionID)
				case trace.EventPacketDropped:
					dropped++
					fmt.Printf("%s  %-4s dropped %-11s session=%d reason=%s\n",
						r.Time.Format(time.TimeOnly), r.Drone, r.Kind, r.SessionID, r.Reason)
				}
			}
			fmt.Printf("\n%s events: %s sent, %s dropped\n",
				humanize.Comma(int64(len(records))), humanize.Comma(int64(sent)), humanize.Comma(int64(dropped)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(trace.FormatJSON), "Trace encoding (json or cbor)")

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		length      int
		concurrency int
		duration    time.Duration
		pdr         float64
		packets     int
		seed        int64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure forwarding throughput",
		Long:  "Time forwarding decisions, then push fragments through a chain of drones.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fm, err := loadtest.NewForwarderLoadTester(packets, pdr).Run()
			if err != nil {
				return err
			}
			fmt.Println("Forwarder:")
			fmt.Printf("  Packets:     %s (%s forwarded, %s rejected)\n",
				humanize.Comma(int64(fm.TotalPackets)), humanize.Comma(int64(fm.Forwarded)), humanize.Comma(int64(fm.Rejected)))
			fmt.Printf("  Per packet:  %.0f ns\n", fm.HandleTimeNs)
			fmt.Printf("  Rate:        %s packets/s\n", humanize.Comma(int64(fm.PacketsPerSecond)))

			gen := loadtest.NewChainLoadGenerator(length, concurrency, duration, pdr, seed)
			cm, err := gen.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Chain of %d drones, %d workers:\n", length, concurrency)
			fmt.Printf("  Packets:     %s (%s delivered, %s nacked)\n",
				humanize.Comma(cm.TotalPackets), humanize.Comma(cm.Delivered), humanize.Comma(cm.Nacked))
			fmt.Printf("  Latency:     avg %.3f ms, min %.3f ms, max %.3f ms\n",
				cm.AvgLatencyMs, cm.MinLatencyMs, cm.MaxLatencyMs)
			fmt.Printf("  Rate:        %s packets/s (%s/s)\n",
				humanize.Comma(int64(cm.PacketsPerSecond)),
				humanize.Bytes(uint64(cm.ThroughputMBps*1024*1024)))
			return nil
		},
	}

	cmd.Flags().IntVar(&length, "chain", 5, "Number of drones in the chain")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Fragments in flight")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "Chain test duration")
	cmd.Flags().Float64Var(&pdr, "pdr", 0, "Packet drop rate of every drone")
	cmd.Flags().IntVar(&packets, "packets", 100000, "Forwarding decisions to time")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Drop decision seed")

	return cmd
}
