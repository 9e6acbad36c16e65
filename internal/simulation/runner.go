package simulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/postalsys/dronenet/internal/chaos"
	"github.com/postalsys/dronenet/internal/config"
	"github.com/postalsys/dronenet/internal/logging"
	"github.com/postalsys/dronenet/internal/protocol"
)

// pollInterval is how often the runner checks for outstanding fragments.
const pollInterval = 10 * time.Millisecond

// Report summarizes one traffic run.
type Report struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Drones  int `json:"drones"`
	Clients int `json:"clients"`
	Servers int `json:"servers"`

	Routes     int `json:"routes"`
	Unroutable int `json:"unroutable"`

	FragmentsSent      int            `json:"fragments_sent"`
	FragmentsDelivered int            `json:"fragments_delivered"`
	Acks               int            `json:"acks"`
	Nacks              map[string]int `json:"nacks"`
	Lost               int            `json:"lost"`
	BytesSent          uint64         `json:"bytes_sent"`

	Crashes       int   `json:"crashes"`
	EventsSent    int64 `json:"events_sent"`
	EventsDropped int64 `json:"events_dropped"`
}

// Duration returns how long the run took.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// DeliveryRatio returns acknowledged fragments over sent fragments.
func (r *Report) DeliveryRatio() float64 {
	if r.FragmentsSent == 0 {
		return 0
	}
	return float64(r.Acks) / float64(r.FragmentsSent)
}

// Format writes a human readable summary.
func (r *Report) Format(w io.Writer) {
	fmt.Fprintf(w, "Run finished %s (%s)\n",
		humanize.RelTime(r.Started, r.Finished, "after start", "before start"),
		r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Nodes:       %d drones, %d clients, %d servers\n", r.Drones, r.Clients, r.Servers)
	fmt.Fprintf(w, "  Routes:      %d found, %d unroutable\n", r.Routes, r.Unroutable)
	fmt.Fprintf(w, "  Fragments:   %s sent (%s), %s delivered\n",
		humanize.Comma(int64(r.FragmentsSent)), humanize.Bytes(r.BytesSent), humanize.Comma(int64(r.FragmentsDelivered)))
	fmt.Fprintf(w, "  Acks:        %s (%.1f%%)\n", humanize.Comma(int64(r.Acks)), r.DeliveryRatio()*100)
	for _, kind := range slices.Sorted(maps.Keys(r.Nacks)) {
		fmt.Fprintf(w, "  Nack %-20s %s\n", kind+":", humanize.Comma(int64(r.Nacks[kind])))
	}
	if r.Lost > 0 {
		fmt.Fprintf(w, "  Unanswered:  %s\n", humanize.Comma(int64(r.Lost)))
	}
	fmt.Fprintf(w, "  Crashes:     %d\n", r.Crashes)
	fmt.Fprintf(w, "  Events:      %s sent, %s dropped\n",
		humanize.Comma(r.EventsSent), humanize.Comma(r.EventsDropped))
}

// Runner drives discovery and traffic through a started network.
type Runner struct {
	net     *Network
	cfg     config.SimulationConfig
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewRunner creates a runner. The network must already be started.
func NewRunner(net *Network, cfg config.SimulationConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	burst := max(cfg.Burst, 1)
	return &Runner{
		net:     net,
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "runner"),
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), burst),
	}
}

// Run floods from every client, sends the configured number of fragments
// from every client to every server, and waits for each fragment to be
// answered or for the timeout.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	clients := r.net.Clients()
	servers := r.net.Servers()

	report := &Report{
		Started: time.Now(),
		Drones:  len(r.net.Drones()),
		Clients: len(clients),
		Servers: len(servers),
		Nacks:   make(map[string]int),
	}

	var monkey *chaos.Monkey
	if r.cfg.Chaos.Enabled {
		monkey = chaos.NewMonkey(chaos.MonkeyConfig{
			Interval:    r.cfg.Chaos.Interval,
			Probability: r.cfg.Chaos.Probability,
			MaxCrashes:  r.cfg.Chaos.MaxCrashes,
			Seed:        r.cfg.Seed,
		})
		for _, t := range r.net.CrashTargets() {
			monkey.AddTarget(t)
		}
		monkey.Start(ctx)
	}

	err := r.drive(ctx, clients, servers, report)

	if monkey != nil {
		monkey.Stop()
		report.Crashes = monkey.Crashes()
	}

	r.collect(clients, servers, report)
	report.Finished = time.Now()

	r.logger.Info("run finished",
		logging.KeyDuration, report.Duration(),
		"sent", report.FragmentsSent,
		"acks", report.Acks,
		"lost", report.Lost)
	return report, err
}

func (r *Runner) drive(ctx context.Context, clients, servers []*Endpoint, report *Report) error {
	for i, c := range clients {
		if err := c.Discover(uint64(i + 1)); err != nil {
			return err
		}
	}
	if err := sleep(ctx, r.cfg.DiscoveryWait); err != nil {
		return err
	}

	payload := make([]byte, protocol.FragmentDataSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var session uint64
	for _, c := range clients {
		for _, s := range servers {
			if _, err := c.Route(s.ID()); err != nil {
				report.Unroutable++
				r.logger.Warn("no route", logging.KeyNodeID, c.ID(), "server", s.ID())
				continue
			}
			report.Routes++

			for range r.cfg.Fragments {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
				session++
				n, err := c.SendMessage(s.ID(), session, payload)
				if err != nil {
					r.logger.Warn("send failed",
						logging.KeyNodeID, c.ID(),
						logging.KeySessionID, session,
						logging.KeyError, err)
					continue
				}
				report.BytesSent += uint64(n * len(payload))
			}
		}
	}

	return r.await(ctx, clients)
}

// await polls until no fragment is outstanding or the timeout passes.
func (r *Runner) await(ctx context.Context, clients []*Endpoint) error {
	timeout := time.NewTimer(r.cfg.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		outstanding := 0
		for _, c := range clients {
			outstanding += c.Outstanding()
		}
		if outstanding == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			r.logger.Warn("timed out waiting for answers", logging.KeyCount, outstanding)
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) collect(clients, servers []*Endpoint, report *Report) {
	for _, c := range clients {
		st := c.Stats()
		report.FragmentsSent += st.FragmentsSent
		report.Acks += st.Acks
		for kind, n := range st.Nacks {
			report.Nacks[kind] += n
		}
		report.Lost += c.Outstanding()
	}
	for _, s := range servers {
		report.FragmentsDelivered += s.Stats().FragmentsDelivered
	}
	report.EventsSent, report.EventsDropped = r.net.EventCounts()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce starts a network from cfg, runs traffic through it and shuts it down.
func RunOnce(ctx context.Context, cfg *config.Config, opts Options) (*Report, error) {
	net, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := net.Start(ctx); err != nil {
		return nil, err
	}

	report, runErr := NewRunner(net, cfg.Simulation, opts.Logger).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Simulation.Timeout)
	defer cancel()
	if err := net.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if report != nil {
		report.EventsSent, report.EventsDropped = net.EventCounts()
	}
	return report, runErr
}
