// Package simulation wires drones, clients and servers into an in-process
// network described by a topology config, and drives traffic through it.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/dronenet/internal/chaos"
	"github.com/postalsys/dronenet/internal/config"
	"github.com/postalsys/dronenet/internal/drone"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/logging"
	"github.com/postalsys/dronenet/internal/metrics"
	"github.com/postalsys/dronenet/internal/protocol"
	"github.com/postalsys/dronenet/internal/recovery"
	"github.com/postalsys/dronenet/internal/routing"
	"github.com/postalsys/dronenet/internal/transport"
)

var (
	// ErrUnknownNode is returned for an ID that is not part of the network.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNotDrone is returned when a drone command targets a client or server.
	ErrNotDrone = errors.New("node is not a drone")

	// ErrCrashed is returned when a command targets a crashed drone.
	ErrCrashed = errors.New("drone has crashed")

	// ErrInvalidLink is returned for links the network cannot have.
	ErrInvalidLink = errors.New("invalid link")

	// ErrAlreadyStarted is returned by Start on a running network.
	ErrAlreadyStarted = errors.New("network already started")
)

// commandBuffer is the capacity of each drone's command channel.
const commandBuffer = 64

// EventSink receives every controller event emitted by the drones.
type EventSink interface {
	Record(e drone.Event) error
}

// Options configures a Network.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Seed makes drop decisions reproducible. Zero seeds from the clock.
	Seed int64

	// Sink receives controller events. Optional.
	Sink EventSink
}

type droneNode struct {
	drone    *drone.Drone
	commands chan drone.Command
	crashed  bool
}

// EndpointStatus describes a client or server.
type EndpointStatus struct {
	ID        identity.NodeID   `json:"id"`
	Role      identity.NodeType `json:"role"`
	Neighbors []identity.NodeID `json:"neighbors"`
	Stats     EndpointStats     `json:"stats"`
}

// Link is an undirected edge between two nodes.
type Link struct {
	A identity.NodeID `json:"a"`
	B identity.NodeID `json:"b"`
}

// Network is the simulation controller. It owns every node's inbox and
// every drone's command channel.
type Network struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    EventSink

	inboxes map[identity.NodeID]*transport.Mailbox[protocol.Packet]
	events  *transport.Mailbox[drone.Event]

	mu        sync.RWMutex
	drones    map[identity.NodeID]*droneNode
	endpoints map[identity.NodeID]*Endpoint
	links     map[identity.NodeID]map[identity.NodeID]struct{}
	started   bool
	stopped   bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	eventsWG sync.WaitGroup

	eventsSent    atomic.Int64
	eventsDropped atomic.Int64
}

// New builds a network from a validated config. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	n := &Network{
		logger:    logger.With(logging.KeyComponent, "controller"),
		metrics:   m,
		sink:      opts.Sink,
		inboxes:   make(map[identity.NodeID]*transport.Mailbox[protocol.Packet], cfg.NodeCount()),
		events:    transport.NewMailbox[drone.Event](),
		drones:    make(map[identity.NodeID]*droneNode, len(cfg.Drones)),
		endpoints: make(map[identity.NodeID]*Endpoint, len(cfg.Clients)+len(cfg.Servers)),
		links:     make(map[identity.NodeID]map[identity.NodeID]struct{}, cfg.NodeCount()),
	}

	for _, c := range cfg.Clients {
		ep := NewClient(c.ID, logger, m)
		n.endpoints[c.ID] = ep
		n.inboxes[c.ID] = ep.Inbox()
	}
	for _, s := range cfg.Servers {
		ep := NewServer(s.ID, logger, m)
		n.endpoints[s.ID] = ep
		n.inboxes[s.ID] = ep.Inbox()
	}
	for _, d := range cfg.Drones {
		n.inboxes[d.ID] = transport.NewMailbox[protocol.Packet]()
	}

	for id, peers := range cfg.Links() {
		for _, peer := range peers {
			n.addLink(id, peer)
		}
	}

	for _, dc := range cfg.Drones {
		neighbors := make(map[identity.NodeID]routing.Sender, len(dc.ConnectedNodeIDs))
		for _, peer := range dc.ConnectedNodeIDs {
			neighbors[peer] = n.inboxes[peer]
		}

		var dropper routing.Dropper
		if opts.Seed != 0 {
			dropper = chaos.NewDropper(opts.Seed + int64(dc.ID))
		}

		commands := make(chan drone.Command, commandBuffer)
		d, err := drone.New(drone.Config{
			ID:        dc.ID,
			PDR:       dc.PDR,
			Neighbors: neighbors,
			Commands:  commands,
			Inbox:     n.inboxes[dc.ID],
			Events:    n.events,
			Dropper:   dropper,
			Logger:    logger,
			Metrics:   m,
		})
		if err != nil {
			return nil, fmt.Errorf("create drone %s: %w", dc.ID, err)
		}
		n.drones[dc.ID] = &droneNode{drone: d, commands: commands}
	}

	for _, ep := range n.endpoints {
		for peer := range n.links[ep.ID()] {
			ep.AddNeighbor(peer, n.inboxes[peer])
		}
	}

	return n, nil
}

func (n *Network) addLink(a, b identity.NodeID) {
	if n.links[a] == nil {
		n.links[a] = make(map[identity.NodeID]struct{})
	}
	if n.links[b] == nil {
		n.links[b] = make(map[identity.NodeID]struct{})
	}
	n.links[a][b] = struct{}{}
	n.links[b][a] = struct{}{}
}

func (n *Network) removeLink(a, b identity.NodeID) {
	delete(n.links[a], b)
	delete(n.links[b], a)
}

// Start launches one goroutine per drone and endpoint.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}
	n.started = true

	ctx, n.cancel = context.WithCancel(ctx)

	n.eventsWG.Add(1)
	go n.pumpEvents()

	for _, id := range sortedKeys(n.drones) {
		node := n.drones[id]
		name := "drone-" + id.String()
		n.metrics.RecordDroneStart()
		recovery.Go(&n.wg, n.logger, name, func() {
			defer n.metrics.RecordDroneStop()
			if err := node.drone.Run(); err != nil {
				n.logger.Error("drone stopped with error", logging.KeyDroneID, id, logging.KeyError, err)
			}
		}, func(any) {
			n.markCrashed(id)
		})
	}

	for _, id := range sortedKeys(n.endpoints) {
		ep := n.endpoints[id]
		name := ep.Role().String() + "-" + id.String()
		recovery.Go(&n.wg, n.logger, name, func() {
			if err := ep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error("endpoint stopped with error", logging.KeyNodeID, id, logging.KeyError, err)
			}
		}, nil)
	}

	n.logger.Info("network started",
		logging.KeyCount, len(n.drones),
		"endpoints", len(n.endpoints))
	return nil
}

func (n *Network) markCrashed(id identity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if node, ok := n.drones[id]; ok {
		node.crashed = true
	}
}

func (n *Network) pumpEvents() {
	defer n.eventsWG.Done()
	defer recovery.RecoverWithLog(n.logger, "event-pump")

	for {
		e, err := n.events.Recv(context.Background())
		if err != nil {
			return
		}
		switch e.(type) {
		case drone.PacketSent:
			n.eventsSent.Add(1)
		case drone.PacketDropped:
			n.eventsDropped.Add(1)
		}
		if n.sink != nil {
			if err := n.sink.Record(e); err != nil {
				n.logger.Warn("event not recorded", logging.KeyError, err)
			}
		}
	}
}

// IsRunning reports whether the network has been started and not shut down.
func (n *Network) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.stopped
}

// EventCounts returns the number of PacketSent and PacketDropped events seen.
func (n *Network) EventCounts() (sent, dropped int64) {
	return n.eventsSent.Load(), n.eventsDropped.Load()
}

// lookupDrone returns a live drone. Callers hold n.mu.
func (n *Network) lookupDrone(id identity.NodeID) (*droneNode, error) {
	node, ok := n.drones[id]
	if !ok {
		if _, isEndpoint := n.endpoints[id]; isEndpoint {
			return nil, fmt.Errorf("%w: %s", ErrNotDrone, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if node.crashed {
		return nil, fmt.Errorf("%w: %s", ErrCrashed, id)
	}
	return node, nil
}

func (n *Network) command(ctx context.Context, id identity.NodeID, node *droneNode, cmd drone.Command) error {
	select {
	case node.commands <- cmd:
		n.metrics.RecordCommand(cmd.Name())
		n.logger.Debug("command sent", logging.KeyDroneID, id, "command", cmd.Name())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("command %s to drone %s: %w", cmd.Name(), id, ctx.Err())
	}
}

// Crash removes a drone from every neighbor, then crashes it and waits for
// it to drain. The crashed drone keeps its own links so that packets still
// queued at it can be answered.
func (n *Network) Crash(ctx context.Context, id identity.NodeID) error {
	n.mu.Lock()
	node, err := n.lookupDrone(id)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	node.crashed = true

	peers := sortedKeys(n.links[id])
	for _, peer := range peers {
		n.removeLink(id, peer)
		if ep, ok := n.endpoints[peer]; ok {
			ep.RemoveNeighbor(id)
			continue
		}
		if pn, ok := n.drones[peer]; ok && !pn.crashed {
			if err := n.command(ctx, peer, pn, drone.RemoveSender{ID: id}); err != nil {
				n.mu.Unlock()
				return err
			}
		}
	}
	if err := n.command(ctx, id, node, drone.Crash{}); err != nil {
		n.mu.Unlock()
		return err
	}
	n.mu.Unlock()

	if err := node.drone.Wait(ctx); err != nil {
		return fmt.Errorf("wait for drone %s: %w", id, err)
	}

	n.metrics.RecordCrash()
	n.logger.Info("drone crashed", logging.KeyDroneID, id, logging.KeyNeighbors, identity.JoinIDs(peers))
	return nil
}

// CrashAll crashes every live drone in ascending ID order.
func (n *Network) CrashAll(ctx context.Context) error {
	n.mu.RLock()
	var live []identity.NodeID
	for _, id := range sortedKeys(n.drones) {
		if !n.drones[id].crashed {
			live = append(live, id)
		}
	}
	n.mu.RUnlock()

	var errs []error
	for _, id := range live {
		if err := n.Crash(ctx, id); err != nil && !errors.Is(err, ErrCrashed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetPDR changes a drone's packet drop rate.
func (n *Network) SetPDR(ctx context.Context, id identity.NodeID, pdr float64) error {
	if pdr < 0 || pdr > 1 {
		return fmt.Errorf("%w: %v", drone.ErrInvalidPDR, pdr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	node, err := n.lookupDrone(id)
	if err != nil {
		return err
	}
	return n.command(ctx, id, node, drone.SetPacketDropRate{PDR: pdr})
}

// checkLinkable validates both ends of a link. Callers hold n.mu.
func (n *Network) checkLinkable(a, b identity.NodeID) error {
	if a == b {
		return fmt.Errorf("%w: %s to itself", ErrInvalidLink, a)
	}
	drones := 0
	for _, id := range []identity.NodeID{a, b} {
		if node, ok := n.drones[id]; ok {
			if node.crashed {
				return fmt.Errorf("%w: %s", ErrCrashed, id)
			}
			drones++
			continue
		}
		if _, ok := n.endpoints[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
	}
	if drones == 0 {
		return fmt.Errorf("%w: %s-%s joins two endpoints", ErrInvalidLink, a, b)
	}
	return nil
}

// connect applies one direction of a link change.
func (n *Network) connect(ctx context.Context, from, to identity.NodeID, add bool) error {
	if ep, ok := n.endpoints[from]; ok {
		if add {
			ep.AddNeighbor(to, n.inboxes[to])
		} else {
			ep.RemoveNeighbor(to)
		}
		return nil
	}
	node := n.drones[from]
	if add {
		return n.command(ctx, from, node, drone.AddSender{ID: to, Sender: n.inboxes[to]})
	}
	return n.command(ctx, from, node, drone.RemoveSender{ID: to})
}

// Link connects two nodes in both directions.
func (n *Network) Link(ctx context.Context, a, b identity.NodeID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkLinkable(a, b); err != nil {
		return err
	}
	if err := n.connect(ctx, a, b, true); err != nil {
		return err
	}
	if err := n.connect(ctx, b, a, true); err != nil {
		return err
	}
	n.addLink(a, b)
	n.logger.Info("link added", logging.KeyNodeID, a, "peer", b)
	return nil
}

// Unlink disconnects two linked nodes in both directions.
func (n *Network) Unlink(ctx context.Context, a, b identity.NodeID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkLinkable(a, b); err != nil {
		return err
	}
	if _, ok := n.links[a][b]; !ok {
		return fmt.Errorf("%w: %s and %s are not linked", ErrInvalidLink, a, b)
	}
	if err := n.connect(ctx, a, b, false); err != nil {
		return err
	}
	if err := n.connect(ctx, b, a, false); err != nil {
		return err
	}
	n.removeLink(a, b)
	n.logger.Info("link removed", logging.KeyNodeID, a, "peer", b)
	return nil
}

// Drones returns the status of every drone in ascending ID order.
func (n *Network) Drones() []drone.Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]drone.Status, 0, len(n.drones))
	for _, id := range sortedKeys(n.drones) {
		out = append(out, n.drones[id].drone.Status())
	}
	return out
}

// DroneStatus returns the status of one drone.
func (n *Network) DroneStatus(id identity.NodeID) (drone.Status, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	node, ok := n.drones[id]
	if !ok {
		return drone.Status{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return node.drone.Status(), nil
}

// Endpoints returns the status of every client and server in ascending ID order.
func (n *Network) Endpoints() []EndpointStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(n.endpoints))
	for _, id := range sortedKeys(n.endpoints) {
		ep := n.endpoints[id]
		out = append(out, EndpointStatus{
			ID:        id,
			Role:      ep.Role(),
			Neighbors: ep.Neighbors(),
			Stats:     ep.Stats(),
		})
	}
	return out
}

// Endpoint returns a client or server by ID.
func (n *Network) Endpoint(id identity.NodeID) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[id]
	return ep, ok
}

// Clients returns every client in ascending ID order.
func (n *Network) Clients() []*Endpoint {
	return n.endpointsByRole(identity.Client)
}

// Servers returns every server in ascending ID order.
func (n *Network) Servers() []*Endpoint {
	return n.endpointsByRole(identity.Server)
}

func (n *Network) endpointsByRole(role identity.NodeType) []*Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []*Endpoint
	for _, id := range sortedKeys(n.endpoints) {
		if ep := n.endpoints[id]; ep.Role() == role {
			out = append(out, ep)
		}
	}
	return out
}

// Links returns the current links with A < B, sorted.
func (n *Network) Links() []Link {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []Link
	for _, a := range sortedKeys(n.links) {
		for _, b := range sortedKeys(n.links[a]) {
			if a < b {
				out = append(out, Link{A: a, B: b})
			}
		}
	}
	return out
}

// CrashTargets returns every live drone as a chaos target.
func (n *Network) CrashTargets() []chaos.Target {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []chaos.Target
	for _, id := range sortedKeys(n.drones) {
		if !n.drones[id].crashed {
			out = append(out, crashTarget{net: n, id: id})
		}
	}
	return out
}

type crashTarget struct {
	net *Network
	id  identity.NodeID
}

func (t crashTarget) ID() identity.NodeID { return t.id }

func (t crashTarget) Crash(ctx context.Context) error { return t.net.Crash(ctx, t.id) }

// Shutdown crashes every drone, stops the endpoints and waits for all
// goroutines to return.
func (n *Network) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.started || n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	err := n.CrashAll(ctx)

	n.mu.RLock()
	for _, ep := range n.endpoints {
		ep.Close()
	}
	n.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		n.events.Close()
		n.eventsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		n.cancel()
		return errors.Join(err, fmt.Errorf("shutdown: %w", ctx.Err()))
	}
	n.cancel()

	n.logger.Info("network stopped")
	return err
}

func sortedKeys[V any](m map[identity.NodeID]V) []identity.NodeID {
	keys := make([]identity.NodeID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
