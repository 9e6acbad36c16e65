// Package loadtest provides load testing utilities for the drone relay.
package loadtest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/dronenet/internal/chaos"
	"github.com/postalsys/dronenet/internal/drone"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
	"github.com/postalsys/dronenet/internal/routing"
	"github.com/postalsys/dronenet/internal/transport"
)

// Node ID ranges used by the chain generator.
const (
	firstDroneID  = 1
	firstClientID = 100
	firstServerID = 180
	maxChain      = firstClientID - firstDroneID
	maxWorkers    = firstServerID - firstClientID
)

// ErrInvalidShape is returned for a chain or worker count that does not fit
// the node ID space.
var ErrInvalidShape = errors.New("invalid load test shape")

// ChainMetrics contains metrics from chain load testing.
type ChainMetrics struct {
	TotalPackets     int64
	Delivered        int64
	Nacked           int64
	Unanswered       int64
	AvgLatencyMs     float64
	MaxLatencyMs     float64
	MinLatencyMs     float64
	Duration         time.Duration
	PacketsPerSecond float64
	ThroughputMBps   float64
}

// ForwarderMetrics contains metrics from forwarding decision load testing.
type ForwarderMetrics struct {
	TotalPackets     int
	Forwarded        int
	Rejected         int
	HandleTimeNs     float64
	PacketsPerSecond float64
}

// ChurnMetrics contains metrics from link churn testing.
type ChurnMetrics struct {
	TotalCycles      int64
	SuccessfulCycles int64
	FailedCycles     int64
	AvgUnlinkTimeMs  float64
	AvgLinkTimeMs    float64
	Duration         time.Duration
	ChurnRate        float64
}

// ChainLoadGenerator pushes fragments through a line of drones. Each worker
// owns a client and a server at the two ends of the chain and keeps exactly
// one fragment in flight, waiting for it to reach the server or for a Nack.
type ChainLoadGenerator struct {
	length      int
	concurrency int
	duration    time.Duration
	pdr         float64
	seed        int64

	metrics ChainMetrics
	mu      sync.Mutex
	session atomic.Uint64
}

// NewChainLoadGenerator creates a new chain load generator. A zero seed
// draws drop decisions from the clock.
func NewChainLoadGenerator(length, concurrency int, duration time.Duration, pdr float64, seed int64) *ChainLoadGenerator {
	return &ChainLoadGenerator{
		length:      length,
		concurrency: concurrency,
		duration:    duration,
		pdr:         pdr,
		seed:        seed,
		metrics: ChainMetrics{
			MinLatencyMs: float64(^uint64(0) >> 1),
		},
	}
}

// chain is a running line of drones with one client and server per worker.
type chain struct {
	drones   []*drone.Drone
	commands []chan drone.Command
	inboxes  []*transport.Mailbox[protocol.Packet]
	clients  []*transport.Mailbox[protocol.Packet]
	servers  []*transport.Mailbox[protocol.Packet]
	wg       sync.WaitGroup
}

func buildChain(length, workers int, pdr float64, seed int64) (*chain, error) {
	if length < 1 || length > maxChain {
		return nil, fmt.Errorf("%w: chain length %d not in [1, %d]", ErrInvalidShape, length, maxChain)
	}
	if workers < 1 || workers > maxWorkers {
		return nil, fmt.Errorf("%w: concurrency %d not in [1, %d]", ErrInvalidShape, workers, maxWorkers)
	}

	c := &chain{}
	for range length {
		c.inboxes = append(c.inboxes, transport.NewMailbox[protocol.Packet]())
		c.commands = append(c.commands, make(chan drone.Command, 1))
	}
	for range workers {
		c.clients = append(c.clients, transport.NewMailbox[protocol.Packet]())
		c.servers = append(c.servers, transport.NewMailbox[protocol.Packet]())
	}

	for i := range length {
		neighbors := make(map[identity.NodeID]routing.Sender)
		if i > 0 {
			neighbors[droneID(i-1)] = c.inboxes[i-1]
		}
		if i < length-1 {
			neighbors[droneID(i+1)] = c.inboxes[i+1]
		}
		if i == 0 {
			for w, inbox := range c.clients {
				neighbors[clientID(w)] = inbox
			}
		}
		if i == length-1 {
			for w, inbox := range c.servers {
				neighbors[serverID(w)] = inbox
			}
		}

		var dropper routing.Dropper
		if seed != 0 {
			dropper = chaos.NewDropper(seed + int64(i))
		}
		d, err := drone.New(drone.Config{
			ID:        droneID(i),
			PDR:       pdr,
			Neighbors: neighbors,
			Commands:  c.commands[i],
			Inbox:     c.inboxes[i],
			Dropper:   dropper,
		})
		if err != nil {
			return nil, err
		}
		c.drones = append(c.drones, d)
	}
	return c, nil
}

func (c *chain) start() {
	for _, d := range c.drones {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			d.Run()
		}()
	}
}

func (c *chain) stop() {
	for _, cmds := range c.commands {
		cmds <- drone.Crash{}
	}
	c.wg.Wait()
}

// route returns the header a worker's client uses, already pointing at the
// first drone.
func (c *chain) route(worker int) protocol.SourceRoutingHeader {
	hops := make([]identity.NodeID, 0, len(c.drones)+2)
	hops = append(hops, clientID(worker))
	for i := range c.drones {
		hops = append(hops, droneID(i))
	}
	hops = append(hops, serverID(worker))
	return protocol.SourceRoutingHeader{HopIndex: 1, Hops: hops}
}

func droneID(i int) identity.NodeID  { return identity.NodeID(firstDroneID + i) }
func clientID(w int) identity.NodeID { return identity.NodeID(firstClientID + w) }
func serverID(w int) identity.NodeID { return identity.NodeID(firstServerID + w) }

// Run executes the chain load test.
func (g *ChainLoadGenerator) Run(ctx context.Context) (*ChainMetrics, error) {
	c, err := buildChain(g.length, g.concurrency, g.pdr, g.seed)
	if err != nil {
		return nil, err
	}
	c.start()
	defer c.stop()

	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()

	for w := 0; w < g.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, c, w)
		}()
	}

	wg.Wait()
	g.metrics.Duration = time.Since(startTime)

	if g.metrics.Duration > 0 {
		seconds := g.metrics.Duration.Seconds()
		g.metrics.PacketsPerSecond = float64(g.metrics.Delivered) / seconds
		g.metrics.ThroughputMBps = float64(g.metrics.Delivered*protocol.FragmentDataSize) / (1024 * 1024) / seconds
	}

	answered := g.metrics.Delivered + g.metrics.Nacked
	if answered > 0 {
		g.metrics.AvgLatencyMs = g.metrics.AvgLatencyMs / float64(answered)
	} else {
		g.metrics.MinLatencyMs = 0
	}

	return &g.metrics, nil
}

func (g *ChainLoadGenerator) runWorker(ctx context.Context, c *chain, worker int) {
	data := make([]byte, protocol.FragmentDataSize)
	rand.Read(data)
	frag, _ := protocol.NewFragment(0, 1, data)

	header := c.route(worker)
	first := c.inboxes[0]
	client := c.clients[worker]
	server := c.servers[worker]

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p := protocol.Packet{
			Header:    header.Clone(),
			SessionID: g.session.Add(1),
			Body:      frag,
		}

		start := time.Now()
		atomic.AddInt64(&g.metrics.TotalPackets, 1)
		if err := first.Send(p); err != nil {
			atomic.AddInt64(&g.metrics.Unanswered, 1)
			return
		}

		delivered, err := awaitAnswer(ctx, server, client)
		if err != nil {
			atomic.AddInt64(&g.metrics.Unanswered, 1)
			return
		}
		if delivered {
			atomic.AddInt64(&g.metrics.Delivered, 1)
		} else {
			atomic.AddInt64(&g.metrics.Nacked, 1)
		}

		latency := float64(time.Since(start).Microseconds()) / 1000

		g.mu.Lock()
		g.metrics.AvgLatencyMs += latency
		if latency > g.metrics.MaxLatencyMs {
			g.metrics.MaxLatencyMs = latency
		}
		if latency < g.metrics.MinLatencyMs {
			g.metrics.MinLatencyMs = latency
		}
		g.mu.Unlock()
	}
}

// awaitAnswer waits for the fragment to arrive at server, or for a Nack at
// client. It reports true for delivery.
func awaitAnswer(ctx context.Context, server, client *transport.Mailbox[protocol.Packet]) (bool, error) {
	for {
		if _, ok := server.TryPop(); ok {
			return true, nil
		}
		if _, ok := client.TryPop(); ok {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-server.Ready():
		case <-client.Ready():
		}
	}
}

// ForwarderLoadTester measures the per-packet cost of forwarding decisions.
type ForwarderLoadTester struct {
	packets int
	pdr     float64
}

// NewForwarderLoadTester creates a new forwarder load tester.
func NewForwarderLoadTester(packets int, pdr float64) *ForwarderLoadTester {
	return &ForwarderLoadTester{
		packets: packets,
		pdr:     pdr,
	}
}

type discardSender struct{}

func (discardSender) Send(protocol.Packet) error { return nil }

// Run executes the forwarder load test.
func (t *ForwarderLoadTester) Run() (*ForwarderMetrics, error) {
	const self, prev, next = 2, 1, 3

	table := routing.NewNeighborTable()
	table.Add(prev, discardSender{})
	table.Add(next, discardSender{})
	fwd := routing.NewForwarder(self, table, chaos.NewDropper(1))
	fwd.SetPDR(t.pdr)

	frag, err := protocol.NewFragment(0, 1, make([]byte, protocol.FragmentDataSize))
	if err != nil {
		return nil, err
	}
	packets := make([]protocol.Packet, t.packets)
	for i := range packets {
		packets[i] = protocol.Packet{
			Header:    protocol.SourceRoutingHeader{HopIndex: 1, Hops: []identity.NodeID{prev, self, next}},
			SessionID: uint64(i),
			Body:      frag,
		}
	}

	metrics := &ForwarderMetrics{TotalPackets: t.packets}
	start := time.Now()
	for _, p := range packets {
		switch fwd.Handle(p).Kind {
		case routing.ActionForward:
			metrics.Forwarded++
		case routing.ActionReply:
			metrics.Rejected++
		}
	}
	elapsed := time.Since(start)

	if t.packets > 0 {
		metrics.HandleTimeNs = float64(elapsed.Nanoseconds()) / float64(t.packets)
	}
	if elapsed > 0 {
		metrics.PacketsPerSecond = float64(t.packets) / elapsed.Seconds()
	}

	return metrics, nil
}

// Linker is the part of the network a churn test drives.
type Linker interface {
	Link(ctx context.Context, a, b identity.NodeID) error
	Unlink(ctx context.Context, a, b identity.NodeID) error
}

// LinkChurnTester repeatedly removes and restores links.
type LinkChurnTester struct {
	links    [][2]identity.NodeID
	duration time.Duration
	mu       sync.Mutex
}

// NewLinkChurnTester creates a churn tester that cycles the given links,
// one worker per link.
func NewLinkChurnTester(links [][2]identity.NodeID, duration time.Duration) *LinkChurnTester {
	return &LinkChurnTester{
		links:    links,
		duration: duration,
	}
}

// Run executes the link churn test. Every link is restored before Run returns.
func (t *LinkChurnTester) Run(ctx context.Context, net Linker) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var wg sync.WaitGroup
	metrics := &ChurnMetrics{}
	startTime := time.Now()

	for _, link := range t.links {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runChurnWorker(ctx, net, link, metrics)
		}()
	}

	wg.Wait()
	metrics.Duration = time.Since(startTime)

	if metrics.Duration > 0 {
		metrics.ChurnRate = float64(metrics.TotalCycles) / metrics.Duration.Seconds()
	}
	if metrics.SuccessfulCycles > 0 {
		metrics.AvgUnlinkTimeMs = metrics.AvgUnlinkTimeMs / float64(metrics.SuccessfulCycles)
		metrics.AvgLinkTimeMs = metrics.AvgLinkTimeMs / float64(metrics.SuccessfulCycles)
	}

	return metrics, nil
}

func (t *LinkChurnTester) runChurnWorker(ctx context.Context, net Linker, link [2]identity.NodeID, metrics *ChurnMetrics) {
	// Commands use their own context so a link is never left removed when
	// the test deadline passes between the two calls.
	cmdCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		atomic.AddInt64(&metrics.TotalCycles, 1)

		unlinkStart := time.Now()
		if err := net.Unlink(cmdCtx, link[0], link[1]); err != nil {
			atomic.AddInt64(&metrics.FailedCycles, 1)
			return
		}
		unlinkDuration := time.Since(unlinkStart)

		linkStart := time.Now()
		if err := net.Link(cmdCtx, link[0], link[1]); err != nil {
			atomic.AddInt64(&metrics.FailedCycles, 1)
			return
		}
		linkDuration := time.Since(linkStart)

		atomic.AddInt64(&metrics.SuccessfulCycles, 1)
		t.mu.Lock()
		metrics.AvgUnlinkTimeMs += float64(unlinkDuration.Microseconds()) / 1000
		metrics.AvgLinkTimeMs += float64(linkDuration.Microseconds()) / 1000
		t.mu.Unlock()
	}
}
