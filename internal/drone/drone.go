// Package drone implements the relay node: a single event loop that applies
// controller commands and forwards, drops or rejects source-routed packets.
package drone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/postalsys/dronenet/internal/chaos"
	"github.com/postalsys/dronenet/internal/flood"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/logging"
	"github.com/postalsys/dronenet/internal/metrics"
	"github.com/postalsys/dronenet/internal/protocol"
	"github.com/postalsys/dronenet/internal/routing"
	"github.com/postalsys/dronenet/internal/transport"
)

var (
	// ErrInvalidPDR is returned for a drop rate outside [0, 1].
	ErrInvalidPDR = errors.New("packet drop rate must be within [0, 1]")

	// ErrNoInbox is returned when a drone is created without an inbound mailbox.
	ErrNoInbox = errors.New("drone needs an inbound mailbox")

	// ErrNoCommands is returned when a drone is created without a command channel.
	ErrNoCommands = errors.New("drone needs a command channel")

	// ErrAlreadyStarted is returned by Run on a drone that has already run.
	ErrAlreadyStarted = errors.New("drone already started")
)

// Config contains everything a drone needs at construction.
type Config struct {
	ID  identity.NodeID
	PDR float64

	// Neighbors is the initial neighbor table.
	Neighbors map[identity.NodeID]routing.Sender

	// Commands carries controller commands. Closing it crashes the drone.
	Commands <-chan Command

	// Inbox is the drone's inbound packet queue. The drone closes it on termination.
	Inbox *transport.Mailbox[protocol.Packet]

	// Events receives PacketSent and PacketDropped notifications. Optional.
	Events *transport.Mailbox[Event]

	// Dropper decides fragment drops. Defaults to a clock-seeded chaos.Dropper.
	Dropper routing.Dropper

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Drone is one relay node. All state is owned by the goroutine running Run;
// only Status, ID and Done may be called from elsewhere.
type Drone struct {
	id       identity.NodeID
	commands <-chan Command
	inbox    *transport.Mailbox[protocol.Packet]
	events   *transport.Mailbox[Event]

	table     *routing.NeighborTable
	forwarder *routing.Forwarder
	floods    *flood.Handler

	state   State
	logger  *slog.Logger
	metrics *metrics.DroneRecorder

	started atomic.Bool
	status  atomic.Pointer[Status]
	done    chan struct{}
}

// New creates a drone in the Created state.
func New(cfg Config) (*Drone, error) {
	if cfg.PDR < 0 || cfg.PDR > 1 {
		return nil, fmt.Errorf("drone %s: %w: %v", cfg.ID, ErrInvalidPDR, cfg.PDR)
	}
	if cfg.Inbox == nil {
		return nil, fmt.Errorf("drone %s: %w", cfg.ID, ErrNoInbox)
	}
	if cfg.Commands == nil {
		return nil, fmt.Errorf("drone %s: %w", cfg.ID, ErrNoCommands)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "drone", logging.KeyDroneID, cfg.ID)

	dropper := cfg.Dropper
	if dropper == nil {
		dropper = chaos.NewRandomDropper()
	}

	table := routing.NewNeighborTable()
	for id, s := range cfg.Neighbors {
		table.Add(id, s)
	}

	fwd := routing.NewForwarder(cfg.ID, table, dropper)
	fwd.SetPDR(cfg.PDR)

	d := &Drone{
		id:        cfg.ID,
		commands:  cfg.Commands,
		inbox:     cfg.Inbox,
		events:    cfg.Events,
		table:     table,
		forwarder: fwd,
		floods:    flood.NewHandler(cfg.ID, logger),
		state:     StateCreated,
		logger:    logger,
		metrics:   cfg.Metrics.Drone(cfg.ID.String()),
		done:      make(chan struct{}),
	}
	d.publish()
	d.metrics.SetPDR(cfg.PDR)
	d.metrics.SetNeighbors(table.Len())
	return d, nil
}

// ID returns the drone's node ID.
func (d *Drone) ID() identity.NodeID {
	return d.id
}

// Status returns the latest published snapshot.
func (d *Drone) Status() Status {
	s := *d.status.Load()
	s.Queued = d.inbox.Len()
	return s
}

// Done is closed when Run returns.
func (d *Drone) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the drone has terminated or ctx is done.
func (d *Drone) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the event loop until the drone has crashed and drained its
// inbox. Pending commands always take priority over queued packets.
func (d *Drone) Run() error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer d.finish()

	d.setState(StateRunning)
	d.logger.Info("drone started",
		logging.KeyPDR, d.forwarder.PDR(),
		logging.KeyNeighbors, identity.JoinIDs(d.table.IDs()))

	for {
		d.drainCommands()

		if p, ok := d.inbox.TryPop(); ok {
			d.handlePacket(p)
			continue
		}

		if d.state == StateDraining {
			if d.inbox.CloseIfEmpty() {
				return nil
			}
			continue
		}

		select {
		case cmd, ok := <-d.commands:
			d.receiveCommand(cmd, ok)
		case <-d.inbox.Ready():
		}
	}
}

// drainCommands applies every command that is already pending.
func (d *Drone) drainCommands() {
	for {
		select {
		case cmd, ok := <-d.commands:
			d.receiveCommand(cmd, ok)
		default:
			return
		}
	}
}

func (d *Drone) receiveCommand(cmd Command, ok bool) {
	if !ok {
		// Receiving from a nil channel blocks, which removes it from selects.
		d.commands = nil
		d.logger.Warn("command channel closed, crashing")
		d.crash()
		return
	}
	d.handleCommand(cmd)
}

func (d *Drone) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case AddSender:
		if c.Sender == nil {
			d.logger.Warn("ignoring add sender without a link", logging.KeyNodeID, c.ID)
			return
		}
		if c.ID == d.id {
			d.logger.Warn("ignoring link to self")
			return
		}
		d.table.Add(c.ID, c.Sender)
		d.logger.Info("neighbor added", logging.KeyNodeID, c.ID)

	case RemoveSender:
		if !d.table.Remove(c.ID) {
			d.logger.Warn("remove sender for unknown neighbor", logging.KeyNodeID, c.ID)
			return
		}
		d.logger.Info("neighbor removed", logging.KeyNodeID, c.ID)

	case SetPacketDropRate:
		if c.PDR < 0 || c.PDR > 1 {
			d.logger.Warn("ignoring invalid packet drop rate", logging.KeyPDR, c.PDR)
			return
		}
		d.forwarder.SetPDR(c.PDR)
		d.metrics.SetPDR(c.PDR)
		d.logger.Info("packet drop rate changed", logging.KeyPDR, c.PDR)

	case Crash:
		d.crash()
		return

	default:
		d.logger.Warn("unknown command", "command", fmt.Sprintf("%T", cmd))
		return
	}

	d.metrics.SetNeighbors(d.table.Len())
	d.publish()
}

func (d *Drone) crash() {
	if d.state != StateRunning {
		d.logger.Debug("crash while not running", logging.KeyState, d.state)
		return
	}
	d.logger.Info("crash received, draining", logging.KeyCount, d.inbox.Len())
	d.setState(StateDraining)
}

// handlePacket dispatches one inbound packet.
func (d *Drone) handlePacket(p protocol.Packet) {
	if d.state == StateDraining {
		switch p.Body.(type) {
		case protocol.FloodRequest:
			d.logger.Debug("discarding flood request while draining", logging.KeySessionID, p.SessionID)
			d.metrics.RecordFlood("discarded")
			return
		case protocol.Fragment:
			d.rejectWhileDraining(p)
			return
		}
	}

	if _, ok := p.Body.(protocol.FloodRequest); ok {
		d.handleFlood(p)
		return
	}
	d.dispatch(d.forwarder.Handle(p))
}

// rejectWhileDraining answers a fragment with ErrorInRouting naming this
// drone. Misdelivered or malformed fragments follow the regular rules.
func (d *Drone) rejectWhileDraining(p protocol.Packet) {
	if err := p.Validate(); err != nil {
		d.dispatch(d.forwarder.Handle(p))
		return
	}
	if cur, _ := p.Header.Current(); cur != d.id {
		d.dispatch(d.forwarder.Handle(p))
		return
	}
	d.dispatch(d.forwarder.Reject(p, protocol.ErrorInRouting(d.id)))
}

// dispatch executes an action. Replies start at this drone and are fed back
// through the forwarder, so they obey the same rules as any other packet.
func (d *Drone) dispatch(act routing.Action) {
	for {
		switch act.Kind {
		case routing.ActionForward:
			err := act.Sender.Send(act.Packet)
			if err == nil {
				d.metrics.RecordForward(act.Packet.Kind().Label())
				d.logger.Debug("packet forwarded",
					logging.KeyKind, act.Packet.Kind(),
					logging.KeySessionID, act.Packet.SessionID,
					logging.KeyNextHop, act.NextHop)
				d.emit(PacketSent{From: d.id, To: act.NextHop, Packet: act.Packet})
				return
			}

			d.dropNeighbor(act.NextHop, err)
			d.emit(PacketDropped{From: d.id, Reason: ReasonDisconnected, Packet: act.Packet})
			act = d.forwarder.Reject(act.Original, protocol.ErrorInRouting(act.NextHop))

		case routing.ActionReply:
			d.metrics.RecordNack(act.Nack.Kind.Label())
			if act.Nack.Kind == protocol.NackDropped {
				d.metrics.RecordDrop()
				d.emit(PacketDropped{From: d.id, Reason: ReasonPDR, Packet: act.Original})
			}
			d.logger.Debug("answering with nack",
				logging.KeyNackType, act.Nack,
				logging.KeyKind, act.Original.Kind(),
				logging.KeySessionID, act.Original.SessionID,
				logging.KeyHops, act.Original.Header)
			act = d.forwarder.Handle(act.Packet)

		case routing.ActionSilent:
			d.logger.Debug("packet consumed",
				logging.KeyKind, act.Original.Kind(),
				logging.KeySessionID, act.Original.SessionID)
			return

		case routing.ActionDiscard:
			d.metrics.RecordMalformed()
			d.logger.Error("discarding malformed packet",
				logging.KeyKind, act.Original.Kind(),
				logging.KeySessionID, act.Original.SessionID,
				logging.KeyError, act.Err)
			return

		default:
			return
		}
	}
}

func (d *Drone) handleFlood(p protocol.Packet) {
	act := d.floods.Handle(p, d.table.IDs())
	d.metrics.RecordFlood(act.Outcome.String())

	switch act.Outcome {
	case flood.OutcomeBroadcast:
		packets := act.Packets()
		for _, id := range act.Targets {
			sender, ok := d.table.Resolve(id)
			if !ok {
				continue
			}
			pkt := packets[id]
			if err := sender.Send(pkt); err != nil {
				d.dropNeighbor(id, err)
				d.emit(PacketDropped{From: d.id, Reason: ReasonDisconnected, Packet: pkt})
				continue
			}
			d.metrics.RecordForward(pkt.Kind().Label())
			d.emit(PacketSent{From: d.id, To: id, Packet: pkt})
		}
		d.publish()

	case flood.OutcomeRespond:
		if !act.Duplicate {
			d.publish()
		}
		d.dispatch(d.forwarder.Handle(act.Response))

	case flood.OutcomeRejected:
		d.metrics.RecordMalformed()
	}
}

// dropNeighbor removes a neighbor whose inbox is gone.
func (d *Drone) dropNeighbor(id identity.NodeID, err error) {
	d.metrics.RecordSendFailure()
	if d.table.Remove(id) {
		d.metrics.SetNeighbors(d.table.Len())
		d.publish()
	}
	d.logger.Warn("neighbor unreachable, removed",
		logging.KeyNodeID, id,
		logging.KeyError, err)
}

func (d *Drone) emit(e Event) {
	if d.events == nil {
		return
	}
	if err := d.events.Send(e); err != nil {
		d.logger.Debug("controller event not delivered", logging.KeyError, err)
	}
}

func (d *Drone) setState(s State) {
	d.state = s
	d.metrics.SetState(int(s))
	d.publish()
}

func (d *Drone) publish() {
	d.status.Store(&Status{
		ID:         d.id,
		State:      d.state,
		PDR:        d.forwarder.PDR(),
		Neighbors:  d.table.IDs(),
		FloodsSeen: d.floods.Len(),
	})
}

// finish runs when Run returns, including on panic.
func (d *Drone) finish() {
	d.inbox.Close()
	d.setState(StateTerminated)
	d.logger.Info("drone terminated")
	close(d.done)
}
