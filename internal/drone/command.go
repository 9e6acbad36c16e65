package drone

import (
	"fmt"

	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/protocol"
	"github.com/postalsys/dronenet/internal/routing"
)

// Command is a control instruction from the simulation controller:
// AddSender, RemoveSender, SetPacketDropRate or Crash.
type Command interface {
	// Name returns the command name used in logs and metrics.
	Name() string
	isCommand()
}

// AddSender connects the drone to a neighbor, replacing any existing link.
type AddSender struct {
	ID     identity.NodeID
	Sender routing.Sender
}

// RemoveSender disconnects the drone from a neighbor.
type RemoveSender struct {
	ID identity.NodeID
}

// SetPacketDropRate changes the probability of dropping a fragment.
type SetPacketDropRate struct {
	PDR float64
}

// Crash starts the drain sequence. Repeated crashes are no-ops.
type Crash struct{}

func (AddSender) Name() string         { return "add_sender" }
func (RemoveSender) Name() string      { return "remove_sender" }
func (SetPacketDropRate) Name() string { return "set_pdr" }
func (Crash) Name() string             { return "crash" }

func (AddSender) isCommand()         {}
func (RemoveSender) isCommand()      {}
func (SetPacketDropRate) isCommand() {}
func (Crash) isCommand()             {}

// Event is a notification from a drone to the controller.
type Event interface {
	// Drone returns the ID of the drone that emitted the event.
	Drone() identity.NodeID
	isEvent()
}

// PacketSent reports a packet handed to a neighbor.
type PacketSent struct {
	From   identity.NodeID `json:"drone"`
	To     identity.NodeID `json:"to"`
	Packet protocol.Packet `json:"packet"`
}

// PacketDropped reports a packet lost at the drone, either by the drop rate
// or because the neighbor was gone.
type PacketDropped struct {
	From   identity.NodeID `json:"drone"`
	Reason string          `json:"reason"`
	Packet protocol.Packet `json:"packet"`
}

func (e PacketSent) Drone() identity.NodeID    { return e.From }
func (e PacketDropped) Drone() identity.NodeID { return e.From }

func (PacketSent) isEvent()    {}
func (PacketDropped) isEvent() {}

func (e PacketSent) String() string {
	return fmt.Sprintf("drone %s sent %s to %s", e.From, e.Packet, e.To)
}

func (e PacketDropped) String() string {
	return fmt.Sprintf("drone %s dropped %s (%s)", e.From, e.Packet, e.Reason)
}

// Drop reasons carried by PacketDropped.
const (
	ReasonPDR          = "pdr"
	ReasonDisconnected = "disconnected"
)
