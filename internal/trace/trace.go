// Package trace records controller events (packets sent and dropped by
// drones) as JSON lines or a CBOR sequence.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/postalsys/dronenet/internal/drone"
	"github.com/postalsys/dronenet/internal/identity"
	"github.com/postalsys/dronenet/internal/logging"
)

// Format selects the record encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ErrUnknownFormat is returned for a format other than json or cbor.
var ErrUnknownFormat = errors.New("unknown trace format")

// Event names used in records.
const (
	EventPacketSent    = "packet_sent"
	EventPacketDropped = "packet_dropped"
)

// Record is one recorded event.
type Record struct {
	Time      time.Time         `json:"time" cbor:"1,keyasint"`
	Event     string            `json:"event" cbor:"2,keyasint"`
	Drone     identity.NodeID   `json:"drone" cbor:"3,keyasint"`
	To        identity.NodeID   `json:"to,omitempty" cbor:"4,keyasint,omitempty"`
	Reason    string            `json:"reason,omitempty" cbor:"5,keyasint,omitempty"`
	Kind      string            `json:"kind" cbor:"6,keyasint"`
	SessionID uint64            `json:"session_id" cbor:"7,keyasint"`
	Hops      []identity.NodeID `json:"hops,omitempty" cbor:"8,keyasint,omitempty"`
	HopIndex  int               `json:"hop_index" cbor:"9,keyasint"`
}

// FromEvent converts a drone event into a record stamped with at.
func FromEvent(e drone.Event, at time.Time) (Record, error) {
	switch ev := e.(type) {
	case drone.PacketSent:
		return Record{
			Time:      at,
			Event:     EventPacketSent,
			Drone:     ev.From,
			To:        ev.To,
			Kind:      ev.Packet.Kind().Label(),
			SessionID: ev.Packet.SessionID,
			Hops:      ev.Packet.Header.Hops,
			HopIndex:  ev.Packet.Header.HopIndex,
		}, nil
	case drone.PacketDropped:
		return Record{
			Time:      at,
			Event:     EventPacketDropped,
			Drone:     ev.From,
			Reason:    ev.Reason,
			Kind:      ev.Packet.Kind().Label(),
			SessionID: ev.Packet.SessionID,
			Hops:      ev.Packet.Header.Hops,
			HopIndex:  ev.Packet.Header.HopIndex,
		}, nil
	default:
		return Record{}, fmt.Errorf("unsupported event %T", e)
	}
}

type encoder interface {
	Encode(v any) error
}

// Recorder writes records to an io.Writer. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	enc    encoder
	closer io.Closer
	now    func() time.Time
	count  int
}

// NewRecorder creates a recorder writing format to w. If w is an io.Closer
// it is closed by Close.
func NewRecorder(w io.Writer, format Format) (*Recorder, error) {
	var enc encoder
	switch format {
	case FormatJSON, "":
		enc = json.NewEncoder(w)
	case FormatCBOR:
		em, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, fmt.Errorf("cbor encoder: %w", err)
		}
		enc = em.NewEncoder(w)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	r := &Recorder{enc: enc, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

// OpenFile creates a recorder writing to a size-rotated file.
func OpenFile(format Format, opts logging.FileOptions) (*Recorder, error) {
	w := logging.NewRotatingWriter(opts)
	r, err := NewRecorder(w, format)
	if err != nil {
		w.Close()
		return nil, err
	}
	return r, nil
}

// Record writes one event.
func (r *Recorder) Record(e drone.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := FromEvent(e, r.now())
	if err != nil {
		return err
	}
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	r.count++
	return nil
}

// Count returns the number of records written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close releases the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// ReadAll decodes every record from rd.
func ReadAll(rd io.Reader, format Format) ([]Record, error) {
	type decoder interface {
		Decode(v any) error
	}

	var dec decoder
	switch format {
	case FormatJSON, "":
		dec = json.NewDecoder(rd)
	case FormatCBOR:
		dec = cbor.NewDecoder(rd)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("read trace record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
