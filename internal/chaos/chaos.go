// Package chaos provides the randomness used for fault injection: per-hop
// packet drops and random drone crashes during a simulation.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/postalsys/dronenet/internal/identity"
)

// Dropper decides probabilistic fragment drops from a seedable source.
type Dropper struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDropper creates a dropper seeded with seed.
func NewDropper(seed int64) *Dropper {
	return &Dropper{rng: rand.New(rand.NewSource(seed))}
}

// NewRandomDropper creates a dropper seeded from the clock.
func NewRandomDropper() *Dropper {
	return NewDropper(time.Now().UnixNano())
}

// ShouldDrop reports whether a packet is lost under drop rate pdr.
// A rate of 0 never drops and a rate of 1 always drops.
func (d *Dropper) ShouldDrop(pdr float64) bool {
	if pdr <= 0 {
		return false
	}
	if pdr >= 1 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < pdr
}

// Target is a drone that can be crashed.
type Target interface {
	// ID returns the drone ID.
	ID() identity.NodeID
	// Crash stops the drone and waits until it has drained.
	Crash(ctx context.Context) error
}

// Event represents a chaos event.
type Event struct {
	Time     time.Time
	TargetID identity.NodeID
	Action   string
	Success  bool
	Error    error
}

// MonkeyConfig configures random crashes.
type MonkeyConfig struct {
	// Interval between crash attempts.
	Interval time.Duration

	// Probability of crashing a target on each attempt (0.0 to 1.0).
	Probability float64

	// MaxCrashes caps the number of crashed targets. Zero means no cap.
	MaxCrashes int

	// Seed for target selection.
	Seed int64
}

// Monkey crashes random targets at a fixed interval. A crashed drone
// cannot come back, so every crashed target leaves the pool.
type Monkey struct {
	cfg     MonkeyConfig
	dropper *Dropper

	mu      sync.Mutex
	targets []Target
	rng     *rand.Rand
	crashes int
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	eventChan chan Event
}

// NewMonkey creates a chaos monkey.
func NewMonkey(cfg MonkeyConfig) *Monkey {
	return &Monkey{
		cfg:       cfg,
		dropper:   NewDropper(cfg.Seed),
		rng:       rand.New(rand.NewSource(cfg.Seed + 1)),
		eventChan: make(chan Event, 100),
	}
}

// AddTarget adds a target to the pool.
func (m *Monkey) AddTarget(target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
}

// RemoveTarget removes a target from the pool.
func (m *Monkey) RemoveTarget(id identity.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Monkey) removeLocked(id identity.NodeID) {
	for i, t := range m.targets {
		if t.ID() == id {
			m.targets = append(m.targets[:i], m.targets[i+1:]...)
			return
		}
	}
}

// Crashes returns the number of targets crashed so far.
func (m *Monkey) Crashes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.crashes
}

// Start starts the monkey.
func (m *Monkey) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.cfg.Interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop stops the monkey and waits for an in-flight crash to finish.
func (m *Monkey) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

// Events returns a channel that receives chaos events.
func (m *Monkey) Events() <-chan Event {
	return m.eventChan
}

func (m *Monkey) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.maybeCrash(ctx)
		}
	}
}

func (m *Monkey) maybeCrash(ctx context.Context) {
	m.mu.Lock()
	if len(m.targets) == 0 || (m.cfg.MaxCrashes > 0 && m.crashes >= m.cfg.MaxCrashes) {
		m.mu.Unlock()
		return
	}
	target := m.targets[m.rng.Intn(len(m.targets))]
	m.mu.Unlock()

	if !m.dropper.ShouldDrop(m.cfg.Probability) {
		return
	}

	event := Event{
		Time:     time.Now(),
		TargetID: target.ID(),
		Action:   "crash",
	}
	err := target.Crash(ctx)
	event.Success = err == nil
	event.Error = err

	if err == nil {
		m.mu.Lock()
		m.crashes++
		m.removeLocked(target.ID())
		m.mu.Unlock()
	}
	m.sendEvent(event)
}

func (m *Monkey) sendEvent(event Event) {
	select {
	case m.eventChan <- event:
	default:
		// Drop event if channel is full
	}
}
