// Package transport provides the in-process delivery substrate between nodes.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending to or receiving from a closed mailbox.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded multi-producer FIFO queue with a single consumer.
//
// Send never blocks, so nodes wired in a cycle cannot deadlock on each
// other's inboxes. FIFO order is preserved per producer. The consumer waits
// on Ready and drains with TryPop.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool

	// ready holds at most one pending wakeup.
	ready chan struct{}
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
	}
}

// Send enqueues v. It returns ErrClosed once the mailbox has been closed.
func (m *Mailbox[T]) Send(v T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	m.notify()
	return nil
}

// TryPop removes and returns the oldest item without blocking.
func (m *Mailbox[T]) TryPop() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if m.head >= len(m.items) {
		return zero, false
	}

	v := m.items[m.head]
	m.items[m.head] = zero
	m.head++

	// Compact once the consumed prefix dominates the backing array.
	if m.head == len(m.items) {
		m.items = m.items[:0]
		m.head = 0
	} else if m.head > 64 && m.head*2 > len(m.items) {
		n := copy(m.items, m.items[m.head:])
		clear(m.items[n:])
		m.items = m.items[:n]
		m.head = 0
	}

	return v, true
}

// Ready returns a channel that receives a value after Send or Close.
// A wakeup may be spurious; callers must re-check with TryPop.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Recv blocks until an item is available, the mailbox is closed and empty,
// or ctx is done.
func (m *Mailbox[T]) Recv(ctx context.Context) (T, error) {
	for {
		if v, ok := m.TryPop(); ok {
			return v, nil
		}
		if m.IsClosed() {
			// A send may have raced the close.
			if v, ok := m.TryPop(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) - m.head
}

// Close stops accepting new items. Items already queued stay poppable.
// Closing twice is a no-op.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.notify()
}

// CloseIfEmpty closes the mailbox only if nothing is queued, and reports
// whether it did. A concurrent Send either lands before the check, keeping
// the mailbox open, or fails with ErrClosed.
func (m *Mailbox[T]) CloseIfEmpty() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return true
	}
	if m.head < len(m.items) {
		m.mu.Unlock()
		return false
	}
	m.closed = true
	m.mu.Unlock()

	m.notify()
	return true
}

// IsClosed reports whether Close has been called.
func (m *Mailbox[T]) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox[T]) notify() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
