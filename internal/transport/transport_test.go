package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMailbox_FIFO(t *testing.T) {
	m := NewMailbox[int]()

	for i := 0; i < 200; i++ {
		if err := m.Send(i); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}

	if got := m.Len(); got != 200 {
		t.Fatalf("Len() = %d, want 200", got)
	}

	for i := 0; i < 200; i++ {
		v, ok := m.TryPop()
		if !ok {
			t.Fatalf("TryPop() empty at %d", i)
		}
		if v != i {
			t.Fatalf("TryPop() = %d, want %d", v, i)
		}
	}

	if _, ok := m.TryPop(); ok {
		t.Error("TryPop() on empty mailbox returned ok")
	}
}

func TestMailbox_InterleavedCompaction(t *testing.T) {
	m := NewMailbox[int]()
	next := 0
	want := 0

	for round := 0; round < 50; round++ {
		for i := 0; i < 10; i++ {
			m.Send(next)
			next++
		}
		for i := 0; i < 7; i++ {
			v, ok := m.TryPop()
			if !ok || v != want {
				t.Fatalf("round %d: TryPop() = %d, %v; want %d", round, v, ok, want)
			}
			want++
		}
	}

	if got, exp := m.Len(), next-want; got != exp {
		t.Errorf("Len() = %d, want %d", got, exp)
	}
}

func TestMailbox_Close(t *testing.T) {
	m := NewMailbox[string]()
	m.Send("queued")
	m.Close()
	m.Close()

	if !m.IsClosed() {
		t.Fatal("IsClosed() = false after Close")
	}
	if err := m.Send("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}

	v, ok := m.TryPop()
	if !ok || v != "queued" {
		t.Errorf("TryPop() = %q, %v; want queued item to survive close", v, ok)
	}
}

func TestMailbox_CloseIfEmpty(t *testing.T) {
	m := NewMailbox[int]()
	m.Send(1)

	if m.CloseIfEmpty() {
		t.Fatal("CloseIfEmpty() closed a non-empty mailbox")
	}
	if m.IsClosed() {
		t.Fatal("mailbox closed with an item queued")
	}

	m.TryPop()
	if !m.CloseIfEmpty() {
		t.Fatal("CloseIfEmpty() = false on empty mailbox")
	}
	if err := m.Send(2); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after CloseIfEmpty error = %v, want ErrClosed", err)
	}
	if !m.CloseIfEmpty() {
		t.Error("CloseIfEmpty() on closed mailbox = false")
	}
}

func TestMailbox_ReadySignal(t *testing.T) {
	m := NewMailbox[int]()

	select {
	case <-m.Ready():
		t.Fatal("Ready() fired on empty mailbox")
	default:
	}

	m.Send(1)
	m.Send(2)

	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready() did not fire after Send")
	}
}

func TestMailbox_Recv(t *testing.T) {
	t.Run("blocks until send", func(t *testing.T) {
		m := NewMailbox[int]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.Send(42)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		v, err := m.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if v != 42 {
			t.Errorf("Recv() = %d, want 42", v)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		m := NewMailbox[int]()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := m.Recv(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Recv() error = %v, want context.Canceled", err)
		}
	})

	t.Run("closed and empty", func(t *testing.T) {
		m := NewMailbox[int]()
		m.Close()

		if _, err := m.Recv(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("Recv() error = %v, want ErrClosed", err)
		}
	})
}

func TestMailbox_ConcurrentProducers(t *testing.T) {
	m := NewMailbox[[2]int]()
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Send([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}

	count := 0
	for {
		v, ok := m.TryPop()
		if !ok {
			break
		}
		if v[1] != last[v[0]]+1 {
			t.Fatalf("producer %d out of order: got %d after %d", v[0], v[1], last[v[0]])
		}
		last[v[0]] = v[1]
		count++
	}

	if count != producers*perProducer {
		t.Errorf("received %d items, want %d", count, producers*perProducer)
	}
}
