package asynchook

import (
	"sync"
	"testing"

	"github.com/unkn0wn-root/kvlayer"
)

type countingHooks struct {
	kvlayer.NopHooks
	mu      sync.Mutex
	evicted []string
	block   chan struct{}
}

func (c *countingHooks) Evicted(_, id string, _ int64) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.evicted = append(c.evicted, id)
	c.mu.Unlock()
}

func TestDeliversQueuedEventsBeforeClose(t *testing.T) {
	inner := &countingHooks{}
	h := New(inner, 2, 16)
	for _, id := range []string{"a", "b", "c"} {
		h.Evicted("s", id, 1)
	}
	h.Close()
	if len(inner.evicted) != 3 {
		t.Fatalf("delivered %v, want 3 events", inner.evicted)
	}
	h.Evicted("s", "late", 1)
	if h.Dropped() != 1 {
		t.Fatalf("Dropped=%d want 1 after close", h.Dropped())
	}
}

func TestDropsWhenQueueFull(t *testing.T) {
	inner := &countingHooks{block: make(chan struct{})}
	h := New(inner, 1, 1)

	// one event held by the worker, one in the queue, the rest dropped
	for i := 0; i < 10; i++ {
		h.Evicted("s", "x", 1)
	}
	close(inner.block)
	h.Close()

	if got := uint64(len(inner.evicted)) + h.Dropped(); got != 10 {
		t.Fatalf("delivered+dropped=%d want 10", got)
	}
	if h.Dropped() == 0 {
		t.Fatalf("expected drops with a full queue")
	}
}
