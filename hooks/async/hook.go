// Package asynchook moves hook delivery off the hot path.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{EvictedEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store, err := kvlayer.NewBuilder[User](primary, kvlayer.BuilderOptions{Hooks: hooks}).
//		WithCache(cache, kvlayer.CacheOptions{}).
//		Build()
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/kvlayer"
)

// Hooks queues events for a pool of workers calling inner. When the queue is
// full events are dropped and counted, never blocking the caller.
type Hooks struct {
	inner   kvlayer.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ kvlayer.Hooks = (*Hooks)(nil)

func New(inner kvlayer.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// lost a race with Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheWriteFailed(store, id, op string, err error) {
	h.try(func() { h.inner.CacheWriteFailed(store, id, op, err) })
}

func (h *Hooks) WriteBackSkipped(store, id string) {
	h.try(func() { h.inner.WriteBackSkipped(store, id) })
}

func (h *Hooks) Evicted(store, id string, bytes int64) {
	h.try(func() { h.inner.Evicted(store, id, bytes) })
}

func (h *Hooks) SizeInvalidated(store, reason string) {
	h.try(func() { h.inner.SizeInvalidated(store, reason) })
}

func (h *Hooks) IndexLineSkipped(path string, line int, reason string) {
	h.try(func() { h.inner.IndexLineSkipped(path, line, reason) })
}
