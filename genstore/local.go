package genstore

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	gen     uint64
	touched time.Time
}

// Local keeps generations in a map. With a positive sweep interval and
// retention a background loop forgets ids that have not been bumped recently;
// a forgotten id reads as 0, which only makes pending write-backs for it skip.
type Local struct {
	mu   sync.RWMutex
	gens map[string]localEntry

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

var _ GenStore = (*Local)(nil)

func NewLocal(sweepInterval, retention time.Duration) *Local {
	s := &Local{gens: make(map[string]localEntry)}
	if sweepInterval <= 0 || retention <= 0 {
		return s
	}
	s.stop = make(chan struct{})
	s.done.Add(1)
	go s.sweep(sweepInterval, retention)
	return s
}

func (s *Local) sweep(every, retention time.Duration) {
	defer s.done.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Cleanup(retention)
		case <-s.stop:
			return
		}
	}
}

func (s *Local) Snapshot(_ context.Context, id string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[id].gen, nil
}

func (s *Local) SnapshotMany(_ context.Context, ids []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		out[id] = s.gens[id].gen
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.gens[id]
	e.gen++
	e.touched = time.Now()
	s.gens[id] = e
	return e.gen, nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	for id, e := range s.gens {
		if e.touched.Before(cutoff) {
			delete(s.gens, id)
		}
	}
	s.mu.Unlock()
}

// Len reports how many ids currently carry a generation.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

// Close stops the sweep loop. It is safe to call more than once.
func (s *Local) Close(context.Context) error {
	s.once.Do(func() {
		if s.stop != nil {
			close(s.stop)
			s.done.Wait()
		}
	})
	return nil
}
