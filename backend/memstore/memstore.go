// Package memstore is an in-memory map backend, typically the cache side of a
// CacheAside or a primary in tests.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/kvlayer"
)

type Options struct {
	Name     string
	DataType string // reported through kvlayer.Typed
	NotCache bool   // refuse to act as the cache side of a CacheAside
}

type record[V any] struct {
	v        V
	modified time.Time
}

// Store keeps records by value. It is safe for concurrent use.
type Store[V any] struct {
	opts Options
	name string

	mu      sync.RWMutex
	records map[string]record[V]
	lastMod time.Time
}

var (
	_ kvlayer.Store[struct{}] = (*Store[struct{}])(nil)
	_ kvlayer.Clearer         = (*Store[struct{}])(nil)
	_ kvlayer.Counter         = (*Store[struct{}])(nil)
	_ kvlayer.Modified        = (*Store[struct{}])(nil)
	_ kvlayer.Typed           = (*Store[struct{}])(nil)
	_ kvlayer.CacheCapable    = (*Store[struct{}])(nil)
)

func New[V any](opts Options) *Store[V] {
	return &Store[V]{
		opts:    opts,
		name:    "memstore:" + opts.Name,
		records: make(map[string]record[V]),
	}
}

func (s *Store[V]) Name() string        { return s.name }
func (s *Store[V]) DataType() string    { return s.opts.DataType }
func (s *Store[V]) UsableAsCache() bool { return !s.opts.NotCache }

func (s *Store[V]) Contains(_ context.Context, id string) (bool, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *Store[V]) Get(_ context.Context, id string) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return zero, kvlayer.NotFound(s.name, id)
	}
	return r.v, nil
}

func (s *Store[V]) Put(_ context.Context, id string, v V) (V, error) {
	if err := kvlayer.CheckID(id); err != nil {
		var zero V
		return zero, err
	}
	now := time.Now()
	s.mu.Lock()
	s.records[id] = record[V]{v: v, modified: now}
	s.lastMod = now
	s.mu.Unlock()
	return v, nil
}

// Update is Put.
func (s *Store[V]) Update(ctx context.Context, id string, v V) (V, error) {
	return s.Put(ctx, id, v)
}

func (s *Store[V]) Delete(_ context.Context, id string) (string, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return "", kvlayer.NotFound(s.name, id)
	}
	delete(s.records, id)
	s.lastMod = time.Now()
	return id, nil
}

// ListIDs returns the ids sorted.
func (s *Store[V]) ListIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.records)), nil
}

func (s *Store[V]) DeleteAll(context.Context) error {
	s.mu.Lock()
	clear(s.records)
	s.lastMod = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Store[V]) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// LastModified is the time of the last mutation, zero if there was none.
func (s *Store[V]) LastModified(context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMod, nil
}

// ModifiedAt reports when id was last written.
func (s *Store[V]) ModifiedAt(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r.modified, ok
}
