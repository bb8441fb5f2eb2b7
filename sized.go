package kvlayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SizeFunc returns the byte size of a record. Negative results are rejected.
type SizeFunc[V any] func(v V) int64

type SizeOptions struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

type sizeState uint8

const (
	sizeUninitialized sizeState = iota
	sizeKnown
	sizeUnknown
)

func (s sizeState) String() string {
	switch s {
	case sizeKnown:
		return "known"
	case sizeUnknown:
		return "unknown"
	default:
		return "uninitialized"
	}
}

// Sized adds byte accounting to any store. Item sizes are cached lazily (on
// write or first read); the aggregate is either uninitialized, known or
// unknown, and is recomputed from ListIDs on demand when not known.
type Sized[V any] struct {
	Store[V]

	sizeOf SizeFunc[V]
	log    Logger
	hooks  Hooks

	// opMu serializes mutations and recomputation so the aggregate is never
	// adjusted against a half-applied write.
	opMu sync.Mutex

	mu    sync.Mutex
	sizes map[string]int64
	total int64
	state sizeState
	// epoch moves on every finished mutation; reads that overlap one do not
	// cache what they sized.
	epoch uint64
}

var (
	_ Sizeable[struct{}] = (*Sized[struct{}])(nil)
	_ Clearer            = (*Sized[struct{}])(nil)
	_ Counter            = (*Sized[struct{}])(nil)
	_ Modified           = (*Sized[struct{}])(nil)
)

// NewSized wraps inner. It fails with ErrAlreadySized if inner already
// accounts sizes, since two layers would disagree on the aggregate.
func NewSized[V any](inner Store[V], sizeOf SizeFunc[V], opts SizeOptions) (*Sized[V], error) {
	if inner == nil {
		return nil, IllegalArgument("size accounting: inner store is required")
	}
	if sizeOf == nil {
		return nil, IllegalArgument("size accounting: size func is required")
	}
	if _, ok := inner.(Sizer); ok {
		return nil, fmt.Errorf("%s: %w", inner.Name(), ErrAlreadySized)
	}
	return &Sized[V]{
		Store:  inner,
		sizeOf: sizeOf,
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:  coalesce[Hooks](opts.Hooks, NopHooks{}),
		sizes:  make(map[string]int64),
	}, nil
}

// SizeOf applies the injected size func.
func (s *Sized[V]) SizeOf(v V) (int64, error) {
	n := s.sizeOf(v)
	if n < 0 {
		return 0, IllegalArgument("negative size %d", n)
	}
	return n, nil
}

func (s *Sized[V]) Get(ctx context.Context, id string) (V, error) {
	s.mu.Lock()
	_, cached := s.sizes[id]
	epoch := s.epoch
	s.mu.Unlock()

	v, err := s.Store.Get(ctx, id)
	if err != nil || cached {
		return v, err
	}
	if n, serr := s.SizeOf(v); serr == nil {
		s.remember(id, n, epoch)
	} else {
		s.log.Warn("item size not computable", Fields{"store": s.Name(), "id": id, "err": serr})
	}
	return v, nil
}

// remember caches n for id when it is still absent and no mutation finished
// since epoch was read. It returns the size on record, or n.
func (s *Sized[V]) remember(id string, n int64, epoch uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sizes[id]; ok {
		return cur
	}
	if s.epoch == epoch {
		s.sizes[id] = n
	}
	return n
}

func (s *Sized[V]) Put(ctx context.Context, id string, v V) (V, error) {
	return s.write(ctx, id, v, s.Store.Put)
}

func (s *Sized[V]) Update(ctx context.Context, id string, v V) (V, error) {
	return s.write(ctx, id, v, s.Store.Update)
}

func (s *Sized[V]) write(ctx context.Context, id string, v V, op func(context.Context, string, V) (V, error)) (V, error) {
	if err := CheckID(id); err != nil {
		var zero V
		return zero, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	old, existed := s.sizes[id]
	s.mu.Unlock()

	// Only a known aggregate needs the prior size; otherwise it is recomputed anyway.
	priorKnown := true
	if state == sizeKnown && !existed {
		old, existed, priorKnown = s.probePrior(ctx, id)
	}

	out, err := op(ctx, id, v)
	if err != nil {
		s.mu.Lock()
		s.epoch++
		s.invalidateLocked("write_failed")
		s.mu.Unlock()
		return out, err
	}

	n, serr := s.SizeOf(v)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	if serr != nil {
		delete(s.sizes, id)
		s.log.Warn("item size not computable", Fields{"store": s.Name(), "id": id, "err": serr})
		s.invalidateLocked("size_func")
		return out, nil
	}
	s.sizes[id] = n
	if s.state != sizeKnown {
		return out, nil
	}
	switch {
	case !priorKnown:
		s.invalidateLocked("unknown_prior_size")
	case existed:
		s.addLocked(n - old)
	default:
		s.addLocked(n)
	}
	return out, nil
}

// probePrior finds out whether id is already stored and how big it is.
func (s *Sized[V]) probePrior(ctx context.Context, id string) (size int64, existed, known bool) {
	v, err := s.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return 0, false, true
	}
	if err != nil {
		return 0, true, false
	}
	n, err := s.SizeOf(v)
	if err != nil {
		return 0, true, false
	}
	return n, true, true
}

func (s *Sized[V]) Delete(ctx context.Context, id string) (string, error) {
	if err := CheckID(id); err != nil {
		return "", err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	out, err := s.Store.Delete(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	n, cached := s.sizes[id]
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// nothing was removed; a cached size for a missing id is stale though
			if cached {
				delete(s.sizes, id)
				s.invalidateLocked("delete_failed")
			}
			return out, err
		}
		s.invalidateLocked("delete_failed")
		return out, err
	}
	delete(s.sizes, id)
	if s.state == sizeKnown {
		if cached {
			s.addLocked(-n)
		} else {
			s.invalidateLocked("unknown_prior_size")
		}
	}
	return out, nil
}

// DeleteAll clears the inner store and resets the account to zero on success.
func (s *Sized[V]) DeleteAll(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := DeleteAll(ctx, s.Store)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.sizes = make(map[string]int64)
	if err != nil {
		s.invalidateLocked("delete_failed")
		return err
	}
	s.total = 0
	s.state = sizeKnown
	return nil
}

func (s *Sized[V]) Count(ctx context.Context) (int, error) { return Count(ctx, s.Store) }

func (s *Sized[V]) LastModified(ctx context.Context) (time.Time, error) {
	return LastModified(ctx, s.Store)
}

// ItemSize returns the cached size of id, reading the record once if needed.
func (s *Sized[V]) ItemSize(ctx context.Context, id string) (int64, error) {
	if err := CheckID(id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	n, ok := s.sizes[id]
	s.mu.Unlock()
	if ok {
		return n, nil
	}
	return s.loadItemSize(ctx, id)
}

func (s *Sized[V]) loadItemSize(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	v, err := s.Store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	n, err := s.SizeOf(v)
	if err != nil {
		return 0, err
	}
	return s.remember(id, n, epoch), nil
}

// TotalSize returns the aggregate, recomputing it in O(n) when it is not known.
func (s *Sized[V]) TotalSize(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.state == sizeKnown {
		t := s.total
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.recompute(ctx)
}

// recompute must be called with opMu held.
func (s *Sized[V]) recompute(ctx context.Context) (int64, error) {
	s.mu.Lock()
	prev := s.state
	if prev == sizeKnown {
		t := s.total
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	fail := func(err error) (int64, error) {
		kind := ErrSizeUnknown
		if prev == sizeUninitialized {
			kind = ErrSizeNotInitialized
		}
		s.mu.Lock()
		s.state = sizeUnknown
		s.mu.Unlock()
		s.hooks.SizeInvalidated(s.Name(), "recompute_failed")
		s.log.Error("could not compute store size", Fields{"store": s.Name(), "err": err})
		return 0, &SizeError{Store: s.Name(), Kind: kind, Err: err}
	}

	ids, err := s.Store.ListIDs(ctx)
	if err != nil {
		return fail(err)
	}
	var sum int64
	for _, id := range ids {
		s.mu.Lock()
		n, ok := s.sizes[id]
		s.mu.Unlock()
		if !ok {
			if n, err = s.loadItemSize(ctx, id); err != nil {
				return fail(fmt.Errorf("size of %q: %w", id, err))
			}
		}
		sum += n
	}

	s.mu.Lock()
	s.total = sum
	s.state = sizeKnown
	s.mu.Unlock()
	s.log.Debug("store size recomputed", Fields{"store": s.Name(), "items": len(ids), "bytes": sum})
	return sum, nil
}

func (s *Sized[V]) addLocked(delta int64) {
	if s.state != sizeKnown {
		return
	}
	s.total += delta
	if s.total < 0 {
		s.invalidateLocked("negative_total")
	}
}

func (s *Sized[V]) invalidateLocked(reason string) {
	if s.state == sizeUnknown {
		return
	}
	s.state = sizeUnknown
	s.total = 0
	s.log.Warn("store size invalidated", Fields{"store": s.Name(), "reason": reason})
	s.hooks.SizeInvalidated(s.Name(), reason)
}

func (s *Sized[V]) DataType() string {
	dt, _ := dataType(s.Store)
	return dt
}

func (s *Sized[V]) UsableAsCache() bool { return usableAsCache(s.Store) }
