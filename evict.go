package kvlayer

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const defaultReclaim = 0.5

// EvictionPolicy bounds a store by bytes.
type EvictionPolicy struct {
	CapacityBytes int64

	// Reclaim is the fraction of the current total freed when a write would
	// overflow. The overflow itself is always freed at minimum. Default 0.5.
	Reclaim float64

	// PreventWriteOnExceed rejects overflowing writes instead of evicting.
	PreventWriteOnExceed bool
}

type EvictOptions struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

// Evicting keeps a size-accounted store under a byte capacity by deleting
// randomly chosen records before a write that would overflow.
type Evicting[V any] struct {
	Sizeable[V]

	capacity atomic.Int64
	reclaim  float64
	prevent  bool

	log   Logger
	hooks Hooks

	mu sync.Mutex // serializes writes
}

var (
	_ Sizeable[struct{}] = (*Evicting[struct{}])(nil)
	_ Capacity           = (*Evicting[struct{}])(nil)
	_ Clearer            = (*Evicting[struct{}])(nil)
)

// NewEvicting wraps inner, which must carry size accounting (see NewSized).
func NewEvicting[V any](inner Store[V], policy EvictionPolicy, opts EvictOptions) (*Evicting[V], error) {
	if inner == nil {
		return nil, IllegalArgument("eviction: inner store is required")
	}
	sz, ok := inner.(Sizeable[V])
	if !ok {
		return nil, ErrNotSizeable
	}
	if policy.CapacityBytes <= 0 {
		return nil, IllegalArgument("eviction: capacity must be positive, got %d", policy.CapacityBytes)
	}
	if policy.Reclaim == 0 {
		policy.Reclaim = defaultReclaim
	}
	if policy.Reclaim < 0 || policy.Reclaim > 1 {
		return nil, IllegalArgument("eviction: reclaim must be within (0, 1], got %v", policy.Reclaim)
	}
	e := &Evicting[V]{
		Sizeable: sz,
		reclaim:  policy.Reclaim,
		prevent:  policy.PreventWriteOnExceed,
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
	e.capacity.Store(policy.CapacityBytes)
	return e, nil
}

func (e *Evicting[V]) Capacity() int64 { return e.capacity.Load() }

// SetCapacity changes the bound for subsequent writes. Non-positive values are ignored.
func (e *Evicting[V]) SetCapacity(bytes int64) {
	if bytes <= 0 {
		e.log.Warn("ignoring non-positive capacity", Fields{"store": e.Name(), "capacity": bytes})
		return
	}
	e.capacity.Store(bytes)
}

// Usage returns the total size as a percentage of the capacity.
func (e *Evicting[V]) Usage(ctx context.Context) (float64, error) {
	total, err := e.TotalSize(ctx)
	if err != nil {
		return 0, err
	}
	return float64(total) / float64(e.Capacity()) * 100, nil
}

func (e *Evicting[V]) Put(ctx context.Context, id string, v V) (V, error) {
	return e.write(ctx, id, v, e.Sizeable.Put)
}

func (e *Evicting[V]) Update(ctx context.Context, id string, v V) (V, error) {
	return e.write(ctx, id, v, e.Sizeable.Update)
}

func (e *Evicting[V]) write(ctx context.Context, id string, v V, op func(context.Context, string, V) (V, error)) (V, error) {
	var zero V
	if err := CheckID(id); err != nil {
		return zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	size, err := e.SizeOf(v)
	if err != nil {
		return zero, err
	}
	total, err := e.TotalSize(ctx)
	if err != nil {
		return zero, err
	}
	old, err := e.ItemSize(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		old = 0
	case err != nil:
		return zero, err
	}

	capacity := e.Capacity()
	projected := total - old + size
	if projected <= capacity {
		return op(ctx, id, v)
	}
	if e.prevent || size > capacity {
		return zero, &CapacityExceededError{ID: id, Capacity: capacity, Projected: projected}
	}

	overflow := projected - capacity
	target := max(int64(math.Ceil(e.reclaim*float64(total))), overflow)
	freed, err := e.evict(ctx, id, target)
	if err != nil {
		return zero, err
	}
	if freed < overflow {
		return zero, &CapacityExceededError{ID: id, Capacity: capacity, Projected: projected - freed}
	}
	return op(ctx, id, v)
}

// evict deletes random records other than keep until at least target bytes are freed.
func (e *Evicting[V]) evict(ctx context.Context, keep string, target int64) (int64, error) {
	start := time.Now()
	ids, err := e.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	var freed int64
	var count int
	for _, id := range ids {
		if freed >= target {
			break
		}
		if id == keep {
			continue
		}
		n, err := e.ItemSize(ctx, id)
		if err != nil {
			e.log.Warn("eviction candidate size unavailable", Fields{"store": e.Name(), "id": id, "err": err})
			continue
		}
		if _, err := e.Sizeable.Delete(ctx, id); err != nil {
			e.log.Warn("eviction delete failed", Fields{"store": e.Name(), "id": id, "err": err})
			continue
		}
		freed += n
		count++
		e.hooks.Evicted(e.Name(), id, n)
	}

	e.log.Info("evicted records", Fields{
		"store":    e.Name(),
		"count":    count,
		"freed":    humanize.IBytes(uint64(freed)),
		"target":   humanize.IBytes(uint64(target)),
		"capacity": humanize.IBytes(uint64(e.Capacity())),
		"took":     time.Since(start),
	})
	return freed, nil
}

func (e *Evicting[V]) DeleteAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DeleteAll(ctx, e.Sizeable)
}

func (e *Evicting[V]) Count(ctx context.Context) (int, error) { return Count(ctx, e.Sizeable) }

func (e *Evicting[V]) LastModified(ctx context.Context) (time.Time, error) {
	return LastModified(ctx, e.Sizeable)
}

func (e *Evicting[V]) DataType() string {
	dt, _ := dataType(e.Sizeable)
	return dt
}

func (e *Evicting[V]) UsableAsCache() bool { return usableAsCache(e.Sizeable) }
