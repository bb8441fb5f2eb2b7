package kvlayer

import (
	"context"
	"time"
)

// Store is the contract implemented by every backend and decorator.
// V is the caller's record type. Ids must not be blank.
type Store[V any] interface {
	// Name identifies the store in logs and errors.
	Name() string

	Contains(ctx context.Context, id string) (bool, error)

	// Get returns *NotFoundError (errors.Is ErrNotFound) for unknown ids.
	Get(ctx context.Context, id string) (V, error)

	// Put is an idempotent upsert.
	Put(ctx context.Context, id string, v V) (V, error)

	// Update behaves exactly like Put for every store: it upserts.
	Update(ctx context.Context, id string, v V) (V, error)

	// Delete returns the deleted id, or *NotFoundError for unknown ids.
	Delete(ctx context.Context, id string) (string, error)

	// ListIDs returns the stored ids. Order is backend specific.
	ListIDs(ctx context.Context) ([]string, error)
}

// Clearer is implemented by stores with their own DeleteAll. Stores without it
// get the list-then-delete default from the package-level DeleteAll.
type Clearer interface {
	DeleteAll(ctx context.Context) error
}

// Counter is implemented by stores that count without listing.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Modified reports when a store's content last changed.
type Modified interface {
	LastModified(ctx context.Context) (time.Time, error)
}

// Sizer exposes byte accounting.
type Sizer interface {
	ItemSize(ctx context.Context, id string) (int64, error)
	TotalSize(ctx context.Context) (int64, error)
}

// Sizeable is a store with size accounting. Evicting requires one beneath it.
type Sizeable[V any] interface {
	Store[V]
	Sizer
	SizeOf(v V) (int64, error)
}

// Capacity is implemented by capacity-bounded stores.
type Capacity interface {
	Capacity() int64
	SetCapacity(bytes int64)
	// Usage returns the current total as a percentage of the capacity.
	Usage(ctx context.Context) (float64, error)
}

// CacheCapable lets a store refuse to act as the cache side of a CacheAside.
type CacheCapable interface {
	UsableAsCache() bool
}

// Typed reports the logical record kind, e.g. "user". CacheAside refuses to
// pair a primary and a cache that report different kinds.
type Typed interface {
	DataType() string
}

// StatsReporter is implemented by CacheAside.
type StatsReporter interface {
	Stats() CacheStats
	ResetStats()
}
