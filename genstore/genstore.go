// Package genstore keeps a monotonically increasing generation per record id.
//
// A cache write-back captures the generation before it reads the primary and
// is dropped if the generation moved by the time it would land, so a slow
// background refill can never resurrect a value that was overwritten or
// deleted in the meantime.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live. Local is the in-process default;
// Redis shares generations between processes fronting the same primary.
type GenStore interface {
	// Snapshot returns the current generation of id; unknown ids are at 0.
	Snapshot(ctx context.Context, id string) (uint64, error)
	// SnapshotMany is Snapshot for a batch; every requested id is present in the result.
	SnapshotMany(ctx context.Context, ids []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation of id.
	Bump(ctx context.Context, id string) (uint64, error)
	// Cleanup forgets ids untouched for longer than retention, if applicable.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
