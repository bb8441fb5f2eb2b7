// Package provider defines the byte stores that back the cache side of a
// stack (see backend/providerstore).
//
// Implementations MUST be byte-for-byte transparent: Get returns exactly the
// bytes previously passed to Set for a key, with no added metadata, no
// re-encoding and no mutation. Record framing is done by the caller.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (<= 0 means no expiry). Cost may be
	// ignored. ok=false means the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Lister is implemented by providers that can enumerate their keys. A store
// over a provider without it cannot list ids.
type Lister interface {
	// Keys returns the live keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
