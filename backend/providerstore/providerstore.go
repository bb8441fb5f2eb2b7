// Package providerstore turns a byte provider (bigcache, ristretto, redis)
// and a codec into a Store. It is the usual cache side of a CacheAside.
package providerstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/codec"
	"github.com/unkn0wn-root/kvlayer/internal/keys"
	"github.com/unkn0wn-root/kvlayer/internal/wire"
	"github.com/unkn0wn-root/kvlayer/provider"
)

var ErrNotListable = errors.New("providerstore: provider cannot list keys")

type Options[V any] struct {
	Provider provider.Provider
	Codec    codec.Codec[V] // default codec.JSON

	// Namespace prefixes every key, so providers can be shared. Required.
	Namespace string

	// TTL for every entry; 0 means no expiry (subject to the provider).
	TTL time.Duration

	Logger kvlayer.Logger // if nil, NopLogger is used

	DataType string
	NotCache bool

	// CloseProvider makes Close close the provider as well.
	CloseProvider bool
}

type Store[V any] struct {
	p     provider.Provider
	codec codec.Codec[V]
	ns    string
	name  string
	ttl   time.Duration
	log   kvlayer.Logger

	dataType      string
	notCache      bool
	closeProvider bool

	lastMod atomic.Int64 // unix nanos of the last write through this store
}

var (
	_ kvlayer.Store[struct{}] = (*Store[struct{}])(nil)
	_ kvlayer.Modified        = (*Store[struct{}])(nil)
	_ kvlayer.Typed           = (*Store[struct{}])(nil)
)

func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.Provider == nil {
		return nil, kvlayer.IllegalArgument("providerstore: provider is required")
	}
	if opts.Namespace == "" {
		return nil, kvlayer.IllegalArgument("providerstore: namespace is required")
	}
	s := &Store[V]{
		p:             opts.Provider,
		codec:         opts.Codec,
		ns:            opts.Namespace,
		name:          "provider:" + opts.Namespace,
		ttl:           opts.TTL,
		log:           opts.Logger,
		dataType:      opts.DataType,
		notCache:      opts.NotCache,
		closeProvider: opts.CloseProvider,
	}
	if s.codec == nil {
		s.codec = codec.JSON[V]{}
	}
	if s.log == nil {
		s.log = kvlayer.NopLogger{}
	}
	return s, nil
}

func (s *Store[V]) Name() string        { return s.name }
func (s *Store[V]) DataType() string    { return s.dataType }
func (s *Store[V]) UsableAsCache() bool { return !s.notCache }

func (s *Store[V]) key(id string) string { return keys.Record(s.ns, id) }

func (s *Store[V]) Contains(ctx context.Context, id string) (bool, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return false, err
	}
	_, ok, err := s.p.Get(ctx, s.key(id))
	if err != nil {
		return false, &kvlayer.IOError{Op: "provider get", ID: id, Err: err}
	}
	return ok, nil
}

// Get treats a corrupt entry as a miss and drops it; the provider is a cache,
// so the caller refills it from the primary.
func (s *Store[V]) Get(ctx context.Context, id string) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	k := s.key(id)
	raw, ok, err := s.p.Get(ctx, k)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "provider get", ID: id, Err: err}
	}
	if !ok {
		return zero, kvlayer.NotFound(s.name, id)
	}
	rec, err := wire.Decode(raw)
	if err == nil {
		var v V
		if v, err = s.codec.Decode(rec.Payload); err == nil {
			return v, nil
		}
	}
	s.log.Warn("dropping corrupt entry", kvlayer.Fields{"store": s.name, "id": id, "err": err})
	_ = s.p.Del(ctx, k)
	return zero, kvlayer.NotFound(s.name, id)
}

func (s *Store[V]) Put(ctx context.Context, id string, v V) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	payload, err := s.codec.Encode(v)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "encode", ID: id, Err: err}
	}
	now := time.Now()
	b := wire.Encode(now, payload)
	ok, err := s.p.Set(ctx, s.key(id), b, int64(len(b)), s.ttl)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "provider set", ID: id, Err: err}
	}
	if !ok {
		return zero, &kvlayer.IOError{Op: "provider set", ID: id, Err: fmt.Errorf("rejected %d bytes", len(b))}
	}
	s.lastMod.Store(now.UnixNano())
	return v, nil
}

// Update is Put.
func (s *Store[V]) Update(ctx context.Context, id string, v V) (V, error) {
	return s.Put(ctx, id, v)
}

func (s *Store[V]) Delete(ctx context.Context, id string) (string, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return "", err
	}
	ok, err := s.Contains(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", kvlayer.NotFound(s.name, id)
	}
	if err := s.p.Del(ctx, s.key(id)); err != nil {
		return "", &kvlayer.IOError{Op: "provider del", ID: id, Err: err}
	}
	s.lastMod.Store(time.Now().UnixNano())
	return id, nil
}

// ListIDs needs a provider implementing provider.Lister; otherwise it fails
// with ErrNotListable.
func (s *Store[V]) ListIDs(ctx context.Context) ([]string, error) {
	l, ok := s.p.(provider.Lister)
	if !ok {
		return nil, fmt.Errorf("%s: %w", s.name, ErrNotListable)
	}
	ks, err := l.Keys(ctx, keys.Prefix(s.ns))
	if err != nil {
		return nil, &kvlayer.IOError{Op: "provider keys", Err: err}
	}
	ids := make([]string, 0, len(ks))
	for _, k := range ks {
		if id, ok := keys.ID(s.ns, k); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// LastModified reports the last write or delete made through this store, which
// is all a provider can tell. Zero before the first one.
func (s *Store[V]) LastModified(context.Context) (time.Time, error) {
	n := s.lastMod.Load()
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

func (s *Store[V]) Close(ctx context.Context) error {
	if s.closeProvider {
		return s.p.Close(ctx)
	}
	return nil
}
