// Package badgerstore persists records in an embedded badger database. Several
// stores may share one database; each owns the keys under its namespace.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/codec"
	"github.com/unkn0wn-root/kvlayer/internal/keys"
	"github.com/unkn0wn-root/kvlayer/internal/wire"
)

type Options[V any] struct {
	// DB is a database shared with other stores. When nil, Open opens one at
	// Path (or in memory when InMemory is set) and Close closes it.
	DB       *badger.DB
	Path     string
	InMemory bool

	Name   string         // namespace of the records
	Codec  codec.Codec[V] // default codec.JSON
	Logger kvlayer.Logger // if nil, NopLogger is used

	DataType string
	NotCache bool
}

type Store[V any] struct {
	db     *badger.DB
	ownsDB bool

	ns       string
	name     string
	prefix   []byte
	mtimeKey []byte

	codec    codec.Codec[V]
	log      kvlayer.Logger
	dataType string
	notCache bool

	closeOnce sync.Once
}

var (
	_ kvlayer.Store[struct{}] = (*Store[struct{}])(nil)
	_ kvlayer.Clearer         = (*Store[struct{}])(nil)
	_ kvlayer.Counter         = (*Store[struct{}])(nil)
	_ kvlayer.Modified        = (*Store[struct{}])(nil)
)

func Open[V any](opts Options[V]) (*Store[V], error) {
	if opts.Name == "" {
		return nil, kvlayer.IllegalArgument("badgerstore: name is required")
	}
	s := &Store[V]{
		db:       opts.DB,
		ns:       opts.Name,
		name:     "badger:" + opts.Name,
		prefix:   []byte(keys.Prefix(opts.Name)),
		mtimeKey: []byte("kvmeta:" + opts.Name + ":mtime"),
		codec:    opts.Codec,
		log:      opts.Logger,
		dataType: opts.DataType,
		notCache: opts.NotCache,
	}
	if s.codec == nil {
		s.codec = codec.JSON[V]{}
	}
	if s.log == nil {
		s.log = kvlayer.NopLogger{}
	}
	if s.db == nil {
		bo := badger.DefaultOptions(opts.Path)
		if opts.InMemory {
			bo = badger.DefaultOptions("").WithInMemory(true)
		} else if opts.Path == "" {
			return nil, kvlayer.IllegalArgument("badgerstore: path is required unless in memory")
		}
		bo.Logger = nil
		db, err := badger.Open(bo)
		if err != nil {
			return nil, &kvlayer.IOError{Op: "open badger", Path: opts.Path, Err: err}
		}
		s.db = db
		s.ownsDB = true
	}
	s.log.Info("badger store opened", kvlayer.Fields{"store": s.name, "path": opts.Path, "in_memory": opts.InMemory})
	return s, nil
}

func (s *Store[V]) Name() string        { return s.name }
func (s *Store[V]) DataType() string    { return s.dataType }
func (s *Store[V]) UsableAsCache() bool { return !s.notCache }

func (s *Store[V]) key(id string) []byte { return []byte(keys.Record(s.ns, id)) }

func (s *Store[V]) Contains(_ context.Context, id string) (bool, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(s.key(id))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, &kvlayer.IOError{Op: "contains", ID: id, Err: err}
	}
}

func (s *Store[V]) Get(_ context.Context, id string) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return zero, kvlayer.NotFound(s.name, id)
	}
	if err != nil {
		return zero, &kvlayer.IOError{Op: "get", ID: id, Err: err}
	}
	rec, err := wire.Decode(raw)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "decode", ID: id, Err: err}
	}
	v, err := s.codec.Decode(rec.Payload)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "decode", ID: id, Err: err}
	}
	return v, nil
}

func (s *Store[V]) Put(_ context.Context, id string, v V) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	payload, err := s.codec.Encode(v)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "encode", ID: id, Err: err}
	}
	now := time.Now()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(s.key(id), wire.Encode(now, payload)); err != nil {
			return err
		}
		return s.touch(txn, now)
	})
	if err != nil {
		return zero, &kvlayer.IOError{Op: "put", ID: id, Err: err}
	}
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
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(s.key(id)); err != nil {
			return err
		}
		if err := txn.Delete(s.key(id)); err != nil {
			return err
		}
		return s.touch(txn, time.Now())
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", kvlayer.NotFound(s.name, id)
	}
	if err != nil {
		return "", &kvlayer.IOError{Op: "delete", ID: id, Err: err}
	}
	return id, nil
}

// ListIDs returns the ids in key order.
func (s *Store[V]) ListIDs(context.Context) ([]string, error) {
	var ids []string
	err := s.scan(func(k []byte) {
		if id, ok := keys.ID(s.ns, string(k)); ok {
			ids = append(ids, id)
		}
	})
	if err != nil {
		return nil, &kvlayer.IOError{Op: "list", Err: err}
	}
	return ids, nil
}

func (s *Store[V]) Count(context.Context) (int, error) {
	n := 0
	if err := s.scan(func([]byte) { n++ }); err != nil {
		return 0, &kvlayer.IOError{Op: "count", Err: err}
	}
	return n, nil
}

// scan visits the keys under the namespace without fetching values.
func (s *Store[V]) scan(fn func(k []byte)) error {
	return s.db.View(func(txn *badger.Txn) error {
		io := badger.DefaultIteratorOptions
		io.PrefetchValues = false
		io.Prefix = s.prefix
		it := txn.NewIterator(io)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			fn(it.Item().Key())
		}
		return nil
	})
}

// DeleteAll drops the namespace's keys in one pass.
func (s *Store[V]) DeleteAll(context.Context) error {
	if err := s.db.DropPrefix(s.prefix); err != nil {
		return &kvlayer.IOError{Op: "delete all", Err: err}
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return s.touch(txn, time.Now()) }); err != nil {
		return &kvlayer.IOError{Op: "delete all", Err: err}
	}
	return nil
}

// LastModified is the time of the last write or delete; zero if there was none.
func (s *Store[V]) LastModified(context.Context) (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.mtimeKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("mtime: bad length %d", len(val))
			}
			ts = time.Unix(0, int64(binary.BigEndian.Uint64(val)))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &kvlayer.IOError{Op: "last modified", Err: err}
	}
	return ts, nil
}

func (s *Store[V]) touch(txn *badger.Txn, now time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.UnixNano()))
	return txn.Set(s.mtimeKey, buf)
}

// Close closes the database if Open opened it.
func (s *Store[V]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.ownsDB {
			err = s.db.Close()
		}
	})
	return err
}
