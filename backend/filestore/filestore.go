// Package filestore keeps one file per record on a billy filesystem: the OS
// (osfs) in production, memfs in tests.
package filestore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/codec"
	"github.com/unkn0wn-root/kvlayer/internal/keys"
)

const tmpPrefix = ".tmp-"

type Options[V any] struct {
	// FS is the filesystem to use; if nil, osfs rooted at Dir.
	FS   billy.Filesystem
	Dir  string
	Name string // subdirectory holding the record files

	Codec  codec.Codec[V] // default codec.JSON
	Logger kvlayer.Logger // if nil, NopLogger is used

	DataType string
	NotCache bool
}

// Store writes each record to its own file via temp file and rename, so a
// reader never sees a partial record.
type Store[V any] struct {
	fs       billy.Filesystem
	dir      string
	name     string
	codec    codec.Codec[V]
	log      kvlayer.Logger
	dataType string
	notCache bool

	mu sync.RWMutex // writers exclusive; readers rely on rename atomicity
}

var (
	_ kvlayer.Store[struct{}] = (*Store[struct{}])(nil)
	_ kvlayer.Modified        = (*Store[struct{}])(nil)
	_ kvlayer.Typed           = (*Store[struct{}])(nil)
	_ kvlayer.CacheCapable    = (*Store[struct{}])(nil)
)

func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.Name == "" || strings.ContainsAny(opts.Name, `/\`) {
		return nil, kvlayer.IllegalArgument("filestore: invalid name %q", opts.Name)
	}
	bfs := opts.FS
	if bfs == nil {
		if opts.Dir == "" {
			return nil, kvlayer.IllegalArgument("filestore: dir or fs is required")
		}
		bfs = osfs.New(opts.Dir)
	}
	s := &Store[V]{
		fs:       bfs,
		dir:      opts.Name,
		name:     "filestore:" + opts.Name,
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
	if err := bfs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, &kvlayer.IOError{Op: "create dir", Path: s.dir, Err: err}
	}
	return s, nil
}

func (s *Store[V]) Name() string        { return s.name }
func (s *Store[V]) DataType() string    { return s.dataType }
func (s *Store[V]) UsableAsCache() bool { return !s.notCache }

func (s *Store[V]) path(id string) string { return s.fs.Join(s.dir, keys.FileName(id)) }

func (s *Store[V]) Contains(_ context.Context, id string) (bool, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return false, err
	}
	_, err := s.fs.Stat(s.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &kvlayer.IOError{Op: "stat", Path: s.path(id), ID: id, Err: err}
	}
}

func (s *Store[V]) Get(_ context.Context, id string) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	p := s.path(id)
	s.mu.RLock()
	b, err := s.readFile(p)
	s.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return zero, kvlayer.NotFound(s.name, id)
	}
	if err != nil {
		return zero, &kvlayer.IOError{Op: "read", Path: p, ID: id, Err: err}
	}
	v, err := s.codec.Decode(b)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "decode", Path: p, ID: id, Err: err}
	}
	return v, nil
}

func (s *Store[V]) readFile(p string) ([]byte, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *Store[V]) Put(_ context.Context, id string, v V) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	b, err := s.codec.Encode(v)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "encode", ID: id, Err: err}
	}
	p := s.path(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFile(p, b); err != nil {
		return zero, &kvlayer.IOError{Op: "write", Path: p, ID: id, Err: err}
	}
	return v, nil
}

func (s *Store[V]) writeFile(p string, b []byte) error {
	tmp, err := s.fs.TempFile(s.dir, tmpPrefix)
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(name)
		return err
	}
	if err := s.fs.Rename(name, p); err != nil {
		_ = s.fs.Remove(name)
		return err
	}
	return nil
}

// Update is Put.
func (s *Store[V]) Update(ctx context.Context, id string, v V) (V, error) {
	return s.Put(ctx, id, v)
}

func (s *Store[V]) Delete(_ context.Context, id string) (string, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return "", err
	}
	p := s.path(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fs.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", kvlayer.NotFound(s.name, id)
	}
	if err != nil {
		return "", &kvlayer.IOError{Op: "remove", Path: p, ID: id, Err: err}
	}
	return id, nil
}

// ListIDs returns the ids sorted. Foreign files in the directory are ignored.
func (s *Store[V]) ListIDs(context.Context) ([]string, error) {
	infos, err := s.records()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(infos))
	for _, fi := range infos {
		id, err := keys.FromFileName(fi.Name())
		if err != nil {
			s.log.Debug("ignoring foreign file", kvlayer.Fields{"store": s.name, "file": fi.Name()})
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// LastModified is the newest record file's mtime, or the directory's when empty.
func (s *Store[V]) LastModified(context.Context) (time.Time, error) {
	infos, err := s.records()
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, fi := range infos {
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	if latest.IsZero() {
		st, err := s.fs.Stat(s.dir)
		if err != nil {
			return time.Time{}, &kvlayer.IOError{Op: "stat", Path: s.dir, Err: err}
		}
		latest = st.ModTime()
	}
	return latest, nil
}

func (s *Store[V]) records() ([]os.FileInfo, error) {
	s.mu.RLock()
	infos, err := s.fs.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, &kvlayer.IOError{Op: "read dir", Path: s.dir, Err: err}
	}
	out := infos[:0]
	for _, fi := range infos {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), tmpPrefix) {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}
