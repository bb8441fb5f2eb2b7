// Package logstore is an append-only record log with a plain-text offset index.
//
// A store named n keeps two files in its directory:
//
//	n.data   encoded records, concatenated, no framing
//	n.index  one "id,offset,length\n" line per write, base-10
//
// Writes append the encoded record to n.data and one line to n.index; the
// latest line for an id wins. Deletes drop the id from the in-memory index and
// rewrite n.index from it, leaving n.data untouched. Space of replaced or
// deleted records is never reclaimed.
package logstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/codec"
)

var ErrClosed = errors.New("logstore: closed")

type SyncMode uint8

const (
	// SyncNone leaves flushing to the OS.
	SyncNone SyncMode = iota
	// SyncAlways fsyncs data and index after every mutation.
	SyncAlways
)

type Options[V any] struct {
	Dir  string // created if missing
	Name string // file base name; must not contain path separators

	Codec  codec.Codec[V] // default codec.JSON
	Logger kvlayer.Logger // if nil, NopLogger is used
	Hooks  kvlayer.Hooks  // if nil, NopHooks is used

	DataType string // reported through kvlayer.Typed
	NotCache bool   // refuse to act as the cache side of a CacheAside

	// Strict fails Open on the first unloadable index line instead of
	// skipping it with a warning.
	Strict bool

	SyncMode SyncMode
}

// CorruptIndexError is returned by Open in strict mode.
type CorruptIndexError struct {
	Path   string
	Line   int
	Reason string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("logstore: %s:%d: %s", e.Path, e.Line, e.Reason)
}

type entry struct {
	offset uint64
	length uint32
}

// Store is safe for concurrent use; one mutex serializes every operation.
type Store[V any] struct {
	name      string
	dataPath  string
	indexPath string

	codec    codec.Codec[V]
	log      kvlayer.Logger
	hooks    kvlayer.Hooks
	dataType string
	notCache bool
	syncMode SyncMode

	mu       sync.Mutex
	data     *os.File
	index    *os.File // append-only handle
	dataSize int64
	entries  map[string]entry
	closed   bool
}

var (
	_ kvlayer.Store[struct{}] = (*Store[struct{}])(nil)
	_ kvlayer.Clearer         = (*Store[struct{}])(nil)
	_ kvlayer.Counter         = (*Store[struct{}])(nil)
	_ kvlayer.Modified        = (*Store[struct{}])(nil)
	_ kvlayer.Typed           = (*Store[struct{}])(nil)
	_ kvlayer.CacheCapable    = (*Store[struct{}])(nil)
)

// Open creates the directory and both files as needed and loads the index.
func Open[V any](opts Options[V]) (*Store[V], error) {
	if opts.Dir == "" {
		return nil, kvlayer.IllegalArgument("logstore: dir is required")
	}
	if opts.Name == "" || strings.ContainsAny(opts.Name, `/\`) || opts.Name == "." || opts.Name == ".." {
		return nil, kvlayer.IllegalArgument("logstore: invalid name %q", opts.Name)
	}

	s := &Store[V]{
		name:      "logstore:" + opts.Name,
		dataPath:  filepath.Join(opts.Dir, opts.Name+".data"),
		indexPath: filepath.Join(opts.Dir, opts.Name+".index"),
		dataType:  opts.DataType,
		notCache:  opts.NotCache,
		syncMode:  opts.SyncMode,
		entries:   make(map[string]entry),
	}
	s.codec = opts.Codec
	if s.codec == nil {
		s.codec = codec.JSON[V]{}
	}
	s.log = opts.Logger
	if s.log == nil {
		s.log = kvlayer.NopLogger{}
	}
	s.hooks = opts.Hooks
	if s.hooks == nil {
		s.hooks = kvlayer.NopHooks{}
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &kvlayer.IOError{Op: "create dir", Path: opts.Dir, Err: err}
	}
	data, err := os.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &kvlayer.IOError{Op: "open data", Path: s.dataPath, Err: err}
	}
	st, err := data.Stat()
	if err != nil {
		_ = data.Close()
		return nil, &kvlayer.IOError{Op: "stat data", Path: s.dataPath, Err: err}
	}
	s.data = data
	s.dataSize = st.Size()

	if err := s.loadIndex(opts.Strict); err != nil {
		_ = data.Close()
		return nil, err
	}
	if err := s.openIndexForAppend(); err != nil {
		_ = data.Close()
		return nil, err
	}

	s.log.Debug("log store opened", kvlayer.Fields{
		"store":   s.name,
		"records": len(s.entries),
		"bytes":   s.dataSize,
	})
	return s, nil
}

// loadIndex parses the index file into s.entries. Every append ends in a
// newline, so an unterminated last line is a partial write: it is reported as
// corrupt and cut off so the next append starts on a fresh line.
func (s *Store[V]) loadIndex(strict bool) error {
	f, err := os.OpenFile(s.indexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &kvlayer.IOError{Op: "open index", Path: s.indexPath, Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNo := 0
	var complete int64 // end of the last newline-terminated line
	torn := false
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			if !strings.HasSuffix(line, "\n") {
				torn = true
				if err := s.skipLine(strict, lineNo, "unterminated line"); err != nil {
					return err
				}
			} else {
				complete += int64(len(line))
				if text := strings.TrimRight(line, "\r\n"); text != "" {
					id, e, reason := s.parseLine(text)
					if reason != "" {
						if err := s.skipLine(strict, lineNo, reason); err != nil {
							return err
						}
					} else {
						s.entries[id] = e
					}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &kvlayer.IOError{Op: "read index", Path: s.indexPath, Err: err}
		}
	}
	if torn {
		if err := f.Truncate(complete); err != nil {
			return &kvlayer.IOError{Op: "repair index", Path: s.indexPath, Err: err}
		}
	}
	return nil
}

// skipLine fails in strict mode and otherwise reports the line and moves on.
func (s *Store[V]) skipLine(strict bool, lineNo int, reason string) error {
	if strict {
		return &CorruptIndexError{Path: s.indexPath, Line: lineNo, Reason: reason}
	}
	s.log.Warn("skipping index line", kvlayer.Fields{
		"store":  s.name,
		"path":   s.indexPath,
		"line":   lineNo,
		"reason": reason,
	})
	s.hooks.IndexLineSkipped(s.indexPath, lineNo, reason)
	return nil
}

// parseLine returns a non-empty reason when the line cannot be loaded.
func (s *Store[V]) parseLine(line string) (string, entry, string) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return "", entry{}, fmt.Sprintf("want 3 fields, got %d", len(parts))
	}
	id := parts[0]
	if strings.TrimSpace(id) == "" {
		return "", entry{}, "blank id"
	}
	off, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", entry{}, "bad offset " + strconv.Quote(parts[1])
	}
	n, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return "", entry{}, "bad length " + strconv.Quote(parts[2])
	}
	if off > math.MaxInt64-n || int64(off+n) > s.dataSize {
		return "", entry{}, fmt.Sprintf("range %d+%d beyond data end %d", off, n, s.dataSize)
	}
	return id, entry{offset: off, length: uint32(n)}, ""
}

func (s *Store[V]) openIndexForAppend() error {
	f, err := os.OpenFile(s.indexPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return &kvlayer.IOError{Op: "open index", Path: s.indexPath, Err: err}
	}
	s.index = f
	return nil
}

func (s *Store[V]) Name() string { return s.name }

func (s *Store[V]) DataType() string { return s.dataType }

func (s *Store[V]) UsableAsCache() bool { return !s.notCache }

// checkID rejects ids the index format cannot represent.
func checkID(id string) error {
	if err := kvlayer.CheckID(id); err != nil {
		return err
	}
	if strings.ContainsAny(id, ",\r\n") {
		return kvlayer.IllegalArgument("id %q contains a comma or line break", id)
	}
	return nil
}

func (s *Store[V]) Contains(_ context.Context, id string) (bool, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, s.closedErr("contains", id)
	}
	_, ok := s.entries[id]
	return ok, nil
}

func (s *Store[V]) Get(_ context.Context, id string) (V, error) {
	var zero V
	if err := kvlayer.CheckID(id); err != nil {
		return zero, err
	}
	buf, err := s.read(id)
	if err != nil {
		return zero, err
	}
	v, err := s.codec.Decode(buf)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "decode", Path: s.dataPath, ID: id, Err: err}
	}
	return v, nil
}

func (s *Store[V]) read(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closedErr("get", id)
	}
	e, ok := s.entries[id]
	if !ok {
		return nil, kvlayer.NotFound(s.name, id)
	}
	buf := make([]byte, e.length)
	if _, err := s.data.ReadAt(buf, int64(e.offset)); err != nil {
		return nil, &kvlayer.IOError{Op: "read", Path: s.dataPath, ID: id, Err: err}
	}
	return buf, nil
}

// Put appends v whether or not id exists; the previous record stays in the
// data file unreferenced.
func (s *Store[V]) Put(_ context.Context, id string, v V) (V, error) {
	var zero V
	if err := checkID(id); err != nil {
		return zero, err
	}
	b, err := s.codec.Encode(v)
	if err != nil {
		return zero, &kvlayer.IOError{Op: "encode", ID: id, Err: err}
	}
	if uint64(len(b)) > math.MaxUint32 {
		return zero, kvlayer.IllegalArgument("record %q is %d bytes, over the 4GiB limit", id, len(b))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, s.closedErr("put", id)
	}
	if err := s.appendLocked(id, b); err != nil {
		return zero, err
	}
	return v, nil
}

// Update is Put.
func (s *Store[V]) Update(ctx context.Context, id string, v V) (V, error) {
	return s.Put(ctx, id, v)
}

func (s *Store[V]) appendLocked(id string, b []byte) error {
	off := s.dataSize
	if _, err := s.data.WriteAt(b, off); err != nil {
		// drop a partial tail so the next append lands where the index expects
		_ = s.data.Truncate(off)
		return &kvlayer.IOError{Op: "append data", Path: s.dataPath, ID: id, Err: err}
	}
	s.dataSize += int64(len(b))

	if s.index == nil {
		if err := s.openIndexForAppend(); err != nil {
			return err
		}
	}
	line := id + "," + strconv.FormatInt(off, 10) + "," + strconv.Itoa(len(b)) + "\n"
	st, err := s.index.Stat()
	if err != nil {
		return &kvlayer.IOError{Op: "stat index", Path: s.indexPath, ID: id, Err: err}
	}
	if n, err := s.index.WriteString(line); err != nil {
		if n > 0 {
			// a fragment would be glued onto the next line
			_ = s.index.Truncate(st.Size())
		}
		return &kvlayer.IOError{Op: "append index", Path: s.indexPath, ID: id, Err: err}
	}
	if err := s.syncLocked(); err != nil {
		return &kvlayer.IOError{Op: "sync", Path: s.dataPath, ID: id, Err: err}
	}
	s.entries[id] = entry{offset: uint64(off), length: uint32(len(b))}
	return nil
}

// Delete removes id from the index and rewrites the index file.
func (s *Store[V]) Delete(_ context.Context, id string) (string, error) {
	if err := kvlayer.CheckID(id); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", s.closedErr("delete", id)
	}
	e, ok := s.entries[id]
	if !ok {
		return "", kvlayer.NotFound(s.name, id)
	}
	delete(s.entries, id)
	if err := s.rewriteIndexLocked(); err != nil {
		s.entries[id] = e
		return "", &kvlayer.IOError{Op: "rewrite index", Path: s.indexPath, ID: id, Err: err}
	}
	return id, nil
}

// rewriteIndexLocked replaces the index file with the in-memory index,
// ordered by offset, via a temp file and rename.
func (s *Store[V]) rewriteIndexLocked() error {
	ids := slices.SortedFunc(maps.Keys(s.entries), func(a, b string) int {
		return compareUint64(s.entries[a].offset, s.entries[b].offset)
	})

	tmp := s.indexPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		e := s.entries[id]
		fmt.Fprintf(w, "%s,%d,%d\n", id, e.offset, e.length)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if s.syncMode == SyncAlways {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// the old handle still points at the replaced file
	if s.index != nil {
		_ = s.index.Close()
		s.index = nil
	}
	return s.openIndexForAppend()
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ListIDs returns the ids sorted.
func (s *Store[V]) ListIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closedErr("list", "")
	}
	return slices.Sorted(maps.Keys(s.entries)), nil
}

func (s *Store[V]) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, s.closedErr("count", "")
	}
	return len(s.entries), nil
}

// LastModified is the data file's modification time.
func (s *Store[V]) LastModified(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, s.closedErr("stat", "")
	}
	st, err := s.data.Stat()
	if err != nil {
		return time.Time{}, &kvlayer.IOError{Op: "stat data", Path: s.dataPath, Err: err}
	}
	return st.ModTime(), nil
}

// DeleteAll truncates both files.
func (s *Store[V]) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closedErr("delete all", "")
	}
	if s.index != nil {
		if err := s.index.Truncate(0); err != nil {
			return &kvlayer.IOError{Op: "truncate index", Path: s.indexPath, Err: err}
		}
	} else if err := os.Truncate(s.indexPath, 0); err != nil {
		return &kvlayer.IOError{Op: "truncate index", Path: s.indexPath, Err: err}
	}
	clear(s.entries)
	if err := s.data.Truncate(0); err != nil {
		return &kvlayer.IOError{Op: "truncate data", Path: s.dataPath, Err: err}
	}
	s.dataSize = 0
	if err := s.syncLocked(); err != nil {
		return &kvlayer.IOError{Op: "sync", Path: s.dataPath, Err: err}
	}
	return nil
}

// Close releases both files. Later calls return ErrClosed wrapped in an *IOError.
func (s *Store[V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	errs = append(errs, s.data.Close())
	return errors.Join(errs...)
}

func (s *Store[V]) syncLocked() error {
	if s.syncMode != SyncAlways {
		return nil
	}
	if err := s.data.Sync(); err != nil {
		return err
	}
	if s.index != nil {
		return s.index.Sync()
	}
	return nil
}

func (s *Store[V]) closedErr(op, id string) error {
	return &kvlayer.IOError{Op: op, Path: s.dataPath, ID: id, Err: ErrClosed}
}
