package logstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/codec"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type skipHooks struct {
	kvlayer.NopHooks
	mu    sync.Mutex
	lines []int
}

func (h *skipHooks) IndexLineSkipped(_ string, line int, _ string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
}

func open(t *testing.T, dir string, mut ...func(*Options[user])) *Store[user] {
	t.Helper()
	opts := Options[user]{Dir: dir, Name: "users", Codec: codec.JSON[user]{}}
	for _, m := range mut {
		m(&opts)
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store[user], id string, u user) {
	t.Helper()
	if _, err := s.Put(context.Background(), id, u); err != nil {
		t.Fatalf("Put(%q): %v", id, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// ==== basic contract ====

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t, t.TempDir())

	in := user{ID: "1", Name: "ada"}
	out, err := s.Put(ctx, "1", in)
	if err != nil || out != in {
		t.Fatalf("Put returned %v, %v", out, err)
	}
	got, err := s.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != in {
		t.Fatalf("got %+v want %+v", got, in)
	}
	ok, _ := s.Contains(ctx, "1")
	if !ok {
		t.Fatalf("Contains(1)=false after Put")
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := open(t, t.TempDir())
	_, err := s.Get(context.Background(), "nope")
	var nf *kvlayer.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "nope" {
		t.Fatalf("want *NotFoundError for nope, got %v", err)
	}
	if !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("errors.Is(ErrNotFound) = false")
	}
}

func TestRejectsUnrepresentableIDs(t *testing.T) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	for _, id := range []string{"", "   ", "a,b", "a\nb", "a\rb"} {
		if _, err := s.Put(ctx, id, user{}); !errors.Is(err, kvlayer.ErrIllegalArgument) {
			t.Fatalf("Put(%q) err=%v want ErrIllegalArgument", id, err)
		}
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("Count=%d after rejected puts", n)
	}
}

func TestUpdateUpsertsUnknownID(t *testing.T) {
	ctx := context.Background()
	s := open(t, t.TempDir())
	if _, err := s.Update(ctx, "fresh", user{Name: "new"}); err != nil {
		t.Fatalf("Update on unknown id: %v", err)
	}
	got, err := s.Get(ctx, "fresh")
	if err != nil || got.Name != "new" {
		t.Fatalf("got %+v, %v", got, err)
	}
}

func TestOverwriteAppendsAndLatestWins(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir)
	mustPut(t, s, "a", user{Name: "v1"})
	size1 := len(readFile(t, filepath.Join(dir, "users.data")))
	mustPut(t, s, "a", user{Name: "v2"})
	size2 := len(readFile(t, filepath.Join(dir, "users.data")))
	if size2 <= size1 {
		t.Fatalf("data log did not grow on overwrite: %d -> %d", size1, size2)
	}
	got, _ := s.Get(ctx, "a")
	if got.Name != "v2" {
		t.Fatalf("got %q want v2", got.Name)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("Count=%d want 1", n)
	}
}

// ==== durability ====

func TestReopenRestoresIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir)
	mustPut(t, s, "a", user{Name: "A"})
	mustPut(t, s, "b", user{Name: "B"})
	mustPut(t, s, "a", user{Name: "A2"})
	if _, err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := open(t, dir)
	got, err := r.Get(ctx, "a")
	if err != nil || got.Name != "A2" {
		t.Fatalf("after reopen got %+v, %v", got, err)
	}
	if _, err := r.Get(ctx, "b"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("deleted id visible after reopen: %v", err)
	}
	ids, _ := r.ListIDs(ctx)
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("ListIDs=%v want [a]", ids)
	}
}

func TestDeleteRewritesIndexButNotData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir)
	mustPut(t, s, "a", user{Name: "A"})
	mustPut(t, s, "b", user{Name: "B"})
	before := readFile(t, filepath.Join(dir, "users.data"))

	id, err := s.Delete(ctx, "a")
	if err != nil || id != "a" {
		t.Fatalf("Delete=%q, %v", id, err)
	}
	if after := readFile(t, filepath.Join(dir, "users.data")); after != before {
		t.Fatalf("data log changed on delete")
	}
	idx := readFile(t, filepath.Join(dir, "users.index"))
	if strings.Contains(idx, "a,") || !strings.HasPrefix(idx, "b,") {
		t.Fatalf("index not rewritten: %q", idx)
	}
	if _, err := s.Delete(ctx, "a"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("second delete err=%v want NotFound", err)
	}
	// appends keep working on the replaced index file
	mustPut(t, s, "c", user{Name: "C"})
	if idx := readFile(t, filepath.Join(dir, "users.index")); !strings.Contains(idx, "c,") {
		t.Fatalf("append after rewrite lost: %q", idx)
	}
}

// ==== index corruption ====

func writeCorruptIndex(t *testing.T, dir string) {
	t.Helper()
	data := `{"id":"1","name":"a"}{"id":"2","name":"b"}`
	index := strings.Join([]string{
		"one,0,21",
		"garbage",
		"two,x,21",
		"two,21,21",
		"three,40,100", // beyond the data end
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "users.data"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "users.index"), []byte(index), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCorruptIndexLinesAreSkippedAndReported(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeCorruptIndex(t, dir)
	hooks := &skipHooks{}
	s := open(t, dir, func(o *Options[user]) { o.Hooks = hooks })

	ids, _ := s.ListIDs(ctx)
	if fmt.Sprint(ids) != "[one two]" {
		t.Fatalf("ListIDs=%v want [one two]", ids)
	}
	if got, _ := s.Get(ctx, "two"); got.Name != "b" {
		t.Fatalf("two=%+v", got)
	}
	if fmt.Sprint(hooks.lines) != "[2 3 5]" {
		t.Fatalf("skipped lines=%v want [2 3 5]", hooks.lines)
	}
}

func TestStrictOpenFailsOnCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	writeCorruptIndex(t, dir)
	_, err := Open(Options[user]{Dir: dir, Name: "users", Strict: true})
	var ce *CorruptIndexError
	if !errors.As(err, &ce) {
		t.Fatalf("want *CorruptIndexError, got %v", err)
	}
	if ce.Line != 2 {
		t.Fatalf("Line=%d want 2", ce.Line)
	}
}

func TestDuplicateIndexLinesLastWins(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := `"first""second"`
	index := "k,0,7\nk,7,8\n"
	_ = os.WriteFile(filepath.Join(dir, "s.data"), []byte(data), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "s.index"), []byte(index), 0o644)

	s, err := Open(Options[string]{Dir: dir, Name: "s"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "k")
	if err != nil || got != "second" {
		t.Fatalf("got %q, %v want second", got, err)
	}
}

func TestTornIndexTailIsDroppedAndCut(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	payload := `{"id":"a","name":"aaaaaaaa"}`
	_ = os.WriteFile(filepath.Join(dir, "users.data"), []byte(payload), 0o644)
	// the full line would have been "a,0,28\n"
	_ = os.WriteFile(filepath.Join(dir, "users.index"), []byte("a,0,2"), 0o644)

	h := &skipHooks{}
	s := open(t, dir, func(o *Options[user]) { o.Hooks = h })
	if ids, _ := s.ListIDs(ctx); len(ids) != 0 {
		t.Fatalf("ListIDs=%v want none", ids)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("Get(a) err=%v want not found", err)
	}
	if fmt.Sprint(h.lines) != "[1]" {
		t.Fatalf("skipped lines=%v want [1]", h.lines)
	}
	if idx := readFile(t, filepath.Join(dir, "users.index")); idx != "" {
		t.Fatalf("index not cut back: %q", idx)
	}

	mustPut(t, s, "c", user{Name: "c"})
	_ = s.Close()

	r := open(t, dir)
	ids, _ := r.ListIDs(ctx)
	if fmt.Sprint(ids) != "[c]" {
		t.Fatalf("ListIDs=%v want [c]", ids)
	}
	if idx := readFile(t, filepath.Join(dir, "users.index")); !strings.HasPrefix(idx, "c,") || !strings.HasSuffix(idx, "\n") {
		t.Fatalf("index=%q", idx)
	}
}

func TestTornIndexTailKeepsCompleteLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "users.data"), []byte(`{"name":"a"}`), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "users.index"), []byte("a,0,12\na,0,1"), 0o644)

	s := open(t, dir)
	got, err := s.Get(ctx, "a")
	if err != nil || got.Name != "a" {
		t.Fatalf("Get(a)=%+v, %v", got, err)
	}
	if idx := readFile(t, filepath.Join(dir, "users.index")); idx != "a,0,12\n" {
		t.Fatalf("index=%q want the complete line only", idx)
	}
}

func TestTornIndexTailStrict(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "users.data"), []byte(`{"name":"a"}`), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "users.index"), []byte("a,0,12\nb,0"), 0o644)

	_, err := Open(Options[user]{Dir: dir, Name: "users", Strict: true})
	var ce *CorruptIndexError
	if !errors.As(err, &ce) || ce.Line != 2 {
		t.Fatalf("err=%v want CorruptIndexError at line 2", err)
	}
}

// ==== extras ====

func TestCountLastModifiedDeleteAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir)
	mustPut(t, s, "a", user{})
	mustPut(t, s, "b", user{})

	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("Count=%d want 2", n)
	}
	if ts, err := s.LastModified(ctx); err != nil || ts.IsZero() {
		t.Fatalf("LastModified=%v, %v", ts, err)
	}
	if err := kvlayer.DeleteAll[user](ctx, s); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("Count=%d after DeleteAll", n)
	}
	if d := readFile(t, filepath.Join(dir, "users.data")); d != "" {
		t.Fatalf("data not truncated: %q", d)
	}
	mustPut(t, s, "c", user{Name: "C"})
	if got, _ := s.Get(ctx, "c"); got.Name != "C" {
		t.Fatalf("put after DeleteAll: %+v", got)
	}
}

func TestClosedStoreFails(t *testing.T) {
	s := open(t, t.TempDir())
	_ = s.Close()
	_, err := s.Get(context.Background(), "a")
	if !errors.Is(err, ErrClosed) || !errors.Is(err, kvlayer.ErrIO) {
		t.Fatalf("err=%v want ErrClosed wrapped as IO failure", err)
	}
}

func TestCacheCapabilityAndType(t *testing.T) {
	s := open(t, t.TempDir(), func(o *Options[user]) {
		o.NotCache = true
		o.DataType = "user"
	})
	if s.UsableAsCache() || s.DataType() != "user" {
		t.Fatalf("UsableAsCache=%v DataType=%q", s.UsableAsCache(), s.DataType())
	}
}

func TestConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir, func(o *Options[user]) { o.SyncMode = SyncAlways })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%02d", i)
			if _, err := s.Put(ctx, id, user{ID: id}); err != nil {
				t.Errorf("Put(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	_ = s.Close()

	r := open(t, dir)
	for i := 0; i < 32; i++ {
		id := fmt.Sprintf("u%02d", i)
		got, err := r.Get(ctx, id)
		if err != nil || got.ID != id {
			t.Fatalf("Get(%s)=%+v, %v", id, got, err)
		}
	}
}
