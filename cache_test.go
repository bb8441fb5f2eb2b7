package kvlayer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestCacheAside(t *testing.T, primary, cache Store[string], opts CacheOptions) *CacheAside[string] {
	t.Helper()
	c, err := NewCacheAside(primary, cache, opts)
	if err != nil {
		t.Fatalf("NewCacheAside: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestMissPopulatesCache(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["u1"] = "ada"
	c := newTestCacheAside(t, primary, cache, CacheOptions{})

	if v, err := c.Get(ctx, "u1"); err != nil || v != "ada" {
		t.Fatalf("Get=%q, %v", v, err)
	}
	c.Flush()
	if v, ok := cache.value("u1"); !ok || v != "ada" {
		t.Fatalf("cache not populated after miss: %q %v", v, ok)
	}
	if v, err := c.Get(ctx, "u1"); err != nil || v != "ada" {
		t.Fatalf("second Get=%q, %v", v, err)
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Retrievals != 2 {
		t.Fatalf("stats=%+v", s)
	}
	if s.HitRate() != 0.5 {
		t.Fatalf("HitRate=%v", s.HitRate())
	}
	c.ResetStats()
	if c.Stats() != (CacheStats{}) {
		t.Fatalf("stats not reset: %+v", c.Stats())
	}
}

func TestMissOnBothSides(t *testing.T) {
	ctx := context.Background()
	c := newTestCacheAside(t, newFake("primary"), newFake("cache"), CacheOptions{})
	if _, err := c.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
	if _, err := c.Get(ctx, "  "); !errors.Is(err, ErrIllegalArgument) {
		t.Fatalf("blank id err=%v", err)
	}
}

func TestWritesReachBothSides(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	c := newTestCacheAside(t, primary, cache, CacheOptions{})

	if _, err := c.Update(ctx, "k", "v1"); err != nil {
		t.Fatalf("Update of a missing id: %v", err)
	}
	if _, err := c.Put(ctx, "k", "v2"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, s := range []*fakeStore{primary, cache} {
		if v, _ := s.value("k"); v != "v2" {
			t.Fatalf("%s holds %q", s.name, v)
		}
	}
	if ok, _ := c.Contains(ctx, "k"); !ok {
		t.Fatalf("Contains=false")
	}

	if id, err := c.Delete(ctx, "k"); err != nil || id != "k" {
		t.Fatalf("Delete=%q, %v", id, err)
	}
	for _, s := range []*fakeStore{primary, cache} {
		if _, ok := s.value("k"); ok {
			t.Fatalf("%s still holds k", s.name)
		}
	}
	if _, err := c.Delete(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestCacheFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	cache.putErr = errBoom
	hooks := &recHooks{}
	c := newTestCacheAside(t, primary, cache, CacheOptions{Hooks: hooks})

	if _, err := c.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("Put with failing cache: %v", err)
	}
	if v, _ := primary.value("k"); v != "v" {
		t.Fatalf("primary holds %q", v)
	}
	if len(hooks.cacheFailed) != 1 || hooks.cacheFailed[0] != "put" {
		t.Fatalf("cacheFailed=%v", hooks.cacheFailed)
	}

	primary.putErr = errBoom
	if _, err := c.Put(ctx, "k", "w"); !errors.Is(err, errBoom) {
		t.Fatalf("primary failure must surface, got %v", err)
	}
}

func TestStaleWriteBackIsSkipped(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["k"] = "old"
	hooks := &recHooks{}
	c := newTestCacheAside(t, primary, cache, CacheOptions{Hooks: hooks})

	entered, release := primary.hold("k")
	got := make(chan string, 1)
	go func() {
		v, _ := c.Get(ctx, "k")
		got <- v
	}()
	<-entered
	primary.setOnGet(nil)

	if _, err := c.Put(ctx, "k", "new"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	close(release)
	if v := <-got; v != "old" {
		t.Fatalf("Get returned %q, want the value read before the Put", v)
	}
	c.Flush()

	if v, _ := cache.value("k"); v != "new" {
		t.Fatalf("cache holds %q; stale write-back overwrote the newer value", v)
	}
	if hooks.skips() != 1 {
		t.Fatalf("WriteBackSkipped=%d want 1", hooks.skips())
	}
}

func TestWriteBackCannotOverwriteNewerPut(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["k"] = "v1"
	c := newTestCacheAside(t, primary, cache, CacheOptions{})

	// park the write-back of v1 after its generation check
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	cache.mu.Lock()
	cache.onPut = func(_, v string) {
		if v == "v1" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}
	cache.mu.Unlock()

	if v, err := c.Get(ctx, "k"); err != nil || v != "v1" {
		t.Fatalf("Get=%q, %v", v, err)
	}
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := c.Put(ctx, "k", "v2")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("Put finished while the write-back held id k: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Flush()

	if v, _ := cache.value("k"); v != "v2" {
		t.Fatalf("cache holds %q want v2", v)
	}
	if v, err := c.Get(ctx, "k"); err != nil || v != "v2" {
		t.Fatalf("Get after Put=%q, %v", v, err)
	}
}

func TestSharedLookupOutlivesCallerCancel(t *testing.T) {
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["k"] = "v"
	c := newTestCacheAside(t, primary, cache, CacheOptions{})

	entered, release := primary.hold("k")
	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		v   string
		err error
	}
	got := make(chan result, 1)
	go func() {
		v, err := c.Get(ctx, "k")
		got <- result{v, err}
	}()
	<-entered
	cancel()
	close(release)

	if r := <-got; r.err != nil || r.v != "v" {
		t.Fatalf("Get=%q, %v want the shared lookup result", r.v, r.err)
	}
	c.Flush()
	if v, _ := cache.value("k"); v != "v" {
		t.Fatalf("cache holds %q after the lookup", v)
	}
}

func TestRaceCacheWins(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["k"] = "from-primary"
	cache.m["k"] = "from-cache"
	c := newTestCacheAside(t, primary, cache, CacheOptions{Race: true})

	_, release := primary.hold("k")
	v, err := c.Get(ctx, "k")
	if err != nil || v != "from-cache" {
		t.Fatalf("Get=%q, %v", v, err)
	}
	close(release)
	c.Flush()
	if s := c.Stats(); s.Hits != 1 || s.Misses != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestRacePrimaryFillsMiss(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["k"] = "v"
	c := newTestCacheAside(t, primary, cache, CacheOptions{Race: true})

	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get=%q, %v", v, err)
	}
	c.Flush()
	if v, _ := cache.value("k"); v != "v" {
		t.Fatalf("cache holds %q after race miss", v)
	}
	if s := c.Stats(); s.Hits != 0 || s.Misses != 1 {
		t.Fatalf("stats=%+v", s)
	}
	if _, err := c.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent id: %v", err)
	}
}

func TestGenerationFailureSkipsCaching(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	primary.m["k"] = "v"
	c := newTestCacheAside(t, primary, cache, CacheOptions{GenStore: failingGenStore{err: errBoom}})

	if v, err := c.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get=%q, %v", v, err)
	}
	c.Flush()
	if _, ok := cache.value("k"); ok {
		t.Fatalf("value cached without a generation snapshot")
	}
	if _, err := c.Put(ctx, "k2", "v2"); err != nil {
		t.Fatalf("Put with failing gen store: %v", err)
	}
}

func TestConstructionChecks(t *testing.T) {
	refusing := typedFake{newFake("cache")}
	refusing.notCache = true
	if _, err := NewCacheAside[string](newFake("p"), refusing, CacheOptions{}); !errors.Is(err, ErrInvalidCache) {
		t.Fatalf("err=%v want ErrInvalidCache", err)
	}

	users, orders := typedFake{newFake("p")}, typedFake{newFake("c")}
	users.dataType, orders.dataType = "user", "order"
	if _, err := NewCacheAside[string](users, orders, CacheOptions{}); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("err=%v want ErrTypeMismatch", err)
	}

	untyped := typedFake{newFake("c2")}
	c, err := NewCacheAside[string](users, untyped, CacheOptions{})
	if err != nil {
		t.Fatalf("an untyped cache must be accepted: %v", err)
	}
	_ = c.Close(context.Background())
}

func TestDeleteAllClearsBothSides(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	c := newTestCacheAside(t, primary, cache, CacheOptions{})
	for _, id := range []string{"a", "b", "c"} {
		_, _ = c.Put(ctx, id, id)
	}
	if err := DeleteAll[string](ctx, c); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n, _ := Count[string](ctx, primary); n != 0 {
		t.Fatalf("primary Count=%d", n)
	}
	if n, _ := Count[string](ctx, cache); n != 0 {
		t.Fatalf("cache Count=%d", n)
	}
}

func TestWarm(t *testing.T) {
	ctx := context.Background()
	primary, cache := newFake("primary"), newFake("cache")
	for _, id := range []string{"a", "b", "c"} {
		primary.m[id] = id + "!"
	}
	c := newTestCacheAside(t, primary, cache, CacheOptions{})
	if err := c.Warm(ctx); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if v, _ := cache.value("b"); v != "b!" {
		t.Fatalf("cache b=%q", v)
	}

	cache.putErr = errBoom
	err := c.Warm(ctx)
	var ce *CompositeError
	if !errors.As(err, &ce) || len(ce.Failures) != 3 {
		t.Fatalf("err=%v want 3 failures", err)
	}
}
