package kvlayer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/kvlayer/genstore"
)

// fakeStore is a map-backed Store with failure injection. It implements no
// optional capability, so the package-level defaults are exercised.
type fakeStore struct {
	name     string
	dataType string
	notCache bool

	mu sync.Mutex
	m  map[string]string

	putErr     error
	listErr    error
	deleteErrs map[string]error

	// onGet, when set, runs on every Get after the value was read.
	onGet func(id string)
	// onPut, when set, runs on every Put before the value is stored.
	onPut func(id, v string)
}

var _ Store[string] = (*fakeStore)(nil)

func newFake(name string) *fakeStore {
	return &fakeStore{name: name, m: make(map[string]string)}
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Contains(_ context.Context, id string) (bool, error) {
	if err := CheckID(id); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.m[id]
	return ok, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (string, error) {
	if err := CheckID(id); err != nil {
		return "", err
	}
	f.mu.Lock()
	v, ok := f.m[id]
	hook := f.onGet
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ok {
		return "", NotFound(f.name, id)
	}
	return v, nil
}

func (f *fakeStore) Put(_ context.Context, id string, v string) (string, error) {
	if err := CheckID(id); err != nil {
		return "", err
	}
	f.mu.Lock()
	hook := f.onPut
	f.mu.Unlock()
	if hook != nil {
		hook(id, v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.m[id] = v
	return v, nil
}

func (f *fakeStore) Update(ctx context.Context, id string, v string) (string, error) {
	return f.Put(ctx, id, v)
}

func (f *fakeStore) Delete(_ context.Context, id string) (string, error) {
	if err := CheckID(id); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErrs[id]; err != nil {
		return "", err
	}
	if _, ok := f.m[id]; !ok {
		return "", NotFound(f.name, id)
	}
	delete(f.m, id)
	return id, nil
}

func (f *fakeStore) ListIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := make([]string, 0, len(f.m))
	for id := range f.m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *fakeStore) value(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[id]
	return v, ok
}

func (f *fakeStore) setOnGet(fn func(id string)) {
	f.mu.Lock()
	f.onGet = fn
	f.mu.Unlock()
}

// hold makes the next Gets of id block until release is closed; entered
// receives once per blocked Get.
func (f *fakeStore) hold(id string) (entered chan struct{}, release chan struct{}) {
	entered, release = make(chan struct{}, 8), make(chan struct{})
	f.setOnGet(func(got string) {
		if got != id {
			return
		}
		entered <- struct{}{}
		<-release
	})
	return entered, release
}

// typedFake adds the Typed and CacheCapable capabilities.
type typedFake struct{ *fakeStore }

func (t typedFake) DataType() string    { return t.dataType }
func (t typedFake) UsableAsCache() bool { return !t.notCache }

// recHooks counts events.
type recHooks struct {
	NopHooks
	mu          sync.Mutex
	evicted     []string
	skipped     int
	cacheFailed []string
	invalidated []string
}

func (h *recHooks) Evicted(_, id string, _ int64) {
	h.mu.Lock()
	h.evicted = append(h.evicted, id)
	h.mu.Unlock()
}

func (h *recHooks) WriteBackSkipped(string, string) {
	h.mu.Lock()
	h.skipped++
	h.mu.Unlock()
}

func (h *recHooks) CacheWriteFailed(_, _, op string, _ error) {
	h.mu.Lock()
	h.cacheFailed = append(h.cacheFailed, op)
	h.mu.Unlock()
}

func (h *recHooks) SizeInvalidated(_, reason string) {
	h.mu.Lock()
	h.invalidated = append(h.invalidated, reason)
	h.mu.Unlock()
}

func (h *recHooks) skips() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipped
}

// failingGenStore fails every operation.
type failingGenStore struct{ err error }

var _ genstore.GenStore = failingGenStore{}

func (g failingGenStore) Snapshot(context.Context, string) (uint64, error) { return 0, g.err }
func (g failingGenStore) SnapshotMany(context.Context, []string) (map[string]uint64, error) {
	return nil, g.err
}
func (g failingGenStore) Bump(context.Context, string) (uint64, error) { return 0, g.err }
func (g failingGenStore) Cleanup(time.Duration)                     {}
func (g failingGenStore) Close(context.Context) error               { return nil }

var errBoom = errors.New("boom")

func byteLen(s string) int64 { return int64(len(s)) }
