package providerstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/codec"
	"github.com/unkn0wn-root/kvlayer/provider"
	"github.com/unkn0wn-root/kvlayer/provider/bigcache"
)

type memEntry struct {
	v   []byte
	exp time.Time
}

type memProvider struct {
	mu     sync.Mutex
	m      map[string]memEntry
	reject bool
}

var (
	_ provider.Provider = (*memProvider)(nil)
	_ provider.Lister   = (*memProvider)(nil)
)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.m[key] = memEntry{v: value, exp: exp}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Keys(_ context.Context, prefix string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (p *memProvider) Close(context.Context) error { return nil }

// noList hides the Lister of the wrapped provider.
type noList struct{ provider.Provider }

type item struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(Options[item]{Provider: newMemProvider(), Namespace: "items"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "i1", item{SKU: "a", Qty: 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "i1")
	if err != nil || got.Qty != 2 {
		t.Fatalf("Get=%+v, %v", got, err)
	}
	if _, err := s.Delete(ctx, "i1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Delete(ctx, "i1"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("second Delete: %v", err)
	}
	if ts, _ := s.LastModified(ctx); ts.IsZero() {
		t.Fatalf("LastModified zero after writes")
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	a, _ := New(Options[item]{Provider: mp, Namespace: "a"})
	b, _ := New(Options[item]{Provider: mp, Namespace: "b"})

	_, _ = a.Put(ctx, "x", item{Qty: 1})
	_, _ = a.Put(ctx, "y", item{Qty: 2})
	_, _ = b.Put(ctx, "x", item{Qty: 9})

	ids, err := a.ListIDs(ctx)
	if err != nil || fmt.Sprint(ids) != "[x y]" {
		t.Fatalf("ListIDs=%v, %v", ids, err)
	}
	if got, _ := b.Get(ctx, "x"); got.Qty != 9 {
		t.Fatalf("b sees a's record: %+v", got)
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	s, _ := New(Options[item]{Provider: mp, Namespace: "items"})
	_, _ = mp.Set(ctx, "kv:items:bad", []byte("not framed"), 0, 0)

	if _, err := s.Get(ctx, "bad"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
	if _, ok, _ := mp.Get(ctx, "kv:items:bad"); ok {
		t.Fatalf("corrupt entry was not dropped")
	}
}

func TestRejectedWriteFails(t *testing.T) {
	mp := newMemProvider()
	mp.reject = true
	s, _ := New(Options[item]{Provider: mp, Namespace: "items"})
	if _, err := s.Put(context.Background(), "i", item{}); !errors.Is(err, kvlayer.ErrIO) {
		t.Fatalf("err=%v want io failure", err)
	}
}

func TestListWithoutListerFails(t *testing.T) {
	s, _ := New(Options[item]{Provider: noList{newMemProvider()}, Namespace: "items"})
	if _, err := s.ListIDs(context.Background()); !errors.Is(err, ErrNotListable) {
		t.Fatalf("err=%v", err)
	}
}

func TestOverBigcache(t *testing.T) {
	ctx := context.Background()
	bp, err := bigcache.New(ctx, bigcache.Config{Shards: 16})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := New(Options[string]{Provider: bp, Namespace: "s", Codec: codec.String{}, CloseProvider: true})
	defer func() { _ = s.Close(ctx) }()

	for i := 0; i < 4; i++ {
		if _, err := s.Put(ctx, fmt.Sprint("k", i), fmt.Sprint("v", i)); err != nil {
			t.Fatal(err)
		}
	}
	if got, _ := s.Get(ctx, "k2"); got != "v2" {
		t.Fatalf("got %q", got)
	}
	if n, _ := kvlayer.Count[string](ctx, s); n != 4 {
		t.Fatalf("Count=%d want 4", n)
	}
}
