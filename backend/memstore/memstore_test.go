package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/unkn0wn-root/kvlayer"
)

func TestContract(t *testing.T) {
	ctx := context.Background()
	s := New[string](Options{Name: "t"})

	if _, err := s.Put(ctx, "b", "B"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, "a", "A"); err != nil {
		t.Fatalf("Update must upsert: %v", err)
	}
	if v, err := s.Get(ctx, "a"); err != nil || v != "A" {
		t.Fatalf("Get(a)=%q, %v", v, err)
	}
	ids, _ := s.ListIDs(ctx)
	if fmt.Sprint(ids) != "[a b]" {
		t.Fatalf("ListIDs=%v", ids)
	}
	if id, err := s.Delete(ctx, "a"); err != nil || id != "a" {
		t.Fatalf("Delete=%q, %v", id, err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if _, err := s.Delete(ctx, "a"); !errors.Is(err, kvlayer.ErrNotFound) {
		t.Fatalf("Delete unknown: %v", err)
	}
	if _, err := s.Get(ctx, " "); !errors.Is(err, kvlayer.ErrIllegalArgument) {
		t.Fatalf("blank id: %v", err)
	}
	if ts, _ := s.LastModified(ctx); ts.IsZero() {
		t.Fatalf("LastModified zero after writes")
	}
	if _, ok := s.ModifiedAt("b"); !ok {
		t.Fatalf("ModifiedAt(b) missing")
	}
}

func TestRegistrySharesByName(t *testing.T) {
	r := NewRegistry()
	a, err := Shared[string](r, Options{Name: "cache", DataType: "user"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Shared[string](r, Options{Name: "cache", DataType: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("same name returned different stores")
	}

	if _, err := Shared[string](r, Options{Name: "cache", DataType: "order"}); !errors.Is(err, ErrRegistryConflict) {
		t.Fatalf("option mismatch: %v", err)
	}
	if _, err := Shared[int](r, Options{Name: "cache", DataType: "user"}); !errors.Is(err, ErrRegistryConflict) {
		t.Fatalf("type mismatch: %v", err)
	}

	r.Forget("cache")
	c, _ := Shared[string](r, Options{Name: "cache", DataType: "user"})
	if c == a {
		t.Fatalf("Forget did not drop the store")
	}
}

func TestSeparateRegistriesAreIsolated(t *testing.T) {
	a, _ := Shared[string](NewRegistry(), Options{Name: "x"})
	b, _ := Shared[string](NewRegistry(), Options{Name: "x"})
	if a == b {
		t.Fatalf("registries leaked state")
	}
}
