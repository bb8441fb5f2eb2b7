package kvlayer

import (
	"context"
	"errors"
	"time"
)

// DeleteAll clears s. Stores implementing Clearer decide for themselves;
// otherwise every listed id is deleted and all failures are collected into a
// *CompositeError. The default never stops at the first failure.
func DeleteAll[V any](ctx context.Context, s Store[V]) error {
	if c, ok := s.(Clearer); ok {
		return c.DeleteAll(ctx)
	}
	return DeleteEach(ctx, s)
}

// DeleteEach is the list-then-delete default behind DeleteAll. Stores that
// implement Clearer may call it to get the default plus their own bookkeeping.
func DeleteEach[V any](ctx context.Context, s Store[V]) error {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return err
	}
	var failures []IDError
	for _, id := range ids {
		if _, err := s.Delete(ctx, id); err != nil {
			failures = append(failures, IDError{ID: id, Err: err})
		}
	}
	if len(failures) > 0 {
		return &CompositeError{Op: s.Name() + ": delete all", Failures: failures}
	}
	return nil
}

// Count returns the number of records in s.
func Count[V any](ctx context.Context, s Store[V]) (int, error) {
	if c, ok := s.(Counter); ok {
		return c.Count(ctx)
	}
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// LastModified returns errors.ErrUnsupported when s cannot tell.
func LastModified[V any](ctx context.Context, s Store[V]) (time.Time, error) {
	if m, ok := s.(Modified); ok {
		return m.LastModified(ctx)
	}
	return time.Time{}, errors.ErrUnsupported
}

// dataType reports the record kind of s; an empty kind counts as unknown.
func dataType(s any) (string, bool) {
	if t, ok := s.(Typed); ok {
		dt := t.DataType()
		return dt, dt != ""
	}
	return "", false
}

// usableAsCache is true unless s explicitly refuses.
func usableAsCache(s any) bool {
	if c, ok := s.(CacheCapable); ok {
		return c.UsableAsCache()
	}
	return true
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
