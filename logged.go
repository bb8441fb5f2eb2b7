package kvlayer

import (
	"context"
	"time"
)

// Logged logs every operation on the wrapped store at debug level and every
// failure other than not-found at warn level. Logger output is the only
// side effect; results pass through untouched.
type Logged[V any] struct {
	Store[V]
	prefix string
	log    Logger
}

var (
	_ Clearer  = (*Logged[struct{}])(nil)
	_ Counter  = (*Logged[struct{}])(nil)
	_ Modified = (*Logged[struct{}])(nil)
)

// NewLogged wraps inner. prefix tags every entry; it defaults to inner.Name().
func NewLogged[V any](inner Store[V], prefix string, log Logger) *Logged[V] {
	return &Logged[V]{
		Store:  inner,
		prefix: coalesce[string](prefix, inner.Name()),
		log:    coalesce[Logger](log, NopLogger{}),
	}
}

func (l *Logged[V]) Contains(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := l.Store.Contains(ctx, id)
	l.done("contains", id, start, err, Fields{"found": ok})
	return ok, err
}

func (l *Logged[V]) Get(ctx context.Context, id string) (V, error) {
	start := time.Now()
	v, err := l.Store.Get(ctx, id)
	l.done("get", id, start, err, nil)
	return v, err
}

func (l *Logged[V]) Put(ctx context.Context, id string, v V) (V, error) {
	start := time.Now()
	out, err := l.Store.Put(ctx, id, v)
	l.done("put", id, start, err, nil)
	return out, err
}

func (l *Logged[V]) Update(ctx context.Context, id string, v V) (V, error) {
	start := time.Now()
	out, err := l.Store.Update(ctx, id, v)
	l.done("update", id, start, err, nil)
	return out, err
}

func (l *Logged[V]) Delete(ctx context.Context, id string) (string, error) {
	start := time.Now()
	out, err := l.Store.Delete(ctx, id)
	l.done("delete", id, start, err, nil)
	return out, err
}

func (l *Logged[V]) ListIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	ids, err := l.Store.ListIDs(ctx)
	l.done("list", "", start, err, Fields{"count": len(ids)})
	return ids, err
}

func (l *Logged[V]) DeleteAll(ctx context.Context) error {
	start := time.Now()
	err := DeleteAll(ctx, l.Store)
	l.done("delete_all", "", start, err, nil)
	return err
}

func (l *Logged[V]) Count(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := Count(ctx, l.Store)
	l.done("count", "", start, err, Fields{"count": n})
	return n, err
}

func (l *Logged[V]) LastModified(ctx context.Context) (time.Time, error) {
	return LastModified(ctx, l.Store)
}

func (l *Logged[V]) DataType() string {
	dt, _ := dataType(l.Store)
	return dt
}

func (l *Logged[V]) UsableAsCache() bool { return usableAsCache(l.Store) }

func (l *Logged[V]) done(op, id string, start time.Time, err error, extra Fields) {
	f := Fields{"store": l.prefix, "op": op, "took": time.Since(start)}
	if id != "" {
		f["id"] = id
	}
	for k, v := range extra {
		f[k] = v
	}
	switch {
	case err == nil:
		l.log.Debug(l.prefix+": "+op, f)
	case isNotFound(err):
		f["err"] = err
		l.log.Debug(l.prefix+": "+op+" (not found)", f)
	default:
		f["err"] = err
		l.log.Warn(l.prefix+": "+op+" failed", f)
	}
}
