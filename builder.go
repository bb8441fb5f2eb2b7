package kvlayer

import "fmt"

type BuilderOptions struct {
	Logger Logger // shared by every layer; if nil, NopLogger is used
	Hooks  Hooks  // shared by every layer; if nil, NopHooks is used
}

// Builder stacks decorators around a backend in call order. Each With* call
// wraps the current stack; the first construction error is kept and
// returned by Build, later calls become no-ops.
//
//	store, err := kvlayer.NewBuilder[User](backend, kvlayer.BuilderOptions{Logger: log}).
//		WithSize(sizeOfUser).
//		WithCapacity(kvlayer.EvictionPolicy{CapacityBytes: 1 << 20}).
//		WithCache(cache, kvlayer.CacheOptions{}).
//		Build()
//
// WithCapacity must directly follow WithSize.
type Builder[V any] struct {
	store Store[V]
	opts  BuilderOptions
	err   error
}

func NewBuilder[V any](backend Store[V], opts BuilderOptions) *Builder[V] {
	b := &Builder[V]{store: backend, opts: opts}
	if backend == nil {
		b.err = IllegalArgument("builder: backend is required")
	}
	return b
}

func (b *Builder[V]) WithLogging(prefix string) *Builder[V] {
	return b.wrap("logging", func(s Store[V]) (Store[V], error) {
		return NewLogged(s, prefix, b.opts.Logger), nil
	})
}

func (b *Builder[V]) WithSize(fn SizeFunc[V]) *Builder[V] {
	return b.wrap("size", func(s Store[V]) (Store[V], error) {
		return NewSized(s, fn, SizeOptions{Logger: b.opts.Logger, Hooks: b.opts.Hooks})
	})
}

func (b *Builder[V]) WithCapacity(policy EvictionPolicy) *Builder[V] {
	return b.wrap("capacity", func(s Store[V]) (Store[V], error) {
		return NewEvicting(s, policy, EvictOptions{Logger: b.opts.Logger, Hooks: b.opts.Hooks})
	})
}

// WithCache fronts the current stack with cache. Logger and Hooks left nil
// in opts are taken from the builder.
func (b *Builder[V]) WithCache(cache Store[V], opts CacheOptions) *Builder[V] {
	if opts.Logger == nil {
		opts.Logger = b.opts.Logger
	}
	if opts.Hooks == nil {
		opts.Hooks = b.opts.Hooks
	}
	return b.wrap("cache", func(s Store[V]) (Store[V], error) {
		return NewCacheAside(s, cache, opts)
	})
}

// Build returns the outermost layer or the first construction error.
func (b *Builder[V]) Build() (Store[V], error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.store, nil
}

func (b *Builder[V]) wrap(layer string, fn func(Store[V]) (Store[V], error)) *Builder[V] {
	if b.err != nil {
		return b
	}
	s, err := fn(b.store)
	if err != nil {
		b.err = fmt.Errorf("builder: %s layer over %s: %w", layer, b.store.Name(), err)
		return b
	}
	b.store = s
	return b
}
