package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/backend/badgerstore"
	"github.com/unkn0wn-root/kvlayer/backend/filestore"
	"github.com/unkn0wn-root/kvlayer/backend/logstore"
	"github.com/unkn0wn-root/kvlayer/backend/memstore"
	"github.com/unkn0wn-root/kvlayer/backend/providerstore"
	"github.com/unkn0wn-root/kvlayer/codec"
	"github.com/unkn0wn-root/kvlayer/config"
	"github.com/unkn0wn-root/kvlayer/genstore"
	async "github.com/unkn0wn-root/kvlayer/hooks/async"
	kvlogrus "github.com/unkn0wn-root/kvlayer/log/logrus"
	"github.com/unkn0wn-root/kvlayer/provider"
	"github.com/unkn0wn-root/kvlayer/provider/bigcache"
	"github.com/unkn0wn-root/kvlayer/provider/redis"
	"github.com/unkn0wn-root/kvlayer/provider/ristretto"
	"github.com/unkn0wn-root/kvlayer/sloghooks"
)

// Record is what the CLI stores: any JSON object.
type Record = map[string]any

// stack is an assembled store plus handles to the layers the commands inspect.
type stack struct {
	store   kvlayer.Store[Record]
	bounded kvlayer.Store[Record] // the stack below the cache
	cache   *kvlayer.CacheAside[Record]

	closers []func(context.Context) error
}

func openStack(ctx context.Context, cfg *config.Config, lr *logrus.Logger) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.close(ctx)
		}
	}()

	log := kvlogrus.New(lr, "kvlayer")
	ah := async.New(sloghooks.New(slog.New(slog.NewJSONHandler(lr.Out, nil)), sloghooks.Options{
		EvictedEvery:          10,
		WriteBackSkippedEvery: 10,
	}), 1, 256)
	st.closers = append(st.closers, func(context.Context) error { ah.Close(); return nil })

	c, err := codec.Lookup[Record](cfg.Primary.Codec)
	if err != nil {
		return nil, err
	}
	primary, err := openPrimary(cfg.Primary, c, log, ah, st)
	if err != nil {
		return nil, err
	}

	b := kvlayer.NewBuilder(primary, kvlayer.BuilderOptions{Logger: log, Hooks: ah}).WithLogging("")
	if cfg.Capacity.Bytes > 0 {
		b = b.WithSize(codec.EncodedSize(c)).WithCapacity(kvlayer.EvictionPolicy{
			CapacityBytes:        cfg.Capacity.Bytes,
			Reclaim:              cfg.Capacity.Reclaim,
			PreventWriteOnExceed: cfg.Capacity.Prevent,
		})
	}
	if st.bounded, err = b.Build(); err != nil {
		return nil, err
	}
	st.store = st.bounded
	if !cfg.Cache.Enabled {
		return st, nil
	}

	cacheStore, gen, err := openCache(ctx, cfg.Cache, c, log, st)
	if err != nil {
		return nil, err
	}
	top, err := kvlayer.NewBuilder(st.bounded, kvlayer.BuilderOptions{Logger: log, Hooks: ah}).
		WithCache(cacheStore, kvlayer.CacheOptions{GenStore: gen, Race: cfg.Cache.Race}).
		Build()
	if err != nil {
		_ = gen.Close(ctx)
		return nil, err
	}
	st.cache = top.(*kvlayer.CacheAside[Record])
	st.closers = append(st.closers, st.cache.Close)
	st.store = top
	return st, nil
}

func openPrimary(bc config.Backend, c codec.Codec[Record], log kvlayer.Logger, hooks kvlayer.Hooks, st *stack) (kvlayer.Store[Record], error) {
	switch bc.Kind {
	case config.KindLog:
		mode := logstore.SyncNone
		if bc.Sync {
			mode = logstore.SyncAlways
		}
		s, err := logstore.Open(logstore.Options[Record]{
			Dir: bc.Dir, Name: bc.Name, Codec: c, Logger: log, Hooks: hooks,
			Strict: bc.Strict, SyncMode: mode, NotCache: true,
		})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.KindFile:
		return filestore.New(filestore.Options[Record]{Dir: bc.Dir, Name: bc.Name, Codec: c, Logger: log, NotCache: true})
	case config.KindBadger:
		s, err := badgerstore.Open(badgerstore.Options[Record]{Path: bc.Dir, Name: bc.Name, Codec: c, Logger: log, NotCache: true})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case config.KindMemory:
		return memstore.New[Record](memstore.Options{Name: bc.Name}), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
	}
}

func openCache(ctx context.Context, cc config.Cache, c codec.Codec[Record], log kvlayer.Logger, st *stack) (kvlayer.Store[Record], genstore.GenStore, error) {
	var (
		p   provider.Provider
		rdb *goredis.Client
		err error
	)
	if cc.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cc.RedisAddr})
		st.closers = append(st.closers, func(context.Context) error { return rdb.Close() })
	}
	switch cc.Provider {
	case config.ProviderBigcache:
		p, err = bigcache.New(ctx, bigcache.Config{LifeWindow: cc.TTL.Std()})
	case config.ProviderRistretto:
		p, err = ristretto.New(ristretto.Config{NumCounters: max(cc.MaxCostBytes/100, 1000), MaxCost: cc.MaxCostBytes})
	case config.ProviderRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis provider needs cache.redis_addr")
		}
		p, err = redis.New(redis.Config{Client: rdb})
	default:
		err = fmt.Errorf("unknown cache provider %q", cc.Provider)
	}
	if err != nil {
		return nil, nil, err
	}

	cs, err := providerstore.New(providerstore.Options[Record]{
		Provider: p, Codec: c, Namespace: cc.Namespace, TTL: cc.TTL.Std(), Logger: log, CloseProvider: true,
	})
	if err != nil {
		_ = p.Close(ctx)
		return nil, nil, err
	}
	st.closers = append(st.closers, cs.Close)

	var gen genstore.GenStore
	if rdb != nil {
		gen = genstore.NewRedis(rdb, genstore.RedisOptions{Namespace: cc.Namespace, TTL: cc.GenTTL.Std()})
	} else {
		gen = genstore.NewLocal(time.Hour, cc.GenTTL.Std())
	}
	return cs, gen, nil
}

// close runs the closers newest first and joins their errors.
func (st *stack) close(ctx context.Context) error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}
