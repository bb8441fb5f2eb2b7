package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	// Namespace prefixes every generation key, typically the primary store's name.
	Namespace string
	// TTL expires idle generation keys; 0 keeps them forever. An expired key
	// reads as 0 and only causes pending write-backs for that id to skip.
	TTL time.Duration
	// CloseClient makes Close close the client as well. Leave it false when the
	// client is shared with a cache provider.
	CloseClient bool
}

// Redis shares generations across processes and survives restarts.
type Redis struct {
	rdb  redis.UniversalClient
	opts RedisOptions
}

var _ GenStore = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	return &Redis{rdb: client, opts: opts}
}

func (s *Redis) key(id string) string { return "kvgen:" + s.opts.Namespace + ":" + id }

func (s *Redis) Snapshot(ctx context.Context, id string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(id, res)
}

func (s *Redis) SnapshotMany(ctx context.Context, ids []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			out[ids[i]] = 0
			continue
		}
		g, err := parseGen(ids[i], fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		out[ids[i]] = g
	}
	return out, nil
}

// Bump runs INCR, pipelined with EXPIRE when a TTL is configured.
func (s *Redis) Bump(ctx context.Context, id string) (uint64, error) {
	k := s.key(id)
	if s.opts.TTL <= 0 {
		n, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(n), nil
	}
	var incr *redis.IntCmd
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.opts.TTL)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis expires keys itself when TTL is set.
func (s *Redis) Cleanup(time.Duration) {}

func (s *Redis) Close(context.Context) error {
	if s.opts.CloseClient {
		return s.rdb.Close()
	}
	return nil
}

func parseGen(id, raw string) (uint64, error) {
	g, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: generation of %q: %w", id, err)
	}
	return g, nil
}
