package kv

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the concurrent read-optimized backend, selected by the
// "redis" backend name. Values live in a Redis hash; a parallel sorted set
// (all members scored 0) tracks keys so ZRANGEBYLEX can serve lexicographic
// prefix and range queries without a full key scan.
type RedisStore struct {
	client    *redis.Client
	dataKey   string
	indexKey  string
	namespace string
}

// NewRedisStore wraps an existing *redis.Client. namespace scopes the two
// Redis keys this store occupies, so multiple Stores can share one Redis
// instance.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "spear"
	}
	return &RedisStore{
		client:    client,
		dataKey:   namespace + ":kv:data",
		indexKey:  namespace + ":kv:idx",
		namespace: namespace,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.dataKey, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}
	return v, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.dataKey, key, value)
	pipe.ZAdd(ctx, s.indexKey, redis.Z{Score: 0, Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("put", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := s.client.HExists(ctx, s.dataKey, key).Result()
	if err != nil {
		return false, wrapErr("delete", err)
	}
	if !existed {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.dataKey, key)
	pipe.ZRem(ctx, s.indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapErr("delete", err)
	}
	return true, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.dataKey, key).Result()
	if err != nil {
		return false, wrapErr("exists", err)
	}
	return ok, nil
}

// lexRange returns the ZRANGEBYLEX bounds for the half-open key interval
// [start, end). An empty end means unbounded above.
func lexRange(start, end string) (min, max string) {
	if start == "" {
		min = "-"
	} else {
		min = "[" + start
	}
	if end == "" {
		max = "+"
	} else {
		max = "(" + end
	}
	return min, max
}

func (s *RedisStore) keysInRange(ctx context.Context, min, max string) ([]string, error) {
	return s.client.ZRangeByLex(ctx, s.indexKey, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (s *RedisStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	min, max := prefixBounds(prefix)
	keys, err := s.keysInRange(ctx, min, max)
	if err != nil {
		return nil, wrapErr("keys_with_prefix", err)
	}
	return keys, nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]Pair, error) {
	min, max := prefixBounds(prefix)
	keys, err := s.keysInRange(ctx, min, max)
	if err != nil {
		return nil, wrapErr("scan_prefix", err)
	}
	return s.hydrate(ctx, keys)
}

func (s *RedisStore) Range(ctx context.Context, opts RangeOptions) ([]Pair, error) {
	min, max := lexRange(opts.StartKey, opts.EndKey)
	keys, err := s.keysInRange(ctx, min, max)
	if err != nil {
		return nil, wrapErr("range", err)
	}
	pairs, err := s.hydrate(ctx, keys)
	if err != nil {
		return nil, err
	}
	if opts.Reverse {
		for l, r := 0, len(pairs)-1; l < r; l, r = l+1, r-1 {
			pairs[l], pairs[r] = pairs[r], pairs[l]
		}
	}
	if opts.Limit > 0 && len(pairs) > opts.Limit {
		pairs = pairs[:opts.Limit]
	}
	return pairs, nil
}

func (s *RedisStore) hydrate(ctx context.Context, keys []string) ([]Pair, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.dataKey, keys...).Result()
	if err != nil {
		return nil, wrapErr("hydrate", err)
	}
	pairs := make([]Pair, 0, len(keys))
	for i, k := range keys {
		if vals[i] == nil {
			continue
		}
		if str, ok := vals[i].(string); ok {
			pairs = append(pairs, Pair{Key: k, Value: []byte(str)})
		}
	}
	return pairs, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.dataKey).Result()
	if err != nil {
		return 0, wrapErr("count", err)
	}
	return int(n), nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.dataKey, s.indexKey).Err(); err != nil {
		return wrapErr("clear", err)
	}
	return nil
}

func (s *RedisStore) BatchPut(ctx context.Context, pairs []Pair) error {
	pipe := s.client.TxPipeline()
	for _, p := range pairs {
		pipe.HSet(ctx, s.dataKey, p.Key, p.Value)
		pipe.ZAdd(ctx, s.indexKey, redis.Z{Score: 0, Member: p.Key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("batch_put", err)
	}
	return nil
}

func (s *RedisStore) BatchDelete(ctx context.Context, keys []string) error {
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		pipe.HDel(ctx, s.dataKey, k)
		pipe.ZRem(ctx, s.indexKey, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("batch_delete", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return wrapErr("close", err)
	}
	return nil
}

// prefixBounds turns a prefix into ZRANGEBYLEX bounds covering every key
// starting with it.
func prefixBounds(prefix string) (min, max string) {
	if prefix == "" {
		return "-", "+"
	}
	min = "[" + prefix
	upper := incrementPrefix(prefix)
	if upper == "" {
		return min, "+"
	}
	return min, "(" + upper
}

// incrementPrefix returns the lexicographically smallest string greater than
// every string with the given prefix, or "" if no such finite string exists
// (prefix is all 0xff bytes).
func incrementPrefix(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
