package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, "test")
}

func TestRedisStore_RangeAndPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)
	defer s.Close()

	for _, kv := range []Pair{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
		{Key: "m", Value: []byte("0")},
		{Key: "z", Value: []byte("9")},
	} {
		require.NoError(t, s.Put(ctx, kv.Key, kv.Value))
	}

	pairs, err := s.Range(ctx, RangeOptions{StartKey: "b", EndKey: "z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "m"}, keysOf(pairs))

	keys, err := s.KeysWithPrefix(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 5)
}

func TestRedisStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)
	defer s.Close()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	existed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, existed)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIncrementPrefix(t *testing.T) {
	assert.Equal(t, "b", incrementPrefix("a"))
	assert.Equal(t, "", incrementPrefix("\xff"))
	assert.Equal(t, "ac", incrementPrefix("ab"))
}
