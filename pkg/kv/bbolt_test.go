package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore_RangeAndPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
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

	pairs, err = s.Range(ctx, RangeOptions{Limit: 2, Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "m"}, keysOf(pairs))
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestBoltStore_EventPrefixScan(t *testing.T) {
	ctx := context.Background()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	node := "11111111-1111-1111-1111-111111111111"
	require.NoError(t, s.Put(ctx, EventKey(node, 1), []byte(`{"event_id":1}`)))
	require.NoError(t, s.Put(ctx, EventKey(node, 2), []byte(`{"event_id":2}`)))
	require.NoError(t, s.Put(ctx, EventKey("other", 1), []byte(`{"event_id":1}`)))

	pairs, err := s.ScanPrefix(ctx, EventPrefix(node))
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, EventKey(node, 1), pairs[0].Key)
	assert.Equal(t, EventKey(node, 2), pairs[1].Key)
}
