package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetFIFOPerPartition(t *testing.T) {
	q := New[string](10, 1, nil, nil)
	require.NoError(t, q.Put("guildA", "one"))
	require.NoError(t, q.Put("guildA", "two"))

	ctx := context.Background()
	v, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", v)

	v, err = q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestPutQueueFull(t *testing.T) {
	q := New[int](1, 1, nil, nil)
	require.NoError(t, q.Put("g", 1))
	err := q.Put("g", 2)
	require.Error(t, err)
	var full *ErrQueueFull
	assert.ErrorAs(t, err, &full)
}

func TestFairnessEqualPriority(t *testing.T) {
	q := New[string](1000, 1, nil, nil)
	const n = 4
	guilds := []string{"a", "b", "c", "d"}
	for _, g := range guilds {
		for i := 0; i < 50; i++ {
			require.NoError(t, q.Put(g, g))
		}
	}

	ctx := context.Background()
	served := map[string]int{}
	k := 10
	for i := 0; i < k*n; i++ {
		v, err := q.Get(ctx)
		require.NoError(t, err)
		served[v]++
	}

	for _, g := range guilds {
		assert.GreaterOrEqual(t, served[g], k-1)
		assert.LessOrEqual(t, served[g], k+1)
	}
}

func TestGetRespectsCancellation(t *testing.T) {
	q := New[int](10, 1, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPriorityOverrideServesFirst(t *testing.T) {
	q := New[string](10, 1, map[string]int{"vip": 10}, nil)
	require.NoError(t, q.Put("normal", "n1"))
	require.NoError(t, q.Put("vip", "v1"))

	v, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestCloseUnblocksGetWhenDrained(t *testing.T) {
	q := New[int](10, 1, nil, nil)
	q.Close()
	_, err := q.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
