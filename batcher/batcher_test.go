package batcher

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/scanner"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constTokenizer struct{ n int }

func (c constTokenizer) Count(string) int { return c.n }

func newTestKV(t *testing.T) queue.KV {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisBusFromClient(client, "test:")
}

func TestBatcher_OfferAccumulatesUntilThreshold(t *testing.T) {
	b := New(newTestKV(t), constTokenizer{n: 500}, "/repo", 1000)

	batch, ready, err := b.Offer(context.Background(), scanner.Entry{Path: "a.go"}, "content")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Nil(t, batch)

	batch, ready, err = b.Offer(context.Background(), scanner.Entry{Path: "b.go"}, "content")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, []string{"a.go", "b.go"}, batch)
}

func TestBatcher_RejectsPathEscapingRoot(t *testing.T) {
	b := New(newTestKV(t), constTokenizer{n: 10}, "/repo", 1000)

	_, _, err := b.Offer(context.Background(), scanner.Entry{Path: "../../etc/passwd"}, "x")
	assert.Error(t, err)
}

func TestBatcher_FlushReturnsPartialBatch(t *testing.T) {
	b := New(newTestKV(t), constTokenizer{n: 10}, "/repo", 1000)
	ctx := context.Background()

	_, ready, err := b.Offer(ctx, scanner.Entry{Path: "a.go"}, "x")
	require.NoError(t, err)
	require.False(t, ready)

	batch, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, batch)

	batch, err = b.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
