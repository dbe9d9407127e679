package diraggregation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/evalgo/codeatlas/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *queue.RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisBusFromClient(client, "test:")
}

func TestProcessor_EnqueuesResolutionWhenSetsEqual(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	runID, dir := "run-1", "pkg/foo"

	require.NoError(t, bus.SetAdd(ctx, ExpectedSetKey(runID, dir), "pkg/foo/a.go"))
	require.NoError(t, bus.SetAdd(ctx, ExpectedSetKey(runID, dir), "pkg/foo/b.go"))
	require.NoError(t, bus.SetAdd(ctx, DoneSetKey(runID, dir), "pkg/foo/a.go"))

	p := &Processor{KV: bus, Bus: bus}
	payload, _ := json.Marshal(Job{RunID: runID, DirPath: dir})

	require.NoError(t, p.Process(ctx, payload))
	depth, err := bus.Depth(ctx, queue.QueueDirectoryResolution)
	require.NoError(t, err)
	assert.Zero(t, depth, "should not enqueue before all files are done")

	require.NoError(t, bus.SetAdd(ctx, DoneSetKey(runID, dir), "pkg/foo/b.go"))
	require.NoError(t, p.Process(ctx, payload))

	msg, err := bus.Dequeue(ctx, queue.QueueDirectoryResolution, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}
