//go:build integration

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPublisher_TickSubmitsPendingRowToBus exercises a real claim-submit-mark
// round trip against a live Postgres container, the same reason
// store.TestStore_OutboxClaimRoundTrip needs one: the behavior under test is
// a row becoming visible to the next tick only after commit, not something a
// fake store could stand in for.
func TestPublisher_TickSubmitsPendingRowToBus(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "codeatlas",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	defer pg.Terminate(ctx)

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := "postgres://postgres:test@" + host + ":" + port.Port() + "/codeatlas?sslmode=disable"
	s, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.DB.Create(&model.OutboxEvent{
		RunID:     "run-1",
		EventType: model.EventFileAnalysisFinding,
		Payload:   `{"path":"a.go"}`,
		Status:    model.OutboxStatusPending,
	}).Error)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	bus := queue.NewRedisBusFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")

	p := &Publisher{Store: s, Bus: bus}
	n, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msg, err := bus.Dequeue(ctx, queue.QueueDirectoryAggregation, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.JSONEq(t, `{"path":"a.go"}`, string(msg.Payload))
}
