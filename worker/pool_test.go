package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/logging"
	"github.com/evalgo/codeatlas/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu       sync.Mutex
	seen     [][]byte
	nextErrs []error
}

func (p *fakeProcessor) Process(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, payload)
	if len(p.nextErrs) > 0 {
		err := p.nextErrs[0]
		p.nextErrs = p.nextErrs[1:]
		return err
	}
	return nil
}

func (p *fakeProcessor) Timeout() time.Duration { return time.Second }

func TestPool_ProcessesJobAndCompletes(t *testing.T) {
	bus := newFakeBus()
	require.NoError(t, bus.Enqueue(context.Background(), "q", []byte("payload")))
	proc := &fakeProcessor{}

	pool := NewPool(bus, proc, Config{QueueName: "q", Concurrency: 1}, logging.New("error"))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.completed) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	pool.Stop()
}

func TestPool_TransientFailureRequeues(t *testing.T) {
	bus := newFakeBus()
	require.NoError(t, bus.Enqueue(context.Background(), "q", []byte("payload")))
	proc := &fakeProcessor{nextErrs: []error{cerrors.Transientf(nil, "down")}}

	pool := NewPool(bus, proc, Config{QueueName: "q", Concurrency: 1}, logging.New("error"))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.requeued) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	pool.Stop()
}

func TestPool_PolicyFailureDoesNotRequeue(t *testing.T) {
	bus := newFakeBus()
	require.NoError(t, bus.Enqueue(context.Background(), "q", []byte("payload")))
	proc := &fakeProcessor{nextErrs: []error{cerrors.Policyf(nil, "bad input")}}

	pool := NewPool(bus, proc, Config{QueueName: "q", Concurrency: 1}, logging.New("error"))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.failed) == 1
	}, time.Second, 10*time.Millisecond)

	bus.mu.Lock()
	assert.Empty(t, bus.requeued)
	bus.mu.Unlock()

	cancel()
	pool.Stop()
}

var _ queue.Bus = (*fakeBus)(nil)
