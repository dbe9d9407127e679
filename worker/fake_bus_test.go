package worker

import (
	"context"
	"sync"
	"time"

	"github.com/evalgo/codeatlas/queue"
)

// fakeBus is a minimal in-memory queue.Bus for pool tests.
type fakeBus struct {
	mu         sync.Mutex
	queues     map[string][][]byte
	completed  []string
	failed     []string
	requeued   []string
	idCounter  int
}

func newFakeBus() *fakeBus {
	return &fakeBus{queues: make(map[string][][]byte)}
}

func (b *fakeBus) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queueName] = append(b.queues[queueName], payload)
	return nil
}

func (b *fakeBus) BulkEnqueue(ctx context.Context, queueName string, payloads [][]byte) error {
	for _, p := range payloads {
		if err := b.Enqueue(ctx, queueName, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBus) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queueName]
	if len(q) == 0 {
		return nil, nil
	}
	payload := q[0]
	b.queues[queueName] = q[1:]
	b.idCounter++
	return &queue.Message{ID: "job-" + time.Now().String(), Queue: queueName, Payload: payload}, nil
}

func (b *fakeBus) MarkProcessing(ctx context.Context, id string, deadline time.Time) error {
	return nil
}

func (b *fakeBus) Complete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, id)
	return nil
}

func (b *fakeBus) Fail(ctx context.Context, id string, queueName string, payload []byte, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, id)
	if requeue {
		b.requeued = append(b.requeued, id)
		b.queues[queueName] = append(b.queues[queueName], payload)
	}
	return nil
}

func (b *fakeBus) Depth(ctx context.Context, queueName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queueName])), nil
}
