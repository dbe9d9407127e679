// Package worker implements a generic worker pool over codeatlas's
// queue.Bus — per-queue configurable concurrency, blocking dequeue, mark
// processing/complete/fail — wired to the cerrors-classified retry decision
// spec.md §7 requires: a Transient or Integrity failure is requeued onto its
// own queue, everything else is parked on the failed-jobs queue (original
// payload plus error text) for operator inspection.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/logging"
	"github.com/evalgo/codeatlas/queue"
	"github.com/sirupsen/logrus"
)

// JobProcessor handles one message dequeued from a single queue.
type JobProcessor interface {
	// Process handles payload, returning a cerrors-classified error (or nil)
	// so the pool can decide retry/dead-letter without inspecting the
	// processor's internals.
	Process(ctx context.Context, payload []byte) error
	// Timeout bounds how long one job may run before the pool's context is
	// cancelled out from under the processor.
	Timeout() time.Duration
}

// Config is one queue's worker count.
type Config struct {
	QueueName   string
	Concurrency int
}

// Pool runs Concurrency goroutines per configured queue, each looping
// dequeue -> mark-processing -> process -> complete/fail.
type Pool struct {
	bus       queue.Bus
	processor JobProcessor
	cfg       Config
	log       *logrus.Entry
	stop      chan struct{}
}

// NewPool builds a pool for one (queue, processor, concurrency) triple.
// Workers compose several Pools, one per named queue, rather than one Pool
// spanning every queue — mirroring spec.md §6's per-queue concurrency table
// (File-Analysis ~100, Directory-Resolution ~2, Validation 1, ...).
func NewPool(bus queue.Bus, processor JobProcessor, cfg Config, log *logrus.Logger) *Pool {
	return &Pool{
		bus:       bus,
		processor: processor,
		cfg:       cfg,
		log:       log.WithField("queue", cfg.QueueName),
		stop:      make(chan struct{}),
	}
}

// Start launches cfg.Concurrency goroutines and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.runWorker(ctx, i)
	}
}

// Stop signals every worker goroutine to exit after its current job.
func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) runWorker(ctx context.Context, id int) {
	wlog := p.log.WithField("worker_id", id)
	wlog.Info("worker started")
	for {
		select {
		case <-p.stop:
			wlog.Info("worker stopped")
			return
		case <-ctx.Done():
			wlog.Info("worker stopped: context cancelled")
			return
		default:
		}
		if err := p.processNext(ctx, wlog); err != nil {
			wlog.WithError(err).Error("dequeue failed")
			time.Sleep(time.Second)
		}
	}
}

func (p *Pool) processNext(ctx context.Context, wlog *logrus.Entry) error {
	msg, err := p.bus.Dequeue(ctx, p.cfg.QueueName, 5*time.Second)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	jlog := logging.WithJob(wlog, msg.ID, "")
	timeout := p.processor.Timeout()
	deadline := time.Now().Add(timeout)

	if err := p.bus.MarkProcessing(ctx, msg.ID, deadline); err != nil {
		jlog.WithError(err).Error("failed to mark processing; requeueing")
		_ = p.bus.Enqueue(ctx, p.cfg.QueueName, msg.Payload)
		return nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	procErr := p.processor.Process(jobCtx, msg.Payload)
	if procErr != nil {
		kind := cerrors.KindOf(procErr)
		jlog.WithError(procErr).WithField("error_kind", kind).Warn("job failed")
		requeue := kind == cerrors.Transient || kind == cerrors.Integrity
		if failErr := p.bus.Fail(ctx, msg.ID, p.cfg.QueueName, msg.Payload, requeue); failErr != nil {
			jlog.WithError(failErr).Error("failed to record job failure")
		}
		if !requeue {
			parked, _ := json.Marshal(map[string]string{"originalPayload": string(msg.Payload), "error": procErr.Error()})
			if dlErr := p.bus.Enqueue(ctx, queue.QueueFailedJobs, parked); dlErr != nil {
				jlog.WithError(dlErr).Error("failed to park job on failed-jobs queue")
			}
		}
		return nil
	}

	if err := p.bus.Complete(ctx, msg.ID); err != nil {
		jlog.WithError(err).Error("failed to mark job complete")
	}
	return nil
}
