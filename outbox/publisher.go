// Package outbox implements the Transactional Outbox Publisher (C11): the
// bridge between the state store's committed writes and the job bus. It
// never writes an outbox row itself — every domain write appends one inside
// its own transaction via store.AppendOutboxEvent — and only claims, submits
// and retires rows already committed by someone else.
package outbox

import (
	"context"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/store"
	"github.com/sirupsen/logrus"
)

// QueueForEventType maps an outbox row's EventType to the bus queue its
// payload belongs on. A row whose type isn't in this table is a Data bug —
// some writer appended an event this publisher was never taught to route —
// and is dead-lettered without a retry.
var QueueForEventType = map[string]string{
	model.EventFileAnalysisFinding:         queue.QueueDirectoryAggregation,
	model.EventDirectoryAnalysisFinding:    queue.QueueGlobalResolution,
	model.EventRelationshipAnalysisFinding: queue.QueueRelationshipResolution,
}

// MaxAttempts bounds how many times a row may fail to submit before it is
// dead-lettered rather than retried forever by the next tick's claim.
const MaxAttempts = 5

// Publisher drains PENDING outbox rows onto their bus queues, one tick at a
// time.
type Publisher struct {
	Store     *store.Store
	Bus       queue.Bus
	BatchSize int
	Log       *logrus.Logger
}

func (p *Publisher) batchSize() int {
	if p.BatchSize == 0 {
		return 100
	}
	return p.BatchSize
}

// Tick claims up to BatchSize PENDING rows, submits each to its mapped
// queue, and commits the whole batch's status flips in the same pgx
// transaction the claim opened — so a crash mid-tick leaves every
// unsubmitted row PENDING for the next tick to re-claim, never half-applied.
func (p *Publisher) Tick(ctx context.Context) (int, error) {
	tx, batch, err := p.Store.ClaimOutboxBatch(ctx, p.batchSize())
	if err != nil {
		return 0, cerrors.Transientf(err, "outbox: claim batch")
	}
	if len(batch) == 0 {
		tx.Rollback(ctx)
		return 0, nil
	}

	published := 0
	for _, row := range batch {
		queueName, ok := QueueForEventType[row.EventType]
		if !ok {
			if p.Log != nil {
				p.Log.WithField("eventType", row.EventType).Error("outbox: unrouted event type, dead-lettering")
			}
			if err := store.MarkOutboxDead(ctx, tx, row.ID); err != nil {
				tx.Rollback(ctx)
				return published, cerrors.Integrityf(err, "outbox: mark dead %d", row.ID)
			}
			continue
		}

		if err := p.Bus.Enqueue(ctx, queueName, []byte(row.Payload)); err != nil {
			if row.Attempts+1 >= MaxAttempts {
				if markErr := store.MarkOutboxDead(ctx, tx, row.ID); markErr != nil {
					tx.Rollback(ctx)
					return published, cerrors.Integrityf(markErr, "outbox: mark dead %d", row.ID)
				}
				continue
			}
			if incErr := store.IncrementOutboxAttempts(ctx, tx, row.ID); incErr != nil {
				tx.Rollback(ctx)
				return published, cerrors.Integrityf(incErr, "outbox: increment attempts %d", row.ID)
			}
			continue
		}

		if err := store.MarkOutboxPublished(ctx, tx, row.ID); err != nil {
			tx.Rollback(ctx)
			return published, cerrors.Integrityf(err, "outbox: mark published %d", row.ID)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, cerrors.Transientf(err, "outbox: commit tick")
	}
	return published, nil
}

// PollLoop runs Tick every interval until ctx is cancelled.
func (p *Publisher) PollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && p.Log != nil {
				p.Log.WithError(err).Error("outbox: tick failed")
			}
		}
	}
}
