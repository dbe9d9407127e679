package store

import (
	"context"
	"fmt"

	"github.com/evalgo/codeatlas/model"
	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// AppendOutboxEvent writes one outbox row inside tx, the same GORM
// transaction as the domain write it accompanies — the transactional-outbox
// guarantee (spec.md §5) depends on both writes committing or rolling back
// together.
func AppendOutboxEvent(tx *gorm.DB, ev *model.OutboxEvent) error {
	ev.Status = model.OutboxStatusPending
	return tx.Create(ev).Error
}

// OutboxBatch is one row claimed by a publisher tick, row-locked until the
// surrounding pgx transaction commits or rolls back.
type OutboxBatch struct {
	ID        uint64
	RunID     string
	EventType string
	Payload   string
	Attempts  int
}

// ClaimOutboxBatch opens a pgx transaction, selects up to limit PENDING rows
// with FOR UPDATE SKIP LOCKED (so a second publisher instance racing the
// same tick takes a disjoint batch rather than blocking on it), and returns
// both the batch and the transaction handle for the caller to commit after
// successfully submitting to the bus. This is the one operation in the
// state store that GORM cannot express ergonomically, so it's raw pgx SQL.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int) (pgx.Tx, []OutboxBatch, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin outbox tx: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, run_id, event_type, payload, attempts
		FROM outbox
		WHERE status = $1
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, model.OutboxStatusPending, limit)
	if err != nil {
		tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []OutboxBatch
	for rows.Next() {
		var b OutboxBatch
		if err := rows.Scan(&b.ID, &b.RunID, &b.EventType, &b.Payload, &b.Attempts); err != nil {
			tx.Rollback(ctx)
			return nil, nil, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, b)
	}
	if err := rows.Err(); err != nil {
		tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return tx, batch, nil
}

// MarkOutboxPublished flips a claimed row to PUBLISHED within the same tx
// ClaimOutboxBatch opened, immediately before the caller commits — the
// publish-then-flip ordering spec.md §5 requires so a crash mid-tick leaves
// the row PENDING (re-claimable) rather than silently lost.
func MarkOutboxPublished(ctx context.Context, tx pgx.Tx, id uint64) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = $1 WHERE id = $2`, model.OutboxStatusPublished, id)
	return err
}

// MarkOutboxDead flips a row to DEAD once its Attempts has reached the
// configured ceiling, pulling it out of further claim cycles without
// deleting the audit trail.
func MarkOutboxDead(ctx context.Context, tx pgx.Tx, id uint64) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = $1 WHERE id = $2`, model.OutboxStatusDead, id)
	return err
}

// IncrementOutboxAttempts records a failed submit attempt without changing
// status, so the next tick's SKIP LOCKED scan picks the row back up.
func IncrementOutboxAttempts(ctx context.Context, tx pgx.Tx, id uint64) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	return err
}
