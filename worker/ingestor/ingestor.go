// Package ingestor implements the Graph Ingestor (C14), the singleton
// writer of the knowledge graph. Every tick applies three passes in strict
// order — A: refactor tasks (delete/rename), B: new POI nodes, C: validated
// relationships — since a node must exist before an edge can reference it,
// and a stale node must be gone before a renamed one is recreated under the
// same identity (spec.md §5).
package ingestor

import (
	"context"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/graphstore"
	"github.com/evalgo/codeatlas/model"
)

// RefactorQueue delivers pending refactor tasks to the ingestor in FIFO
// order, decoupled from the job bus's at-least-once queues since refactor
// ordering must never be replayed out of order relative to the run that
// produced it.
type RefactorQueue interface {
	PopRefactorTask(ctx context.Context, runID string) (*model.RefactorTask, bool, error)
}

// Store is the narrow slice of store.Store the ingestor needs.
type Store interface {
	UningestedPOIs(ctx context.Context, runID string, limit int) ([]model.POI, error)
	MarkPOIsGraphIngested(ctx context.Context, ids []string) error
	ResolvedRelationshipsByStatus(ctx context.Context, runID string, status model.RelationshipStatus, limit int) ([]model.ResolvedRelationship, error)
	MarkRelationshipsIngestedByIDs(ctx context.Context, ids []string) error
}

// Ingestor runs the three-pass ingestion tick against a Driver.
type Ingestor struct {
	Store     Store
	Refactors RefactorQueue
	Graph     graphstore.Driver
	BatchSize int
}

func (i *Ingestor) batchSize() int {
	if i.BatchSize == 0 {
		return 100
	}
	return i.BatchSize
}

// Tick runs one full pass for runID: drain refactor tasks, then ingest new
// POI nodes, then ingest validated relationships. It returns as soon as all
// three passes report no more work, so the caller's poll loop can sleep
// until the next tick.
func (i *Ingestor) Tick(ctx context.Context, runID string) error {
	if err := i.applyRefactors(ctx, runID); err != nil {
		return err
	}
	if err := i.ingestPOIs(ctx, runID); err != nil {
		return err
	}
	if err := i.ingestRelationships(ctx, runID); err != nil {
		return err
	}
	return nil
}

// applyRefactors is pass A: DELETE and RENAME tasks must land before any
// node creation in the same tick, otherwise a renamed file's old node could
// be recreated by a race with File-Analysis's earlier-queued POIs.
func (i *Ingestor) applyRefactors(ctx context.Context, runID string) error {
	for {
		task, ok, err := i.Refactors.PopRefactorTask(ctx, runID)
		if err != nil {
			return cerrors.Transientf(err, "ingestor: pop refactor task")
		}
		if !ok {
			return nil
		}
		switch task.Type {
		case model.RefactorDelete:
			if err := i.Graph.DeleteFile(ctx, task.OldPath); err != nil {
				return cerrors.Integrityf(err, "ingestor: delete file %s", task.OldPath)
			}
		case model.RefactorRename:
			if err := i.Graph.RenameFile(ctx, task.OldPath, task.NewPath); err != nil {
				return cerrors.Integrityf(err, "ingestor: rename %s -> %s", task.OldPath, task.NewPath)
			}
		}
	}
}

// ingestPOIs is pass B: MERGE every not-yet-ingested POI as a node. Each
// page commits as a single graph-store transaction before the matching
// state-store rows flip in a single state-store transaction (spec.md
// §4.10): a failure in the graph transaction rolls the whole page back and
// leaves every row in this page still graph_ingested=false for the next
// tick to retry, rather than a partial page with some nodes written but
// their rows never marked.
func (i *Ingestor) ingestPOIs(ctx context.Context, runID string) error {
	for {
		pois, err := i.Store.UningestedPOIs(ctx, runID, i.batchSize())
		if err != nil {
			return cerrors.Integrityf(err, "ingestor: load uningested POIs")
		}
		if len(pois) == 0 {
			return nil
		}

		if err := i.Graph.ExecuteBatch(ctx, func(tx graphstore.GraphTx) error {
			for idx := range pois {
				if err := tx.UpsertPOI(ctx, &pois[idx]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return cerrors.Integrityf(err, "ingestor: upsert %d POIs", len(pois))
		}

		ids := make([]string, len(pois))
		for idx, p := range pois {
			ids[idx] = p.ID
		}
		if err := i.Store.MarkPOIsGraphIngested(ctx, ids); err != nil {
			return cerrors.Integrityf(err, "ingestor: mark %d POIs ingested", len(ids))
		}
	}
}

// ingestRelationships is pass C: MERGE every validated-but-not-yet-ingested
// edge, one graph-store transaction per page followed by one state-store
// transaction flipping that page's rows to Ingested — the same commit-then-
// flip pairing as ingestPOIs. Relationships reach this pass once their
// status is Validated — set by the Validation Worker after reconciling their
// evidence, or directly by Directory- and Global-Resolution when they persist
// their own results (spec.md §4.10) — and only reference POIs already upserted in pass B within this or an earlier tick.
func (i *Ingestor) ingestRelationships(ctx context.Context, runID string) error {
	for {
		rels, err := i.Store.ResolvedRelationshipsByStatus(ctx, runID, model.RelationshipStatusValidated, i.batchSize())
		if err != nil {
			return cerrors.Integrityf(err, "ingestor: load validated relationships")
		}
		if len(rels) == 0 {
			return nil
		}

		if err := i.Graph.ExecuteBatch(ctx, func(tx graphstore.GraphTx) error {
			for idx := range rels {
				if err := tx.UpsertRelationship(ctx, &rels[idx], rels[idx].Type); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return cerrors.Integrityf(err, "ingestor: upsert %d relationships", len(rels))
		}

		ids := make([]string, len(rels))
		for idx, r := range rels {
			ids[idx] = r.ID
		}
		if err := i.Store.MarkRelationshipsIngestedByIDs(ctx, ids); err != nil {
			return cerrors.Integrityf(err, "ingestor: mark %d relationships ingested", len(ids))
		}
	}
}

// PollLoop runs Tick every interval until ctx is cancelled, the singleton
// consumption pattern spec.md §6 requires for the Graph Ingestor (unlike
// every other worker, it must never run with concurrency > 1).
func (i *Ingestor) PollLoop(ctx context.Context, runID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = i.Tick(ctx, runID)
		}
	}
}
