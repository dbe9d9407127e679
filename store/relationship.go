package store

import (
	"context"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddEvidence appends one piece of relationship evidence, and is always
// called alongside queue.KV.EvidenceCounterCheckAndFetch so the relational
// record and the Redis evidence counter stay in step (spec.md §4.8).
func (s *Store) AddEvidence(ctx context.Context, ev *model.RelationshipEvidence) error {
	return s.DB.WithContext(ctx).Create(ev).Error
}

// EvidenceForFingerprint returns every piece of evidence gathered so far for
// a relationship fingerprint, used by the Validation Worker once the
// evidence counter reports "ready" (spec.md §4.9's reconciliation inputs).
func (s *Store) EvidenceForFingerprint(ctx context.Context, fingerprint string) ([]model.RelationshipEvidence, error) {
	var evs []model.RelationshipEvidence
	err := s.DB.WithContext(ctx).Where("fingerprint = ?", fingerprint).Order("created_at").Find(&evs).Error
	return evs, err
}

// UpsertResolvedRelationship records the Validation Worker's reconciled
// decision, keyed on fingerprint so replaying the same reconciliation twice
// (e.g. after a crash before ack) is a no-op write, not a duplicate row.
func (s *Store) UpsertResolvedRelationship(ctx context.Context, r *model.ResolvedRelationship) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"confidence", "status", "updated_at"}),
	}).Create(r).Error
}

// ResolvedRelationshipsByStatus feeds the Graph Ingestor, which only reads
// relationships in RelationshipStatusValidated (spec.md §4.10).
func (s *Store) ResolvedRelationshipsByStatus(ctx context.Context, runID string, status model.RelationshipStatus, limit int) ([]model.ResolvedRelationship, error) {
	var rels []model.ResolvedRelationship
	q := s.DB.WithContext(ctx).Where("run_id = ? AND status = ?", runID, status).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rels).Error
	return rels, err
}

// RelationshipsBySourceTarget returns every validated relationship between
// the same ordered POI pair, regardless of type — the Reconciliation
// Worker's conflict-detection input: two passes that each independently
// validated a *different* type for the same pair are the conflict spec.md
// §4.11 asks Reconciliation to resolve.
func (s *Store) RelationshipsBySourceTarget(ctx context.Context, runID, sourcePOIID, targetPOIID string) ([]model.ResolvedRelationship, error) {
	var rels []model.ResolvedRelationship
	err := s.DB.WithContext(ctx).Where(
		"run_id = ? AND source_poi_id = ? AND target_poi_id = ? AND status = ?",
		runID, sourcePOIID, targetPOIID, model.RelationshipStatusValidated,
	).Find(&rels).Error
	return rels, err
}

// UpdateRelationshipStatus flips a resolved relationship to status,
// used by Reconciliation to demote a lower-confidence conflicting edge to
// Rejected once a higher-confidence alternative for the same pair is found.
func (s *Store) UpdateRelationshipStatus(ctx context.Context, id string, status model.RelationshipStatus) error {
	return s.DB.WithContext(ctx).Model(&model.ResolvedRelationship{}).Where("id = ?", id).
		Update("status", status).Error
}

// MarkRelationshipsIngestedByIDs flips every id to Ingested in one
// state-store transaction, the pairing half of ExecuteBatch: called only
// after the whole batch's edges have committed in the graph store, so a
// crash between the two leaves these rows unflipped and therefore retried.
func (s *Store) MarkRelationshipsIngestedByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Tx(ctx, func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += batchFlipChunk {
			end := start + batchFlipChunk
			if end > len(ids) {
				end = len(ids)
			}
			if err := tx.Model(&model.ResolvedRelationship{}).Where("id IN ?", ids[start:end]).
				Update("status", model.RelationshipStatusIngested).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkPersistResolvedRelationships upserts many resolved relationships,
// keyed on fingerprint, in a single transaction — the "one bulk insert per
// batch" contract both Directory-Resolution's per-page persistence and
// Global-Resolution's per-run persistence share (spec.md §4.4, §4.5).
func (s *Store) BulkPersistResolvedRelationships(ctx context.Context, rels []*model.ResolvedRelationship) error {
	if len(rels) == 0 {
		return nil
	}
	return s.Tx(ctx, func(tx *gorm.DB) error {
		for _, r := range rels {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "fingerprint"}},
				DoUpdates: clause.AssignmentColumns([]string{"confidence", "explanation", "status", "updated_at"}),
			}).Create(r).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
