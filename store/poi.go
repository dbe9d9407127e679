package store

import (
	"context"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// batchFlipChunk caps the slice size a single Tx update writes at once,
// keeping the ingestor's one-statement-per-batch flips well under
// Postgres's parameter limits for an IN (...) list.
const batchFlipChunk = 500

// UpsertPOI inserts or updates a point of interest keyed on its fingerprint
// (model.POIFingerprint), making File-Analysis re-delivery idempotent:
// reprocessing the same file twice produces the same POI rows, not
// duplicates (spec.md's idempotent-ingestion invariant extended back to the
// relational layer).
func (s *Store) UpsertPOI(ctx context.Context, p *model.POI) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "type", "start_line", "end_line", "confidence", "updated_at"}),
	}).Create(p).Error
}

// BulkUpsertPOIs is the batch form used by the File-Analysis worker after a
// single LLM call returns many POIs for one file.
func (s *Store) BulkUpsertPOIs(ctx context.Context, pois []model.POI) error {
	if len(pois) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "type", "start_line", "end_line", "confidence", "updated_at"}),
	}).CreateInBatches(pois, 200).Error
}

// POIByFingerprint looks up a single POI by its deterministic id (see
// model.POIFingerprint), used during relationship resolution to resolve a
// named reference back to its POI.
func (s *Store) POIByFingerprint(ctx context.Context, fingerprint string) (*model.POI, error) {
	var p model.POI
	err := s.DB.WithContext(ctx).Where("id = ?", fingerprint).First(&p).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// POIsByFile returns every POI belonging to filePath, used by directory and
// global resolution to build the candidate set a relationship may target.
func (s *Store) POIsByFile(ctx context.Context, runID, filePath string) ([]model.POI, error) {
	var pois []model.POI
	err := s.DB.WithContext(ctx).Where("run_id = ? AND file_path = ?", runID, filePath).Find(&pois).Error
	return pois, err
}

// UningestedPOIs returns POIs the Graph Ingestor has not yet MERGEd as
// nodes, the node-creation pass's input set (pass ordering B, spec.md §5).
func (s *Store) UningestedPOIs(ctx context.Context, runID string, limit int) ([]model.POI, error) {
	var pois []model.POI
	err := s.DB.WithContext(ctx).
		Where("run_id = ? AND graph_ingested = ?", runID, false).
		Order("created_at").Limit(limit).Find(&pois).Error
	return pois, err
}

// MarkPOIsGraphIngested flips graph_ingested for every id in one state-store
// transaction, the pairing half of ExecuteBatch: the Graph Ingestor only
// calls this after the whole batch's nodes have already committed in the
// graph store, so a crash between the two leaves these rows unflipped and
// therefore retried, never falsely marked ingested.
func (s *Store) MarkPOIsGraphIngested(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Tx(ctx, func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += batchFlipChunk {
			end := start + batchFlipChunk
			if end > len(ids) {
				end = len(ids)
			}
			if err := tx.Model(&model.POI{}).Where("id IN ?", ids[start:end]).
				Update("graph_ingested", true).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePOIsForFile removes every POI tied to filePath, used when the
// Scanner reports the file deleted and a refactor task of type
// model.RefactorDelete must cascade before any graph MERGE runs (pass
// ordering A: refactors before node creation, spec.md §5).
func (s *Store) DeletePOIsForFile(ctx context.Context, runID, filePath string) error {
	return s.DB.WithContext(ctx).Where("run_id = ? AND file_path = ?", runID, filePath).Delete(&model.POI{}).Error
}
