package store

import (
	"context"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CompleteFileAnalysis records one file's terminal analysis result — its
// POIs (if any), its terminal FileStatus, and the outbox event that wakes
// the next stage — all inside one transaction, so a crash between the POI
// write and the trigger can never leave Directory-Aggregation waiting on an
// event that will now never arrive (spec.md §4.3 step 5's transactional-
// outbox guarantee).
func (s *Store) CompleteFileAnalysis(ctx context.Context, runID, path string, status model.FileStatus, pois []model.POI, outboxEventType string, outboxPayload []byte) error {
	return s.Tx(ctx, func(tx *gorm.DB) error {
		if len(pois) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "type", "start_line", "end_line", "confidence", "updated_at"}),
			}).CreateInBatches(pois, 200).Error; err != nil {
				return err
			}
		}

		var existing model.File
		if err := tx.Where("run_id = ? AND path = ?", runID, path).First(&existing).Error; err != nil {
			return err
		}
		if !existing.Status.Terminal() {
			if err := tx.Model(&model.File{}).Where("run_id = ? AND path = ?", runID, path).
				Update("status", status).Error; err != nil {
				return err
			}
		}

		return AppendOutboxEvent(tx, &model.OutboxEvent{
			RunID:     runID,
			EventType: outboxEventType,
			Payload:   string(outboxPayload),
		})
	})
}
