package store

import (
	"context"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm/clause"
)

// UpsertDirectorySummary records the LLM's abstract of one directory, keyed
// on (run_id, directory_path) so a retried Directory-Resolution job
// overwrites rather than duplicates.
func (s *Store) UpsertDirectorySummary(ctx context.Context, d *model.DirectorySummary) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "directory_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary_text"}),
	}).Create(d).Error
}

// DirectorySummariesByRun returns every directory summary for a run, the
// Global-Resolution worker's input set.
func (s *Store) DirectorySummariesByRun(ctx context.Context, runID string) ([]model.DirectorySummary, error) {
	var out []model.DirectorySummary
	err := s.DB.WithContext(ctx).Where("run_id = ?", runID).Order("directory_path").Find(&out).Error
	return out, err
}
