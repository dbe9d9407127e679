package store

import (
	"context"
	"errors"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm"
)

// EnqueueRefactorTask appends a structural change for runID. The Scanner
// calls this once per delete/rename it detects, ahead of any File-Analysis
// job for the same run, so the Graph Ingestor's pass A always has the full
// set of refactors a run will ever produce queued before pass B can start.
func (s *Store) EnqueueRefactorTask(ctx context.Context, runID string, task model.RefactorTask) error {
	return s.DB.WithContext(ctx).Create(&model.RefactorTaskRow{
		RunID: runID, Type: task.Type, OldPath: task.OldPath, NewPath: task.NewPath,
	}).Error
}

// PopRefactorTask claims and removes the oldest queued refactor task for
// runID, inside one transaction so a crash between claim and delete can
// never apply the same refactor twice. Returns ok=false when none remain.
func (s *Store) PopRefactorTask(ctx context.Context, runID string) (*model.RefactorTask, bool, error) {
	var task *model.RefactorTask
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.RefactorTaskRow
		err := tx.Clauses().Where("run_id = ?", runID).Order("id").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}
		task = &model.RefactorTask{Type: row.Type, OldPath: row.OldPath, NewPath: row.NewPath}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if task == nil {
		return nil, false, nil
	}
	return task, true, nil
}
