package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertFile inserts or updates a file row keyed by (run_id, path), the
// idempotent-by-natural-key pattern used throughout this package's Upsert
// methods.
func (s *Store) UpsertFile(ctx context.Context, f *model.File) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"checksum", "language", "status", "error_message", "last_processed", "special_file_type", "updated_at"}),
	}).Create(f).Error
}

// GetFileByPath returns the current row for path within runID, or
// gorm.ErrRecordNotFound if the file has never been seen in this run.
func (s *Store) GetFileByPath(ctx context.Context, runID, path string) (*model.File, error) {
	var f model.File
	err := s.DB.WithContext(ctx).Where("run_id = ? AND path = ?", runID, path).First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// FilesByChecksum finds candidate rename sources: every file of runID whose
// checksum matches (spec.md §4.1). It does not check whether the path still
// exists in the current scan; that filtering is left to the caller.
func (s *Store) FilesByChecksum(ctx context.Context, runID, checksum string) ([]model.File, error) {
	var files []model.File
	err := s.DB.WithContext(ctx).Where("run_id = ? AND checksum = ?", runID, checksum).Find(&files).Error
	return files, err
}

// UpdateFileStatus transitions a file's status, refusing to overwrite a
// terminal status (model.FileStatus.Terminal) since once a file has reached
// a terminal status no further pipeline event should move it.
func (s *Store) UpdateFileStatus(ctx context.Context, runID, path string, newStatus model.FileStatus) error {
	existing, err := s.GetFileByPath(ctx, runID, path)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return nil
	}
	return s.DB.WithContext(ctx).Model(&model.File{}).
		Where("run_id = ? AND path = ?", runID, path).
		Update("status", newStatus).Error
}

// ListFilesByDirectory returns every file row under dirPath for runID,
// ordered by path, used by the Directory-Resolution worker to gather the
// files whose points of interest it summarizes.
func (s *Store) ListFilesByDirectory(ctx context.Context, runID, dirPath string) ([]model.File, error) {
	var files []model.File
	err := s.DB.WithContext(ctx).
		Where("run_id = ? AND path LIKE ?", runID, dirPath+"/%").
		Order("path").Find(&files).Error
	return files, err
}

// FilesByRun returns every file row recorded for runID, the Scanner's
// previous-state input when diffing a new run against the last completed
// one (spec.md §4.1).
func (s *Store) FilesByRun(ctx context.Context, runID string) ([]model.File, error) {
	var files []model.File
	err := s.DB.WithContext(ctx).Where("run_id = ?", runID).Find(&files).Error
	return files, err
}

// CountFilesByStatus supports the run-manifest summary and scenario tests
// asserting terminal counts (spec.md §8).
func (s *Store) CountFilesByStatus(ctx context.Context, runID string, status model.FileStatus) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&model.File{}).
		Where("run_id = ? AND status = ?", runID, status).Count(&n).Error
	return n, err
}

var ErrNotFound = errors.New("store: record not found")

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w", ErrNotFound)
	}
	return err
}
