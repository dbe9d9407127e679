package store

import (
	"context"

	"github.com/evalgo/codeatlas/model"
	"gorm.io/gorm/clause"
)

// UpsertRunManifest records how many evidence payloads a relationship
// fingerprint should expect before reconciliation fires, written once by
// whichever resolution pass first proposes the candidate edge and never
// lowered afterward — spec.md's evidence-counter ready check
// (queue.KV.EvidenceCounterCheckAndFetch) trusts this count as the
// denominator.
func (s *Store) UpsertRunManifest(ctx context.Context, m *model.RunManifest) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"expected_count": clause.Expr{SQL: "GREATEST(run_manifests.expected_count, excluded.expected_count)"},
		}),
	}).Create(m).Error
}

// RunManifestByFingerprint returns the expected evidence count for a
// fingerprint, or gorm.ErrRecordNotFound if no pass has proposed it yet.
func (s *Store) RunManifestByFingerprint(ctx context.Context, runID, fingerprint string) (*model.RunManifest, error) {
	var m model.RunManifest
	err := s.DB.WithContext(ctx).Where("run_id = ? AND fingerprint = ?", runID, fingerprint).First(&m).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}
