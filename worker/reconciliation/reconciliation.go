// Package reconciliation implements the Reconciliation Worker (C13): the
// last check before a relationship reaches the graph. It looks for other
// validated relationships between the same source/target pair — two passes
// can each independently validate a different edge type for the same two
// entities — and keeps only the highest-confidence one, demoting the rest
// to Rejected, before waking the Graph Ingestor.
package reconciliation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
)

// Job is the Reconciliation queue's payload: a relationship that has just
// been validated and needs a conflict check before ingestion.
type Job struct {
	RunID       string `json:"runId"`
	Fingerprint string `json:"fingerprint"`
}

// Store is the narrow slice of store.Store this worker needs.
type Store interface {
	EvidenceForFingerprint(ctx context.Context, fingerprint string) ([]model.RelationshipEvidence, error)
	RelationshipsBySourceTarget(ctx context.Context, runID, sourcePOIID, targetPOIID string) ([]model.ResolvedRelationship, error)
	UpdateRelationshipStatus(ctx context.Context, id string, status model.RelationshipStatus) error
}

// Processor implements worker.JobProcessor for the Reconciliation queue.
type Processor struct {
	Store Store
	Bus   queue.Bus
}

func (p *Processor) Timeout() time.Duration { return 30 * time.Second }

func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return cerrors.Dataf(err, "reconciliation: unmarshal job")
	}

	evidence, err := p.Store.EvidenceForFingerprint(ctx, job.Fingerprint)
	if err != nil {
		return cerrors.Integrityf(err, "reconciliation: load evidence for %s", job.Fingerprint)
	}
	if len(evidence) == 0 {
		return cerrors.Dataf(nil, "reconciliation: no evidence recorded for %s", job.Fingerprint)
	}
	var sample struct {
		SourcePOIID string `json:"sourcePoiId"`
		TargetPOIID string `json:"targetPoiId"`
	}
	if err := json.Unmarshal([]byte(evidence[0].EvidencePayload), &sample); err != nil {
		return cerrors.Dataf(err, "reconciliation: parse evidence payload for %s", job.Fingerprint)
	}

	rivals, err := p.Store.RelationshipsBySourceTarget(ctx, job.RunID, sample.SourcePOIID, sample.TargetPOIID)
	if err != nil {
		return cerrors.Integrityf(err, "reconciliation: load rivals for %s -> %s", sample.SourcePOIID, sample.TargetPOIID)
	}
	if len(rivals) > 1 {
		if err := demoteLowerConfidenceRivals(ctx, p.Store, rivals, job.Fingerprint); err != nil {
			return err
		}
	}

	ingestPayload, err := json.Marshal(map[string]string{"runId": job.RunID, "fingerprint": job.Fingerprint})
	if err != nil {
		return cerrors.Dataf(err, "reconciliation: marshal ingestion trigger")
	}
	if err := p.Bus.Enqueue(ctx, queue.QueueGraphIngestion, ingestPayload); err != nil {
		return cerrors.Transientf(err, "reconciliation: enqueue graph ingestion")
	}
	return nil
}

// demoteLowerConfidenceRivals keeps the single highest-confidence relationship
// among a conflicting set between the same POI pair and rejects the rest,
// so the Graph Ingestor never writes two contradictory edges for one pair.
func demoteLowerConfidenceRivals(ctx context.Context, s Store, rivals []model.ResolvedRelationship, keepFingerprint string) error {
	best := rivals[0]
	for _, r := range rivals[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	for _, r := range rivals {
		if r.Fingerprint == best.Fingerprint {
			continue
		}
		if err := s.UpdateRelationshipStatus(ctx, r.ID, model.RelationshipStatusRejected); err != nil {
			return cerrors.Integrityf(err, "reconciliation: demote rival %s", r.Fingerprint)
		}
	}
	return nil
}
