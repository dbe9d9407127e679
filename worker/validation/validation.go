// Package validation implements the Validation Worker (C12): the
// cognitive-triangulation decision point. It loads every piece of evidence
// gathered so far for a relationship fingerprint, reconciles it into a
// single confidence score, and records the outcome as Validated or
// Rejected before handing the relationship to Reconciliation.
package validation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/sirupsen/logrus"
)

// Job is the Validation queue's payload: a fingerprint whose evidence
// counter has reached its expected count.
type Job struct {
	RunID       string `json:"runId"`
	Fingerprint string `json:"fingerprint"`
}

type evidencePayload struct {
	SourcePOIID string                 `json:"sourcePoiId"`
	TargetPOIID string                 `json:"targetPoiId"`
	Type        model.RelationshipType `json:"type"`
	PassType    model.PassType         `json:"passType"`
	Confidence  float64                `json:"confidence"`
	Explanation string                 `json:"explanation"`
}

// RejectionThreshold is the minimum combined confidence a relationship must
// reach to be accepted. Below it the candidate is recorded Rejected rather
// than silently dropped, so an operator can audit what was considered and
// turned down.
const RejectionThreshold = 0.5

// Store is the narrow slice of store.Store this worker needs.
type Store interface {
	EvidenceForFingerprint(ctx context.Context, fingerprint string) ([]model.RelationshipEvidence, error)
	UpsertResolvedRelationship(ctx context.Context, r *model.ResolvedRelationship) error
}

// Processor implements worker.JobProcessor for the Validation queue.
type Processor struct {
	Store Store
	Bus   queue.Bus
	Log   *logrus.Logger
}

func (p *Processor) Timeout() time.Duration { return 30 * time.Second }

func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return cerrors.Dataf(err, "validation: unmarshal job")
	}

	evidence, err := p.Store.EvidenceForFingerprint(ctx, job.Fingerprint)
	if err != nil {
		return cerrors.Integrityf(err, "validation: load evidence for %s", job.Fingerprint)
	}
	if len(evidence) == 0 {
		return cerrors.Dataf(nil, "validation: no evidence recorded for %s", job.Fingerprint)
	}

	decision, err := reconcile(evidence)
	if err != nil {
		return cerrors.Dataf(err, "validation: reconcile evidence for %s", job.Fingerprint)
	}
	if decision.hasConflict && p.Log != nil {
		p.Log.WithFields(logrus.Fields{
			"runId":       job.RunID,
			"fingerprint": job.Fingerprint,
			"confidence":  decision.confidence,
		}).Warn("validation: conflicting evidence reconciled for relationship")
	}

	status := model.RelationshipStatusRejected
	if decision.confidence >= RejectionThreshold {
		status = model.RelationshipStatusValidated
	}

	rel := &model.ResolvedRelationship{
		ID:          job.Fingerprint,
		RunID:       job.RunID,
		Fingerprint: job.Fingerprint,
		SourcePOIID: decision.sourceID,
		TargetPOIID: decision.targetID,
		Type:        decision.relType,
		Confidence:  decision.confidence,
		Explanation: decision.explanation,
		PassType:    decision.strongestPass,
		Status:      status,
	}
	if err := p.Store.UpsertResolvedRelationship(ctx, rel); err != nil {
		return cerrors.Integrityf(err, "validation: upsert resolved relationship %s", job.Fingerprint)
	}

	if status != model.RelationshipStatusValidated {
		return nil
	}

	reconPayload, err := json.Marshal(map[string]string{"runId": job.RunID, "fingerprint": job.Fingerprint})
	if err != nil {
		return cerrors.Dataf(err, "validation: marshal reconciliation trigger")
	}
	if err := p.Bus.Enqueue(ctx, queue.QueueReconciliation, reconPayload); err != nil {
		return cerrors.Transientf(err, "validation: enqueue reconciliation")
	}
	return nil
}

type decision struct {
	sourceID      string
	targetID      string
	relType       model.RelationshipType
	confidence    float64
	explanation   string
	strongestPass model.PassType
	hasConflict   bool
}

// SinglePassCeiling bounds the score a fingerprint backed by exactly one
// piece of evidence can reach. Cognitive triangulation's premise is that
// independent passes agreeing is worth more than any one pass's own
// self-reported confidence, so a lone assertion is never allowed to look as
// certain as corroborated ones.
const SinglePassCeiling = 0.8

// conflictSpread is how far apart the lowest and highest confidence in a
// fingerprint's evidence set must be before the passes are judged to
// disagree rather than merely differ in how sure they each were.
const conflictSpread = 0.35

// conflictPenalty is subtracted from the aggregated score once hasConflict
// is set, so disagreement measurably lowers the outcome instead of only
// being recorded as a flag nobody acts on.
const conflictPenalty = 0.2

// reconcile combines every independent pass's evidence for one fingerprint
// into a single score via noisy-OR: each pass is treated as an independent
// chance the relationship is real, so P(real) = 1 - product(1 - confidence).
// Agreement among several passes pushes the score up faster than any one of
// them alone could, while a wide spread between the least and most
// confident pass is flagged and penalized as a conflict rather than
// averaged away. Source/target/type are read off any single entry since
// RelationshipFingerprint guarantees every evidence row sharing one
// fingerprint already agrees on those three fields.
func reconcile(evidence []model.RelationshipEvidence) (decision, error) {
	payloads := make([]evidencePayload, 0, len(evidence))
	for _, ev := range evidence {
		var e evidencePayload
		if err := json.Unmarshal([]byte(ev.EvidencePayload), &e); err != nil {
			return decision{}, err
		}
		payloads = append(payloads, e)
	}

	complement := 1.0
	minConf, maxConf := payloads[0].Confidence, payloads[0].Confidence
	strongest := payloads[0]
	for _, e := range payloads {
		complement *= 1 - e.Confidence
		if e.Confidence < minConf {
			minConf = e.Confidence
		}
		if e.Confidence > maxConf {
			maxConf = e.Confidence
		}
		if e.Confidence >= strongest.Confidence {
			strongest = e
		}
	}
	score := 1 - complement

	hasConflict := len(payloads) > 1 && maxConf-minConf > conflictSpread
	if hasConflict {
		score -= conflictPenalty
	}
	if len(payloads) == 1 && score > SinglePassCeiling {
		score = SinglePassCeiling
	}
	score = clamp01(score)

	return decision{
		sourceID:      strongest.SourcePOIID,
		targetID:      strongest.TargetPOIID,
		relType:       strongest.Type,
		confidence:    score,
		explanation:   strongest.Explanation,
		strongestPass: strongest.PassType,
		hasConflict:   hasConflict,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
