package validation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	evidence  []model.RelationshipEvidence
	resolved  []model.ResolvedRelationship
}

func (s *fakeStore) EvidenceForFingerprint(ctx context.Context, fingerprint string) ([]model.RelationshipEvidence, error) {
	var out []model.RelationshipEvidence
	for _, e := range s.evidence {
		if e.Fingerprint == fingerprint {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertResolvedRelationship(ctx context.Context, r *model.ResolvedRelationship) error {
	s.resolved = append(s.resolved, *r)
	return nil
}

func newTestBus(t *testing.T) *queue.RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisBusFromClient(client, "test:")
}

func evidenceRow(fingerprint string, confidence float64) model.RelationshipEvidence {
	payload, _ := json.Marshal(evidencePayload{
		SourcePOIID: "poi-a", TargetPOIID: "poi-b", Type: model.RelationshipCalls,
		PassType: model.PassIntraFile, Confidence: confidence, Explanation: "calls",
	})
	return model.RelationshipEvidence{Fingerprint: fingerprint, EvidencePayload: string(payload)}
}

func TestProcessor_ValidatesHighConfidenceRelationship(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{evidence: []model.RelationshipEvidence{evidenceRow("fp-1", 0.9)}}
	p := &Processor{Store: st, Bus: bus}

	payload, _ := json.Marshal(Job{RunID: "run-1", Fingerprint: "fp-1"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.resolved, 1)
	assert.Equal(t, model.RelationshipStatusValidated, st.resolved[0].Status)

	msg, err := bus.Dequeue(context.Background(), queue.QueueReconciliation, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestProcessor_RejectsLowConfidenceRelationship(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{evidence: []model.RelationshipEvidence{evidenceRow("fp-2", 0.1)}}
	p := &Processor{Store: st, Bus: bus}

	payload, _ := json.Marshal(Job{RunID: "run-1", Fingerprint: "fp-2"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.resolved, 1)
	assert.Equal(t, model.RelationshipStatusRejected, st.resolved[0].Status)

	msg, err := bus.Dequeue(context.Background(), queue.QueueReconciliation, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestProcessor_SinglePassEvidenceIsCappedBelowOne(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{evidence: []model.RelationshipEvidence{evidenceRow("fp-3", 1.0)}}
	p := &Processor{Store: st, Bus: bus}

	payload, _ := json.Marshal(Job{RunID: "run-1", Fingerprint: "fp-3"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.resolved, 1)
	assert.Equal(t, SinglePassCeiling, st.resolved[0].Confidence)
}

func TestProcessor_AgreeingPassesRaiseScoreAboveAnySinglePass(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{evidence: []model.RelationshipEvidence{
		evidenceRow("fp-4", 0.6),
		evidenceRow("fp-4", 0.6),
	}}
	p := &Processor{Store: st, Bus: bus}

	payload, _ := json.Marshal(Job{RunID: "run-1", Fingerprint: "fp-4"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.resolved, 1)
	assert.Greater(t, st.resolved[0].Confidence, 0.6)
	assert.Equal(t, model.RelationshipStatusValidated, st.resolved[0].Status)
}

func TestProcessor_DisagreeingPassesAreFlaggedAndPenalized(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{evidence: []model.RelationshipEvidence{
		evidenceRow("fp-5", 0.95),
		evidenceRow("fp-5", 0.1),
	}}
	p := &Processor{Store: st, Bus: bus}

	payload, _ := json.Marshal(Job{RunID: "run-1", Fingerprint: "fp-5"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.resolved, 1)
	// noisy-OR alone would push this to 1-(0.05*0.9)=0.955; the conflict
	// penalty must pull it back down.
	assert.Less(t, st.resolved[0].Confidence, 0.955-conflictPenalty+0.001)
}
