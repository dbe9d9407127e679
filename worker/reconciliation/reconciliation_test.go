package reconciliation

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
	evidence  map[string][]model.RelationshipEvidence
	rels      []model.ResolvedRelationship
	demoted   []string
}

func (s *fakeStore) EvidenceForFingerprint(ctx context.Context, fingerprint string) ([]model.RelationshipEvidence, error) {
	return s.evidence[fingerprint], nil
}
func (s *fakeStore) RelationshipsBySourceTarget(ctx context.Context, runID, sourcePOIID, targetPOIID string) ([]model.ResolvedRelationship, error) {
	return s.rels, nil
}
func (s *fakeStore) UpdateRelationshipStatus(ctx context.Context, id string, status model.RelationshipStatus) error {
	s.demoted = append(s.demoted, id)
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

func TestProcessor_DemotesLowerConfidenceRivalAndEnqueuesIngestion(t *testing.T) {
	bus := newTestBus(t)
	evPayload, _ := json.Marshal(map[string]string{"sourcePoiId": "poi-a", "targetPoiId": "poi-b"})
	st := &fakeStore{
		evidence: map[string][]model.RelationshipEvidence{
			"fp-winner": {{Fingerprint: "fp-winner", EvidencePayload: string(evPayload)}},
		},
		rels: []model.ResolvedRelationship{
			{ID: "rel-winner", Fingerprint: "fp-winner", Confidence: 0.9, Status: model.RelationshipStatusValidated},
			{ID: "rel-loser", Fingerprint: "fp-loser", Confidence: 0.4, Status: model.RelationshipStatusValidated},
		},
	}
	p := &Processor{Store: st, Bus: bus}

	payload, _ := json.Marshal(Job{RunID: "run-1", Fingerprint: "fp-winner"})
	require.NoError(t, p.Process(context.Background(), payload))

	assert.Equal(t, []string{"rel-loser"}, st.demoted)

	msg, err := bus.Dequeue(context.Background(), queue.QueueGraphIngestion, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}
