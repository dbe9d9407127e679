package relresolution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/evalgo/codeatlas/llm"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	evidence  []model.RelationshipEvidence
	manifests []model.RunManifest
}

func (s *fakeStore) AddEvidence(ctx context.Context, ev *model.RelationshipEvidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, *ev)
	return nil
}
func (s *fakeStore) UpsertRunManifest(ctx context.Context, m *model.RunManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = append(s.manifests, *m)
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

func TestProcessor_RecordsEvidenceForValidTargetAndTriggersValidation(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{}
	fakeLLM := &llm.FakeClient{Responses: []string{
		`{"relationships":[{"targetId":"poi-b","type":"CALLS","confidence":0.8,"explanation":"Foo calls Bar"}]}`,
	}}

	p := &Processor{Store: st, KV: bus, Bus: bus, LLM: fakeLLM}
	job := Job{
		RunID: "run-1", JobID: "poi-a", FilePath: "pkg/a/a.go",
		PrimaryPOI:     model.POI{ID: "poi-a", FilePath: "pkg/a/a.go", Name: "Foo", Type: model.POITypeFunction},
		ContextualPOIs: []model.POI{{ID: "poi-b", FilePath: "pkg/a/a.go", Name: "Bar", Type: model.POITypeFunction}},
	}
	payload, _ := json.Marshal(job)
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.evidence, 1)
	msg, err := bus.Dequeue(context.Background(), queue.QueueAnalysisFindings, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestProcessor_DropsHallucinatedTargetWithoutError(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{}
	fakeLLM := &llm.FakeClient{Responses: []string{
		`{"relationships":[{"targetId":"poi-ghost","type":"CALLS","confidence":0.8,"explanation":"hallucinated"}]}`,
	}}

	p := &Processor{Store: st, KV: bus, Bus: bus, LLM: fakeLLM}
	job := Job{
		RunID: "run-1", JobID: "poi-a", FilePath: "pkg/a/a.go",
		PrimaryPOI:     model.POI{ID: "poi-a", FilePath: "pkg/a/a.go", Name: "Foo", Type: model.POITypeFunction},
		ContextualPOIs: []model.POI{{ID: "poi-b", FilePath: "pkg/a/a.go", Name: "Bar", Type: model.POITypeFunction}},
	}
	payload, _ := json.Marshal(job)
	require.NoError(t, p.Process(context.Background(), payload))

	assert.Empty(t, st.evidence)
}

func TestProcessor_NoContextualPOIsIsANoOp(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{}
	p := &Processor{Store: st, KV: bus, Bus: bus}

	job := Job{RunID: "run-1", JobID: "poi-a", FilePath: "pkg/a/a.go", PrimaryPOI: model.POI{ID: "poi-a"}}
	payload, _ := json.Marshal(job)
	require.NoError(t, p.Process(context.Background(), payload))

	assert.Empty(t, st.evidence)
}
