package dirresolution

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
	mu       sync.Mutex
	files    []model.File
	pois     map[string][]model.POI
	summary  *model.DirectorySummary
	resolved []*model.ResolvedRelationship
}

func (s *fakeStore) ListFilesByDirectory(ctx context.Context, runID, dirPath string) ([]model.File, error) {
	return s.files, nil
}
func (s *fakeStore) POIsByFile(ctx context.Context, runID, filePath string) ([]model.POI, error) {
	return s.pois[filePath], nil
}
func (s *fakeStore) UpsertDirectorySummary(ctx context.Context, d *model.DirectorySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = d
	return nil
}
func (s *fakeStore) BulkPersistResolvedRelationships(ctx context.Context, rels []*model.ResolvedRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, rels...)
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

func TestProcessor_SummarizesDirectoryAndTriggersGlobal(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{
		files: []model.File{{Path: "pkg/foo/a.go"}},
		pois: map[string][]model.POI{
			"pkg/foo/a.go": {{Name: "Foo", Type: model.POITypeFunction}},
		},
	}
	fakeLLM := &llm.FakeClient{Responses: []string{"This directory implements Foo."}}

	p := &Processor{Store: st, KV: bus, Bus: bus, LLM: fakeLLM}
	payload, _ := json.Marshal(Job{RunID: "run-1", DirPath: "pkg/foo"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.NotNil(t, st.summary)
	assert.Equal(t, "This directory implements Foo.", st.summary.SummaryText)

	msg, err := bus.Dequeue(context.Background(), queue.QueueGlobalResolution, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestProcessor_ResolvesIntraDirectoryRelationshipsAndTriggersReconciliation(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{
		files: []model.File{{Path: "pkg/foo/a.go"}, {Path: "pkg/foo/b.go"}},
		pois: map[string][]model.POI{
			"pkg/foo/a.go": {{ID: "poi-foo", FilePath: "pkg/foo/a.go", Name: "Foo", Type: model.POITypeFunction}},
			"pkg/foo/b.go": {{ID: "poi-bar", FilePath: "pkg/foo/b.go", Name: "Bar", Type: model.POITypeFunction}},
		},
	}
	fakeLLM := &llm.FakeClient{Responses: []string{
		"This directory implements Foo and Bar.",
		`{"relationships":[{"sourceId":"poi-foo","targetId":"poi-bar","type":"CALLS","confidence":0.8,"explanation":"Foo calls Bar"}]}`,
	}}

	p := &Processor{Store: st, KV: bus, Bus: bus, LLM: fakeLLM}
	payload, _ := json.Marshal(Job{RunID: "run-1", DirPath: "pkg/foo"})
	require.NoError(t, p.Process(context.Background(), payload))

	require.Len(t, st.resolved, 1)
	assert.Equal(t, "poi-foo", st.resolved[0].SourcePOIID)
	assert.Equal(t, "poi-bar", st.resolved[0].TargetPOIID)
	assert.Equal(t, model.PassIntraDirectory, st.resolved[0].PassType)
	assert.Equal(t, model.RelationshipStatusValidated, st.resolved[0].Status)

	msg, err := bus.Dequeue(context.Background(), queue.QueueReconciliation, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestProcessor_IgnoresHallucinatedReferencesOutsidePage(t *testing.T) {
	bus := newTestBus(t)
	st := &fakeStore{
		files: []model.File{{Path: "pkg/foo/a.go"}, {Path: "pkg/foo/b.go"}},
		pois: map[string][]model.POI{
			"pkg/foo/a.go": {{ID: "poi-foo", FilePath: "pkg/foo/a.go", Name: "Foo", Type: model.POITypeFunction}},
			"pkg/foo/b.go": {{ID: "poi-bar", FilePath: "pkg/foo/b.go", Name: "Bar", Type: model.POITypeFunction}},
		},
	}
	fakeLLM := &llm.FakeClient{Responses: []string{
		"Foo and Bar here.",
		`{"relationships":[{"sourceId":"poi-foo","targetId":"poi-ghost","type":"CALLS","confidence":0.8,"explanation":"hallucinated"}]}`,
	}}

	p := &Processor{Store: st, KV: bus, Bus: bus, LLM: fakeLLM}
	payload, _ := json.Marshal(Job{RunID: "run-1", DirPath: "pkg/foo"})
	require.NoError(t, p.Process(context.Background(), payload))

	assert.Empty(t, st.resolved)
}
