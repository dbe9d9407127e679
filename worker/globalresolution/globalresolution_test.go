package globalresolution

import (
	"context"
	"encoding/json"
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
	summaries []model.DirectorySummary
	pois      map[string][]model.POI
	resolved  []*model.ResolvedRelationship
}

func (s *fakeStore) DirectorySummariesByRun(ctx context.Context, runID string) ([]model.DirectorySummary, error) {
	return s.summaries, nil
}
func (s *fakeStore) POIsByFile(ctx context.Context, runID, filePath string) ([]model.POI, error) {
	return s.pois[filePath], nil
}
func (s *fakeStore) BulkPersistResolvedRelationships(ctx context.Context, rels []*model.ResolvedRelationship) error {
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

func TestProcessor_WaitsForAllDirectoriesBeforeProposing(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.SetAdd(ctx, ExpectedSetKey("run-1"), "pkg/a"))
	require.NoError(t, bus.SetAdd(ctx, ExpectedSetKey("run-1"), "pkg/b"))

	st := &fakeStore{
		summaries: []model.DirectorySummary{
			{RunID: "run-1", DirectoryPath: "pkg/a", SummaryText: "Handles A."},
			{RunID: "run-1", DirectoryPath: "pkg/b", SummaryText: "Handles B."},
		},
		pois: map[string][]model.POI{
			"pkg/a/a.go": {{ID: "poi-a", FilePath: "pkg/a/a.go", Name: "A"}},
			"pkg/b/b.go": {{ID: "poi-b", FilePath: "pkg/b/b.go", Name: "B"}},
		},
	}
	fakeLLM := &llm.FakeClient{Responses: []string{
		`{"relationships":[{"sourceName":"A","sourcePath":"pkg/a/a.go","targetName":"B","targetPath":"pkg/b/b.go","type":"DEPENDS_ON","confidence":0.9,"explanation":"A depends on B"}]}`,
	}}

	p := &Processor{Store: st, KV: bus, Bus: bus, LLM: fakeLLM}

	payload1, _ := json.Marshal(Job{RunID: "run-1", DirPath: "pkg/a"})
	require.NoError(t, p.Process(ctx, payload1))

	// only one of two directories done; nothing should have persisted yet
	msg, err := bus.Dequeue(ctx, queue.QueueReconciliation, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg)
	assert.Empty(t, st.resolved)

	payload2, _ := json.Marshal(Job{RunID: "run-1", DirPath: "pkg/b"})
	require.NoError(t, p.Process(ctx, payload2))

	require.Len(t, st.resolved, 1)
	assert.Equal(t, "poi-a", st.resolved[0].SourcePOIID)
	assert.Equal(t, "poi-b", st.resolved[0].TargetPOIID)
	assert.Equal(t, model.PassGlobal, st.resolved[0].PassType)

	msg, err = bus.Dequeue(ctx, queue.QueueReconciliation, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}
