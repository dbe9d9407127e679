package ingestor

import (
	"context"
	"sync"
	"testing"

	"github.com/evalgo/codeatlas/graphstore"
	"github.com/evalgo/codeatlas/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	pois      []model.POI
	ingested  map[string]bool
	rels      []model.ResolvedRelationship
	relStatus map[string]model.RelationshipStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{ingested: map[string]bool{}, relStatus: map[string]model.RelationshipStatus{}}
}

func (s *fakeStore) UningestedPOIs(ctx context.Context, runID string, limit int) ([]model.POI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.POI
	for _, p := range s.pois {
		if !s.ingested[p.ID] {
			out = append(out, p)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPOIsGraphIngested(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ingested[id] = true
	}
	return nil
}

func (s *fakeStore) ResolvedRelationshipsByStatus(ctx context.Context, runID string, status model.RelationshipStatus, limit int) ([]model.ResolvedRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ResolvedRelationship
	for _, r := range s.rels {
		if s.relStatus[r.ID] == "" && status == model.RelationshipStatusValidated {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkRelationshipsIngestedByIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.relStatus[id] = model.RelationshipStatusIngested
	}
	return nil
}

type fakeRefactorQueue struct {
	mu    sync.Mutex
	tasks []model.RefactorTask
}

func (q *fakeRefactorQueue) PopRefactorTask(ctx context.Context, runID string) (*model.RefactorTask, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return &t, true, nil
}

type fakeGraph struct {
	mu            sync.Mutex
	upsertedPOIs  []string
	upsertedRels  []string
	deletedFiles  []string
	renamedFiles  [][2]string
}

func (g *fakeGraph) UpsertPOI(ctx context.Context, p *model.POI) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertedPOIs = append(g.upsertedPOIs, p.ID)
	return nil
}
func (g *fakeGraph) UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertedRels = append(g.upsertedRels, r.ID)
	return nil
}
func (g *fakeGraph) DeleteFile(ctx context.Context, filePath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletedFiles = append(g.deletedFiles, filePath)
	return nil
}
func (g *fakeGraph) RenameFile(ctx context.Context, oldPath, newPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renamedFiles = append(g.renamedFiles, [2]string{oldPath, newPath})
	return nil
}
func (g *fakeGraph) Close(ctx context.Context) error { return nil }

func (g *fakeGraph) ExecuteBatch(ctx context.Context, fn func(tx graphstore.GraphTx) error) error {
	return fn(&fakeGraphTx{g: g})
}

// fakeGraphTx is the GraphTx view of fakeGraph: both writes land in the same
// slices a direct UpsertPOI/UpsertRelationship call would, so tests assert
// against upsertedPOIs/upsertedRels the same way whether ingestor used the
// single-call or batch path.
type fakeGraphTx struct{ g *fakeGraph }

func (t *fakeGraphTx) UpsertPOI(ctx context.Context, p *model.POI) error {
	return t.g.UpsertPOI(ctx, p)
}
func (t *fakeGraphTx) UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error {
	return t.g.UpsertRelationship(ctx, r, relType)
}

func TestIngestor_TickAppliesPassesInOrder(t *testing.T) {
	st := newFakeStore()
	st.pois = []model.POI{{ID: "poi-1", RunID: "run-1"}, {ID: "poi-2", RunID: "run-1"}}
	st.rels = []model.ResolvedRelationship{{ID: "rel-1", RunID: "run-1", Type: model.RelationshipCalls}}
	rq := &fakeRefactorQueue{tasks: []model.RefactorTask{
		{Type: model.RefactorDelete, OldPath: "old/gone.go"},
		{Type: model.RefactorRename, OldPath: "a.go", NewPath: "b.go"},
	}}
	graph := &fakeGraph{}

	ing := &Ingestor{Store: st, Refactors: rq, Graph: graph}
	require.NoError(t, ing.Tick(context.Background(), "run-1"))

	assert.Equal(t, []string{"old/gone.go"}, graph.deletedFiles)
	assert.Equal(t, [][2]string{{"a.go", "b.go"}}, graph.renamedFiles)
	assert.ElementsMatch(t, []string{"poi-1", "poi-2"}, graph.upsertedPOIs)
	assert.Equal(t, []string{"rel-1"}, graph.upsertedRels)
	assert.True(t, st.ingested["poi-1"])
	assert.Equal(t, model.RelationshipStatusIngested, st.relStatus["rel-1"])
}

func TestIngestor_TickIsNoOpWhenNothingPending(t *testing.T) {
	st := newFakeStore()
	rq := &fakeRefactorQueue{}
	graph := &fakeGraph{}
	ing := &Ingestor{Store: st, Refactors: rq, Graph: graph}
	require.NoError(t, ing.Tick(context.Background(), "run-1"))
	assert.Empty(t, graph.upsertedPOIs)
	assert.Empty(t, graph.upsertedRels)
}
