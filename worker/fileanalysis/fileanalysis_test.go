package fileanalysis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/evalgo/codeatlas/llm"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/worker/relresolution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	statuses    map[string]model.FileStatus
	pois        []model.POI
	outboxTypes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[string]model.FileStatus)}
}

func (s *fakeStore) UpdateFileStatus(ctx context.Context, runID, path string, status model.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[path] = status
	return nil
}

func (s *fakeStore) CompleteFileAnalysis(ctx context.Context, runID, path string, status model.FileStatus, pois []model.POI, outboxEventType string, outboxPayload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[path] = status
	s.pois = append(s.pois, pois...)
	s.outboxTypes = append(s.outboxTypes, outboxEventType)
	return nil
}

type fakeKV struct{ adds []string }

func (f *fakeKV) BatchThresholdSwap(ctx context.Context, pendingKey, counterKey, entry string, tokens, threshold int, swapKeyPrefix string) (string, int, bool, error) {
	return "", 0, false, nil
}
func (f *fakeKV) EvidenceCounterCheckAndFetch(ctx context.Context, counterHashKey, readyKey, fingerprint string, expectedCount int) (int, bool, error) {
	return 0, false, nil
}
func (f *fakeKV) SetAdd(ctx context.Context, key, member string) error {
	f.adds = append(f.adds, member)
	return nil
}
func (f *fakeKV) SetCardEqual(ctx context.Context, doneKey, expectedKey string) (bool, error) {
	return false, nil
}
func (f *fakeKV) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return nil, nil
}
func (f *fakeKV) Delete(ctx context.Context, keys ...string) error { return nil }

type fakeBus struct {
	mu       sync.Mutex
	enqueued map[string][][]byte
}

func (b *fakeBus) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueued == nil {
		b.enqueued = make(map[string][][]byte)
	}
	b.enqueued[queueName] = append(b.enqueued[queueName], payload)
	return nil
}
func (b *fakeBus) BulkEnqueue(ctx context.Context, queueName string, payloads [][]byte) error {
	for _, p := range payloads {
		if err := b.Enqueue(ctx, queueName, p); err != nil {
			return err
		}
	}
	return nil
}
func (b *fakeBus) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (b *fakeBus) MarkProcessing(ctx context.Context, id string, deadline time.Time) error {
	return nil
}
func (b *fakeBus) Complete(ctx context.Context, id string) error { return nil }
func (b *fakeBus) Fail(ctx context.Context, id string, queueName string, payload []byte, requeue bool) error {
	return nil
}
func (b *fakeBus) Depth(ctx context.Context, queueName string) (int64, error) { return 0, nil }

func TestProcessor_TriggersRelationshipResolutionPerPOI(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\nfunc Bar() {}\n"), 0o644))

	fakeLLM := &llm.FakeClient{Responses: []string{
		`[{"name":"Foo","type":"Function","startLine":2,"endLine":2},{"name":"Bar","type":"Function","startLine":3,"endLine":3}]`,
	}}
	st := newFakeStore()
	bus := &fakeBus{}

	p := &Processor{Store: st, KV: &fakeKV{}, Bus: bus, LLM: fakeLLM, RepoRoot: dir}
	require.NoError(t, p.analyzeOne(context.Background(), "run-1", "pkg", "a.go"))

	require.Len(t, bus.enqueued[queue.QueueRelationshipResolution], 2)
	var job relresolution.Job
	require.NoError(t, json.Unmarshal(bus.enqueued[queue.QueueRelationshipResolution][0], &job))
	assert.Equal(t, "run-1", job.RunID)
	assert.Len(t, job.ContextualPOIs, 1)
}

func TestProcessor_SinglePOIDoesNotTriggerRelationshipResolution(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0o644))

	fakeLLM := &llm.FakeClient{Responses: []string{`[{"name":"Foo","type":"Function","startLine":2,"endLine":2}]`}}
	st := newFakeStore()
	bus := &fakeBus{}

	p := &Processor{Store: st, KV: &fakeKV{}, Bus: bus, LLM: fakeLLM, RepoRoot: dir}
	require.NoError(t, p.analyzeOne(context.Background(), "run-1", "pkg", "a.go"))

	assert.Empty(t, bus.enqueued[queue.QueueRelationshipResolution])
}

func TestProcessor_AnalyzesFileAndUpsertsPOIs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0o644))

	fakeLLM := &llm.FakeClient{Responses: []string{`[{"name":"Foo","type":"Function","startLine":2,"endLine":2}]`}}
	st := newFakeStore()
	kv := &fakeKV{}

	p := &Processor{Store: st, KV: kv, LLM: fakeLLM, RepoRoot: dir}
	err := p.analyzeOne(context.Background(), "run-1", "pkg", "a.go")
	require.NoError(t, err)

	assert.Equal(t, model.FileStatusCompletedSuccess, st.statuses["a.go"])
	require.Len(t, st.pois, 1)
	assert.Equal(t, "Foo", st.pois[0].Name)
	require.Len(t, kv.adds, 1)
	assert.Equal(t, "a.go", kv.adds[0])
}

func TestProcessor_MissingFileMarksNotFound(t *testing.T) {
	dir := t.TempDir()
	st := newFakeStore()
	p := &Processor{Store: st, KV: &fakeKV{}, LLM: &llm.FakeClient{}, RepoRoot: dir}

	err := p.analyzeOne(context.Background(), "run-1", "pkg", "missing.go")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailedFileNotFound, st.statuses["missing.go"])
}

func TestProcessor_SelfCorrectsOnBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))

	fakeLLM := &llm.FakeClient{Responses: []string{
		"not json",
		`[{"name":"Bar","type":"Function","startLine":1,"endLine":1}]`,
	}}
	st := newFakeStore()
	p := &Processor{Store: st, KV: &fakeKV{}, LLM: fakeLLM, RepoRoot: dir, MaxRetries: 2}

	err := p.analyzeOne(context.Background(), "run-1", "pkg", "a.go")
	require.NoError(t, err)
	assert.Len(t, fakeLLM.Requests, 2)
	require.Len(t, st.pois, 1)
	assert.Equal(t, "Bar", st.pois[0].Name)
}

func TestProcessor_PathEscapingRepoRootIsRejected(t *testing.T) {
	dir := t.TempDir()
	st := newFakeStore()
	p := &Processor{Store: st, KV: &fakeKV{}, LLM: &llm.FakeClient{}, RepoRoot: dir}

	err := p.analyzeOne(context.Background(), "run-1", "pkg", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, model.FileStatusFailedFileNotFound, st.statuses["../../etc/passwd"])
}

func TestProcessor_TruncatesOversizedContentBeforePrompting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.go"), []byte("package a\nfunc Foo() {}\n"), 0o644))

	fakeLLM := &llm.FakeClient{Responses: []string{`[{"name":"Foo","type":"Function","startLine":2,"endLine":2}]`}}
	st := newFakeStore()
	tok := &fakeTokenizer{truncated: "package a\n(truncated)\n"}

	p := &Processor{Store: st, KV: &fakeKV{}, LLM: fakeLLM, RepoRoot: dir, Tokenizer: tok, MaxInputTokens: 10}
	err := p.analyzeOne(context.Background(), "run-1", "pkg", "big.go")
	require.NoError(t, err)

	require.Len(t, fakeLLM.Requests, 1)
	assert.Contains(t, fakeLLM.Requests[0].UserPrompt, "(truncated)")
	assert.Equal(t, 10, tok.gotMaxTokens)
}

type fakeTokenizer struct {
	truncated    string
	gotMaxTokens int
}

func (f *fakeTokenizer) Count(text string) int { return len(text) }
func (f *fakeTokenizer) TruncateMiddle(text string, maxTokens int) (string, error) {
	f.gotMaxTokens = maxTokens
	return f.truncated, nil
}

func TestProcessor_Timeout(t *testing.T) {
	p := &Processor{}
	assert.Equal(t, 2*time.Minute, p.Timeout())
	p.JobTimeout = 30 * time.Second
	assert.Equal(t, 30*time.Second, p.Timeout())
}
