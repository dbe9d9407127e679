// Package fileanalysis implements the File-Analysis Worker (C6): the
// highest-concurrency queue consumer in the pipeline (spec.md §6: ~100
// workers). Each job is one batch of file paths; the worker reads file
// content, prompts the LLM for points of interest, repairs/validates the
// JSON response, and upserts the resulting POIs — appending an outbox event
// per file, in the same transaction as the POI write, so Directory-
// Aggregation learns the file is done only once that write has actually
// committed.
package fileanalysis

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/llm"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/worker/relresolution"
)

// Job is the File-Analysis queue's payload shape.
type Job struct {
	RunID     string   `json:"runId"`
	DirPath   string   `json:"dirPath"`
	FilePaths []string `json:"filePaths"`
}

// AggregationTrigger is the Directory-Aggregation queue's payload. It is
// marshaled here and appended as an outbox event rather than enqueued
// directly, so the trigger only ever reaches the bus once the POI write and
// the file's terminal status have committed together.
type AggregationTrigger struct {
	RunID   string `json:"runId"`
	DirPath string `json:"dirPath"`
}

// poiFinding is one element of the LLM's JSON array response.
type poiFinding struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// Tokenizer truncates oversized file content to the model's input budget,
// the same contract batcher.Tokenizer exposes for the Batcher's pack-to-
// threshold decision — File-Analysis needs the truncating half too, since a
// single file can exceed MAX_INPUT_TOKENS even when a whole batch doesn't.
type Tokenizer interface {
	Count(text string) int
	TruncateMiddle(text string, maxTokens int) (string, error)
}

// Store is the narrow slice of store.Store this worker needs, kept as an
// interface so unit tests substitute an in-memory fake instead of a live
// Postgres instance.
type Store interface {
	UpdateFileStatus(ctx context.Context, runID, path string, status model.FileStatus) error
	CompleteFileAnalysis(ctx context.Context, runID, path string, status model.FileStatus, pois []model.POI, outboxEventType string, outboxPayload []byte) error
}

// Processor implements worker.JobProcessor for the File-Analysis queue.
type Processor struct {
	Store          Store
	KV             queue.KV
	Bus            queue.Bus
	LLM            llm.Client
	RepoRoot       string
	Tokenizer      Tokenizer
	MaxInputTokens int
	MaxFileSize    int64
	JobTimeout     time.Duration
	MaxRetries     int
}

func (p *Processor) Timeout() time.Duration {
	if p.JobTimeout == 0 {
		return 2 * time.Minute
	}
	return p.JobTimeout
}

func (p *Processor) maxInputTokens() int {
	if p.MaxInputTokens == 0 {
		return 8000
	}
	return p.MaxInputTokens
}

// Process analyzes every file in the batch, tolerating a per-file failure
// (recorded on that File row) without failing the whole batch — a bad file
// shouldn't block the rest of the batch's progress.
func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return cerrors.Dataf(err, "fileanalysis: unmarshal job")
	}

	for _, path := range job.FilePaths {
		if err := p.analyzeOne(ctx, job.RunID, job.DirPath, path); err != nil {
			return err
		}
	}
	return nil
}

// guardPath rejects any path that would escape RepoRoot once joined and
// cleaned — the same check batcher.Batcher applies to every entry it is
// offered. File-Analysis reads the identical repository tree off a job
// payload built elsewhere, so it needs the identical guard rather than
// trusting the payload's paths.
func (p *Processor) guardPath(relPath string) error {
	if strings.Contains(relPath, "\x00") {
		return cerrors.Policyf(nil, "fileanalysis: null byte in path %q", relPath)
	}
	joined := filepath.Join(p.RepoRoot, relPath)
	cleanRoot := filepath.Clean(p.RepoRoot)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return cerrors.Policyf(nil, "fileanalysis: path %q escapes repository root", relPath)
	}
	return nil
}

// analyzeOne processes one file to a terminal status and records it: the
// file's own relative path is added to the directory's done-set (the
// per-member cardinality Directory-Aggregation compares via KV.SetCardEqual against the
// expected set seeded at scan time), and the POI write plus the resulting
// Directory-Aggregation trigger are committed together through the outbox.
func (p *Processor) analyzeOne(ctx context.Context, runID, dirPath, relPath string) error {
	status, pois, err := p.classify(ctx, runID, relPath)
	if err != nil {
		return err
	}

	if err := p.KV.SetAdd(ctx, doneSetKey(runID, dirPath), relPath); err != nil {
		return cerrors.Transientf(err, "fileanalysis: mark %s done", relPath)
	}

	trigger, err := json.Marshal(AggregationTrigger{RunID: runID, DirPath: dirPath})
	if err != nil {
		return cerrors.Dataf(err, "fileanalysis: marshal aggregation trigger for %s", relPath)
	}

	if err := p.Store.CompleteFileAnalysis(ctx, runID, relPath, status, pois, model.EventFileAnalysisFinding, trigger); err != nil {
		return cerrors.Integrityf(err, "fileanalysis: complete %s", relPath)
	}

	if err := p.triggerRelationshipResolution(ctx, runID, relPath, pois); err != nil {
		return err
	}
	return nil
}

// triggerRelationshipResolution fans out one Relationship-Resolution job per
// POI found in the file, each naming that POI as the primary entity and
// every other POI in the file as context — the per-POI trigger spec.md
// §4.6 requires once a file's analysis has committed. A file with fewer
// than two POIs has nothing to relate and is skipped.
func (p *Processor) triggerRelationshipResolution(ctx context.Context, runID, relPath string, pois []model.POI) error {
	if p.Bus == nil || len(pois) < 2 {
		return nil
	}

	for i, primary := range pois {
		contextual := make([]model.POI, 0, len(pois)-1)
		for j, other := range pois {
			if j != i {
				contextual = append(contextual, other)
			}
		}

		job := relresolution.Job{
			RunID: runID, JobID: primary.ID, FilePath: relPath,
			PrimaryPOI: primary, ContextualPOIs: contextual,
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return cerrors.Dataf(err, "fileanalysis: marshal relationship-resolution job for %s", primary.ID)
		}
		if err := p.Bus.Enqueue(ctx, queue.QueueRelationshipResolution, payload); err != nil {
			return cerrors.Transientf(err, "fileanalysis: enqueue relationship resolution for %s", primary.ID)
		}
	}
	return nil
}

// classify reads relPath and prompts the LLM, returning the file's terminal
// status and any POIs found. A bad path, a missing file or an exhausted
// self-correction loop all resolve to a terminal status here rather than
// bubbling up, so one bad file never stalls the rest of the batch.
func (p *Processor) classify(ctx context.Context, runID, relPath string) (model.FileStatus, []model.POI, error) {
	if err := p.guardPath(relPath); err != nil {
		return model.FileStatusFailedFileNotFound, nil, nil
	}

	fullPath := filepath.Join(p.RepoRoot, relPath)
	content, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return model.FileStatusFailedFileNotFound, nil, nil
	}
	if err != nil {
		return "", nil, cerrors.Transientf(err, "fileanalysis: read %s", relPath)
	}

	if err := p.Store.UpdateFileStatus(ctx, runID, relPath, model.FileStatusProcessing); err != nil {
		return "", nil, cerrors.Integrityf(err, "fileanalysis: mark processing")
	}

	text := string(content)
	if p.Tokenizer != nil {
		truncated, err := p.Tokenizer.TruncateMiddle(text, p.maxInputTokens())
		if err != nil {
			return "", nil, cerrors.Policyf(err, "fileanalysis: truncate %s", relPath)
		}
		text = truncated
	}

	findings, err := p.promptWithSelfCorrection(ctx, relPath, text)
	if err != nil {
		if cerrors.KindOf(err) == cerrors.Data {
			return model.FileStatusFailedValidationError, nil, nil
		}
		return model.FileStatusFailedLLMAPIError, nil, nil
	}

	pois := make([]model.POI, 0, len(findings))
	for _, f := range findings {
		typ := model.POIType(f.Type)
		id := model.POIFingerprint(relPath, f.Name, typ, f.StartLine, f.EndLine)
		pois = append(pois, model.POI{
			ID: id, RunID: runID, FilePath: relPath, Name: f.Name,
			Type: typ, StartLine: f.StartLine, EndLine: f.EndLine, Confidence: 1.0,
		})
	}
	return model.FileStatusCompletedSuccess, pois, nil
}

func doneSetKey(runID, dirPath string) string {
	return "dir:" + runID + ":" + dirPath + ":done"
}

// promptWithSelfCorrection sends the file to the LLM, and on a Data-kind
// parse failure resends with the raw bad response appended to the prompt
// asking the model to correct itself — spec.md §7's self-correction loop —
// up to MaxRetries times before giving up as a Data error.
func (p *Processor) promptWithSelfCorrection(ctx context.Context, relPath, content string) ([]poiFinding, error) {
	maxRetries := p.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	userPrompt := analysisPrompt(relPath, content)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := p.LLM.Complete(ctx, llm.Request{
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
			MaxTokens:    4000,
		})
		if err != nil {
			return nil, err
		}

		var findings []poiFinding
		if ok, parseErr := llm.Repair(resp, &findings); ok {
			return findings, nil
		} else {
			lastErr = parseErr
			userPrompt = correctionPrompt(relPath, content, resp, parseErr)
		}
	}
	return nil, cerrors.Dataf(lastErr, "fileanalysis: LLM response never parsed as JSON for %s", relPath)
}

const systemPrompt = `You are a static analysis assistant. Given a source file, return a JSON array of points of interest: classes, functions, methods, variables and tables. Each element has name, type (Class|Function|Method|Variable|Table), startLine, endLine. Return only the JSON array, no prose.`

func analysisPrompt(path, content string) string {
	return "File: " + path + "\n\n" + content
}

func correctionPrompt(path, content, badResponse string, parseErr error) string {
	return "File: " + path + "\n\n" + content +
		"\n\nYour previous response could not be parsed as JSON (" + parseErr.Error() + "). " +
		"Previous response was:\n" + badResponse + "\n\nReturn ONLY a valid JSON array this time."
}
