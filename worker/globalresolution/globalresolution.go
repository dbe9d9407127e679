// Package globalresolution implements the Global-Resolution Worker (C9): a
// single-consumer (spec.md §6: ~1 worker) that waits for every directory in
// a run to report its summary, then prompts the LLM once over the whole
// run's directory summaries for cross-directory relationship candidates,
// resolves each candidate's named entities back to POI ids, and persists
// the result directly as resolved inter-directory relationships in one
// bulk insert.
package globalresolution

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/llm"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/queue"
)

// Job is the Global-Resolution queue's payload: one "a directory finished"
// notification, mirroring diraggregation's Job shape one level up.
type Job struct {
	RunID   string `json:"runId"`
	DirPath string `json:"dirPath"`
}

// Candidate is one cross-directory relationship the LLM proposes, resolved
// by name rather than POI id since the prompt only ever sees summaries.
type Candidate struct {
	SourceName string  `json:"sourceName"`
	SourcePath string  `json:"sourcePath"`
	TargetName string  `json:"targetName"`
	TargetPath string  `json:"targetPath"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Explanation string `json:"explanation"`
}

type candidateResponse struct {
	Relationships []Candidate `json:"relationships"`
}

// Store is the narrow slice of store.Store this worker needs.
type Store interface {
	DirectorySummariesByRun(ctx context.Context, runID string) ([]model.DirectorySummary, error)
	POIsByFile(ctx context.Context, runID, filePath string) ([]model.POI, error)
	BulkPersistResolvedRelationships(ctx context.Context, rels []*model.ResolvedRelationship) error
}

// Processor implements worker.JobProcessor for the Global-Resolution queue.
type Processor struct {
	Store      Store
	KV         queue.KV
	Bus        queue.Bus
	LLM        llm.Client
	MaxRetries int
}

func (p *Processor) Timeout() time.Duration { return 2 * time.Minute }

func (p *Processor) maxRetries() int {
	if p.MaxRetries == 0 {
		return 2
	}
	return p.MaxRetries
}

func (p *Processor) Process(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return cerrors.Dataf(err, "globalresolution: unmarshal job")
	}

	if err := p.KV.SetAdd(ctx, doneSetKey(job.RunID), job.DirPath); err != nil {
		return cerrors.Transientf(err, "globalresolution: mark directory done")
	}

	equal, err := p.KV.SetCardEqual(ctx, doneSetKey(job.RunID), expectedSetKey(job.RunID))
	if err != nil {
		return cerrors.Transientf(err, "globalresolution: set card equal")
	}
	if !equal {
		return nil
	}

	summaries, err := p.Store.DirectorySummariesByRun(ctx, job.RunID)
	if err != nil {
		return cerrors.Integrityf(err, "globalresolution: load directory summaries")
	}

	var lines []string
	for _, s := range summaries {
		lines = append(lines, s.DirectoryPath+": "+s.SummaryText)
	}

	candidates, err := p.proposeCandidates(ctx, strings.Join(lines, "\n"))
	if err != nil {
		return err
	}

	rels, err := p.resolveCandidates(ctx, job.RunID, candidates)
	if err != nil {
		return err
	}
	if len(rels) == 0 {
		return nil
	}

	if err := p.Store.BulkPersistResolvedRelationships(ctx, rels); err != nil {
		return cerrors.Integrityf(err, "globalresolution: persist %d relationships", len(rels))
	}

	for _, r := range rels {
		trigger, err := json.Marshal(map[string]string{"runId": job.RunID, "fingerprint": r.Fingerprint})
		if err != nil {
			return cerrors.Dataf(err, "globalresolution: marshal reconciliation trigger")
		}
		if err := p.Bus.Enqueue(ctx, queue.QueueReconciliation, trigger); err != nil {
			return cerrors.Transientf(err, "globalresolution: enqueue reconciliation")
		}
	}
	return nil
}

// resolveCandidates turns each named Candidate into a resolved relationship
// by looking up its source and target POI ids within their stated file
// paths. A candidate naming an entity File-Analysis never recorded is the
// LLM hallucinating across directory summaries it only ever saw as prose —
// dropped rather than failing the whole batch, the same tolerance
// Directory-Resolution applies to a page's out-of-set ids.
func (p *Processor) resolveCandidates(ctx context.Context, runID string, candidates []Candidate) ([]*model.ResolvedRelationship, error) {
	var rels []*model.ResolvedRelationship
	for _, c := range candidates {
		relType := model.RelationshipType(c.Type)
		if !isAllowedRelationshipType(relType) {
			continue
		}
		sourceID, err := p.resolvePOIID(ctx, runID, c.SourcePath, c.SourceName)
		if err != nil {
			return nil, err
		}
		targetID, err := p.resolvePOIID(ctx, runID, c.TargetPath, c.TargetName)
		if err != nil {
			return nil, err
		}
		if sourceID == "" || targetID == "" {
			continue
		}
		fingerprint := model.RelationshipFingerprint(sourceID, targetID, relType)
		rels = append(rels, &model.ResolvedRelationship{
			ID: fingerprint, RunID: runID, Fingerprint: fingerprint,
			SourcePOIID: sourceID, TargetPOIID: targetID, Type: relType,
			Confidence: c.Confidence, Explanation: c.Explanation,
			PassType: model.PassGlobal, Status: model.RelationshipStatusValidated,
		})
	}
	return rels, nil
}

// resolvePOIID finds the POI named name within filePath, returning "" rather
// than an error when the reference doesn't resolve so the caller can drop
// just that one candidate.
func (p *Processor) resolvePOIID(ctx context.Context, runID, filePath, name string) (string, error) {
	pois, err := p.Store.POIsByFile(ctx, runID, filePath)
	if err != nil {
		return "", cerrors.Integrityf(err, "globalresolution: load POIs for %s", filePath)
	}
	for _, poi := range pois {
		if poi.Name == name {
			return poi.ID, nil
		}
	}
	return "", nil
}

func isAllowedRelationshipType(t model.RelationshipType) bool {
	for _, allowed := range model.AllowedRelationshipTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

func (p *Processor) proposeCandidates(ctx context.Context, summaryText string) ([]Candidate, error) {
	req := llm.Request{
		SystemPrompt: globalSystemPrompt,
		UserPrompt:   "Directory summaries:\n" + summaryText,
		MaxTokens:    2000,
	}
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries(); attempt++ {
		raw, err := p.LLM.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(raw) > maxResponseBytes {
			return nil, cerrors.Dataf(nil, "globalresolution: LLM response of %d bytes exceeds the %d-byte cap", len(raw), maxResponseBytes)
		}
		var resp candidateResponse
		ok, err := llm.Repair(raw, &resp)
		if ok && err == nil {
			return resp.Relationships, nil
		}
		lastErr = err
		req.UserPrompt = "Your previous response was not valid JSON matching {\"relationships\":[...]}: " + raw
	}
	return nil, cerrors.Dataf(lastErr, "globalresolution: LLM never returned valid JSON")
}

// maxResponseBytes is the hard cap on an LLM response proposeCandidates will
// parse; a longer response fails the job as a Data error before any
// unmarshaling.
const maxResponseBytes = 64 << 10

const globalSystemPrompt =`You find cross-directory relationships (imports, calls, dependencies) between code entities described in directory summaries. Respond with JSON: {"relationships":[{"sourceName":"","sourcePath":"","targetName":"","targetPath":"","type":"","confidence":0.0,"explanation":""}]}.`

func expectedSetKey(runID string) string { return "global:" + runID + ":expected" }
func doneSetKey(runID string) string     { return "global:" + runID + ":done" }

// ExpectedSetKey and DoneSetKey are exported so other packages compute the
// same keys this package reads (worker/dirresolution populates the expected
// set; this package populates and reads the done set).
func ExpectedSetKey(runID string) string { return expectedSetKey(runID) }
func DoneSetKey(runID string) string     { return doneSetKey(runID) }
