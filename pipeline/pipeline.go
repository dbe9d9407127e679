// Package pipeline wires the Job Bus, State Store, Graph Store, LLM client
// and every worker pool of spec.md §6 into one runnable unit: the Scanner
// feeds Batcher-grouped File-Analysis jobs in, the chain of worker pools
// carries a run from per-file analysis through to graph ingestion, and the
// Outbox Publisher bridges the store's committed writes back onto the bus.
// Its lifecycle is ctx/cancel-managed goroutines over a Config struct with
// sane defaults, with no WebSocket transport since nothing here needs one.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/evalgo/codeatlas/batcher"
	"github.com/evalgo/codeatlas/graphstore"
	"github.com/evalgo/codeatlas/llm"
	"github.com/evalgo/codeatlas/model"
	"github.com/evalgo/codeatlas/outbox"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/scanner"
	"github.com/evalgo/codeatlas/store"
	"github.com/evalgo/codeatlas/worker"
	"github.com/evalgo/codeatlas/worker/diraggregation"
	"github.com/evalgo/codeatlas/worker/dirresolution"
	"github.com/evalgo/codeatlas/worker/fileanalysis"
	"github.com/evalgo/codeatlas/worker/globalresolution"
	"github.com/evalgo/codeatlas/worker/ingestor"
	"github.com/evalgo/codeatlas/worker/reconciliation"
	"github.com/evalgo/codeatlas/worker/relresolution"
	"github.com/evalgo/codeatlas/worker/validation"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func marshalFileAnalysisJob(runID, dirPath string, paths []string) ([]byte, error) {
	return json.Marshal(fileanalysis.Job{RunID: runID, DirPath: dirPath, FilePaths: paths})
}

// QueueConcurrency is the per-queue worker count from spec.md §6: File-
// Analysis is the widest fan-out, Validation and the Graph Ingestor are
// effectively singletons so ordering invariants (pass A/B/C, triangulated
// confidence) hold.
var QueueConcurrency = map[string]int{
	queue.QueueFileAnalysis:           100,
	queue.QueueDirectoryAggregation:   2,
	queue.QueueDirectoryResolution:    2,
	queue.QueueGlobalResolution:       1,
	queue.QueueRelationshipResolution: 5,
	queue.QueueAnalysisFindings:       1,
	queue.QueueReconciliation:         2,
}

// Config bundles the collaborators a Pipeline needs. Every field is an
// interface or already-constructed client so tests can substitute fakes for
// every external system at once.
type Config struct {
	RepoRoot       string
	Store          *store.Store
	Bus            queue.Bus
	KV             queue.KV
	Graph          graphstore.Driver
	LLM            llm.Client
	Tokenizer      batcher.Tokenizer
	FileTokenizer  fileanalysis.Tokenizer
	TokenThreshold int
	MaxInputTokens int
	MaxFileSize    int64

	IngestorBatchSize int
	PollInterval      time.Duration

	Log *logrus.Logger
}

// Pipeline owns every worker pool plus the Outbox Publisher and Graph
// Ingestor poll loops for one running codeatlas instance.
type Pipeline struct {
	cfg        Config
	pools      []*worker.Pool
	poolByName map[string]*worker.Pool
	publisher  *outbox.Publisher
	ingestor   *ingestor.Ingestor

	group *errgroup.Group
	stop  context.CancelFunc
}

// New builds every worker pool wired against cfg's collaborators, one pool
// per named queue at the concurrency spec.md §6 prescribes.
func New(cfg Config) *Pipeline {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}

	p := &Pipeline{cfg: cfg, poolByName: make(map[string]*worker.Pool)}

	p.addPool(queue.QueueFileAnalysis, &fileanalysis.Processor{
		Store: cfg.Store, KV: cfg.KV, Bus: cfg.Bus, LLM: cfg.LLM, RepoRoot: cfg.RepoRoot,
		Tokenizer: cfg.FileTokenizer, MaxInputTokens: cfg.MaxInputTokens, MaxFileSize: cfg.MaxFileSize,
	})
	p.addPool(queue.QueueDirectoryAggregation, &diraggregation.Processor{KV: cfg.KV, Bus: cfg.Bus})
	p.addPool(queue.QueueDirectoryResolution, &dirresolution.Processor{Store: cfg.Store, KV: cfg.KV, Bus: cfg.Bus, LLM: cfg.LLM})
	p.addPool(queue.QueueGlobalResolution, &globalresolution.Processor{Store: cfg.Store, KV: cfg.KV, Bus: cfg.Bus, LLM: cfg.LLM})
	p.addPool(queue.QueueRelationshipResolution, &relresolution.Processor{Store: cfg.Store, KV: cfg.KV, Bus: cfg.Bus, LLM: cfg.LLM})
	p.addPool(queue.QueueAnalysisFindings, &validation.Processor{Store: cfg.Store, Bus: cfg.Bus})
	p.addPool(queue.QueueReconciliation, &reconciliation.Processor{Store: cfg.Store, Bus: cfg.Bus})

	p.publisher = &outbox.Publisher{Store: cfg.Store, Bus: cfg.Bus, Log: cfg.Log}
	p.ingestor = &ingestor.Ingestor{Store: cfg.Store, Refactors: cfg.Store, Graph: cfg.Graph, BatchSize: cfg.IngestorBatchSize}

	return p
}

// PollInterval returns the configured interval between Outbox Publisher and
// Graph Ingestor ticks, defaulting to 2s when Config didn't set one.
func (p *Pipeline) PollInterval() time.Duration {
	if p.cfg.PollInterval == 0 {
		return 2 * time.Second
	}
	return p.cfg.PollInterval
}

func (p *Pipeline) addPool(queueName string, proc worker.JobProcessor) {
	concurrency := QueueConcurrency[queueName]
	if concurrency == 0 {
		concurrency = 1
	}
	pool := worker.NewPool(p.cfg.Bus, proc, worker.Config{QueueName: queueName, Concurrency: concurrency}, p.cfg.Log)
	p.pools = append(p.pools, pool)
	p.poolByName[queueName] = pool
}

// Pool returns the worker pool for queueName, or nil if queueName isn't one
// of the pools New built — used by the "codeatlas worker <queue>" command to
// run a single queue's pool as its own process.
func (p *Pipeline) Pool(queueName string) *worker.Pool {
	return p.poolByName[queueName]
}

// Publisher exposes the Outbox Publisher for callers that want to drive its
// poll loop independently of the rest of the pipeline.
func (p *Pipeline) Publisher() *outbox.Publisher { return p.publisher }

// Ingestor exposes the Graph Ingestor for callers that want to drive its
// poll loop independently of the rest of the pipeline.
func (p *Pipeline) Ingestor() *ingestor.Ingestor { return p.ingestor }

// Start launches every worker pool plus the Outbox Publisher and Graph
// Ingestor poll loops, and returns immediately.
func (p *Pipeline) Start(ctx context.Context, runID string) {
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel

	for _, pool := range p.pools {
		pool.Start(ctx)
	}

	interval := p.PollInterval()

	g, gctx := errgroup.WithContext(ctx)
	p.group = g

	g.Go(func() error {
		p.publisher.PollLoop(gctx, interval)
		return nil
	})
	g.Go(func() error {
		p.ingestor.PollLoop(gctx, runID, interval)
		return nil
	})
}

// Stop signals every pool and poll loop to exit and waits for them.
func (p *Pipeline) Stop() {
	if p.stop != nil {
		p.stop()
	}
	for _, pool := range p.pools {
		pool.Stop()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
}

// ScanAndEnqueue runs one full Scanner pass against previousRunID's recorded
// file state (empty for a run's first scan), records the resulting
// added/modified/deleted/renamed classification into the store, seeds every
// touched directory's expected-file set for Directory-Aggregation, and
// drains each directory's files through a per-directory Batcher into
// File-Analysis jobs. Batching is scoped per directory rather than across
// the whole repository: Directory-Aggregation needs a single DirPath per
// File-Analysis job to track completion against, and grouping within a
// directory still gets the token-budget benefit Batcher exists for.
func (p *Pipeline) ScanAndEnqueue(ctx context.Context, runID, previousRunID string) error {
	sc := scanner.New(p.cfg.RepoRoot, p.cfg.MaxFileSize)
	current, skipped, err := sc.WalkWithSkipped(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: scan %s: %w", p.cfg.RepoRoot, err)
	}

	for _, sk := range skipped {
		if err := p.cfg.Store.UpsertFile(ctx, &model.File{
			RunID: runID, Path: sk.Path, Status: model.FileStatusSkippedFileTooLarge,
		}); err != nil {
			return fmt.Errorf("pipeline: record skipped file %s: %w", sk.Path, err)
		}
	}

	prev, err := p.previousState(ctx, previousRunID)
	if err != nil {
		return fmt.Errorf("pipeline: load previous state: %w", err)
	}

	delta := scanner.Diff(current, prev)

	for _, oldPath := range delta.Deleted {
		if err := p.cfg.Store.EnqueueRefactorTask(ctx, runID, model.RefactorTask{Type: model.RefactorDelete, OldPath: oldPath}); err != nil {
			return fmt.Errorf("pipeline: enqueue delete for %s: %w", oldPath, err)
		}
	}
	for _, rename := range delta.Renamed {
		if err := p.cfg.Store.EnqueueRefactorTask(ctx, runID, rename); err != nil {
			return fmt.Errorf("pipeline: enqueue rename %s -> %s: %w", rename.OldPath, rename.NewPath, err)
		}
	}

	byDir := make(map[string][]scanner.Entry)
	for _, e := range append(append([]scanner.Entry{}, delta.Added...), delta.Modified...) {
		dir := filepath.ToSlash(filepath.Dir(e.Path))
		byDir[dir] = append(byDir[dir], e)
		if err := p.cfg.Store.UpsertFile(ctx, &model.File{RunID: runID, Path: e.Path, Checksum: e.Checksum, Status: model.FileStatusPending}); err != nil {
			return fmt.Errorf("pipeline: upsert file %s: %w", e.Path, err)
		}
	}

	for dir, entries := range byDir {
		if err := p.drainDirectory(ctx, runID, dir, entries); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) drainDirectory(ctx context.Context, runID, dir string, entries []scanner.Entry) error {
	b := batcher.New(p.cfg.KV, p.cfg.Tokenizer, p.cfg.RepoRoot, p.cfg.TokenThreshold)
	b.PendingKey = "batcher:" + runID + ":" + dir + ":pending"
	b.CounterKey = "batcher:" + runID + ":" + dir + ":tokens"
	b.SwapKeyPrefix = "batcher:" + runID + ":" + dir + ":batch"

	for _, e := range entries {
		if err := p.cfg.KV.SetAdd(ctx, diraggregation.ExpectedSetKey(runID, dir), e.Path); err != nil {
			return fmt.Errorf("pipeline: mark expected %s: %w", e.Path, err)
		}

		content, err := os.ReadFile(filepath.Join(p.cfg.RepoRoot, e.Path))
		if err != nil {
			return fmt.Errorf("pipeline: read %s: %w", e.Path, err)
		}

		batch, ready, err := b.Offer(ctx, e, string(content))
		if err != nil {
			return fmt.Errorf("pipeline: offer %s: %w", e.Path, err)
		}
		if ready {
			if err := p.enqueueFileAnalysis(ctx, runID, dir, batch); err != nil {
				return err
			}
		}
	}

	final, err := b.Flush(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: flush %s: %w", dir, err)
	}
	if len(final) > 0 {
		return p.enqueueFileAnalysis(ctx, runID, dir, final)
	}
	return nil
}

func (p *Pipeline) enqueueFileAnalysis(ctx context.Context, runID, dir string, paths []string) error {
	payload, err := marshalFileAnalysisJob(runID, dir, paths)
	if err != nil {
		return err
	}
	return p.cfg.Bus.Enqueue(ctx, queue.QueueFileAnalysis, payload)
}

func (p *Pipeline) previousState(ctx context.Context, previousRunID string) (scanner.PreviousState, error) {
	if previousRunID == "" {
		return scanner.MapPreviousState{}, nil
	}
	files, err := p.cfg.Store.FilesByRun(ctx, previousRunID)
	if err != nil {
		return nil, err
	}
	m := make(scanner.MapPreviousState, len(files))
	for _, f := range files {
		m[f.Path] = f.Checksum
	}
	return m, nil
}
