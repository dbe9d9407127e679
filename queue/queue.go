// Package queue implements the Job Bus (C1) and its shared KV/scripting
// facility on top of Redis: BLPop-based blocking dequeue and a processing
// sorted-set with deadlines, over the ten named queues of spec.md §6.
package queue

import (
	"context"
	"time"
)

// Named bus queues, fixed strings per spec.md §6. Consumers MUST use these
// constants rather than re-typing the literal.
const (
	QueuePathDiscovery         = "path-discovery-queue"
	QueueFileAnalysis          = "file-analysis-queue"
	QueueDirectoryAggregation  = "directory-aggregation-queue"
	QueueDirectoryResolution   = "directory-resolution-queue"
	QueueGlobalResolution      = "global-resolution-queue"
	QueueRelationshipResolution = "relationship-resolution-queue"
	QueueAnalysisFindings      = "analysis-findings-queue"
	QueueReconciliation        = "reconciliation-queue"
	QueueGraphIngestion        = "graph-ingestion-queue"
	QueueFailedJobs            = "failed-jobs"
)

// Message is a dequeued payload plus enough bookkeeping for the caller to
// mark it processing/complete/failed without round-tripping through the
// Bus again with a re-parsed job id.
type Message struct {
	ID      string
	Queue   string
	Payload []byte
}

// Bus is the Job Bus contract: named durable queues with bulk add, a
// processing/deadline tracking set, and retry-by-requeue. Workers depend on
// this interface, never the concrete Redis type, so unit tests substitute
// an in-memory or miniredis-backed fake.
type Bus interface {
	// Enqueue appends one job payload to queueName.
	Enqueue(ctx context.Context, queueName string, payload []byte) error
	// BulkEnqueue appends many payloads to queueName in one round trip.
	BulkEnqueue(ctx context.Context, queueName string, payloads [][]byte) error
	// Dequeue blocks up to timeout for the next message on queueName.
	// Returns (nil, nil) on timeout with no message available.
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error)
	// MarkProcessing records a deadline for a dequeued message so a
	// crashed worker's job can be detected and requeued by an operator
	// sweep (spec.md's "job's total wall time is bounded").
	MarkProcessing(ctx context.Context, id string, deadline time.Time) error
	// Complete removes id from the processing set.
	Complete(ctx context.Context, id string) error
	// Fail removes id from the processing set and, if requeue is true,
	// re-enqueues the same payload onto queueName with RetryCount+1
	// recorded by the caller in the payload itself.
	Fail(ctx context.Context, id string, queueName string, payload []byte, requeue bool) error
	// Depth returns the current length of queueName, for backpressure
	// decisions by the Scanner and Batcher.
	Depth(ctx context.Context, queueName string) (int64, error)
}

// KV is the shared scripting facility spec.md §5 requires for compound
// counter updates: two documented scripts, batch-threshold check-and-swap
// and evidence-counter check-and-fetch-ready, both executed server-side so
// two racing workers can never observe or act on a torn intermediate state.
type KV interface {
	// BatchThresholdSwap atomically appends entry to the pending list
	// keyed by pendingKey, adds tokens to the running total keyed by
	// counterKey, and — if the new total has crossed threshold — renames
	// the pending list out from under further writers and resets the
	// counter to zero. swapKeyPrefix is combined with a server-side
	// sequence number so concurrent crossings never collide on the same
	// swapped-out key.
	BatchThresholdSwap(ctx context.Context, pendingKey, counterKey string, entry string, tokens, threshold int, swapKeyPrefix string) (swappedKey string, total int, crossed bool, err error)
	// EvidenceCounterCheckAndFetch atomically increments the evidence
	// counter for fingerprint under counterHashKey and reports whether
	// this increment is the one that first reached expectedCount —
	// readyKey guarantees that report fires exactly once per fingerprint
	// even under concurrent callers.
	EvidenceCounterCheckAndFetch(ctx context.Context, counterHashKey, readyKey, fingerprint string, expectedCount int) (count int, firstToReach bool, err error)
	// SetAdd/SetCard back the directory-aggregation expected/done sets
	// (worker/diraggregation); implemented via a short script for the
	// same atomicity reason as the two mandated scripts above.
	SetAdd(ctx context.Context, key, member string) error
	SetCardEqual(ctx context.Context, doneKey, expectedKey string) (bool, error)
	// List/Range read back the contents of a swapped-out batch list.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}
