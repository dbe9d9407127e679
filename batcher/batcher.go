// Package batcher implements the File-Discovery Batcher (C5): it takes the
// Scanner's Added/Modified entries, guards against path traversal (file
// size is enforced upstream by the Scanner), and packs them into
// token-bounded batches using the
// bus's atomic check-and-swap script (queue.KV.BatchThresholdSwap) so two
// racing batcher instances never split a batch inconsistently.
package batcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/queue"
	"github.com/evalgo/codeatlas/scanner"
)

// Tokenizer is the narrow slice of llm.Tokenizer the Batcher needs, kept as
// an interface so this package has no dependency on the llm package's
// OpenAI/gobreaker imports.
type Tokenizer interface {
	Count(text string) int
}

// Batcher packs scan entries into token-bounded groups.
type Batcher struct {
	KV              queue.KV
	Tokenizer       Tokenizer
	TokenThreshold  int
	RepoRoot        string
	PendingKey      string
	CounterKey      string
	SwapKeyPrefix   string
}

// New builds a Batcher keeping pending/counter state under the default keys
// batcher:pending, batcher:tokens and batcher:batch (callers may overwrite
// the exported key fields), packing until TokenThreshold tokens have
// accumulated.
func New(kv queue.KV, tok Tokenizer, repoRoot string, tokenThreshold int) *Batcher {
	return &Batcher{
		KV:             kv,
		Tokenizer:      tok,
		TokenThreshold: tokenThreshold,
		RepoRoot:       repoRoot,
		PendingKey:     "batcher:pending",
		CounterKey:     "batcher:tokens",
		SwapKeyPrefix:  "batcher:batch",
	}
}

// Offer validates entry and, if it passes, atomically appends it to the
// pending batch via the bus script. When the running token total crosses
// TokenThreshold, the swapped-out key's contents are the batch ready to
// enqueue onto queue.QueueFileAnalysis.
func (b *Batcher) Offer(ctx context.Context, entry scanner.Entry, content string) (batchPaths []string, ready bool, err error) {
	if err := b.guardPath(entry.Path); err != nil {
		return nil, false, err
	}

	tokens := b.Tokenizer.Count(content)
	swapKey, _, crossed, err := b.KV.BatchThresholdSwap(ctx, b.PendingKey, b.CounterKey, entry.Path, tokens, b.TokenThreshold, b.SwapKeyPrefix)
	if err != nil {
		return nil, false, cerrors.Transientf(err, "batcher: threshold swap for %s", entry.Path)
	}
	if !crossed {
		return nil, false, nil
	}

	batch, err := b.KV.ListRange(ctx, swapKey, 0, -1)
	if err != nil {
		return nil, false, cerrors.Transientf(err, "batcher: read swapped batch %s", swapKey)
	}
	if err := b.KV.Delete(ctx, swapKey); err != nil {
		return nil, false, cerrors.Transientf(err, "batcher: cleanup swapped batch %s", swapKey)
	}
	return batch, true, nil
}

// guardPath rejects any entry path that would escape RepoRoot once joined
// and cleaned — a defense against a maliciously crafted scan entry (or a
// symlink-following bug upstream) ever causing the pipeline to read outside
// the intended repository.
func (b *Batcher) guardPath(relPath string) error {
	if strings.Contains(relPath, "\x00") {
		return cerrors.Policyf(nil, "batcher: null byte in path %q", relPath)
	}
	joined := filepath.Join(b.RepoRoot, relPath)
	cleanRoot := filepath.Clean(b.RepoRoot)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return cerrors.Policyf(nil, "batcher: path %q escapes repository root", relPath)
	}
	return nil
}

// Flush forces whatever is currently pending out as a final partial batch,
// called once the Scanner has no more entries to offer — otherwise the last
// sub-threshold group would wait forever for a swap that will never fire.
func (b *Batcher) Flush(ctx context.Context) ([]string, error) {
	batch, err := b.KV.ListRange(ctx, b.PendingKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("batcher: flush read: %w", err)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := b.KV.Delete(ctx, b.PendingKey, b.CounterKey); err != nil {
		return nil, fmt.Errorf("batcher: flush cleanup: %w", err)
	}
	return batch, nil
}
