// Package scanner implements the File-Discovery Scanner (C4): walks a
// repository root, checksums every file, and diffs against the previous
// run's snapshot to classify each path as new/modified/deleted/renamed and
// emit the refactor tasks the Graph Ingestor must apply before any node
// creation. The diff algorithm compares a current map against a stored map,
// sorting paths into three disjoint buckets, with renames resolved by
// checksum equality between a deleted and an added path.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/evalgo/codeatlas/cerrors"
	"github.com/evalgo/codeatlas/model"
)

// Entry is one file discovered by a scan.
type Entry struct {
	Path     string
	Checksum string
	Size     int64
}

// Delta is the classification result of one scan against the previous
// run's snapshot.
type Delta struct {
	Added    []Entry
	Modified []Entry
	Deleted  []string
	Renamed  []model.RefactorTask // Type == RefactorRename
}

// Skipped is one path Walk declined to checksum because it exceeded
// MaxFileSizeByte — the caller records it as a File row with
// model.FileStatusSkippedFileTooLarge so it shows up in the run's file list
// rather than vanishing silently.
type Skipped struct {
	Path string
	Size int64
}

// PreviousState is the minimal view of the last run's snapshot the Scanner
// needs: path -> checksum. The pipeline package builds one from a previous
// run's store rows as a MapPreviousState; kept as an interface here so
// scanner has no state package dependency of its own.
type PreviousState interface {
	Checksum(path string) (string, bool)
	Paths() []string
}

// MapPreviousState is an in-memory PreviousState, primarily for tests and
// for the Scanner's first run (empty map: every file is "Added").
type MapPreviousState map[string]string

func (m MapPreviousState) Checksum(path string) (string, bool) { c, ok := m[path]; return c, ok }
func (m MapPreviousState) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Scanner walks a repository root and computes a Delta against prev.
type Scanner struct {
	Root            string
	MaxFileSizeByte int64
}

// New returns a Scanner rooted at root, rejecting any file larger than
// maxFileSizeBytes (spec.md's MAX_FILE_SIZE_BYTES policy, enforced here so
// an oversized file never reaches the Batcher).
func New(root string, maxFileSizeBytes int64) *Scanner {
	return &Scanner{Root: root, MaxFileSizeByte: maxFileSizeBytes}
}

// Walk discovers every regular file under s.Root, checksumming its content
// with a streamed SHA-256 rather than loading the whole file into memory,
// since the scanner runs over arbitrarily large repositories. Paths are
// returned relative to s.Root and normalized to forward slashes so
// checksums and paths are stable across platforms. A file over
// MaxFileSizeByte is excluded from entries; Walk drops the list of such
// files, and WalkWithSkipped returns it so the caller can still record each
// one as a terminally-skipped File row.
func (s *Scanner) Walk(ctx context.Context) ([]Entry, error) {
	entries, _, err := s.WalkWithSkipped(ctx)
	return entries, err
}

// WalkWithSkipped is Walk plus the list of paths excluded for exceeding
// MaxFileSizeByte, so ScanAndEnqueue can persist a File row with
// model.FileStatusSkippedFileTooLarge for each one instead of the scanner
// dropping them with no trace.
func (s *Scanner) WalkWithSkipped(ctx context.Context) ([]Entry, []Skipped, error) {
	var entries []Entry
	var skipped []Skipped
	err := filepath.Walk(s.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if shouldSkipDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.MaxFileSizeByte > 0 && info.Size() > s.MaxFileSizeByte {
			skipped = append(skipped, Skipped{Path: rel, Size: info.Size()})
			return nil
		}
		checksum, err := checksumFile(path)
		if err != nil {
			return cerrors.Transientf(err, "scanner: checksum %s", rel)
		}
		entries = append(entries, Entry{Path: rel, Checksum: checksum, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, skipped, nil
}

func shouldSkipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".codeatlas":
		return true
	default:
		return false
	}
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff classifies current against prev: files present now but not in prev
// (or present with a different checksum) are Added/Modified; files in prev
// but absent now are candidates for Deleted, except when their checksum
// matches something newly Added at a different path — that pair is a
// Rename, not a delete-plus-add, exactly the reference detector's
// "stored-but-missing, checksum equal to something added" resolution.
func Diff(current []Entry, prev PreviousState) Delta {
	currentByPath := make(map[string]Entry, len(current))
	currentByChecksum := make(map[string][]Entry)
	for _, e := range current {
		currentByPath[e.Path] = e
		currentByChecksum[e.Checksum] = append(currentByChecksum[e.Checksum], e)
	}

	var delta Delta
	seenAsRenameTarget := make(map[string]bool)

	prevPaths := prev.Paths()
	missingByChecksum := make(map[string][]string)
	for _, p := range prevPaths {
		if _, ok := currentByPath[p]; ok {
			continue
		}
		checksum, _ := prev.Checksum(p)
		missingByChecksum[checksum] = append(missingByChecksum[checksum], p)
	}

	for checksum, missingPaths := range missingByChecksum {
		candidates := currentByChecksum[checksum]
		for i, oldPath := range missingPaths {
			if i < len(candidates) {
				newPath := candidates[i].Path
				if !seenAsRenameTarget[newPath] {
					delta.Renamed = append(delta.Renamed, model.RefactorTask{
						Type: model.RefactorRename, OldPath: oldPath, NewPath: newPath,
					})
					seenAsRenameTarget[newPath] = true
					continue
				}
			}
			delta.Deleted = append(delta.Deleted, oldPath)
		}
	}

	for _, e := range current {
		if seenAsRenameTarget[e.Path] {
			continue
		}
		prevChecksum, existed := prev.Checksum(e.Path)
		switch {
		case !existed:
			delta.Added = append(delta.Added, e)
		case prevChecksum != e.Checksum:
			delta.Modified = append(delta.Modified, e)
		}
	}

	return delta
}
