package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is the serialized form of a PreviousState, written to disk
// between runs so a crashed or restarted Scanner doesn't re-treat every file
// as Added.
type Snapshot struct {
	Checksums map[string]string `json:"checksums"`
}

// WriteSnapshotAtomic writes snapshot to path via a temp file in the same
// directory followed by os.Rename, so a crash mid-write never leaves a
// truncated snapshot behind — the next run either sees the old snapshot or
// the new one, never a half-written one.
func WriteSnapshotAtomic(path string, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a Snapshot previously written by WriteSnapshotAtomic,
// returning an empty MapPreviousState (not an error) if path doesn't exist
// yet — the Scanner's first run against a repository.
func ReadSnapshot(path string) (MapPreviousState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return MapPreviousState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return MapPreviousState(snap.Checksums), nil
}

// SnapshotFrom builds a Snapshot out of a completed scan's entries, ready to
// be persisted for the next run's diff.
func SnapshotFrom(entries []Entry) Snapshot {
	checksums := make(map[string]string, len(entries))
	for _, e := range entries {
		checksums[e.Path] = e.Checksum
	}
	return Snapshot{Checksums: checksums}
}
