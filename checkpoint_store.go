package lanepipe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CheckpointStore persists checkpoints durably.
type CheckpointStore interface {
	// Save persists a checkpoint, copying its snapshot files out of
	// workRoot, and returns the checkpoint ID.
	Save(ctx context.Context, checkpoint *Checkpoint, workRoot string) (string, error)

	// Load returns a checkpoint by ID.
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// Latest returns the most recent checkpoint for a change, or nil if
	// none exists.
	Latest(ctx context.Context, changeID string) (*Checkpoint, error)

	// List enumerates all checkpoints, newest first.
	List(ctx context.Context) ([]*CheckpointSummary, error)

	// Restore reapplies a checkpoint's snapshot files into workRoot and
	// returns the workflow snapshot to rebuild in-memory state from. It
	// fails loudly when snapshot files are missing.
	Restore(ctx context.Context, checkpointID string, workRoot string) (*WorkflowSnapshot, error)

	// Cleanup removes checkpoints older than maxAge and returns how many
	// were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

const (
	indexFileName   = "index.jsonl"
	snapshotDirName = "snapshots"

	// DefaultRetention is the default checkpoint retention period.
	DefaultRetention = 7 * 24 * time.Hour
)

// FileCheckpointStore is a file-based CheckpointStore. Layout under dataDir:
// an append-only JSONL metadata index with one record per checkpoint, plus
// one snapshot directory per checkpoint ID. Snapshot directories are staged
// under a temporary name and renamed into place before the index record is
// appended, so a checkpoint is either fully present or absent.
type FileCheckpointStore struct {
	dataDir string
}

// NewFileCheckpointStore creates a file-based checkpoint store rooted at
// dataDir.
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".lanepipe", "checkpoints")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, snapshotDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir}, nil
}

// Save persists a checkpoint atomically.
func (s *FileCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint, workRoot string) (string, error) {
	if checkpoint.ID == "" {
		return "", fmt.Errorf("checkpoint ID required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	finalDir := filepath.Join(s.dataDir, snapshotDirName, checkpoint.ID)
	stageDir := filepath.Join(s.dataDir, snapshotDirName, ".tmp-"+checkpoint.ID)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return "", fmt.Errorf("failed to stage snapshot directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	for _, rel := range checkpoint.FileSnapshotRefs {
		if err := copyFile(filepath.Join(workRoot, rel), filepath.Join(stageDir, rel)); err != nil {
			return "", fmt.Errorf("failed to snapshot %s: %w", rel, err)
		}
	}

	// The full record also lives inside the snapshot directory so a
	// checkpoint remains restorable if the index is ever rebuilt.
	record, err := json.Marshal(checkpoint)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stageDir, "checkpoint.json"), record, 0644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint record: %w", err)
	}

	if err := os.Rename(stageDir, finalDir); err != nil {
		return "", fmt.Errorf("failed to finalize snapshot directory: %w", err)
	}

	if err := s.appendIndexRecord(record); err != nil {
		os.RemoveAll(finalDir)
		return "", err
	}
	return checkpoint.ID, nil
}

// appendIndexRecord writes one JSON line to the index in a single write.
func (s *FileCheckpointStore) appendIndexRecord(record []byte) error {
	f, err := os.OpenFile(filepath.Join(s.dataDir, indexFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("failed to append checkpoint index record: %w", err)
	}
	return nil
}

// readIndex returns all well-formed index records. A torn trailing line
// (crash mid-append) is treated as absent.
func (s *FileCheckpointStore) readIndex() ([]*Checkpoint, error) {
	f, err := os.Open(filepath.Join(s.dataDir, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint index: %w", err)
	}
	defer f.Close()

	var checkpoints []*Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(line, &checkpoint); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	return checkpoints, nil
}

// Load returns a checkpoint by ID.
func (s *FileCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	checkpoints, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	for _, checkpoint := range checkpoints {
		if checkpoint.ID == checkpointID {
			return checkpoint, nil
		}
	}
	return nil, NewCheckpointIntegrityError(fmt.Sprintf("checkpoint %q not found", checkpointID))
}

// Latest returns the most recent checkpoint for a change, or nil.
func (s *FileCheckpointStore) Latest(ctx context.Context, changeID string) (*Checkpoint, error) {
	checkpoints, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	var latest *Checkpoint
	for _, checkpoint := range checkpoints {
		if checkpoint.ChangeID != changeID {
			continue
		}
		if latest == nil || checkpoint.CreatedAt.After(latest.CreatedAt) {
			latest = checkpoint
		}
	}
	return latest, nil
}

// List enumerates all checkpoints, newest first.
func (s *FileCheckpointStore) List(ctx context.Context) ([]*CheckpointSummary, error) {
	checkpoints, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	summaries := make([]*CheckpointSummary, 0, len(checkpoints))
	for _, checkpoint := range checkpoints {
		summaries = append(summaries, &CheckpointSummary{
			ID:          checkpoint.ID,
			ChangeID:    checkpoint.ChangeID,
			Lane:        checkpoint.Lane,
			StageNumber: checkpoint.StageNumber,
			StageName:   checkpoint.StageName,
			CreatedAt:   checkpoint.CreatedAt,
			Success:     checkpoint.Success,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Restore reapplies a checkpoint's snapshot files and returns the workflow
// snapshot to rebuild in-memory state from.
func (s *FileCheckpointStore) Restore(ctx context.Context, checkpointID string, workRoot string) (*WorkflowSnapshot, error) {
	checkpoint, err := s.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	snapshotDir := filepath.Join(s.dataDir, snapshotDirName, checkpoint.ID)
	for _, rel := range checkpoint.FileSnapshotRefs {
		if _, err := os.Stat(filepath.Join(snapshotDir, rel)); err != nil {
			return nil, NewCheckpointIntegrityError(
				fmt.Sprintf("checkpoint %q snapshot file %q missing", checkpointID, rel))
		}
	}
	for _, rel := range checkpoint.FileSnapshotRefs {
		if err := copyFile(filepath.Join(snapshotDir, rel), filepath.Join(workRoot, rel)); err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", rel, err)
		}
	}

	if checkpoint.State == nil {
		return nil, NewCheckpointIntegrityError(
			fmt.Sprintf("checkpoint %q has no workflow state", checkpointID))
	}
	return checkpoint.State, nil
}

// Cleanup removes checkpoints older than maxAge. The index is rewritten
// atomically, so a concurrent Save is never half-deleted: its snapshot
// directory is created before its index record, and records appended after
// the rewrite snapshot are re-read on the next operation.
func (s *FileCheckpointStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	checkpoints, err := s.readIndex()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)

	var kept []*Checkpoint
	var removed []*Checkpoint
	for _, checkpoint := range checkpoints {
		if checkpoint.CreatedAt.Before(cutoff) {
			removed = append(removed, checkpoint)
		} else {
			kept = append(kept, checkpoint)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	tmpPath := filepath.Join(s.dataDir, indexFileName+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create index replacement: %w", err)
	}
	for _, checkpoint := range kept {
		record, err := json.Marshal(checkpoint)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		if _, err := f.Write(append(record, '\n')); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("failed to rewrite checkpoint index: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close index replacement: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dataDir, indexFileName)); err != nil {
		return 0, fmt.Errorf("failed to replace checkpoint index: %w", err)
	}

	for _, checkpoint := range removed {
		if err := os.RemoveAll(filepath.Join(s.dataDir, snapshotDirName, checkpoint.ID)); err != nil {
			return 0, fmt.Errorf("failed to remove snapshot directory for %s: %w", checkpoint.ID, err)
		}
	}
	return len(removed), nil
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
