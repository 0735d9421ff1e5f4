package lanepipe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CheckpointMetrics records timing and resource usage for the stage that
// produced a checkpoint.
type CheckpointMetrics struct {
	Duration   time.Duration `json:"duration"`
	CPUPercent float64       `json:"cpu_percent"`
	MemoryMB   float64       `json:"memory_mb"`
}

// Checkpoint is an immutable snapshot of pipeline progress at one stage.
// It is created at the end of each stage and never mutated afterwards.
type Checkpoint struct {
	ID          string `json:"id"`
	ChangeID    string `json:"change_id"`
	Lane        Lane   `json:"lane"`
	StageNumber int    `json:"stage_number"`
	StageName   string `json:"stage_name"`

	CreatedAt time.Time `json:"created_at"`

	// Branch and Revision are advisory VCS references, not authoritative.
	Branch   string `json:"branch,omitempty"`
	Revision string `json:"revision,omitempty"`

	// StateHash is a digest over the snapshot files, used to detect
	// drift before resume.
	StateHash string `json:"state_hash,omitempty"`

	// FileSnapshotRefs are the relative paths backed up alongside this
	// checkpoint.
	FileSnapshotRefs []string `json:"file_snapshot_refs,omitempty"`

	Metrics CheckpointMetrics `json:"metrics"`

	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`

	// State is the full workflow snapshot needed to rebuild in-memory
	// state on restore.
	State *WorkflowSnapshot `json:"state"`
}

// NewCheckpointID builds the globally unique checkpoint identifier from the
// lane, stage number, and current time.
func NewCheckpointID(lane Lane, stageNumber int, at time.Time) string {
	return fmt.Sprintf("%s-s%02d-%d", lane, stageNumber, at.UnixNano())
}

// CheckpointSummary is the listing form of a checkpoint.
type CheckpointSummary struct {
	ID          string    `json:"id"`
	ChangeID    string    `json:"change_id"`
	Lane        Lane      `json:"lane"`
	StageNumber int       `json:"stage_number"`
	StageName   string    `json:"stage_name"`
	CreatedAt   time.Time `json:"created_at"`
	Success     bool      `json:"success"`
}

// HashFiles computes a stable sha256 digest over the given relative paths
// under root. Paths are hashed in sorted order so the digest does not depend
// on traversal order. Missing files contribute their absence to the digest
// rather than failing, so drift from a deleted file is still detected.
func HashFiles(root string, paths []string) (string, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	digest := sha256.New()
	for _, rel := range sorted {
		fmt.Fprintf(digest, "%s\x00", rel)
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			if os.IsNotExist(err) {
				digest.Write([]byte("absent\x00"))
				continue
			}
			return "", fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		if _, err := io.Copy(digest, f); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		f.Close()
		digest.Write([]byte{0})
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
