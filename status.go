package lanepipe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StatusDocument is the single current-state document held in the status
// file. It is always replaced whole, never edited in place.
type StatusDocument struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Workflow  *WorkflowSnapshot `json:"workflow"`

	// Running holds live entries for stages currently executing, keyed
	// by stage number. They move into the workflow snapshot's results on
	// completion.
	Running map[int]*StageResult `json:"running,omitempty"`
}

// StatusTracker maintains real-time per-stage status, backed by an
// atomically written status file. Parallel stage workers update it
// concurrently; the mutex serializes writers, and readers of the file never
// observe a torn write because each update is a temp-file-plus-rename.
type StatusTracker struct {
	path  string
	state *WorkflowState
	live  map[int]*StageResult
	mutex sync.Mutex
}

// NewStatusTracker creates a tracker writing to the given status file path.
func NewStatusTracker(path string, state *WorkflowState) (*StatusTracker, error) {
	if path == "" {
		return nil, fmt.Errorf("status file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create status directory: %w", err)
	}
	return &StatusTracker{
		path:  path,
		state: state,
		live:  map[int]*StageResult{},
	}, nil
}

// StartStage records that a stage began executing.
func (t *StatusTracker) StartStage(stage *Stage, slaTarget time.Duration) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.live[stage.Number] = &StageResult{
		StageNumber:      stage.Number,
		StageName:        stage.Name,
		Status:           StageRunning,
		StartTime:        time.Now(),
		SLATargetSeconds: slaTarget.Seconds(),
	}
	return t.writeLocked()
}

// CompleteStage records a finished stage result and drops its live entry.
func (t *StatusTracker) CompleteStage(result *StageResult) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.live, result.StageNumber)
	return t.writeLocked()
}

// CurrentStatus returns a consistent snapshot of the run including live
// stage entries.
func (t *StatusTracker) CurrentStatus() *StatusDocument {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.documentLocked()
}

func (t *StatusTracker) documentLocked() *StatusDocument {
	running := make(map[int]*StageResult, len(t.live))
	for number, result := range t.live {
		running[number] = result.Copy()
	}
	return &StatusDocument{
		UpdatedAt: time.Now(),
		Workflow:  t.state.Snapshot(),
		Running:   running,
	}
}

// Write persists the current document without changing live entries. Used
// after the overall run status changes.
func (t *StatusTracker) Write() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.writeLocked()
}

// writeLocked replaces the status file atomically. Callers hold the mutex.
func (t *StatusTracker) writeLocked() error {
	data, err := json.MarshalIndent(t.documentLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	tmpPath := t.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("failed to replace status file: %w", err)
	}
	return nil
}

// ReadStatusFile reads the status document from disk. Safe to call from a
// separate process while a run is in flight.
func ReadStatusFile(path string) (*StatusDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	var doc StatusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status file: %w", err)
	}
	return &doc, nil
}
