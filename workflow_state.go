package lanepipe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"

	"github.com/deepnoodle-ai/lanepipe/recovery"
)

// NewChangeID returns a new unique identifier for one pipeline run.
func NewChangeID() string {
	id, err := typeid.WithPrefix("chg")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// OverallStatus represents the status of a whole pipeline run.
type OverallStatus string

const (
	StatusNotStarted OverallStatus = "not_started"
	StatusRunning    OverallStatus = "running"
	StatusPaused     OverallStatus = "paused"
	StatusCompleted  OverallStatus = "completed"
	StatusFailed     OverallStatus = "failed"
)

// WorkflowSnapshot is the fully serializable form of a WorkflowState. It is
// embedded into checkpoints and the status file.
type WorkflowSnapshot struct {
	ChangeID     string         `json:"change_id"`
	Lane         Lane           `json:"lane"`
	Status       OverallStatus  `json:"status"`
	StageResults []*StageResult `json:"stage_results"`
	StartTime    time.Time      `json:"start_time,omitzero"`
	EndTime      time.Time      `json:"end_time,omitzero"`
	Error        string         `json:"error,omitempty"`

	// RecoveryPlan is the most recent plan produced for this run, kept so
	// operators see the suggested remediation alongside the failure.
	RecoveryPlan *recovery.Plan `json:"recovery_plan,omitempty"`
}

// WorkflowState is the aggregate state of one pipeline run. Stage results
// are append-only during a run and always held in stage-number order, even
// when a parallel group completes out of order.
type WorkflowState struct {
	changeID  string
	lane      Lane
	status    OverallStatus
	results   []*StageResult
	startTime time.Time
	endTime   time.Time
	err       string
	plan      *recovery.Plan
	mutex     sync.RWMutex
}

// NewWorkflowState creates the state aggregate for one run.
func NewWorkflowState(changeID string, lane Lane) *WorkflowState {
	return &WorkflowState{
		changeID: changeID,
		lane:     lane,
		status:   StatusNotStarted,
	}
}

// ChangeID returns the run's change ID.
func (s *WorkflowState) ChangeID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.changeID
}

// Lane returns the run's lane.
func (s *WorkflowState) Lane() Lane {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lane
}

// Status returns the overall run status.
func (s *WorkflowState) Status() OverallStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}

// SetStatus updates the overall run status.
func (s *WorkflowState) SetStatus(status OverallStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
}

// SetStarted marks the run as running, keeping an existing start time on
// resume.
func (s *WorkflowState) SetStarted(at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = StatusRunning
	if s.startTime.IsZero() {
		s.startTime = at
	}
}

// SetFinished records the final status and end time.
func (s *WorkflowState) SetFinished(status OverallStatus, at time.Time, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
	s.endTime = at
	if err != nil {
		s.err = err.Error()
	} else {
		s.err = ""
	}
}

// SetRecoveryPlan records the most recent recovery plan for the run.
func (s *WorkflowState) SetRecoveryPlan(plan *recovery.Plan) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.plan = plan
}

// RecoveryPlan returns the most recent recovery plan, if any.
func (s *WorkflowState) RecoveryPlan() *recovery.Plan {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.plan
}

// RecordResult appends a stage result, keeping results sorted by stage
// number. Recording the same stage twice is a programming error surfaced to
// the caller so a resumed run can never duplicate a stage.
func (s *WorkflowState) RecordResult(result *StageResult) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.results {
		if existing.StageNumber == result.StageNumber {
			return fmt.Errorf("stage %d already recorded", result.StageNumber)
		}
	}
	s.results = append(s.results, result.Copy())
	sort.Slice(s.results, func(i, j int) bool {
		return s.results[i].StageNumber < s.results[j].StageNumber
	})
	return nil
}

// Result returns the recorded result for a stage number, if any.
func (s *WorkflowState) Result(stageNumber int) (*StageResult, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, result := range s.results {
		if result.StageNumber == stageNumber {
			return result.Copy(), true
		}
	}
	return nil, false
}

// Results returns copies of all recorded stage results in stage order.
func (s *WorkflowState) Results() []*StageResult {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*StageResult, len(s.results))
	for i, result := range s.results {
		out[i] = result.Copy()
	}
	return out
}

// CompletedStages returns the numbers of stages that finished successfully
// or were skipped.
func (s *WorkflowState) CompletedStages() []int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var numbers []int
	for _, result := range s.results {
		if result.Status == StageSuccess || result.Status == StageSkipped {
			numbers = append(numbers, result.StageNumber)
		}
	}
	return numbers
}

// Snapshot returns a serializable copy of the whole state.
func (s *WorkflowState) Snapshot() *WorkflowSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	results := make([]*StageResult, len(s.results))
	for i, result := range s.results {
		results[i] = result.Copy()
	}
	return &WorkflowSnapshot{
		ChangeID:     s.changeID,
		Lane:         s.lane,
		Status:       s.status,
		StageResults: results,
		StartTime:    s.startTime,
		EndTime:      s.endTime,
		Error:        s.err,
		RecoveryPlan: s.plan,
	}
}

// RestoreSnapshot replaces the state with a previously serialized snapshot.
// Used when resuming from a checkpoint.
func (s *WorkflowState) RestoreSnapshot(snapshot *WorkflowSnapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.changeID = snapshot.ChangeID
	s.lane = snapshot.Lane
	s.status = snapshot.Status
	s.startTime = snapshot.StartTime
	s.endTime = snapshot.EndTime
	s.err = snapshot.Error
	s.plan = snapshot.RecoveryPlan
	s.results = make([]*StageResult, len(snapshot.StageResults))
	for i, result := range snapshot.StageResults {
		s.results[i] = result.Copy()
	}
	sort.Slice(s.results, func(i, j int) bool {
		return s.results[i].StageNumber < s.results[j].StageNumber
	})
}
