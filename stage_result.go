package lanepipe

import "time"

// StageStatus represents the lifecycle of one stage execution.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// Severity grades an SLA violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// GateResult records one quality-gate tool outcome attached to a stage.
type GateResult struct {
	Tool     string        `json:"tool"`
	ExitCode int           `json:"exit_code"`
	Passed   bool          `json:"passed"`
	Findings int           `json:"findings"`
	Duration time.Duration `json:"duration"`
}

// StageResult is the outcome of one pipeline stage execution.
type StageResult struct {
	StageNumber int         `json:"stage_number"`
	StageName   string      `json:"stage_name"`
	Status      StageStatus `json:"status"`

	StartTime  time.Time     `json:"start_time,omitzero"`
	Duration   time.Duration `json:"duration"`
	CPUPercent float64       `json:"cpu_percent"`
	MemoryMB   float64       `json:"memory_mb"`

	SLATargetSeconds  float64  `json:"sla_target_seconds"`
	SLAViolated       bool     `json:"sla_violated"`
	ViolationSeverity Severity `json:"violation_severity,omitempty"`

	Gates        []GateResult `json:"gates,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Copy returns a shallow copy with its own gate slice.
func (r *StageResult) Copy() *StageResult {
	out := *r
	if r.Gates != nil {
		out.Gates = make([]GateResult, len(r.Gates))
		copy(out.Gates, r.Gates)
	}
	return &out
}
