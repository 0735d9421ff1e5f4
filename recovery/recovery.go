// Package recovery turns observed stage failures into actionable plans. It
// moves through a fixed sequence: detect, classify, plan, then either
// execute an automatic strategy or hand the plan to the operator.
package recovery

import (
	"context"
	"errors"
	"strings"
	"time"
)

// FailureType classifies what went wrong.
type FailureType string

const (
	FailureTimeout            FailureType = "timeout"
	FailureTest               FailureType = "test_failure"
	FailureQualityGate        FailureType = "quality_gate_failure"
	FailureResourceExhaustion FailureType = "resource_exhaustion"
	FailureNetwork            FailureType = "network_error"
	FailureVCS                FailureType = "vcs_error"
	FailureUnknown            FailureType = "unknown"
)

// ParseFailureType converts a failure type name, for the CLI.
func ParseFailureType(name string) (FailureType, bool) {
	switch FailureType(strings.ToLower(strings.TrimSpace(name))) {
	case FailureTimeout, FailureTest, FailureQualityGate,
		FailureResourceExhaustion, FailureNetwork, FailureVCS, FailureUnknown:
		return FailureType(strings.ToLower(strings.TrimSpace(name))), true
	default:
		return "", false
	}
}

// Strategy is one recovery approach, tried in plan order.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyResume   Strategy = "resume"
	StrategySkip     Strategy = "skip"
	StrategyRollback Strategy = "rollback"

	// StrategyManual is terminal: the plan is surfaced to the operator
	// and never auto-applied.
	StrategyManual Strategy = "manual"
)

// Step is one human-readable remediation action.
type Step struct {
	Action        string        `json:"action"`
	EstimatedTime time.Duration `json:"estimated_time"`
}

// Plan is an ordered remediation plan for one failure.
type Plan struct {
	FailureType FailureType `json:"failure_type"`

	// Strategy is the first (preferred) strategy for this failure.
	Strategy Strategy `json:"strategy"`

	// Strategies is the full fallback order ending in manual.
	Strategies []Strategy `json:"strategies"`

	Steps []Step `json:"steps"`
}

// Symptoms are the observable facts about a failure.
type Symptoms struct {
	Err      error
	ExitCode int
	Output   string

	// Elapsed and Budget compare the stage duration to its SLA.
	Elapsed time.Duration
	Budget  time.Duration

	// GateFailure marks a failure already attributed to quality gates by
	// the executor.
	GateFailure bool

	// VCSDrift marks a state hash mismatch detected on resume.
	VCSDrift bool
}

// Classify maps symptoms to one failure type. Explicit attributions from
// the executor win; otherwise exit codes, error text, and SLA comparison
// decide.
func Classify(symptoms Symptoms) FailureType {
	if symptoms.VCSDrift {
		return FailureVCS
	}
	if symptoms.GateFailure {
		return FailureQualityGate
	}
	if symptoms.Budget > 0 && symptoms.Elapsed >= symptoms.Budget {
		return FailureTimeout
	}
	if symptoms.Err != nil {
		if errors.Is(symptoms.Err, context.DeadlineExceeded) {
			return FailureTimeout
		}
		text := strings.ToLower(symptoms.Err.Error() + " " + symptoms.Output)
		switch {
		case strings.Contains(text, "timeout") || strings.Contains(text, "deadline exceeded"):
			return FailureTimeout
		case strings.Contains(text, "out of memory") ||
			strings.Contains(text, "cannot allocate") ||
			strings.Contains(text, "no space left") ||
			strings.Contains(text, "resource temporarily unavailable"):
			return FailureResourceExhaustion
		case strings.Contains(text, "connection refused") ||
			strings.Contains(text, "connection reset") ||
			strings.Contains(text, "no such host") ||
			strings.Contains(text, "network"):
			return FailureNetwork
		case strings.Contains(text, "git") ||
			strings.Contains(text, "merge conflict") ||
			strings.Contains(text, "detached head"):
			return FailureVCS
		case strings.Contains(text, "test fail") ||
			strings.Contains(text, "assertion") ||
			strings.Contains(text, "--- fail"):
			return FailureTest
		}
	}
	if symptoms.ExitCode != 0 {
		return FailureQualityGate
	}
	return FailureUnknown
}

// planTable maps each failure type to its default ordered strategies and
// remediation steps.
var planTable = map[FailureType]Plan{
	FailureTimeout: {
		FailureType: FailureTimeout,
		Strategy:    StrategyResume,
		Strategies:  []Strategy{StrategyResume, StrategyRetry, StrategyManual},
		Steps: []Step{
			{Action: "check CPU and memory headroom on the host", EstimatedTime: 2 * time.Minute},
			{Action: "resume from the last checkpoint", EstimatedTime: 5 * time.Minute},
			{Action: "retry on a lane with a larger SLA budget", EstimatedTime: 10 * time.Minute},
		},
	},
	FailureTest: {
		FailureType: FailureTest,
		Strategy:    StrategyRetry,
		Strategies:  []Strategy{StrategyRetry, StrategySkip, StrategyManual},
		Steps: []Step{
			{Action: "re-run the failing test subset", EstimatedTime: 5 * time.Minute},
			{Action: "re-run with verbose diagnostics", EstimatedTime: 10 * time.Minute},
			{Action: "skip non-critical tests and continue", EstimatedTime: 2 * time.Minute},
			{Action: "fix the failing tests manually", EstimatedTime: 30 * time.Minute},
		},
	},
	FailureQualityGate: {
		FailureType: FailureQualityGate,
		Strategy:    StrategyRetry,
		Strategies:  []Strategy{StrategyRetry, StrategyManual},
		Steps: []Step{
			{Action: "re-run the failing gate tools", EstimatedTime: 5 * time.Minute},
			{Action: "review gate findings and fix the reported issues", EstimatedTime: 20 * time.Minute},
			{Action: "re-run the stage after fixes", EstimatedTime: 5 * time.Minute},
		},
	},
	FailureResourceExhaustion: {
		FailureType: FailureResourceExhaustion,
		Strategy:    StrategyResume,
		Strategies:  []Strategy{StrategyResume, StrategyRetry, StrategyManual},
		Steps: []Step{
			{Action: "free disk space or memory on the host", EstimatedTime: 10 * time.Minute},
			{Action: "reduce the worker pool cap", EstimatedTime: 1 * time.Minute},
			{Action: "resume from the last checkpoint", EstimatedTime: 5 * time.Minute},
		},
	},
	FailureNetwork: {
		FailureType: FailureNetwork,
		Strategy:    StrategyRetry,
		Strategies:  []Strategy{StrategyRetry, StrategyResume, StrategyManual},
		Steps: []Step{
			{Action: "retry with exponential backoff", EstimatedTime: 2 * time.Minute},
			{Action: "check connectivity to external services", EstimatedTime: 5 * time.Minute},
		},
	},
	FailureVCS: {
		FailureType: FailureVCS,
		Strategy:    StrategyManual,
		Strategies:  []Strategy{StrategyManual},
		Steps: []Step{
			{Action: "inspect working tree drift against the checkpoint state hash", EstimatedTime: 10 * time.Minute},
			{Action: "reconcile or stash local changes", EstimatedTime: 10 * time.Minute},
			{Action: "re-run with --resume after reconciliation", EstimatedTime: 5 * time.Minute},
		},
	},
	FailureUnknown: {
		FailureType: FailureUnknown,
		Strategy:    StrategyRetry,
		Strategies:  []Strategy{StrategyRetry, StrategyRollback, StrategyManual},
		Steps: []Step{
			{Action: "retry the failed stage once", EstimatedTime: 5 * time.Minute},
			{Action: "roll back to the previous checkpoint", EstimatedTime: 5 * time.Minute},
			{Action: "collect logs and escalate", EstimatedTime: 15 * time.Minute},
		},
	},
}

// PlanFor returns the default ordered plan for a failure type. The lane is
// advisory: stricter lanes get a manual-first plan for gate failures since
// their thresholds leave no margin to retry into.
func PlanFor(failureType FailureType, lane string) *Plan {
	plan, ok := planTable[failureType]
	if !ok {
		plan = planTable[FailureUnknown]
	}
	out := plan
	out.Strategies = append([]Strategy(nil), plan.Strategies...)
	out.Steps = append([]Step(nil), plan.Steps...)

	if failureType == FailureQualityGate && strings.EqualFold(lane, "strict") {
		out.Strategy = StrategyManual
		out.Strategies = []Strategy{StrategyManual}
	}
	return &out
}
