package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/lanepipe/retry"
)

// DefaultMaxAttempts caps automatic recovery attempts before escalating to
// a manual plan.
const DefaultMaxAttempts = 3

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
	Logger      *slog.Logger
}

// Manager drives automatic recovery. It owns the attempt budget: once a
// change has burned through its automatic attempts, every further failure
// escalates straight to a manual plan.
type Manager struct {
	maxAttempts int
	baseWait    time.Duration
	maxWait     time.Duration
	logger      *slog.Logger

	attempts map[string]int
}

// NewManager creates a recovery manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseWait <= 0 {
		opts.BaseWait = time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		maxAttempts: opts.MaxAttempts,
		baseWait:    opts.BaseWait,
		maxWait:     opts.MaxWait,
		logger:      opts.Logger,
		attempts:    map[string]int{},
	}
}

// Handle classifies a failure and returns the plan to follow. Attempt
// accounting is per change: after MaxAttempts automatic strategies the plan
// is forced to manual.
func (m *Manager) Handle(changeID string, lane string, symptoms Symptoms) *Plan {
	failureType := Classify(symptoms)
	plan := PlanFor(failureType, lane)

	m.attempts[changeID]++
	attempt := m.attempts[changeID]

	if plan.Strategy != StrategyManual && attempt > m.maxAttempts {
		m.logger.Warn("automatic recovery attempts exhausted, escalating",
			"change_id", changeID,
			"failure_type", failureType,
			"attempts", attempt)
		plan.Strategy = StrategyManual
		plan.Strategies = []Strategy{StrategyManual}
		return plan
	}

	m.logger.Info("recovery plan prepared",
		"change_id", changeID,
		"failure_type", failureType,
		"strategy", plan.Strategy,
		"attempt", attempt)
	return plan
}

// Attempts returns how many recovery attempts a change has consumed.
func (m *Manager) Attempts(changeID string) int {
	return m.attempts[changeID]
}

// Reset clears the attempt budget for a change, for example after a stage
// finally succeeds.
func (m *Manager) Reset(changeID string) {
	delete(m.attempts, changeID)
}

// ExecuteRetry runs fn under the plan's retry strategy with exponential
// backoff. It is only valid for plans whose strategy is retry; manual plans
// are the operator's to act on.
func (m *Manager) ExecuteRetry(ctx context.Context, plan *Plan, fn func(ctx context.Context) error) error {
	if plan.Strategy != StrategyRetry {
		return fmt.Errorf("plan strategy %q is not automatically retryable", plan.Strategy)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err != nil {
			m.logger.Warn("retry attempt failed", "attempt", attempt, "error", err)
			// The plan already decided this failure is retryable, so
			// the backoff loop must not second-guess it.
			return retry.NewRecoverableError(err)
		}
		return nil
	}
	return retry.Do(ctx, operation,
		retry.WithMaxRetries(m.maxAttempts-1),
		retry.WithBaseWait(m.baseWait),
		retry.WithMaxWait(m.maxWait))
}
