// Package pool executes independent pipeline stages concurrently. The pool
// sizes itself from available CPU and memory, classifies tasks as CPU-bound
// or I/O-bound to pick a concurrency strategy, enforces per-stage SLA
// budgets, and reports per-stage metrics for bottleneck detection.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrGroupAborted marks a task that was cancelled because another task in
// its group violated its SLA critically. It lets callers tell a group abort
// apart from their own context being cancelled.
var ErrGroupAborted = errors.New("stage group aborted")

// Strategy declares how a task uses resources.
type Strategy string

const (
	StrategyAuto Strategy = "auto"
	StrategyCPU  Strategy = "cpu"
	StrategyIO   Strategy = "io"
)

// Severity grades an SLA violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Task is one unit of stage work submitted to the pool.
type Task struct {
	StageID  int
	Name     string
	Strategy Strategy

	// SLA is the stage's wall clock budget. Zero disables enforcement.
	SLA time.Duration

	// WarningRatio is the fraction of SLA at which a warning is raised.
	// Defaults to 0.8.
	WarningRatio float64

	Run func(ctx context.Context) error
}

// TaskResult captures one task's outcome and resource usage.
type TaskResult struct {
	StageID  int
	Name     string
	Strategy Strategy

	Err        error
	StartTime  time.Time
	Duration   time.Duration
	CPUPercent float64
	MemoryMB   float64

	SLATarget   time.Duration
	SLAViolated bool
	Severity    Severity
}

// Future resolves to a TaskResult once the task finishes.
type Future struct {
	done   chan struct{}
	result TaskResult
}

// Result blocks until the task finishes and returns its result.
func (f *Future) Result() TaskResult {
	<-f.done
	return f.result
}

// Options configure a Pool.
type Options struct {
	// MaxWorkers caps the pool size regardless of detected resources.
	// Defaults to 16.
	MaxWorkers int

	// DisableSizing skips resource detection and uses MaxWorkers
	// directly. Intended for tests.
	DisableSizing bool

	Logger  *slog.Logger
	Metrics *Metrics
	Probe   ResourceProbe
}

// DefaultMaxWorkers caps the worker count when no explicit cap is given.
const DefaultMaxWorkers = 16

// Pool is an adaptive worker pool for stage groups. A group is the set of
// tasks submitted between calls to WaitAll. A critical SLA violation aborts
// the whole group: every other in-flight task's context is cancelled.
type Pool struct {
	workers  int
	cpuSlots int

	cpuSem *semaphore.Weighted
	ioSem  *semaphore.Weighted

	logger  *slog.Logger
	metrics *Metrics
	probe   ResourceProbe

	mutex   sync.Mutex
	pending []*Future
	history map[string]Strategy

	groupCtx    context.Context
	groupCancel context.CancelFunc
	aborted     atomic.Bool

	closed   bool
	inFlight sync.WaitGroup
}

// New creates a pool sized for the host.
func New(opts Options) (*Pool, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Probe == nil {
		opts.Probe = &systemProbe{}
	}

	workers := opts.MaxWorkers
	cpuSlots := opts.MaxWorkers
	if !opts.DisableSizing {
		sized, cores := computeWorkers(opts.Probe, opts.MaxWorkers)
		workers = sized
		cpuSlots = min(cores, sized)
	}
	if cpuSlots < 1 {
		cpuSlots = 1
	}

	groupCtx, groupCancel := context.WithCancel(context.Background())
	pool := &Pool{
		workers:     workers,
		cpuSlots:    cpuSlots,
		cpuSem:      semaphore.NewWeighted(int64(cpuSlots)),
		ioSem:       semaphore.NewWeighted(int64(workers)),
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		probe:       opts.Probe,
		history:     map[string]Strategy{},
		groupCtx:    groupCtx,
		groupCancel: groupCancel,
	}
	if pool.metrics != nil {
		pool.metrics.Workers.Set(float64(workers))
	}
	opts.Logger.Debug("worker pool sized", "workers", workers, "cpu_slots", cpuSlots)
	return pool, nil
}

// Workers returns the sized worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit schedules a task and returns its Future. Tasks submitted after a
// group abort fail immediately with the group's cancellation error.
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	future := &Future{done: make(chan struct{})}

	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		future.result = TaskResult{
			StageID: task.StageID, Name: task.Name,
			Err: fmt.Errorf("pool is shut down"),
		}
		close(future.done)
		return future
	}
	p.pending = append(p.pending, future)
	strategy := p.resolveStrategyLocked(task)
	groupCtx := p.groupCtx
	p.mutex.Unlock()

	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		result := p.execute(ctx, groupCtx, task, strategy)
		future.result = result
		close(future.done)
	}()
	return future
}

// execute runs one task under its semaphore, SLA budget, and resource
// measurement.
func (p *Pool) execute(ctx, groupCtx context.Context, task Task, strategy Strategy) TaskResult {
	result := TaskResult{
		StageID:   task.StageID,
		Name:      task.Name,
		Strategy:  strategy,
		SLATarget: task.SLA,
	}

	// The task context dies with either the caller's context or the
	// group context (a critical SLA violation elsewhere in the group).
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(groupCtx, cancel)
	defer stop()

	sem := p.ioSem
	if strategy == StrategyCPU {
		sem = p.cpuSem
	}
	if err := sem.Acquire(taskCtx, 1); err != nil {
		result.Err = p.abortCause(ctx, groupCtx, err)
		return result
	}
	defer sem.Release(1)

	warningRatio := task.WarningRatio
	if warningRatio <= 0 {
		warningRatio = 0.8
	}

	var warned atomic.Bool
	if task.SLA > 0 {
		warnTimer := time.AfterFunc(time.Duration(float64(task.SLA)*warningRatio), func() {
			warned.Store(true)
			p.logger.Warn("stage approaching SLA budget",
				"stage", task.Name, "budget", task.SLA)
		})
		defer warnTimer.Stop()

		var slaCancel context.CancelFunc
		taskCtx, slaCancel = context.WithTimeout(taskCtx, task.SLA)
		defer slaCancel()
	}

	usageBefore := p.probe.Usage()
	result.StartTime = time.Now()
	err := task.Run(taskCtx)
	result.Duration = time.Since(result.StartTime)
	result.CPUPercent, result.MemoryMB = p.probe.Delta(usageBefore, result.Duration)

	if task.SLA > 0 && result.Duration >= task.SLA {
		result.SLAViolated = true
		result.Severity = SeverityCritical
		if err == nil {
			err = context.DeadlineExceeded
		}
		result.Err = fmt.Errorf("stage %q exceeded SLA budget %s: %w", task.Name, task.SLA, err)
		p.recordViolation(SeverityCritical)
		p.abortGroup(task.Name)
	} else {
		result.Err = p.abortCause(ctx, groupCtx, err)
		if warned.Load() {
			result.SLAViolated = true
			result.Severity = SeverityWarning
			p.recordViolation(SeverityWarning)
		}
	}

	p.recordHistory(task, result)
	if p.metrics != nil {
		p.metrics.TaskDuration.WithLabelValues(task.Name).Observe(result.Duration.Seconds())
	}
	return result
}

// abortCause rewrites a cancellation caused by a group abort as
// ErrGroupAborted. A cancellation that arrived through the caller's own
// context passes through untouched.
func (p *Pool) abortCause(ctx, groupCtx context.Context, err error) error {
	if err == nil || groupCtx.Err() == nil || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGroupAborted, err)
}

// WaitAll blocks until every task submitted since the previous WaitAll has
// finished, then returns whether all succeeded along with the collected
// errors. It also resets the group abort state for the next group.
func (p *Pool) WaitAll() (bool, []TaskResult, []error) {
	p.mutex.Lock()
	pending := p.pending
	p.pending = nil
	p.mutex.Unlock()

	results := make([]TaskResult, 0, len(pending))
	var errs []error
	for _, future := range pending {
		result := future.Result()
		results = append(results, result)
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
	}

	// Reset the group context so the next stage group starts clean.
	p.mutex.Lock()
	if p.aborted.Load() {
		p.aborted.Store(false)
		p.groupCtx, p.groupCancel = context.WithCancel(context.Background())
	}
	p.mutex.Unlock()

	return len(errs) == 0, results, errs
}

// Shutdown drains in-flight tasks, cancelling them after the grace period.
// It never leaves orphaned work running: task contexts are cancelled and
// subprocess-based tasks die with their contexts.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mutex.Lock()
	p.closed = true
	p.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		p.groupCancel()
		<-done
		return fmt.Errorf("pool shutdown cancelled tasks after %s grace period", grace)
	}
}

func (p *Pool) abortGroup(stage string) {
	if p.aborted.CompareAndSwap(false, true) {
		p.logger.Error("critical SLA violation, aborting stage group", "stage", stage)
		p.groupCancel()
	}
}

func (p *Pool) recordViolation(severity Severity) {
	if p.metrics != nil {
		p.metrics.SLAViolations.WithLabelValues(string(severity)).Inc()
	}
}

// resolveStrategyLocked picks the execution strategy for a task. Declared
// strategies win; auto consults past runs and defaults to I/O.
func (p *Pool) resolveStrategyLocked(task Task) Strategy {
	if task.Strategy == StrategyCPU || task.Strategy == StrategyIO {
		return task.Strategy
	}
	if known, ok := p.history[task.Name]; ok {
		return known
	}
	return StrategyIO
}

// recordHistory remembers whether a task ran CPU-heavy so the auto strategy
// can classify it next time.
func (p *Pool) recordHistory(task Task, result TaskResult) {
	if task.Strategy != StrategyAuto && task.Strategy != "" {
		return
	}
	inferred := StrategyIO
	if result.CPUPercent > 50 {
		inferred = StrategyCPU
	}
	p.mutex.Lock()
	p.history[task.Name] = inferred
	p.mutex.Unlock()
}
