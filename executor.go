package lanepipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/lanepipe/cache"
	"github.com/deepnoodle-ai/lanepipe/pool"
	"github.com/deepnoodle-ai/lanepipe/recovery"
	"github.com/deepnoodle-ai/lanepipe/script"
	"github.com/deepnoodle-ai/lanepipe/tools"
	"github.com/deepnoodle-ai/lanepipe/vcs"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	// Pipeline is the full stage list. Required.
	Pipeline *Pipeline

	// Checkpoints persists progress between stages. Required.
	Checkpoints CheckpointStore

	// Tools runs external quality-gate tools. Defaults to the
	// subprocess runner.
	Tools tools.Invoker

	// ToolSpecs maps gate names to tool invocations. Defaults to the
	// built-in specs.
	ToolSpecs map[string]tools.Spec

	// Tasks are the registered task implementations stages reference by
	// name.
	Tasks []Task

	// Pool runs parallel stage groups. Required.
	Pool *pool.Pool

	// Recovery classifies failures and drives automatic retries.
	// Optional; without it every failure is terminal.
	Recovery *recovery.Manager

	// Cache is the multi-level cache used for checkpoint warm restores.
	// Optional.
	Cache *cache.Cache

	// Inspector reports VCS state recorded on checkpoints. Defaults to
	// no VCS.
	Inspector vcs.Inspector

	// Conditions compiles stage condition expressions. Required only
	// when the pipeline uses conditions.
	Conditions script.Compiler

	// WorkRoot is the working directory stages operate in and snapshot
	// paths are resolved against. Required.
	WorkRoot string

	// StatusPath is the real-time status file. Empty disables status
	// tracking.
	StatusPath string

	Logger *slog.Logger
}

// RunOptions configure one pipeline run.
type RunOptions struct {
	// ChangeID identifies the change. Empty generates a new one.
	ChangeID string

	Lane Lane

	// Resume continues from the change's latest checkpoint instead of
	// starting over.
	Resume bool
}

// Executor drives a change through the pipeline stages its lane selects,
// checkpointing after each stage and consulting the recovery manager on
// failure.
type Executor struct {
	pipeline    *Pipeline
	checkpoints CheckpointStore
	invoker     tools.Invoker
	toolSpecs   map[string]tools.Spec
	tasks       map[string]Task
	pool        *pool.Pool
	recovery    *recovery.Manager
	ckptCache   *cache.CheckpointCache
	inspector   vcs.Inspector
	conditions  script.Compiler
	workRoot    string
	statusPath  string
	logger      *slog.Logger
}

// NewExecutor validates the options and returns an Executor. Every task a
// pipeline stage references must be registered.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Pipeline == nil {
		return nil, NewConfigurationError("pipeline required")
	}
	if opts.Checkpoints == nil {
		return nil, NewConfigurationError("checkpoint store required")
	}
	if opts.Pool == nil {
		return nil, NewConfigurationError("worker pool required")
	}
	if opts.WorkRoot == "" {
		return nil, NewConfigurationError("work root required")
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRunner(tools.RunnerOptions{Logger: opts.Logger})
	}
	if opts.ToolSpecs == nil {
		opts.ToolSpecs = tools.DefaultSpecs()
	}
	if opts.Inspector == nil {
		opts.Inspector = vcs.NewNullInspector()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tasks := map[string]Task{}
	for _, task := range opts.Tasks {
		if task.Name() == "" {
			return nil, NewConfigurationError("task with empty name")
		}
		if _, exists := tasks[task.Name()]; exists {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate task %q", task.Name()))
		}
		tasks[task.Name()] = task
	}
	for _, stage := range opts.Pipeline.Stages() {
		if stage.Task != "" {
			if _, ok := tasks[stage.Task]; !ok {
				return nil, NewConfigurationError(
					fmt.Sprintf("stage %q references unregistered task %q", stage.Name, stage.Task))
			}
		}
		if stage.Condition != "" && opts.Conditions == nil {
			return nil, NewConfigurationError(
				fmt.Sprintf("stage %q has a condition but no condition compiler is configured", stage.Name))
		}
	}

	executor := &Executor{
		pipeline:    opts.Pipeline,
		checkpoints: opts.Checkpoints,
		invoker:     opts.Tools,
		toolSpecs:   opts.ToolSpecs,
		tasks:       tasks,
		pool:        opts.Pool,
		recovery:    opts.Recovery,
		inspector:   opts.Inspector,
		conditions:  opts.Conditions,
		workRoot:    opts.WorkRoot,
		statusPath:  opts.StatusPath,
		logger:      opts.Logger,
	}
	if opts.Cache != nil {
		executor.ckptCache = cache.NewCheckpointCache(opts.Cache,
			func(ctx context.Context, checkpointID string) (any, error) {
				checkpoint, err := opts.Checkpoints.Load(ctx, checkpointID)
				if err != nil {
					return nil, err
				}
				return checkpoint.State, nil
			})
	}
	return executor, nil
}

// ConditionEngine returns a condition compiler with the run facts stages
// may reference (change_id, lane, stage, stage_name) declared as globals.
func ConditionEngine() script.Compiler {
	return script.NewRisorEngine(map[string]any{
		"change_id":  "",
		"lane":       "",
		"stage":      int64(0),
		"stage_name": "",
	})
}

// Plan returns the ordered stages a lane would run, without executing
// anything.
func (e *Executor) Plan(lane Lane) ([]*Stage, error) {
	return StagesForLane(e.pipeline, lane)
}

// stageOutcome collects everything known about one stage execution before
// it becomes a StageResult.
type stageOutcome struct {
	stage   *Stage
	gates   GateEvaluation
	taskErr error
	pool    pool.TaskResult
}

// Run executes the pipeline for one change. The returned state reflects
// every stage that ran, including failures; the error reports why the run
// stopped early, if it did.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*WorkflowState, error) {
	config, err := ConfigForLane(opts.Lane)
	if err != nil {
		return nil, err
	}
	stages, err := StagesForLane(e.pipeline, opts.Lane)
	if err != nil {
		return nil, err
	}

	changeID := opts.ChangeID
	if changeID == "" {
		changeID = NewChangeID()
	}
	state := NewWorkflowState(changeID, opts.Lane)

	if opts.Resume {
		if err := e.resume(ctx, changeID, state); err != nil {
			return state, err
		}
	}

	var tracker *StatusTracker
	if e.statusPath != "" {
		tracker, err = NewStatusTracker(e.statusPath, state)
		if err != nil {
			return state, err
		}
	}

	vcsInfo, err := e.inspector.Inspect(e.workRoot)
	if err != nil && !errors.Is(err, vcs.ErrNotRepository) {
		e.logger.Warn("failed to inspect repository", "error", err)
	}

	state.SetStarted(time.Now())
	if tracker != nil {
		if err := tracker.Write(); err != nil {
			return state, err
		}
	}
	e.logger.Info("pipeline run starting",
		"change_id", changeID, "lane", opts.Lane, "stages", len(stages), "resume", opts.Resume)

	completed := map[int]bool{}
	for _, number := range state.CompletedStages() {
		completed[number] = true
	}

	for _, group := range groupStages(stages) {
		var runnable []*Stage
		for _, stage := range group {
			if completed[stage.Number] {
				e.logger.Debug("stage already completed, skipping", "stage", stage.Name)
				continue
			}
			runnable = append(runnable, stage)
		}
		if len(runnable) == 0 {
			continue
		}

		if err := e.runGroup(ctx, state, config, runnable, vcsInfo, tracker); err != nil {
			if errors.Is(err, context.Canceled) {
				state.SetFinished(StatusPaused, time.Now(), err)
			} else {
				state.SetFinished(StatusFailed, time.Now(), err)
			}
			if tracker != nil {
				tracker.Write()
			}
			return state, err
		}
	}

	if e.recovery != nil {
		e.recovery.Reset(changeID)
	}
	state.SetFinished(StatusCompleted, time.Now(), nil)
	if tracker != nil {
		if err := tracker.Write(); err != nil {
			return state, err
		}
	}
	e.logger.Info("pipeline run completed", "change_id", changeID, "lane", opts.Lane)
	return state, nil
}

// resume restores the change's latest checkpoint into the work root and the
// in-memory state. After the snapshot files are copied back, their digest
// must match the recorded state hash; a mismatch means the checkpoint
// cannot be trusted and the run stops before executing anything.
func (e *Executor) resume(ctx context.Context, changeID string, state *WorkflowState) error {
	latest, err := e.checkpoints.Latest(ctx, changeID)
	if err != nil {
		return err
	}
	if latest == nil {
		return NewCheckpointIntegrityError(
			fmt.Sprintf("no checkpoint found for change %q", changeID))
	}

	// Snapshot files always come back through the durable store; the
	// workflow snapshot itself is served warm when the cache has it.
	snapshot, err := e.checkpoints.Restore(ctx, latest.ID, e.workRoot)
	if err != nil {
		return err
	}
	if e.ckptCache != nil {
		warm, err := e.ckptCache.RestoreCheckpoint(ctx, latest.ID)
		if err != nil {
			e.logger.Warn("checkpoint cache miss fell through", "checkpoint_id", latest.ID, "error", err)
		} else if decoded, err := decodeSnapshot(warm); err != nil {
			e.logger.Warn("cached checkpoint state unreadable", "checkpoint_id", latest.ID, "error", err)
		} else {
			snapshot = decoded
		}
	}

	if latest.StateHash != "" {
		computed, err := HashFiles(e.workRoot, latest.FileSnapshotRefs)
		if err != nil {
			return err
		}
		if computed != latest.StateHash {
			state.SetRecoveryPlan(recovery.PlanFor(recovery.FailureVCS, string(state.Lane())))
			return NewCheckpointIntegrityError(fmt.Sprintf(
				"state hash mismatch for checkpoint %q: restored files digest %s, recorded %s",
				latest.ID, computed, latest.StateHash))
		}
	}

	state.RestoreSnapshot(snapshot)
	e.logger.Info("resumed from checkpoint",
		"change_id", changeID,
		"checkpoint_id", latest.ID,
		"stage", latest.StageNumber)
	return nil
}

// runGroup executes one stage group through the pool, records results in
// stage order, checkpoints successes up to the first failure, and consults
// the recovery manager when something fails.
func (e *Executor) runGroup(ctx context.Context, state *WorkflowState, config LaneConfig, group []*Stage, vcsInfo vcs.Info, tracker *StatusTracker) error {
	outcomes := map[int]*stageOutcome{}
	var submitted []*Stage

	for _, stage := range group {
		stage := stage
		skip, err := e.shouldSkip(ctx, state, stage)
		if err != nil {
			return err
		}
		if skip {
			result := &StageResult{
				StageNumber: stage.Number,
				StageName:   stage.Name,
				Status:      StageSkipped,
				StartTime:   time.Now(),
			}
			if err := state.RecordResult(result); err != nil {
				return err
			}
			if tracker != nil {
				tracker.CompleteStage(result)
			}
			e.logger.Info("stage skipped by condition", "stage", stage.Name)
			continue
		}

		outcome := &stageOutcome{stage: stage}
		outcomes[stage.Number] = outcome
		submitted = append(submitted, stage)

		if tracker != nil {
			if err := tracker.StartStage(stage, config.StageSLA); err != nil {
				return err
			}
		}
		e.pool.Submit(ctx, pool.Task{
			StageID:      stage.Number,
			Name:         stage.Name,
			Strategy:     pool.Strategy(stage.Strategy),
			SLA:          config.StageSLA,
			WarningRatio: config.SLAWarningRatio,
			Run: func(taskCtx context.Context) error {
				gates, err := e.runStage(taskCtx, state, config, stage)
				outcome.gates = gates
				outcome.taskErr = err
				return err
			},
		})
	}
	if len(submitted) == 0 {
		return nil
	}

	_, poolResults, _ := e.pool.WaitAll()
	for _, poolResult := range poolResults {
		if outcome, ok := outcomes[poolResult.StageID]; ok {
			outcome.pool = poolResult
		}
	}

	for _, bottleneck := range pool.AnalyzeBottlenecks(poolResults) {
		e.logger.Warn("stage bottlenecked its group",
			"stage", bottleneck.Name,
			"duration", bottleneck.Duration,
			"ratio", fmt.Sprintf("%.2f", bottleneck.Ratio),
			"recommendations", strings.Join(bottleneck.Recommendations, "; "))
	}

	// A critical SLA violation aborts the rest of the group. The
	// violating stage carries the failure and must reach the recovery
	// manager; siblings it cancelled are collateral, not a caller pause.
	var critical *stageOutcome
	collateral := false
	for _, stage := range submitted {
		outcome := outcomes[stage.Number]
		if outcome.pool.Err == nil {
			continue
		}
		if critical == nil && outcome.pool.Severity == pool.SeverityCritical {
			critical = outcome
		}
		if errors.Is(outcome.pool.Err, pool.ErrGroupAborted) {
			collateral = true
		}
	}

	// Results and checkpoints are handled in stage order regardless of
	// completion order.
	var firstFailed *stageOutcome
	if critical != nil {
		// Retrying the violator alone cannot heal a group whose other
		// stages were already cancelled.
		if retried := e.attemptRecovery(ctx, state, config, critical, !collateral); !retried {
			firstFailed = critical
		}
	}
	for _, stage := range submitted {
		outcome := outcomes[stage.Number]

		if firstFailed == nil && outcome.pool.Err != nil && outcome != critical {
			if retried := e.attemptRecovery(ctx, state, config, outcome, true); !retried {
				firstFailed = outcome
			}
		}

		result := e.buildResult(outcome)
		if err := state.RecordResult(result); err != nil {
			return err
		}
		if tracker != nil {
			tracker.CompleteStage(result)
		}

		if result.Status == StageSuccess &&
			(firstFailed == nil || outcome.stage.Number < firstFailed.stage.Number) {
			if err := e.writeCheckpoint(ctx, state, outcome, vcsInfo); err != nil {
				return err
			}
		}
	}

	if firstFailed != nil {
		return fmt.Errorf("stage %q failed: %w", firstFailed.stage.Name, firstFailed.pool.Err)
	}
	return nil
}

// shouldSkip evaluates a stage's condition expression with run facts as
// globals.
func (e *Executor) shouldSkip(ctx context.Context, state *WorkflowState, stage *Stage) (bool, error) {
	if stage.Condition == "" {
		return false, nil
	}
	truthy, err := script.EvalCondition(ctx, e.conditions, stage.Condition, map[string]any{
		"change_id":  state.ChangeID(),
		"lane":       string(state.Lane()),
		"stage":      int64(stage.Number),
		"stage_name": stage.Name,
	})
	if err != nil {
		return false, NewConfigurationError(
			fmt.Sprintf("stage %q condition failed: %s", stage.Name, err))
	}
	return !truthy, nil
}

// runStage performs one stage's task then its quality gates.
func (e *Executor) runStage(ctx context.Context, state *WorkflowState, config LaneConfig, stage *Stage) (GateEvaluation, error) {
	task := Task(&noopTask{})
	if stage.Task != "" {
		task = e.tasks[stage.Task]
	}
	if _, err := task.Execute(ctx, stage.Parameters); err != nil {
		return GateEvaluation{}, err
	}

	evaluation, err := evaluateGates(ctx, e.invoker, e.toolSpecs, stage, config)
	if err != nil {
		return evaluation, err
	}
	if !evaluation.Pass {
		return evaluation, fmt.Errorf("stage %q gates passed %d of %d, below lane threshold %.0f%%",
			stage.Name, evaluation.Passed, evaluation.Total, config.GateThreshold*100)
	}
	return evaluation, nil
}

// attemptRecovery classifies a stage failure, records the plan on the run
// state, and executes automatic retries when the plan and allowRetry permit
// it. Returns true when a retry turned the failure into a success.
func (e *Executor) attemptRecovery(ctx context.Context, state *WorkflowState, config LaneConfig, outcome *stageOutcome, allowRetry bool) bool {
	if e.recovery == nil || IsFatal(outcome.pool.Err) {
		return false
	}
	if errors.Is(outcome.pool.Err, context.Canceled) && outcome.pool.Severity != pool.SeverityCritical {
		return false
	}

	symptoms := recovery.Symptoms{
		Err:         outcome.pool.Err,
		GateFailure: outcome.gates.Total > 0 && !outcome.gates.Pass,
		ExitCode:    outcome.gates.FailedExitCode,
		Elapsed:     outcome.pool.Duration,
	}
	if outcome.pool.SLAViolated && outcome.pool.Severity == pool.SeverityCritical {
		symptoms.Budget = outcome.pool.SLATarget
	}

	plan := e.recovery.Handle(state.ChangeID(), string(state.Lane()), symptoms)
	state.SetRecoveryPlan(plan)
	e.logger.Warn("stage failed, recovery plan prepared",
		"stage", outcome.stage.Name,
		"failure_type", plan.FailureType,
		"strategy", plan.Strategy)

	if !allowRetry || plan.Strategy != recovery.StrategyRetry {
		return false
	}

	start := time.Now()
	err := e.recovery.ExecuteRetry(ctx, plan, func(retryCtx context.Context) error {
		retryCtx, cancel := context.WithTimeout(retryCtx, config.StageSLA)
		defer cancel()
		gates, err := e.runStage(retryCtx, state, config, outcome.stage)
		outcome.gates = gates
		outcome.taskErr = err
		return err
	})
	if err != nil {
		outcome.pool.Err = err
		return false
	}

	outcome.pool.Err = nil
	outcome.pool.Duration = time.Since(start)
	outcome.pool.SLAViolated = false
	outcome.pool.Severity = ""
	e.recovery.Reset(state.ChangeID())
	e.logger.Info("stage recovered after retry", "stage", outcome.stage.Name)
	return true
}

// buildResult converts a stage outcome into its recorded StageResult.
func (e *Executor) buildResult(outcome *stageOutcome) *StageResult {
	result := &StageResult{
		StageNumber:      outcome.stage.Number,
		StageName:        outcome.stage.Name,
		Status:           StageSuccess,
		StartTime:        outcome.pool.StartTime,
		Duration:         outcome.pool.Duration,
		CPUPercent:       outcome.pool.CPUPercent,
		MemoryMB:         outcome.pool.MemoryMB,
		SLATargetSeconds: outcome.pool.SLATarget.Seconds(),
		SLAViolated:      outcome.pool.SLAViolated,
		Gates:            outcome.gates.Results,
	}
	if outcome.pool.SLAViolated {
		result.ViolationSeverity = Severity(outcome.pool.Severity)
	}
	if outcome.pool.Err != nil {
		result.Status = StageFailed
		result.ErrorMessage = outcome.pool.Err.Error()
	}
	return result
}

// writeCheckpoint persists progress after a successful stage and warms the
// checkpoint cache.
func (e *Executor) writeCheckpoint(ctx context.Context, state *WorkflowState, outcome *stageOutcome, vcsInfo vcs.Info) error {
	stage := outcome.stage
	now := time.Now()

	stateHash := ""
	if len(stage.SnapshotPaths) > 0 {
		hash, err := HashFiles(e.workRoot, stage.SnapshotPaths)
		if err != nil {
			return err
		}
		stateHash = hash
	}

	checkpoint := &Checkpoint{
		ID:               NewCheckpointID(state.Lane(), stage.Number, now),
		ChangeID:         state.ChangeID(),
		Lane:             state.Lane(),
		StageNumber:      stage.Number,
		StageName:        stage.Name,
		CreatedAt:        now,
		Branch:           vcsInfo.Branch,
		Revision:         vcsInfo.Revision,
		StateHash:        stateHash,
		FileSnapshotRefs: stage.SnapshotPaths,
		Metrics: CheckpointMetrics{
			Duration:   outcome.pool.Duration,
			CPUPercent: outcome.pool.CPUPercent,
			MemoryMB:   outcome.pool.MemoryMB,
		},
		Success: true,
		State:   state.Snapshot(),
	}

	checkpointID, err := e.checkpoints.Save(ctx, checkpoint, e.workRoot)
	if err != nil {
		return fmt.Errorf("failed to checkpoint stage %q: %w", stage.Name, err)
	}
	if e.ckptCache != nil {
		e.ckptCache.CacheCheckpoint(checkpointID, checkpoint.State)
	}
	e.logger.Debug("checkpoint written", "checkpoint_id", checkpointID, "stage", stage.Name)
	return nil
}

// decodeSnapshot normalizes a cached workflow snapshot. A value demoted to
// a file-backed cache level comes back from JSON as a generic map and has
// to be decoded into its real shape.
func decodeSnapshot(value any) (*WorkflowSnapshot, error) {
	switch v := value.(type) {
	case *WorkflowSnapshot:
		return v, nil
	case WorkflowSnapshot:
		return &v, nil
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		var snapshot WorkflowSnapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return nil, err
		}
		return &snapshot, nil
	}
}

// groupStages batches adjacent stages sharing a nonzero parallel group.
// Everything else runs as a group of one.
func groupStages(stages []*Stage) [][]*Stage {
	var groups [][]*Stage
	for i := 0; i < len(stages); {
		stage := stages[i]
		if stage.Group == 0 {
			groups = append(groups, []*Stage{stage})
			i++
			continue
		}
		j := i + 1
		for j < len(stages) && stages[j].Group == stage.Group {
			j++
		}
		groups = append(groups, stages[i:j])
		i = j
	}
	return groups
}
