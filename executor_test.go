package lanepipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/lanepipe/cache"
	"github.com/deepnoodle-ai/lanepipe/pool"
	"github.com/deepnoodle-ai/lanepipe/recovery"
	"github.com/deepnoodle-ai/lanepipe/tools"
	"github.com/deepnoodle-ai/lanepipe/vcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvoker replaces subprocesses in tests. Gates fail their first
// failFirst[name] invocations, or always when alwaysFail[name] is set.
type fakeInvoker struct {
	mu         sync.Mutex
	calls      map[string]int
	failFirst  map[string]int
	alwaysFail map[string]bool
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		calls:      map[string]int{},
		failFirst:  map[string]int{},
		alwaysFail: map[string]bool{},
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, spec tools.Spec) (tools.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[spec.Name]++
	if f.alwaysFail[spec.Name] || f.calls[spec.Name] <= f.failFirst[spec.Name] {
		return tools.Result{Tool: spec.Name, ExitCode: 1, Findings: 2}, nil
	}
	return tools.Result{Tool: spec.Name, ExitCode: 0}, nil
}

func (f *fakeInvoker) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeInvoker) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, count := range f.calls {
		total += count
	}
	return total
}

type stubProbe struct{}

func (stubProbe) Cores() int { return 4 }

func (stubProbe) AvailableMemory() uint64 { return 8 << 30 }

func (stubProbe) Usage() pool.Usage { return pool.Usage{} }

func (stubProbe) Delta(before pool.Usage, elapsed time.Duration) (float64, float64) {
	return 0, 0
}

// recordingTask counts executions per stage and fails on demand.
type recordingTask struct {
	mu         sync.Mutex
	executions map[int]int
	failStages map[int]bool
}

func newRecordingTask() *recordingTask {
	return &recordingTask{executions: map[int]int{}, failStages: map[int]bool{}}
}

func (rt *recordingTask) Name() string { return "work" }

func (rt *recordingTask) Execute(ctx context.Context, params map[string]any) (any, error) {
	stage, _ := params["stage"].(int)
	rt.mu.Lock()
	rt.executions[stage]++
	fail := rt.failStages[stage]
	rt.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("stage %d exploded", stage)
	}
	return stage, nil
}

func (rt *recordingTask) count(stage int) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.executions[stage]
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Options{MaxWorkers: 4, DisableSizing: true, Probe: stubProbe{}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func newTestWorkRoot(t *testing.T) string {
	t.Helper()
	workRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workRoot, "state.json"), []byte(`{"seq":1}`), 0644))
	return workRoot
}

// fullTestPipeline mirrors the built-in pipeline with a counting task on
// every stage.
func fullTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	stages := make([]*Stage, 0, 13)
	for _, template := range DefaultPipeline().Stages() {
		stage := *template
		stage.Task = "work"
		stage.Parameters = map[string]any{"stage": stage.Number}
		stage.SnapshotPaths = []string{"state.json"}
		stages = append(stages, &stage)
	}
	pipeline, err := NewPipeline(PipelineOptions{Name: "test-pipeline", Stages: stages})
	require.NoError(t, err)
	return pipeline
}

// gateSpecs builds one tool spec per gate name.
func gateSpecs(names ...string) map[string]tools.Spec {
	specs := map[string]tools.Spec{}
	for _, name := range names {
		specs[name] = tools.Spec{Name: name, Command: "true"}
	}
	return specs
}

func TestNewExecutorValidation(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	t.Run("missing pipeline returns error", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{
			Checkpoints: store,
			Pool:        newTestPool(t),
			WorkRoot:    t.TempDir(),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "pipeline required")
	})

	t.Run("unregistered task is rejected", func(t *testing.T) {
		pipeline, err := NewPipeline(PipelineOptions{
			Name:   "p",
			Stages: []*Stage{{Number: 1, Name: "one", Task: "missing"}},
		})
		require.NoError(t, err)
		_, err = NewExecutor(ExecutorOptions{
			Pipeline:    pipeline,
			Checkpoints: store,
			Pool:        newTestPool(t),
			WorkRoot:    t.TempDir(),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unregistered task")
	})

	t.Run("condition without compiler is rejected", func(t *testing.T) {
		pipeline, err := NewPipeline(PipelineOptions{
			Name:   "p",
			Stages: []*Stage{{Number: 1, Name: "one", Condition: `lane == "strict"`}},
		})
		require.NoError(t, err)
		_, err = NewExecutor(ExecutorOptions{
			Pipeline:    pipeline,
			Checkpoints: store,
			Pool:        newTestPool(t),
			WorkRoot:    t.TempDir(),
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "no condition compiler")
	})
}

func TestExecutorStandardLane(t *testing.T) {
	invoker := newFakeInvoker()
	task := newRecordingTask()
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    fullTestPipeline(t),
		Checkpoints: store,
		Tools:       invoker,
		ToolSpecs:   tools.DefaultSpecs(),
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	state, err := executor.Run(context.Background(), RunOptions{Lane: LaneStandard})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status())

	results := state.Results()
	require.Len(t, results, 13)
	for _, result := range results {
		assert.Equal(t, StageSuccess, result.Status, "stage %d", result.StageNumber)
	}

	// Every stage ran exactly once and the validation gates were
	// actually invoked.
	for number := 1; number <= 13; number++ {
		assert.Equal(t, 1, task.count(number), "stage %d", number)
	}
	assert.Equal(t, 1, invoker.callCount("linter"))
	assert.Equal(t, 1, invoker.callCount("typechecker"))
	assert.Equal(t, 2, invoker.callCount("test-runner")) // unit + integration
	assert.Equal(t, 1, invoker.callCount("security-scanner"))

	summaries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 13)
}

func TestExecutorLightLane(t *testing.T) {
	invoker := newFakeInvoker()
	task := newRecordingTask()
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    fullTestPipeline(t),
		Checkpoints: store,
		Tools:       invoker,
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	state, err := executor.Run(context.Background(), RunOptions{Lane: LaneLight})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status())
	require.Len(t, state.Results(), 5)

	// The light lane runs its stage subset and never invokes gate tools,
	// even though stage 8 declares one.
	assert.Equal(t, []int{1, 2, 5, 8, 12}, state.CompletedStages())
	assert.Zero(t, invoker.totalCalls())
	assert.Zero(t, task.count(3))
	assert.Zero(t, task.count(13))
}

func TestGateThresholds(t *testing.T) {
	newExecutorForGates := func(t *testing.T, invoker *fakeInvoker) *Executor {
		pipeline, err := NewPipeline(PipelineOptions{
			Name: "gated",
			Stages: []*Stage{
				{Number: 1, Name: "checks", Gates: []string{"g1", "g2", "g3", "g4", "g5"}},
			},
		})
		require.NoError(t, err)
		store, err := NewFileCheckpointStore(t.TempDir())
		require.NoError(t, err)
		executor, err := NewExecutor(ExecutorOptions{
			Pipeline:    pipeline,
			Checkpoints: store,
			Tools:       invoker,
			ToolSpecs:   gateSpecs("g1", "g2", "g3", "g4", "g5"),
			Pool:        newTestPool(t),
			WorkRoot:    newTestWorkRoot(t),
		})
		require.NoError(t, err)
		return executor
	}

	t.Run("standard passes at exactly 80 percent", func(t *testing.T) {
		invoker := newFakeInvoker()
		invoker.alwaysFail["g5"] = true
		executor := newExecutorForGates(t, invoker)

		state, err := executor.Run(context.Background(), RunOptions{Lane: LaneStandard})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, state.Status())

		result, ok := state.Result(1)
		require.True(t, ok)
		require.Len(t, result.Gates, 5)
	})

	t.Run("standard fails below 80 percent", func(t *testing.T) {
		invoker := newFakeInvoker()
		invoker.alwaysFail["g4"] = true
		invoker.alwaysFail["g5"] = true
		executor := newExecutorForGates(t, invoker)

		state, err := executor.Run(context.Background(), RunOptions{Lane: LaneStandard})
		require.Error(t, err)
		require.Contains(t, err.Error(), "below lane threshold")
		require.Equal(t, StatusFailed, state.Status())
	})

	t.Run("strict fails on a single gate failure", func(t *testing.T) {
		invoker := newFakeInvoker()
		invoker.alwaysFail["g5"] = true
		executor := newExecutorForGates(t, invoker)

		state, err := executor.Run(context.Background(), RunOptions{Lane: LaneStrict})
		require.Error(t, err)
		require.Equal(t, StatusFailed, state.Status())

		result, ok := state.Result(1)
		require.True(t, ok)
		require.Equal(t, StageFailed, result.Status)
	})
}

func TestExecutorCrashAndResume(t *testing.T) {
	invoker := newFakeInvoker()
	task := newRecordingTask()
	task.failStages[5] = true
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    fullTestPipeline(t),
		Checkpoints: store,
		Tools:       invoker,
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	changeID := NewChangeID()
	state, err := executor.Run(context.Background(), RunOptions{ChangeID: changeID, Lane: LaneStandard})
	require.Error(t, err)
	require.Equal(t, StatusFailed, state.Status())

	result, ok := state.Result(5)
	require.True(t, ok)
	require.Equal(t, StageFailed, result.Status)
	_, ok = state.Result(6)
	require.False(t, ok, "stages after the failure must not run")

	// Checkpoints stop at the last successful stage.
	latest, err := store.Latest(context.Background(), changeID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, 4, latest.StageNumber)
	summaries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 4)

	// Fix the stage and resume: stages 1-4 are not re-executed.
	task.mu.Lock()
	task.failStages = map[int]bool{}
	task.mu.Unlock()

	state, err = executor.Run(context.Background(), RunOptions{
		ChangeID: changeID,
		Lane:     LaneStandard,
		Resume:   true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status())
	require.Len(t, state.CompletedStages(), 13)

	for number := 1; number <= 4; number++ {
		assert.Equal(t, 1, task.count(number), "stage %d re-ran on resume", number)
	}
	assert.Equal(t, 2, task.count(5))
	assert.Equal(t, 1, task.count(13))
}

func TestExecutorResumeDriftHardStop(t *testing.T) {
	invoker := newFakeInvoker()
	task := newRecordingTask()
	task.failStages[5] = true
	checkpointDir := t.TempDir()
	store, err := NewFileCheckpointStore(checkpointDir)
	require.NoError(t, err)

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    fullTestPipeline(t),
		Checkpoints: store,
		Tools:       invoker,
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	changeID := NewChangeID()
	_, err = executor.Run(context.Background(), RunOptions{ChangeID: changeID, Lane: LaneStandard})
	require.Error(t, err)

	latest, err := store.Latest(context.Background(), changeID)
	require.NoError(t, err)
	require.NotNil(t, latest)

	// Corrupt the snapshot behind the checkpoint's recorded state hash.
	tampered := filepath.Join(checkpointDir, "snapshots", latest.ID, "state.json")
	require.NoError(t, os.WriteFile(tampered, []byte("tampered"), 0644))

	state, err := executor.Run(context.Background(), RunOptions{
		ChangeID: changeID,
		Lane:     LaneStandard,
		Resume:   true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "state hash mismatch")
	require.True(t, IsFatal(err))

	plan := state.RecoveryPlan()
	require.NotNil(t, plan)
	assert.Equal(t, recovery.FailureVCS, plan.FailureType)
	assert.Equal(t, recovery.StrategyManual, plan.Strategy)
}

func TestExecutorRetryRecoversGateFailure(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failFirst["linter"] = 2
	pipeline, err := NewPipeline(PipelineOptions{
		Name:   "gated",
		Stages: []*Stage{{Number: 1, Name: "lint", Gates: []string{"linter"}}},
	})
	require.NoError(t, err)
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	manager := recovery.NewManager(recovery.ManagerOptions{
		MaxAttempts: 3,
		BaseWait:    time.Millisecond,
	})

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    pipeline,
		Checkpoints: store,
		Tools:       invoker,
		ToolSpecs:   gateSpecs("linter"),
		Pool:        newTestPool(t),
		Recovery:    manager,
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	changeID := NewChangeID()
	state, err := executor.Run(context.Background(), RunOptions{ChangeID: changeID, Lane: LaneStandard})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status())

	result, ok := state.Result(1)
	require.True(t, ok)
	assert.Equal(t, StageSuccess, result.Status)
	assert.Equal(t, 3, invoker.callCount("linter"))
	assert.Zero(t, manager.Attempts(changeID))

	// The plan from the failed attempts stays on the state for operators.
	plan := state.RecoveryPlan()
	require.NotNil(t, plan)
	assert.Equal(t, recovery.FailureQualityGate, plan.FailureType)
}

func TestExecutorSkipsByCondition(t *testing.T) {
	run := func(t *testing.T, lane Lane) (*WorkflowState, *recordingTask) {
		task := newRecordingTask()
		pipeline, err := NewPipeline(PipelineOptions{
			Name: "conditional",
			Stages: []*Stage{
				{Number: 1, Name: "always", Task: "work", Parameters: map[string]any{"stage": 1}},
				{
					Number:     2,
					Name:       "strict-only",
					Task:       "work",
					Parameters: map[string]any{"stage": 2},
					Condition:  `lane == "strict"`,
				},
			},
		})
		require.NoError(t, err)
		store, err := NewFileCheckpointStore(t.TempDir())
		require.NoError(t, err)
		executor, err := NewExecutor(ExecutorOptions{
			Pipeline:    pipeline,
			Checkpoints: store,
			Tools:       newFakeInvoker(),
			Tasks:       []Task{task},
			Pool:        newTestPool(t),
			Conditions:  ConditionEngine(),
			WorkRoot:    newTestWorkRoot(t),
		})
		require.NoError(t, err)
		state, err := executor.Run(context.Background(), RunOptions{Lane: lane})
		require.NoError(t, err)
		return state, task
	}

	t.Run("falsy condition skips the stage", func(t *testing.T) {
		state, task := run(t, LaneStandard)
		result, ok := state.Result(2)
		require.True(t, ok)
		assert.Equal(t, StageSkipped, result.Status)
		assert.Zero(t, task.count(2))
	})

	t.Run("truthy condition runs the stage", func(t *testing.T) {
		state, task := run(t, LaneStrict)
		result, ok := state.Result(2)
		require.True(t, ok)
		assert.Equal(t, StageSuccess, result.Status)
		assert.Equal(t, 1, task.count(2))
	})
}

func TestExecutorWritesStatusFile(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	task := newRecordingTask()

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    fullTestPipeline(t),
		Checkpoints: store,
		Tools:       newFakeInvoker(),
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		WorkRoot:    newTestWorkRoot(t),
		StatusPath:  statusPath,
	})
	require.NoError(t, err)

	state, err := executor.Run(context.Background(), RunOptions{Lane: LaneLight})
	require.NoError(t, err)

	doc, err := ReadStatusFile(statusPath)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeID(), doc.Workflow.ChangeID)
	assert.Equal(t, StatusCompleted, doc.Workflow.Status)
	assert.Empty(t, doc.Running)
	assert.Len(t, doc.Workflow.StageResults, 5)
}

func TestExecutorCriticalSLAAbortEscalates(t *testing.T) {
	slow := &TaskFunc{TaskName: "slow", Fn: func(ctx context.Context, params map[string]any) (any, error) {
		time.Sleep(250 * time.Millisecond)
		return nil, nil
	}}
	waiting := &TaskFunc{TaskName: "wait", Fn: func(ctx context.Context, params map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	pipeline, err := NewPipeline(PipelineOptions{
		Name: "abort",
		Stages: []*Stage{
			{Number: 6, Name: "slow-work", Group: 1, Task: "slow"},
			{Number: 7, Name: "starved", Group: 1, Task: "wait"},
		},
	})
	require.NoError(t, err)
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	manager := recovery.NewManager(recovery.ManagerOptions{
		MaxAttempts: 3,
		BaseWait:    time.Millisecond,
	})
	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    pipeline,
		Checkpoints: store,
		Tasks:       []Task{slow, waiting},
		Pool:        newTestPool(t),
		Recovery:    manager,
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	state := NewWorkflowState(NewChangeID(), LaneStandard)
	config := LaneConfig{
		Lane:            LaneStandard,
		StageSLA:        120 * time.Millisecond,
		SLAWarningRatio: 0.8,
	}
	err = executor.runGroup(context.Background(), state, config, pipeline.Stages(), vcs.Info{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow-work")
	assert.Contains(t, err.Error(), "exceeded SLA")
	assert.NotErrorIs(t, err, context.Canceled,
		"a group abort is a failure, not a caller cancellation")

	// The violating stage reached the recovery manager.
	plan := state.RecoveryPlan()
	require.NotNil(t, plan)
	assert.Equal(t, recovery.FailureTimeout, plan.FailureType)
	assert.Equal(t, recovery.StrategyResume, plan.Strategy)

	for _, stageNumber := range []int{6, 7} {
		result, ok := state.Result(stageNumber)
		require.True(t, ok)
		assert.Equal(t, StageFailed, result.Status)
	}
}

func TestExecutorLogsGroupBottlenecks(t *testing.T) {
	var logs bytes.Buffer
	task := &TaskFunc{TaskName: "work", Fn: func(ctx context.Context, params map[string]any) (any, error) {
		ms, _ := params["sleep_ms"].(int)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return nil, nil
	}}
	pipeline, err := NewPipeline(PipelineOptions{
		Name: "uneven",
		Stages: []*Stage{
			{Number: 1, Name: "quick-a", Group: 1, Task: "work", Parameters: map[string]any{"sleep_ms": 5}},
			{Number: 2, Name: "quick-b", Group: 1, Task: "work", Parameters: map[string]any{"sleep_ms": 5}},
			{Number: 3, Name: "dominant", Group: 1, Task: "work", Parameters: map[string]any{"sleep_ms": 200}},
		},
	})
	require.NoError(t, err)
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    pipeline,
		Checkpoints: store,
		Tools:       newFakeInvoker(),
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		WorkRoot:    newTestWorkRoot(t),
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	_, err = executor.Run(context.Background(), RunOptions{Lane: LaneStandard})
	require.NoError(t, err)

	assert.Contains(t, logs.String(), "bottleneck")
	assert.Contains(t, logs.String(), "dominant")
}

// countingStore counts direct Load calls so tests can tell a warm
// checkpoint-cache hit from a durable-store read.
type countingStore struct {
	CheckpointStore
	mu    sync.Mutex
	loads int
}

func (cs *countingStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cs.mu.Lock()
	cs.loads++
	cs.mu.Unlock()
	return cs.CheckpointStore.Load(ctx, checkpointID)
}

func (cs *countingStore) loadCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.loads
}

func TestExecutorResumeServesSnapshotFromCache(t *testing.T) {
	task := newRecordingTask()
	task.failStages[5] = true
	fileStore, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	store := &countingStore{CheckpointStore: fileStore}
	warm, err := cache.New(cache.Options{MemoryEntries: 64})
	require.NoError(t, err)
	t.Cleanup(warm.Close)

	executor, err := NewExecutor(ExecutorOptions{
		Pipeline:    fullTestPipeline(t),
		Checkpoints: store,
		Tools:       newFakeInvoker(),
		Tasks:       []Task{task},
		Pool:        newTestPool(t),
		Cache:       warm,
		WorkRoot:    newTestWorkRoot(t),
	})
	require.NoError(t, err)

	changeID := NewChangeID()
	_, err = executor.Run(context.Background(), RunOptions{ChangeID: changeID, Lane: LaneStandard})
	require.Error(t, err)

	task.failStages = map[int]bool{}
	state, err := executor.Run(context.Background(), RunOptions{
		ChangeID: changeID,
		Lane:     LaneStandard,
		Resume:   true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, state.Status())

	// Checkpointing already cached the snapshot, so resume never had to
	// read it back through the store.
	assert.Zero(t, store.loadCount())
	for stage := 1; stage <= 4; stage++ {
		assert.Equal(t, 1, task.count(stage), "stage %d must not re-run", stage)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	snapshot := &WorkflowSnapshot{ChangeID: "chg_demote", Lane: LaneStrict, Status: StatusFailed}

	t.Run("typed value passes through", func(t *testing.T) {
		decoded, err := decodeSnapshot(snapshot)
		require.NoError(t, err)
		assert.Same(t, snapshot, decoded)
	})

	t.Run("generic map decodes", func(t *testing.T) {
		raw, err := json.Marshal(snapshot)
		require.NoError(t, err)
		var generic map[string]any
		require.NoError(t, json.Unmarshal(raw, &generic))

		decoded, err := decodeSnapshot(generic)
		require.NoError(t, err)
		assert.Equal(t, "chg_demote", decoded.ChangeID)
		assert.Equal(t, LaneStrict, decoded.Lane)
		assert.Equal(t, StatusFailed, decoded.Status)
	})
}

func TestGroupStages(t *testing.T) {
	stages := []*Stage{
		{Number: 1, Name: "a"},
		{Number: 2, Name: "b", Group: 1},
		{Number: 3, Name: "c", Group: 1},
		{Number: 4, Name: "d"},
		{Number: 5, Name: "e", Group: 2},
	}
	groups := groupStages(stages)
	require.Len(t, groups, 4)
	assert.Len(t, groups[0], 1)
	assert.Len(t, groups[1], 2)
	assert.Len(t, groups[2], 1)
	assert.Len(t, groups[3], 1)
}
