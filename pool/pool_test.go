package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProbe struct {
	cores     int
	available uint64
}

func (p *testProbe) Cores() int { return p.cores }

func (p *testProbe) AvailableMemory() uint64 { return p.available }

func (p *testProbe) Usage() Usage { return Usage{} }

func (p *testProbe) Delta(before Usage, elapsed time.Duration) (float64, float64) {
	return 0, 0
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Probe == nil {
		opts.Probe = &testProbe{cores: 4, available: 8 << 30}
	}
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func sleepTask(stageID int, name string, sla, work time.Duration) Task {
	return Task{
		StageID: stageID,
		Name:    name,
		SLA:     sla,
		Run: func(ctx context.Context) error {
			select {
			case <-time.After(work):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func TestComputeWorkers(t *testing.T) {
	t.Run("cores bound", func(t *testing.T) {
		workers, cores := computeWorkers(&testProbe{cores: 8, available: 64 << 30}, 16)
		assert.Equal(t, 8, workers)
		assert.Equal(t, 8, cores)
	})

	t.Run("memory bound", func(t *testing.T) {
		// 2 GB available at 512 MB per worker allows 4 workers.
		workers, _ := computeWorkers(&testProbe{cores: 16, available: 2 << 30}, 16)
		assert.Equal(t, 4, workers)
	})

	t.Run("clamped to maximum", func(t *testing.T) {
		workers, _ := computeWorkers(&testProbe{cores: 64, available: 256 << 30}, 16)
		assert.Equal(t, 16, workers)
	})

	t.Run("at least one worker", func(t *testing.T) {
		workers, _ := computeWorkers(&testProbe{cores: 4, available: 1 << 20}, 16)
		assert.Equal(t, 1, workers)
	})
}

func TestPoolRunsTasks(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 4, DisableSizing: true})
	ctx := context.Background()

	var ran atomic.Int64
	for i := 1; i <= 6; i++ {
		p.Submit(ctx, Task{
			StageID: i,
			Name:    "stage",
			Run: func(ctx context.Context) error {
				ran.Add(1)
				return nil
			},
		})
	}

	ok, results, errs := p.WaitAll()
	assert.True(t, ok)
	assert.Empty(t, errs)
	assert.Len(t, results, 6)
	assert.Equal(t, int64(6), ran.Load())
}

func TestPoolTaskError(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 2, DisableSizing: true})
	ctx := context.Background()

	boom := errors.New("boom")
	p.Submit(ctx, Task{StageID: 1, Name: "bad", Run: func(ctx context.Context) error { return boom }})
	p.Submit(ctx, Task{StageID: 2, Name: "good", Run: func(ctx context.Context) error { return nil }})

	ok, results, errs := p.WaitAll()
	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.Len(t, results, 2)
}

func TestPoolSLAWarning(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 2, DisableSizing: true})
	ctx := context.Background()

	// Past the 80% warning mark but under the budget: the task finishes
	// and is flagged as a warning.
	future := p.Submit(ctx, sleepTask(1, "slow", 400*time.Millisecond, 350*time.Millisecond))
	result := future.Result()

	assert.NoError(t, result.Err)
	assert.True(t, result.SLAViolated)
	assert.Equal(t, SeverityWarning, result.Severity)
	p.WaitAll()
}

func TestPoolSLACriticalAbortsGroup(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 4, DisableSizing: true})
	ctx := context.Background()

	// The first task blows through its budget; the second would run for
	// two seconds but must be cancelled when the group aborts.
	p.Submit(ctx, sleepTask(1, "over-budget", 100*time.Millisecond, time.Hour))
	p.Submit(ctx, sleepTask(2, "innocent", 10*time.Second, 2*time.Second))

	start := time.Now()
	ok, results, errs := p.WaitAll()
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.NotEmpty(t, errs)
	assert.Less(t, elapsed, time.Second, "group abort must cancel the other task")

	byStage := map[int]TaskResult{}
	for _, result := range results {
		byStage[result.StageID] = result
	}
	require.Contains(t, byStage, 1)
	assert.True(t, byStage[1].SLAViolated)
	assert.Equal(t, SeverityCritical, byStage[1].Severity)
	require.Contains(t, byStage, 2)
	assert.ErrorIs(t, byStage[2].Err, ErrGroupAborted)
	assert.NotErrorIs(t, byStage[2].Err, context.Canceled)
}

func TestPoolCallerCancellationIsNotAGroupAbort(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 2, DisableSizing: true})
	ctx, cancel := context.WithCancel(context.Background())

	p.Submit(ctx, sleepTask(1, "interrupted", 10*time.Second, time.Hour))
	time.Sleep(20 * time.Millisecond)
	cancel()

	ok, results, _ := p.WaitAll()
	assert.False(t, ok)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.NotErrorIs(t, results[0].Err, ErrGroupAborted)
}

func TestPoolGroupResetAfterAbort(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 2, DisableSizing: true})
	ctx := context.Background()

	p.Submit(ctx, sleepTask(1, "over-budget", 50*time.Millisecond, time.Hour))
	ok, _, _ := p.WaitAll()
	assert.False(t, ok)

	// The next group starts clean.
	p.Submit(ctx, Task{StageID: 2, Name: "next", Run: func(ctx context.Context) error { return nil }})
	ok, results, errs := p.WaitAll()
	assert.True(t, ok)
	assert.Empty(t, errs)
	assert.Len(t, results, 1)
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := newTestPool(t, Options{MaxWorkers: 2, DisableSizing: true})
	require.NoError(t, p.Shutdown(time.Second))

	future := p.Submit(context.Background(), Task{StageID: 1, Name: "late"})
	result := future.Result()
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "shut down")
}

func TestAnalyzeBottlenecks(t *testing.T) {
	t.Run("flags the dominant stage", func(t *testing.T) {
		results := []TaskResult{
			{StageID: 6, Name: "lint", Duration: 100 * time.Millisecond},
			{StageID: 7, Name: "typecheck", Duration: 100 * time.Millisecond},
			{StageID: 8, Name: "unit-tests", Duration: 700 * time.Millisecond, CPUPercent: 90},
		}
		bottlenecks := AnalyzeBottlenecks(results)
		require.Len(t, bottlenecks, 1)
		assert.Equal(t, 8, bottlenecks[0].StageID)
		assert.InDelta(t, 2.33, bottlenecks[0].Ratio, 0.01)
		require.NotEmpty(t, bottlenecks[0].Recommendations)
		assert.Contains(t, bottlenecks[0].Recommendations[0], "CPU-heavy")
	})

	t.Run("io bound stage gets io recommendations", func(t *testing.T) {
		results := []TaskResult{
			{StageID: 1, Name: "fast", Duration: 50 * time.Millisecond},
			{StageID: 2, Name: "download", Duration: 400 * time.Millisecond, CPUPercent: 5},
		}
		bottlenecks := AnalyzeBottlenecks(results)
		require.Len(t, bottlenecks, 1)
		assert.Contains(t, bottlenecks[0].Recommendations[0], "I/O strategy")
	})

	t.Run("needs at least two results", func(t *testing.T) {
		assert.Nil(t, AnalyzeBottlenecks([]TaskResult{{StageID: 1, Duration: time.Hour}}))
	})

	t.Run("balanced group has no bottlenecks", func(t *testing.T) {
		results := []TaskResult{
			{StageID: 1, Duration: 100 * time.Millisecond},
			{StageID: 2, Duration: 120 * time.Millisecond},
		}
		assert.Empty(t, AnalyzeBottlenecks(results))
	})
}
