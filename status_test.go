package lanepipe

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	state := NewWorkflowState("chg_status", LaneStandard)
	state.SetStarted(time.Now())

	tracker, err := NewStatusTracker(path, state)
	require.NoError(t, err)

	stage := &Stage{Number: 6, Name: "lint"}
	require.NoError(t, tracker.StartStage(stage, 30*time.Second))

	doc, err := ReadStatusFile(path)
	require.NoError(t, err)
	require.Contains(t, doc.Running, 6)
	assert.Equal(t, StageRunning, doc.Running[6].Status)
	assert.InDelta(t, 30.0, doc.Running[6].SLATargetSeconds, 0.0001)

	result := &StageResult{StageNumber: 6, StageName: "lint", Status: StageSuccess}
	require.NoError(t, state.RecordResult(result))
	require.NoError(t, tracker.CompleteStage(result))

	doc, err = ReadStatusFile(path)
	require.NoError(t, err)
	assert.Empty(t, doc.Running)
	require.Len(t, doc.Workflow.StageResults, 1)
	assert.Equal(t, StageSuccess, doc.Workflow.StageResults[0].Status)
}

func TestStatusTrackerConcurrentUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	state := NewWorkflowState("chg_conc", LaneStandard)
	tracker, err := NewStatusTracker(path, state)
	require.NoError(t, err)

	// Parallel group workers update the tracker together; every write
	// must stay a well-formed document.
	var wg sync.WaitGroup
	for number := 1; number <= 8; number++ {
		wg.Add(1)
		number := number
		go func() {
			defer wg.Done()
			stage := &Stage{Number: number, Name: "stage"}
			require.NoError(t, tracker.StartStage(stage, time.Second))
			require.NoError(t, tracker.CompleteStage(&StageResult{
				StageNumber: number,
				StageName:   "stage",
				Status:      StageSuccess,
			}))
		}()
	}
	wg.Wait()

	doc, err := ReadStatusFile(path)
	require.NoError(t, err)
	assert.Empty(t, doc.Running)
	assert.Equal(t, "chg_conc", doc.Workflow.ChangeID)
}

func TestStatusTrackerCurrentStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	state := NewWorkflowState("chg_cur", LaneLight)
	tracker, err := NewStatusTracker(path, state)
	require.NoError(t, err)

	require.NoError(t, tracker.StartStage(&Stage{Number: 1, Name: "prepare-workspace"}, 10*time.Second))
	doc := tracker.CurrentStatus()
	require.Contains(t, doc.Running, 1)
	assert.Equal(t, "chg_cur", doc.Workflow.ChangeID)
}
