package lanepipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineValidation(t *testing.T) {
	t.Run("missing name", func(t *testing.T) {
		_, err := NewPipeline(PipelineOptions{Stages: []*Stage{{Number: 1, Name: "a"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name required")
	})

	t.Run("no stages", func(t *testing.T) {
		_, err := NewPipeline(PipelineOptions{Name: "p"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stages required")
	})

	t.Run("duplicate stage number", func(t *testing.T) {
		_, err := NewPipeline(PipelineOptions{
			Name:   "p",
			Stages: []*Stage{{Number: 1, Name: "a"}, {Number: 1, Name: "b"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage number")
	})

	t.Run("invalid stage number", func(t *testing.T) {
		_, err := NewPipeline(PipelineOptions{
			Name:   "p",
			Stages: []*Stage{{Number: 0, Name: "a"}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid number")
	})

	t.Run("stages sorted by number", func(t *testing.T) {
		pipeline, err := NewPipeline(PipelineOptions{
			Name:   "p",
			Stages: []*Stage{{Number: 3, Name: "c"}, {Number: 1, Name: "a"}, {Number: 2, Name: "b"}},
		})
		require.NoError(t, err)
		stages := pipeline.Stages()
		assert.Equal(t, "a", stages[0].Name)
		assert.Equal(t, "b", stages[1].Name)
		assert.Equal(t, "c", stages[2].Name)
		assert.Equal(t, StrategyAuto, stages[0].Strategy, "empty strategy defaults to auto")
	})
}

func TestLoadPipelineString(t *testing.T) {
	pipeline, err := LoadPipelineString(`
name: custom-pipeline
description: test pipeline
stages:
  - number: 1
    name: prepare
    strategy: io
    snapshot_paths:
      - plan.md
  - number: 2
    name: validate
    group: 1
    gates:
      - linter
      - test-runner
  - number: 3
    name: finalize
    condition: 'lane != "light"'
`)
	require.NoError(t, err)
	assert.Equal(t, "custom-pipeline", pipeline.Name())
	assert.Equal(t, "test pipeline", pipeline.Description())
	require.Len(t, pipeline.Stages(), 3)

	prepare, ok := pipeline.Stage(1)
	require.True(t, ok)
	assert.Equal(t, StrategyIO, prepare.Strategy)
	assert.Equal(t, []string{"plan.md"}, prepare.SnapshotPaths)

	validate, ok := pipeline.Stage(2)
	require.True(t, ok)
	assert.Equal(t, 1, validate.Group)
	assert.Equal(t, []string{"linter", "test-runner"}, validate.Gates)

	finalize, ok := pipeline.Stage(3)
	require.True(t, ok)
	assert.NotEmpty(t, finalize.Condition)
}

func TestLoadPipelineStringInvalid(t *testing.T) {
	_, err := LoadPipelineString(`{not yaml`)
	require.Error(t, err)

	_, err = LoadPipelineString("name: p\nstages: []\n")
	require.Error(t, err)
}

func TestDefaultPipeline(t *testing.T) {
	pipeline := DefaultPipeline()
	require.Len(t, pipeline.Stages(), 13)

	// Stages 6 through 9 are the parallel validation group.
	for number := 6; number <= 9; number++ {
		stage, ok := pipeline.Stage(number)
		require.True(t, ok)
		assert.Equal(t, 1, stage.Group, "stage %d", number)
		assert.NotEmpty(t, stage.Gates, "stage %d", number)
	}
	integration, ok := pipeline.Stage(10)
	require.True(t, ok)
	assert.Zero(t, integration.Group, "integration tests run alone")
}
