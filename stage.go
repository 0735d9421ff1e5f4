package lanepipe

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// TaskStrategy declares how a stage's work behaves so the worker pool can
// pick an execution strategy for it.
type TaskStrategy string

const (
	StrategyAuto TaskStrategy = "auto"
	StrategyCPU  TaskStrategy = "cpu"
	StrategyIO   TaskStrategy = "io"
)

// Stage is one discrete unit of pipeline work, numbered and named.
type Stage struct {
	Number      int    `json:"number" yaml:"number"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Task names a registered task implementation that performs the
	// stage's work. Empty means the no-op task.
	Task       string         `json:"task,omitempty" yaml:"task,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Group is a parallel group number. Stages sharing a nonzero group
	// and adjacent in stage order run concurrently through the worker
	// pool. Zero means sequential.
	Group int `json:"group,omitempty" yaml:"group,omitempty"`

	// Strategy hints whether the stage is CPU-bound or I/O-bound.
	Strategy TaskStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Gates names the external quality-gate tools run after the stage's
	// task completes. Gate outcomes count toward the lane threshold.
	Gates []string `json:"gates,omitempty" yaml:"gates,omitempty"`

	// Condition is an optional script expression. When it evaluates to a
	// falsy value the stage is recorded as skipped.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// SnapshotPaths lists relative paths backed up alongside the
	// checkpoint written after this stage.
	SnapshotPaths []string `json:"snapshot_paths,omitempty" yaml:"snapshot_paths,omitempty"`
}

// PipelineOptions are used to configure a pipeline definition.
type PipelineOptions struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []*Stage `json:"stages" yaml:"stages"`
}

// Pipeline defines the full ordered stage list a change moves through.
// Lanes select subsets of it at run time.
type Pipeline struct {
	name           string
	description    string
	stages         []*Stage
	stagesByNumber map[int]*Stage
}

// NewPipeline returns a validated Pipeline for the given options.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Name == "" {
		return nil, NewConfigurationError("pipeline name required")
	}
	if len(opts.Stages) == 0 {
		return nil, NewConfigurationError("pipeline stages required")
	}
	stagesByNumber := make(map[int]*Stage, len(opts.Stages))
	for _, stage := range opts.Stages {
		if stage.Name == "" {
			return nil, NewConfigurationError(fmt.Sprintf("stage %d has no name", stage.Number))
		}
		if stage.Number <= 0 {
			return nil, NewConfigurationError(fmt.Sprintf("stage %q has invalid number %d", stage.Name, stage.Number))
		}
		if _, exists := stagesByNumber[stage.Number]; exists {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate stage number %d", stage.Number))
		}
		if stage.Strategy == "" {
			stage.Strategy = StrategyAuto
		}
		stagesByNumber[stage.Number] = stage
	}
	stages := make([]*Stage, len(opts.Stages))
	copy(stages, opts.Stages)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Number < stages[j].Number })
	return &Pipeline{
		name:           opts.Name,
		description:    opts.Description,
		stages:         stages,
		stagesByNumber: stagesByNumber,
	}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Description returns the pipeline description.
func (p *Pipeline) Description() string {
	return p.description
}

// Stages returns all stages in stage-number order.
func (p *Pipeline) Stages() []*Stage {
	return p.stages
}

// Stage returns a stage by number.
func (p *Pipeline) Stage(number int) (*Stage, bool) {
	stage, ok := p.stagesByNumber[number]
	return stage, ok
}

// LoadPipelineFile loads a pipeline definition from a YAML file.
func LoadPipelineFile(path string) (*Pipeline, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return LoadPipelineString(string(yamlData))
}

// LoadPipelineString loads a pipeline definition from a YAML string.
func LoadPipelineString(data string) (*Pipeline, error) {
	var opts PipelineOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline file: %w", err)
	}
	return NewPipeline(opts)
}

// DefaultPipeline returns the built-in change pipeline. The validation
// stages 6-9 form one parallel group since they are independent of each
// other.
func DefaultPipeline() *Pipeline {
	pipeline, err := NewPipeline(PipelineOptions{
		Name:        "change-pipeline",
		Description: "takes a proposed change from draft through validation to completion",
		Stages: []*Stage{
			{Number: 1, Name: "prepare-workspace", Strategy: StrategyIO},
			{Number: 2, Name: "draft-proposal", Strategy: StrategyIO},
			{Number: 3, Name: "sync-issues", Strategy: StrategyIO},
			{Number: 4, Name: "generate-docs", Strategy: StrategyCPU},
			{Number: 5, Name: "apply-change", Strategy: StrategyIO},
			{Number: 6, Name: "lint", Group: 1, Gates: []string{"linter"}},
			{Number: 7, Name: "typecheck", Group: 1, Gates: []string{"typechecker"}},
			{Number: 8, Name: "unit-tests", Group: 1, Gates: []string{"test-runner"}},
			{Number: 9, Name: "security-scan", Group: 1, Gates: []string{"security-scanner"}},
			{Number: 10, Name: "integration-tests", Gates: []string{"test-runner"}},
			{Number: 11, Name: "review-bundle", Strategy: StrategyCPU},
			{Number: 12, Name: "finalize", Strategy: StrategyIO},
			{Number: 13, Name: "archive", Strategy: StrategyIO},
		},
	})
	if err != nil {
		panic(err)
	}
	return pipeline
}
