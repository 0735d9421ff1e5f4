package lanepipe

import (
	"fmt"
	"strings"
	"time"
)

// Lane selects which pipeline stages run and how strict their quality
// thresholds are.
type Lane string

const (
	LaneLight    Lane = "light"
	LaneStandard Lane = "standard"
	LaneStrict   Lane = "strict"
)

// ParseLane converts a lane name into a Lane. Unknown names are a
// configuration error.
func ParseLane(name string) (Lane, error) {
	switch Lane(strings.ToLower(strings.TrimSpace(name))) {
	case LaneLight:
		return LaneLight, nil
	case LaneStandard:
		return LaneStandard, nil
	case LaneStrict:
		return LaneStrict, nil
	default:
		return "", NewConfigurationError(fmt.Sprintf("unknown lane %q", name))
	}
}

// Lanes returns all defined lanes in increasing strictness order.
func Lanes() []Lane {
	return []Lane{LaneLight, LaneStandard, LaneStrict}
}

// CacheLimits bounds the cache levels available to a lane.
type CacheLimits struct {
	MemoryEntries int
	DiskEntries   int
	Persistent    bool
	DefaultTTL    time.Duration
}

// LaneConfig is the static execution profile for one lane.
type LaneConfig struct {
	Lane Lane

	// StageNumbers is the subset of the pipeline this lane runs. Empty
	// means the full configured stage list.
	StageNumbers []int

	// GatesEnabled controls whether quality gates run at all.
	GatesEnabled bool

	// GateThreshold is the fraction of gates that must pass for a stage
	// to succeed (0.8 means at least 80%).
	GateThreshold float64

	// StageSLA is the per-stage wall clock budget.
	StageSLA time.Duration

	// SLAWarningRatio is the fraction of StageSLA at which a warning is
	// raised. Exceeding the full budget is critical.
	SLAWarningRatio float64

	// ToolTimeout bounds a single external tool invocation.
	ToolTimeout time.Duration

	Cache CacheLimits
}

var laneConfigs = map[Lane]LaneConfig{
	LaneLight: {
		Lane:            LaneLight,
		StageNumbers:    []int{1, 2, 5, 8, 12},
		GatesEnabled:    false,
		GateThreshold:   0,
		StageSLA:        10 * time.Second,
		SLAWarningRatio: 0.8,
		ToolTimeout:     5 * time.Minute,
		Cache: CacheLimits{
			MemoryEntries: 64,
			DiskEntries:   0,
			Persistent:    false,
			DefaultTTL:    10 * time.Minute,
		},
	},
	LaneStandard: {
		Lane:            LaneStandard,
		GatesEnabled:    true,
		GateThreshold:   0.8,
		StageSLA:        30 * time.Second,
		SLAWarningRatio: 0.8,
		ToolTimeout:     5 * time.Minute,
		Cache: CacheLimits{
			MemoryEntries: 256,
			DiskEntries:   1024,
			Persistent:    false,
			DefaultTTL:    time.Hour,
		},
	},
	LaneStrict: {
		Lane:            LaneStrict,
		GatesEnabled:    true,
		GateThreshold:   1.0,
		StageSLA:        60 * time.Second,
		SLAWarningRatio: 0.8,
		ToolTimeout:     5 * time.Minute,
		Cache: CacheLimits{
			MemoryEntries: 256,
			DiskEntries:   4096,
			Persistent:    true,
			DefaultTTL:    24 * time.Hour,
		},
	},
}

// ConfigForLane returns the static configuration for a lane.
func ConfigForLane(lane Lane) (LaneConfig, error) {
	config, ok := laneConfigs[lane]
	if !ok {
		return LaneConfig{}, NewConfigurationError(fmt.Sprintf("no configuration for lane %q", lane))
	}
	return config, nil
}

// StagesForLane resolves the ordered stage list a lane runs out of the full
// pipeline definition.
func StagesForLane(pipeline *Pipeline, lane Lane) ([]*Stage, error) {
	config, err := ConfigForLane(lane)
	if err != nil {
		return nil, err
	}
	if len(config.StageNumbers) == 0 {
		return pipeline.Stages(), nil
	}
	var stages []*Stage
	for _, number := range config.StageNumbers {
		stage, ok := pipeline.Stage(number)
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("lane %q references missing stage %d", lane, number))
		}
		stages = append(stages, stage)
	}
	return stages, nil
}
