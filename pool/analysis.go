package pool

import (
	"fmt"
	"sort"
	"time"
)

// bottleneckRatio is the multiple of the group mean duration past which a
// stage is flagged as a bottleneck.
const bottleneckRatio = 1.5

// Bottleneck flags a stage that dominated its parallel group.
type Bottleneck struct {
	StageID  int           `json:"stage_id"`
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`

	// Ratio is the stage duration over the group mean.
	Ratio float64 `json:"ratio"`

	// Recommendations are ordered most promising first.
	Recommendations []string `json:"recommendations"`
}

// AnalyzeBottlenecks flags stages running more than 1.5x their group's mean
// duration and ranks remediation recommendations for each. Results are
// ordered worst ratio first.
func AnalyzeBottlenecks(results []TaskResult) []Bottleneck {
	if len(results) < 2 {
		return nil
	}
	var total time.Duration
	for _, result := range results {
		total += result.Duration
	}
	mean := total / time.Duration(len(results))
	if mean <= 0 {
		return nil
	}

	var bottlenecks []Bottleneck
	for _, result := range results {
		ratio := float64(result.Duration) / float64(mean)
		if ratio <= bottleneckRatio {
			continue
		}
		bottlenecks = append(bottlenecks, Bottleneck{
			StageID:         result.StageID,
			Name:            result.Name,
			Duration:        result.Duration,
			Ratio:           ratio,
			Recommendations: recommend(result, ratio),
		})
	}
	sort.Slice(bottlenecks, func(i, j int) bool {
		return bottlenecks[i].Ratio > bottlenecks[j].Ratio
	})
	return bottlenecks
}

// recommend produces ordered remediation suggestions for a bottleneck
// stage based on its measured resource profile.
func recommend(result TaskResult, ratio float64) []string {
	var recommendations []string
	if result.CPUPercent > 75 {
		recommendations = append(recommendations,
			"split the CPU-heavy work into smaller tasks",
			"reduce batch size to shorten each unit of work")
	} else {
		recommendations = append(recommendations,
			"convert to I/O strategy to raise its concurrency",
			"overlap the stage with other I/O-bound stages")
	}
	if result.MemoryMB > float64(memoryPerWorker)/(1024*1024) {
		recommendations = append(recommendations,
			"stream intermediate data instead of holding it in memory")
	}
	recommendations = append(recommendations,
		fmt.Sprintf("raise the stage SLA budget (%.1fx the group mean)", ratio))
	return recommendations
}
