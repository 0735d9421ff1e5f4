package lanepipe

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/lanepipe/tools"
)

// GateEvaluation is the outcome of running a stage's quality gates against
// a lane threshold.
type GateEvaluation struct {
	Results []GateResult
	Passed  int
	Total   int
	Ratio   float64
	Pass    bool

	// FailedExitCode is the exit code of the first failing gate, for
	// failure classification.
	FailedExitCode int
}

// evaluateGates runs a stage's gate tools and compares the pass ratio to
// the lane threshold. Lanes with gates disabled pass vacuously without
// invoking any tool. A tool that cannot be started at all is a tool
// invocation error, not a gate failure.
func evaluateGates(ctx context.Context, invoker tools.Invoker, specs map[string]tools.Spec, stage *Stage, config LaneConfig) (GateEvaluation, error) {
	evaluation := GateEvaluation{Pass: true}
	if !config.GatesEnabled || len(stage.Gates) == 0 {
		return evaluation, nil
	}

	for _, gateName := range stage.Gates {
		spec, ok := specs[gateName]
		if !ok {
			return evaluation, NewConfigurationError(
				fmt.Sprintf("stage %q references unknown gate tool %q", stage.Name, gateName))
		}
		if spec.Timeout <= 0 {
			spec.Timeout = config.ToolTimeout
		}

		result, err := invoker.Invoke(ctx, spec)
		if err != nil && !result.TimedOut {
			return evaluation, NewToolInvocationError(gateName, err)
		}
		if err != nil {
			// A timed-out gate counts as a failed gate; the timeout
			// classification is carried by the result.
			result.ExitCode = -1
		}

		gate := GateResult{
			Tool:     result.Tool,
			ExitCode: result.ExitCode,
			Passed:   result.Passed(),
			Findings: result.Findings,
			Duration: result.Duration,
		}
		evaluation.Results = append(evaluation.Results, gate)
		evaluation.Total++
		if gate.Passed {
			evaluation.Passed++
		} else if evaluation.FailedExitCode == 0 {
			evaluation.FailedExitCode = gate.ExitCode
		}
	}

	if evaluation.Total > 0 {
		evaluation.Ratio = float64(evaluation.Passed) / float64(evaluation.Total)
	}
	evaluation.Pass = evaluation.Ratio >= config.GateThreshold
	return evaluation, nil
}
