// Package tools invokes external quality-gate tools as opaque subprocesses.
// The orchestrator only interprets exit codes and, when a tool emits JSON,
// a summarized findings count.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single tool invocation when no explicit timeout
// is configured.
const DefaultTimeout = 300 * time.Second

// Spec describes one external tool invocation.
type Spec struct {
	Name        string            `json:"name" yaml:"name"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Result captures one tool invocation outcome.
type Result struct {
	Tool     string        `json:"tool"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Findings int           `json:"findings"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Passed reports whether the tool succeeded.
func (r Result) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Invoker runs external tools. It exists so tests can substitute fakes for
// real subprocesses.
type Invoker interface {
	Invoke(ctx context.Context, spec Spec) (Result, error)
}

// Runner is the subprocess-backed Invoker.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRunner creates a subprocess tool runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{timeout: opts.Timeout, logger: opts.Logger}
}

// Invoke runs the tool under a context deadline. A deadline expiration is
// reported as a timed-out Result with a wrapped context error so callers can
// classify it. A tool that cannot be started at all returns an error; a tool
// that runs and exits non-zero does not.
func (r *Runner) Invoke(ctx context.Context, spec Spec) (Result, error) {
	if spec.Command == "" {
		return Result{}, fmt.Errorf("tool %q has no command", spec.Name)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range spec.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	start := time.Now()
	stdout, err := cmd.Output()
	duration := time.Since(start)

	result := Result{
		Tool:     spec.Name,
		Stdout:   strings.TrimSpace(string(stdout)),
		Duration: duration,
	}

	if err != nil {
		if ctx.Err() != nil {
			result.TimedOut = true
			result.ExitCode = -1
			r.logger.Warn("tool timed out", "tool", spec.Name, "timeout", timeout)
			return result, fmt.Errorf("tool %q timed out after %s: %w", spec.Name, timeout, ctx.Err())
		}
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.Stderr = strings.TrimSpace(string(exitError.Stderr))
			if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			} else {
				result.ExitCode = 1
			}
		} else {
			return result, fmt.Errorf("failed to start tool %q: %w", spec.Name, err)
		}
	}

	result.Findings = summarizeFindings(result.Stdout)
	r.logger.Debug("tool finished",
		"tool", spec.Name,
		"exit_code", result.ExitCode,
		"findings", result.Findings,
		"duration", duration)
	return result, nil
}

// summarizeFindings counts findings in machine-readable tool output. Tools
// are opaque, so only the common shapes are recognized: a top-level JSON
// array, or an object with an issues/findings/results array.
func summarizeFindings(stdout string) int {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return 0
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			return len(items)
		}
		return 0
	}
	if strings.HasPrefix(trimmed, "{") {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
			return 0
		}
		for _, key := range []string{"issues", "findings", "results"} {
			raw, ok := doc[key]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err == nil {
				return len(items)
			}
		}
	}
	return 0
}
