package lanepipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeConfiguration indicates an invalid lane or stage definition.
	// Fatal: the pipeline aborts before any stage runs.
	ErrorTypeConfiguration = "configuration_error"

	// ErrorTypeToolInvocation indicates an external tool failed or could
	// not be started. Recoverable via the recovery manager.
	ErrorTypeToolInvocation = "tool_invocation_error"

	// ErrorTypeTimeout matches SLA or subprocess deadline expirations.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeCheckpointIntegrity indicates a missing snapshot or a state
	// hash mismatch on resume. Always surfaced to the operator.
	ErrorTypeCheckpointIntegrity = "checkpoint_integrity_error"

	// ErrorTypeStageFailed is the default classification for unknown stage
	// errors, which remain eligible for retries.
	ErrorTypeStageFailed = "stage_failed"
)

// PipelineError is a structured error with classification. It supports Go's
// error wrapping patterns with Unwrap().
type PipelineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Wrapped
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(cause string) *PipelineError {
	return &PipelineError{Type: ErrorTypeConfiguration, Cause: cause}
}

// NewToolInvocationError wraps an external tool failure.
func NewToolInvocationError(tool string, err error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeToolInvocation,
		Cause:   fmt.Sprintf("tool %q: %s", tool, err),
		Wrapped: err,
	}
}

// NewCheckpointIntegrityError reports a checkpoint that cannot be trusted.
func NewCheckpointIntegrityError(cause string) *PipelineError {
	return &PipelineError{Type: ErrorTypeCheckpointIntegrity, Cause: cause}
}

// ClassifyError attempts to classify a regular error into a PipelineError.
func ClassifyError(err error) *PipelineError {
	var pipelineError *PipelineError
	if errors.As(err, &pipelineError) {
		return pipelineError
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &PipelineError{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	// Default to a stage failure, which allows retries.
	return &PipelineError{
		Type:    ErrorTypeStageFailed,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// IsFatal reports whether an error should abort the run without consulting
// the recovery manager.
func IsFatal(err error) bool {
	classified := ClassifyError(err)
	return classified.Type == ErrorTypeConfiguration ||
		classified.Type == ErrorTypeCheckpointIntegrity
}
