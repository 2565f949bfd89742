package errors

import (
	"errors"
	"fmt"
)

// Severity classifies how the pipeline executor reacts to a failure.
type Severity int

const (
	// SeverityFatal halts the stage sequence immediately. Any
	// unclassified error is fatal.
	SeverityFatal Severity = iota

	// SeverityAbsorbed is logged but does not change the run status.
	// Used for test failures under the lenient policy, best-effort
	// registry repository creation, diagnostic sub-commands, and
	// cache purge failures.
	SeverityAbsorbed

	// SeverityTerminal marks a deploy-boundary failure: the rollout
	// timed out or the cluster reported a terminal condition. The run
	// fails, and diagnostics collection is triggered.
	SeverityTerminal
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityFatal:
		return "fatal"
	case SeverityAbsorbed:
		return "absorbed"
	case SeverityTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// PipelineError carries an error code and severity alongside the
// underlying cause. It implements error unwrapping so sentinel checks
// with errors.Is keep working through the classification layer.
type PipelineError struct {
	Code     ErrorCode
	Severity Severity
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// New creates a PipelineError with the given code, severity, and
// message.
func New(code ErrorCode, severity Severity, message string) *PipelineError {
	return &PipelineError{Code: code, Severity: severity, Message: message}
}

// Wrap classifies an existing error with a code and severity. Returns
// nil when err is nil so call sites can wrap unconditionally.
func Wrap(err error, code ErrorCode, severity Severity, message string) error {
	if err == nil {
		return nil
	}
	return &PipelineError{Code: code, Severity: severity, Message: message, Cause: err}
}

// Absorbed wraps an error as absorbed-by-policy. The caller logs it and
// continues; the run status is unaffected.
func Absorbed(err error, message string) error {
	return Wrap(err, CodeUnknown, SeverityAbsorbed, message)
}

// SeverityOf reports the severity of an error. Unclassified errors are
// fatal: swallowing a failure must be an explicit decision, never a
// default.
func SeverityOf(err error) Severity {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity
	}
	return SeverityFatal
}

// CodeOf reports the error code of an error, or CodeUnknown for
// unclassified errors.
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// IsAbsorbed reports whether the error is absorbed by policy.
func IsAbsorbed(err error) bool {
	return err != nil && SeverityOf(err) == SeverityAbsorbed
}

// IsTerminal reports whether the error is a deploy-boundary failure.
func IsTerminal(err error) bool {
	return err != nil && SeverityOf(err) == SeverityTerminal
}
