// Package errors provides the error handling system for the conveyor
// pipeline orchestrator. It extends Go's standard error handling with
// structured error codes and the severity classification the executor
// uses to decide whether a failure halts the run, is absorbed by
// policy, or terminates the run at the deploy boundary.
package errors

// ErrorCode represents a specific error condition in the pipeline.
// Error codes are string-based for debuggability and natural JSON serialization.
type ErrorCode string

const (
	// Stage errors.

	// CodeCheckoutFailed indicates the source checkout could not complete.
	CodeCheckoutFailed ErrorCode = "CHECKOUT_FAILED"

	// CodeCommandFailed indicates a stage command exited non-zero.
	CodeCommandFailed ErrorCode = "COMMAND_FAILED"

	// CodeBuildFailed indicates the image build or push failed.
	CodeBuildFailed ErrorCode = "BUILD_FAILED"

	// CodeBuilderUnavailable indicates the builder daemon never became
	// reachable within its bounded readiness wait.
	CodeBuilderUnavailable ErrorCode = "BUILDER_UNAVAILABLE"

	// CodeTagConflict indicates the target image tag already exists and
	// the conflict policy forbids overwriting it.
	CodeTagConflict ErrorCode = "TAG_CONFLICT"

	// Deploy errors.

	// CodeApplyFailed indicates the desired-state document could not be
	// submitted to the cluster.
	CodeApplyFailed ErrorCode = "APPLY_FAILED"

	// CodeRolloutTimeout indicates the rollout did not converge within
	// the configured wait.
	CodeRolloutTimeout ErrorCode = "ROLLOUT_TIMEOUT"

	// CodeRolloutFailed indicates the cluster reported a terminal
	// failure condition for the rollout.
	CodeRolloutFailed ErrorCode = "ROLLOUT_FAILED"

	// Credential errors.

	// CodeCredentialUnresolved indicates a credential binding could not
	// be resolved from its provider.
	CodeCredentialUnresolved ErrorCode = "CREDENTIAL_UNRESOLVED"

	// CodeCredentialLeak indicates materialized secret state could not
	// be removed when its owning stage ended.
	CodeCredentialLeak ErrorCode = "CREDENTIAL_LEAK"

	// Configuration errors.

	// CodeInvalidConfig indicates a configuration error prevents the run.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIGURATION"

	// CodeInvalidPipeline indicates the pipeline definition failed validation.
	CodeInvalidPipeline ErrorCode = "INVALID_PIPELINE"

	// System errors.

	// CodeAborted indicates the run was cancelled externally.
	CodeAborted ErrorCode = "ABORTED"

	// CodeInternal indicates an internal error occurred.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeUnknown indicates an unknown or unclassified error occurred.
	CodeUnknown ErrorCode = "UNKNOWN"
)
