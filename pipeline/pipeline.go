// Package pipeline executes ordered delivery stages inside scoped
// execution contexts, with unconditional post-hooks and abort
// propagation. Stages run strictly sequentially; a stage failure halts
// the remaining sequence and routes the run to the failure hook.
package pipeline

import (
	"context"
	"time"

	"github.com/conveyorcd/conveyor/checkout"
	"github.com/conveyorcd/conveyor/credential"
)

// Status is the final outcome of a run. It is the single source of
// truth read by post-hooks; nothing a hook does can change it.
type Status string

const (
	// StatusSuccess means every stage completed.
	StatusSuccess Status = "Success"

	// StatusFailure means a stage failed and the remaining sequence
	// was halted.
	StatusFailure Status = "Failure"

	// StatusAborted means an external cancellation halted the run.
	StatusAborted Status = "Aborted"
)

// Command is one shell command within a stage.
type Command struct {
	// Name labels the command in logs.
	Name string

	// Run is the shell line to execute.
	Run string

	// Absorbed marks the command's failure as ignorable by policy: it
	// is logged but does not fail the stage.
	Absorbed bool

	// Dir overrides the stage working directory for this command.
	Dir string

	// Env adds environment variables beyond the credential scope.
	Env map[string]string
}

// ExecutionContext describes the environment a stage runs in. The
// identity and image are declarations for the hosting agent; the
// volumes are run-owned paths every context mounting them sees with
// consistent content.
type ExecutionContext struct {
	// Identity names the environment class, such as "source-tooling",
	// "image-builder", or "cluster-client".
	Identity string

	// Image is the image or template the environment is instantiated
	// from. Empty means the host environment.
	Image string

	// Volumes are the run-owned directories mounted into the
	// environment.
	Volumes []string
}

// Stage is one ordered unit of pipeline work bound to one execution
// context. Commands run first, then Func if set.
type Stage struct {
	// Name labels the stage in logs and results.
	Name string

	// Context declares the execution environment for the stage.
	Context ExecutionContext

	// Bindings are materialized before the stage body runs and removed
	// on every exit path.
	Bindings []credential.Binding

	// Workdir is the default working directory for Commands.
	Workdir string

	// Commands run in order; the first non-absorbed failure fails the
	// stage.
	Commands []Command

	// Func is a programmatic stage body with access to the stage's
	// credential scope and the run record.
	Func func(ctx context.Context, scope *credential.Scope, run *Run) error
}

// StageResult records one stage attempt.
type StageResult struct {
	Name     string
	Err      error
	Output   string
	Started  time.Time
	Finished time.Time
	Skipped  bool
}

// Run is the root record of one pipeline execution.
type Run struct {
	// ID uniquely identifies this run; workspace and cache roots are
	// derived from it so concurrent runs never share volumes.
	ID string

	// Number is the monotonic run number used as the image tag.
	Number int

	// Pipeline is the pipeline name from configuration.
	Pipeline string

	// Commit describes the checked-out head, filled by the checkout
	// stage.
	Commit checkout.Commit

	// Image is the pushed image reference, filled by the build stage
	// and consumed by the deploy stage.
	Image string

	Status   Status
	Stages   []StageResult
	Started  time.Time
	Finished time.Time
}

// Failed returns the result of the failing stage, or nil.
func (r *Run) Failed() *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Err != nil && !r.Stages[i].Skipped {
			return &r.Stages[i]
		}
	}
	return nil
}

// Hook is one post-run action, such as cache purge or diagnostics
// collection.
type Hook struct {
	Name string
	Fn   func(ctx context.Context, run *Run) error
}

// Hooks are executed after the stage sequence: Always runs
// unconditionally first, then exactly one of Success or Failure based
// on the final Status (Aborted routes to Failure). Hook errors are
// logged and never change the recorded Status.
type Hooks struct {
	Always  []Hook
	Success []Hook
	Failure []Hook
}
