package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/conveyorcd/conveyor/credential"
	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/executor"
)

// CommandRunner executes one stage command with the merged
// environment. Tests substitute a recording fake.
type CommandRunner func(ctx context.Context, cmd Command, env map[string]string) (*executor.Result, error)

// Executor runs stage sequences.
type Executor struct {
	manager    *credential.Manager
	runCommand CommandRunner
	logger     *slog.Logger
	out        io.Writer
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCredentialManager supplies the provider registry backing stage
// bindings.
func WithCredentialManager(m *credential.Manager) ExecutorOption {
	return func(e *Executor) {
		e.manager = m
	}
}

// WithCommandRunner overrides command execution for tests.
func WithCommandRunner(run CommandRunner) ExecutorOption {
	return func(e *Executor) {
		e.runCommand = run
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithOutput sets the writer receiving the failure report.
func WithOutput(w io.Writer) ExecutorOption {
	return func(e *Executor) {
		e.out = w
	}
}

// NewExecutor creates an Executor. Without an injected runner,
// commands execute through sh with combined output captured and
// streamed to the console.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		manager: credential.NewManager(),
		logger:  slog.Default(),
		out:     os.Stdout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runCommand == nil {
		e.runCommand = defaultCommandRunner
	}
	return e
}

func defaultCommandRunner(ctx context.Context, cmd Command, env map[string]string) (*executor.Result, error) {
	return executor.Shell(cmd.Run).Execute(ctx,
		executor.WithCapture(false, false, true),
		executor.WithConsoleRedirect(true),
		executor.WithWorkingDir(cmd.Dir),
		executor.WithEnv(env),
	)
}

// Execute runs the stages strictly in declaration order, then the
// post-hooks. A stage does not start until its predecessor has fully
// completed; a stage failure halts the remaining sequence. The
// returned Run carries the final Status; hooks have already observed
// it and cannot have changed it.
func (e *Executor) Execute(ctx context.Context, run *Run, stages []Stage, hooks Hooks) *Run {
	run.Started = e.now()
	run.Status = StatusSuccess

	e.logger.Info("run starting", "pipeline", run.Pipeline, "run", run.ID, "number", run.Number)

	for i, stage := range stages {
		if ctx.Err() != nil {
			run.Status = StatusAborted
			e.markSkipped(run, stages[i:])
			break
		}

		result := e.runStage(ctx, stage, run)
		run.Stages = append(run.Stages, result)

		if result.Err != nil {
			if ctx.Err() != nil {
				run.Status = StatusAborted
			} else {
				run.Status = StatusFailure
			}
			e.markSkipped(run, stages[i+1:])
			break
		}
	}

	// On failure the failing stage's raw output is emitted first; the
	// failure hooks append diagnostics after it.
	if run.Status == StatusFailure {
		if failed := run.Failed(); failed != nil {
			fmt.Fprintf(e.out, "stage %q failed: %v\n", failed.Name, failed.Err)
			if failed.Output != "" {
				fmt.Fprintln(e.out, strings.TrimRight(failed.Output, "\n"))
			}
		}
	}

	// Hooks run even when the run context is already cancelled: an
	// abort must still purge the cache before the run is recorded.
	hookCtx := context.WithoutCancel(ctx)
	e.runHooks(hookCtx, run, hooks.Always, "always")
	if run.Status == StatusSuccess {
		e.runHooks(hookCtx, run, hooks.Success, "success")
	} else {
		e.runHooks(hookCtx, run, hooks.Failure, "failure")
	}

	run.Finished = e.now()
	e.logger.Info("run finished",
		"pipeline", run.Pipeline,
		"run", run.ID,
		"status", string(run.Status),
		"duration", run.Finished.Sub(run.Started))
	return run
}

func (e *Executor) markSkipped(run *Run, remaining []Stage) {
	for _, stage := range remaining {
		run.Stages = append(run.Stages, StageResult{Name: stage.Name, Skipped: true})
	}
}

func (e *Executor) runStage(ctx context.Context, stage Stage, run *Run) StageResult {
	result := StageResult{Name: stage.Name, Started: e.now()}
	e.logger.Info("stage starting", "stage", stage.Name, "context", stage.Context.Identity)

	err := credential.WithScope(ctx, e.manager, stage.Bindings, func(ctx context.Context, scope *credential.Scope) error {
		for _, cmd := range stage.Commands {
			if ctx.Err() != nil {
				return cerrors.Wrap(ctx.Err(), cerrors.CodeAborted, cerrors.SeverityFatal,
					fmt.Sprintf("stage %q aborted", stage.Name))
			}
			if err := e.runOneCommand(ctx, stage, cmd, scope, &result); err != nil {
				return err
			}
		}
		if stage.Func != nil {
			return stage.Func(ctx, scope, run)
		}
		return nil
	})

	result.Err = err
	result.Finished = e.now()
	if err != nil {
		e.logger.Error("stage failed", "stage", stage.Name, "error", err)
	} else {
		e.logger.Info("stage completed", "stage", stage.Name, "duration", result.Finished.Sub(result.Started))
	}
	return result
}

func (e *Executor) runOneCommand(ctx context.Context, stage Stage, cmd Command, scope *credential.Scope, result *StageResult) error {
	name := cmd.Name
	if name == "" {
		name = cmd.Run
	}

	if cmd.Dir == "" {
		cmd.Dir = stage.Workdir
	}
	env := scope.Env()
	for k, v := range cmd.Env {
		env[k] = v
	}

	e.logger.Info("command starting", "stage", stage.Name, "command", name)
	res, err := e.runCommand(ctx, cmd, env)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return cerrors.Wrap(err, cerrors.CodeAborted, cerrors.SeverityFatal,
			fmt.Sprintf("command %q aborted", name))
	}

	if cmd.Absorbed {
		e.logger.Warn("command failed, absorbed by policy",
			"stage", stage.Name, "command", name, "error", err)
		return nil
	}

	if res != nil {
		result.Output = res.Combined
		if result.Output == "" {
			result.Output = res.Stderr
		}
	}
	return cerrors.Wrap(err, cerrors.CodeCommandFailed, cerrors.SeverityFatal,
		fmt.Sprintf("command %q in stage %q failed", name, stage.Name))
}

func (e *Executor) runHooks(ctx context.Context, run *Run, hooks []Hook, kind string) {
	for _, hook := range hooks {
		e.logger.Info("hook starting", "kind", kind, "hook", hook.Name)
		if err := hook.Fn(ctx, run); err != nil {
			// Hook failure never flips the recorded status.
			e.logger.Error("hook failed", "kind", kind, "hook", hook.Name, "error", err)
		}
	}
}
