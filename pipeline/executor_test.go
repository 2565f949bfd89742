package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorcd/conveyor/credential"
	"github.com/conveyorcd/conveyor/credential/providers/memory"
	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/executor"
)

// recordingRunner captures every command execution with start/end
// timestamps so tests can assert ordering.
type recordingRunner struct {
	mu      sync.Mutex
	events  []commandEvent
	failOn  map[string]string // command name -> stderr
	blockOn string            // command name that waits for ctx cancel
}

type commandEvent struct {
	name    string
	env     map[string]string
	started time.Time
	ended   time.Time
}

func (r *recordingRunner) run(ctx context.Context, cmd Command, env map[string]string) (*executor.Result, error) {
	started := time.Now()
	if cmd.Name == r.blockOn {
		<-ctx.Done()
		return &executor.Result{ExitCode: -1}, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	// A small sleep keeps start/end timestamps strictly ordered.
	time.Sleep(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, commandEvent{name: cmd.Name, env: env, started: started, ended: time.Now()})

	if stderr, ok := r.failOn[cmd.Name]; ok {
		return &executor.Result{ExitCode: 1, Combined: stderr},
			errors.New("command execution failed: exit status 1")
	}
	return &executor.Result{ExitCode: 0}, nil
}

func (r *recordingRunner) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.name)
	}
	return names
}

func newRun() *Run {
	return &Run{ID: "run-42", Number: 42, Pipeline: "web"}
}

func stageOf(commands ...Command) Stage {
	return Stage{Name: "stage-" + commands[0].Name, Commands: commands}
}

func TestStagesRunSequentially(t *testing.T) {
	runner := &recordingRunner{}
	e := NewExecutor(WithCommandRunner(runner.run))

	stages := []Stage{
		stageOf(Command{Name: "a1"}, Command{Name: "a2"}),
		stageOf(Command{Name: "b1"}),
		stageOf(Command{Name: "c1"}),
	}

	run := e.Execute(context.Background(), newRun(), stages, Hooks{})
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, []string{"a1", "a2", "b1", "c1"}, runner.names())

	// No command starts before its predecessor has fully completed.
	for i := 1; i < len(runner.events); i++ {
		assert.False(t, runner.events[i].started.Before(runner.events[i-1].ended),
			"command %q started before %q ended", runner.events[i].name, runner.events[i-1].name)
	}

	// Stage results carry completion ordering too.
	require.Len(t, run.Stages, 3)
	for i := 1; i < len(run.Stages); i++ {
		assert.False(t, run.Stages[i].Started.Before(run.Stages[i-1].Finished))
	}
}

func TestStageFailureHaltsSequence(t *testing.T) {
	runner := &recordingRunner{failOn: map[string]string{"b1": "boom"}}
	e := NewExecutor(WithCommandRunner(runner.run), WithOutput(&bytes.Buffer{}))

	stages := []Stage{
		stageOf(Command{Name: "a1"}),
		stageOf(Command{Name: "b1"}),
		stageOf(Command{Name: "c1"}),
	}

	run := e.Execute(context.Background(), newRun(), stages, Hooks{})
	assert.Equal(t, StatusFailure, run.Status)
	assert.Equal(t, []string{"a1", "b1"}, runner.names(), "no stage after the failure may execute")

	require.Len(t, run.Stages, 3)
	assert.NoError(t, run.Stages[0].Err)
	assert.Error(t, run.Stages[1].Err)
	assert.True(t, run.Stages[2].Skipped)
	assert.Equal(t, cerrors.CodeCommandFailed, cerrors.CodeOf(run.Stages[1].Err))
}

func TestAbsorbedCommandFailureDoesNotFailStage(t *testing.T) {
	runner := &recordingRunner{failOn: map[string]string{"test": "1 test failed"}}
	e := NewExecutor(WithCommandRunner(runner.run))

	stages := []Stage{
		stageOf(Command{Name: "install"}, Command{Name: "test", Absorbed: true}, Command{Name: "lint"}),
	}

	run := e.Execute(context.Background(), newRun(), stages, Hooks{})
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, []string{"install", "test", "lint"}, runner.names(),
		"commands after an absorbed failure still run")
}

func TestAlwaysHookRunsExactlyOncePerOutcome(t *testing.T) {
	outcomes := []struct {
		name   string
		setup  func(*recordingRunner) (context.Context, context.CancelFunc)
		status Status
	}{
		{
			name:   "success",
			setup:  func(r *recordingRunner) (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			status: StatusSuccess,
		},
		{
			name: "failure",
			setup: func(r *recordingRunner) (context.Context, context.CancelFunc) {
				r.failOn = map[string]string{"b1": "boom"}
				return context.WithCancel(context.Background())
			},
			status: StatusFailure,
		},
		{
			name: "aborted",
			setup: func(r *recordingRunner) (context.Context, context.CancelFunc) {
				r.blockOn = "b1"
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					time.Sleep(20 * time.Millisecond)
					cancel()
				}()
				return ctx, cancel
			},
			status: StatusAborted,
		},
	}

	for _, tc := range outcomes {
		t.Run(tc.name, func(t *testing.T) {
			runner := &recordingRunner{}
			ctx, cancel := tc.setup(runner)
			defer cancel()

			var alwaysCalls, successCalls, failureCalls int
			var alwaysAfterStages bool
			e := NewExecutor(WithCommandRunner(runner.run), WithOutput(&bytes.Buffer{}))

			stages := []Stage{
				stageOf(Command{Name: "a1"}),
				stageOf(Command{Name: "b1"}),
			}
			hooks := Hooks{
				Always: []Hook{{Name: "always", Fn: func(ctx context.Context, run *Run) error {
					alwaysCalls++
					alwaysAfterStages = len(run.Stages) == len(stages)
					return nil
				}}},
				Success: []Hook{{Name: "success", Fn: func(context.Context, *Run) error {
					successCalls++
					return nil
				}}},
				Failure: []Hook{{Name: "failure", Fn: func(context.Context, *Run) error {
					failureCalls++
					return nil
				}}},
			}

			run := e.Execute(ctx, newRun(), stages, hooks)
			assert.Equal(t, tc.status, run.Status)
			assert.Equal(t, 1, alwaysCalls, "always hook must run exactly once")
			assert.True(t, alwaysAfterStages, "always hook must run after the last stage attempt")

			if tc.status == StatusSuccess {
				assert.Equal(t, 1, successCalls)
				assert.Equal(t, 0, failureCalls)
			} else {
				assert.Equal(t, 0, successCalls)
				assert.Equal(t, 1, failureCalls)
			}
		})
	}
}

func TestHookFailureDoesNotFlipStatus(t *testing.T) {
	runner := &recordingRunner{}
	e := NewExecutor(WithCommandRunner(runner.run))

	hooks := Hooks{
		Always: []Hook{{Name: "purge", Fn: func(context.Context, *Run) error {
			return errors.New("purge failed")
		}}},
		Success: []Hook{{Name: "notify", Fn: func(context.Context, *Run) error {
			return errors.New("notify failed")
		}}},
	}

	run := e.Execute(context.Background(), newRun(), []Stage{stageOf(Command{Name: "a1"})}, hooks)
	assert.Equal(t, StatusSuccess, run.Status, "hook failures are logged, never recorded in status")
}

func TestAbortHaltsCurrentStageAndSkipsRest(t *testing.T) {
	runner := &recordingRunner{blockOn: "long"}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var purged bool
	e := NewExecutor(WithCommandRunner(runner.run), WithOutput(&bytes.Buffer{}))
	stages := []Stage{
		stageOf(Command{Name: "long"}),
		stageOf(Command{Name: "never"}),
	}
	hooks := Hooks{
		Always: []Hook{{Name: "purge", Fn: func(context.Context, *Run) error {
			purged = true
			return nil
		}}},
	}

	run := e.Execute(ctx, newRun(), stages, hooks)
	assert.Equal(t, StatusAborted, run.Status)
	assert.NotContains(t, runner.names(), "never")
	assert.True(t, purged, "cache purge must still run on abort")
	assert.Equal(t, cerrors.CodeAborted, cerrors.CodeOf(run.Stages[0].Err))
}

// On failure the report carries the failing stage's raw output first,
// then whatever the failure hooks append.
func TestFailureOutputOrdering(t *testing.T) {
	runner := &recordingRunner{failOn: map[string]string{"build": "npm ERR! build broke"}}
	var out bytes.Buffer
	e := NewExecutor(WithCommandRunner(runner.run), WithOutput(&out))

	hooks := Hooks{
		Failure: []Hook{{Name: "diagnostics", Fn: func(context.Context, *Run) error {
			fmt.Fprintln(&out, "=== cluster status ===")
			return nil
		}}},
	}

	run := e.Execute(context.Background(), newRun(), []Stage{stageOf(Command{Name: "build"})}, hooks)
	require.Equal(t, StatusFailure, run.Status)

	report := out.String()
	assert.Contains(t, report, "npm ERR! build broke")
	assert.Contains(t, report, "=== cluster status ===")
	assert.Less(t,
		strings.Index(report, "npm ERR!"),
		strings.Index(report, "=== cluster status ==="),
		"stage error output must precede diagnostics")
}

func TestStageScopeEnvReachesCommands(t *testing.T) {
	provider := memory.New()
	require.NoError(t, provider.Store(context.Background(),
		credential.Ref{Path: "registry/login"},
		[]byte(`{"username":"ci","password":"hunter2"}`)))
	manager := credential.NewManager()
	require.NoError(t, manager.Register(provider))

	runner := &recordingRunner{}
	e := NewExecutor(WithCommandRunner(runner.run), WithCredentialManager(manager))

	stages := []Stage{{
		Name: "push",
		Bindings: []credential.Binding{{
			Name:        "registry-login",
			Kind:        credential.KindEnv,
			Ref:         credential.Ref{Path: "registry/login"},
			UsernameVar: "REGISTRY_USER",
			PasswordVar: "REGISTRY_PASS",
		}},
		Commands: []Command{{Name: "login"}},
	}}

	run := e.Execute(context.Background(), newRun(), stages, Hooks{})
	require.Equal(t, StatusSuccess, run.Status)
	require.Len(t, runner.events, 1)
	assert.Equal(t, "ci", runner.events[0].env["REGISTRY_USER"])
	assert.Equal(t, "hunter2", runner.events[0].env["REGISTRY_PASS"])
}

func TestStageFuncFailurePropagates(t *testing.T) {
	e := NewExecutor(WithOutput(&bytes.Buffer{}))

	stages := []Stage{{
		Name: "deploy",
		Func: func(ctx context.Context, scope *credential.Scope, run *Run) error {
			return cerrors.New(cerrors.CodeRolloutTimeout, cerrors.SeverityTerminal, "not converged")
		},
	}}

	run := e.Execute(context.Background(), newRun(), stages, Hooks{})
	assert.Equal(t, StatusFailure, run.Status)
	assert.True(t, cerrors.IsTerminal(run.Stages[0].Err))
}
