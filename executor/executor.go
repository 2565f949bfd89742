// Package executor runs external commands for pipeline stages with
// output capture, environment injection, working-directory control,
// and context-based cancellation. Cancelled commands are killed as a
// whole process group so children cannot outlive their stage.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result holds the output and exit status from a command execution.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Err      error
}

// Executor defines the interface for command execution. The pipeline
// depends on this interface so tests can substitute a recording fake.
type Executor interface {
	// Execute runs a command with the given options.
	Execute(ctx context.Context, opts ...Option) (*Result, error)

	// ExecuteWithInput runs a command with stdin input.
	ExecuteWithInput(ctx context.Context, input string, opts ...Option) (*Result, error)
}

// Options configures command execution behavior.
type Options struct {
	// Output handling.
	CaptureStdout     bool
	CaptureStderr     bool
	CaptureCombined   bool
	RedirectToConsole bool

	// Working directory for the command.
	WorkingDir string

	// Environment variables appended to the current process env.
	Env map[string]string

	// GracePeriod controls termination on cancellation: zero sends
	// SIGKILL to the process group immediately; a positive value sends
	// SIGTERM first and escalates to SIGKILL after the period elapses.
	GracePeriod time.Duration

	// Custom stdout/stderr writers for streaming consumers.
	StdoutWriter io.Writer
	StderrWriter io.Writer
}

// Option is a function that modifies Options.
type Option func(*Options)

// DefaultOptions returns default execution options.
func DefaultOptions() *Options {
	return &Options{
		CaptureStdout: true,
		CaptureStderr: true,
		Env:           make(map[string]string),
	}
}

// Command executes a single program with arguments.
type Command struct {
	program string
	args    []string
	options *Options
}

// New creates a Command for the given program and arguments.
func New(program string, args ...string) *Command {
	return &Command{
		program: program,
		args:    args,
		options: DefaultOptions(),
	}
}

// Shell creates a Command that runs the given string via `sh -c`. The
// shell is resolved from PATH, not hardcoded, so the command works in
// minimal execution contexts where /bin may not exist.
func Shell(command string) *Command {
	return New("sh", "-c", command)
}

// Wrapped provides a namespaced executor for one program, used for
// repeated invocations of the same tool (kubectl, buildctl).
type Wrapped struct {
	program string
	options *Options
}

// NewWrapped creates an executor bound to a specific program.
func NewWrapped(program string) *Wrapped {
	return &Wrapped{
		program: program,
		options: DefaultOptions(),
	}
}

// Command creates a Command for the wrapped program with the given arguments.
func (w *Wrapped) Command(args ...string) *Command {
	return &Command{
		program: w.program,
		args:    args,
		options: w.options,
	}
}

// Execute runs the wrapped program with the given arguments.
func (w *Wrapped) Execute(ctx context.Context, args []string, opts ...Option) (*Result, error) {
	result, err := w.Command(args...).Execute(ctx, opts...)
	if err != nil {
		return result, fmt.Errorf("%s %s: %w", w.program, strings.Join(args, " "), err)
	}
	return result, nil
}

// Execute implements the Executor interface.
func (c *Command) Execute(ctx context.Context, opts ...Option) (*Result, error) {
	return c.ExecuteWithInput(ctx, "", opts...)
}

// ExecuteWithInput implements the Executor interface with stdin support.
func (c *Command) ExecuteWithInput(ctx context.Context, input string, opts ...Option) (*Result, error) {
	options := c.mergeOptions(opts...)

	cmd := exec.CommandContext(ctx, c.program, c.args...)
	c.setupCommand(cmd, input, options)
	stdoutBuf, stderrBuf, combinedBuf := c.setupOutputCapture(cmd, options)

	err := cmd.Run()
	result := c.createResult(stdoutBuf, stderrBuf, combinedBuf, err)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("command cancelled: %w", ctxErr)
		}
		return result, fmt.Errorf("command execution failed: %w", err)
	}
	return result, nil
}

// setupCommand configures working directory, environment, stdin, and
// process-group termination on the exec.Cmd.
func (c *Command) setupCommand(cmd *exec.Cmd, input string, options *Options) {
	if options.WorkingDir != "" {
		cmd.Dir = options.WorkingDir
	}

	if len(options.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range options.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	// Run the command in its own process group so cancellation reaches
	// the whole tree. Without Setpgid only the direct child receives
	// the signal; grandchildren survive holding the inherited output
	// descriptors and block the stage from finishing.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	gracePeriod := options.GracePeriod
	if gracePeriod > 0 {
		cmd.Cancel = func() error {
			processGroupID := -cmd.Process.Pid
			if err := syscall.Kill(processGroupID, syscall.SIGTERM); err != nil {
				// Process group already gone or unsignalable; escalate.
				return syscall.Kill(processGroupID, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(gracePeriod)
				// ESRCH from an already-dead group is harmless.
				_ = syscall.Kill(processGroupID, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}

// setupOutputCapture wires stdout and stderr into capture buffers,
// console passthrough, and any custom writers.
func (c *Command) setupOutputCapture(cmd *exec.Cmd, options *Options) (*bytes.Buffer, *bytes.Buffer, *bytes.Buffer) {
	var stdoutBuf, stderrBuf, combinedBuf bytes.Buffer

	stdoutWriters := []io.Writer{}
	if options.CaptureCombined {
		stdoutWriters = append(stdoutWriters, &combinedBuf)
	} else if options.CaptureStdout {
		stdoutWriters = append(stdoutWriters, &stdoutBuf)
	}
	if options.RedirectToConsole {
		stdoutWriters = append(stdoutWriters, os.Stdout)
	}
	if options.StdoutWriter != nil {
		stdoutWriters = append(stdoutWriters, options.StdoutWriter)
	}
	if len(stdoutWriters) > 0 {
		cmd.Stdout = io.MultiWriter(stdoutWriters...)
	}

	stderrWriters := []io.Writer{}
	if options.CaptureCombined {
		stderrWriters = append(stderrWriters, &combinedBuf)
	} else if options.CaptureStderr {
		stderrWriters = append(stderrWriters, &stderrBuf)
	}
	if options.RedirectToConsole {
		stderrWriters = append(stderrWriters, os.Stderr)
	}
	if options.StderrWriter != nil {
		stderrWriters = append(stderrWriters, options.StderrWriter)
	}
	if len(stderrWriters) > 0 {
		cmd.Stderr = io.MultiWriter(stderrWriters...)
	}

	return &stdoutBuf, &stderrBuf, &combinedBuf
}

// createResult builds a Result from the capture buffers and run error.
func (c *Command) createResult(stdoutBuf, stderrBuf, combinedBuf *bytes.Buffer, err error) *Result {
	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Combined: combinedBuf.String(),
		Err:      err,
	}

	var exitErr *exec.ExitError
	switch {
	case err != nil && errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case err == nil:
		result.ExitCode = 0
	default:
		result.ExitCode = -1
	}

	return result
}

func (c *Command) mergeOptions(opts ...Option) *Options {
	merged := *c.options
	for _, opt := range opts {
		opt(&merged)
	}
	return &merged
}

// Option functions for fluent configuration.

// WithCapture configures output capture.
func WithCapture(stdout, stderr, combined bool) Option {
	return func(o *Options) {
		o.CaptureStdout = stdout
		o.CaptureStderr = stderr
		o.CaptureCombined = combined
	}
}

// WithConsoleRedirect enables or disables console passthrough.
func WithConsoleRedirect(redirect bool) Option {
	return func(o *Options) {
		o.RedirectToConsole = redirect
	}
}

// WithWorkingDir sets the working directory.
func WithWorkingDir(dir string) Option {
	return func(o *Options) {
		o.WorkingDir = dir
	}
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithEnvVar adds a single environment variable.
func WithEnvVar(key, value string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithGracePeriod sets the SIGTERM-to-SIGKILL escalation window used
// when the command is cancelled. Use for commands performing
// irreversible work that should get a chance to finish cleanly.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) {
		o.GracePeriod = d
	}
}

// WithStdoutWriter sets a custom stdout writer.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *Options) {
		o.StdoutWriter = w
	}
}

// WithStderrWriter sets a custom stderr writer.
func WithStderrWriter(w io.Writer) Option {
	return func(o *Options) {
		o.StderrWriter = w
	}
}
