// Package builder coordinates the image build daemon for the build
// stage: it starts the daemon in the background, waits for its control
// endpoint to accept connections, and issues a single build-and-push
// request wired to the run's build cache.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/executor"
	"github.com/conveyorcd/conveyor/registry"
)

const (
	defaultDaemonProgram = "buildkitd"
	defaultBuildProgram  = "buildctl"
	defaultReadyTimeout  = 30 * time.Second
	defaultPollInitial   = 100 * time.Millisecond
	defaultPollMax       = 2 * time.Second
	defaultStopGrace     = 5 * time.Second
)

// Request describes one build-and-push operation.
type Request struct {
	// SourceDir is the checked-out source tree containing the build recipe.
	SourceDir string

	// Image is the push target, tagged with the run identifier.
	Image registry.Reference

	// Credentials holds registry authentication material. It is passed
	// to the build command's environment opaquely and never logged.
	Credentials map[string]string

	// CacheDir is supplied to the builder as both cache import source
	// and cache export destination.
	CacheDir string
}

// Validate checks the request for required fields.
func (r Request) Validate() error {
	if r.SourceDir == "" {
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, "build request missing source directory")
	}
	if r.CacheDir == "" {
		return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, "build request missing cache directory")
	}
	return r.Image.Validate()
}

// DaemonStarter launches the builder daemon in the background and
// returns a stop function. Injected by tests.
type DaemonStarter func(ctx context.Context) (stop func() error, err error)

// ReadyProbe reports whether the daemon control endpoint is reachable.
type ReadyProbe func(ctx context.Context, addr string) error

// Runner issues the build command. executor.Command satisfies it.
type Runner func(ctx context.Context, program string, args []string, env map[string]string) (*executor.Result, error)

// Options configures a Coordinator.
type Options struct {
	// DaemonProgram and DaemonArgs launch the builder daemon.
	DaemonProgram string
	DaemonArgs    []string

	// Addr is the daemon control endpoint, unix:///path or tcp://host:port.
	Addr string

	// BuildProgram issues build requests against the daemon.
	BuildProgram string

	// ReadyTimeout bounds the readiness wait. Exceeding it fails the
	// stage; the build is never silently skipped.
	ReadyTimeout time.Duration

	// PollInitial and PollMax bound the backoff between readiness probes.
	PollInitial time.Duration
	PollMax     time.Duration

	Logger *slog.Logger

	// Starter, Probe, and Run override process management for tests.
	Starter DaemonStarter
	Probe   ReadyProbe
	Run     Runner
}

// Option configures Options.
type Option func(*Options)

// WithDaemon sets the daemon program, arguments, and control endpoint.
func WithDaemon(program string, args []string, addr string) Option {
	return func(o *Options) {
		o.DaemonProgram = program
		o.DaemonArgs = args
		o.Addr = addr
	}
}

// WithBuildProgram sets the build client program.
func WithBuildProgram(program string) Option {
	return func(o *Options) {
		o.BuildProgram = program
	}
}

// WithReadyTimeout bounds the daemon readiness wait.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ReadyTimeout = d
	}
}

// WithPollInterval sets the initial and maximum backoff between
// readiness probes.
func WithPollInterval(initial, max time.Duration) Option {
	return func(o *Options) {
		o.PollInitial = initial
		o.PollMax = max
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithStarter overrides daemon startup for tests.
func WithStarter(fn DaemonStarter) Option {
	return func(o *Options) {
		o.Starter = fn
	}
}

// WithProbe overrides the readiness probe for tests.
func WithProbe(fn ReadyProbe) Option {
	return func(o *Options) {
		o.Probe = fn
	}
}

// WithRunner overrides build command execution for tests.
func WithRunner(fn Runner) Option {
	return func(o *Options) {
		o.Run = fn
	}
}

// Coordinator manages the builder daemon lifecycle and issues build
// requests against it.
type Coordinator struct {
	opts Options
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	options := Options{
		DaemonProgram: defaultDaemonProgram,
		BuildProgram:  defaultBuildProgram,
		Addr:          "unix://" + filepath.Join(os.TempDir(), "conveyor-buildkitd.sock"),
		ReadyTimeout:  defaultReadyTimeout,
		PollInitial:   defaultPollInitial,
		PollMax:       defaultPollMax,
		Logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	c := &Coordinator{opts: options}
	if c.opts.Starter == nil {
		c.opts.Starter = c.startDaemonProcess
	}
	if c.opts.Probe == nil {
		c.opts.Probe = dialProbe
	}
	if c.opts.Run == nil {
		c.opts.Run = runCommand
	}
	return c
}

// BuildAndPush starts the daemon, waits for readiness, and issues one
// build-and-push request. The daemon is stopped on every exit path.
// Build, push, and authentication failures surface the builder's own
// error text; they are never retried here.
func (c *Coordinator) BuildAndPush(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	stop, err := c.opts.Starter(ctx)
	if err != nil {
		return cerrors.Wrap(err, cerrors.CodeBuilderUnavailable, cerrors.SeverityFatal,
			"starting builder daemon")
	}
	defer func() {
		if stopErr := stop(); stopErr != nil {
			c.opts.Logger.Warn("builder daemon stop failed", "error", stopErr)
		}
	}()

	if err := c.waitReady(ctx); err != nil {
		return err
	}

	args := c.buildArgs(req)
	c.opts.Logger.Info("issuing build request",
		"image", req.Image.String(),
		"source", req.SourceDir,
		"cache", req.CacheDir)

	result, err := c.opts.Run(ctx, c.opts.BuildProgram, args, req.Credentials)
	if err != nil {
		detail := err.Error()
		if result != nil && strings.TrimSpace(result.Stderr) != "" {
			detail = strings.TrimSpace(result.Stderr)
		}
		return cerrors.Wrap(err, cerrors.CodeBuildFailed, cerrors.SeverityFatal,
			fmt.Sprintf("build-and-push of %s failed: %s", req.Image.String(), detail))
	}
	return nil
}

// waitReady polls the daemon endpoint with exponential backoff until
// it is reachable or the hard deadline passes.
func (c *Coordinator) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.ReadyTimeout)
	interval := c.opts.PollInitial

	var lastErr error
	for attempt := 1; ; attempt++ {
		probeCtx, cancel := context.WithDeadline(ctx, deadline)
		lastErr = c.opts.Probe(probeCtx, c.opts.Addr)
		cancel()
		if lastErr == nil {
			c.opts.Logger.Debug("builder daemon ready", "addr", c.opts.Addr, "attempts", attempt)
			return nil
		}

		if ctx.Err() != nil {
			return cerrors.Wrap(ctx.Err(), cerrors.CodeAborted, cerrors.SeverityFatal,
				"readiness wait cancelled")
		}
		if time.Now().Add(interval).After(deadline) {
			return cerrors.Wrap(lastErr, cerrors.CodeBuilderUnavailable, cerrors.SeverityFatal,
				fmt.Sprintf("builder unavailable: endpoint %s not ready within %s", c.opts.Addr, c.opts.ReadyTimeout))
		}

		select {
		case <-ctx.Done():
			return cerrors.Wrap(ctx.Err(), cerrors.CodeAborted, cerrors.SeverityFatal,
				"readiness wait cancelled")
		case <-time.After(interval):
		}

		interval *= 2
		if interval > c.opts.PollMax {
			interval = c.opts.PollMax
		}
	}
}

// buildArgs assembles the build client arguments. Credentials are not
// part of the argument list; they travel through the environment.
func (c *Coordinator) buildArgs(req Request) []string {
	return []string{
		"--addr", c.opts.Addr,
		"build",
		"--frontend", "dockerfile.v0",
		"--local", "context=" + req.SourceDir,
		"--local", "dockerfile=" + req.SourceDir,
		"--output", fmt.Sprintf("type=image,name=%s,push=true", req.Image.String()),
		"--import-cache", "type=local,src=" + req.CacheDir,
		"--export-cache", "type=local,dest=" + req.CacheDir + ",mode=max",
	}
}

// startDaemonProcess launches the real daemon in its own process group
// and returns a stop function that terminates the group.
func (c *Coordinator) startDaemonProcess(ctx context.Context) (func() error, error) {
	cmd := exec.CommandContext(ctx, c.opts.DaemonProgram, append([]string{"--addr", c.opts.Addr}, c.opts.DaemonArgs...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.opts.DaemonProgram, err)
	}
	c.opts.Logger.Info("builder daemon started", "program", c.opts.DaemonProgram, "pid", cmd.Process.Pid)

	// Reap the process so it does not linger as a zombie.
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	stop := func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return nil
		}
		select {
		case <-waitDone:
			return nil
		case <-time.After(defaultStopGrace):
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			<-waitDone
			return nil
		}
	}
	return stop, nil
}

// dialProbe checks reachability of a unix:// or tcp:// endpoint.
func dialProbe(ctx context.Context, addr string) error {
	network, address, err := splitAddr(addr)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func splitAddr(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	default:
		return "", "", fmt.Errorf("unsupported builder address %q", addr)
	}
}

// runCommand executes the build client with credentials injected into
// its environment only.
func runCommand(ctx context.Context, program string, args []string, env map[string]string) (*executor.Result, error) {
	return executor.New(program, args...).Execute(ctx,
		executor.WithCapture(true, true, false),
		executor.WithEnv(env),
	)
}
