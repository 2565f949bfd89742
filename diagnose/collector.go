// Package diagnose collects best-effort cluster diagnostics after a
// stage failure: an ordered, fixed list of read-only inspection
// commands whose individual failures never abort collection.
package diagnose

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/conveyorcd/conveyor/executor"
)

// DefaultTailLines bounds the pod log tail.
const DefaultTailLines = 100

// Block is one labeled chunk of diagnostic output. Unavailable is set
// when the underlying command failed; Body then carries the reason.
type Block struct {
	Label       string
	Body        string
	Unavailable bool
}

// String renders the block for the failure report.
func (b Block) String() string {
	if b.Unavailable {
		return fmt.Sprintf("=== %s ===\ndiagnostic unavailable: %s", b.Label, b.Body)
	}
	return fmt.Sprintf("=== %s ===\n%s", b.Label, b.Body)
}

// Runner executes one kubectl invocation. Tests substitute a fake.
type Runner func(ctx context.Context, args []string) (*executor.Result, error)

// Collector gathers diagnostics with read-only kubectl commands.
type Collector struct {
	run       Runner
	tailLines int
	logger    *slog.Logger
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithRunner overrides kubectl execution for tests.
func WithRunner(run Runner) CollectorOption {
	return func(c *Collector) {
		c.run = run
	}
}

// WithTailLines bounds the pod log tail.
func WithTailLines(n int) CollectorOption {
	return func(c *Collector) {
		c.tailLines = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// New creates a Collector. Without an injected runner it shells out to
// kubectl found on PATH.
func New(opts ...CollectorOption) *Collector {
	c := &Collector{
		tailLines: DefaultTailLines,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.run == nil {
		kubectl := executor.NewWrapped("kubectl")
		c.run = func(ctx context.Context, args []string) (*executor.Result, error) {
			return kubectl.Execute(ctx, args)
		}
	}
	return c
}

// Collect runs the fixed inspection sequence for the deployment and
// returns one block per command, in order. A failing command yields an
// unavailable block and collection continues; the output never
// influences the run status.
func (c *Collector) Collect(ctx context.Context, name, selector, namespace string) []Block {
	commands := []struct {
		label string
		args  []string
	}{
		{
			label: "cluster status",
			args:  []string{"get", "pods", "-n", namespace, "-l", selector, "-o", "wide"},
		},
		{
			label: "deployment description",
			args:  []string{"describe", "deployment", name, "-n", namespace},
		},
		{
			label: "pod logs",
			args: []string{"logs", "-n", namespace, "-l", selector,
				"--tail", strconv.Itoa(c.tailLines), "--prefix"},
		},
		{
			label: "recent events",
			args: []string{"get", "events", "-n", namespace,
				"--sort-by", ".lastTimestamp"},
		},
	}

	blocks := make([]Block, 0, len(commands))
	for _, cmd := range commands {
		blocks = append(blocks, c.collectOne(ctx, cmd.label, cmd.args))
	}
	return blocks
}

func (c *Collector) collectOne(ctx context.Context, label string, args []string) Block {
	result, err := c.run(ctx, args)
	if err != nil {
		reason := err.Error()
		if result != nil && strings.TrimSpace(result.Stderr) != "" {
			reason = strings.TrimSpace(result.Stderr)
		}
		c.logger.Warn("diagnostic command failed", "label", label, "reason", reason)
		return Block{Label: label, Body: reason, Unavailable: true}
	}
	return Block{Label: label, Body: strings.TrimRight(result.Stdout, "\n")}
}

// Report joins blocks into the failure report emitted after the
// failing stage's own error output.
func Report(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
