package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/executor"
)

// RolloutStatus is the outcome of a rollout wait.
type RolloutStatus string

const (
	// Converged means all desired replicas are ready and updated.
	Converged RolloutStatus = "Converged"

	// TimedOut means the wait deadline passed before convergence. The
	// process keeps running; the caller decides what to do with it.
	TimedOut RolloutStatus = "TimedOut"

	// Failed means the orchestrator reported a terminal failure
	// condition, such as a progress deadline exceeded by a crash loop.
	Failed RolloutStatus = "Failed"
)

// Observation is a point-in-time read of rollout progress. It is
// discarded once the poll loop exits.
type Observation struct {
	DesiredReplicas int
	ReadyReplicas   int
	UpdatedReplicas int
	FailureReason   string
	ObservedAt      time.Time
}

// Converged reports whether the observation satisfies the rollout.
func (o Observation) Converged() bool {
	return o.DesiredReplicas > 0 &&
		o.ReadyReplicas >= o.DesiredReplicas &&
		o.UpdatedReplicas >= o.DesiredReplicas
}

// KubectlRunner executes one kubectl invocation with optional stdin.
// The default implementation shells out; tests substitute a fake.
type KubectlRunner func(ctx context.Context, args []string, stdin string) (*executor.Result, error)

// Reconciler submits descriptors to the orchestrator and polls
// rollout status.
type Reconciler struct {
	run          KubectlRunner
	env          map[string]string
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	tick         func(ctx context.Context, d time.Duration) error
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithKubectlRunner overrides kubectl execution for tests.
func WithKubectlRunner(run KubectlRunner) ReconcilerOption {
	return func(r *Reconciler) {
		r.run = run
	}
}

// WithKubectlEnv injects environment variables into kubectl
// invocations, typically KUBECONFIG pointing at a scoped credential
// file. Values are never logged.
func WithKubectlEnv(env map[string]string) ReconcilerOption {
	return func(r *Reconciler) {
		r.env = env
	}
}

// WithPollInterval sets the interval between rollout observations.
func WithPollInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.pollInterval = d
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithClock overrides time observation and sleeping for tests.
func WithClock(now func() time.Time, tick func(ctx context.Context, d time.Duration) error) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
		r.tick = tick
	}
}

// NewReconciler creates a Reconciler. Without an injected runner it
// shells out to kubectl found on PATH.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		pollInterval: 5 * time.Second,
		logger:       slog.Default(),
		now:          time.Now,
		tick: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.run == nil {
		kubectl := executor.NewWrapped("kubectl")
		env := r.env
		r.run = func(ctx context.Context, args []string, stdin string) (*executor.Result, error) {
			return kubectl.Command(args...).ExecuteWithInput(ctx, stdin, executor.WithEnv(env))
		}
	}
	return r
}

// Apply submits the descriptor to the cluster. Submission is
// idempotent: re-applying an unchanged descriptor is a no-op on the
// cluster side.
func (r *Reconciler) Apply(ctx context.Context, d Descriptor) error {
	manifest, err := d.ToYAML()
	if err != nil {
		return cerrors.Wrap(err, cerrors.CodeApplyFailed, cerrors.SeverityFatal, "rendering descriptor")
	}

	result, err := r.run(ctx, []string{"apply", "-f", "-"}, string(manifest))
	if err != nil {
		detail := err.Error()
		if result != nil && strings.TrimSpace(result.Stderr) != "" {
			detail = strings.TrimSpace(result.Stderr)
		}
		return cerrors.Wrap(err, cerrors.CodeApplyFailed, cerrors.SeverityFatal,
			fmt.Sprintf("applying %s/%s: %s", d.Deployment.Metadata.Namespace, d.Deployment.Metadata.Name, detail))
	}

	r.logger.Info("descriptor applied",
		"name", d.Deployment.Metadata.Name,
		"namespace", d.Deployment.Metadata.Namespace,
		"replicas", d.Deployment.Spec.Replicas)
	return nil
}

// WaitForRollout polls the deployment until it converges, the timeout
// elapses, or the orchestrator reports a terminal failure. TimedOut
// and Failed return a Terminal-severity error alongside the status so
// the caller can fail the stage.
func (r *Reconciler) WaitForRollout(ctx context.Context, name, namespace string, timeout time.Duration) (RolloutStatus, error) {
	deadline := r.now().Add(timeout)

	for {
		obs, err := r.observe(ctx, name, namespace)
		if err != nil {
			return Failed, err
		}

		if obs.Converged() {
			r.logger.Info("rollout converged",
				"name", name,
				"namespace", namespace,
				"ready", obs.ReadyReplicas,
				"desired", obs.DesiredReplicas)
			return Converged, nil
		}

		if obs.FailureReason != "" {
			return Failed, cerrors.New(cerrors.CodeRolloutFailed, cerrors.SeverityTerminal,
				fmt.Sprintf("rollout of %s/%s failed: %s", namespace, name, obs.FailureReason))
		}

		r.logger.Debug("rollout in progress",
			"name", name,
			"ready", obs.ReadyReplicas,
			"desired", obs.DesiredReplicas)

		if r.now().Add(r.pollInterval).After(deadline) {
			return TimedOut, cerrors.New(cerrors.CodeRolloutTimeout, cerrors.SeverityTerminal,
				fmt.Sprintf("rollout of %s/%s not converged within %s (%d/%d ready)",
					namespace, name, timeout, obs.ReadyReplicas, obs.DesiredReplicas))
		}
		if err := r.tick(ctx, r.pollInterval); err != nil {
			return Failed, cerrors.Wrap(err, cerrors.CodeAborted, cerrors.SeverityFatal, "rollout wait cancelled")
		}
	}
}

// deploymentStatus is the subset of the Deployment status document the
// poll loop reads.
type deploymentStatus struct {
	Spec struct {
		Replicas int `json:"replicas"`
	} `json:"spec"`
	Status struct {
		ReadyReplicas   int `json:"readyReplicas"`
		UpdatedReplicas int `json:"updatedReplicas"`
		Conditions      []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"conditions"`
	} `json:"status"`
}

func (r *Reconciler) observe(ctx context.Context, name, namespace string) (Observation, error) {
	result, err := r.run(ctx, []string{"get", "deployment", name, "-n", namespace, "-o", "json"}, "")
	if err != nil {
		detail := err.Error()
		if result != nil && strings.TrimSpace(result.Stderr) != "" {
			detail = strings.TrimSpace(result.Stderr)
		}
		return Observation{}, cerrors.Wrap(err, cerrors.CodeRolloutFailed, cerrors.SeverityTerminal,
			fmt.Sprintf("reading rollout status of %s/%s: %s", namespace, name, detail))
	}

	var status deploymentStatus
	if err := json.Unmarshal([]byte(result.Stdout), &status); err != nil {
		return Observation{}, cerrors.Wrap(err, cerrors.CodeRolloutFailed, cerrors.SeverityTerminal,
			"parsing rollout status")
	}

	obs := Observation{
		DesiredReplicas: status.Spec.Replicas,
		ReadyReplicas:   status.Status.ReadyReplicas,
		UpdatedReplicas: status.Status.UpdatedReplicas,
		ObservedAt:      r.now(),
	}
	for _, cond := range status.Status.Conditions {
		if cond.Type == "Progressing" && cond.Status == "False" {
			obs.FailureReason = cond.Reason
		}
		if cond.Type == "ReplicaFailure" && cond.Status == "True" {
			obs.FailureReason = cond.Reason
		}
	}
	return obs, nil
}
