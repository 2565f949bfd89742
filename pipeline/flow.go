package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/conveyorcd/conveyor/buildcache"
	"github.com/conveyorcd/conveyor/builder"
	"github.com/conveyorcd/conveyor/checkout"
	"github.com/conveyorcd/conveyor/cluster"
	"github.com/conveyorcd/conveyor/config"
	"github.com/conveyorcd/conveyor/credential"
	"github.com/conveyorcd/conveyor/diagnose"
	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/registry"
)

// Stage names of the standard delivery flow.
const (
	StageCheckout = "checkout"
	StageInstall  = "install-and-test"
	StageBuild    = "build-and-push"
	StageDeploy   = "deploy"
)

// Execution context identities of the standard flow. Checkout and
// install share the source-tooling environment.
const (
	ContextSourceTooling = "source-tooling"
	ContextImageBuilder  = "image-builder"
	ContextClusterClient = "cluster-client"
)

// Reconciler is the cluster surface the deploy stage needs.
type Reconciler interface {
	Apply(ctx context.Context, d cluster.Descriptor) error
	WaitForRollout(ctx context.Context, name, namespace string, timeout time.Duration) (cluster.RolloutStatus, error)
}

// RegistryClient is the registry surface the build stage needs.
type RegistryClient interface {
	EnsureRepository(ctx context.Context, ref registry.Reference) error
	CheckTagConflict(ctx context.Context, ref registry.Reference, policy registry.ConflictPolicy) error
}

// Deps are the collaborators wired into the standard flow.
type Deps struct {
	Cache       *buildcache.Store
	Builder     *builder.Coordinator
	Diagnostics *diagnose.Collector

	// NewRegistry builds the build-stage registry client from the
	// stage's scoped credentials, so conflict checks authenticate the
	// same way the push will.
	NewRegistry func(username, password string) RegistryClient

	// NewReconciler builds the deploy-stage reconciler with the
	// stage's scoped environment (typically KUBECONFIG).
	NewReconciler func(env map[string]string) Reconciler

	// Clone performs the checkout. Defaults to checkout.Clone.
	Clone func(ctx context.Context, opts checkout.Options) (*checkout.Source, error)

	Logger *slog.Logger
	Out    io.Writer
}

func (d *Deps) fill() {
	if d.Clone == nil {
		d.Clone = checkout.Clone
	}
	if d.NewRegistry == nil {
		d.NewRegistry = func(username, password string) RegistryClient {
			opts := []registry.Option{registry.WithLogger(d.Logger)}
			if username != "" || password != "" {
				opts = append(opts, registry.WithStaticAuth(username, password))
			}
			return registry.New(opts...)
		}
	}
	if d.NewReconciler == nil {
		d.NewReconciler = func(env map[string]string) Reconciler {
			return cluster.NewReconciler(cluster.WithKubectlEnv(env))
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
}

// BuildFlow assembles the standard four-stage delivery flow plus its
// post-hooks from the configuration.
func BuildFlow(cfg *config.Config, ws *Workspace, deps Deps) ([]Stage, Hooks, error) {
	deps.fill()
	if deps.Cache == nil || deps.Builder == nil || deps.Diagnostics == nil {
		return nil, Hooks{}, cerrors.New(cerrors.CodeInternal, cerrors.SeverityFatal,
			"flow requires cache, builder, and diagnostics collaborators")
	}

	stages := []Stage{
		checkoutStage(cfg, ws, deps),
		installStage(cfg, ws),
		buildStage(cfg, ws, deps),
		deployStage(cfg, deps),
	}

	hooks := Hooks{
		Always: []Hook{
			{
				Name: "purge-build-cache",
				Fn: func(ctx context.Context, _ *Run) error {
					return deps.Cache.Purge(ctx)
				},
			},
			{
				Name: "cleanup-workspace",
				Fn: func(_ context.Context, _ *Run) error {
					return ws.Cleanup()
				},
			},
		},
		Success: []Hook{
			{
				Name: "report-success",
				Fn: func(_ context.Context, run *Run) error {
					deps.Logger.Info("pipeline succeeded",
						"pipeline", run.Pipeline,
						"image", run.Image,
						"commit", run.Commit.Hash)
					return nil
				},
			},
		},
		Failure: []Hook{
			{
				Name: "collect-diagnostics",
				Fn: func(ctx context.Context, run *Run) error {
					blocks := deps.Diagnostics.Collect(ctx, cfg.Name, "app="+cfg.Name, cfg.Deploy.Namespace)
					fmt.Fprintln(deps.Out, diagnose.Report(blocks))
					return nil
				},
			},
		},
	}

	return stages, hooks, nil
}

func checkoutStage(cfg *config.Config, ws *Workspace, deps Deps) Stage {
	return Stage{
		Name: StageCheckout,
		Context: ExecutionContext{
			Identity: ContextSourceTooling,
			Volumes:  []string{ws.SourceDir()},
		},
		Bindings: cfg.Source.Credential,
		Func: func(ctx context.Context, scope *credential.Scope, run *Run) error {
			username, password := userPassFromScope(cfg.Source.Credential, scope)
			src, err := deps.Clone(ctx, checkout.Options{
				URL:      cfg.Source.URL,
				Branch:   cfg.Source.Branch,
				Depth:    cfg.Source.Depth,
				Username: username,
				Password: password,
				FS:       ws.FS(),
				Workdir:  ws.SourceDir(),
			})
			if err != nil {
				return err
			}
			run.Commit = src.Head
			deps.Logger.Info("source checked out",
				"commit", src.Head.Hash,
				"summary", src.Head.Summary,
				"type", src.Head.ChangeType)
			return nil
		},
	}
}

func installStage(cfg *config.Config, ws *Workspace) Stage {
	commands := make([]Command, 0, len(cfg.Install.Commands))
	for _, c := range cfg.Install.Commands {
		commands = append(commands, Command{
			Name: c.Name,
			Run:  c.Run,
			// StrictTests turns absorbed failures fatal.
			Absorbed: c.Absorbed && !cfg.Install.StrictTests,
		})
	}
	return Stage{
		Name: StageInstall,
		Context: ExecutionContext{
			Identity: ContextSourceTooling,
			Volumes:  []string{ws.SourceDir()},
		},
		Workdir:  ws.SourceDir(),
		Commands: commands,
	}
}

func buildStage(cfg *config.Config, ws *Workspace, deps Deps) Stage {
	return Stage{
		Name: StageBuild,
		Context: ExecutionContext{
			Identity: ContextImageBuilder,
			Volumes:  []string{ws.SourceDir(), ws.CacheDir()},
		},
		Bindings: cfg.Registry.Credential,
		Func: func(ctx context.Context, scope *credential.Scope, run *Run) error {
			ref := registry.ImageRef(cfg.Registry.Host, cfg.Registry.Repository, run.Number)

			if err := deps.Cache.Prepare(ctx); err != nil {
				return err
			}

			// The conflict check must authenticate the same way the
			// push will, so the client is built from this stage's
			// scoped credentials.
			username, password := userPassFromScope(cfg.Registry.Credential, scope)
			reg := deps.NewRegistry(username, password)

			// Repository creation is optional and best-effort; its
			// failure is already absorbed and logged by the client.
			_ = reg.EnsureRepository(ctx, ref)

			if err := reg.CheckTagConflict(ctx, ref, cfg.Registry.ConflictPolicy); err != nil {
				return err
			}

			if err := deps.Builder.BuildAndPush(ctx, builder.Request{
				SourceDir:   ws.SourceDir(),
				Image:       ref,
				Credentials: scope.Env(),
				CacheDir:    deps.Cache.Root(),
			}); err != nil {
				return err
			}

			run.Image = ref.String()
			return deps.Cache.Finalize(ctx)
		},
	}
}

func deployStage(cfg *config.Config, deps Deps) Stage {
	return Stage{
		Name:     StageDeploy,
		Context:  ExecutionContext{Identity: ContextClusterClient},
		Bindings: cfg.Deploy.Credential,
		Func: func(ctx context.Context, scope *credential.Scope, run *Run) error {
			if run.Image == "" {
				return cerrors.New(cerrors.CodeInternal, cerrors.SeverityFatal,
					"deploy reached without a pushed image")
			}

			env := scope.Env()
			for _, b := range cfg.Deploy.Credential {
				if b.Kind == credential.KindFile {
					env["KUBECONFIG"] = scope.FilePath(b.Name)
				}
			}

			spec := cluster.AppSpec{
				Name:      cfg.Name,
				Namespace: cfg.Deploy.Namespace,
				Image:     run.Image,
				Replicas:  cfg.Deploy.Replicas,
				Port:      cfg.Deploy.Port,
				Resources: cluster.ResourceSpec{
					RequestsMemory: cfg.Deploy.Resources.RequestsMemory,
					RequestsCPU:    cfg.Deploy.Resources.RequestsCPU,
					LimitsMemory:   cfg.Deploy.Resources.LimitsMemory,
					LimitsCPU:      cfg.Deploy.Resources.LimitsCPU,
				},
				Readiness: probeSpec(cfg.Deploy.Probes.Readiness),
				Liveness:  probeSpec(cfg.Deploy.Probes.Liveness),
			}
			descriptor, err := cluster.Render(spec)
			if err != nil {
				return err
			}

			reconciler := deps.NewReconciler(env)
			if err := reconciler.Apply(ctx, descriptor); err != nil {
				return err
			}

			status, err := reconciler.WaitForRollout(ctx, cfg.Name, cfg.Deploy.Namespace, cfg.Deploy.RolloutTimeout.Std())
			if err != nil {
				return err
			}
			deps.Logger.Info("rollout finished", "status", string(status))
			return nil
		},
	}
}

func probeSpec(p *config.ProbeConfig) *cluster.ProbeSpec {
	if p == nil {
		return nil
	}
	return &cluster.ProbeSpec{
		Path:                p.Path,
		InitialDelaySeconds: p.InitialDelaySeconds,
		PeriodSeconds:       p.PeriodSeconds,
	}
}

// userPassFromScope extracts the username/password pair declared by
// the first env binding. A single-token binding becomes the password
// with the conventional "token" username.
func userPassFromScope(bindings []credential.Binding, scope *credential.Scope) (string, string) {
	env := scope.Env()
	for _, b := range bindings {
		if b.Kind != credential.KindEnv {
			continue
		}
		if b.UsernameVar != "" && b.PasswordVar != "" {
			return env[b.UsernameVar], env[b.PasswordVar]
		}
		if b.EnvVar != "" {
			return "", env[b.EnvVar]
		}
	}
	return "", ""
}
