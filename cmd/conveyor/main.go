package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/conveyorcd/conveyor/buildcache"
	"github.com/conveyorcd/conveyor/builder"
	"github.com/conveyorcd/conveyor/config"
	"github.com/conveyorcd/conveyor/credential"
	"github.com/conveyorcd/conveyor/credential/providers/awssm"
	"github.com/conveyorcd/conveyor/credential/providers/localfile"
	"github.com/conveyorcd/conveyor/credential/providers/memory"
	"github.com/conveyorcd/conveyor/diagnose"
	"github.com/conveyorcd/conveyor/pipeline"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Continuous-delivery pipeline orchestrator",
		Long:          "Conveyor runs ordered delivery stages (checkout, install and test, build and push, deploy) with scoped credentials, a per-run build cache, and best-effort failure diagnostics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configFile string
	var runNumber int
	var workspaceBase string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline",
		Long:  "Runs the full stage sequence. The exit code is zero only when every stage up to and including deploy succeeds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)
			slog.SetDefault(logger)

			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}

			if runNumber == 0 {
				runNumber = int(time.Now().Unix())
			}
			runID := fmt.Sprintf("%s-%d", cfg.Name, runNumber)

			// An interrupt aborts the current stage; the always hook
			// still purges before the run is recorded.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			manager, err := newCredentialManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := manager.Close(); closeErr != nil {
					logger.Warn("closing credential providers", "error", closeErr)
				}
			}()

			fsys := osfs.New("/")
			ws, err := pipeline.NewWorkspace(fsys, workspaceBase, runID)
			if err != nil {
				return err
			}

			cacheRoot := ws.CacheDir()
			if cfg.Cache.Root != "" {
				cacheRoot = filepath.Join(cfg.Cache.Root, runID)
			}

			deps := pipeline.Deps{
				Cache: buildcache.New(buildcache.Options{
					FS:     fsys,
					Root:   cacheRoot,
					Logger: logger,
				}),
				// The registry client is built per run by the flow
				// from the build stage's scoped credentials.
				Builder: builder.New(
					builder.WithLogger(logger),
					builder.WithReadyTimeout(cfg.Builder.ReadyTimeout.Std()),
					builderAddr(cfg),
				),
				Diagnostics: diagnose.New(diagnose.WithLogger(logger)),
				Logger:      logger,
				Out:         os.Stdout,
			}

			stages, hooks, err := pipeline.BuildFlow(cfg, ws, deps)
			if err != nil {
				return err
			}

			exec := pipeline.NewExecutor(
				pipeline.WithCredentialManager(manager),
				pipeline.WithLogger(logger),
				pipeline.WithOutput(os.Stdout),
			)

			run := exec.Execute(ctx, &pipeline.Run{
				ID:       runID,
				Number:   runNumber,
				Pipeline: cfg.Name,
			}, stages, hooks)

			if run.Status != pipeline.StatusSuccess {
				return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "file", "f", "pipeline.yaml", "pipeline configuration path")
	cmd.Flags().IntVarP(&runNumber, "number", "n", 0, "run number used as the image tag (default: current unix time)")
	cmd.Flags().StringVar(&workspaceBase, "workspace", filepath.Join(os.TempDir(), "conveyor"), "base directory for per-run workspaces")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func validateCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline configuration without executing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadFile(configFile); err != nil {
				return err
			}
			fmt.Println("Pipeline configuration is valid.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "file", "f", "pipeline.yaml", "pipeline configuration path")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newCredentialManager(ctx context.Context, cfg *config.Config) (*credential.Manager, error) {
	manager := credential.NewManager()

	switch cfg.Secrets.Provider {
	case "awssm":
		provider, err := awssm.New(ctx, awssm.Options{
			Region:   cfg.Secrets.Region,
			Endpoint: cfg.Secrets.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		if err := manager.Register(provider); err != nil {
			return nil, err
		}
	case "file":
		provider, err := localfile.New(cfg.Secrets.Root)
		if err != nil {
			return nil, err
		}
		if err := manager.Register(provider); err != nil {
			return nil, err
		}
	case "memory":
		if err := manager.Register(memory.New()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Secrets.Provider)
	}

	return manager, nil
}

func builderAddr(cfg *config.Config) builder.Option {
	if cfg.Builder.Addr == "" {
		return func(*builder.Options) {}
	}
	return builder.WithDaemon("buildkitd", nil, cfg.Builder.Addr)
}
