package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/qadash/qadash/pkg/api"
	"github.com/qadash/qadash/pkg/archive"
	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/controller"
	"github.com/qadash/qadash/pkg/detector"
	"github.com/qadash/qadash/pkg/docker"
	"github.com/qadash/qadash/pkg/fsutil"
	"github.com/qadash/qadash/pkg/history"
	"github.com/qadash/qadash/pkg/hoststats"
	"github.com/qadash/qadash/pkg/logstream"
	"github.com/qadash/qadash/pkg/process"
	"github.com/qadash/qadash/pkg/project"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/qadash/qadash/pkg/workspace"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API server",
	Long: `Start the qadash API server. Runs are launched on request, their
logs are written to disk and streamed to live viewers.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// stopper is a component shut down in reverse start order.
type stopper struct {
	name string
	stop func() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var stoppers []stopper

	defer func() {
		for i := len(stoppers) - 1; i >= 0; i-- {
			if err := stoppers[i].stop(); err != nil {
				log.WithError(err).WithField("component", stoppers[i].name).
					Warn("Failed to stop component")
			}
		}
	}()

	owner, err := fsutil.ParseOwner(cfg.Storage.WorkspaceOwner)
	if err != nil {
		return fmt.Errorf("parsing workspace owner: %w", err)
	}

	bc := logstream.NewBroadcaster(log, cfg.Stream.KeepAliveInterval, cfg.Stream.ViewerBuffer)
	if err := bc.Start(ctx); err != nil {
		return fmt.Errorf("starting broadcaster: %w", err)
	}

	stoppers = append(stoppers, stopper{"broadcaster", bc.Stop})

	sink, err := logstream.NewSink(log, cfg.Storage.LogsDir, owner, bc)
	if err != nil {
		return fmt.Errorf("creating log sink: %w", err)
	}

	reg := registry.New(log, cfg.Storage.RunsFile)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("loading run registry: %w", err)
	}

	rules := detector.DefaultRuleSet()

	if cfg.Runner.DetectorRulesFile != "" {
		rules, err = detector.LoadRuleSet(cfg.Runner.DetectorRulesFile)
		if err != nil {
			return fmt.Errorf("loading detector rules: %w", err)
		}
	}

	memory, err := cfg.Runner.MemoryBytes()
	if err != nil {
		return fmt.Errorf("parsing runner memory: %w", err)
	}

	launcher := docker.NewLauncher(docker.LaunchOptions{
		RuntimeBinary: cfg.Runner.RuntimeBinary,
		Image:         cfg.Runner.Image,
		MountPath:     cfg.Runner.MountPath,
		Network:       cfg.Runner.Network,
		MemoryBytes:   memory,
		CPUs:          cfg.Runner.CPUs,
	})

	remover, stopRemover := buildRemover(ctx, cfg.Runner.RuntimeBinary)
	if stopRemover != nil {
		stoppers = append(stoppers, stopper{"docker", stopRemover})
	}

	// Container stats need the Docker API; the CLI fallback has none.
	statsReader, _ := remover.(docker.StatsReader)

	finalizers := make([]controller.Finalizer, 0, 2)

	var historyStore history.Store

	if cfg.History.Enabled {
		historyStore = history.NewStore(log, &cfg.History.Database)
		if err := historyStore.Start(ctx); err != nil {
			return fmt.Errorf("starting history store: %w", err)
		}

		stoppers = append(stoppers, stopper{"history", historyStore.Stop})
		finalizers = append(finalizers, historyStore)
	}

	if cfg.Archive.S3.Enabled {
		archiver := archive.NewS3Archiver(log, &cfg.Archive.S3)
		if err := archiver.Preflight(ctx); err != nil {
			return fmt.Errorf("s3 archive preflight: %w", err)
		}

		finalizers = append(finalizers, archiver)
	}

	ctrl := controller.NewController(log, &controller.Config{
		Tool:       cfg.Runner.Tool,
		Projects:   project.NewFileLookup(log, cfg.Storage.ProjectsFile),
		Registry:   reg,
		Workspaces: workspace.NewMaterializer(log, cfg.Storage.WorkspacesDir, owner),
		Rules:      rules,
		Launcher:   launcher,
		Tracker:    process.NewTracker(log),
		Sink:       sink,
		Remover:    remover,
		Finalizers: finalizers,
	})

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}

	stoppers = append(stoppers, stopper{"controller", ctrl.Stop})

	srv := api.NewServer(log, cfg, api.Services{
		Controller: ctrl,
		Registry:   reg,
		Sink:       sink,
		History:    historyStore,
		Host:       hoststats.NewCollector(log),
		Stats:      statsReader,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	stoppers = append(stoppers, stopper{"api", srv.Stop})

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	return nil
}

// buildRemover prefers the Docker API and falls back to the runtime CLI when
// the runtime is not docker or the daemon is unreachable. The returned stop
// func is nil when nothing needs closing.
func buildRemover(ctx context.Context, runtimeBinary string) (docker.Remover, func() error) {
	if runtimeBinary != config.DefaultRuntimeBinary {
		return docker.NewCLIRemover(log, runtimeBinary), nil
	}

	mgr, err := docker.NewManager(log)
	if err != nil {
		log.WithError(err).Warn("Docker API unavailable, removing containers via CLI")

		return docker.NewCLIRemover(log, runtimeBinary), nil
	}

	if err := mgr.Start(ctx); err != nil {
		log.WithError(err).Warn("Docker daemon unreachable, removing containers via CLI")

		_ = mgr.Stop()

		return docker.NewCLIRemover(log, runtimeBinary), nil
	}

	return mgr, mgr.Stop
}
