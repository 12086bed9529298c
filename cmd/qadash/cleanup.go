package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/docker"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	forceCleanup      bool
	cleanupWorkspaces bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover qadash containers and finished workspaces",
	Long: `Remove all containers created by qadash. This is useful after the
server was killed while runs were in progress.

With --workspaces, the workspace directories of finished runs are removed
as well. Run records and logs are kept.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupWorkspaces, "workspaces", false,
		"Also remove workspaces of finished runs")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	mgr, err := docker.NewManager(log)
	if err != nil {
		return fmt.Errorf("creating docker manager: %w", err)
	}

	defer func() {
		if err := mgr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop docker manager")
		}
	}()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting docker manager: %w", err)
	}

	var workspaces []string

	if cleanupWorkspaces {
		workspaces, err = finishedWorkspaces(cfg)
		if err != nil {
			return err
		}
	}

	return performCleanup(ctx, mgr, workspaces, forceCleanup)
}

// finishedWorkspaces lists workspace directories of runs in a terminal
// status.
func finishedWorkspaces(cfg *config.Config) ([]string, error) {
	reg := registry.New(log, cfg.Storage.RunsFile)
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("loading run registry: %w", err)
	}

	dirs := make([]string, 0, 16)

	for _, run := range reg.List() {
		if !run.IsTerminal() {
			continue
		}

		dir := filepath.Join(cfg.Storage.WorkspacesDir, run.ID)
		if _, err := os.Stat(dir); err != nil {
			continue
		}

		dirs = append(dirs, dir)
	}

	return dirs, nil
}

// performCleanup lists and removes qadash containers and the given
// workspace directories.
func performCleanup(
	ctx context.Context,
	mgr docker.Manager,
	workspaces []string,
	force bool,
) error {
	containers, err := mgr.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	if len(containers) == 0 && len(workspaces) == 0 {
		log.Info("No qadash resources found")

		return nil
	}

	// Display resources to be deleted.
	if len(containers) > 0 {
		fmt.Printf("\nContainers to be removed (%d):\n", len(containers))

		for _, c := range containers {
			fmt.Printf("  - %s (run %s, %s)\n", c.Name, c.RunID, c.State)
		}
	}

	if len(workspaces) > 0 {
		fmt.Printf("\nWorkspaces to be removed (%d):\n", len(workspaces))

		for _, dir := range workspaces {
			fmt.Printf("  - %s\n", dir)
		}
	}

	fmt.Println()

	// Prompt for confirmation if not forced.
	if !force {
		fmt.Print("Are you sure you want to remove these resources? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	for _, c := range containers {
		log.WithField("container", c.Name).Info("Removing container")

		if err := mgr.RemoveContainer(ctx, c.ID); err != nil {
			log.WithError(err).WithField("container", c.Name).Warn("Failed to remove container")
		}
	}

	for _, dir := range workspaces {
		log.WithField("workspace", dir).Info("Removing workspace")

		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("workspace", dir).Warn("Failed to remove workspace")
		}
	}

	log.Info("Cleanup completed")

	return nil
}
