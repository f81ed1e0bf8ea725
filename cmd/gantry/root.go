package main

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"gantry/internal/config"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Parallel coding-agent orchestrator",
	Long: `Gantry drives autonomous coding agents through a feature pipeline:
each feature is implemented on its own branch inside an isolated git
worktree, merged into the base branch, verified by a second agent, and
fixed and re-verified until it passes or attempts run out.

Features are routed to parallel tracks by category; each track processes
its queue serially while tracks run concurrently.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "project root (default: current directory)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

// projectRoot resolves the project directory from the flag or cwd.
func projectRoot() (string, error) {
	if projectDir != "" {
		return filepath.Abs(projectDir)
	}
	return os.Getwd()
}

// loadProject resolves the project root, loads its .env when present, and
// reads the project configuration.
func loadProject() (string, *config.Config, error) {
	root, err := projectRoot()
	if err != nil {
		return "", nil, err
	}

	// Project-local env vars (agent API keys and the like) load before
	// anything spawns a subprocess. A missing .env is fine.
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}
