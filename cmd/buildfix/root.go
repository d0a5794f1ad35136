package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/config"
	"github.com/ShayCichocki/buildfix/internal/orchestrator"
)

var (
	workdirFlag string
	configFlag  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "buildfix",
	Short: "Parallel build-fix task orchestrator",
	Long: `buildfix runs a registry of fix tasks against a project, respecting
declared dependencies, priority tiers and host resource limits.

Tasks are declared in .buildfix/tasks.yaml. Each run is checkpointed so an
interrupted run can be resumed, and successful results are cached by input
fingerprint so unchanged work is never repeated.

Examples:
  buildfix init                 # Scaffold .buildfix/ and .buildfix.yaml
  buildfix run                  # Smart mode: skip tasks with no errors
  buildfix run full --tui       # Every task, with a live dashboard
  buildfix run --resume latest  # Continue the most recent run`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// exitError carries a process exit status out of a command. A nil err
// means the outcome was already reported and nothing more is printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// usageError marks err as a command-line mistake.
func usageError(err error) error {
	return &exitError{code: orchestrator.ExitUsage, err: err}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return orchestrator.ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return orchestrator.ExitFatal
}

// Execute runs the root command and exits with the mapped status.
func Execute() {
	err := rootCmd.Execute()
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// resolveWorkdir returns the absolute project directory.
func resolveWorkdir() (string, error) {
	dir := workdirFlag
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", usageError(fmt.Errorf("workdir: %w", err))
	}
	if !info.IsDir() {
		return "", usageError(fmt.Errorf("workdir %s is not a directory", abs))
	}
	return abs, nil
}

// loadConfig honors --config, falling back to the user and project files.
func loadConfig(workdir string) (*config.Config, error) {
	if configFlag != "" {
		return config.LoadFromPath(configFlag)
	}
	return config.Load(workdir)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workdirFlag, "workdir", "C", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file to use instead of the user and project files")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pauseCmd, resumeCmd, stopCmd)
}
