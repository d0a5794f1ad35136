package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/orchestrator"
)

var (
	pauseCmd  = newControlCmd(orchestrator.SignalPause, "Stop admitting new units in the running buildfix")
	resumeCmd = newControlCmd(orchestrator.SignalResume, "Resume admission in the running buildfix")
	stopCmd   = newControlCmd(orchestrator.SignalStop, "Drain the running buildfix and exit it")
)

// newControlCmd builds a command that drops a signal file for a run in
// the same project.
func newControlCmd(signal, short string) *cobra.Command {
	return &cobra.Command{
		Use:   signal,
		Short: short,
		Long: fmt.Sprintf(`%s.

The running process watches .buildfix/signals/ and reacts to the %q file
within one scheduler tick.`, short, signal),
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir, err := resolveWorkdir()
			if err != nil {
				return err
			}
			if err := orchestrator.Send(workdir, signal); err != nil {
				return fmt.Errorf("send %s: %w", signal, err)
			}
			printStatus("✓", fmt.Sprintf("sent %s to %s", signal, orchestrator.SignalsDir(workdir)), color.FgGreen)
			return nil
		},
	}
}
