package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/ledger"
	"github.com/ShayCichocki/buildfix/internal/registry"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

var validateRegistryPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the task registry",
	Long: `Load the task registry, check ids, tiers, dependencies and task kinds,
and print the execution plan tier by tier.

Tasks whose resource demand exceeds the host ceiling are reported, since
they can never be admitted.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		workdir, err := resolveWorkdir()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(workdir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path := validateRegistryPath
		if path == "" {
			path = registry.DefaultPath(workdir)
		}
		reg, err := registry.Load(path, taskFactories(cfg))
		if err != nil {
			printStatus("✗", "registry is invalid", color.FgRed)
			return err
		}
		printStatus("✓", fmt.Sprintf("%s: %d tasks", path, reg.Len()), color.FgGreen)

		var ceiling *models.ResourceDemand
		if capacity, err := (ledger.HostProbe{}).Capacity(cmd.Context()); err == nil {
			c := ledger.Reserve(capacity, cfg.Resources.ReservePercent)
			ceiling = &c
		}
		if oversized := printPlan(os.Stdout, reg, ceiling); oversized > 0 {
			return fmt.Errorf("%d task(s) exceed the host resource ceiling", oversized)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateRegistryPath, "registry", "", "Task registry file (default .buildfix/tasks.yaml)")
}

// printPlan prints tasks grouped by tier and returns how many demand more
// than ceiling. A nil ceiling skips the check.
func printPlan(w io.Writer, reg *registry.Registry, ceiling *models.ResourceDemand) int {
	g := reg.Graph()
	descs := reg.Descriptors()
	oversized := 0

	for _, tier := range g.Tiers() {
		fmt.Fprintf(w, "\ntier %d\n", tier)
		for _, d := range descs {
			if d.Tier != tier {
				continue
			}
			line := fmt.Sprintf("  %-24s %-8s", d.ID, d.Ref.Kind)
			if d.Chunkable {
				line += " chunkable"
			}
			if deps := g.GetDependencies(d.ID); len(deps) > 0 {
				line += " after " + strings.Join(deps, ", ")
			}
			if ceiling != nil && d.Demand.Exceeds(*ceiling) {
				oversized++
				line += color.RedString(" demand %d shares/%d MB/%d handles exceeds host ceiling",
					d.Demand.CPUShares, d.Demand.MemoryMB, d.Demand.FileHandles)
			}
			fmt.Fprintln(w, line)
		}
	}
	return oversized
}
