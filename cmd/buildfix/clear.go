package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/cache"
	"github.com/ShayCichocki/buildfix/internal/checkpoint"
	"github.com/ShayCichocki/buildfix/internal/state"
)

// Store names accepted by the clear command.
const (
	clearCache       = "cache"
	clearBreakers    = "breakers"
	clearCheckpoints = "checkpoints"
	clearState       = "state"
	clearAll         = "all"
)

var clearUnit string

var clearCmd = &cobra.Command{
	Use:   "clear <cache|breakers|checkpoints|state|all>",
	Short: "Clear persisted stores",
	Long: `Clear one of the stores under .buildfix/. Each store is independent:
clearing the cache keeps checkpoints and breaker history, and so on.

  cache        Cached task results
  breakers     Recorded failures (use --unit to clear a single unit)
  checkpoints  Run checkpoints
  state        Run history and final task tables
  all          Everything above`,
	ValidArgs: []string{clearCache, clearBreakers, clearCheckpoints, clearState, clearAll},
	Args:      usageArgs(cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs)),
	RunE: func(cmd *cobra.Command, args []string) error {
		workdir, err := resolveWorkdir()
		if err != nil {
			return err
		}
		if clearUnit != "" && args[0] != clearBreakers {
			return usageError(fmt.Errorf("--unit only applies to breakers"))
		}
		cleared, err := clearStores(workdir, args[0], clearUnit)
		for _, name := range cleared {
			printStatus("✓", "cleared "+name, color.FgGreen)
		}
		return err
	},
}

func init() {
	clearCmd.Flags().StringVar(&clearUnit, "unit", "", "Clear breaker history of one unit only")
}

// clearStores clears the named store and returns what was cleared.
func clearStores(workdir, target, unit string) ([]string, error) {
	var cleared []string
	all := target == clearAll

	if all || target == clearCache {
		if err := clearResultCache(workdir); err != nil {
			return cleared, err
		}
		cleared = append(cleared, clearCache)
	}
	if all || target == clearCheckpoints {
		if err := checkpoint.NewStore(checkpoint.Dir(workdir)).Clear(); err != nil {
			return cleared, err
		}
		cleared = append(cleared, clearCheckpoints)
	}
	if all || target == clearBreakers || target == clearState {
		if _, err := os.Stat(state.ProjectDBPath(workdir)); os.IsNotExist(err) {
			if all {
				return cleared, nil
			}
			return append(cleared, target), nil
		}
		db, err := state.OpenProject(workdir)
		if err != nil {
			return cleared, fmt.Errorf("open state: %w", err)
		}
		defer db.Close()

		if all || target == clearBreakers {
			if err := db.ClearBreakerFailures(unit); err != nil {
				return cleared, err
			}
			name := clearBreakers
			if unit != "" {
				name = fmt.Sprintf("breaker history of %s", unit)
			}
			cleared = append(cleared, name)
		}
		if all || target == clearState {
			if err := db.Clear(); err != nil {
				return cleared, err
			}
			cleared = append(cleared, clearState)
		}
	}
	return cleared, nil
}

func clearResultCache(workdir string) error {
	path := cache.Path(workdir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	c, err := cache.Open(path, 0)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer c.Close()
	return c.Clear()
}
