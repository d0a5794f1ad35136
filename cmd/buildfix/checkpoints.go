package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/buildfix/internal/checkpoint"
)

var checkpointsJSON bool

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List stored checkpoints",
	Long: `List the checkpoints of previous runs, oldest first.

Any ID shown can be passed to 'buildfix run --resume <id>'.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		workdir, err := resolveWorkdir()
		if err != nil {
			return err
		}
		return listCheckpoints(os.Stdout, checkpoint.NewStore(checkpoint.Dir(workdir)), checkpointsJSON)
	},
}

func init() {
	checkpointsCmd.Flags().BoolVar(&checkpointsJSON, "json", false, "Output as JSON")
}

func listCheckpoints(w io.Writer, store *checkpoint.Store, asJSON bool) error {
	infos, err := store.List()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(w, "No checkpoints found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN\tSEQ\tKIND\tTASKS\tCREATED")
	for _, info := range infos {
		kind := "delta"
		if info.Full {
			kind = "full"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			info.ID, info.RunID, info.Seq, kind, info.Tasks,
			info.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
