package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type compactResult struct {
	ChainsVisited   int               `json:"chains_visited"`
	VersionsDropped int               `json:"versions_dropped"`
	Checkpoint      checkpointCreated `json:"checkpoint"`
	Duration        string            `json:"duration"`
}

func newCompactCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Apply retention and checkpoint",
		Long: `Drop the historical versions the retention rules no longer keep, then write a
checkpoint. Retention comes from --config; without it every version is kept
and compact only checkpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			st, err := d.Compact()
			if err != nil {
				return commandError("compaction failed", err)
			}
			out := compactResult{
				ChainsVisited:   st.ChainsVisited,
				VersionsDropped: st.VersionsDropped,
				Checkpoint:      newCheckpointCreated(st.Checkpoint),
				Duration:        st.Duration.String(),
			}
			return root.printer(cmd).print(out, func(w io.Writer) {
				fmt.Fprintf(w, "Visited %d chains, dropped %d versions in %s\n", out.ChainsVisited, out.VersionsDropped, out.Duration)
				fmt.Fprintf(w, "Checkpoint %d (%d bytes)\n", out.Checkpoint.Seq, out.Checkpoint.Size)
			})
		},
	}
}
