package main

import (
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type runRow struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func newRunsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List runs that are not deleted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			runs, err := d.ListRuns()
			if err != nil {
				return commandError("failed to list runs", err)
			}
			out := make([]runRow, 0, len(runs))
			for _, r := range runs {
				out = append(out, runRow{
					ID:        r.ID,
					Status:    r.Status.String(),
					CreatedAt: r.CreatedAt.UTC(),
					UpdatedAt: r.UpdatedAt.UTC(),
					Metadata:  r.Metadata,
				})
			}
			return root.printer(cmd).print(out, func(w io.Writer) {
				rows := make([][]string, 0, len(out))
				for _, r := range out {
					rows = append(rows, []string{r.ID, r.Status, r.CreatedAt.Format(time.RFC3339), formatMetadata(r.Metadata)})
				}
				table(w, []string{"ID", "STATUS", "CREATED", "METADATA"}, rows)
			})
		},
	}
}

func formatMetadata(m map[string]string) string {
	keys := slices.Sorted(maps.Keys(m))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}
