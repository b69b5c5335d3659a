package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aalhour/strata/db"
)

type recordRow struct {
	Key       string    `json:"key"`
	Version   uint64    `json:"version"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	Committed time.Time `json:"committed"`
}

func newRecordRow(key string, vv db.VersionedValue) recordRow {
	return recordRow{
		Key:       key,
		Version:   vv.Version,
		Kind:      vv.Value.Kind().String(),
		Value:     vv.Value.String(),
		Committed: time.Unix(0, vv.Timestamp).UTC(),
	}
}

func newGetCommand(root *rootOptions) *cobra.Command {
	var version uint64

	cmd := &cobra.Command{
		Use:   "get <run> <namespace> <key>",
		Short: "Print a record",
		Long: `Print the current version of a record, or the version named by --version.
A missing record or a deleted one exits with status 1.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := db.ParseNamespace(args[1])
			if err != nil {
				return commandError("invalid namespace", err)
			}
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			addr := db.Addr(args[0], ns, args[2])
			var (
				vv    db.VersionedValue
				found bool
			)
			if version > 0 {
				vv, found, err = d.GetVersion(addr, version)
			} else {
				vv, found, err = d.Get(addr)
			}
			if err != nil {
				return commandError("read failed", err)
			}
			if !found {
				return failure(fmt.Sprintf("%s: not found", addr), nil)
			}
			row := newRecordRow(args[2], vv)
			return root.printer(cmd).print(row, func(w io.Writer) {
				fmt.Fprintf(w, "%s @v%d (%s): %s\n", addr, row.Version, row.Kind, row.Value)
			})
		},
	}
	cmd.Flags().Uint64Var(&version, "version", 0, "read this version instead of the current one")
	return cmd
}

func newScanCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <run> <namespace> [prefix]",
		Short: "List the live records of a namespace",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ns, err := db.ParseNamespace(args[1])
			if err != nil {
				return commandError("invalid namespace", err)
			}
			var prefix string
			if len(args) == 3 {
				prefix = args[2]
			}
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := d.Scan(args[0], ns, prefix)
			if err != nil {
				return commandError("scan failed", err)
			}
			out := make([]recordRow, 0, len(entries))
			for _, e := range entries {
				out = append(out, newRecordRow(e.Key, e.VersionedValue))
			}
			return root.printer(cmd).print(out, func(w io.Writer) {
				rows := make([][]string, 0, len(out))
				for _, r := range out {
					rows = append(rows, []string{r.Key, fmt.Sprint(r.Version), r.Kind, r.Value})
				}
				table(w, []string{"KEY", "VERSION", "KIND", "VALUE"}, rows)
			})
		},
	}
}
