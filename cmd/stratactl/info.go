package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/checkpoint"
	"github.com/aalhour/strata/internal/manifest"
	"github.com/aalhour/strata/vfs"
)

type infoResult struct {
	Path            string    `json:"path"`
	DBID            string    `json:"db_id"`
	FormatVersion   uint32    `json:"format_version"`
	Creator         string    `json:"creator"`
	CreatedAt       time.Time `json:"created_at"`
	Durability      string    `json:"durability"`
	LastSequence    uint64    `json:"last_sequence"`
	DurableSequence uint64    `json:"durable_sequence"`
	LastCheckpoint  uint64    `json:"last_checkpoint"`
	Checkpoints     []uint64  `json:"checkpoints"`
	WALSegments     int       `json:"wal_segments"`
	Runs            int       `json:"runs"`
	Addresses       int       `json:"addresses"`
	Versions        int       `json:"versions"`
}

func newInfoCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print database metadata and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			res, err := collectInfo(d)
			if err != nil {
				return commandError("failed to read database info", err)
			}
			return root.printer(cmd).print(res, func(w io.Writer) { printInfo(w, res) })
		},
	}
}

func collectInfo(d *db.DB) (infoResult, error) {
	m, err := manifest.Read(vfs.Default(), d.Path())
	if err != nil {
		return infoResult{}, err
	}
	seqs, err := checkpoint.List(vfs.Default(), d.Path())
	if err != nil {
		return infoResult{}, err
	}
	runs, err := d.ListRuns()
	if err != nil {
		return infoResult{}, err
	}

	st := d.Stats()
	res := infoResult{
		Path:            d.Path(),
		DBID:            m.DBID,
		FormatVersion:   m.FormatVersion,
		Creator:         m.Creator,
		CreatedAt:       time.Unix(0, m.CreatedAt).UTC(),
		Durability:      st.Durability.String(),
		LastSequence:    uint64(st.LastSequence),
		DurableSequence: uint64(st.DurableSequence),
		LastCheckpoint:  uint64(st.LastCheckpoint),
		Checkpoints:     make([]uint64, 0, len(seqs)),
		WALSegments:     st.WALSegments,
		Runs:            len(runs),
		Addresses:       st.Addresses,
		Versions:        st.Versions,
	}
	for _, s := range seqs {
		res.Checkpoints = append(res.Checkpoints, uint64(s))
	}
	return res, nil
}

func printInfo(w io.Writer, r infoResult) {
	fmt.Fprintf(w, "Path:              %s\n", r.Path)
	fmt.Fprintf(w, "DB ID:             %s\n", r.DBID)
	fmt.Fprintf(w, "Format version:    %d\n", r.FormatVersion)
	fmt.Fprintf(w, "Created:           %s by %s\n", r.CreatedAt.Format(time.RFC3339), r.Creator)
	fmt.Fprintf(w, "Durability:        %s\n", r.Durability)
	fmt.Fprintf(w, "Last sequence:     %d\n", r.LastSequence)
	fmt.Fprintf(w, "Durable sequence:  %d\n", r.DurableSequence)
	fmt.Fprintf(w, "Last checkpoint:   %d\n", r.LastCheckpoint)
	fmt.Fprintf(w, "Checkpoints:       %v\n", r.Checkpoints)
	fmt.Fprintf(w, "WAL segments:      %d\n", r.WALSegments)
	fmt.Fprintf(w, "Runs:              %d\n", r.Runs)
	fmt.Fprintf(w, "Addresses:         %d\n", r.Addresses)
	fmt.Fprintf(w, "Versions:          %d\n", r.Versions)
}
