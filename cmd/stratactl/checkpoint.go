package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/checkpoint"
	"github.com/aalhour/strata/internal/manifest"
	"github.com/aalhour/strata/vfs"
)

type checkpointCheck struct {
	File        string    `json:"file"`
	Seq         uint64    `json:"seq"`
	OK          bool      `json:"ok"`
	Chains      uint64    `json:"chains,omitempty"`
	Compression string    `json:"compression,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

type checkpointReport struct {
	ManifestSeq uint64            `json:"manifest_seq"`
	Checkpoints []checkpointCheck `json:"checkpoints"`
}

func newCheckpointCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Verify or create checkpoints",
	}
	cmd.AddCommand(
		newCheckpointVerifyCommand(root),
		newCheckpointCreateCommand(root),
	)
	return cmd
}

func newCheckpointVerifyCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify checkpoint files",
		Long: `Decode every checkpoint file and check its checksum. The database is not
opened. A damaged checkpoint, or a MANIFEST naming a checkpoint that is
missing, exits with status 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := root.resolve()
			if err != nil {
				return err
			}
			fs := vfs.Default()
			m, err := manifest.Read(fs, path)
			if err != nil {
				return commandError("read MANIFEST", err)
			}
			seqs, err := checkpoint.List(fs, path)
			if err != nil {
				return commandError("list checkpoints", err)
			}

			report := checkpointReport{ManifestSeq: uint64(m.CheckpointSeq), Checkpoints: []checkpointCheck{}}
			damaged := 0
			referenced := m.CheckpointSeq == 0
			for _, seq := range seqs {
				name := checkpoint.FileName(path, seq)
				res := checkpointCheck{File: filepath.Base(name), Seq: uint64(seq), OK: true}
				h, err := checkpoint.Verify(fs, name)
				switch {
				case err == nil:
					res.Chains = h.Chains
					res.Compression = h.Compression.String()
					res.CreatedAt = time.Unix(0, h.CreatedAt).UTC()
					if seq == m.CheckpointSeq {
						referenced = true
					}
				case errors.Is(err, checkpoint.ErrCorrupt):
					res.OK = false
					res.Error = err.Error()
					damaged++
				default:
					return commandError("read "+res.File, err)
				}
				report.Checkpoints = append(report.Checkpoints, res)
			}

			if err := root.printer(cmd).print(report, func(w io.Writer) { printCheckpointReport(w, report) }); err != nil {
				return err
			}
			switch {
			case damaged > 0:
				return failure(fmt.Sprintf("%d of %d checkpoints are damaged", damaged, len(seqs)), nil)
			case !referenced:
				return failure(fmt.Sprintf("MANIFEST names checkpoint %d, which is missing or damaged", m.CheckpointSeq), nil)
			}
			return nil
		},
	}
}

func printCheckpointReport(w io.Writer, r checkpointReport) {
	fmt.Fprintf(w, "MANIFEST checkpoint: %d\n", r.ManifestSeq)
	for _, c := range r.Checkpoints {
		if c.OK {
			fmt.Fprintf(w, "OK       %s chains=%d compression=%s created=%s\n",
				c.File, c.Chains, c.Compression, c.CreatedAt.Format(time.RFC3339))
		} else {
			fmt.Fprintf(w, "DAMAGED  %s: %s\n", c.File, c.Error)
		}
	}
}

type checkpointCreated struct {
	Seq                uint64   `json:"seq"`
	Path               string   `json:"path"`
	Size               int      `json:"size"`
	Chains             int      `json:"chains"`
	SegmentsRemoved    int      `json:"segments_removed"`
	CheckpointsRemoved []uint64 `json:"checkpoints_removed"`
	Duration           string   `json:"duration"`
}

func newCheckpointCreateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Write a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			info, err := d.Checkpoint()
			if err != nil {
				return commandError("checkpoint failed", err)
			}
			out := newCheckpointCreated(info)
			return root.printer(cmd).print(out, func(w io.Writer) {
				fmt.Fprintf(w, "Checkpoint %d written to %s (%d bytes, %d chains)\n", out.Seq, out.Path, out.Size, out.Chains)
				fmt.Fprintf(w, "Reclaimed %d WAL segments and %d old checkpoints in %s\n",
					out.SegmentsRemoved, len(out.CheckpointsRemoved), out.Duration)
			})
		},
	}
}

func newCheckpointCreated(info db.CheckpointInfo) checkpointCreated {
	out := checkpointCreated{
		Seq:                uint64(info.Seq),
		Path:               info.Path,
		Size:               info.Size,
		Chains:             info.Chains,
		SegmentsRemoved:    info.SegmentsRemoved,
		CheckpointsRemoved: make([]uint64, 0, len(info.CheckpointsRemoved)),
		Duration:           info.Duration.String(),
	}
	for _, s := range info.CheckpointsRemoved {
		out.CheckpointsRemoved = append(out.CheckpointsRemoved, uint64(s))
	}
	return out
}
