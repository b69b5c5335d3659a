package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/aalhour/strata/internal/wal"
	"github.com/aalhour/strata/vfs"
)

type walEntryRow struct {
	Op       string `json:"op"`
	Address  string `json:"address"`
	Version  uint64 `json:"version"`
	Prior    uint64 `json:"prior_version"`
	Expected uint64 `json:"expected_version,omitempty"`
	Value    string `json:"value,omitempty"`
}

type walRecordRow struct {
	Seq       uint64        `json:"seq"`
	TxnID     uint64        `json:"txn_id"`
	Timestamp time.Time     `json:"timestamp"`
	Entries   []walEntryRow `json:"entries"`
}

type walDump struct {
	Segments []uint64       `json:"segments"`
	Records  []walRecordRow `json:"records"`
	Error    string         `json:"error,omitempty"`
}

func newWALCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}
	cmd.AddCommand(newWALDumpCommand(root))
	return cmd
}

func newWALDumpCommand(root *rootOptions) *cobra.Command {
	var (
		fromSeq    uint64
		limit      int
		showValues bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the commit records in the WAL",
		Long: `Print the commit records of every WAL segment in order. The database is
not opened, so this works on a database another process holds. Damaged
content stops the dump and exits with status 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := root.resolve()
			if err != nil {
				return err
			}
			fs := vfs.Default()
			segs, err := wal.ListSegments(fs, path)
			if err != nil {
				return commandError("list WAL segments", err)
			}

			dump := walDump{Segments: segs, Records: []walRecordRow{}}
			it := wal.NewIterator(fs, path, segs)
			defer it.Close()
			for it.Next() {
				rec := it.Record()
				if uint64(rec.Seq) < fromSeq {
					continue
				}
				if limit > 0 && len(dump.Records) >= limit {
					break
				}
				dump.Records = append(dump.Records, newWALRecordRow(rec, showValues))
			}

			var corrupt *wal.CorruptionError
			iterErr := it.Err()
			if iterErr != nil {
				if !errors.As(iterErr, &corrupt) {
					return commandError("read WAL", iterErr)
				}
				dump.Error = iterErr.Error()
			}

			if err := root.printer(cmd).print(dump, func(w io.Writer) { printWALDump(w, dump) }); err != nil {
				return err
			}
			if corrupt != nil {
				return failure("WAL is damaged", corrupt)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&fromSeq, "from-seq", 0, "skip records below this sequence")
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many records (0 = all)")
	cmd.Flags().BoolVar(&showValues, "values", false, "include record values")
	return cmd
}

func newWALRecordRow(rec *wal.CommitRecord, showValues bool) walRecordRow {
	row := walRecordRow{
		Seq:       uint64(rec.Seq),
		TxnID:     rec.TxnID,
		Timestamp: time.Unix(0, rec.Timestamp).UTC(),
		Entries:   make([]walEntryRow, 0, len(rec.Entries)),
	}
	for _, e := range rec.Entries {
		er := walEntryRow{
			Op:       e.Op.String(),
			Address:  e.Addr.String(),
			Version:  e.Version,
			Prior:    e.PriorVersion,
			Expected: e.ExpectedVersion,
		}
		if showValues && !e.Value.IsNull() {
			er.Value = e.Value.String()
		}
		row.Entries = append(row.Entries, er)
	}
	return row
}

func printWALDump(w io.Writer, d walDump) {
	fmt.Fprintf(w, "Segments: %v\n", d.Segments)
	for _, r := range d.Records {
		fmt.Fprintf(w, "seq=%d txn=%d time=%s entries=%d\n", r.Seq, r.TxnID, r.Timestamp.Format(time.RFC3339Nano), len(r.Entries))
		for _, e := range r.Entries {
			fmt.Fprintf(w, "  %-6s %s v%d (prior v%d)", e.Op, e.Address, e.Version, e.Prior)
			if e.Value != "" {
				fmt.Fprintf(w, " = %s", e.Value)
			}
			fmt.Fprintln(w)
		}
	}
	if d.Error != "" {
		fmt.Fprintf(w, "ERROR: %s\n", d.Error)
	}
}
