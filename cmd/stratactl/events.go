package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aalhour/strata/primitives"
)

type streamCheck struct {
	Stream string `json:"stream"`
	Events uint64 `json:"events"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func newEventsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect event logs",
	}
	cmd.AddCommand(newEventsVerifyCommand(root))
	return cmd
}

func newEventsVerifyCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run> [stream]",
		Short: "Check the hash chain of event streams",
		Long: `Check the hash chain of one stream, or of every stream in the run.
A broken chain exits with status 1.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			log := primitives.NewEventLog(d, args[0])
			streams := args[1:]
			if len(streams) == 0 {
				if streams, err = log.Streams(); err != nil {
					return commandError("list streams", err)
				}
			}

			results := make([]streamCheck, 0, len(streams))
			broken := 0
			for _, s := range streams {
				res := streamCheck{Stream: s, OK: true}
				err := log.Verify(s)
				switch {
				case err == nil:
				case errors.Is(err, primitives.ErrChainBroken):
					res.OK = false
					res.Error = err.Error()
					broken++
				default:
					return commandError(fmt.Sprintf("verify stream %q", s), err)
				}
				if res.Events, err = log.Len(s); err != nil {
					return commandError(fmt.Sprintf("verify stream %q", s), err)
				}
				results = append(results, res)
			}

			if err := root.printer(cmd).print(results, func(w io.Writer) {
				for _, r := range results {
					if r.OK {
						fmt.Fprintf(w, "OK       %s (%d events)\n", r.Stream, r.Events)
					} else {
						fmt.Fprintf(w, "BROKEN   %s: %s\n", r.Stream, r.Error)
					}
				}
			}); err != nil {
				return err
			}
			if broken > 0 {
				return failure(fmt.Sprintf("%d of %d streams failed verification", broken, len(results)), nil)
			}
			return nil
		},
	}
}
