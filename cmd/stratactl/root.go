package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aalhour/strata/config"
	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/manifest"
	"github.com/aalhour/strata/vfs"
)

// rootOptions holds the global flags.
type rootOptions struct {
	dbPath     string
	configPath string
	format     string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "stratactl",
		Short: "Inspect and maintain strata databases",
		Long: `stratactl inspects and maintains strata databases: run listings, record
reads, WAL dumps, checkpoint verification and manual compaction.

The database is named with --db, or with --config pointing at a YAML file
whose path field is used when --db is empty.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.format) {
				return commandError(fmt.Sprintf("invalid format %q: must be one of %v", opts.format, validFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "path to the database directory")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine diagnostics to stderr")

	cmd.AddCommand(
		newInfoCommand(opts),
		newRunsCommand(opts),
		newGetCommand(opts),
		newScanCommand(opts),
		newEventsCommand(opts),
		newWALCommand(opts),
		newCheckpointCommand(opts),
		newCompactCommand(opts),
	)
	return cmd
}

func (o *rootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.format, w: cmd.OutOrStdout()}
}

func (o *rootOptions) logger(stderr io.Writer) db.Logger {
	if o.verbose {
		return logging.NewLogger(stderr, logging.LevelDebug)
	}
	return logging.Discard
}

// resolve returns the database path and the options from --config, if any.
func (o *rootOptions) resolve() (string, *db.Options, error) {
	path := o.dbPath
	opts := db.DefaultOptions()
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return "", nil, commandError("load config", err)
		}
		if opts, err = cfg.Options(); err != nil {
			return "", nil, commandError("load config", err)
		}
		if path == "" {
			path = cfg.Path
		}
	}
	if path == "" {
		return "", nil, commandError("no database: pass --db or --config", nil)
	}
	return path, opts, nil
}

// open opens an existing database. The durability mode recorded in its
// MANIFEST is kept so inspection does not rewrite it.
func (o *rootOptions) open(cmd *cobra.Command) (*db.DB, error) {
	path, opts, err := o.resolve()
	if err != nil {
		return nil, err
	}
	m, err := manifest.Read(vfs.Default(), path)
	if err != nil {
		return nil, commandError("failed to open database", err)
	}
	opts.Durability = m.Durability
	opts.CreateIfMissing = false
	opts.ErrorIfExists = false
	opts.MetricsRegisterer = nil
	opts.Logger = o.logger(cmd.ErrOrStderr())

	d, err := db.Open(path, opts)
	if err != nil {
		return nil, commandError("failed to open database", err)
	}
	return d, nil
}
