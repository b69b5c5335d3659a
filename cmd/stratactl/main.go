// Command stratactl inspects and maintains strata databases.
//
// Usage:
//
//	stratactl --db=<path> <command> [options]
//
// Commands:
//
//	info                 Print database metadata and counters
//	runs                 List runs
//	get <run> <ns> <key> Print a record
//	scan <run> <ns>      List the live records of a namespace
//	events verify        Check the hash chain of an event stream
//	wal dump             Print the commit records in the WAL
//	checkpoint verify    Verify checkpoint files
//	checkpoint create    Write a checkpoint
//	compact              Apply retention and checkpoint
//
// wal dump and checkpoint verify read files directly and never open the
// database; the other commands open it, which takes the lock and runs
// recovery.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
