package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/checkpoint"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/primitives"
	"github.com/aalhour/strata/vfs"
)

// seedDB creates a strict database holding one run with two versions of a
// KV record and a two-event stream.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db")

	opts := db.DefaultOptions()
	opts.CreateIfMissing = true
	opts.Durability = db.Strict
	opts.Logger = logging.Discard
	d, err := db.Open(path, opts)
	require.NoError(t, err)

	_, err = d.CreateRun("run-1", map[string]string{"agent": "planner"})
	require.NoError(t, err)

	kv := primitives.NewKV(d, "run-1")
	_, err = kv.Put("greeting", db.StringValue("hello"))
	require.NoError(t, err)
	_, err = kv.Put("greeting", db.StringValue("hello again"))
	require.NoError(t, err)
	_, err = kv.Put("count", db.IntValue(7))
	require.NoError(t, err)

	log := primitives.NewEventLog(d, "run-1")
	_, err = log.Append("main", "started", map[string]int{"step": 1})
	require.NoError(t, err)
	_, err = log.Append("main", "finished", map[string]int{"step": 2})
	require.NoError(t, err)

	require.NoError(t, d.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "stratactl", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	commands := [][]string{
		{"info"},
		{"runs"},
		{"get"},
		{"scan"},
		{"events", "verify"},
		{"wal", "dump"},
		{"checkpoint", "verify"},
		{"checkpoint", "create"},
		{"compact"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestCommandErrors(t *testing.T) {
	path := seedDB(t)
	missing := filepath.Join(t.TempDir(), "nope")

	tests := []struct {
		name string
		args []string
	}{
		{"no database", []string{"info"}},
		{"missing database", []string{"--db", missing, "info"}},
		{"invalid format", []string{"--db", path, "--format", "yaml", "info"}},
		{"invalid namespace", []string{"--db", path, "get", "run-1", "blob", "k"}},
		{"missing config", []string{"--config", filepath.Join(missing, "strata.yaml"), "info"}},
		{"wrong arg count", []string{"--db", path, "get", "run-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, exitCommandError, exitCode(err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitSuccess, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(failure("bad", nil)))
	assert.Equal(t, exitCommandError, exitCode(commandError("bad", nil)))
	assert.Equal(t, exitCommandError, exitCode(os.ErrNotExist))
}

func TestInfo(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "--format", "json", "info")
	require.NoError(t, err)

	var res infoResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, path, res.Path)
	assert.NotEmpty(t, res.DBID)
	assert.Equal(t, "strict", res.Durability)
	assert.Equal(t, 1, res.Runs)
	assert.Positive(t, res.LastSequence)
	assert.Equal(t, res.LastSequence, res.DurableSequence)

	out, err = execute(t, "--db", path, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Durability:        strict")
}

func TestRuns(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "agent=planner")

	out, err = execute(t, "--db", path, "--format", "json", "runs")
	require.NoError(t, err)
	var rows []runRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "run-1", rows[0].ID)
	assert.Equal(t, "planner", rows[0].Metadata["agent"])
}

func TestGet(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "--format", "json", "get", "run-1", "kv", "greeting")
	require.NoError(t, err)
	var row recordRow
	require.NoError(t, json.Unmarshal([]byte(out), &row))
	assert.Equal(t, uint64(2), row.Version)
	assert.Equal(t, "string", row.Kind)
	assert.Equal(t, `"hello again"`, row.Value)

	out, err = execute(t, "--db", path, "get", "--version", "1", "run-1", "kv", "greeting")
	require.NoError(t, err)
	assert.Contains(t, out, `"hello"`)
	assert.Contains(t, out, "@v1")

	_, err = execute(t, "--db", path, "get", "run-1", "kv", "absent")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestScan(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "--format", "json", "scan", "run-1", "kv")
	require.NoError(t, err)
	var rows []recordRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "count", rows[0].Key)
	assert.Equal(t, "7", rows[0].Value)
	assert.Equal(t, "greeting", rows[1].Key)

	out, err = execute(t, "--db", path, "scan", "run-1", "kv", "gr")
	require.NoError(t, err)
	assert.Contains(t, out, "greeting")
	assert.NotContains(t, out, "count")
}

func TestEventsVerify(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "events", "verify", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "OK       main (2 events)")

	// Remove the first event behind the facade's back.
	opts := db.DefaultOptions()
	opts.Durability = db.Strict
	opts.Logger = logging.Discard
	d, err := db.Open(path, opts)
	require.NoError(t, err)
	require.NoError(t, d.Delete(db.Addr("run-1", db.NamespaceEventLog, fmt.Sprintf("e/main/%020d", 1))))
	require.NoError(t, d.Close())

	out, err = execute(t, "--db", path, "--format", "json", "events", "verify", "run-1", "main")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))

	var res []streamCheck
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res, 1)
	assert.False(t, res[0].OK)
	assert.Contains(t, res[0].Error, "event chain broken")
}

func TestWALDump(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "--format", "json", "wal", "dump", "--values")
	require.NoError(t, err)
	var dump walDump
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	require.NotEmpty(t, dump.Segments)
	require.NotEmpty(t, dump.Records)
	assert.Empty(t, dump.Error)
	for i := 1; i < len(dump.Records); i++ {
		assert.Greater(t, dump.Records[i].Seq, dump.Records[i-1].Seq)
	}

	var sawGreeting bool
	for _, r := range dump.Records {
		for _, e := range r.Entries {
			if e.Address == "run-1/kv/greeting" && e.Version == 2 {
				sawGreeting = true
				assert.Equal(t, "put", e.Op)
				assert.Equal(t, uint64(1), e.Prior)
				assert.Equal(t, `"hello again"`, e.Value)
			}
		}
	}
	assert.True(t, sawGreeting)

	last := dump.Records[len(dump.Records)-1].Seq
	out, err = execute(t, "--db", path, "--format", "json", "wal", "dump", "--from-seq", fmt.Sprint(last))
	require.NoError(t, err)
	dump = walDump{}
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	require.Len(t, dump.Records, 1)
	assert.Equal(t, last, dump.Records[0].Seq)
	assert.Empty(t, dump.Records[0].Entries[0].Value)

	out, err = execute(t, "--db", path, "--format", "json", "wal", "dump", "--limit", "1")
	require.NoError(t, err)
	dump = walDump{}
	require.NoError(t, json.Unmarshal([]byte(out), &dump))
	assert.Len(t, dump.Records, 1)
}

func TestCheckpointCreateAndVerify(t *testing.T) {
	path := seedDB(t)

	out, err := execute(t, "--db", path, "checkpoint", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "MANIFEST checkpoint: 0")

	out, err = execute(t, "--db", path, "--format", "json", "checkpoint", "create")
	require.NoError(t, err)
	var created checkpointCreated
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Positive(t, created.Seq)
	assert.Positive(t, created.Chains)

	out, err = execute(t, "--db", path, "--format", "json", "checkpoint", "verify")
	require.NoError(t, err)
	var report checkpointReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, created.Seq, report.ManifestSeq)
	require.Len(t, report.Checkpoints, 1)
	assert.True(t, report.Checkpoints[0].OK)
	assert.Equal(t, "zstd", report.Checkpoints[0].Compression)

	// Flip a byte in the body.
	name := checkpoint.FileName(path, db.SequenceNumber(created.Seq))
	data, err := vfs.ReadFile(vfs.Default(), name)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(name, data, 0o644))

	out, err = execute(t, "--db", path, "checkpoint", "verify")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, out, "DAMAGED")
}

func TestCompact(t *testing.T) {
	path := seedDB(t)
	cfgPath := filepath.Join(t.TempDir(), "strata.yaml")
	cfg := fmt.Sprintf("path: %s\ndurability:\n  mode: strict\nretention:\n  default: keep_last:1\n", path)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, "--config", cfgPath, "--format", "json", "compact")
	require.NoError(t, err)
	var res compactResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Positive(t, res.ChainsVisited)
	// greeting v1 and the stream head's first version.
	assert.GreaterOrEqual(t, res.VersionsDropped, 2)
	assert.Positive(t, res.Checkpoint.Seq)

	_, err = execute(t, "--db", path, "get", "--version", "1", "run-1", "kv", "greeting")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))

	out, err = execute(t, "--db", path, "get", "run-1", "kv", "greeting")
	require.NoError(t, err)
	assert.Contains(t, out, `"hello again"`)
}
