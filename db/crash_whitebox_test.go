//go:build crashtest

// Whitebox crash tests.
//
// Each test re-runs itself as a child process with one kill point armed.
// The child exits at the kill point; the parent then reopens the database
// and checks the recovery invariants.
//
// Build and run:
//
//	go test -tags crashtest -v ./db/... -run TestWhitebox
package db

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/aalhour/strata/internal/testutil"
)

const (
	whiteboxKillPointEnv = "STRATA_WHITEBOX_KILL_POINT"
	whiteboxDBPathEnv    = "STRATA_WHITEBOX_DB_PATH"
)

func whiteboxOptions() *Options {
	opts := testOptions()
	opts.Durability = Strict
	return opts
}

// runWhiteboxChild runs fn against the database at dir in a child process
// that exits at killPoint. In the child it never returns.
func runWhiteboxChild(t *testing.T, dir, killPoint string, fn func(*DB)) {
	t.Helper()

	if os.Getenv(whiteboxKillPointEnv) == killPoint {
		testutil.SetKillPoint(killPoint)
		d, err := Open(os.Getenv(whiteboxDBPathEnv), whiteboxOptions())
		if err != nil {
			t.Fatalf("child Open() error = %v", err)
		}
		fn(d)
		// The kill point was not reached.
		_ = d.Close()
		os.Exit(2)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^"+t.Name()+"$", "-test.v")
	cmd.Env = append(os.Environ(),
		whiteboxKillPointEnv+"="+killPoint,
		whiteboxDBPathEnv+"="+dir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			t.Fatalf("child exited with code %d before reaching %s\nstdout: %s\nstderr: %s",
				exitErr.ExitCode(), killPoint, stdout.String(), stderr.String())
		}
		if err != nil {
			t.Fatalf("child: %v", err)
		}
		t.Logf("child exited at kill point %s", killPoint)
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		t.Fatalf("child timed out\nstdout: %s\nstderr: %s", stdout.String(), stderr.String())
	}
}

// seedWhitebox creates the database with run r1 and one durable record.
func seedWhitebox(t *testing.T, dir string) {
	t.Helper()
	if os.Getenv(whiteboxKillPointEnv) != "" {
		return
	}
	d := openTestDB(t, dir, whiteboxOptions())
	mustCreateRun(t, d, "r1")
	mustPut(t, d, Addr("r1", NamespaceKV, "baseline"), StringValue("v"))
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func reopenWhitebox(t *testing.T, dir string) *DB {
	t.Helper()
	d := openTestDB(t, dir, whiteboxOptions())
	if got, _ := mustGetString(t, d, Addr("r1", NamespaceKV, "baseline")); got != "v" {
		t.Errorf("baseline = %q after crash", got)
	}
	return d
}

// Kill point: WAL.Sync:1. A commit whose fsync completed is durable.
func TestWhitebox_WALSync1_SyncedCommitSurvives(t *testing.T) {
	dir := os.Getenv(whiteboxDBPathEnv)
	if dir == "" {
		dir = t.TempDir()
	}
	seedWhitebox(t, dir)
	runWhiteboxChild(t, dir, testutil.KPWALSync1, func(d *DB) {
		_, _ = d.Put(Addr("r1", NamespaceKV, "synced"), StringValue("v"))
	})

	d := reopenWhitebox(t, dir)
	defer d.Close()
	if got, _ := mustGetString(t, d, Addr("r1", NamespaceKV, "synced")); got != "v" {
		t.Errorf("synced = %q", got)
	}
}

// Kill point: WAL.Sync:0. The commit may or may not survive; the database
// must open either way.
func TestWhitebox_WALSync0_UnsyncedMayBeLost(t *testing.T) {
	dir := os.Getenv(whiteboxDBPathEnv)
	if dir == "" {
		dir = t.TempDir()
	}
	seedWhitebox(t, dir)
	runWhiteboxChild(t, dir, testutil.KPWALSync0, func(d *DB) {
		_, _ = d.Put(Addr("r1", NamespaceKV, "maybe"), StringValue("v"))
	})

	d := reopenWhitebox(t, dir)
	defer d.Close()
	if seq := d.LastSequence(); seq != 2 && seq != 3 {
		t.Errorf("LastSequence() = %d, want 2 or 3", seq)
	}
}

// Kill point: Commit.Apply:0. The commit is logged and synced but was never
// applied in memory; recovery replays it.
func TestWhitebox_CommitApply0_LoggedCommitReplayed(t *testing.T) {
	dir := os.Getenv(whiteboxDBPathEnv)
	if dir == "" {
		dir = t.TempDir()
	}
	seedWhitebox(t, dir)
	runWhiteboxChild(t, dir, testutil.KPCommitApply0, func(d *DB) {
		_ = d.Update(func(txn *Txn) error {
			if err := txn.Put(Addr("r1", NamespaceKV, "a"), StringValue("1")); err != nil {
				return err
			}
			return txn.Put(Addr("r1", NamespaceEventLog, "b"), StringValue("2"))
		})
	})

	d := reopenWhitebox(t, dir)
	defer d.Close()
	if got, _ := mustGetString(t, d, Addr("r1", NamespaceKV, "a")); got != "1" {
		t.Errorf("a = %q", got)
	}
	if got, _ := mustGetString(t, d, Addr("r1", NamespaceEventLog, "b")); got != "2" {
		t.Errorf("b = %q", got)
	}
}

// Kill point: Checkpoint.Write:1. The checkpoint file exists but the
// MANIFEST does not mention it yet.
func TestWhitebox_CheckpointWrite1_ManifestBehind(t *testing.T) {
	dir := os.Getenv(whiteboxDBPathEnv)
	if dir == "" {
		dir = t.TempDir()
	}
	seedWhitebox(t, dir)
	runWhiteboxChild(t, dir, testutil.KPCheckpointWrite1, func(d *DB) {
		_, _ = d.Put(Addr("r1", NamespaceKV, "before-ckpt"), StringValue("v"))
		_, _ = d.Checkpoint()
	})

	d := reopenWhitebox(t, dir)
	defer d.Close()
	if got, _ := mustGetString(t, d, Addr("r1", NamespaceKV, "before-ckpt")); got != "v" {
		t.Errorf("before-ckpt = %q", got)
	}
	if d.LastSequence() != 3 {
		t.Errorf("LastSequence() = %d, want 3", d.LastSequence())
	}
}

// Kill point: WAL.RemoveSegment:0. Reclamation stopped half way.
func TestWhitebox_SegmentRemove0_PartialReclaim(t *testing.T) {
	dir := os.Getenv(whiteboxDBPathEnv)
	if dir == "" {
		dir = t.TempDir()
	}
	seedWhitebox(t, dir)
	runWhiteboxChild(t, dir, testutil.KPSegmentRemove0, func(d *DB) {
		_, _ = d.Put(Addr("r1", NamespaceKV, "k"), StringValue("v"))
		_, _ = d.Checkpoint()
	})

	d := reopenWhitebox(t, dir)
	defer d.Close()
	if got, _ := mustGetString(t, d, Addr("r1", NamespaceKV, "k")); got != "v" {
		t.Errorf("k = %q", got)
	}
	mustPut(t, d, Addr("r1", NamespaceKV, "after"), StringValue("v"))
}
