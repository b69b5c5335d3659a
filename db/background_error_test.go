package db

import (
	"errors"
	"io"
	"testing"

	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/vfs"
)

// Contract: After Fatalf, writes are rejected with ErrBackgroundError and
// reads continue.
func TestFatalf_RejectsWritesAfterFatal(t *testing.T) {
	opts := testOptions()
	opts.Logger = logging.NewLogger(io.Discard, logging.LevelDebug)

	d := openTestDB(t, t.TempDir(), opts)
	defer d.Close()
	mustCreateRun(t, d, "r1")
	k := Addr("r1", NamespaceKV, "key1")
	mustPut(t, d, k, StringValue("value1"))

	d.logger.Fatalf("[test] simulated invariant violation")

	_, err := d.Put(Addr("r1", NamespaceKV, "key2"), StringValue("value2"))
	if !errors.Is(err, ErrBackgroundError) {
		t.Errorf("Put() after Fatalf error = %v, want ErrBackgroundError", err)
	}
	if !errors.Is(err, logging.ErrFatal) {
		t.Errorf("Put() after Fatalf error = %v, want logging.ErrFatal", err)
	}
	if got, _ := mustGetString(t, d, k); got != "value1" {
		t.Errorf("Get() after Fatalf = %q", got)
	}
	if got, _ := d.GetProperty(PropertyBackgroundErrors); got != "1" {
		t.Errorf("background errors property = %s, want 1", got)
	}
}

// Contract: the first background error wins.
func TestBackgroundErrorFirstWins(t *testing.T) {
	d := openTestDB(t, t.TempDir(), nil)
	defer d.Close()

	first := errors.New("first")
	d.SetBackgroundError(first)
	d.SetBackgroundError(errors.New("second"))
	if got := d.GetBackgroundError(); got != first {
		t.Errorf("GetBackgroundError() = %v, want first", got)
	}
}

// Contract: a Strict fsync failure fails the commit and stops later writes
// until reopen.
func TestStrictSyncFailureIsSticky(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.Durability = Strict
	opts.FS = fs

	d := openTestDB(t, dir, opts)
	mustCreateRun(t, d, "r1")
	k := Addr("r1", NamespaceKV, "k")
	mustPut(t, d, k, StringValue("v1"))

	fs.InjectSyncError()
	if _, err := d.Put(k, StringValue("v2")); !errors.Is(err, ErrIO) {
		t.Fatalf("Put() with failing fsync error = %v, want ErrIO", err)
	}
	fs.ClearErrors()

	_, err := d.Put(k, StringValue("v3"))
	if !errors.Is(err, ErrBackgroundError) || !errors.Is(err, ErrIO) {
		t.Errorf("Put() after failed fsync error = %v, want ErrBackgroundError wrapping ErrIO", err)
	}
	// The failed commit is not visible.
	if got, v := mustGetString(t, d, k); got != "v1" || v != 1 {
		t.Errorf("Get() = (%q, %d), want (v1, 1)", got, v)
	}
	_ = d.Close()

	d = openTestDB(t, dir, nil)
	defer d.Close()
	if d.GetBackgroundError() != nil {
		t.Errorf("background error survived reopen: %v", d.GetBackgroundError())
	}
	// Neither close nor recovery may resurrect the failed commit.
	if got, v := mustGetString(t, d, k); got != "v1" || v != 1 {
		t.Errorf("Get() after reopen = (%q, %d), want (v1, 1)", got, v)
	}
	if d.LastSequence() != 2 {
		t.Errorf("LastSequence() after reopen = %d, want 2", d.LastSequence())
	}
	if v, err := d.Put(k, StringValue("v4")); err != nil || v != 2 {
		t.Errorf("Put() after reopen = (%d, %v), want version 2", v, err)
	}
}

// Contract: Flush failures in Buffered mode surface as ErrIO.
func TestFlushFailure(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = fs
	d := openTestDB(t, t.TempDir(), opts)
	defer d.Close()
	mustCreateRun(t, d, "r1")

	fs.InjectSyncError()
	if err := d.Flush(); !errors.Is(err, ErrIO) {
		t.Errorf("Flush() error = %v, want ErrIO", err)
	}
	fs.ClearErrors()
	if d.GetBackgroundError() == nil {
		t.Error("failed Flush did not set the background error")
	}
}
