// transaction.go implements optimistic transactions with snapshot isolation.
//
// A transaction reads at the snapshot taken by Begin and stages writes
// locally. Nothing reaches the store until Commit, which validates the read
// set and CAS expectations inside the commit critical section (commit.go).
package db

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
)

type txnState uint8

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

func (s txnState) String() string {
	switch s {
	case txnActive:
		return "active"
	case txnCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// stagedWrite is the latest staged write to one address.
type stagedWrite struct {
	addr      Address
	value     Value
	tombstone bool

	// cas is set once any CAS targeted the address; expected is then checked
	// at commit whatever the final staged operation is.
	cas      bool
	expected uint64
}

// Txn is an optimistic transaction. A Txn is safe for concurrent use, but its
// operations are serialized.
type Txn struct {
	mu sync.Mutex

	db       *DB
	id       uint64
	snapshot dbformat.SequenceNumber
	state    txnState

	// system transactions maintain the run registry and may address the
	// reserved system run.
	system bool

	// Read set: address -> version observed at the snapshot (0 = absent).
	reads     map[Address]uint64
	readOrder []Address

	writes []*stagedWrite
	staged map[Address]*stagedWrite

	// deleteRuns lists runs whose records the commit removes.
	deleteRuns []string

	// Run statuses seen at the snapshot.
	runs map[string]RunStatus

	commitSeq dbformat.SequenceNumber
	committed map[Address]uint64
}

// Begin starts a transaction reading at the newest visible commit. The
// snapshot stays pinned until Commit or Abort.
func (d *DB) Begin() (*Txn, error) {
	if d.closed.Load() {
		return nil, ErrDBClosed
	}
	return d.begin(false), nil
}

func (d *DB) begin(system bool) *Txn {
	return &Txn{
		db:       d,
		id:       d.txnIDs.Add(1),
		snapshot: d.acquireSnapshot(),
		system:   system,
		reads:    make(map[Address]uint64),
		staged:   make(map[Address]*stagedWrite),
		runs:     make(map[string]RunStatus),
	}
}

// ID returns the transaction id logged with the commit.
func (t *Txn) ID() uint64 { return t.id }

// Snapshot returns the sequence the transaction reads at.
func (t *Txn) Snapshot() SequenceNumber { return t.snapshot }

func (t *Txn) checkActive() error {
	if t.state != txnActive {
		return fmt.Errorf("%w: transaction %d is %s", ErrTxnNotActive, t.id, t.state)
	}
	return nil
}

// checkAddr validates addr and the status of its run at the snapshot.
// Reads need the run to exist and not be deleted; writes need it active.
func (t *Txn) checkAddr(addr Address, write bool) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	if addr.Run == dbformat.SystemRun {
		if !t.system {
			return fmt.Errorf("%w: the run index is reserved", dbformat.ErrInvalidAddress)
		}
		return nil
	}
	st, err := t.runStatus(addr.Run)
	if err != nil {
		return err
	}
	switch {
	case st == 0:
		return fmt.Errorf("%w: unknown run %q", ErrRunNotActive, addr.Run)
	case st == RunDeleted:
		return fmt.Errorf("%w: run %q is deleted", ErrRunNotActive, addr.Run)
	case write && st != RunActive:
		return fmt.Errorf("%w: run %q is %s", ErrRunNotActive, addr.Run, st)
	}
	return nil
}

// runStatus returns the status of run at the snapshot, 0 if it did not exist.
func (t *Txn) runStatus(run string) (RunStatus, error) {
	if st, ok := t.runs[run]; ok {
		return st, nil
	}
	info, found, err := t.db.readRun(run, t.snapshot)
	if err != nil {
		return 0, err
	}
	var st RunStatus
	if found {
		st = info.Status
	}
	t.runs[run] = st
	return st, nil
}

// baseVersion is the version of addr visible at the snapshot, tombstones
// included, or 0.
func (t *Txn) baseVersion(addr Address) uint64 {
	if v, ok := t.db.store.Read(addr, t.snapshot); ok {
		return v.Number
	}
	return 0
}

// Get reads addr at the snapshot. A staged write of this transaction is
// returned with a provisional version, one past the version it read or saw
// at the snapshot. A blind write commits one past whatever is current at
// commit time; CommittedVersion reports the final number. A read of
// committed data adds addr to the read set.
func (t *Txn) Get(addr Address) (VersionedValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return VersionedValue{}, false, err
	}
	if err := t.checkAddr(addr, false); err != nil {
		return VersionedValue{}, false, err
	}

	if w, ok := t.staged[addr]; ok {
		if w.tombstone {
			return VersionedValue{}, false, nil
		}
		return VersionedValue{Value: w.value, Version: t.baseVersion(addr) + 1}, true, nil
	}

	v, ok := t.db.store.Read(addr, t.snapshot)
	observed := uint64(0)
	if ok {
		observed = v.Number
	}
	if _, seen := t.reads[addr]; !seen {
		t.reads[addr] = observed
		t.readOrder = append(t.readOrder, addr)
	}
	if !ok || v.Tombstone {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{Value: v.Value, Version: v.Number, Timestamp: v.Timestamp}, true, nil
}

// GetVersion reads version n of addr if it was committed at or before the
// snapshot and is still retained. It does not touch the read set.
func (t *Txn) GetVersion(addr Address, n uint64) (VersionedValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return VersionedValue{}, false, err
	}
	if err := t.checkAddr(addr, false); err != nil {
		return VersionedValue{}, false, err
	}
	v, ok := t.db.store.ReadVersion(addr, n)
	if !ok || v.Seq > t.snapshot || v.Tombstone {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{Value: v.Value, Version: v.Number, Timestamp: v.Timestamp}, true, nil
}

func (t *Txn) stage(addr Address) (*stagedWrite, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if err := t.checkAddr(addr, true); err != nil {
		return nil, err
	}
	w, ok := t.staged[addr]
	if !ok {
		w = &stagedWrite{addr: addr}
		t.staged[addr] = w
		t.writes = append(t.writes, w)
	}
	return w, nil
}

// Put stages v at addr.
func (t *Txn) Put(addr Address, v Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, err := t.stage(addr)
	if err != nil {
		return err
	}
	w.value, w.tombstone = v, false
	return nil
}

// Delete stages a tombstone at addr.
func (t *Txn) Delete(addr Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, err := t.stage(addr)
	if err != nil {
		return err
	}
	w.value, w.tombstone = Value{}, true
	return nil
}

// CAS stages v at addr on the condition that addr's current version is
// expected (0 = absent) when the transaction commits. A failed expectation
// fails the commit with a *ConflictError of kind CASConflict.
func (t *Txn) CAS(addr Address, expected uint64, v Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, err := t.stage(addr)
	if err != nil {
		return err
	}
	w.value, w.tombstone = v, false
	w.cas, w.expected = true, expected
	return nil
}

// Scan returns the live records of run/ns whose key starts with prefix, as
// of the snapshot and merged with staged writes, sorted by key. Scanned
// records are not added to the read set.
func (t *Txn) Scan(run string, ns Namespace, prefix string) ([]ScanEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if err := t.checkAddr(dbformat.Addr(run, ns, prefix), false); err != nil {
		return nil, err
	}

	byKey := make(map[string]VersionedValue)
	for _, e := range t.db.store.Scan(run, ns, prefix, t.snapshot) {
		byKey[e.Addr.Key] = VersionedValue{Value: e.Version.Value, Version: e.Version.Number, Timestamp: e.Version.Timestamp}
	}
	for _, w := range t.writes {
		a := w.addr
		if a.Run != run || a.Namespace != ns || !strings.HasPrefix(a.Key, prefix) {
			continue
		}
		if w.tombstone {
			delete(byKey, a.Key)
			continue
		}
		byKey[a.Key] = VersionedValue{Value: w.value, Version: t.baseVersion(a) + 1}
	}

	out := make([]ScanEntry, 0, len(byKey))
	for k, vv := range byKey {
		out = append(out, ScanEntry{Key: k, VersionedValue: vv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Commit validates and applies the transaction. Read-only transactions
// commit without validation. On any error nothing was applied and the
// transaction is aborted.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	if len(t.writes) == 0 && len(t.deleteRuns) == 0 {
		t.finish(txnCommitted)
		return nil
	}
	if err := t.db.commit(t); err != nil {
		t.finish(txnAborted)
		return err
	}
	t.finish(txnCommitted)
	t.db.logger.Debugf("%scommitted txn %d at seq %d (%d writes)", logging.NSTxn, t.id, t.commitSeq, len(t.writes))
	return nil
}

// Abort discards the transaction's staged writes.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.finish(txnAborted)
	return nil
}

// discard aborts the transaction if it is still active.
func (t *Txn) discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txnActive {
		t.finish(txnAborted)
	}
}

func (t *Txn) finish(state txnState) {
	t.state = state
	t.db.releaseSnapshot(t.snapshot)
	// Only transactions that staged something count as aborted.
	if state == txnAborted && (len(t.writes) > 0 || len(t.deleteRuns) > 0) {
		t.db.stats.aborts.Add(1)
		t.db.metrics.aborts.Inc()
	}
	t.reads, t.staged = nil, nil
}

// CommitSeq returns the sequence assigned by a successful commit, 0 before
// it or for a read-only transaction.
func (t *Txn) CommitSeq() SequenceNumber {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitSeq
}

// CommittedVersion returns the version a successful commit assigned to addr.
func (t *Txn) CommittedVersion(addr Address) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.committed[addr]
	return v, ok
}

// Update runs fn in a new transaction and commits it if fn returns nil.
// Conflicts are returned, not retried.
func (d *DB) Update(fn func(*Txn) error) error {
	_, err := d.update(fn)
	return err
}

func (d *DB) update(fn func(*Txn) error) (*Txn, error) {
	t, err := d.Begin()
	if err != nil {
		return nil, err
	}
	defer t.discard()
	if err := fn(t); err != nil {
		return t, err
	}
	return t, t.Commit()
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(*Txn) error) error {
	t, err := d.Begin()
	if err != nil {
		return err
	}
	defer t.discard()
	return fn(t)
}

// Get reads the current value of addr.
func (d *DB) Get(addr Address) (vv VersionedValue, found bool, err error) {
	err = d.View(func(t *Txn) error {
		vv, found, err = t.Get(addr)
		return err
	})
	return vv, found, err
}

// GetVersion reads version n of addr.
func (d *DB) GetVersion(addr Address, n uint64) (vv VersionedValue, found bool, err error) {
	err = d.View(func(t *Txn) error {
		vv, found, err = t.GetVersion(addr, n)
		return err
	})
	return vv, found, err
}

// Scan returns the current live records of run/ns under prefix.
func (d *DB) Scan(run string, ns Namespace, prefix string) (entries []ScanEntry, err error) {
	err = d.View(func(t *Txn) error {
		entries, err = t.Scan(run, ns, prefix)
		return err
	})
	return entries, err
}

// Put writes v at addr and returns the new version.
func (d *DB) Put(addr Address, v Value) (uint64, error) {
	t, err := d.update(func(t *Txn) error { return t.Put(addr, v) })
	if err != nil {
		return 0, err
	}
	version, _ := t.CommittedVersion(addr)
	return version, nil
}

// Delete writes a tombstone at addr.
func (d *DB) Delete(addr Address) error {
	_, err := d.update(func(t *Txn) error { return t.Delete(addr) })
	return err
}

// CAS writes v at addr if its current version is expected (0 = absent). A
// failed expectation is not an error: it returns ok=false and no new
// version is created.
func (d *DB) CAS(addr Address, expected uint64, v Value) (version uint64, ok bool, err error) {
	t, err := d.update(func(t *Txn) error { return t.CAS(addr, expected, v) })
	if err != nil {
		if errors.Is(err, ErrCASMismatch) {
			return 0, false, nil
		}
		return 0, false, err
	}
	version, _ = t.CommittedVersion(addr)
	return version, true, nil
}
