package db

import (
	"fmt"
	"time"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/mvcc"
	"github.com/aalhour/strata/internal/testutil"
	"github.com/aalhour/strata/internal/wal"
)

// commit runs the commit critical section for t: validate the read set,
// validate CAS expectations, check run status, assign the next sequence,
// log under the durability policy and apply to the store. Nothing is
// applied unless every step before the apply succeeds.
func (d *DB) commit(t *Txn) error {
	start := time.Now()
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	if d.closed.Load() {
		return ErrDBClosed
	}
	if bgErr := d.GetBackgroundError(); bgErr != nil {
		return fmt.Errorf("%w: %w", ErrBackgroundError, bgErr)
	}

	if err := d.validate(t); err != nil {
		return err
	}

	seq := d.lastSeq + 1
	now := d.opts.Clock().UnixNano()
	if now < d.lastTS {
		now = d.lastTS
	}
	rec := &wal.CommitRecord{
		TxnID:     t.id,
		Seq:       seq,
		Timestamp: now,
		Entries:   make([]wal.Entry, 0, len(t.writes)+len(t.deleteRuns)),
	}
	batch := &mvcc.Batch{
		Seq:        seq,
		Timestamp:  now,
		Mutations:  make([]mvcc.Mutation, 0, len(t.writes)),
		DeleteRuns: t.deleteRuns,
	}
	for _, w := range t.writes {
		prior := d.store.Current(w.addr)
		e := wal.Entry{
			Op:           dbformat.OpPut,
			Addr:         w.addr,
			Value:        w.value,
			PriorVersion: prior,
			Version:      prior + 1,
		}
		switch {
		case w.tombstone:
			e.Op, e.Value = dbformat.OpDelete, Value{}
		case w.cas:
			e.Op = dbformat.OpCAS
		}
		if w.cas {
			e.ExpectedVersion = w.expected
		}
		rec.Entries = append(rec.Entries, e)
		batch.Mutations = append(batch.Mutations, mvcc.Mutation{
			Addr:      w.addr,
			Value:     e.Value,
			Tombstone: w.tombstone,
			Expected:  prior,
		})
	}
	for _, run := range t.deleteRuns {
		rec.Entries = append(rec.Entries, wal.Entry{
			Op:   dbformat.OpDeleteRun,
			Addr: dbformat.Address{Run: run},
		})
	}

	if err := d.dur.Append(rec); err != nil {
		err = fmt.Errorf("%w: commit seq %d: %w", ErrIO, seq, err)
		d.SetBackgroundError(err)
		return err
	}

	testutil.MaybeKill(testutil.KPCommitApply0)

	if err := d.store.Apply(batch); err != nil {
		// Validation ran under the same lock, so this is a broken invariant.
		err = fmt.Errorf("%w: apply of logged seq %d: %w", ErrCorruption, seq, err)
		d.logger.Fatalf("%s%v", logging.NSTxn, err)
		d.SetBackgroundError(err)
		return err
	}

	d.lastSeq = seq
	d.lastTS = now
	d.visible.Store(uint64(seq))

	t.commitSeq = seq
	t.committed = make(map[Address]uint64, len(batch.Mutations))
	for _, m := range batch.Mutations {
		t.committed[m.Addr] = m.Version
	}

	d.stats.commits.Add(1)
	d.metrics.commits.Inc()
	d.metrics.commitLatency.Observe(time.Since(start).Seconds())
	return nil
}

// validate runs both validation phases and the run status check. Called
// with commitMu held.
func (d *DB) validate(t *Txn) error {
	for _, addr := range t.readOrder {
		observed := t.reads[addr]
		if cur := d.store.Current(addr); cur != observed {
			return d.conflict(ReadConflict, addr, observed, cur)
		}
	}
	for _, w := range t.writes {
		if !w.cas {
			continue
		}
		if cur := d.store.Current(w.addr); cur != w.expected {
			return d.conflict(CASConflict, w.addr, w.expected, cur)
		}
	}
	if t.system {
		return nil
	}

	checked := make(map[string]bool)
	for _, w := range t.writes {
		run := w.addr.Run
		if checked[run] {
			continue
		}
		checked[run] = true
		info, found, err := d.readRun(run, dbformat.MaxSequenceNumber)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: unknown run %q", ErrRunNotActive, run)
		}
		if info.Status != RunActive {
			return fmt.Errorf("%w: run %q is %s", ErrRunNotActive, run, info.Status)
		}
	}
	return nil
}

func (d *DB) conflict(kind ConflictKind, addr Address, expected, actual uint64) error {
	d.stats.conflicts.Add(1)
	d.metrics.conflict(kind)
	return &ConflictError{Kind: kind, Addr: addr, Expected: expected, Actual: actual}
}
