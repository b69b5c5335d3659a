// recovery.go rebuilds the store from the newest valid checkpoint and the
// WAL when an existing database is opened.
package db

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aalhour/strata/internal/checkpoint"
	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/manifest"
	"github.com/aalhour/strata/internal/mvcc"
	"github.com/aalhour/strata/internal/wal"
)

// recover recovers the database from an existing state.
//
// The newest checkpoint that verifies becomes the base state; damaged ones
// are skipped in favor of older ones. WAL records after the base sequence
// are then replayed in order. Segments holding only records the base state
// covers are not read, so damage in them never cuts the log. Replay stops at the first damaged or torn
// record: that segment is cut back to its last intact record and every
// later segment is removed, so the recovered state is always a prefix of
// the commit history. A missing sequence between the base state and the
// log, or a history that ends before the manifest's checkpoint, is
// unrecoverable.
func (d *DB) recover() error {
	start := time.Now()

	m, err := manifest.Read(d.fs, d.name)
	if err != nil {
		if errors.Is(err, manifest.ErrCorrupt) {
			return fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	d.manifest = m

	cp, err := checkpoint.LoadLatest(d.fs, d.name, d.logger)
	if err != nil {
		return fmt.Errorf("%w: load checkpoint: %w", ErrIO, err)
	}
	var base dbformat.SequenceNumber
	maxTxnID := m.MaxTxnID
	if cp != nil {
		d.store.Load(cp.Chains, cp.Seq)
		base = cp.Seq
		maxTxnID = max(maxTxnID, cp.MaxTxnID)
		d.lastCheckpoint.Store(uint64(cp.Seq))
		if cp.Seq < m.CheckpointSeq {
			d.logger.Warnf("%sfell back to checkpoint at seq %d, manifest records %d",
				logging.NSRecovery, cp.Seq, m.CheckpointSeq)
		}
	} else if m.CheckpointSeq > 0 {
		d.logger.Warnf("%sno valid checkpoint, manifest records seq %d; replaying the WAL only",
			logging.NSRecovery, m.CheckpointSeq)
	}

	numbers, err := wal.ListSegments(d.fs, d.name)
	if err != nil {
		return fmt.Errorf("%w: list WAL segments: %w", ErrIO, err)
	}

	firstSeg, covered := d.coveredSegments(numbers, base)
	it := wal.NewIterator(d.fs, d.name, numbers[firstSeg:])
	last := base
	var lastTS int64
	var replayed, skipped int
	for it.Next() {
		rec := it.Record()
		maxTxnID = max(maxTxnID, rec.TxnID)
		if rec.Seq <= base {
			skipped++
			continue
		}
		if rec.Seq != last+1 {
			_ = it.Close()
			return fmt.Errorf("%w: WAL continues at seq %d after %d", ErrCorruption, rec.Seq, last)
		}
		if _, err := d.store.Replay(batchFromRecord(rec)); err != nil {
			_ = it.Close()
			return fmt.Errorf("%w: replay seq %d: %w", ErrCorruption, rec.Seq, err)
		}
		last = rec.Seq
		lastTS = max(lastTS, rec.Timestamp)
		replayed++
	}
	segments := append(covered, it.Segments()...)
	iterErr := it.Err()
	segNum, goodEnd := it.Position()
	_ = it.Close()

	// The manifest proves commits up to its checkpoint existed.
	if last < m.CheckpointSeq {
		return fmt.Errorf("%w: recovered to seq %d, manifest checkpoint is %d", ErrCorruption, last, m.CheckpointSeq)
	}

	if iterErr != nil {
		var ce *wal.CorruptionError
		if !errors.As(iterErr, &ce) {
			return fmt.Errorf("%w: read WAL: %w", ErrIO, iterErr)
		}
		if err := d.truncateWAL(numbers, segNum, goodEnd, iterErr); err != nil {
			return err
		}
	}

	next := uint64(1)
	if len(numbers) > 0 {
		next = slices.Max(numbers) + 1
	}

	d.lastSeq = last
	d.lastTS = lastTS
	d.visible.Store(uint64(last))
	d.txnIDs.Store(maxTxnID)

	if err := d.openLog(segments, next); err != nil {
		return err
	}

	if m.Durability != d.opts.Durability {
		d.logger.Infof("%sdurability changes from %s to %s", logging.NSRecovery, m.Durability, d.opts.Durability)
		m.Durability = d.opts.Durability
		if err := manifest.Write(d.fs, d.name, m); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	d.metrics.recoveryReplayed.Add(float64(replayed))
	d.metrics.recoverySkipped.Add(float64(skipped))
	d.logger.Infof("%srecovered to seq %d from checkpoint %d: %d commits replayed, %d skipped, %d segments in %v",
		logging.NSRecovery, last, base, replayed, skipped, len(segments), time.Since(start))
	return nil
}

// coveredSegments finds the leading segments whose records all have
// sequence numbers <= base. It returns the index of the first segment replay
// must read, and bookkeeping for the skipped ones so they can be reclaimed
// later. Only first records are read; a segment is covered when a later
// segment starts at or before base+1.
func (d *DB) coveredSegments(numbers []uint64, base SequenceNumber) (int, []wal.SegmentInfo) {
	if base == 0 {
		return 0, nil
	}
	start := 0
	next := base + 1 // first sequence of the segment after the one examined
	for i := len(numbers) - 1; i > 0; i-- {
		first, ok := wal.FirstSequence(d.fs, d.name, numbers[i])
		if ok && first <= base+1 {
			start, next = i, first
			break
		}
	}
	if start == 0 {
		return 0, nil
	}

	covered := make([]wal.SegmentInfo, start)
	for i := start - 1; i >= 0; i-- {
		first, ok := wal.FirstSequence(d.fs, d.name, numbers[i])
		covered[i] = wal.SegmentInfo{Number: numbers[i], LastSeq: next - 1}
		if ok && first < next {
			covered[i].FirstSeq = first
			next = first
		}
	}
	d.logger.Infof("%sskipping %d WAL segments covered by checkpoint %d", logging.NSRecovery, start, base)
	return start, covered
}

// truncateWAL cuts segment seg back to goodEnd bytes and removes every
// later segment.
func (d *DB) truncateWAL(numbers []uint64, seg uint64, goodEnd int64, cause error) error {
	d.logger.Warnf("%s%v; truncating segment %06d to %d bytes", logging.NSRecovery, cause, seg, goodEnd)
	if err := wal.TruncateSegment(d.fs, d.name, seg, goodEnd); err != nil {
		return fmt.Errorf("%w: truncate segment %06d: %w", ErrIO, seg, err)
	}
	for _, n := range numbers {
		if n <= seg {
			continue
		}
		d.logger.Warnf("%sremoving segment %06d after the damaged one", logging.NSRecovery, n)
		if err := d.fs.Remove(wal.SegmentFileName(d.name, n)); err != nil {
			return fmt.Errorf("%w: remove segment %06d: %w", ErrIO, n, err)
		}
	}
	if err := d.fs.SyncDir(d.name); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	d.metrics.recoveryTruncated.Inc()
	return nil
}

// batchFromRecord converts a logged commit back into a store batch.
func batchFromRecord(rec *wal.CommitRecord) *mvcc.Batch {
	b := &mvcc.Batch{
		Seq:       rec.Seq,
		Timestamp: rec.Timestamp,
		Mutations: make([]mvcc.Mutation, 0, len(rec.Entries)),
	}
	for _, e := range rec.Entries {
		switch e.Op {
		case dbformat.OpDeleteRun:
			b.DeleteRuns = append(b.DeleteRuns, e.Addr.Run)
		default:
			b.Mutations = append(b.Mutations, mvcc.Mutation{
				Addr:      e.Addr,
				Value:     e.Value,
				Tombstone: e.Op == dbformat.OpDelete,
				Expected:  e.PriorVersion,
				Version:   e.Version,
			})
		}
	}
	return b
}
