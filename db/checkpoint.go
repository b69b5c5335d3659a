package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aalhour/strata/internal/checkpoint"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/manifest"
)

// CheckpointInfo describes a completed checkpoint.
type CheckpointInfo struct {
	Seq    SequenceNumber
	Path   string
	Size   int
	Chains int

	// SegmentsRemoved counts WAL segments reclaimed because the checkpoint
	// covers them.
	SegmentsRemoved int
	// CheckpointsRemoved lists older checkpoints deleted beyond
	// Options.KeepCheckpoints.
	CheckpointsRemoved []SequenceNumber

	Duration time.Duration
}

// Checkpoint writes the whole store to a new checkpoint file, records it in
// the manifest and reclaims the WAL segments it covers. Commits continue
// while the file is written. In InMemory mode it does nothing.
func (d *DB) Checkpoint() (CheckpointInfo, error) {
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()
	if d.closed.Load() {
		return CheckpointInfo{}, ErrDBClosed
	}
	return d.checkpointLocked()
}

func (d *DB) checkpointLocked() (CheckpointInfo, error) {
	if d.opts.Durability == InMemory {
		return CheckpointInfo{Seq: d.LastSequence()}, nil
	}
	start := time.Now()

	// Cut at the newest commit. Rotating first puts every record at or
	// below the cut into sealed segments.
	d.commitMu.Lock()
	seq := d.lastSeq
	if _, err := d.log.Rotate(); err != nil {
		d.commitMu.Unlock()
		err = fmt.Errorf("%w: rotate WAL: %w", ErrIO, err)
		d.SetBackgroundError(err)
		return CheckpointInfo{}, err
	}
	chains, err := d.store.Export(context.Background())
	maxTxnID := d.txnIDs.Load()
	d.commitMu.Unlock()
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("db: export store: %w", err)
	}

	cp := &checkpoint.Checkpoint{
		Header: checkpoint.Header{
			Seq:         seq,
			MaxTxnID:    maxTxnID,
			CreatedAt:   d.opts.Clock().UnixNano(),
			Compression: d.opts.CheckpointCompression,
		},
		Chains: chains,
	}
	path, size, err := checkpoint.Write(d.fs, d.name, cp)
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	d.manifest.CheckpointSeq = seq
	d.manifest.MaxTxnID = maxTxnID
	if err := manifest.Write(d.fs, d.name, d.manifest); err != nil {
		return CheckpointInfo{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	d.lastCheckpoint.Store(uint64(seq))

	info := CheckpointInfo{Seq: seq, Path: path, Size: size, Chains: len(chains)}

	pruned, err := checkpoint.Prune(d.fs, d.name, d.opts.KeepCheckpoints)
	info.CheckpointsRemoved = pruned
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrIO, err)
	}

	// The WAL must still reach forward from the oldest retained checkpoint,
	// or falling back to it would leave a gap. Open snapshots hold their
	// segments too.
	removed, err := d.log.RemoveObsolete(d.walFloor(seq))
	info.SegmentsRemoved = removed
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrIO, err)
	}
	info.Duration = time.Since(start)

	d.stats.checkpoints.Add(1)
	d.metrics.checkpoints.Inc()
	d.metrics.checkpointBytes.Set(float64(size))
	d.metrics.segmentsRemoved.Add(float64(removed))
	d.logger.Infof("%swrote checkpoint at seq %d: %d chains, %d bytes, %d segments reclaimed in %v",
		logging.NSCheckpoint, seq, len(chains), size, removed, info.Duration)
	return info, nil
}

// walFloor returns the highest sequence whose WAL records are no longer
// needed, given a new checkpoint at seq.
func (d *DB) walFloor(seq SequenceNumber) SequenceNumber {
	floor := min(seq, d.oldestSnapshot())
	if seqs, err := checkpoint.List(d.fs, d.name); err == nil && len(seqs) > 0 {
		floor = min(floor, seqs[len(seqs)-1])
	}
	return floor
}
