package db

import (
	"time"

	"github.com/aalhour/strata/internal/logging"
)

// CompactionStats reports what Compact did.
type CompactionStats struct {
	ChainsVisited   int
	VersionsDropped int
	Checkpoint      CheckpointInfo
	Duration        time.Duration
}

// Compact applies Options.Retention to every version chain, then writes a
// checkpoint of the pruned store, which reclaims covered WAL segments and
// old checkpoints. The current version of an address and every version an
// open snapshot reads are never dropped. Transactions
// proceed while it runs.
func (d *DB) Compact() (CompactionStats, error) {
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()
	if d.closed.Load() {
		return CompactionStats{}, ErrDBClosed
	}
	start := time.Now()

	ps := d.store.Prune(d.opts.Retention, d.opts.Clock(), d.pinnedSnapshots())
	st := CompactionStats{ChainsVisited: ps.ChainsVisited, VersionsDropped: ps.VersionsDropped}

	info, err := d.checkpointLocked()
	st.Checkpoint = info
	if err != nil {
		return st, err
	}
	st.Duration = time.Since(start)

	d.stats.compactions.Add(1)
	d.metrics.compactions.Inc()
	d.metrics.versionsPruned.Add(float64(ps.VersionsDropped))
	d.logger.Infof("%sdropped %d versions from %d chains in %v",
		logging.NSCompact, ps.VersionsDropped, ps.ChainsVisited, st.Duration)
	return st, nil
}
