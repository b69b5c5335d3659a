package db

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/durability"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/manifest"
	"github.com/aalhour/strata/internal/mvcc"
	"github.com/aalhour/strata/internal/wal"
	"github.com/aalhour/strata/vfs"
)

const (
	lockFileName = "LOCK"
	creatorName  = "strata"
)

// DB is an open strata database. It is safe for concurrent use.
type DB struct {
	// Database path
	name string

	// Configuration
	opts   Options
	fs     vfs.FS
	logger logging.Logger

	lock     io.Closer
	manifest *manifest.Manifest // written only under ckptMu

	store   *mvcc.Store
	log     *wal.Log // nil in InMemory mode
	dur     *durability.Controller
	metrics *metrics

	// commitMu is the commit critical section: validate, assign the
	// sequence, log, apply.
	commitMu sync.Mutex
	lastSeq  dbformat.SequenceNumber // guarded by commitMu
	lastTS   int64                   // guarded by commitMu
	visible  atomic.Uint64           // newest applied commit
	txnIDs   atomic.Uint64

	// Pinned snapshot sequences with their reference counts.
	snapMu    sync.Mutex
	snapshots map[dbformat.SequenceNumber]int

	// ckptMu serializes Checkpoint and Compact.
	ckptMu         sync.Mutex
	lastCheckpoint atomic.Uint64

	// Background error state. Once set, commits fail until the database is
	// reopened; reads continue.
	bgMu            sync.RWMutex
	backgroundError error

	stats counters

	closed atomic.Bool
}

type counters struct {
	commits     atomic.Int64
	aborts      atomic.Int64
	conflicts   atomic.Int64
	checkpoints atomic.Int64
	compactions atomic.Int64
}

// Open opens the database at path. In InMemory mode path is not touched.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := opts.sanitize()

	// Logger configuration: db.logger is NEVER nil.
	logger := logging.OrDefault(o.Logger)

	d := &DB{
		name:      path,
		opts:      o,
		fs:        o.FS,
		logger:    logger,
		store:     mvcc.New(),
		snapshots: make(map[dbformat.SequenceNumber]int),
	}

	// Wire FatalHandler: when Fatalf is called, set background error to stop writes.
	if dl, ok := logger.(*logging.DefaultLogger); ok {
		dl.SetFatalHandler(func(msg string) {
			d.SetBackgroundError(fmt.Errorf("%w: %s", logging.ErrFatal, msg))
		})
	}

	m, err := newMetrics(o.MetricsRegisterer, d)
	if err != nil {
		return nil, err
	}
	d.metrics = m

	if o.Durability == InMemory {
		d.dur = durability.New(nil, durability.Config{Mode: InMemory, Logger: logger})
		logger.Infof("%sopened in-memory database", logging.NSDB)
		return d, nil
	}
	if err := d.openDisk(); err != nil {
		d.metrics.unregister()
		return nil, err
	}
	return d, nil
}

func (d *DB) openDisk() (err error) {
	exists := d.fs.Exists(manifest.Path(d.name))
	if exists && d.opts.ErrorIfExists {
		return fmt.Errorf("%w: %s", ErrDBExists, d.name)
	}
	if !exists && !d.opts.CreateIfMissing {
		return fmt.Errorf("%w: %s", ErrDBNotFound, d.name)
	}
	if err := d.fs.MkdirAll(d.name, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	lock, err := d.fs.Lock(filepath.Join(d.name, lockFileName))
	if err != nil {
		return fmt.Errorf("db: lock %s: %w", d.name, err)
	}
	d.lock = lock
	defer func() {
		if err != nil {
			if d.log != nil {
				_ = d.log.Close()
			}
			_ = d.lock.Close()
		}
	}()

	if exists {
		err = d.recover()
	} else {
		err = d.create()
	}
	if err != nil {
		return err
	}

	d.dur = durability.New(d.log, durability.Config{
		Mode:          d.opts.Durability,
		SyncInterval:  d.opts.SyncInterval,
		SyncThreshold: d.opts.SyncThreshold,
		Durable:       d.lastSeq,
		Logger:        d.logger,
		OnSync: func(_ dbformat.SequenceNumber, took time.Duration) {
			d.metrics.walSyncs.Inc()
			d.metrics.syncLatency.Observe(took.Seconds())
		},
		OnSyncError: func(error) {
			d.metrics.walSyncErrors.Inc()
		},
	})
	d.logger.Infof("%sopened %s (%s, seq %d)", logging.NSDB, d.name, d.opts.Durability, d.lastSeq)
	return nil
}

// create initializes a new database directory.
func (d *DB) create() error {
	m := manifest.New(d.opts.Durability, creatorName)
	if err := manifest.Write(d.fs, d.name, m); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	d.manifest = m
	return d.openLog(nil, 1)
}

func (d *DB) openLog(recovered []wal.SegmentInfo, next uint64) error {
	bufSize := 0
	if d.opts.Durability == Buffered {
		bufSize = d.opts.WALBufferSize
	}
	l, err := wal.OpenLog(wal.Options{
		Dir:         d.name,
		FS:          d.fs,
		SegmentSize: d.opts.SegmentSize,
		BufferSize:  bufSize,
		Logger:      d.logger,
	}, recovered, next)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	d.log = l
	return nil
}

// Close syncs pending commits and releases the database. Transactions still
// open fail to commit with ErrDBClosed.
func (d *DB) Close() error {
	d.commitMu.Lock()
	if d.closed.Load() {
		d.commitMu.Unlock()
		return nil
	}
	d.closed.Store(true)
	d.commitMu.Unlock()

	// Wait for a running checkpoint or compaction.
	d.ckptMu.Lock()
	defer d.ckptMu.Unlock()

	var errs []error
	if err := d.dur.Close(); err != nil {
		errs = append(errs, fmt.Errorf("db: final sync: %w", err))
	}
	if d.log != nil {
		if err := d.log.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.lock != nil {
		if err := d.lock.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.metrics.unregister()
	d.logger.Infof("%sclosed %s at seq %d", logging.NSDB, d.name, d.LastSequence())
	return errors.Join(errs...)
}

// SetBackgroundError sets an unrecoverable background error.
// After it is set every commit fails with ErrBackgroundError.
func (d *DB) SetBackgroundError(err error) {
	d.bgMu.Lock()
	defer d.bgMu.Unlock()
	// Only set if not already set (first error wins)
	if d.backgroundError == nil && err != nil {
		d.backgroundError = err
		d.logger.Errorf("%sbackground error, writes disabled: %v", logging.NSDB, err)
	}
}

// GetBackgroundError returns the current background error, if any.
func (d *DB) GetBackgroundError() error {
	d.bgMu.RLock()
	defer d.bgMu.RUnlock()
	return d.backgroundError
}

// Path returns the database directory.
func (d *DB) Path() string { return d.name }

// Options returns a copy of the options in effect.
func (d *DB) Options() Options { return d.opts }

// DurabilityMode returns the session's durability mode.
func (d *DB) DurabilityMode() DurabilityMode { return d.opts.Durability }

// LastSequence returns the sequence of the newest visible commit.
func (d *DB) LastSequence() SequenceNumber {
	return SequenceNumber(d.visible.Load())
}

// DurableSequence returns the newest commit known to be on stable storage.
// It is always 0 in InMemory mode.
func (d *DB) DurableSequence() SequenceNumber {
	if d.dur == nil {
		return 0
	}
	return d.dur.DurableSeq()
}

// ID returns the database id recorded in the manifest, or "" in InMemory
// mode.
func (d *DB) ID() string {
	if d.manifest == nil {
		return ""
	}
	return d.manifest.DBID
}

// Flush makes every commit so far durable. It is a no-op in InMemory mode.
func (d *DB) Flush() error {
	if d.closed.Load() {
		return ErrDBClosed
	}
	if err := d.dur.Flush(); err != nil {
		err = fmt.Errorf("%w: flush: %w", ErrIO, err)
		d.SetBackgroundError(err)
		return err
	}
	return nil
}

// acquireSnapshot pins and returns the current visible sequence.
func (d *DB) acquireSnapshot() dbformat.SequenceNumber {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	seq := dbformat.SequenceNumber(d.visible.Load())
	d.snapshots[seq]++
	return seq
}

func (d *DB) releaseSnapshot(seq dbformat.SequenceNumber) {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	if d.snapshots[seq] <= 1 {
		delete(d.snapshots, seq)
		return
	}
	d.snapshots[seq]--
}

// oldestSnapshot returns the oldest pinned snapshot, or the visible
// sequence when nothing is pinned. A snapshot taken after this call is never
// older than the value returned.
func (d *DB) oldestSnapshot() dbformat.SequenceNumber {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	oldest := dbformat.SequenceNumber(d.visible.Load())
	for seq := range d.snapshots {
		if seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

// pinnedSnapshots returns the sequences of open snapshots, ascending.
func (d *DB) pinnedSnapshots() []dbformat.SequenceNumber {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	seqs := slices.Collect(maps.Keys(d.snapshots))
	slices.Sort(seqs)
	return seqs
}

func (d *DB) numSnapshots() int {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	n := 0
	for _, c := range d.snapshots {
		n += c
	}
	return n
}

// Stats is a point-in-time summary of the database.
type Stats struct {
	Durability      DurabilityMode
	LastSequence    SequenceNumber
	DurableSequence SequenceNumber
	LastCheckpoint  SequenceNumber

	Addresses int
	Versions  int

	OpenSnapshots  int
	OldestSnapshot SequenceNumber

	WALSegments     int
	WALBytesWritten int64
	WALSyncs        int64

	Commits     int64
	Aborts      int64
	Conflicts   int64
	Checkpoints int64
	Compactions int64

	BackgroundError error
}

// Stats returns current counters.
func (d *DB) Stats() Stats {
	st := d.store.Stats()
	s := Stats{
		Durability:      d.opts.Durability,
		LastSequence:    d.LastSequence(),
		DurableSequence: d.DurableSequence(),
		LastCheckpoint:  SequenceNumber(d.lastCheckpoint.Load()),
		Addresses:       st.Addresses,
		Versions:        st.Versions,
		OpenSnapshots:   d.numSnapshots(),
		OldestSnapshot:  d.oldestSnapshot(),
		Commits:         d.stats.commits.Load(),
		Aborts:          d.stats.aborts.Load(),
		Conflicts:       d.stats.conflicts.Load(),
		Checkpoints:     d.stats.checkpoints.Load(),
		Compactions:     d.stats.compactions.Load(),
		BackgroundError: d.GetBackgroundError(),
	}
	if d.log != nil {
		s.WALSegments = len(d.log.Segments())
		s.WALBytesWritten = d.log.BytesWritten()
		s.WALSyncs = d.log.SyncCount()
	}
	return s
}

// Property names for GetProperty.
const (
	PropertyDBID             = "strata.db-id"
	PropertyDurability       = "strata.durability"
	PropertyLastSequence     = "strata.last-sequence"
	PropertyDurableSequence  = "strata.durable-sequence"
	PropertyLastCheckpoint   = "strata.last-checkpoint"
	PropertyNumAddresses     = "strata.num-addresses"
	PropertyNumVersions      = "strata.num-versions"
	PropertyNumSnapshots     = "strata.num-snapshots"
	PropertyOldestSnapshot   = "strata.oldest-snapshot"
	PropertyNumWALSegments   = "strata.num-wal-segments"
	PropertyBackgroundErrors = "strata.background-errors"
)

// GetProperty returns the value of a database property.
func (d *DB) GetProperty(name string) (string, bool) {
	if d.closed.Load() {
		return "", false
	}
	u := func(v uint64) (string, bool) { return strconv.FormatUint(v, 10), true }

	switch name {
	case PropertyDBID:
		return d.ID(), true
	case PropertyDurability:
		return d.opts.Durability.String(), true
	case PropertyLastSequence:
		return u(uint64(d.LastSequence()))
	case PropertyDurableSequence:
		return u(uint64(d.DurableSequence()))
	case PropertyLastCheckpoint:
		return u(d.lastCheckpoint.Load())
	case PropertyNumAddresses:
		return strconv.Itoa(d.store.Stats().Addresses), true
	case PropertyNumVersions:
		return strconv.Itoa(d.store.Stats().Versions), true
	case PropertyNumSnapshots:
		return strconv.Itoa(d.numSnapshots()), true
	case PropertyOldestSnapshot:
		return u(uint64(d.oldestSnapshot()))
	case PropertyNumWALSegments:
		if d.log == nil {
			return "0", true
		}
		return strconv.Itoa(len(d.log.Segments())), true
	case PropertyBackgroundErrors:
		if d.GetBackgroundError() != nil {
			return "1", true
		}
		return "0", true
	}
	return "", false
}
