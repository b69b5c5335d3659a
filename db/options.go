package db

// options.go implements database configuration options.

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aalhour/strata/internal/durability"
	"github.com/aalhour/strata/internal/wal"
	"github.com/aalhour/strata/vfs"
)

// Options configures an open database. Values are fixed for the session.
type Options struct {
	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to return an error if the database already exists.
	ErrorIfExists bool

	// Durability selects when commits reach stable storage.
	Durability DurabilityMode

	// SyncInterval is the Buffered mode fsync period.
	SyncInterval time.Duration

	// SyncThreshold is the number of pending commits that triggers an early
	// Buffered mode fsync.
	SyncThreshold int

	// WALBufferSize is the userspace buffer in front of the current WAL
	// segment in Buffered mode.
	WALBufferSize int

	// SegmentSize is the WAL segment size that triggers rotation.
	SegmentSize int64

	// CheckpointCompression selects the checkpoint body codec.
	CheckpointCompression CompressionType

	// KeepCheckpoints is how many checkpoint files survive a checkpoint.
	// Older ones are fallbacks if the newest is damaged.
	KeepCheckpoints int

	// Retention is applied by Compact.
	Retention RetentionRules

	// FS is the filesystem to use. nil means the OS filesystem.
	FS vfs.FS

	// Logger receives diagnostics. nil means a WARN-level stderr logger.
	Logger Logger

	// MetricsRegisterer receives the database's Prometheus collectors. nil
	// leaves them unregistered.
	MetricsRegisterer prometheus.Registerer

	// Clock returns the commit timestamp. nil means time.Now.
	Clock func() time.Time
}

// DefaultOptions returns options with every field at its default.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:       false,
		ErrorIfExists:         false,
		Durability:            Buffered,
		SyncInterval:          durability.DefaultSyncInterval,
		SyncThreshold:         durability.DefaultSyncThreshold,
		WALBufferSize:         64 * 1024, // 64KB
		SegmentSize:           wal.DefaultSegmentSize,
		CheckpointCompression: ZstdCompression,
		KeepCheckpoints:       2,
		Retention:             RetentionRules{Default: KeepAll()},
		FS:                    nil, // Will use vfs.Default()
		Logger:                nil, // Will use a WARN logger
	}
}

// Validate reports the first invalid field.
func (o *Options) Validate() error {
	switch o.Durability {
	case InMemory, Buffered, Strict:
	default:
		return fmt.Errorf("%w: durability mode %d", ErrInvalidOptions, o.Durability)
	}
	if o.SyncInterval < 0 || o.SyncThreshold < 0 || o.WALBufferSize < 0 {
		return fmt.Errorf("%w: negative sync setting", ErrInvalidOptions)
	}
	if o.SegmentSize < 0 {
		return fmt.Errorf("%w: segment size %d", ErrInvalidOptions, o.SegmentSize)
	}
	if !o.CheckpointCompression.IsSupported() {
		return fmt.Errorf("%w: checkpoint compression %s", ErrInvalidOptions, o.CheckpointCompression)
	}
	if o.KeepCheckpoints < 0 {
		return fmt.Errorf("%w: keep checkpoints %d", ErrInvalidOptions, o.KeepCheckpoints)
	}
	for ns := range o.Retention.Namespaces {
		if !ns.Valid() {
			return fmt.Errorf("%w: retention for %s", ErrInvalidOptions, ns)
		}
	}
	return nil
}

// sanitize fills zero fields with defaults.
func (o Options) sanitize() Options {
	def := DefaultOptions()
	if o.SyncInterval == 0 {
		o.SyncInterval = def.SyncInterval
	}
	if o.SyncThreshold == 0 {
		o.SyncThreshold = def.SyncThreshold
	}
	if o.WALBufferSize == 0 {
		o.WALBufferSize = def.WALBufferSize
	}
	if o.SegmentSize == 0 {
		o.SegmentSize = def.SegmentSize
	}
	if o.KeepCheckpoints == 0 {
		o.KeepCheckpoints = def.KeepCheckpoints
	}
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
