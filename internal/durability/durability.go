// Package durability decides when appended WAL records are fsynced.
//
// Three modes are supported, fixed for the lifetime of an open database:
//
//   - InMemory: nothing is written; commits are lost on close or crash.
//   - Buffered: records are appended to a buffered log and a background
//     goroutine fsyncs every SyncInterval, or sooner once SyncThreshold
//     commits are pending. A crash loses at most the unsynced tail.
//   - Strict: every commit is fsynced before Append returns.
package durability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/wal"
)

// Mode is a durability policy.
type Mode uint8

const (
	// InMemory never writes the WAL.
	InMemory Mode = iota
	// Buffered fsyncs in the background.
	Buffered
	// Strict fsyncs inside every commit.
	Strict
)

// Defaults for Buffered mode.
const (
	DefaultSyncInterval  = 100 * time.Millisecond
	DefaultSyncThreshold = 1000
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case InMemory:
		return "inmemory"
	case Buffered:
		return "buffered"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ErrUnknownMode is returned by ParseMode.
var ErrUnknownMode = errors.New("durability: unknown mode")

// ParseMode maps "inmemory", "buffered" or "strict" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "inmemory", "memory":
		return InMemory, nil
	case "buffered":
		return Buffered, nil
	case "strict":
		return Strict, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Log is the part of the WAL the controller drives.
type Log interface {
	Append(rec *wal.CommitRecord) (wal.SeqRange, error)
	Sync() (dbformat.SequenceNumber, error)
	// Abandon fails the log and discards records not yet synced.
	Abandon(cause error) error
}

// Config configures a Controller.
type Config struct {
	Mode          Mode
	SyncInterval  time.Duration
	SyncThreshold int

	// Durable is the sequence already on stable storage at open.
	Durable dbformat.SequenceNumber

	Logger logging.Logger

	// OnSync is called after every successful fsync.
	OnSync func(seq dbformat.SequenceNumber, took time.Duration)
	// OnSyncError is called when a background fsync fails.
	OnSyncError func(err error)
}

// Controller applies a durability Mode to a Log.
type Controller struct {
	cfg    Config
	log    Log
	logger logging.Logger

	syncMu  sync.Mutex
	pending atomic.Int64
	durable atomic.Uint64
	failed  atomic.Bool // a Strict commit could not be made durable

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a controller for log. log may be nil in InMemory mode. In
// Buffered mode the background syncer starts immediately.
func New(log Log, cfg Config) *Controller {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.SyncThreshold <= 0 {
		cfg.SyncThreshold = DefaultSyncThreshold
	}
	c := &Controller{
		cfg:    cfg,
		log:    log,
		logger: logging.OrDefault(cfg.Logger),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.durable.Store(uint64(cfg.Durable))
	if cfg.Mode == Buffered {
		go c.syncLoop()
	} else {
		close(c.done)
	}
	return c
}

// Mode returns the controller's mode.
func (c *Controller) Mode() Mode { return c.cfg.Mode }

// DurableSeq returns the newest sequence known to be fsynced.
func (c *Controller) DurableSeq() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(c.durable.Load())
}

// Pending returns the number of appended commits not yet fsynced.
func (c *Controller) Pending() int64 { return c.pending.Load() }

// Append logs rec according to the mode. Callers serialize Append in commit
// order. An error means the commit must not be applied.
func (c *Controller) Append(rec *wal.CommitRecord) error {
	switch c.cfg.Mode {
	case InMemory:
		return nil
	case Buffered:
		if _, err := c.log.Append(rec); err != nil {
			return err
		}
		if c.pending.Add(1) >= int64(c.cfg.SyncThreshold) {
			select {
			case c.kick <- struct{}{}:
			default:
			}
		}
		return nil
	case Strict:
		if _, err := c.log.Append(rec); err != nil {
			return c.abandon(err)
		}
		c.pending.Add(1)
		if err := c.sync(); err != nil {
			return c.abandon(err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMode, c.cfg.Mode)
	}
}

// Flush fsyncs everything appended so far. It is a no-op in InMemory mode.
func (c *Controller) Flush() error {
	if c.cfg.Mode == InMemory {
		return nil
	}
	return c.sync()
}

func (c *Controller) sync() error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	n := c.pending.Load()
	start := time.Now()
	seq, err := c.log.Sync()
	if err != nil {
		return err
	}
	c.pending.Add(-n)
	c.noteSynced(seq, time.Since(start))
	return nil
}

// abandon handles a failed Strict commit. The commit's record must never
// become durable later, so the log is failed and its unsynced tail dropped.
func (c *Controller) abandon(err error) error {
	c.failed.Store(true)
	c.pending.Store(0)
	if aerr := c.log.Abandon(err); aerr != nil {
		c.logger.Errorf("%sfailed commit may remain in the WAL: %v", logging.NSDurability, aerr)
	}
	return err
}

func (c *Controller) noteSynced(seq dbformat.SequenceNumber, took time.Duration) {
	for {
		cur := c.durable.Load()
		if uint64(seq) <= cur || c.durable.CompareAndSwap(cur, uint64(seq)) {
			break
		}
	}
	if c.cfg.OnSync != nil {
		c.cfg.OnSync(seq, took)
	}
}

func (c *Controller) syncLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if c.pending.Load() == 0 {
			continue
		}
		if err := c.sync(); err != nil {
			// Retried on the next tick.
			c.logger.Warnf("%sbackground sync failed: %v", logging.NSDurability, err)
			if c.cfg.OnSyncError != nil {
				c.cfg.OnSyncError(err)
			}
		}
	}
}

// Close stops the background syncer and fsyncs any pending commits. After
// a failed Strict commit nothing is synced.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		if c.cfg.Mode != InMemory && !c.failed.Load() && c.pending.Load() > 0 {
			err = c.sync()
		}
	})
	return err
}
