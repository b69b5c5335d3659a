package wal

import (
	"bufio"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/testutil"
	"github.com/aalhour/strata/vfs"
)

// DefaultSegmentSize is the size past which the log starts a new segment.
const DefaultSegmentSize = 64 << 20

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("wal: log is closed")

// Options configures a Log.
type Options struct {
	Dir string
	FS  vfs.FS

	// SegmentSize triggers rotation once the current segment reaches it.
	SegmentSize int64

	// BufferSize > 0 stages appends in a userspace buffer that Flush and
	// Sync drain. 0 writes every record straight to the file.
	BufferSize int

	Logger logging.Logger
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Number   uint64
	FirstSeq dbformat.SequenceNumber // 0 if the segment holds no record
	LastSeq  dbformat.SequenceNumber
	Size     int64
}

// SeqRange is an inclusive range of sequence numbers.
type SeqRange struct {
	First dbformat.SequenceNumber
	Last  dbformat.SequenceNumber
}

// SegmentFileName returns the path of segment number in dir.
func SegmentFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", number))
}

// ParseSegmentName extracts the segment number from a base file name.
func ParseSegmentName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".log")
	if !ok || base == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListSegments returns the segment numbers present in dir, ascending.
func ListSegments(fs vfs.FS, dir string) ([]uint64, error) {
	names, err := fs.ListDir(dir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, name := range names {
		if n, ok := ParseSegmentName(name); ok {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}

// TruncateSegment cuts segment number back to size bytes and syncs it.
func TruncateSegment(fs vfs.FS, dir string, number uint64, size int64) error {
	f, err := fs.OpenAppend(SegmentFileName(dir, number))
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Log is the append side of the write-ahead log. Append must be called in
// commit order; the log does not reorder records.
type Log struct {
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	file   vfs.WritableFile
	bw     *bufio.Writer
	w      *Writer
	cur    SegmentInfo
	sealed []SegmentInfo
	next   uint64
	gen    uint64 // bumped on rotation
	err    error  // sticky write failure
	closed bool

	lastAppended dbformat.SequenceNumber
	synced       dbformat.SequenceNumber
	syncedSize   int64 // durable length of the current segment

	encBuf []byte

	bytesWritten atomic.Int64
	syncs        atomic.Int64
}

// OpenLog starts a fresh segment numbered nextNumber. recovered lists the
// segments already on disk, oldest first; they are never written again.
func OpenLog(opts Options, recovered []SegmentInfo, nextNumber uint64) (*Log, error) {
	if opts.FS == nil {
		opts.FS = vfs.Default()
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	l := &Log{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
		sealed: slices.Clone(recovered),
		next:   nextNumber,
	}
	for _, s := range recovered {
		if s.LastSeq > l.lastAppended {
			l.lastAppended = s.LastSeq
		}
	}
	l.synced = l.lastAppended
	if err := l.openSegmentLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openSegmentLocked() error {
	number := l.next
	name := SegmentFileName(l.opts.Dir, number)
	f, err := l.opts.FS.Create(name)
	if err != nil {
		return fmt.Errorf("wal: create segment %d: %w", number, err)
	}
	if err := l.opts.FS.SyncDir(l.opts.Dir); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync dir for segment %d: %w", number, err)
	}
	l.file = f
	if l.opts.BufferSize > 0 {
		l.bw = bufio.NewWriterSize(f, l.opts.BufferSize)
		l.w = NewWriter(l.bw)
	} else {
		l.bw = nil
		l.w = NewWriter(f)
	}
	l.cur = SegmentInfo{Number: number}
	l.syncedSize = 0
	l.next = number + 1
	l.gen++
	l.logger.Debugf("%sopened segment %06d", logging.NSWAL, number)
	return nil
}

// Append writes rec as one logical record. It does not sync.
func (l *Log) Append(rec *CommitRecord) (SeqRange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return SeqRange{}, ErrClosed
	}
	if l.err != nil {
		return SeqRange{}, l.err
	}
	if rec.Seq <= l.lastAppended {
		return SeqRange{}, fmt.Errorf("wal: append seq %d after %d", rec.Seq, l.lastAppended)
	}
	if l.cur.Size >= l.opts.SegmentSize {
		if err := l.rotateLocked(); err != nil {
			return SeqRange{}, err
		}
	}

	l.encBuf = rec.Encode(l.encBuf[:0])
	n, err := l.w.AddRecord(l.encBuf)
	l.cur.Size += int64(n)
	l.bytesWritten.Add(int64(n))
	if err != nil {
		// A partial record may be on disk; recovery discards it, but this
		// segment must not receive anything after it.
		l.err = fmt.Errorf("wal: append seq %d: %w", rec.Seq, err)
		return SeqRange{}, l.err
	}

	if l.cur.FirstSeq == 0 {
		l.cur.FirstSeq = rec.Seq
	}
	l.cur.LastSeq = rec.Seq
	l.lastAppended = rec.Seq
	return SeqRange{First: rec.Seq, Last: rec.Seq}, nil
}

func (l *Log) flushLocked() error {
	if l.bw == nil || l.bw.Buffered() == 0 {
		return nil
	}
	if err := l.bw.Flush(); err != nil {
		l.err = fmt.Errorf("wal: flush segment %d: %w", l.cur.Number, err)
		return l.err
	}
	return nil
}

// Flush moves buffered records to the operating system without syncing.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.err != nil {
		return l.err
	}
	return l.flushLocked()
}

// Sync makes every appended record durable and returns the highest durable
// sequence. The fsync itself runs without holding the log lock so appends
// can continue.
func (l *Log) Sync() (dbformat.SequenceNumber, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return l.synced, err
	}
	if l.synced == l.lastAppended {
		s := l.synced
		l.mu.Unlock()
		return s, nil
	}
	if err := l.flushLocked(); err != nil {
		l.mu.Unlock()
		return l.synced, err
	}
	f, gen, target, size := l.file, l.gen, l.lastAppended, l.cur.Size
	l.mu.Unlock()

	testutil.MaybeKill(testutil.KPWALSync0)
	err := f.Sync()
	testutil.MaybeKill(testutil.KPWALSync1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil && gen == l.gen {
		return l.synced, fmt.Errorf("wal: sync segment %d: %w", l.cur.Number, err)
	}
	// A rotation in between synced the old segment before closing it.
	l.syncs.Add(1)
	if target > l.synced {
		l.synced = target
	}
	if gen == l.gen {
		l.syncedSize = max(l.syncedSize, size)
	}
	return l.synced, nil
}

// Abandon fails the log after a commit could not be made durable. Records
// appended after the last successful sync are cut from the current segment
// so recovery cannot replay a commit its caller saw fail. Every later
// Append and Sync returns cause. The truncation itself is not synced.
func (l *Log) Abandon(cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = cause
	}
	if l.closed || l.lastAppended <= l.synced && l.cur.Size == l.syncedSize {
		return nil
	}
	if l.bw != nil {
		l.bw.Reset(l.file) // drop buffered bytes
	}
	if err := l.file.Truncate(l.syncedSize); err != nil {
		return fmt.Errorf("wal: discard unsynced tail of segment %d: %w", l.cur.Number, err)
	}
	l.logger.Warnf("%sdiscarded seq (%d, %d] from segment %06d: %v",
		logging.NSWAL, l.synced, l.lastAppended, l.cur.Number, cause)
	l.cur.Size = l.syncedSize
	if l.cur.FirstSeq > l.synced {
		l.cur.FirstSeq, l.cur.LastSeq = 0, 0
	} else {
		l.cur.LastSeq = min(l.cur.LastSeq, l.synced)
	}
	l.lastAppended = l.synced
	return nil
}

// Rotate seals the current segment and starts a new one. It is a no-op when
// the current segment holds no record. It returns the number of the segment
// that receives the next append.
func (l *Log) Rotate() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if l.err != nil {
		return 0, l.err
	}
	if err := l.rotateLocked(); err != nil {
		return 0, err
	}
	return l.cur.Number, nil
}

func (l *Log) rotateLocked() error {
	if l.cur.LastSeq == 0 {
		return nil
	}
	if err := l.sealLocked(); err != nil {
		l.err = err
		return err
	}
	if err := l.openSegmentLocked(); err != nil {
		l.err = err
		return err
	}
	return nil
}

// sealLocked flushes, syncs and closes the current segment.
func (l *Log) sealLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment %d: %w", l.cur.Number, err)
	}
	l.syncs.Add(1)
	l.synced = l.lastAppended
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: close segment %d: %w", l.cur.Number, err)
	}
	l.sealed = append(l.sealed, l.cur)
	l.logger.Debugf("%ssealed segment %06d seq [%d, %d] %d bytes",
		logging.NSWAL, l.cur.Number, l.cur.FirstSeq, l.cur.LastSeq, l.cur.Size)
	return nil
}

// Segments returns every live segment, oldest first, the current one last.
func (l *Log) Segments() []SegmentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := slices.Clone(l.sealed)
	return append(out, l.cur)
}

// CurrentSegment returns the number of the segment being written.
func (l *Log) CurrentSegment() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur.Number
}

// RemoveObsolete deletes sealed segments whose records all have sequence
// numbers <= upTo. Segments are removed oldest first and removal stops at the
// first segment that is still needed. It returns the number removed.
func (l *Log) RemoveObsolete(upTo dbformat.SequenceNumber) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for len(l.sealed) > 0 {
		s := l.sealed[0]
		if s.LastSeq > upTo {
			break
		}
		testutil.MaybeKill(testutil.KPSegmentRemove0)
		if err := l.opts.FS.Remove(SegmentFileName(l.opts.Dir, s.Number)); err != nil {
			return removed, fmt.Errorf("wal: remove segment %d: %w", s.Number, err)
		}
		l.sealed = l.sealed[1:]
		removed++
		l.logger.Debugf("%sremoved segment %06d (last seq %d)", logging.NSWAL, s.Number, s.LastSeq)
	}
	if removed > 0 {
		if err := l.opts.FS.SyncDir(l.opts.Dir); err != nil {
			return removed, fmt.Errorf("wal: sync dir: %w", err)
		}
	}
	return removed, nil
}

// LastAppended returns the sequence of the newest appended record.
func (l *Log) LastAppended() dbformat.SequenceNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAppended
}

// SyncedSequence returns the newest sequence known to be durable.
func (l *Log) SyncedSequence() dbformat.SequenceNumber {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.synced
}

// BytesWritten returns the total bytes written since open, including
// headers and block padding.
func (l *Log) BytesWritten() int64 { return l.bytesWritten.Load() }

// SyncCount returns the number of fsyncs issued since open.
func (l *Log) SyncCount() int64 { return l.syncs.Load() }

// Close flushes, syncs and closes the current segment. A log that already
// failed is closed without syncing and returns its failure.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.err != nil {
		_ = l.file.Close()
		return l.err
	}
	if err := l.flushLocked(); err != nil {
		_ = l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("wal: sync segment %d: %w", l.cur.Number, err)
	}
	l.synced = l.lastAppended
	return l.file.Close()
}
