package wal

import (
	"fmt"
	"io"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/vfs"
)

// CorruptionError reports where replay hit damaged log content.
type CorruptionError struct {
	Segment uint64
	Offset  int64 // end of the last intact record in Segment
	Err     error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: segment %06d corrupt after offset %d: %v", e.Segment, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Iterator yields the commit records of a list of segments in order. It
// stops at the first damaged record or I/O error.
type Iterator struct {
	fs       vfs.FS
	dir      string
	segments []uint64
	idx      int
	offset   int64 // start offset for the first segment

	file    vfs.SequentialFile
	reader  *Reader
	info    SegmentInfo
	done    []SegmentInfo
	lastSeq dbformat.SequenceNumber

	rec *CommitRecord
	err error
}

// NewIterator reads segments (ascending numbers) from the beginning.
func NewIterator(fs vfs.FS, dir string, segments []uint64) *Iterator {
	return &Iterator{fs: fs, dir: dir, segments: segments}
}

// NewIteratorAt resumes reading at offset within the first of segments.
// offset must come from Position or be 0.
func NewIteratorAt(fs vfs.FS, dir string, segments []uint64, offset int64) *Iterator {
	return &Iterator{fs: fs, dir: dir, segments: segments, offset: offset}
}

// Next advances to the next record. It returns false at the end of the last
// segment or on error; check Err.
func (it *Iterator) Next() bool {
	it.rec = nil
	if it.err != nil {
		return false
	}
	for {
		if it.reader == nil {
			if it.idx >= len(it.segments) {
				return false
			}
			if err := it.openSegment(); err != nil {
				it.err = err
				return false
			}
		}

		data, err := it.reader.ReadRecord()
		if err == io.EOF {
			it.finishSegment()
			continue
		}
		if err != nil {
			it.info.Size = it.reader.LastRecordEnd()
			if IsCorruption(err) {
				it.err = &CorruptionError{Segment: it.info.Number, Offset: it.reader.LastRecordEnd(), Err: err}
			} else {
				it.err = fmt.Errorf("wal: read segment %06d: %w", it.info.Number, err)
			}
			return false
		}

		rec, err := DecodeCommitRecord(data)
		if err != nil {
			it.err = it.corrupt(err)
			return false
		}
		if rec.Seq <= it.lastSeq {
			it.err = it.corrupt(fmt.Errorf("%w: sequence %d after %d", ErrBadRecord, rec.Seq, it.lastSeq))
			return false
		}
		it.lastSeq = rec.Seq
		if it.info.FirstSeq == 0 {
			it.info.FirstSeq = rec.Seq
		}
		it.info.LastSeq = rec.Seq
		it.info.Size = it.reader.LastRecordEnd()
		it.rec = rec
		return true
	}
}

// corrupt reports a record that passed its checksum but is unusable. The
// intact prefix ends where the previous record ended.
func (it *Iterator) corrupt(err error) error {
	return &CorruptionError{Segment: it.info.Number, Offset: it.info.Size, Err: err}
}

func (it *Iterator) openSegment() error {
	number := it.segments[it.idx]
	f, err := it.fs.Open(SegmentFileName(it.dir, number))
	if err != nil {
		return fmt.Errorf("wal: open segment %06d: %w", number, err)
	}
	var start int64
	if it.idx == 0 && it.offset > 0 {
		if err := f.Skip(it.offset); err != nil {
			_ = f.Close()
			return fmt.Errorf("wal: seek segment %06d: %w", number, err)
		}
		start = it.offset
	}
	it.file = f
	it.reader = NewReader(f, start)
	it.info = SegmentInfo{Number: number, Size: start}
	return nil
}

func (it *Iterator) finishSegment() {
	it.info.Size = it.reader.LastRecordEnd()
	it.done = append(it.done, it.info)
	_ = it.file.Close()
	it.file = nil
	it.reader = nil
	it.idx++
}

// Record returns the current record.
func (it *Iterator) Record() *CommitRecord { return it.rec }

// Err returns the error that stopped iteration, nil at a clean end. Damaged
// content is reported as *CorruptionError.
func (it *Iterator) Err() error { return it.err }

// Position returns the segment being read and the end offset of its last
// intact record. After a corruption this is where the segment should be
// truncated.
func (it *Iterator) Position() (segment uint64, offset int64) {
	if it.reader == nil && len(it.done) > 0 {
		last := it.done[len(it.done)-1]
		return last.Number, last.Size
	}
	return it.info.Number, it.info.Size
}

// Segments returns what was learned about every fully read segment, plus the
// partially read one if iteration stopped inside it.
func (it *Iterator) Segments() []SegmentInfo {
	out := append([]SegmentInfo(nil), it.done...)
	if it.reader != nil {
		out = append(out, it.info)
	}
	return out
}

// LastSeq returns the sequence of the last record returned.
func (it *Iterator) LastSeq() dbformat.SequenceNumber { return it.lastSeq }

// Close releases the open segment, if any.
func (it *Iterator) Close() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	it.reader = nil
	return err
}

// FirstSequence returns the sequence of the first record in segment number.
// ok is false when the segment is empty or its first record is unreadable.
func FirstSequence(fs vfs.FS, dir string, number uint64) (seq dbformat.SequenceNumber, ok bool) {
	it := NewIterator(fs, dir, []uint64{number})
	defer it.Close()
	if !it.Next() {
		return 0, false
	}
	return it.Record().Seq, true
}
