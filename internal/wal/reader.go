// reader.go implements WAL segment reading.
//
// Reader reassembles logical records from block-fragmented physical records.
// It stops at the first damaged or incomplete record: every later call
// returns the same error, and LastRecordEnd reports where the intact prefix
// of the stream ends.
package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/strata/internal/checksum"
	"github.com/aalhour/strata/internal/encoding"
)

var (
	// ErrCorruptedRecord indicates a record with an invalid checksum or length.
	ErrCorruptedRecord = errors.New("wal: corrupted record")

	// ErrTruncatedRecord indicates a record cut short by the end of the stream.
	ErrTruncatedRecord = errors.New("wal: truncated record")

	// ErrInvalidRecordType indicates an unrecognized record type.
	ErrInvalidRecordType = errors.New("wal: invalid record type")

	// ErrUnexpectedMiddleRecord indicates a middle record without a first record.
	ErrUnexpectedMiddleRecord = errors.New("wal: unexpected middle record")

	// ErrUnexpectedLastRecord indicates a last record without a first record.
	ErrUnexpectedLastRecord = errors.New("wal: unexpected last record")

	// ErrUnexpectedFirstRecord indicates a first or full record while already
	// in a fragmented record.
	ErrUnexpectedFirstRecord = errors.New("wal: unexpected first record")
)

// IsCorruption reports whether err describes damaged log content as opposed
// to an I/O failure.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruptedRecord) ||
		errors.Is(err, ErrTruncatedRecord) ||
		errors.Is(err, ErrInvalidRecordType) ||
		errors.Is(err, ErrUnexpectedMiddleRecord) ||
		errors.Is(err, ErrUnexpectedLastRecord) ||
		errors.Is(err, ErrUnexpectedFirstRecord) ||
		errors.Is(err, ErrBadRecord)
}

// Reader reads records from a WAL segment.
type Reader struct {
	src          io.Reader
	backingStore []byte // one block
	buffer       []byte // unconsumed part of backingStore
	pos          int64  // absolute offset of buffer[0]
	eof          bool
	err          error

	lastRecordEnd int64

	fragments []byte
}

// NewReader creates a reader over src. startOffset is the absolute offset
// src is positioned at; it must be the end of a record (or 0) so that
// reading resumes on a record boundary.
func NewReader(src io.Reader, startOffset int64) *Reader {
	return &Reader{
		src:           src,
		backingStore:  make([]byte, BlockSize),
		pos:           startOffset,
		lastRecordEnd: startOffset,
	}
}

// LastRecordEnd returns the absolute offset just past the last record
// returned by ReadRecord.
func (r *Reader) LastRecordEnd() int64 {
	return r.lastRecordEnd
}

// ReadRecord returns the next logical record. It returns io.EOF at a clean
// end of stream. The returned slice is only valid until the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	r.fragments = r.fragments[:0]
	inFragmentedRecord := false

	for {
		fragment, recordType, err := r.readPhysicalRecord()
		if err != nil {
			if err == io.EOF && inFragmentedRecord {
				err = fmt.Errorf("%w: fragmented record at offset %d", ErrTruncatedRecord, r.lastRecordEnd)
			}
			r.err = err
			return nil, err
		}

		switch recordType {
		case FullType:
			if inFragmentedRecord {
				return nil, r.fail(ErrUnexpectedFirstRecord)
			}
			r.lastRecordEnd = r.pos
			return fragment, nil

		case FirstType:
			if inFragmentedRecord {
				return nil, r.fail(ErrUnexpectedFirstRecord)
			}
			r.fragments = append(r.fragments, fragment...)
			inFragmentedRecord = true

		case MiddleType:
			if !inFragmentedRecord {
				return nil, r.fail(ErrUnexpectedMiddleRecord)
			}
			r.fragments = append(r.fragments, fragment...)

		case LastType:
			if !inFragmentedRecord {
				return nil, r.fail(ErrUnexpectedLastRecord)
			}
			r.fragments = append(r.fragments, fragment...)
			r.lastRecordEnd = r.pos
			return r.fragments, nil

		default:
			return nil, r.fail(ErrInvalidRecordType)
		}
	}
}

func (r *Reader) fail(sentinel error) error {
	r.err = fmt.Errorf("%w at offset %d", sentinel, r.lastRecordEnd)
	return r.err
}

// readPhysicalRecord returns the next verified fragment.
func (r *Reader) readPhysicalRecord() ([]byte, RecordType, error) {
	for {
		if len(r.buffer) < HeaderSize {
			if r.eof {
				if len(r.buffer) > 0 {
					return nil, 0, r.fail(ErrTruncatedRecord)
				}
				return nil, 0, io.EOF
			}
			// Skip the block trailer and read the next block.
			r.pos += int64(len(r.buffer))
			r.buffer = nil
			if err := r.readBlock(); err != nil {
				return nil, 0, err
			}
			continue
		}

		header := r.buffer[:HeaderSize]
		length := int(header[4]) | int(header[5])<<8
		recordType := RecordType(header[6])

		if recordType == ZeroType && length == 0 {
			// Zero-filled space past the last write.
			return nil, 0, r.fail(ErrTruncatedRecord)
		}

		if HeaderSize+length > len(r.buffer) {
			if r.eof {
				return nil, 0, r.fail(ErrTruncatedRecord)
			}
			return nil, 0, r.fail(ErrCorruptedRecord)
		}

		expected := checksum.UnmaskCRC(encoding.DecodeFixed32(header[:4]))
		actual := checksum.CRC32C(r.buffer[6 : HeaderSize+length])
		if expected != actual {
			return nil, 0, r.fail(ErrCorruptedRecord)
		}
		if recordType > MaxRecordType {
			return nil, 0, r.fail(ErrInvalidRecordType)
		}

		fragment := r.buffer[HeaderSize : HeaderSize+length]
		r.buffer = r.buffer[HeaderSize+length:]
		r.pos += int64(HeaderSize + length)
		return fragment, recordType, nil
	}
}

// readBlock fills the buffer up to the next block boundary.
func (r *Reader) readBlock() error {
	want := BlockSize - int(r.pos%BlockSize)
	n, err := io.ReadFull(r.src, r.backingStore[:want])
	r.buffer = r.backingStore[:n]
	switch {
	case err == nil:
		return nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		r.eof = true
		return nil
	default:
		r.err = fmt.Errorf("wal: read at offset %d: %w", r.pos, err)
		return r.err
	}
}
