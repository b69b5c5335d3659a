package wal

import (
	"errors"
	"fmt"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/encoding"
	"github.com/aalhour/strata/internal/value"
)

// ErrBadRecord indicates a checksummed record whose payload does not decode.
var ErrBadRecord = errors.New("wal: malformed commit record")

// recordFormat is the first byte of every commit payload.
const recordFormat byte = 1

// Entry is one logged operation of a commit.
type Entry struct {
	Op   dbformat.OpType
	Addr dbformat.Address

	// Value is set for OpPut and OpCAS.
	Value value.Value

	// ExpectedVersion is the caller's CAS expectation (OpCAS only).
	ExpectedVersion uint64

	// PriorVersion is the version that was current when the commit was
	// validated (0 = absent).
	PriorVersion uint64

	// Version is the version number the commit assigned.
	Version uint64
}

// CommitRecord is everything one committed transaction logs.
type CommitRecord struct {
	TxnID     uint64
	Seq       dbformat.SequenceNumber
	Timestamp int64 // unix nanoseconds
	Entries   []Entry
}

// Encode appends the record payload to dst.
//
// Layout:
//
//	[format][txn id varint][seq fixed64][timestamp zigzag][count varint]
//	count * ([op][address][value if put/cas][expected][prior][version])
func (r *CommitRecord) Encode(dst []byte) []byte {
	dst = append(dst, recordFormat)
	dst = encoding.AppendVarint64(dst, r.TxnID)
	dst = encoding.AppendFixed64(dst, uint64(r.Seq))
	dst = encoding.AppendVarsigned64(dst, r.Timestamp)
	dst = encoding.AppendVarint64(dst, uint64(len(r.Entries)))
	for i := range r.Entries {
		e := &r.Entries[i]
		dst = append(dst, byte(e.Op))
		dst = dbformat.AppendAddress(dst, e.Addr)
		if e.Op == dbformat.OpPut || e.Op == dbformat.OpCAS {
			dst = value.Append(dst, e.Value)
		}
		dst = encoding.AppendVarint64(dst, e.ExpectedVersion)
		dst = encoding.AppendVarint64(dst, e.PriorVersion)
		dst = encoding.AppendVarint64(dst, e.Version)
	}
	return dst
}

// DecodeCommitRecord parses a payload written by Encode. Values do not alias
// data.
func DecodeCommitRecord(data []byte) (*CommitRecord, error) {
	d := encoding.NewDecoder(data)
	if f := d.Byte(); d.Err() == nil && f != recordFormat {
		return nil, fmt.Errorf("%w: unknown format %d", ErrBadRecord, f)
	}
	r := &CommitRecord{
		TxnID:     d.Varint64(),
		Seq:       dbformat.SequenceNumber(d.Fixed64()),
		Timestamp: d.Varsigned64(),
	}
	count := d.Varint64()
	if d.Err() != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadRecord, d.Err())
	}
	// Every entry takes at least six bytes, which bounds the allocation.
	if count > uint64(d.Remaining()/6) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrBadRecord, count, d.Remaining())
	}
	r.Entries = make([]Entry, count)
	for i := range r.Entries {
		e := &r.Entries[i]
		e.Op = dbformat.OpType(d.Byte())
		if d.Err() == nil && !e.Op.Valid() {
			return nil, fmt.Errorf("%w: entry %d: %s", ErrBadRecord, i, e.Op)
		}
		e.Addr = dbformat.DecodeAddress(d)
		if e.Op == dbformat.OpPut || e.Op == dbformat.OpCAS {
			v, err := value.Decode(d)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %d: %v", ErrBadRecord, i, err)
			}
			e.Value = v
		}
		e.ExpectedVersion = d.Varint64()
		e.PriorVersion = d.Varint64()
		e.Version = d.Varint64()
		if d.Err() != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrBadRecord, i, d.Err())
		}
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadRecord, d.Remaining())
	}
	return r, nil
}
