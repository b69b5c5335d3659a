// Package wal implements the write-ahead log: a sequence of segment files
// holding one checksummed logical record per committed transaction.
//
// A segment is a run of 32KiB blocks. A logical record is cut into
// fragments that never straddle a block boundary; each fragment carries its
// own header:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// CRC is CRC32C over Type + Payload, masked with checksum.MaskCRC. A block
// tail shorter than a header is zero-filled.
//
// The reader returns a commit only after every fragment of it has been read
// and verified, so a commit torn by a crash is discarded as a whole.
package wal

// Framing constants. They are part of the on-disk format.
const (
	BlockSize        = 32 * 1024
	HeaderSize       = 4 + 2 + 1
	MaxRecordPayload = BlockSize - HeaderSize
)

// RecordType tells where a fragment sits in its logical record.
type RecordType uint8

const (
	ZeroType   RecordType = iota // zero-filled padding
	FullType                     // the whole record
	FirstType                    // first of several fragments
	MiddleType                   // neither first nor last
	LastType                     // final fragment

	MaxRecordType = LastType
)

var recordTypeNames = [...]string{"zero", "full", "first", "middle", "last"}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return "unknown"
}

// fragmentType is the type of a fragment given whether it starts and ends
// its record.
func fragmentType(first, last bool) RecordType {
	switch {
	case first && last:
		return FullType
	case first:
		return FirstType
	case last:
		return LastType
	default:
		return MiddleType
	}
}
