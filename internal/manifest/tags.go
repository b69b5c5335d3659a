// Package manifest reads and writes the MANIFEST file that identifies a
// database directory.
//
// The MANIFEST body is a sequence of tagged fields. Each field starts with a
// varint tag that identifies what follows. Tags with TagSafeIgnoreMask set
// carry a length-prefixed value so that a reader which does not know them
// can skip them; any other unknown tag makes the file unreadable.
package manifest

// Tag represents a serialized manifest field tag.
// These numbers are written to disk and MUST NOT change.
type Tag uint32

const (
	TagFormatVersion Tag = 1
	TagCreatedAt     Tag = 2
	TagDurability    Tag = 3
	TagCheckpointSeq Tag = 4
	TagMaxTxnID      Tag = 5

	// Mask for an unidentified tag from the future which can be safely ignored.
	TagSafeIgnoreMask Tag = 1 << 13

	// Forward compatible (aka ignorable) fields - these have bit 13 set
	TagDBID    Tag = TagSafeIgnoreMask | 1
	TagCreator Tag = TagSafeIgnoreMask | 2
)

// IsSafeToIgnore returns true if the tag can be safely ignored when unknown.
func (t Tag) IsSafeToIgnore() bool {
	return t&TagSafeIgnoreMask != 0
}
