package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aalhour/strata/internal/checksum"
	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/durability"
	"github.com/aalhour/strata/internal/encoding"
	"github.com/aalhour/strata/internal/testutil"
	"github.com/aalhour/strata/vfs"
)

// FileName is the base name of the manifest inside a database directory.
const FileName = "MANIFEST"

// FormatVersion is the on-disk layout version this package writes.
const FormatVersion = 1

const magic = "STRATAMF"

var (
	// ErrCorrupt is returned for a manifest that fails verification.
	ErrCorrupt = errors.New("manifest: corrupt")

	// ErrNotFound is returned by Read when the directory has no manifest.
	ErrNotFound = errors.New("manifest: not found")
)

// Manifest is the database-level metadata.
type Manifest struct {
	DBID          string
	FormatVersion uint32
	CreatedAt     int64 // unix ns
	Durability    durability.Mode

	// CheckpointSeq is the sequence of the newest checkpoint recorded as
	// complete (0 = none).
	CheckpointSeq dbformat.SequenceNumber
	MaxTxnID      uint64

	// Creator names the software that created the database.
	Creator string
}

// New returns the manifest of a freshly created database.
func New(mode durability.Mode, creator string) *Manifest {
	return &Manifest{
		DBID:          uuid.NewString(),
		FormatVersion: FormatVersion,
		CreatedAt:     time.Now().UnixNano(),
		Durability:    mode,
		Creator:       creator,
	}
}

// Path returns the manifest path for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// EncodeTo serializes the manifest fields.
func (m *Manifest) EncodeTo() []byte {
	var dst []byte

	dst = encoding.AppendVarint64(dst, uint64(TagDBID))
	dst = encoding.AppendString(dst, m.DBID)

	dst = encoding.AppendVarint64(dst, uint64(TagFormatVersion))
	dst = encoding.AppendVarint64(dst, uint64(m.FormatVersion))

	dst = encoding.AppendVarint64(dst, uint64(TagCreatedAt))
	dst = encoding.AppendVarsigned64(dst, m.CreatedAt)

	dst = encoding.AppendVarint64(dst, uint64(TagDurability))
	dst = encoding.AppendVarint64(dst, uint64(m.Durability))

	if m.CheckpointSeq > 0 {
		dst = encoding.AppendVarint64(dst, uint64(TagCheckpointSeq))
		dst = encoding.AppendVarint64(dst, uint64(m.CheckpointSeq))
	}

	if m.MaxTxnID > 0 {
		dst = encoding.AppendVarint64(dst, uint64(TagMaxTxnID))
		dst = encoding.AppendVarint64(dst, m.MaxTxnID)
	}

	if m.Creator != "" {
		dst = encoding.AppendVarint64(dst, uint64(TagCreator))
		dst = encoding.AppendString(dst, m.Creator)
	}
	return dst
}

// DecodeFrom parses fields written by EncodeTo.
func (m *Manifest) DecodeFrom(data []byte) error {
	*m = Manifest{}
	d := encoding.NewDecoder(data)

	for d.Remaining() > 0 {
		tag := Tag(d.Varint64())
		if d.Err() != nil {
			break
		}
		switch tag {
		case TagDBID:
			m.DBID = d.String()
		case TagFormatVersion:
			m.FormatVersion = uint32(d.Varint64())
		case TagCreatedAt:
			m.CreatedAt = d.Varsigned64()
		case TagDurability:
			m.Durability = durability.Mode(d.Varint64())
		case TagCheckpointSeq:
			m.CheckpointSeq = dbformat.SequenceNumber(d.Varint64())
		case TagMaxTxnID:
			m.MaxTxnID = d.Varint64()
		case TagCreator:
			m.Creator = d.String()
		default:
			if !tag.IsSafeToIgnore() {
				return fmt.Errorf("%w: unknown tag %d", ErrCorrupt, tag)
			}
			_ = d.Bytes()
		}
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.FormatVersion == 0 || m.FormatVersion > FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, m.FormatVersion)
	}
	if m.DBID == "" {
		return fmt.Errorf("%w: missing database id", ErrCorrupt)
	}
	return nil
}

// Write installs m as dir's manifest atomically.
//
// Layout: magic, fields, masked CRC32C of the fields (fixed32).
func Write(fs vfs.FS, dir string, m *Manifest) error {
	body := m.EncodeTo()
	data := make([]byte, 0, len(magic)+len(body)+4)
	data = append(data, magic...)
	data = append(data, body...)
	data = encoding.AppendFixed32(data, checksum.MaskCRC(checksum.CRC32C(body)))

	testutil.MaybeKill(testutil.KPManifestWrite0)
	if err := vfs.WriteFileAtomic(fs, Path(dir), data); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	return nil
}

// Read loads and verifies dir's manifest.
func Read(fs vfs.FS, dir string) (*Manifest, error) {
	data, err := vfs.ReadFile(fs, Path(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	if len(data) < len(magic)+4 || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	body := data[len(magic) : len(data)-4]
	if checksum.UnmaskCRC(encoding.DecodeFixed32(data[len(data)-4:])) != checksum.CRC32C(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	m := &Manifest{}
	if err := m.DecodeFrom(body); err != nil {
		return nil, err
	}
	return m, nil
}
