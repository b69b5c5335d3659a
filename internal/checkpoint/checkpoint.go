// Package checkpoint reads and writes full materializations of the record
// store.
//
// A checkpoint file holds every retained version chain as of one commit
// sequence. Recovery loads the newest valid checkpoint and replays only WAL
// records after its sequence.
//
// File layout:
//
//	magic "STRATACK" (8)
//	format version (fixed32)
//	sequence (fixed64)
//	max txn id (varint)
//	created at, unix ns (zigzag varint)
//	compression type (1)
//	chain count (varint)
//	body length (varint)
//	body (compressed)
//	XXH3-64 of every preceding byte (fixed64)
//
// Body, per chain: address, version count, then per version its number,
// sequence, timestamp, tombstone flag and (for live versions) value.
//
// Files are written to a temporary name, fsynced and renamed into place, so
// a crash leaves either no checkpoint or a complete one.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/aalhour/strata/internal/checksum"
	"github.com/aalhour/strata/internal/compression"
	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/encoding"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/mvcc"
	"github.com/aalhour/strata/internal/testutil"
	"github.com/aalhour/strata/internal/value"
	"github.com/aalhour/strata/vfs"
)

const (
	magic         = "STRATACK"
	formatVersion = 1
	trailerSize   = 8
	filePrefix    = "checkpoint-"
	fileSuffix    = ".ckpt"
)

// ErrCorrupt is returned for a checkpoint that fails verification.
var ErrCorrupt = errors.New("checkpoint: corrupt")

// Header is the metadata at the start of a checkpoint file.
type Header struct {
	Seq         dbformat.SequenceNumber
	MaxTxnID    uint64
	CreatedAt   int64
	Compression compression.Type
	Chains      uint64
}

// Checkpoint is a decoded checkpoint.
type Checkpoint struct {
	Header
	Chains []mvcc.Chain
}

// FileName returns the path of the checkpoint at seq in dir.
func FileName(dir string, seq dbformat.SequenceNumber) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, seq, fileSuffix))
}

// ParseFileName extracts the sequence from a checkpoint base name.
func ParseFileName(name string) (dbformat.SequenceNumber, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, fileSuffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return dbformat.SequenceNumber(n), true
}

// Encode serializes cp. cp.Chains is taken as given; cp.Header.Chains is
// ignored and recomputed.
func Encode(cp *Checkpoint) ([]byte, error) {
	var body []byte
	for _, c := range cp.Chains {
		body = dbformat.AppendAddress(body, c.Addr)
		body = encoding.AppendVarint64(body, uint64(len(c.Versions)))
		for _, v := range c.Versions {
			body = encoding.AppendVarint64(body, v.Number)
			body = encoding.AppendVarint64(body, uint64(v.Seq))
			body = encoding.AppendVarsigned64(body, v.Timestamp)
			if v.Tombstone {
				body = append(body, 1)
			} else {
				body = append(body, 0)
				body = value.Append(body, v.Value)
			}
		}
	}
	compressed, err := compression.Compress(cp.Compression, body)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: compress: %w", err)
	}

	out := make([]byte, 0, len(magic)+64+len(compressed)+trailerSize)
	out = append(out, magic...)
	out = encoding.AppendFixed32(out, formatVersion)
	out = encoding.AppendFixed64(out, uint64(cp.Seq))
	out = encoding.AppendVarint64(out, cp.MaxTxnID)
	out = encoding.AppendVarsigned64(out, cp.CreatedAt)
	out = append(out, byte(cp.Compression))
	out = encoding.AppendVarint64(out, uint64(len(cp.Chains)))
	out = encoding.AppendVarint64(out, uint64(len(compressed)))
	out = append(out, compressed...)
	out = encoding.AppendFixed64(out, checksum.XXH3(out))
	return out, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// decodeHeader verifies magic and trailer and parses the header. It returns
// the compressed body.
func decodeHeader(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < len(magic)+trailerSize || string(data[:len(magic)]) != magic {
		return h, nil, corrupt("bad magic")
	}
	content := data[:len(data)-trailerSize]
	if want := encoding.DecodeFixed64(data[len(content):]); checksum.XXH3(content) != want {
		return h, nil, corrupt("checksum mismatch")
	}

	d := encoding.NewDecoder(content[len(magic):])
	if v := d.Fixed32(); d.Err() == nil && v != formatVersion {
		return h, nil, corrupt("unsupported format version %d", v)
	}
	h.Seq = dbformat.SequenceNumber(d.Fixed64())
	h.MaxTxnID = d.Varint64()
	h.CreatedAt = d.Varsigned64()
	h.Compression = compression.Type(d.Byte())
	h.Chains = d.Varint64()
	bodyLen := d.Varint64()
	if d.Err() != nil {
		return h, nil, corrupt("header: %v", d.Err())
	}
	if bodyLen != uint64(d.Remaining()) {
		return h, nil, corrupt("body length %d, have %d bytes", bodyLen, d.Remaining())
	}
	return h, content[len(content)-d.Remaining():], nil
}

// Decode parses and fully verifies a checkpoint.
func Decode(data []byte) (*Checkpoint, error) {
	h, compressed, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if !h.Compression.IsSupported() {
		return nil, corrupt("unknown compression %d", h.Compression)
	}
	body, err := compression.Decompress(h.Compression, compressed)
	if err != nil {
		return nil, corrupt("decompress: %v", err)
	}

	d := encoding.NewDecoder(body)
	// Every chain takes at least a few bytes, which bounds the allocation.
	if h.Chains > uint64(len(body)) {
		return nil, corrupt("%d chains in %d bytes", h.Chains, len(body))
	}
	cp := &Checkpoint{Header: h, Chains: make([]mvcc.Chain, 0, h.Chains)}
	for i := uint64(0); i < h.Chains; i++ {
		addr := dbformat.DecodeAddress(d)
		n := d.Varint64()
		if d.Err() != nil {
			return nil, corrupt("chain %d: %v", i, d.Err())
		}
		if n == 0 || n > uint64(d.Remaining()) {
			return nil, corrupt("chain %d: %d versions", i, n)
		}
		versions := make([]mvcc.Version, n)
		for j := range versions {
			v := &versions[j]
			v.Number = d.Varint64()
			v.Seq = dbformat.SequenceNumber(d.Varint64())
			v.Timestamp = d.Varsigned64()
			switch d.Byte() {
			case 0:
				val, err := value.Decode(d)
				if err != nil {
					return nil, corrupt("chain %d version %d: %v", i, j, err)
				}
				v.Value = val
			case 1:
				v.Tombstone = true
			default:
				return nil, corrupt("chain %d version %d: bad tombstone flag", i, j)
			}
			if d.Err() != nil {
				return nil, corrupt("chain %d version %d: %v", i, j, d.Err())
			}
			if j > 0 && v.Number != versions[j-1].Number+1 {
				return nil, corrupt("chain %s: version %d follows %d", addr, v.Number, versions[j-1].Number)
			}
			if v.Seq > h.Seq {
				return nil, corrupt("chain %s: version seq %d beyond checkpoint seq %d", addr, v.Seq, h.Seq)
			}
		}
		cp.Chains = append(cp.Chains, mvcc.Chain{Addr: addr, Versions: versions})
	}
	if d.Remaining() != 0 {
		return nil, corrupt("%d trailing body bytes", d.Remaining())
	}
	return cp, nil
}

// Write encodes cp and installs it atomically in dir. It returns the file
// path and size.
func Write(fs vfs.FS, dir string, cp *Checkpoint) (string, int, error) {
	data, err := Encode(cp)
	if err != nil {
		return "", 0, err
	}
	name := FileName(dir, cp.Seq)
	testutil.MaybeKill(testutil.KPCheckpointWrite0)
	if err := vfs.WriteFileAtomic(fs, name, data); err != nil {
		return "", 0, fmt.Errorf("checkpoint: write %s: %w", filepath.Base(name), err)
	}
	testutil.MaybeKill(testutil.KPCheckpointWrite1)
	return name, len(data), nil
}

// Read loads and verifies the checkpoint at path.
func Read(fs vfs.FS, path string) (*Checkpoint, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	cp, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cp, nil
}

// Verify fully checks the checkpoint at path and returns its header.
func Verify(fs vfs.FS, path string) (Header, error) {
	cp, err := Read(fs, path)
	if err != nil {
		return Header{}, err
	}
	return cp.Header, nil
}

// List returns the sequences of the checkpoints in dir, newest first.
func List(fs vfs.FS, dir string) ([]dbformat.SequenceNumber, error) {
	names, err := fs.ListDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []dbformat.SequenceNumber
	for _, name := range names {
		if seq, ok := ParseFileName(name); ok {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	slices.Reverse(seqs)
	return seqs, nil
}

// LoadLatest returns the newest checkpoint in dir that verifies, skipping
// damaged ones. It returns nil with no error when no valid checkpoint exists.
func LoadLatest(fs vfs.FS, dir string, logger logging.Logger) (*Checkpoint, error) {
	logger = logging.OrDefault(logger)
	seqs, err := List(fs, dir)
	if err != nil {
		return nil, err
	}
	for _, seq := range seqs {
		cp, err := Read(fs, FileName(dir, seq))
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		logger.Warnf("%sskipping damaged checkpoint at seq %d: %v", logging.NSRecovery, seq, err)
	}
	return nil, nil
}

// Prune deletes all but the newest keep checkpoints and any leftover
// temporary files. It returns the sequences removed.
func Prune(fs vfs.FS, dir string, keep int) ([]dbformat.SequenceNumber, error) {
	if keep < 1 {
		keep = 1
	}
	names, err := fs.ListDir(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix+".tmp") {
			_ = fs.Remove(filepath.Join(dir, name))
		}
	}
	seqs, err := List(fs, dir)
	if err != nil {
		return nil, err
	}
	if len(seqs) <= keep {
		return nil, nil
	}
	var removed []dbformat.SequenceNumber
	for _, seq := range seqs[keep:] {
		if err := fs.Remove(FileName(dir, seq)); err != nil {
			return removed, fmt.Errorf("checkpoint: remove seq %d: %w", seq, err)
		}
		removed = append(removed, seq)
	}
	return removed, fs.SyncDir(dir)
}
