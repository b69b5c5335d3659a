package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/aalhour/strata/internal/compression"
	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/mvcc"
	"github.com/aalhour/strata/internal/value"
	"github.com/aalhour/strata/vfs"
)

func sampleCheckpoint(seq dbformat.SequenceNumber, ct compression.Type) *Checkpoint {
	return &Checkpoint{
		Header: Header{Seq: seq, MaxTxnID: 77, CreatedAt: 1_700_000_000, Compression: ct},
		Chains: []mvcc.Chain{
			{
				Addr: dbformat.Addr("", dbformat.NamespaceRunIndex, "run-1"),
				Versions: []mvcc.Version{
					{Number: 1, Seq: 1, Value: value.String(`{"status":"active"}`), Timestamp: 10},
				},
			},
			{
				Addr: dbformat.Addr("run-1", dbformat.NamespaceKV, "k"),
				Versions: []mvcc.Version{
					{Number: 3, Seq: 2, Value: value.Int(3), Timestamp: 20},
					{Number: 4, Seq: 3, Tombstone: true, Timestamp: 30},
					{Number: 5, Seq: seq, Value: value.Vector([]float32{0.5, -1}), Timestamp: 40},
				},
			},
		},
	}
}

func TestFileNames(t *testing.T) {
	name := FileName("/db", 42)
	if filepath.Base(name) != "checkpoint-42.ckpt" {
		t.Fatalf("FileName = %q", name)
	}
	if seq, ok := ParseFileName("checkpoint-42.ckpt"); !ok || seq != 42 {
		t.Errorf("ParseFileName = %d, %v", seq, ok)
	}
	for _, bad := range []string{"checkpoint-.ckpt", "checkpoint-4x.ckpt", "checkpoint-42.ckpt.tmp", "000001.log", "MANIFEST"} {
		if _, ok := ParseFileName(bad); ok {
			t.Errorf("ParseFileName(%q) accepted", bad)
		}
	}
}

func TestEncodeDecodeAllCodecs(t *testing.T) {
	for _, ct := range []compression.Type{
		compression.NoCompression,
		compression.SnappyCompression,
		compression.LZ4Compression,
		compression.ZstdCompression,
	} {
		t.Run(ct.String(), func(t *testing.T) {
			want := sampleCheckpoint(9, ct)
			data, err := Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Seq != 9 || got.MaxTxnID != 77 || got.CreatedAt != 1_700_000_000 || got.Compression != ct {
				t.Fatalf("header = %+v", got.Header)
			}
			if got.Header.Chains != 2 || len(got.Chains) != 2 {
				t.Fatalf("got %d chains", len(got.Chains))
			}
			for i, c := range want.Chains {
				g := got.Chains[i]
				if g.Addr != c.Addr || len(g.Versions) != len(c.Versions) {
					t.Fatalf("chain %d: got %+v", i, g)
				}
				for j, v := range c.Versions {
					gv := g.Versions[j]
					if gv.Number != v.Number || gv.Seq != v.Seq || gv.Timestamp != v.Timestamp ||
						gv.Tombstone != v.Tombstone || !value.Equal(gv.Value, v.Value) {
						t.Errorf("chain %d version %d: got %+v, want %+v", i, j, gv, v)
					}
				}
			}
		})
	}
}

func TestDecodeDetectsDamage(t *testing.T) {
	data, err := Encode(sampleCheckpoint(9, compression.SnappyCompression))
	if err != nil {
		t.Fatal(err)
	}

	flip := func(i int) []byte {
		out := slices.Clone(data)
		out[i] ^= 0x01
		return out
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", flip(0)},
		{"header bit", flip(12)},
		{"body bit", flip(len(data) / 2)},
		{"trailer bit", flip(len(data) - 1)},
		{"truncated", data[:len(data)-3]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Decode = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestDecodeRejectsNonContiguousChain(t *testing.T) {
	cp := sampleCheckpoint(9, compression.NoCompression)
	cp.Chains[1].Versions[1].Number = 7
	data, err := Encode(cp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Decode = %v, want ErrCorrupt", err)
	}
}

func TestWriteReadVerify(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	path, size, err := Write(fs, dir, sampleCheckpoint(5, compression.ZstdCompression))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if int64(size) != st.Size() {
		t.Errorf("size = %d, file is %d", size, st.Size())
	}
	if fs.Exists(path + ".tmp") {
		t.Error("temporary file left behind")
	}

	h, err := Verify(fs, path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if h.Seq != 5 || h.Chains != 2 {
		t.Errorf("header = %+v", h)
	}
}

func TestLoadLatestFallsBack(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	for _, seq := range []dbformat.SequenceNumber{5, 10, 15} {
		if _, _, err := Write(fs, dir, sampleCheckpoint(seq, compression.SnappyCompression)); err != nil {
			t.Fatalf("Write %d: %v", seq, err)
		}
	}
	seqs, err := List(fs, dir)
	if err != nil || !slices.Equal(seqs, []dbformat.SequenceNumber{15, 10, 5}) {
		t.Fatalf("List = %v, %v", seqs, err)
	}

	cp, err := LoadLatest(fs, dir, logging.Discard)
	if err != nil || cp == nil || cp.Seq != 15 {
		t.Fatalf("LoadLatest = %v, %v", cp, err)
	}

	// Damage the newest: the next one is used.
	name := FileName(dir, 15)
	data, _ := os.ReadFile(name)
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(name, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cp, err = LoadLatest(fs, dir, logging.Discard)
	if err != nil || cp == nil || cp.Seq != 10 {
		t.Fatalf("LoadLatest after damage = %v, %v", cp, err)
	}

	// All damaged: no checkpoint, no error.
	for _, seq := range []dbformat.SequenceNumber{10, 5} {
		if err := os.WriteFile(FileName(dir, seq), []byte("garbage"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cp, err = LoadLatest(fs, dir, logging.Discard)
	if err != nil || cp != nil {
		t.Fatalf("LoadLatest with no valid checkpoint = %v, %v", cp, err)
	}
}

func TestLoadLatestEmptyDir(t *testing.T) {
	cp, err := LoadLatest(vfs.Default(), t.TempDir(), logging.Discard)
	if err != nil || cp != nil {
		t.Fatalf("LoadLatest = %v, %v", cp, err)
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	for _, seq := range []dbformat.SequenceNumber{1, 2, 3, 4} {
		if _, _, err := Write(fs, dir, sampleCheckpoint(seq, compression.NoCompression)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// A leftover from an interrupted write.
	if err := os.WriteFile(FileName(dir, 5)+".tmp", []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := Prune(fs, dir, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !slices.Equal(removed, []dbformat.SequenceNumber{2, 1}) {
		t.Errorf("removed = %v", removed)
	}
	seqs, _ := List(fs, dir)
	if !slices.Equal(seqs, []dbformat.SequenceNumber{4, 3}) {
		t.Errorf("remaining = %v", seqs)
	}
	if fs.Exists(FileName(dir, 5) + ".tmp") {
		t.Error("temporary file not removed")
	}
}
