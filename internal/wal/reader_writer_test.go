package wal

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aalhour/strata/internal/checksum"
	"github.com/aalhour/strata/internal/encoding"
)

// Helper to construct a string of specified length
func bigString(partial string, n int) []byte {
	var result []byte
	for len(result) < n {
		result = append(result, partial...)
	}
	return result[:n]
}

// Helper to construct a string from a number
func numberString(n int) string {
	return strings.Repeat(string(rune('0'+n%10)), (n%17)+1) + "."
}

func writeRecords(t *testing.T, records ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i, r := range records {
		if _, err := w.AddRecord(r); err != nil {
			t.Fatalf("AddRecord %d: %v", i, err)
		}
	}
	return buf.Bytes()
}

// readAll reads until the first error and returns the records and the error.
func readAll(data []byte) ([][]byte, *Reader, error) {
	r := NewReader(bytes.NewReader(data), 0)
	var out [][]byte
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			return out, r, err
		}
		out = append(out, append([]byte(nil), rec...))
	}
}

func TestRecordTypeString(t *testing.T) {
	testCases := []struct {
		rt   RecordType
		want string
	}{
		{ZeroType, "zero"},
		{FullType, "full"},
		{FirstType, "first"},
		{MiddleType, "middle"},
		{LastType, "last"},
		{RecordType(255), "unknown"},
	}

	for _, tc := range testCases {
		if got := tc.rt.String(); got != tc.want {
			t.Errorf("RecordType(%d).String() = %q, want %q", tc.rt, got, tc.want)
		}
	}
}

func TestWriterBasic(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	n, err := w.AddRecord([]byte("hello"))
	if err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if n != HeaderSize+5 {
		t.Errorf("AddRecord wrote %d bytes, want %d", n, HeaderSize+5)
	}
	if buf.Len() != HeaderSize+5 {
		t.Errorf("buffer len = %d, want %d", buf.Len(), HeaderSize+5)
	}
	if RecordType(buf.Bytes()[6]) != FullType {
		t.Errorf("record type = %v, want FullType", RecordType(buf.Bytes()[6]))
	}
	if w.BlockOffset() != HeaderSize+5 {
		t.Errorf("BlockOffset = %d, want %d", w.BlockOffset(), HeaderSize+5)
	}
}

func TestWriterEmptyRecord(t *testing.T) {
	data := writeRecords(t, []byte{})
	if len(data) != HeaderSize {
		t.Fatalf("empty record: len=%d, want %d", len(data), HeaderSize)
	}
	recs, _, err := readAll(data)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(recs) != 1 || len(recs[0]) != 0 {
		t.Fatalf("got %d records, want one empty record", len(recs))
	}
}

func TestWriterFragmentation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	record := bigString("x", 3*BlockSize)
	if _, err := w.AddRecord(record); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}

	data := buf.Bytes()
	if got := RecordType(data[6]); got != FirstType {
		t.Errorf("first fragment type = %v, want FirstType", got)
	}
	if got := RecordType(data[BlockSize+6]); got != MiddleType {
		t.Errorf("second fragment type = %v, want MiddleType", got)
	}
	if got := RecordType(data[3*BlockSize+6]); got != LastType {
		t.Errorf("last fragment type = %v, want LastType", got)
	}
}

func TestReaderEmpty(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), 0)
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if r.LastRecordEnd() != 0 {
		t.Errorf("LastRecordEnd = %d, want 0", r.LastRecordEnd())
	}
}

func TestReaderMultipleRecords(t *testing.T) {
	records := [][]byte{
		[]byte("first record"),
		[]byte("second record"),
		bigString("third", BlockSize+1000),
		[]byte("fourth"),
	}
	data := writeRecords(t, records...)

	got, r, err := readAll(data)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Errorf("record %d mismatch", i)
		}
	}
	if r.LastRecordEnd() != int64(len(data)) {
		t.Errorf("LastRecordEnd = %d, want %d", r.LastRecordEnd(), len(data))
	}
}

func TestReaderEOFMultipleTimes(t *testing.T) {
	r := NewReader(bytes.NewReader(writeRecords(t, []byte("a"))), 0)
	if _, err := r.ReadRecord(); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	for range 3 {
		if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	}
}

func TestMarginalTrailer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// Make a trailer that is exactly the same length as an empty record
	n := BlockSize - 2*HeaderSize
	data1 := bigString("foo", n)
	w.AddRecord(data1)

	// This should exactly fill the block minus one header
	if buf.Len() != BlockSize-HeaderSize {
		t.Errorf("After first record: len=%d, want %d", buf.Len(), BlockSize-HeaderSize)
	}

	w.AddRecord([]byte{})
	w.AddRecord([]byte("bar"))

	recs, _, err := readAll(buf.Bytes())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if !bytes.Equal(recs[0], data1) {
		t.Errorf("First record mismatch")
	}
	if len(recs[1]) != 0 {
		t.Errorf("Empty record: got len=%d", len(recs[1]))
	}
	if string(recs[2]) != "bar" {
		t.Errorf("Third record = %q", recs[2])
	}
}

func TestShortTrailer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// Leave less than a header at the end of the block
	n := BlockSize - 2*HeaderSize + 4
	data1 := bigString("foo", n)
	w.AddRecord(data1)
	w.AddRecord([]byte{})
	w.AddRecord([]byte("bar"))

	recs, _, err := readAll(buf.Bytes())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if !bytes.Equal(recs[0], data1) {
		t.Errorf("First record mismatch")
	}
	if len(recs[1]) != 0 {
		t.Errorf("Empty record: got len=%d", len(recs[1]))
	}
	if string(recs[2]) != "bar" {
		t.Errorf("Third record = %q", recs[2])
	}
}

func TestAlignedEof(t *testing.T) {
	n := BlockSize - 2*HeaderSize + 4
	data := bigString("foo", n)

	recs, _, err := readAll(writeRecords(t, data))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if len(recs) != 1 || !bytes.Equal(recs[0], data) {
		t.Errorf("Record mismatch")
	}
}

func TestManyBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	const N = 100000
	for i := range N {
		w.AddRecord([]byte(numberString(i)))
	}

	r := NewReader(bytes.NewReader(buf.Bytes()), 0)
	for i := range N {
		rec, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d error: %v", i, err)
		}
		if expected := numberString(i); string(rec) != expected {
			t.Fatalf("Record %d: got %q, want %q", i, string(rec), expected)
		}
	}
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestReaderStartOffset(t *testing.T) {
	first := bigString("a", BlockSize-100)
	second := bigString("b", 500)
	third := []byte("c")
	data := writeRecords(t, first, second, third)

	// Find the end of the first record with a full read.
	r := NewReader(bytes.NewReader(data), 0)
	if _, err := r.ReadRecord(); err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	off := r.LastRecordEnd()

	r = NewReader(bytes.NewReader(data[off:]), off)
	rec, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("resumed ReadRecord: %v", err)
	}
	if !bytes.Equal(rec, second) {
		t.Fatalf("resumed read returned the wrong record")
	}
	rec, err = r.ReadRecord()
	if err != nil || string(rec) != "c" {
		t.Fatalf("third record = %q, %v", rec, err)
	}
	if r.LastRecordEnd() != int64(len(data)) {
		t.Errorf("LastRecordEnd = %d, want %d", r.LastRecordEnd(), len(data))
	}
}

func TestReaderRejectsCorruptedChecksum(t *testing.T) {
	data := writeRecords(t, []byte("one"), []byte("two"), []byte("three"))
	// Flip a payload byte of the second record.
	second := HeaderSize + 3
	data[second+HeaderSize] ^= 0xff

	recs, r, err := readAll(data)
	if !errors.Is(err, ErrCorruptedRecord) {
		t.Fatalf("expected ErrCorruptedRecord, got %v", err)
	}
	if len(recs) != 1 || string(recs[0]) != "one" {
		t.Fatalf("got %q, want only the first record", recs)
	}
	if r.LastRecordEnd() != int64(second) {
		t.Errorf("LastRecordEnd = %d, want %d", r.LastRecordEnd(), second)
	}
	// The error is sticky; the third record is never returned.
	if _, err := r.ReadRecord(); !errors.Is(err, ErrCorruptedRecord) {
		t.Errorf("second call: got %v", err)
	}
}

func TestReaderRejectsTruncatedRecord(t *testing.T) {
	data := writeRecords(t, []byte("complete"), bigString("partial", 200))
	data = data[:len(data)-50]

	recs, r, err := readAll(data)
	if !errors.Is(err, ErrTruncatedRecord) {
		t.Fatalf("expected ErrTruncatedRecord, got %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if r.LastRecordEnd() != int64(HeaderSize+len("complete")) {
		t.Errorf("LastRecordEnd = %d", r.LastRecordEnd())
	}
}

func TestReaderTruncatedFragmentedRecord(t *testing.T) {
	data := writeRecords(t, []byte("head"), bigString("x", 2*BlockSize))
	// Cut inside the second block: the First fragment is intact but the
	// record never completes.
	data = data[:BlockSize+100]

	recs, r, err := readAll(data)
	if !errors.Is(err, ErrTruncatedRecord) {
		t.Fatalf("expected ErrTruncatedRecord, got %v", err)
	}
	if len(recs) != 1 || string(recs[0]) != "head" {
		t.Fatalf("got %d records", len(recs))
	}
	if r.LastRecordEnd() != int64(HeaderSize+4) {
		t.Errorf("LastRecordEnd = %d, want %d", r.LastRecordEnd(), HeaderSize+4)
	}
}

func TestReaderZeroFilledTail(t *testing.T) {
	data := writeRecords(t, []byte("abc"))
	data = append(data, make([]byte, 64)...)

	recs, r, err := readAll(data)
	if !errors.Is(err, ErrTruncatedRecord) {
		t.Fatalf("expected ErrTruncatedRecord, got %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if r.LastRecordEnd() != int64(HeaderSize+3) {
		t.Errorf("LastRecordEnd = %d", r.LastRecordEnd())
	}
}

func TestUnexpectedFragments(t *testing.T) {
	// Build a two-fragment record and drop its first fragment so the reader
	// sees a Last fragment with no First.
	data := writeRecords(t, bigString("y", BlockSize))
	tail := data[BlockSize:]

	_, _, err := readAll(tail)
	if !errors.Is(err, ErrUnexpectedLastRecord) {
		t.Fatalf("expected ErrUnexpectedLastRecord, got %v", err)
	}

	// A First fragment followed directly by a Full record.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.writeFragment(FirstType, []byte("start"))
	w.writeFragment(FullType, []byte("full"))
	_, _, err = readAll(buf.Bytes())
	if !errors.Is(err, ErrUnexpectedFirstRecord) {
		t.Fatalf("expected ErrUnexpectedFirstRecord, got %v", err)
	}

	buf.Reset()
	w = NewWriter(&buf)
	w.writeFragment(MiddleType, []byte("mid"))
	_, _, err = readAll(buf.Bytes())
	if !errors.Is(err, ErrUnexpectedMiddleRecord) {
		t.Fatalf("expected ErrUnexpectedMiddleRecord, got %v", err)
	}
}

func TestBadRecordType(t *testing.T) {
	// A record with an out-of-range type and a valid checksum.
	payload := []byte("bad")
	rec := []byte{0, 0, 0, 0, byte(len(payload)), 0, 9}
	rec = append(rec, payload...)
	encoding.EncodeFixed32(rec, checksum.MaskCRC(checksum.CRC32C(rec[6:])))

	_, _, err := readAll(rec)
	if !errors.Is(err, ErrInvalidRecordType) {
		t.Fatalf("expected ErrInvalidRecordType, got %v", err)
	}
}

// TestTruncationYieldsPrefix cuts a log at every byte boundary and checks
// that the reader returns exactly the records that were completely written
// before the cut.
func TestTruncationYieldsPrefix(t *testing.T) {
	records := [][]byte{
		[]byte("alpha"),
		bigString("beta", 300),
		[]byte{},
		bigString("gamma", BlockSize+50),
		[]byte("delta"),
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	var ends []int
	for _, r := range records {
		w.AddRecord(r)
		ends = append(ends, buf.Len())
	}
	full := buf.Bytes()

	for cut := 0; cut <= len(full); cut++ {
		want := 0
		for want < len(ends) && ends[want] <= cut {
			want++
		}
		got, r, err := readAll(full[:cut])
		if err != io.EOF && !IsCorruption(err) {
			t.Fatalf("cut %d: unexpected error %v", cut, err)
		}
		if len(got) != want {
			t.Fatalf("cut %d: got %d records, want %d", cut, len(got), want)
		}
		for i := range got {
			if !bytes.Equal(got[i], records[i]) {
				t.Fatalf("cut %d: record %d mismatch", cut, i)
			}
		}
		wantEnd := 0
		if want > 0 {
			wantEnd = ends[want-1]
		}
		if r.LastRecordEnd() != int64(wantEnd) {
			t.Fatalf("cut %d: LastRecordEnd = %d, want %d", cut, r.LastRecordEnd(), wantEnd)
		}
	}
}
