package wal

import (
	"io"

	"github.com/aalhour/strata/internal/checksum"
	"github.com/aalhour/strata/internal/encoding"
	"github.com/aalhour/strata/internal/testutil"
)

// Writer frames logical records into blocks on an append-only stream.
type Writer struct {
	dest   io.Writer
	offset int // position inside the current block

	// typeCRC[t] is the CRC of the type byte alone; a fragment's CRC extends
	// it over the payload.
	typeCRC [MaxRecordType + 1]uint32
	frame   []byte
}

// NewWriter returns a writer appending to dest, which must sit at a block
// boundary, as a fresh segment does.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{dest: dest}
	for t := range w.typeCRC {
		w.typeCRC[t] = checksum.CRC32C([]byte{byte(t)})
	}
	return w
}

// AddRecord appends data as one logical record and returns the bytes
// written, headers and padding included. An empty record still produces a
// single empty fragment.
func (w *Writer) AddRecord(data []byte) (int, error) {
	testutil.MaybeKill(testutil.KPWALAppend0)

	written := 0
	for first := true; first || len(data) > 0; first = false {
		if room := BlockSize - w.offset; room < HeaderSize {
			n, err := w.dest.Write(make([]byte, room))
			written += n
			if err != nil {
				return written, err
			}
			w.offset = 0
		}

		size := min(len(data), BlockSize-w.offset-HeaderSize)
		n, err := w.writeFragment(fragmentType(first, size == len(data)), data[:size])
		written += n
		if err != nil {
			return written, err
		}
		data = data[size:]
	}
	return written, nil
}

// writeFragment writes one header and payload with a single Write call.
func (w *Writer) writeFragment(t RecordType, payload []byte) (int, error) {
	if len(payload) > MaxRecordPayload {
		panic("wal: fragment payload exceeds a block")
	}
	w.frame = append(w.frame[:0], make([]byte, HeaderSize)...)
	crc := checksum.ExtendCRC32C(w.typeCRC[t], payload)
	encoding.EncodeFixed32(w.frame[0:4], checksum.MaskCRC(crc))
	w.frame[4] = byte(len(payload))
	w.frame[5] = byte(len(payload) >> 8)
	w.frame[6] = byte(t)
	w.frame = append(w.frame, payload...)

	n, err := w.dest.Write(w.frame)
	w.offset += n
	return n, err
}

// BlockOffset returns the position inside the current block.
func (w *Writer) BlockOffset() int {
	return w.offset
}
