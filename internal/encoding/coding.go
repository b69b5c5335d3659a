// Package encoding provides the binary primitives used by the on-disk
// formats: fixed-width little-endian integers, 7-bit varints, zigzag signed
// varints and length-prefixed byte strings.
//
// Encoders append to a destination slice. Decoding goes through Decoder,
// which keeps the first error it hits so that record codecs can read a run
// of fields and check once at the end.
package encoding

import (
	"encoding/binary"
	"errors"
	"math"
)

// MaxVarint64Length is the maximum number of bytes a varint64 can occupy.
const MaxVarint64Length = 10

var (
	// ErrBufferTooSmall is returned when the input ends before a field does.
	ErrBufferTooSmall = errors.New("encoding: buffer too small")

	// ErrVarintOverflow is returned when a varint exceeds 64 bits.
	ErrVarintOverflow = errors.New("encoding: varint overflow")
)

// -----------------------------------------------------------------------------
// Fixed-width encoding (little-endian)
// -----------------------------------------------------------------------------

// AppendFixed32 appends value as 4 little-endian bytes.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// AppendFixed64 appends value as 8 little-endian bytes.
func AppendFixed64(dst []byte, value uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, value)
}

// EncodeFixed32 writes value into dst[0:4].
// REQUIRES: dst has at least 4 bytes.
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed16 reads a uint16 from src[0:2].
// REQUIRES: src has at least 2 bytes.
func DecodeFixed16(src []byte) uint16 {
	return binary.LittleEndian.Uint16(src)
}

// DecodeFixed32 reads a uint32 from src[0:4].
// REQUIRES: src has at least 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// DecodeFixed64 reads a uint64 from src[0:8].
// REQUIRES: src has at least 8 bytes.
func DecodeFixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// -----------------------------------------------------------------------------
// Variable-length encoding (7-bit with MSB continuation)
// -----------------------------------------------------------------------------

// AppendVarint64 appends value as a varint.
func AppendVarint64(dst []byte, value uint64) []byte {
	for value >= 0x80 {
		dst = append(dst, byte(value)|0x80)
		value >>= 7
	}
	return append(dst, byte(value))
}

// DecodeVarint64 decodes a varint from src and returns the value and the
// number of bytes consumed.
func DecodeVarint64(src []byte) (uint64, int, error) {
	var result uint64
	for i, shift := 0, uint(0); shift < 64; i, shift = i+1, shift+7 {
		if i >= len(src) {
			return 0, 0, ErrBufferTooSmall
		}
		b := src[i]
		if b < 0x80 {
			return result | uint64(b)<<shift, i + 1, nil
		}
		result |= uint64(b&0x7f) << shift
	}
	return 0, 0, ErrVarintOverflow
}

// VarintLength returns the number of bytes needed to encode v as a varint.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendVarsigned64 appends v using zigzag + varint encoding.
func AppendVarsigned64(dst []byte, v int64) []byte {
	return AppendVarint64(dst, uint64(v<<1)^uint64(v>>63))
}

// AppendFloat64 appends the IEEE-754 bits of f as a fixed64.
func AppendFloat64(dst []byte, f float64) []byte {
	return AppendFixed64(dst, math.Float64bits(f))
}

// AppendFloat32 appends the IEEE-754 bits of f as a fixed32.
func AppendFloat32(dst []byte, f float32) []byte {
	return AppendFixed32(dst, math.Float32bits(f))
}

// AppendBytes appends a length-prefixed byte string: [varint length][bytes].
func AppendBytes(dst []byte, value []byte) []byte {
	dst = AppendVarint64(dst, uint64(len(value)))
	return append(dst, value...)
}

// AppendString is AppendBytes for strings.
func AppendString(dst []byte, value string) []byte {
	dst = AppendVarint64(dst, uint64(len(value)))
	return append(dst, value...)
}

// -----------------------------------------------------------------------------
// Decoder
// -----------------------------------------------------------------------------

// Decoder reads fields sequentially from a byte slice. After the first
// failure every method returns a zero value and Err reports the failure.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.pos
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Byte reads one byte.
func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 1 {
		d.fail(ErrBufferTooSmall)
		return 0
	}
	b := d.data[d.pos]
	d.pos++
	return b
}

// Fixed32 reads a little-endian uint32.
func (d *Decoder) Fixed32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 4 {
		d.fail(ErrBufferTooSmall)
		return 0
	}
	v := DecodeFixed32(d.data[d.pos:])
	d.pos += 4
	return v
}

// Fixed64 reads a little-endian uint64.
func (d *Decoder) Fixed64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 8 {
		d.fail(ErrBufferTooSmall)
		return 0
	}
	v := DecodeFixed64(d.data[d.pos:])
	d.pos += 8
	return v
}

// Varint64 reads a varint.
func (d *Decoder) Varint64() uint64 {
	if d.err != nil {
		return 0
	}
	v, n, err := DecodeVarint64(d.data[d.pos:])
	if err != nil {
		d.fail(err)
		return 0
	}
	d.pos += n
	return v
}

// Varsigned64 reads a zigzag-encoded varint.
func (d *Decoder) Varsigned64() int64 {
	u := d.Varint64()
	return int64(u>>1) ^ -int64(u&1)
}

// Float64 reads a float64 written by AppendFloat64.
func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.Fixed64())
}

// Float32 reads a float32 written by AppendFloat32.
func (d *Decoder) Float32() float32 {
	return math.Float32frombits(d.Fixed32())
}

// Bytes reads a length-prefixed byte string. The result aliases the input.
func (d *Decoder) Bytes() []byte {
	n := d.Varint64()
	if d.err != nil {
		return nil
	}
	if uint64(d.Remaining()) < n {
		d.fail(ErrBufferTooSmall)
		return nil
	}
	v := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v
}

// String reads a length-prefixed string.
func (d *Decoder) String() string {
	return string(d.Bytes())
}
