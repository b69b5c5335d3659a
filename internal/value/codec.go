package value

import (
	"errors"
	"fmt"

	"github.com/aalhour/strata/internal/encoding"
)

// ErrCorrupt is returned when an encoded value cannot be decoded.
var ErrCorrupt = errors.New("value: corrupt encoding")

// Append encodes v as [kind byte][payload].
func Append(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.kind))
	switch v.kind {
	case KindNull:
	case KindString:
		dst = encoding.AppendString(dst, v.str)
	case KindBytes, KindObject:
		dst = encoding.AppendBytes(dst, v.raw)
	case KindInt:
		dst = encoding.AppendVarsigned64(dst, v.num)
	case KindFloat:
		dst = encoding.AppendFloat64(dst, v.flt)
	case KindBool:
		dst = append(dst, byte(v.num))
	case KindVector:
		dst = encoding.AppendVarint64(dst, uint64(len(v.vec)))
		for _, f := range v.vec {
			dst = encoding.AppendFloat32(dst, f)
		}
	}
	return dst
}

// Decode reads a value written by Append. Decoded values never alias the
// decoder's buffer.
func Decode(d *encoding.Decoder) (Value, error) {
	kind := Kind(d.Byte())
	var v Value
	switch kind {
	case KindNull:
		v = Null()
	case KindString:
		v = String(d.String())
	case KindBytes:
		v = Bytes(d.Bytes())
	case KindObject:
		v = Value{kind: KindObject, raw: append([]byte{}, d.Bytes()...)}
	case KindInt:
		v = Int(d.Varsigned64())
	case KindFloat:
		v = Float(d.Float64())
	case KindBool:
		b := d.Byte()
		if b > 1 {
			return Value{}, fmt.Errorf("%w: bool byte %d", ErrCorrupt, b)
		}
		v = Bool(b == 1)
	case KindVector:
		n := d.Varint64()
		if n > uint64(d.Remaining()/4) {
			return Value{}, fmt.Errorf("%w: vector length %d", ErrCorrupt, n)
		}
		vec := make([]float32, n)
		for i := range vec {
			vec[i] = d.Float32()
		}
		v = Value{kind: KindVector, vec: vec}
	default:
		if d.Err() == nil {
			return Value{}, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, uint8(kind))
		}
	}
	if err := d.Err(); err != nil {
		return Value{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return v, nil
}

// Marshal encodes v into a fresh buffer.
func Marshal(v Value) []byte {
	return Append(nil, v)
}

// Unmarshal decodes a buffer produced by Marshal. Trailing bytes are an error.
func Unmarshal(data []byte) (Value, error) {
	d := encoding.NewDecoder(data)
	v, err := Decode(d)
	if err != nil {
		return Value{}, err
	}
	if d.Remaining() != 0 {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, d.Remaining())
	}
	return v, nil
}
