// Package value implements the typed payload stored in every record version.
//
// Value is a closed sum type. The binary codec switches over every Kind,
// and the narrowing accessors return ErrTypeMismatch when a caller asks for
// a different variant than the one stored.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// Kind identifies the variant held by a Value. Embedded in the on-disk format.
type Kind uint8

const (
	KindNull   Kind = 0
	KindString Kind = 1
	KindBytes  Kind = 2
	KindInt    Kind = 3
	KindFloat  Kind = 4
	KindBool   Kind = 5
	KindObject Kind = 6
	KindVector Kind = 7
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrTypeMismatch is returned when a Value is narrowed to the wrong variant.
var ErrTypeMismatch = errors.New("value: type mismatch")

// Value is an immutable typed payload. The zero Value is Null.
type Value struct {
	kind Kind
	str  string
	raw  []byte // KindBytes payload or KindObject JSON text
	num  int64  // KindInt and KindBool
	flt  float64
	vec  []float32
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes returns a bytes value holding a copy of b.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: bytes.Clone(nonNil(b))} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Float returns a floating-point value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Object returns an object value holding a copy of the JSON document raw.
func Object(raw json.RawMessage) (Value, error) {
	if !json.Valid(raw) {
		return Value{}, fmt.Errorf("value: invalid JSON object")
	}
	return Value{kind: KindObject, raw: bytes.Clone(raw)}, nil
}

// ObjectOf marshals x with encoding/json into an object value.
func ObjectOf(x any) (Value, error) {
	raw, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("value: marshal object: %w", err)
	}
	return Value{kind: KindObject, raw: raw}, nil
}

// Vector returns a vector value holding a copy of v.
func Vector(v []float32) Value {
	return Value{kind: KindVector, vec: slices.Clone(nonNilVec(v))}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, v.kind, want)
}

// AsString narrows v to a string.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.str, nil
}

// AsBytes narrows v to bytes. The result must not be modified.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, v.mismatch(KindBytes)
	}
	return v.raw, nil
}

// AsInt narrows v to an integer.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.num, nil
}

// AsFloat narrows v to a float. Integers widen.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.flt, nil
	case KindInt:
		return float64(v.num), nil
	default:
		return 0, v.mismatch(KindFloat)
	}
}

// AsBool narrows v to a boolean.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.num != 0, nil
}

// AsObject narrows v to its JSON text. The result must not be modified.
func (v Value) AsObject() (json.RawMessage, error) {
	if v.kind != KindObject {
		return nil, v.mismatch(KindObject)
	}
	return v.raw, nil
}

// DecodeObject unmarshals an object value into out.
func (v Value) DecodeObject(out any) error {
	raw, err := v.AsObject()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// AsVector narrows v to a vector. The result must not be modified.
func (v Value) AsVector() ([]float32, error) {
	if v.kind != KindVector {
		return nil, v.mismatch(KindVector)
	}
	return v.vec, nil
}

// Equal reports whether a and b hold the same variant and payload.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindBytes, KindObject:
		return bytes.Equal(a.raw, b.raw)
	case KindInt, KindBool:
		return a.num == b.num
	case KindFloat:
		return a.flt == b.flt
	case KindVector:
		return slices.Equal(a.vec, b.vec)
	default:
		return false
	}
}

// String renders v for logs and the CLI.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.str)
	case KindBytes:
		return fmt.Sprintf("bytes(%x)", v.raw)
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.num != 0)
	case KindObject:
		return string(v.raw)
	case KindVector:
		return fmt.Sprintf("vector%v", v.vec)
	default:
		return v.kind.String()
	}
}

// Size approximates the in-memory payload size in bytes.
func (v Value) Size() int {
	return len(v.str) + len(v.raw) + 4*len(v.vec) + 16
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nonNilVec(v []float32) []float32 {
	if v == nil {
		return []float32{}
	}
	return v
}
