// Package compression compresses checkpoint bodies.
//
// The codec is stored as a one-byte Type in the checkpoint header, so a file
// stays readable after the configured codec changes.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a codec. The values are persisted.
type Type uint8

const (
	NoCompression     Type = 0x0
	SnappyCompression Type = 0x1
	LZ4Compression    Type = 0x4
	ZstdCompression   Type = 0x7
)

type codec struct {
	name   string
	encode func([]byte) ([]byte, error)
	decode func([]byte) ([]byte, error)
}

var codecs = map[Type]codec{
	NoCompression: {
		name:   "none",
		encode: func(b []byte) ([]byte, error) { return b, nil },
		decode: func(b []byte) ([]byte, error) { return b, nil },
	},
	SnappyCompression: {
		name:   "snappy",
		encode: func(b []byte) ([]byte, error) { return snappy.Encode(nil, b), nil },
		decode: func(b []byte) ([]byte, error) { return snappy.Decode(nil, b) },
	},
	LZ4Compression: {
		name:   "lz4",
		encode: lz4Encode,
		decode: func(b []byte) ([]byte, error) { return io.ReadAll(lz4.NewReader(bytes.NewReader(b))) },
	},
	ZstdCompression: {
		name:   "zstd",
		encode: zstdEncode,
		decode: zstdDecode,
	},
}

func (t Type) String() string {
	if c, ok := codecs[t]; ok {
		return c.name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// IsSupported reports whether t names a known codec.
func (t Type) IsSupported() bool {
	_, ok := codecs[t]
	return ok
}

// Parse maps a configuration name to a Type. The empty string means none.
func Parse(name string) (Type, error) {
	name = strings.ToLower(name)
	if name == "" {
		return NoCompression, nil
	}
	for t, c := range codecs {
		if c.name == name {
			return t, nil
		}
	}
	return NoCompression, fmt.Errorf("unsupported compression type: %q", name)
}

// Compress encodes data with codec t.
func Compress(t Type, data []byte) ([]byte, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	return c.encode(data)
}

// Decompress decodes data written by Compress(t, ...).
func Decompress(t Type, data []byte) ([]byte, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	return c.decode(data)
}

func lz4Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return buf.Bytes(), nil
}

// The zstd encoder and decoder are safe for concurrent EncodeAll and
// DecodeAll calls, so one of each is shared.
var zstdState struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func zstdInit() error {
	zstdState.once.Do(func() {
		zstdState.enc, zstdState.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdState.err != nil {
			return
		}
		zstdState.dec, zstdState.err = zstd.NewReader(nil)
	})
	return zstdState.err
}

func zstdEncode(data []byte) ([]byte, error) {
	if err := zstdInit(); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return zstdState.enc.EncodeAll(data, nil), nil
}

func zstdDecode(data []byte) ([]byte, error) {
	if err := zstdInit(); err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return zstdState.dec.DecodeAll(data, nil)
}
