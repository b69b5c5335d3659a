package db

import (
	"github.com/aalhour/strata/internal/compression"
	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/durability"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/internal/retention"
	"github.com/aalhour/strata/internal/value"
)

// Logger is an alias for the logging.Logger interface.
// This allows users to pass their own logger implementation.
type Logger = logging.Logger

// SequenceNumber is the global commit sequence.
type SequenceNumber = dbformat.SequenceNumber

// Address is the full identity of a record: run, namespace and key.
type Address = dbformat.Address

// Namespace partitions a run by primitive.
type Namespace = dbformat.Namespace

// Namespace constants.
const (
	NamespaceKV        = dbformat.NamespaceKV
	NamespaceEventLog  = dbformat.NamespaceEventLog
	NamespaceStateCell = dbformat.NamespaceStateCell
	NamespaceJSON      = dbformat.NamespaceJSON
	NamespaceVector    = dbformat.NamespaceVector
	NamespaceTrace     = dbformat.NamespaceTrace
)

// Addr is shorthand for constructing an Address.
func Addr(run string, ns Namespace, key string) Address {
	return dbformat.Addr(run, ns, key)
}

// ParseNamespace maps a namespace name such as "kv" to its constant.
var ParseNamespace = dbformat.ParseNamespace

// Value is the typed payload of a record.
type Value = value.Value

// ValueKind identifies the variant held by a Value.
type ValueKind = value.Kind

// Value constructors.
var (
	NullValue   = value.Null
	StringValue = value.String
	BytesValue  = value.Bytes
	IntValue    = value.Int
	FloatValue  = value.Float
	BoolValue   = value.Bool
	ObjectValue = value.Object
	ObjectOf    = value.ObjectOf
	VectorValue = value.Vector
)

// Value kinds.
const (
	KindNull   = value.KindNull
	KindString = value.KindString
	KindBytes  = value.KindBytes
	KindInt    = value.KindInt
	KindFloat  = value.KindFloat
	KindBool   = value.KindBool
	KindObject = value.KindObject
	KindVector = value.KindVector
)

// ErrTypeMismatch is returned when a Value is narrowed to the wrong variant.
var ErrTypeMismatch = value.ErrTypeMismatch

// DurabilityMode selects when commits are fsynced.
type DurabilityMode = durability.Mode

// Durability modes.
const (
	InMemory = durability.InMemory
	Buffered = durability.Buffered
	Strict   = durability.Strict
)

// ParseDurabilityMode maps "inmemory", "buffered" or "strict" to a mode.
var ParseDurabilityMode = durability.ParseMode

// RetentionPolicy decides which historical versions compaction keeps.
type RetentionPolicy = retention.Policy

// RetentionRules is a default policy plus per-namespace overrides.
type RetentionRules = retention.Rules

// Retention policy constructors.
var (
	KeepAll              = retention.All
	KeepLast             = retention.Last
	KeepFor              = retention.For
	ParseRetentionPolicy = retention.Parse
)

// CompressionType selects the checkpoint body codec.
type CompressionType = compression.Type

// Compression type constants.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	LZ4Compression    = compression.LZ4Compression
	ZstdCompression   = compression.ZstdCompression
)

// VersionedValue is a value together with the version that holds it.
type VersionedValue struct {
	Value   Value
	Version uint64
	// Timestamp is the commit time in unix nanoseconds. It is zero for a
	// value staged by the reading transaction.
	Timestamp int64
}

// ScanEntry is one record returned by a prefix scan.
type ScanEntry struct {
	Key string
	VersionedValue
}
