package strata

import "github.com/aalhour/strata/db"

// Engine types.
type (
	DB              = db.DB
	Txn             = db.Txn
	Options         = db.Options
	Stats           = db.Stats
	RunInfo         = db.RunInfo
	RunStatus       = db.RunStatus
	Address         = db.Address
	Namespace       = db.Namespace
	Value           = db.Value
	VersionedValue  = db.VersionedValue
	ScanEntry       = db.ScanEntry
	DurabilityMode  = db.DurabilityMode
	RetentionPolicy = db.RetentionPolicy
	RetentionRules  = db.RetentionRules
	CheckpointInfo  = db.CheckpointInfo
	CompactionStats = db.CompactionStats
	ConflictError   = db.ConflictError
)

// Durability modes.
const (
	InMemory = db.InMemory
	Buffered = db.Buffered
	Strict   = db.Strict
)

// Namespaces.
const (
	NamespaceKV        = db.NamespaceKV
	NamespaceEventLog  = db.NamespaceEventLog
	NamespaceStateCell = db.NamespaceStateCell
	NamespaceJSON      = db.NamespaceJSON
	NamespaceVector    = db.NamespaceVector
	NamespaceTrace     = db.NamespaceTrace
)

// Run states.
const (
	RunActive  = db.RunActive
	RunClosed  = db.RunClosed
	RunDeleted = db.RunDeleted
)

// Errors.
var (
	ErrDBClosed       = db.ErrDBClosed
	ErrDBExists       = db.ErrDBExists
	ErrDBNotFound     = db.ErrDBNotFound
	ErrCorruption     = db.ErrCorruption
	ErrInvalidOptions = db.ErrInvalidOptions
	ErrConflict       = db.ErrConflict
	ErrCASMismatch    = db.ErrCASMismatch
	ErrInvalidState   = db.ErrInvalidState
	ErrRunNotActive   = db.ErrRunNotActive
	ErrRunExists      = db.ErrRunExists
	ErrInvalidAddress = db.ErrInvalidAddress
	ErrTypeMismatch   = db.ErrTypeMismatch
)

// Constructors.
var (
	Addr        = db.Addr
	StringValue = db.StringValue
	BytesValue  = db.BytesValue
	IntValue    = db.IntValue
	FloatValue  = db.FloatValue
	BoolValue   = db.BoolValue
	ObjectValue = db.ObjectValue
	ObjectOf    = db.ObjectOf
	VectorValue = db.VectorValue
	NullValue   = db.NullValue
	KeepAll     = db.KeepAll
	KeepLast    = db.KeepLast
	KeepFor     = db.KeepFor
)

// DefaultOptions returns options with every field at its default.
func DefaultOptions() *Options { return db.DefaultOptions() }

// Open opens the database at path. In InMemory mode path is ignored.
func Open(path string, opts *Options) (*DB, error) { return db.Open(path, opts) }
