// Package dbformat defines the addressing and ordering types shared by the
// store, the WAL and checkpoints.
//
// A record is identified by an Address (run, namespace, key). Commits are
// totally ordered by a SequenceNumber. Both are embedded in the on-disk
// formats, so the numeric values of Namespace and OpType MUST NOT change.
package dbformat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aalhour/strata/internal/encoding"
)

// SequenceNumber is the global commit sequence. Every committed transaction
// takes exactly one; 0 means "nothing committed".
type SequenceNumber uint64

// MaxSequenceNumber is the largest sequence number, used as an "everything
// visible" snapshot.
const MaxSequenceNumber SequenceNumber = ^SequenceNumber(0)

// MaxKeySize bounds the key component of an address.
const MaxKeySize = 64 << 10

// Namespace partitions a run by primitive.
type Namespace uint8

// Namespaces. These are embedded in the on-disk format.
const (
	NamespaceKV        Namespace = 1
	NamespaceEventLog  Namespace = 2
	NamespaceStateCell Namespace = 3
	NamespaceJSON      Namespace = 4
	NamespaceVector    Namespace = 5
	NamespaceTrace     Namespace = 6
	NamespaceRunIndex  Namespace = 7
)

var namespaceNames = map[Namespace]string{
	NamespaceKV:        "kv",
	NamespaceEventLog:  "eventlog",
	NamespaceStateCell: "statecell",
	NamespaceJSON:      "json",
	NamespaceVector:    "vector",
	NamespaceTrace:     "trace",
	NamespaceRunIndex:  "runindex",
}

// String returns the lowercase name of the namespace.
func (n Namespace) String() string {
	if s, ok := namespaceNames[n]; ok {
		return s
	}
	return fmt.Sprintf("namespace(%d)", uint8(n))
}

// Valid reports whether n is a known namespace.
func (n Namespace) Valid() bool {
	_, ok := namespaceNames[n]
	return ok
}

// ParseNamespace maps a name such as "kv" or "EventLog" to a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	want := strings.ToLower(s)
	for ns, name := range namespaceNames {
		if name == want {
			return ns, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown namespace %q", ErrInvalidAddress, s)
}

// Namespaces returns every namespace in numeric order.
func Namespaces() []Namespace {
	return []Namespace{
		NamespaceKV, NamespaceEventLog, NamespaceStateCell,
		NamespaceJSON, NamespaceVector, NamespaceTrace, NamespaceRunIndex,
	}
}

// SystemRun is the reserved run that holds the run registry.
const SystemRun = ""

// Address is the full identity of a record.
type Address struct {
	Run       string
	Namespace Namespace
	Key       string
}

// Addr is shorthand for constructing an Address.
func Addr(run string, ns Namespace, key string) Address {
	return Address{Run: run, Namespace: ns, Key: key}
}

// String renders the address as run/namespace/key.
func (a Address) String() string {
	return a.Run + "/" + a.Namespace.String() + "/" + a.Key
}

// Compare orders addresses by run, then namespace, then key.
func (a Address) Compare(b Address) int {
	if c := strings.Compare(a.Run, b.Run); c != 0 {
		return c
	}
	if a.Namespace != b.Namespace {
		if a.Namespace < b.Namespace {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Key, b.Key)
}

// ErrInvalidAddress is returned for malformed addresses.
var ErrInvalidAddress = errors.New("dbformat: invalid address")

// Validate checks the namespace and key size. The system run may only be
// addressed through the RunIndex namespace and user runs never can.
func (a Address) Validate() error {
	if !a.Namespace.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, a.Namespace)
	}
	if len(a.Key) > MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes exceeds %d", ErrInvalidAddress, len(a.Key), MaxKeySize)
	}
	if (a.Run == SystemRun) != (a.Namespace == NamespaceRunIndex) {
		return fmt.Errorf("%w: %s namespace not allowed in run %q", ErrInvalidAddress, a.Namespace, a.Run)
	}
	return nil
}

// AppendAddress encodes a as [run][namespace byte][key].
func AppendAddress(dst []byte, a Address) []byte {
	dst = encoding.AppendString(dst, a.Run)
	dst = append(dst, byte(a.Namespace))
	return encoding.AppendString(dst, a.Key)
}

// DecodeAddress reads an address written by AppendAddress.
func DecodeAddress(d *encoding.Decoder) Address {
	run := d.String()
	ns := Namespace(d.Byte())
	key := d.String()
	return Address{Run: run, Namespace: ns, Key: key}
}

// OpType identifies a WAL entry operation. Embedded in the on-disk format.
type OpType uint8

const (
	// OpPut writes a new version.
	OpPut OpType = 1
	// OpDelete writes a tombstone version.
	OpDelete OpType = 2
	// OpCAS is a put guarded by a caller-supplied expected version.
	OpCAS OpType = 3
	// OpDeleteRun physically removes every record of a run.
	OpDeleteRun OpType = 4
)

// String returns the operation name.
func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCAS:
		return "cas"
	case OpDeleteRun:
		return "delete_run"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation.
func (o OpType) Valid() bool {
	return o >= OpPut && o <= OpDeleteRun
}
