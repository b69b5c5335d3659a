// Package mvcc implements the versioned record store: an in-memory index from
// address to an append-only chain of versions.
//
// The store is sharded by address hash. Readers take a shard read lock and
// never block on other shards. Apply is the only runtime mutation path; it
// write-locks the shards of a batch in ascending shard order, validates every
// expected prior version, and only then installs the new versions, so a batch
// is either fully applied or not at all.
//
// The store does not write the WAL. Callers log a batch first, in commit
// order, and then apply it.
package mvcc

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aalhour/strata/internal/checksum"
	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/value"
)

const numShards = 256

var (
	// ErrVersionConflict is returned by Apply when an address's current
	// version differs from the expected prior version.
	ErrVersionConflict = errors.New("mvcc: version conflict")

	// ErrVersionGap is returned by Replay when a logged version does not
	// directly follow the current version.
	ErrVersionGap = errors.New("mvcc: version gap")

	// ErrStaleSequence is returned by Apply for a batch whose sequence is not
	// newer than the last applied one.
	ErrStaleSequence = errors.New("mvcc: stale sequence")

	// ErrDuplicateAddress is returned for a batch that writes one address twice.
	ErrDuplicateAddress = errors.New("mvcc: duplicate address in batch")
)

// Version is one entry of a version chain.
type Version struct {
	Number    uint64
	Seq       dbformat.SequenceNumber
	Value     value.Value
	Timestamp int64 // commit time, unix nanoseconds
	Tombstone bool
}

// Mutation is one address's write inside a batch.
type Mutation struct {
	Addr      dbformat.Address
	Value     value.Value
	Tombstone bool

	// Expected is the version the caller believes is current (0 = absent).
	// Apply checks it.
	Expected uint64

	// Version is the committed version number. Apply fills it in; Replay
	// reads it.
	Version uint64
}

// Batch is everything one commit changes.
type Batch struct {
	Seq       dbformat.SequenceNumber
	Timestamp int64
	Mutations []Mutation

	// DeleteRuns lists runs whose records are removed after the mutations
	// are installed.
	DeleteRuns []string
}

// ConflictError describes the first address that failed validation.
type ConflictError struct {
	Addr     dbformat.Address
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mvcc: version conflict at %s: expected %d, current %d", e.Addr, e.Expected, e.Actual)
}

// Unwrap makes errors.Is(err, ErrVersionConflict) hold.
func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

type chain struct {
	versions []Version // oldest first; never empty
}

func (c *chain) current() *Version {
	return &c.versions[len(c.versions)-1]
}

// visible returns the index of the newest version with Seq <= snapshot, or -1.
func (c *chain) visible(snapshot dbformat.SequenceNumber) int {
	i := sort.Search(len(c.versions), func(i int) bool { return c.versions[i].Seq > snapshot })
	return i - 1
}

type shard struct {
	mu     sync.RWMutex
	chains map[dbformat.Address]*chain
}

// Store is the sharded version-chain index.
type Store struct {
	shards  [numShards]shard
	lastSeq atomic.Uint64
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].chains = make(map[dbformat.Address]*chain)
	}
	return s
}

func shardIndex(a dbformat.Address) int {
	var scratch [64]byte
	buf := append(scratch[:0], a.Run...)
	buf = append(buf, 0, byte(a.Namespace))
	buf = append(buf, a.Key...)
	return int(checksum.XXH3(buf) % numShards)
}

func (s *Store) shardFor(a dbformat.Address) *shard {
	return &s.shards[shardIndex(a)]
}

// LastApplied returns the sequence of the newest applied batch.
func (s *Store) LastApplied() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(s.lastSeq.Load())
}

// Read returns the newest version of a visible at snapshot. Tombstones are
// returned with Tombstone set so callers can observe their version number.
func (s *Store) Read(a dbformat.Address, snapshot dbformat.SequenceNumber) (Version, bool) {
	sh := s.shardFor(a)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	c, ok := sh.chains[a]
	if !ok {
		return Version{}, false
	}
	i := c.visible(snapshot)
	if i < 0 {
		return Version{}, false
	}
	return c.versions[i], true
}

// ReadVersion returns version number n of a if it is still retained.
func (s *Store) ReadVersion(a dbformat.Address, n uint64) (Version, bool) {
	sh := s.shardFor(a)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	c, ok := sh.chains[a]
	if !ok || n == 0 {
		return Version{}, false
	}
	first := c.versions[0].Number
	if n < first || n > c.current().Number {
		return Version{}, false
	}
	// Retained versions are contiguous except where pruning removed a
	// prefix, so the offset from the first retained version is exact.
	v := c.versions[n-first]
	return v, true
}

// Current returns the current version number of a, or 0 if absent.
func (s *Store) Current(a dbformat.Address) uint64 {
	sh := s.shardFor(a)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if c, ok := sh.chains[a]; ok {
		return c.current().Number
	}
	return 0
}

// History returns every retained version of a, oldest first.
func (s *Store) History(a dbformat.Address) []Version {
	sh := s.shardFor(a)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if c, ok := sh.chains[a]; ok {
		return slices.Clone(c.versions)
	}
	return nil
}

// lockBatch write-locks the shards touched by muts in ascending order and
// returns the unlock function.
func (s *Store) lockBatch(muts []Mutation) func() {
	idx := make([]int, 0, len(muts))
	for _, m := range muts {
		idx = append(idx, shardIndex(m.Addr))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].mu.Unlock()
		}
	}
}

func checkDistinct(muts []Mutation) error {
	if len(muts) < 2 {
		return nil
	}
	seen := make(map[dbformat.Address]struct{}, len(muts))
	for _, m := range muts {
		if _, dup := seen[m.Addr]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAddress, m.Addr)
		}
		seen[m.Addr] = struct{}{}
	}
	return nil
}

// Apply validates and installs a batch. On success each mutation's Version
// field holds its committed version number. On error nothing changed.
func (s *Store) Apply(b *Batch) error {
	if b.Seq <= s.LastApplied() {
		return fmt.Errorf("%w: %d <= %d", ErrStaleSequence, b.Seq, s.LastApplied())
	}
	if err := checkDistinct(b.Mutations); err != nil {
		return err
	}

	unlock := s.lockBatch(b.Mutations)
	for i := range b.Mutations {
		m := &b.Mutations[i]
		cur := s.currentLocked(m.Addr)
		if cur != m.Expected {
			unlock()
			return &ConflictError{Addr: m.Addr, Expected: m.Expected, Actual: cur}
		}
	}
	for i := range b.Mutations {
		m := &b.Mutations[i]
		m.Version = m.Expected + 1
		s.installLocked(m, b.Seq, b.Timestamp)
	}
	unlock()

	for _, run := range b.DeleteRuns {
		s.DeleteRun(run)
	}
	s.lastSeq.Store(uint64(b.Seq))
	return nil
}

// Replay installs a logged batch during recovery. It is idempotent: a batch
// at or below LastApplied is skipped, as is any mutation whose version is
// not newer than the address's current version. It reports whether anything
// was applied.
func (s *Store) Replay(b *Batch) (bool, error) {
	if b.Seq <= s.LastApplied() {
		return false, nil
	}
	if err := checkDistinct(b.Mutations); err != nil {
		return false, err
	}

	unlock := s.lockBatch(b.Mutations)
	for i := range b.Mutations {
		m := &b.Mutations[i]
		cur := s.currentLocked(m.Addr)
		if m.Version > cur+1 {
			unlock()
			return false, fmt.Errorf("%w: %s logged version %d, current %d", ErrVersionGap, m.Addr, m.Version, cur)
		}
	}
	for i := range b.Mutations {
		m := &b.Mutations[i]
		if m.Version <= s.currentLocked(m.Addr) {
			continue
		}
		s.installLocked(m, b.Seq, b.Timestamp)
	}
	unlock()

	for _, run := range b.DeleteRuns {
		s.DeleteRun(run)
	}
	s.lastSeq.Store(uint64(b.Seq))
	return true, nil
}

func (s *Store) currentLocked(a dbformat.Address) uint64 {
	if c, ok := s.shardFor(a).chains[a]; ok {
		return c.current().Number
	}
	return 0
}

func (s *Store) installLocked(m *Mutation, seq dbformat.SequenceNumber, ts int64) {
	sh := s.shardFor(m.Addr)
	v := Version{
		Number:    m.Version,
		Seq:       seq,
		Value:     m.Value,
		Timestamp: ts,
		Tombstone: m.Tombstone,
	}
	if c, ok := sh.chains[m.Addr]; ok {
		c.versions = append(c.versions, v)
		return
	}
	sh.chains[m.Addr] = &chain{versions: []Version{v}}
}

// DeleteRun physically removes every chain of run in every namespace and
// returns the number of addresses removed.
func (s *Store) DeleteRun(run string) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for a := range sh.chains {
			if a.Run == run {
				delete(sh.chains, a)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Entry is one visible record returned by Scan.
type Entry struct {
	Addr    dbformat.Address
	Version Version
}

// Scan returns the live (non-tombstone) records of run/ns whose key starts
// with prefix, as visible at snapshot, sorted by key.
func (s *Store) Scan(run string, ns dbformat.Namespace, prefix string, snapshot dbformat.SequenceNumber) []Entry {
	var out []Entry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for a, c := range sh.chains {
			if a.Run != run || a.Namespace != ns || !strings.HasPrefix(a.Key, prefix) {
				continue
			}
			j := c.visible(snapshot)
			if j < 0 || c.versions[j].Tombstone {
				continue
			}
			out = append(out, Entry{Addr: a, Version: c.versions[j]})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Key < out[j].Addr.Key })
	return out
}

// Stats summarizes the store contents.
type Stats struct {
	Addresses int
	Versions  int
}

// Stats counts addresses and retained versions.
func (s *Store) Stats() Stats {
	var st Stats
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		st.Addresses += len(sh.chains)
		for _, c := range sh.chains {
			st.Versions += len(c.versions)
		}
		sh.mu.RUnlock()
	}
	return st
}
