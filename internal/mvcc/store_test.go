package mvcc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/retention"
	"github.com/aalhour/strata/internal/value"
)

func kv(run, key string) dbformat.Address {
	return dbformat.Addr(run, dbformat.NamespaceKV, key)
}

func put(a dbformat.Address, v string, expected uint64) Mutation {
	return Mutation{Addr: a, Value: value.String(v), Expected: expected}
}

func mustApply(t *testing.T, s *Store, seq dbformat.SequenceNumber, muts ...Mutation) []Mutation {
	t.Helper()
	b := &Batch{Seq: seq, Timestamp: int64(seq) * int64(time.Second), Mutations: muts}
	if err := s.Apply(b); err != nil {
		t.Fatalf("Apply(seq=%d): %v", seq, err)
	}
	return b.Mutations
}

func str(t *testing.T, v Version) string {
	t.Helper()
	s, err := v.Value.AsString()
	if err != nil {
		t.Fatalf("AsString: %v", err)
	}
	return s
}

func TestApplyIncrementsVersionByOne(t *testing.T) {
	s := New()
	a, b, other := kv("r1", "a"), kv("r1", "b"), kv("r1", "other")
	mustApply(t, s, 1, put(other, "x", 0))

	out := mustApply(t, s, 2, put(a, "1", 0), put(b, "1", 0))
	if out[0].Version != 1 || out[1].Version != 1 {
		t.Fatalf("versions = %d, %d", out[0].Version, out[1].Version)
	}
	out = mustApply(t, s, 3, put(a, "2", 1))
	if out[0].Version != 2 {
		t.Fatalf("version = %d, want 2", out[0].Version)
	}

	if s.Current(a) != 2 || s.Current(b) != 1 || s.Current(other) != 1 {
		t.Fatalf("current = %d %d %d", s.Current(a), s.Current(b), s.Current(other))
	}
	if s.LastApplied() != 3 {
		t.Fatalf("LastApplied = %d", s.LastApplied())
	}
}

func TestApplyConflictIsAllOrNothing(t *testing.T) {
	s := New()
	a, b := kv("r1", "a"), kv("r1", "b")
	mustApply(t, s, 1, put(a, "1", 0))

	// b is valid, a is stale: neither may change.
	err := s.Apply(&Batch{Seq: 2, Mutations: []Mutation{put(b, "1", 0), put(a, "2", 0)}})
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.Addr != a || ce.Expected != 0 || ce.Actual != 1 {
		t.Fatalf("conflict = %+v", ce)
	}
	if s.Current(b) != 0 {
		t.Fatal("b was applied despite conflict")
	}
	if s.LastApplied() != 1 {
		t.Fatalf("LastApplied advanced to %d", s.LastApplied())
	}
}

func TestApplyRejectsStaleSequenceAndDuplicates(t *testing.T) {
	s := New()
	a := kv("r1", "a")
	mustApply(t, s, 5, put(a, "1", 0))

	if err := s.Apply(&Batch{Seq: 5, Mutations: []Mutation{put(a, "2", 1)}}); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
	err := s.Apply(&Batch{Seq: 6, Mutations: []Mutation{put(a, "2", 1), put(a, "3", 1)}})
	if !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("expected ErrDuplicateAddress, got %v", err)
	}
}

func TestSnapshotReads(t *testing.T) {
	s := New()
	a := kv("r1", "k")
	mustApply(t, s, 1, put(a, "v1", 0))
	mustApply(t, s, 2, put(a, "v2", 1))
	mustApply(t, s, 3, Mutation{Addr: a, Tombstone: true, Expected: 2})

	tests := []struct {
		snapshot  dbformat.SequenceNumber
		found     bool
		number    uint64
		tombstone bool
	}{
		{0, false, 0, false},
		{1, true, 1, false},
		{2, true, 2, false},
		{3, true, 3, true},
		{dbformat.MaxSequenceNumber, true, 3, true},
	}
	for _, tt := range tests {
		v, ok := s.Read(a, tt.snapshot)
		if ok != tt.found || v.Number != tt.number || v.Tombstone != tt.tombstone {
			t.Errorf("Read@%d = (%+v, %v), want number=%d found=%v tombstone=%v",
				tt.snapshot, v, ok, tt.number, tt.found, tt.tombstone)
		}
	}

	if v, ok := s.ReadVersion(a, 1); !ok || str(t, v) != "v1" {
		t.Errorf("ReadVersion(1) = (%+v, %v)", v, ok)
	}
	if _, ok := s.ReadVersion(a, 4); ok {
		t.Error("ReadVersion(4) should not exist")
	}
	if _, ok := s.ReadVersion(a, 0); ok {
		t.Error("ReadVersion(0) should not exist")
	}
	if h := s.History(a); len(h) != 3 {
		t.Errorf("History len = %d", len(h))
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	a, b := kv("r1", "a"), kv("r2", "b")
	batches := func() []*Batch {
		return []*Batch{
			{Seq: 1, Timestamp: 10, Mutations: []Mutation{{Addr: a, Value: value.Int(1), Version: 1}}},
			{Seq: 2, Timestamp: 20, Mutations: []Mutation{{Addr: a, Value: value.Int(2), Version: 2}, {Addr: b, Value: value.Int(1), Version: 1}}},
			{Seq: 3, Timestamp: 30, DeleteRuns: []string{"r2"}},
			{Seq: 4, Timestamp: 40, Mutations: []Mutation{{Addr: a, Tombstone: true, Version: 3}}},
		}
	}

	once, twice := New(), New()
	for _, b := range batches() {
		if _, err := once.Replay(b); err != nil {
			t.Fatal(err)
		}
	}
	for range 2 {
		for _, b := range batches() {
			if _, err := twice.Replay(b); err != nil {
				t.Fatal(err)
			}
		}
	}

	ctx := context.Background()
	e1, _ := once.Export(ctx)
	e2, _ := twice.Export(ctx)
	if len(e1) != len(e2) {
		t.Fatalf("chain count %d vs %d", len(e1), len(e2))
	}
	for i := range e1 {
		if e1[i].Addr != e2[i].Addr || len(e1[i].Versions) != len(e2[i].Versions) {
			t.Fatalf("chain %d differs: %+v vs %+v", i, e1[i], e2[i])
		}
	}
	if twice.Current(b) != 0 {
		t.Error("deleted run resurrected by second replay")
	}
	if twice.Current(a) != 3 {
		t.Errorf("Current(a) = %d", twice.Current(a))
	}
}

func TestReplaySkipsVersionsAlreadyPresent(t *testing.T) {
	s := New()
	a := kv("r1", "a")
	s.Load([]Chain{{Addr: a, Versions: []Version{{Number: 1, Seq: 1}, {Number: 2, Seq: 2}}}}, 1)

	// Seq 2 is above LastApplied but its version is already in the chain.
	applied, err := s.Replay(&Batch{Seq: 2, Mutations: []Mutation{{Addr: a, Value: value.Int(2), Version: 2}}})
	if err != nil || !applied {
		t.Fatalf("Replay = (%v, %v)", applied, err)
	}
	if len(s.History(a)) != 2 {
		t.Fatalf("history = %d versions, want 2", len(s.History(a)))
	}
}

func TestReplayDetectsGap(t *testing.T) {
	s := New()
	_, err := s.Replay(&Batch{Seq: 1, Mutations: []Mutation{{Addr: kv("r", "k"), Version: 3}}})
	if !errors.Is(err, ErrVersionGap) {
		t.Fatalf("expected ErrVersionGap, got %v", err)
	}
}

func TestDeleteRun(t *testing.T) {
	s := New()
	mustApply(t, s, 1,
		put(kv("r1", "a"), "1", 0),
		Mutation{Addr: dbformat.Addr("r1", dbformat.NamespaceEventLog, "0"), Value: value.Int(1)},
		put(kv("r2", "a"), "1", 0),
	)
	if err := s.Apply(&Batch{Seq: 2, DeleteRuns: []string{"r1"}}); err != nil {
		t.Fatal(err)
	}
	if s.Current(kv("r1", "a")) != 0 || s.Current(dbformat.Addr("r1", dbformat.NamespaceEventLog, "0")) != 0 {
		t.Fatal("records of deleted run remain")
	}
	if s.Current(kv("r2", "a")) != 1 {
		t.Fatal("other run affected")
	}
}

func TestScan(t *testing.T) {
	s := New()
	mustApply(t, s, 1, put(kv("r1", "user/2"), "b", 0), put(kv("r1", "user/1"), "a", 0), put(kv("r1", "sys/1"), "x", 0), put(kv("r2", "user/9"), "z", 0))
	mustApply(t, s, 2, Mutation{Addr: kv("r1", "user/2"), Tombstone: true, Expected: 1}, put(kv("r1", "user/3"), "c", 0))

	got := s.Scan("r1", dbformat.NamespaceKV, "user/", 1)
	if len(got) != 2 || got[0].Addr.Key != "user/1" || got[1].Addr.Key != "user/2" {
		t.Fatalf("scan@1 = %+v", got)
	}
	got = s.Scan("r1", dbformat.NamespaceKV, "user/", 2)
	if len(got) != 2 || got[0].Addr.Key != "user/1" || got[1].Addr.Key != "user/3" {
		t.Fatalf("scan@2 = %+v", got)
	}
}

func TestPruneKeepLastOne(t *testing.T) {
	s := New()
	a := kv("r1", "k")
	mustApply(t, s, 1, put(a, "1", 0))
	mustApply(t, s, 2, put(a, "2", 1))
	mustApply(t, s, 3, put(a, "3", 2))

	st := s.Prune(retention.Rules{Default: retention.Last(1)}, time.Now(), nil)
	if st.VersionsDropped != 2 {
		t.Fatalf("dropped %d, want 2", st.VersionsDropped)
	}
	for _, n := range []uint64{1, 2} {
		if _, ok := s.ReadVersion(a, n); ok {
			t.Errorf("version %d still readable", n)
		}
	}
	if v, ok := s.ReadVersion(a, 3); !ok || str(t, v) != "3" {
		t.Fatalf("version 3 = (%+v, %v)", v, ok)
	}
	// The next write still gets version 4.
	out := mustApply(t, s, 4, put(a, "4", 3))
	if out[0].Version != 4 {
		t.Fatalf("next version = %d", out[0].Version)
	}
}

func TestPruneRespectsPinnedSnapshot(t *testing.T) {
	s := New()
	a := kv("r1", "k")
	mustApply(t, s, 1, put(a, "1", 0))
	mustApply(t, s, 2, put(a, "2", 1))
	mustApply(t, s, 3, put(a, "3", 2))

	// A snapshot at seq 1 still needs version 1.
	s.Prune(retention.Rules{Default: retention.Last(1)}, time.Now(), []dbformat.SequenceNumber{1})
	if v, ok := s.Read(a, 1); !ok || v.Number != 1 {
		t.Fatalf("pinned read = (%+v, %v)", v, ok)
	}
	if len(s.History(a)) != 3 {
		t.Fatalf("history = %d", len(s.History(a)))
	}
}

func TestPruneKeepsVersionsOfNewerSnapshots(t *testing.T) {
	s := New()
	other := kv("r1", "other")
	a := kv("r1", "k")
	mustApply(t, s, 1, put(other, "x", 0))
	// A snapshot at seq 1 predates a's chain; one at seq 2 reads version 1.
	mustApply(t, s, 2, put(a, "1", 0))
	mustApply(t, s, 3, put(a, "2", 1))
	mustApply(t, s, 4, put(a, "3", 2))

	st := s.Prune(retention.Rules{Default: retention.Last(1)}, time.Now(), []dbformat.SequenceNumber{1, 2})
	if st.VersionsDropped != 0 {
		t.Errorf("dropped %d versions, want 0", st.VersionsDropped)
	}
	if v, ok := s.Read(a, 2); !ok || str(t, v) != "1" {
		t.Fatalf("read at seq 2 = (%+v, %v), want version 1", v, ok)
	}

	// With only the seq 3 snapshot left, version 1 may go.
	st = s.Prune(retention.Rules{Default: retention.Last(1)}, time.Now(), []dbformat.SequenceNumber{3})
	if st.VersionsDropped != 1 {
		t.Errorf("dropped %d versions, want 1", st.VersionsDropped)
	}
	if v, ok := s.Read(a, 3); !ok || str(t, v) != "2" {
		t.Fatalf("read at seq 3 = (%+v, %v), want version 2", v, ok)
	}
}

func TestPruneNamespaceOverride(t *testing.T) {
	s := New()
	k := kv("r1", "k")
	cell := dbformat.Addr("r1", dbformat.NamespaceStateCell, "c")
	mustApply(t, s, 1, put(k, "1", 0), put(cell, "1", 0))
	mustApply(t, s, 2, put(k, "2", 1), put(cell, "2", 1))

	rules := retention.Rules{
		Default:    retention.All(),
		Namespaces: map[dbformat.Namespace]retention.Policy{dbformat.NamespaceStateCell: retention.Last(1)},
	}
	s.Prune(rules, time.Now(), nil)
	if len(s.History(k)) != 2 {
		t.Error("kv history pruned under keep-all default")
	}
	if len(s.History(cell)) != 1 {
		t.Error("statecell history not pruned")
	}
}

func TestExportLoadRoundTrip(t *testing.T) {
	s := New()
	for i := range 50 {
		mustApply(t, s, dbformat.SequenceNumber(i+1), put(kv(fmt.Sprintf("r%d", i%3), fmt.Sprintf("k%02d", i)), "v", 0))
	}
	chains, err := s.Export(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 50 {
		t.Fatalf("exported %d chains", len(chains))
	}
	for i := 1; i < len(chains); i++ {
		if chains[i-1].Addr.Compare(chains[i].Addr) >= 0 {
			t.Fatal("export not sorted")
		}
	}

	r := New()
	r.Load(chains, s.LastApplied())
	if r.LastApplied() != 50 || r.Stats() != s.Stats() {
		t.Fatalf("loaded store differs: %+v vs %+v", r.Stats(), s.Stats())
	}
}

func TestExportCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Export(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentReadersDuringApply(t *testing.T) {
	s := New()
	a, b := kv("r1", "a"), kv("r1", "b")
	mustApply(t, s, 1, put(a, "0", 0), put(b, "0", 0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.LastApplied()
				va, _ := s.Read(a, snap)
				vb, _ := s.Read(b, snap)
				if va.Number != vb.Number {
					t.Errorf("torn snapshot read: a=%d b=%d at %d", va.Number, vb.Number, snap)
					return
				}
			}
		}()
	}
	for i := uint64(1); i <= 200; i++ {
		mustApply(t, s, dbformat.SequenceNumber(i+1), put(a, "x", i), put(b, "x", i))
	}
	close(stop)
	wg.Wait()
}
