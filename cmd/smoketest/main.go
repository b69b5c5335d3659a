// End-to-end smoke test for strata.
//
// Use `smoketest` to run a fast end-to-end check across core features.
// `smoketest` creates a database, writes data, reopens the database, and verifies results.
// `smoketest` exercises checkpoints, compaction, recovery, runs, transactions and every primitive.
//
// Run a smoke test:
//
// ```bash
// ./bin/smoketest -records=10000 -value-size=1000
// ```
package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/logging"
	"github.com/aalhour/strata/primitives"
)

var (
	numRecords = flag.Int("records", 2000, "Number of records to write")
	valueSize  = flag.Int("value-size", 256, "Size of each value in bytes")
	dbPath     = flag.String("db", "", "Database path (default: temp directory)")
	keepDB     = flag.Bool("keep", false, "Keep database after test")
	verbose    = flag.Bool("v", false, "Verbose output")
	cleanup    = flag.Bool("cleanup", false, "Clean up old test directories before running")
)

const (
	testDirPrefix = "strata-smoke-"
	runID         = "smoke"
)

func main() {
	flag.Parse()

	// Clean up old test directories from previous crashed runs
	if *cleanup {
		cleanupOldTestDirs()
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     strata Smoke Test                        ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║ Records: %d, Value Size: %d bytes\n", *numRecords, *valueSize)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	var testDir string
	var err error
	if *dbPath == "" {
		testDir, err = os.MkdirTemp("", testDirPrefix+"*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(testDir)
		}
	} else {
		testDir = *dbPath
	}
	fmt.Printf("📁 Database path: %s\n\n", testDir)

	fmt.Print("🔧 Generating test data... ")
	start := time.Now()
	keys, values := generateTestData(*numRecords, *valueSize)
	fmt.Printf("done (%v)\n", time.Since(start))

	passed := 0
	failed := 0

	tests := []struct {
		name string
		fn   func(string, []string, [][]byte) error
	}{
		// Core operations
		{"Basic Write/Read", testBasicWriteRead},
		{"Persistence (Close/Reopen)", testPersistence},
		{"Version History", testVersionHistory},
		{"Delete Tombstones", testDeleteTombstones},
		{"Buffered Durability Flush", testBufferedFlush},

		// Checkpoints and retention
		{"Checkpoint Recovery", testCheckpointRecovery},
		{"Compaction Retention", testCompactionRetention},

		// Runs and transactions
		{"Run Lifecycle", testRunLifecycle},
		{"Transaction Atomicity", testTransactionAtomicity},
		{"Transaction Conflict Detection", testTransactionConflict},

		// Primitives
		{"State Cell CAS", testStateCellCAS},
		{"Event Chain Persistence", testEventChain},
		{"JSON Documents", testJSONDocuments},
		{"Vector Search", testVectorSearch},
		{"Trace Spans", testTraceSpans},

		// Modes
		{"In-Memory Mode", testInMemory},
	}

	for _, t := range tests {
		fmt.Printf("\n🧪 Test: %s\n", t.name)
		testPath := filepath.Join(testDir, sanitizeName(t.name))
		os.RemoveAll(testPath) // Clean up from previous runs

		start := time.Now()
		err := t.fn(testPath, keys, values)
		elapsed := time.Since(start)

		if err != nil {
			fmt.Printf("   ❌ FAILED: %v (%v)\n", err, elapsed)
			failed++
		} else {
			fmt.Printf("   ✅ PASSED (%v)\n", elapsed)
			passed++
		}
	}

	// Summary
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Results: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Println("❌ SMOKE TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("✅ SMOKE TEST PASSED")

	if *keepDB {
		fmt.Printf("\n📁 Database kept at: %s\n", testDir)
	}
}

func generateTestData(n int, valueSize int) ([]string, [][]byte) {
	keys := make([]string, n)
	values := make([][]byte, n)

	for i := range n {
		keys[i] = fmt.Sprintf("key%08d", i)
		values[i] = make([]byte, max(valueSize, 16))
		rand.Read(values[i])
		// Embed key index in value for verification
		copy(values[i], fmt.Sprintf("idx=%08d|", i))
	}

	return keys, values
}

func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			result = append(result, byte(c))
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}

// open opens or creates the database at path and makes sure the smoke run
// exists.
func open(path string, mode db.DurabilityMode, mutate ...func(*db.Options)) (*db.DB, error) {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true
	opts.Durability = mode
	opts.Logger = logging.Discard
	if *verbose {
		opts.Logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	for _, m := range mutate {
		m(opts)
	}
	d, err := db.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	if _, found, err := d.GetRun(runID); err != nil {
		d.Close()
		return nil, err
	} else if !found {
		if _, err := d.CreateRun(runID, nil); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func writeRange(kv *primitives.KV, keys []string, values [][]byte, from, to int) error {
	for i := from; i < to; i++ {
		if _, err := kv.Put(keys[i], db.BytesValue(values[i])); err != nil {
			return fmt.Errorf("put %d failed: %w", i, err)
		}
	}
	return nil
}

func verifyRange(kv *primitives.KV, keys []string, values [][]byte, from, to int) error {
	for i := from; i < to; i++ {
		vv, found, err := kv.Get(keys[i])
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !found {
			return fmt.Errorf("key %d missing", i)
		}
		b, err := vv.Value.AsBytes()
		if err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
		if !bytes.Equal(b, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}
	return nil
}

// Test 1: Basic write and read
func testBasicWriteRead(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()

	kv := primitives.NewKV(d, runID)
	if err := writeRange(kv, keys, values, 0, len(keys)); err != nil {
		return err
	}
	log("  Wrote %d records", len(keys))

	if err := verifyRange(kv, keys, values, 0, len(keys)); err != nil {
		return err
	}
	log("  Verified %d records", len(keys))
	return nil
}

// Test 2: Persistence across close/reopen
func testPersistence(path string, keys []string, values [][]byte) error {
	half := len(keys) / 2
	sessions := []struct {
		verifyTo, writeFrom, writeTo int
	}{
		{0, 0, half},
		{half, half, len(keys)},
		{len(keys), 0, 0},
	}
	for n, s := range sessions {
		d, err := open(path, db.Strict)
		if err != nil {
			return err
		}
		kv := primitives.NewKV(d, runID)
		if err := verifyRange(kv, keys, values, 0, s.verifyTo); err != nil {
			d.Close()
			return fmt.Errorf("session %d: %w", n+1, err)
		}
		if err := writeRange(kv, keys, values, s.writeFrom, s.writeTo); err != nil {
			d.Close()
			return fmt.Errorf("session %d: %w", n+1, err)
		}
		if err := d.Close(); err != nil {
			return err
		}
		log("  Session %d: verified %d, wrote %d", n+1, s.verifyTo, s.writeTo-s.writeFrom)
	}
	return nil
}

// Test 3: Every overwrite creates a readable version
func testVersionHistory(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	kv := primitives.NewKV(d, runID)
	const rounds = 5
	for r := 1; r <= rounds; r++ {
		v, err := kv.Put("history", db.IntValue(int64(r*10)))
		if err != nil {
			d.Close()
			return err
		}
		if v != uint64(r) {
			d.Close()
			return fmt.Errorf("put %d returned version %d", r, v)
		}
	}
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	kv = primitives.NewKV(d, runID)
	for r := 1; r <= rounds; r++ {
		vv, found, err := kv.GetAt("history", uint64(r))
		if err != nil || !found {
			return fmt.Errorf("version %d: found=%v err=%v", r, found, err)
		}
		if n, _ := vv.Value.AsInt(); n != int64(r*10) {
			return fmt.Errorf("version %d holds %d", r, n)
		}
	}
	log("  Read back %d versions after reopen", rounds)
	return nil
}

// Test 4: Deletes write tombstone versions
func testDeleteTombstones(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	kv := primitives.NewKV(d, runID)
	if err := writeRange(kv, keys, values, 0, len(keys)); err != nil {
		d.Close()
		return err
	}
	for i := 0; i < len(keys); i += 2 {
		if err := kv.Delete(keys[i]); err != nil {
			d.Close()
			return fmt.Errorf("delete %d failed: %w", i, err)
		}
	}
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	kv = primitives.NewKV(d, runID)
	for i := range keys {
		_, found, err := kv.Get(keys[i])
		if err != nil {
			return err
		}
		if found != (i%2 == 1) {
			return fmt.Errorf("key %d: found=%v after reopen", i, found)
		}
	}
	// The tombstone is version 2, so the next write is version 3.
	v, err := kv.Put(keys[0], db.StringValue("back"))
	if err != nil {
		return err
	}
	if v != 3 {
		return fmt.Errorf("write after delete got version %d, want 3", v)
	}
	log("  Deleted %d records, version numbers continue", (len(keys)+1)/2)
	return nil
}

// Test 5: Buffered commits become durable on Flush
func testBufferedFlush(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Buffered)
	if err != nil {
		return err
	}
	kv := primitives.NewKV(d, runID)
	if err := writeRange(kv, keys, values, 0, len(keys)); err != nil {
		d.Close()
		return err
	}
	if err := d.Flush(); err != nil {
		d.Close()
		return err
	}
	if st := d.Stats(); st.DurableSequence != st.LastSequence {
		d.Close()
		return fmt.Errorf("durable seq %d behind last seq %d after flush", st.DurableSequence, st.LastSequence)
	}
	d.Close()

	d, err = open(path, db.Buffered)
	if err != nil {
		return err
	}
	defer d.Close()
	return verifyRange(primitives.NewKV(d, runID), keys, values, 0, len(keys))
}

// Test 6: Recovery from a checkpoint plus the WAL written after it
func testCheckpointRecovery(path string, keys []string, values [][]byte) error {
	half := len(keys) / 2
	d, err := open(path, db.Strict, func(o *db.Options) { o.SegmentSize = 64 * 1024 })
	if err != nil {
		return err
	}
	kv := primitives.NewKV(d, runID)
	if err := writeRange(kv, keys, values, 0, half); err != nil {
		d.Close()
		return err
	}
	info, err := d.Checkpoint()
	if err != nil {
		d.Close()
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	log("  Checkpoint %d: %d chains, %d bytes, %d WAL segments reclaimed",
		info.Seq, info.Chains, info.Size, info.SegmentsRemoved)
	if err := writeRange(kv, keys, values, half, len(keys)); err != nil {
		d.Close()
		return err
	}
	last := d.LastSequence()
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	if got := d.LastSequence(); got != last {
		return fmt.Errorf("recovered to seq %d, want %d", got, last)
	}
	return verifyRange(primitives.NewKV(d, runID), keys, values, 0, len(keys))
}

// Test 7: Compaction drops versions beyond the retention policy
func testCompactionRetention(path string, keys []string, values [][]byte) error {
	keepLast2 := func(o *db.Options) { o.Retention = db.RetentionRules{Default: db.KeepLast(2)} }
	d, err := open(path, db.Strict, keepLast2)
	if err != nil {
		return err
	}
	kv := primitives.NewKV(d, runID)
	for r := range 4 {
		if _, err := kv.Put("rolling", db.IntValue(int64(r))); err != nil {
			d.Close()
			return err
		}
	}
	st, err := d.Compact()
	if err != nil {
		d.Close()
		return fmt.Errorf("compact failed: %w", err)
	}
	log("  Compaction visited %d chains, dropped %d versions", st.ChainsVisited, st.VersionsDropped)
	d.Close()

	d, err = open(path, db.Strict, keepLast2)
	if err != nil {
		return err
	}
	defer d.Close()
	kv = primitives.NewKV(d, runID)
	for v := uint64(1); v <= 4; v++ {
		_, found, err := kv.GetAt("rolling", v)
		if err != nil {
			return err
		}
		if found != (v >= 3) {
			return fmt.Errorf("version %d: found=%v after compaction", v, found)
		}
	}
	return nil
}

// Test 8: Closed runs are read-only, deleted runs are gone
func testRunLifecycle(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()

	if _, err := d.CreateRun("lifecycle", map[string]string{"purpose": "smoke"}); err != nil {
		return err
	}
	kv := primitives.NewKV(d, "lifecycle")
	if err := writeRange(kv, keys, values, 0, min(len(keys), 100)); err != nil {
		return err
	}

	if err := d.CloseRun("lifecycle"); err != nil {
		return err
	}
	if _, err := kv.Put("late", db.NullValue()); !errors.Is(err, db.ErrRunNotActive) {
		return fmt.Errorf("write to closed run: %v", err)
	}
	if err := verifyRange(kv, keys, values, 0, min(len(keys), 100)); err != nil {
		return fmt.Errorf("closed run unreadable: %w", err)
	}

	before := d.Stats().Addresses
	if err := d.DeleteRun("lifecycle"); err != nil {
		return err
	}
	if after := d.Stats().Addresses; after >= before {
		return fmt.Errorf("delete run left %d addresses (was %d)", after, before)
	}
	if _, _, err := kv.Get(keys[0]); !errors.Is(err, db.ErrRunNotActive) {
		return fmt.Errorf("read of deleted run: %v", err)
	}
	if _, err := d.CreateRun("lifecycle", nil); !errors.Is(err, db.ErrRunExists) {
		return fmt.Errorf("reused run id: %v", err)
	}
	log("  Run closed, deleted and its id kept reserved")
	return nil
}

// Test 9: All writes of a transaction commit together or not at all
func testTransactionAtomicity(path string, keys []string, values [][]byte) error {
	n := min(len(keys), 50)
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	err = d.Update(func(txn *db.Txn) error {
		return writeRange(primitives.KVIn(txn, runID), keys, values, 0, n)
	})
	if err != nil {
		d.Close()
		return err
	}

	txn, err := d.Begin()
	if err != nil {
		d.Close()
		return err
	}
	if _, err := primitives.KVIn(txn, runID).Put("aborted", db.BoolValue(true)); err != nil {
		d.Close()
		return err
	}
	if err := txn.Abort(); err != nil {
		d.Close()
		return err
	}
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	kv := primitives.NewKV(d, runID)
	if err := verifyRange(kv, keys, values, 0, n); err != nil {
		return err
	}
	if _, found, _ := kv.Get("aborted"); found {
		return errors.New("aborted write is visible")
	}
	return nil
}

// Test 10: Stale reads fail commit validation
func testTransactionConflict(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()

	addr := db.Addr(runID, db.NamespaceKV, "contended")
	if _, err := d.Put(addr, db.IntValue(0)); err != nil {
		return err
	}
	t1, _ := d.Begin()
	t2, _ := d.Begin()
	for _, t := range []*db.Txn{t1, t2} {
		if _, _, err := t.Get(addr); err != nil {
			return err
		}
		if err := t.Put(addr, db.IntValue(1)); err != nil {
			return err
		}
	}
	if err := t1.Commit(); err != nil {
		return fmt.Errorf("first commit: %w", err)
	}
	err = t2.Commit()
	var ce *db.ConflictError
	if !errors.As(err, &ce) || ce.Kind != db.ReadConflict {
		return fmt.Errorf("second commit: want read conflict, got %v", err)
	}
	log("  Second writer rejected: %v", err)
	return nil
}

// Test 11: Compare-and-swap on a state cell
func testStateCellCAS(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()

	cells := primitives.NewStateCell(d, runID)
	v, err := cells.Init("phase", db.StringValue("planning"))
	if err != nil {
		return err
	}
	v2, ok, err := cells.CAS("phase", v, db.StringValue("acting"))
	if err != nil || !ok {
		return fmt.Errorf("cas with current version: ok=%v err=%v", ok, err)
	}
	if _, ok, err := cells.CAS("phase", v, db.StringValue("done")); err != nil || ok {
		return fmt.Errorf("cas with stale version: ok=%v err=%v", ok, err)
	}
	vv, _, err := cells.Read("phase")
	if err != nil {
		return err
	}
	if s, _ := vv.Value.AsString(); s != "acting" || vv.Version != v2 {
		return fmt.Errorf("cell holds %q at v%d", s, vv.Version)
	}
	return nil
}

// Test 12: Event chains survive reopen and still verify
func testEventChain(path string, keys []string, values [][]byte) error {
	n := min(len(keys), 200)
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	events := primitives.NewEventLog(d, runID)
	for i := range n {
		if _, err := events.Append("steps", "step", map[string]string{"key": keys[i]}); err != nil {
			d.Close()
			return err
		}
	}
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	events = primitives.NewEventLog(d, runID)
	if got, err := events.Len("steps"); err != nil || got != uint64(n) {
		return fmt.Errorf("stream length %d, want %d (err=%v)", got, n, err)
	}
	if err := events.Verify("steps"); err != nil {
		return err
	}
	log("  %d chained events verified after reopen", n)
	return nil
}

// Test 13: JSON documents with path updates
func testJSONDocuments(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	docs := primitives.NewJSONStore(d, runID)
	if _, err := docs.Create("plan", map[string]any{"steps": []string{"search"}, "owner": "agent"}); err != nil {
		d.Close()
		return err
	}
	if _, err := docs.Set("plan", "steps.1", "summarize"); err != nil {
		d.Close()
		return err
	}
	if _, err := docs.Set("plan", "meta.attempt", 2); err != nil {
		d.Close()
		return err
	}
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	docs = primitives.NewJSONStore(d, runID)
	raw, found, err := docs.Get("plan", "steps.1")
	if err != nil || !found {
		return fmt.Errorf("get steps.1: found=%v err=%v", found, err)
	}
	if string(raw) != `"summarize"` {
		return fmt.Errorf("steps.1 = %s", raw)
	}
	raw, _, err = docs.Get("plan", "meta.attempt")
	if err != nil || string(raw) != "2" {
		return fmt.Errorf("meta.attempt = %s (err=%v)", raw, err)
	}
	return nil
}

// Test 14: Vector search after reopen
func testVectorSearch(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	vectors := primitives.NewVectorStore(d, runID)
	const dim = 8
	n := min(len(keys), 100)
	for i := range n {
		vec := make([]float32, dim)
		vec[i%dim] = 1
		vec[(i+1)%dim] = float32(i) / float32(n)
		if _, err := vectors.Upsert(keys[i], vec, map[string]int{"i": i}); err != nil {
			d.Close()
			return err
		}
	}
	d.Close()

	d, err = open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()
	vectors = primitives.NewVectorStore(d, runID)
	if got, err := vectors.Len(); err != nil || got != n {
		return fmt.Errorf("store holds %d vectors, want %d (err=%v)", got, n, err)
	}
	query := make([]float32, dim)
	query[0] = 1
	matches, err := vectors.Search(query, 5, primitives.Cosine)
	if err != nil {
		return err
	}
	if len(matches) != min(5, n) {
		return fmt.Errorf("search returned %d matches", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			return errors.New("matches not ordered by score")
		}
	}
	log("  Best match %s score=%.3f", matches[0].ID, matches[0].Score)
	return nil
}

// Test 15: Trace spans form a tree
func testTraceSpans(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.Strict)
	if err != nil {
		return err
	}
	defer d.Close()

	traces := primitives.NewTraceStore(d, runID)
	start := time.Now()
	root, err := traces.Record(primitives.Span{Name: "agent.step", Kind: "step", Start: start, End: start.Add(time.Second)})
	if err != nil {
		return err
	}
	for i, tool := range []string{"search", "fetch", "summarize"} {
		s := start.Add(time.Duration(i) * 100 * time.Millisecond)
		if _, err := traces.Record(primitives.Span{
			ParentID: root.ID, Name: "tool." + tool, Kind: "tool",
			Start: s, End: s.Add(50 * time.Millisecond), Status: "ok",
		}); err != nil {
			return err
		}
	}
	children, err := traces.List(primitives.SpanFilter{ParentID: root.ID})
	if err != nil {
		return err
	}
	if len(children) != 3 || !strings.HasPrefix(children[0].Name, "tool.search") {
		return fmt.Errorf("children = %d, first %q", len(children), children[0].Name)
	}
	if _, err := traces.Record(root); !errors.Is(err, primitives.ErrSpanExists) {
		return fmt.Errorf("re-recording a span: %v", err)
	}
	return nil
}

// Test 16: In-memory mode leaves no files
func testInMemory(path string, keys []string, values [][]byte) error {
	d, err := open(path, db.InMemory)
	if err != nil {
		return err
	}
	kv := primitives.NewKV(d, runID)
	if err := writeRange(kv, keys, values, 0, len(keys)); err != nil {
		d.Close()
		return err
	}
	if err := verifyRange(kv, keys, values, 0, len(keys)); err != nil {
		d.Close()
		return err
	}
	if _, err := d.Checkpoint(); err != nil {
		d.Close()
		return err
	}
	d.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return fmt.Errorf("in-memory database touched %s", path)
	}
	return nil
}

func log(format string, args ...any) {
	if *verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func cleanupOldTestDirs() {
	tempDir := os.TempDir()
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		fmt.Printf("Warning: could not read temp dir for cleanup: %v\n", err)
		return
	}

	var cleaned int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), testDirPrefix) {
			continue
		}
		fullPath := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(fullPath); err != nil {
			fmt.Printf("Warning: could not remove %s: %v\n", fullPath, err)
		} else {
			cleaned++
		}
	}
	if cleaned > 0 {
		fmt.Printf("🧹 Cleaned up %d old test directories\n", cleaned)
	}
}

func fatal(format string, args ...any) {
	fmt.Printf("FATAL: "+format+"\n", args...)
	os.Exit(1)
}
