// Package db is the strata storage engine: a versioned, write-ahead-logged
// record store with optimistic transactions, scoped into named runs.
//
// # Quick Start
//
//	opts := db.DefaultOptions()
//	opts.CreateIfMissing = true
//	d, err := db.Open("/path/to/db", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	run, err := d.CreateRun("", nil)
//	addr := db.Addr(run.ID, db.NamespaceKV, "greeting")
//	version, err := d.Put(addr, db.StringValue("hello"))
//	vv, found, err := d.Get(addr)
//
// # Transactions
//
// Every read and write goes through a transaction. Begin captures a snapshot
// sequence; reads see exactly the commits at or before it plus the
// transaction's own staged writes. Commit validates that nothing the
// transaction read has changed and that every CAS expectation still holds,
// then logs and applies all writes atomically:
//
//	err := d.Update(func(txn *db.Txn) error {
//	    vv, found, err := txn.Get(addr)
//	    if err != nil {
//	        return err
//	    }
//	    n := int64(0)
//	    if found {
//	        n, _ = vv.Value.AsInt()
//	    }
//	    return txn.Put(addr, db.IntValue(n+1))
//	})
//	if errors.Is(err, db.ErrConflict) {
//	    // retry from Begin
//	}
//
// # Durability
//
// Options.Durability selects InMemory (no log), Buffered (background fsync)
// or Strict (fsync inside every commit). Checkpoint writes the whole store
// to a checkpoint file and reclaims covered WAL segments; Compact applies
// the retention policy first.
//
// # On-disk layout
//
//	MANIFEST               database id, format version, last checkpoint
//	LOCK                   held while the database is open
//	NNNNNN.log             WAL segments
//	checkpoint-<seq>.ckpt  checkpoints
package db
