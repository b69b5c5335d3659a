// Package primitives provides the run-scoped data structures an agent works
// with: a key/value map, hash-chained event streams, state cells, JSON
// documents, a vector index and a span store.
//
// Each facade translates its calls into plain reads and writes on one
// namespace of a run and knows nothing about the engine beyond the db
// transaction API. A facade is created either over a *db.DB, where every
// call runs in its own transaction, or over an open *db.Txn, where calls
// join that transaction so several primitives commit atomically:
//
//	err := d.Update(func(txn *db.Txn) error {
//	    if _, err := primitives.EventLogIn(txn, run).Append("chat", "tool_call", payload); err != nil {
//	        return err
//	    }
//	    _, err := primitives.StateCellIn(txn, run).Set("phase", db.StringValue("waiting"))
//	    return err
//	})
//
// Facades over a *db.DB retry their transaction when it loses a read
// conflict. Facades over a *db.Txn never retry; the caller owns the
// transaction and its conflicts.
package primitives
