/*
Package strata provides embedded, durable storage for AI agent runs.

A strata database holds versioned records grouped into runs. Each run is
split into namespaces, one per primitive: key/value pairs, hash-chained
event logs, state cells with compare-and-swap, JSON documents, vectors
and trace spans. Every write creates a new version; older versions stay
readable until retention drops them.

This package re-exports the engine types from the db package so simple
programs need one import. The facades live in the primitives package and
file-based configuration in the config package.

# Usage

For runnable examples, see the repository's examples directory and the
Example functions in this package.

# Concurrency

A DB is safe for concurrent use by multiple goroutines. A Txn is owned by
the goroutine that began it. Commits are optimistic: a transaction whose
reads went stale fails with ErrConflict and the caller retries it.

# Durability

InMemory keeps nothing on disk. Buffered acknowledges a commit once it is
in the WAL buffer and fsyncs in the background. Strict fsyncs before
Commit returns.
*/
package strata
