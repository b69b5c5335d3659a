package primitives

import (
	"github.com/aalhour/strata/db"
)

// KV is a versioned key/value map scoped to a run.
type KV struct {
	s scope
}

// NewKV returns the KV map of run backed by d.
func NewKV(d *db.DB, run string) *KV {
	return &KV{s: scope{d: d, run: run, ns: db.NamespaceKV}}
}

// KVIn returns the KV map of run inside txn.
func KVIn(txn *db.Txn, run string) *KV {
	return &KV{s: scope{txn: txn, run: run, ns: db.NamespaceKV}}
}

// Put stores v under key and returns the new version, provisional until
// Commit inside a transaction.
func (kv *KV) Put(key string, v db.Value) (uint64, error) {
	addr := kv.s.addr(key)
	return kv.s.write(addr, func(txn *db.Txn) error {
		return txn.Put(addr, v)
	})
}

// Get returns the current value of key.
func (kv *KV) Get(key string) (vv db.VersionedValue, found bool, err error) {
	err = kv.s.view(func(txn *db.Txn) error {
		vv, found, err = txn.Get(kv.s.addr(key))
		return err
	})
	return vv, found, err
}

// GetAt returns version n of key if it is still retained.
func (kv *KV) GetAt(key string, n uint64) (vv db.VersionedValue, found bool, err error) {
	err = kv.s.view(func(txn *db.Txn) error {
		vv, found, err = txn.GetVersion(kv.s.addr(key), n)
		return err
	})
	return vv, found, err
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *KV) Delete(key string) error {
	return kv.s.update(func(txn *db.Txn) error {
		return txn.Delete(kv.s.addr(key))
	})
}

// List returns the live entries whose key starts with prefix, sorted by key.
func (kv *KV) List(prefix string) (entries []db.ScanEntry, err error) {
	err = kv.s.view(func(txn *db.Txn) error {
		entries, err = txn.Scan(kv.s.run, kv.s.ns, prefix)
		return err
	})
	return entries, err
}
