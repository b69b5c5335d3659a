package primitives

import (
	"errors"

	"github.com/aalhour/strata/db"
)

// maxRetries bounds how often an auto-commit call restarts after a read
// conflict.
const maxRetries = 16

// ErrNotFound is returned by facade calls that need an existing record.
var ErrNotFound = errors.New("primitives: not found")

// scope binds a facade to one run and namespace, and either a database
// (auto-commit) or a caller-owned transaction.
type scope struct {
	d   *db.DB
	txn *db.Txn
	run string
	ns  db.Namespace
}

func (s scope) addr(key string) db.Address {
	return db.Addr(s.run, s.ns, key)
}

// update runs fn in a read-write transaction. In auto-commit mode a read
// conflict restarts fn on a fresh snapshot; CAS conflicts are returned.
func (s scope) update(fn func(*db.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	var err error
	for range maxRetries {
		err = s.d.Update(fn)
		if !isReadConflict(err) {
			return err
		}
	}
	return err
}

// write runs fn like update and returns the version addr takes. In
// auto-commit mode that is the committed version. Inside a caller-owned
// transaction it is provisional: a concurrent commit to addr moves a blind
// write past it, so callers read Txn.CommittedVersion after Commit.
func (s scope) write(addr db.Address, fn func(*db.Txn) error) (uint64, error) {
	if s.txn != nil {
		if err := fn(s.txn); err != nil {
			return 0, err
		}
		vv, _, err := s.txn.Get(addr)
		return vv.Version, err
	}
	var err error
	for range maxRetries {
		var txn *db.Txn
		if txn, err = s.d.Begin(); err != nil {
			return 0, err
		}
		if err = fn(txn); err != nil {
			_ = txn.Abort()
			return 0, err
		}
		if err = txn.Commit(); err == nil {
			version, _ := txn.CommittedVersion(addr)
			return version, nil
		}
		if !isReadConflict(err) {
			return 0, err
		}
	}
	return 0, err
}

// view runs fn in a read-only transaction.
func (s scope) view(fn func(*db.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	return s.d.View(fn)
}

func isReadConflict(err error) bool {
	var ce *db.ConflictError
	return errors.As(err, &ce) && ce.Kind == db.ReadConflict
}
