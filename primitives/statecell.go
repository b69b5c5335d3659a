package primitives

import (
	"errors"
	"fmt"

	"github.com/aalhour/strata/db"
)

// ErrCellExists is returned by Init for a cell that already has a value.
var ErrCellExists = errors.New("primitives: state cell already exists")

// StateCell is a set of named, versioned cells in a run, updated with
// compare-and-swap on the cell version.
type StateCell struct {
	s scope
}

// NewStateCell returns the state cells of run backed by d.
func NewStateCell(d *db.DB, run string) *StateCell {
	return &StateCell{s: scope{d: d, run: run, ns: db.NamespaceStateCell}}
}

// StateCellIn returns the state cells of run inside txn.
func StateCellIn(txn *db.Txn, run string) *StateCell {
	return &StateCell{s: scope{txn: txn, run: run, ns: db.NamespaceStateCell}}
}

// Init creates cell name holding v. It fails with ErrCellExists if the
// cell already has a value.
func (c *StateCell) Init(name string, v db.Value) (uint64, error) {
	addr := c.s.addr(name)
	return c.s.write(addr, func(txn *db.Txn) error {
		if _, found, err := txn.Get(addr); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %q", ErrCellExists, name)
		}
		return txn.Put(addr, v)
	})
}

// Read returns the current value and version of cell name.
func (c *StateCell) Read(name string) (vv db.VersionedValue, found bool, err error) {
	err = c.s.view(func(txn *db.Txn) error {
		vv, found, err = txn.Get(c.s.addr(name))
		return err
	})
	return vv, found, err
}

// Set stores v in cell name regardless of its version. Inside a
// transaction the returned version is provisional until Commit.
func (c *StateCell) Set(name string, v db.Value) (uint64, error) {
	addr := c.s.addr(name)
	return c.s.write(addr, func(txn *db.Txn) error {
		return txn.Put(addr, v)
	})
}

// CAS stores v in cell name if its current version is expected (0 for a
// cell with no value). ok is false when the expectation failed; that is
// not an error. Inside a transaction the expectation is checked at commit,
// so CAS reports ok and a failure surfaces from Commit as a CAS conflict.
func (c *StateCell) CAS(name string, expected uint64, v db.Value) (version uint64, ok bool, err error) {
	if c.s.txn != nil {
		if err := c.s.txn.CAS(c.s.addr(name), expected, v); err != nil {
			return 0, false, err
		}
		return expected + 1, true, nil
	}
	return c.s.d.CAS(c.s.addr(name), expected, v)
}

// Transition applies fn to the current value of cell name and stores the
// result. The read joins the transaction, so a concurrent change to the
// cell restarts fn on the new value. fn sees found=false for a cell with
// no value and must not have side effects.
func (c *StateCell) Transition(name string, fn func(cur db.VersionedValue, found bool) (db.Value, error)) (uint64, error) {
	addr := c.s.addr(name)
	return c.s.write(addr, func(txn *db.Txn) error {
		vv, found, err := txn.Get(addr)
		if err != nil {
			return err
		}
		next, err := fn(vv, found)
		if err != nil {
			return err
		}
		return txn.Put(addr, next)
	})
}
