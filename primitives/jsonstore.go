package primitives

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aalhour/strata/db"
)

var (
	// ErrDocExists is returned by Create for an id that holds a document.
	ErrDocExists = errors.New("primitives: document already exists")

	// ErrInvalidPath is returned for a path that does not fit the document
	// shape, such as a field of a number or an out-of-range index.
	ErrInvalidPath = errors.New("primitives: invalid document path")
)

// JSONStore holds JSON documents in a run. Paths are dot separated; a
// segment addressing an array is a decimal index, and the empty path is
// the whole document:
//
//	"", "user", "user.name", "messages.0.content"
type JSONStore struct {
	s scope
}

// NewJSONStore returns the document store of run backed by d.
func NewJSONStore(d *db.DB, run string) *JSONStore {
	return &JSONStore{s: scope{d: d, run: run, ns: db.NamespaceJSON}}
}

// JSONStoreIn returns the document store of run inside txn.
func JSONStoreIn(txn *db.Txn, run string) *JSONStore {
	return &JSONStore{s: scope{txn: txn, run: run, ns: db.NamespaceJSON}}
}

// Create stores doc as a new document. doc is encoded with encoding/json.
func (j *JSONStore) Create(id string, doc any) (uint64, error) {
	v, err := db.ObjectOf(doc)
	if err != nil {
		return 0, err
	}
	addr := j.s.addr(id)
	return j.s.write(addr, func(txn *db.Txn) error {
		if _, found, err := txn.Get(addr); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %q", ErrDocExists, id)
		}
		return txn.Put(addr, v)
	})
}

// Get returns the JSON at path in document id. found is false if the
// document or the path does not exist.
func (j *JSONStore) Get(id, path string) (raw json.RawMessage, found bool, err error) {
	err = j.s.view(func(txn *db.Txn) error {
		root, ok, err := j.load(txn, id)
		if err != nil || !ok {
			return err
		}
		node, ok, err := lookupPath(root, splitPath(path))
		if err != nil || !ok {
			return err
		}
		raw, err = json.Marshal(node)
		found = err == nil
		return err
	})
	return raw, found, err
}

// Set stores x at path in document id and returns the new document
// version. Missing objects along the path are created; an array index may
// address an existing element or append at the array length. Setting the
// empty path replaces or creates the whole document.
func (j *JSONStore) Set(id, path string, x any) (uint64, error) {
	node, err := toNode(x)
	if err != nil {
		return 0, err
	}
	addr := j.s.addr(id)
	return j.s.write(addr, func(txn *db.Txn) error {
		segs := splitPath(path)
		var root any
		if len(segs) > 0 {
			doc, ok, err := j.load(txn, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: document %q", ErrNotFound, id)
			}
			root = doc
		}
		updated, err := setPath(root, segs, node)
		if err != nil {
			return err
		}
		return j.store(txn, addr, updated)
	})
}

// Delete removes path from document id. The empty path deletes the whole
// document. Removing a path that does not exist is not an error.
func (j *JSONStore) Delete(id, path string) error {
	addr := j.s.addr(id)
	segs := splitPath(path)
	return j.s.update(func(txn *db.Txn) error {
		if len(segs) == 0 {
			return txn.Delete(addr)
		}
		root, ok, err := j.load(txn, id)
		if err != nil || !ok {
			return err
		}
		root, changed, err := deletePath(root, segs)
		if err != nil || !changed {
			return err
		}
		return j.store(txn, addr, root)
	})
}

// List returns the ids of the documents whose id starts with prefix.
func (j *JSONStore) List(prefix string) ([]string, error) {
	var ids []string
	err := j.s.view(func(txn *db.Txn) error {
		entries, err := txn.Scan(j.s.run, j.s.ns, prefix)
		for _, e := range entries {
			ids = append(ids, e.Key)
		}
		return err
	})
	return ids, err
}

func (j *JSONStore) load(txn *db.Txn, id string) (any, bool, error) {
	vv, found, err := txn.Get(j.s.addr(id))
	if err != nil || !found {
		return nil, false, err
	}
	raw, err := vv.Value.AsObject()
	if err != nil {
		return nil, false, err
	}
	root, err := decodeNode(raw)
	return root, err == nil, err
}

func (j *JSONStore) store(txn *db.Txn, addr db.Address, root any) error {
	v, err := db.ObjectOf(root)
	if err != nil {
		return err
	}
	return txn.Put(addr, v)
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// decodeNode parses JSON keeping numbers as json.Number so integers
// survive a read-modify-write unchanged.
func decodeNode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("primitives: decode document: %w", err)
	}
	return node, nil
}

// toNode converts x to the generic form decodeNode produces.
func toNode(x any) (any, error) {
	raw, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("primitives: encode value: %w", err)
	}
	return decodeNode(raw)
}

func arrayIndex(seg string, n int, allowAppend bool) (int, error) {
	i, err := strconv.Atoi(seg)
	limit := n
	if allowAppend {
		limit = n + 1
	}
	if err != nil || i < 0 || i >= limit {
		return 0, fmt.Errorf("%w: index %q of array of length %d", ErrInvalidPath, seg, n)
	}
	return i, nil
}

func lookupPath(node any, segs []string) (any, bool, error) {
	for _, seg := range segs {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[seg]
			if !ok {
				return nil, false, nil
			}
			node = child
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false, fmt.Errorf("%w: %q is not an index", ErrInvalidPath, seg)
			}
			if i < 0 || i >= len(n) {
				return nil, false, nil
			}
			node = n[i]
		default:
			return nil, false, nil
		}
	}
	return node, true, nil
}

func setPath(node any, segs []string, x any) (any, error) {
	if len(segs) == 0 {
		return x, nil
	}
	seg, rest := segs[0], segs[1:]
	switch n := node.(type) {
	case nil:
		child, err := setPath(nil, rest, x)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: child}, nil
	case map[string]any:
		child, err := setPath(n[seg], rest, x)
		if err != nil {
			return nil, err
		}
		n[seg] = child
		return n, nil
	case []any:
		i, err := arrayIndex(seg, len(n), true)
		if err != nil {
			return nil, err
		}
		if i == len(n) {
			n = append(n, nil)
		}
		child, err := setPath(n[i], rest, x)
		if err != nil {
			return nil, err
		}
		n[i] = child
		return n, nil
	default:
		return nil, fmt.Errorf("%w: %q is inside a scalar", ErrInvalidPath, seg)
	}
}

func deletePath(node any, segs []string) (any, bool, error) {
	seg, rest := segs[0], segs[1:]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		if !ok {
			return n, false, nil
		}
		if len(rest) == 0 {
			delete(n, seg)
			return n, true, nil
		}
		child, changed, err := deletePath(child, rest)
		if err != nil || !changed {
			return n, changed, err
		}
		n[seg] = child
		return n, true, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %q is not an index", ErrInvalidPath, seg)
		}
		if i < 0 || i >= len(n) {
			return n, false, nil
		}
		if len(rest) == 0 {
			return append(n[:i], n[i+1:]...), true, nil
		}
		child, changed, err := deletePath(n[i], rest)
		if err != nil || !changed {
			return n, changed, err
		}
		n[i] = child
		return n, true, nil
	default:
		return node, false, nil
	}
}
