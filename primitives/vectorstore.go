package primitives

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/aalhour/strata/db"
)

// ErrDimension is returned for a vector whose length differs from the
// dimension of the store.
var ErrDimension = errors.New("primitives: vector dimension mismatch")

// Metric selects how Search scores vectors.
type Metric uint8

const (
	// Cosine scores by cosine similarity, higher first. A zero vector
	// scores 0.
	Cosine Metric = iota
	// Euclidean scores by L2 distance, lower first.
	Euclidean
	// Dot scores by inner product, higher first.
	Dot
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Dot:
		return "dot"
	default:
		return fmt.Sprintf("Metric(%d)", uint8(m))
	}
}

// ParseMetric maps "cosine", "euclidean" or "dot" to a Metric.
func ParseMetric(s string) (Metric, error) {
	for _, m := range []Metric{Cosine, Euclidean, Dot} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("primitives: unknown metric %q", s)
}

const (
	dimKey        = "dim"
	vectorPrefix  = "v/"
	vecMetaPrefix = "m/"
)

// Match is one Search result.
type Match struct {
	ID       string
	Score    float64
	Metadata json.RawMessage
}

// VectorStore is a set of fixed-dimension embeddings in a run, each with
// optional JSON metadata. The first Upsert fixes the dimension.
type VectorStore struct {
	s scope
}

// NewVectorStore returns the vector store of run backed by d.
func NewVectorStore(d *db.DB, run string) *VectorStore {
	return &VectorStore{s: scope{d: d, run: run, ns: db.NamespaceVector}}
}

// VectorStoreIn returns the vector store of run inside txn.
func VectorStoreIn(txn *db.Txn, run string) *VectorStore {
	return &VectorStore{s: scope{txn: txn, run: run, ns: db.NamespaceVector}}
}

// Upsert stores vec under id, replacing any previous vector. metadata is
// encoded with encoding/json; nil removes stored metadata.
func (vs *VectorStore) Upsert(id string, vec []float32, metadata any) (uint64, error) {
	if len(vec) == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrDimension)
	}
	var meta db.Value
	if metadata != nil {
		var err error
		if meta, err = db.ObjectOf(metadata); err != nil {
			return 0, err
		}
	}

	addr := vs.s.addr(vectorPrefix + id)
	return vs.s.write(addr, func(txn *db.Txn) error {
		dim, err := vs.dimension(txn)
		if err != nil {
			return err
		}
		switch {
		case dim == 0:
			if err := txn.Put(vs.s.addr(dimKey), db.IntValue(int64(len(vec)))); err != nil {
				return err
			}
		case dim != len(vec):
			return fmt.Errorf("%w: got %d, store holds %d", ErrDimension, len(vec), dim)
		}
		if err := txn.Put(addr, db.VectorValue(vec)); err != nil {
			return err
		}
		if metadata == nil {
			return txn.Delete(vs.s.addr(vecMetaPrefix + id))
		}
		return txn.Put(vs.s.addr(vecMetaPrefix+id), meta)
	})
}

// Get returns the vector and metadata stored under id.
func (vs *VectorStore) Get(id string) (vec []float32, metadata json.RawMessage, found bool, err error) {
	err = vs.s.view(func(txn *db.Txn) error {
		vv, ok, err := txn.Get(vs.s.addr(vectorPrefix + id))
		if err != nil || !ok {
			return err
		}
		if vec, err = vv.Value.AsVector(); err != nil {
			return err
		}
		mv, ok, err := txn.Get(vs.s.addr(vecMetaPrefix + id))
		if err != nil {
			return err
		}
		if ok {
			if metadata, err = mv.Value.AsObject(); err != nil {
				return err
			}
		}
		found = true
		return nil
	})
	return vec, metadata, found, err
}

// Delete removes the vector stored under id.
func (vs *VectorStore) Delete(id string) error {
	return vs.s.update(func(txn *db.Txn) error {
		if err := txn.Delete(vs.s.addr(vectorPrefix + id)); err != nil {
			return err
		}
		return txn.Delete(vs.s.addr(vecMetaPrefix + id))
	})
}

// Search returns the k vectors closest to query under metric, best first.
// Ties are broken by id.
func (vs *VectorStore) Search(query []float32, k int, metric Metric) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	var out []Match
	err := vs.s.view(func(txn *db.Txn) error {
		dim, err := vs.dimension(txn)
		if err != nil || dim == 0 {
			return err
		}
		if dim != len(query) {
			return fmt.Errorf("%w: query has %d, store holds %d", ErrDimension, len(query), dim)
		}
		entries, err := txn.Scan(vs.s.run, vs.s.ns, vectorPrefix)
		if err != nil {
			return err
		}
		matches := make([]Match, 0, len(entries))
		for _, e := range entries {
			vec, err := e.Value.AsVector()
			if err != nil {
				return fmt.Errorf("primitives: vector %s: %w", e.Key, err)
			}
			if len(vec) != dim {
				return fmt.Errorf("%w: vector %s has %d", ErrDimension, e.Key, len(vec))
			}
			matches = append(matches, Match{
				ID:    strings.TrimPrefix(e.Key, vectorPrefix),
				Score: score(metric, query, vec),
			})
		}
		slices.SortFunc(matches, func(a, b Match) int {
			c := cmp.Compare(b.Score, a.Score)
			if metric == Euclidean {
				c = -c
			}
			if c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		out = matches[:min(k, len(matches))]
		for i := range out {
			mv, ok, err := txn.Get(vs.s.addr(vecMetaPrefix + out[i].ID))
			if err != nil {
				return err
			}
			if ok {
				out[i].Metadata, _ = mv.Value.AsObject()
			}
		}
		return nil
	})
	return out, err
}

// Len returns the number of stored vectors.
func (vs *VectorStore) Len() (int, error) {
	var n int
	err := vs.s.view(func(txn *db.Txn) error {
		entries, err := txn.Scan(vs.s.run, vs.s.ns, vectorPrefix)
		n = len(entries)
		return err
	})
	return n, err
}

func (vs *VectorStore) dimension(txn *db.Txn) (int, error) {
	vv, found, err := txn.Get(vs.s.addr(dimKey))
	if err != nil || !found {
		return 0, err
	}
	n, err := vv.Value.AsInt()
	return int(n), err
}

func score(m Metric, a, b []float32) float64 {
	var dot, na, nb, dist float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		dist += (x - y) * (x - y)
	}
	switch m {
	case Euclidean:
		return math.Sqrt(dist)
	case Dot:
		return dot
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
}
