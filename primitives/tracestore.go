package primitives

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aalhour/strata/db"
)

// ErrSpanExists is returned by Record for an id that is already recorded.
var ErrSpanExists = errors.New("primitives: span already recorded")

// Span is one timed step of an agent run, such as a model call or a tool
// invocation. Spans form a tree through ParentID.
type Span struct {
	ID         string         `json:"id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Kind       string         `json:"kind,omitempty"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Status     string         `json:"status,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Duration returns End - Start, or 0 for a span without an end.
func (s Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// SpanFilter selects spans in List. Zero fields match everything.
type SpanFilter struct {
	ParentID string
	Name     string
	Kind     string
	// Roots selects only spans without a parent. It overrides ParentID.
	Roots bool
}

func (f SpanFilter) match(s Span) bool {
	switch {
	case f.Roots && s.ParentID != "":
		return false
	case !f.Roots && f.ParentID != "" && s.ParentID != f.ParentID:
		return false
	case f.Name != "" && s.Name != f.Name:
		return false
	case f.Kind != "" && s.Kind != f.Kind:
		return false
	}
	return true
}

// TraceStore records immutable spans for a run.
type TraceStore struct {
	s scope
}

// NewTraceStore returns the span store of run backed by d.
func NewTraceStore(d *db.DB, run string) *TraceStore {
	return &TraceStore{s: scope{d: d, run: run, ns: db.NamespaceTrace}}
}

// TraceStoreIn returns the span store of run inside txn.
func TraceStoreIn(txn *db.Txn, run string) *TraceStore {
	return &TraceStore{s: scope{txn: txn, run: run, ns: db.NamespaceTrace}}
}

// Record stores span and returns it. A span without an id gets a random
// UUID and a span without a start time starts now.
func (ts *TraceStore) Record(span Span) (Span, error) {
	if span.ID == "" {
		span.ID = uuid.NewString()
	}
	if span.Start.IsZero() {
		span.Start = time.Now()
	}
	if !span.End.IsZero() && span.End.Before(span.Start) {
		return Span{}, fmt.Errorf("primitives: span %s ends before it starts", span.ID)
	}
	v, err := db.ObjectOf(span)
	if err != nil {
		return Span{}, err
	}
	addr := ts.s.addr(span.ID)
	_, err = ts.s.write(addr, func(txn *db.Txn) error {
		if _, found, err := txn.Get(addr); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", ErrSpanExists, span.ID)
		}
		return txn.Put(addr, v)
	})
	if err != nil {
		return Span{}, err
	}
	return span, nil
}

// Get returns the span recorded under id.
func (ts *TraceStore) Get(id string) (span Span, found bool, err error) {
	err = ts.s.view(func(txn *db.Txn) error {
		vv, ok, err := txn.Get(ts.s.addr(id))
		if err != nil || !ok {
			return err
		}
		if err := vv.Value.DecodeObject(&span); err != nil {
			return fmt.Errorf("primitives: span %s: %w", id, err)
		}
		found = true
		return nil
	})
	return span, found, err
}

// List returns the spans matching f ordered by start time, then id.
func (ts *TraceStore) List(f SpanFilter) ([]Span, error) {
	var out []Span
	err := ts.s.view(func(txn *db.Txn) error {
		entries, err := txn.Scan(ts.s.run, ts.s.ns, "")
		if err != nil {
			return err
		}
		for _, e := range entries {
			var span Span
			if err := e.Value.DecodeObject(&span); err != nil {
				return fmt.Errorf("primitives: span %s: %w", e.Key, err)
			}
			if f.match(span) {
				out = append(out, span)
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b Span) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, err
}
