package primitives

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/aalhour/strata/db"
)

var (
	// ErrInvalidStream is returned for an empty stream name or one that
	// contains '/'.
	ErrInvalidStream = errors.New("primitives: invalid stream name")

	// ErrChainBroken is returned by Verify when a stored event does not
	// match its hash or does not link to its predecessor.
	ErrChainBroken = errors.New("primitives: event chain broken")
)

const (
	headPrefix  = "h/"
	eventPrefix = "e/"
)

// Event is one entry of an event stream. Seq is contiguous from 1 within
// the stream. Hash covers the event's contents and PrevHash, so altering
// or dropping any event breaks every later link.
type Event struct {
	Stream    string          `json:"stream"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"`
	PrevHash  uint64          `json:"prev_hash"`
	Hash      uint64          `json:"hash"`
}

// Time returns the append time of the event.
func (e Event) Time() time.Time { return time.Unix(0, e.Timestamp) }

// streamHead is the per-stream record holding the length and the hash of
// the last event.
type streamHead struct {
	Len  uint64 `json:"len"`
	Hash uint64 `json:"hash"`
}

// EventLog is a set of append-only, hash-chained event streams in a run.
type EventLog struct {
	s     scope
	clock func() time.Time
}

// NewEventLog returns the event log of run backed by d.
func NewEventLog(d *db.DB, run string) *EventLog {
	return &EventLog{s: scope{d: d, run: run, ns: db.NamespaceEventLog}, clock: time.Now}
}

// EventLogIn returns the event log of run inside txn.
func EventLogIn(txn *db.Txn, run string) *EventLog {
	return &EventLog{s: scope{txn: txn, run: run, ns: db.NamespaceEventLog}, clock: time.Now}
}

func checkStream(stream string) error {
	if stream == "" || strings.Contains(stream, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}
	return nil
}

func headKey(stream string) string { return headPrefix + stream }

func eventKey(stream string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", eventPrefix, stream, seq)
}

// hashEvent chains e to its predecessor.
func hashEvent(e *Event) uint64 {
	h := xxh3.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e.PrevHash)
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], e.Seq)
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(e.Timestamp))
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(e.Type)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(e.Payload)
	return h.Sum64()
}

func readHead(txn *db.Txn, addr db.Address) (streamHead, error) {
	var head streamHead
	vv, found, err := txn.Get(addr)
	if err != nil || !found {
		return head, err
	}
	err = vv.Value.DecodeObject(&head)
	return head, err
}

func decodeEvent(v db.Value) (Event, error) {
	var e Event
	err := v.DecodeObject(&e)
	return e, err
}

// Append adds an event to stream and returns it with its sequence and hash
// filled in. payload is encoded as JSON; a json.RawMessage is stored as is.
// Concurrent appends to one stream serialize through the stream head.
func (l *EventLog) Append(stream, typ string, payload any) (Event, error) {
	if err := checkStream(stream); err != nil {
		return Event{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("primitives: encode payload: %w", err)
	}

	var e Event
	err = l.s.update(func(txn *db.Txn) error {
		head, err := readHead(txn, l.s.addr(headKey(stream)))
		if err != nil {
			return err
		}
		e = Event{
			Stream:    stream,
			Seq:       head.Len + 1,
			Type:      typ,
			Payload:   raw,
			Timestamp: l.clock().UnixNano(),
			PrevHash:  head.Hash,
		}
		e.Hash = hashEvent(&e)

		ev, err := db.ObjectOf(e)
		if err != nil {
			return err
		}
		hv, err := db.ObjectOf(streamHead{Len: e.Seq, Hash: e.Hash})
		if err != nil {
			return err
		}
		if err := txn.Put(l.s.addr(eventKey(stream, e.Seq)), ev); err != nil {
			return err
		}
		return txn.Put(l.s.addr(headKey(stream)), hv)
	})
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

// Read returns event seq of stream.
func (l *EventLog) Read(stream string, seq uint64) (e Event, found bool, err error) {
	if err := checkStream(stream); err != nil {
		return Event{}, false, err
	}
	err = l.s.view(func(txn *db.Txn) error {
		vv, ok, err := txn.Get(l.s.addr(eventKey(stream, seq)))
		if err != nil || !ok {
			return err
		}
		e, err = decodeEvent(vv.Value)
		found = err == nil
		return err
	})
	return e, found, err
}

// Range returns the events of stream with from <= seq <= to in order. A to
// of 0 means the end of the stream.
func (l *EventLog) Range(stream string, from, to uint64) ([]Event, error) {
	if err := checkStream(stream); err != nil {
		return nil, err
	}
	var out []Event
	err := l.s.view(func(txn *db.Txn) error {
		entries, err := txn.Scan(l.s.run, l.s.ns, eventPrefix+stream+"/")
		if err != nil {
			return err
		}
		out = make([]Event, 0, len(entries))
		for _, ent := range entries {
			e, err := decodeEvent(ent.Value)
			if err != nil {
				return fmt.Errorf("primitives: event %s: %w", ent.Key, err)
			}
			if e.Seq < from || (to != 0 && e.Seq > to) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Len returns the number of events in stream.
func (l *EventLog) Len(stream string) (uint64, error) {
	if err := checkStream(stream); err != nil {
		return 0, err
	}
	var head streamHead
	err := l.s.view(func(txn *db.Txn) error {
		var err error
		head, err = readHead(txn, l.s.addr(headKey(stream)))
		return err
	})
	return head.Len, err
}

// Streams returns the names of the streams in the run, sorted.
func (l *EventLog) Streams() ([]string, error) {
	var names []string
	err := l.s.view(func(txn *db.Txn) error {
		entries, err := txn.Scan(l.s.run, l.s.ns, headPrefix)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			names = append(names, strings.TrimPrefix(ent.Key, headPrefix))
		}
		return nil
	})
	return names, err
}

// Verify walks stream from the first event and checks that sequences are
// contiguous, that every hash matches the event contents and that the head
// agrees with the last event.
func (l *EventLog) Verify(stream string) error {
	if err := checkStream(stream); err != nil {
		return err
	}
	return l.s.view(func(txn *db.Txn) error {
		head, err := readHead(txn, l.s.addr(headKey(stream)))
		if err != nil {
			return err
		}
		entries, err := txn.Scan(l.s.run, l.s.ns, eventPrefix+stream+"/")
		if err != nil {
			return err
		}

		var prev uint64
		for i, ent := range entries {
			e, err := decodeEvent(ent.Value)
			if err != nil {
				return fmt.Errorf("%w: event %s: %w", ErrChainBroken, ent.Key, err)
			}
			want := uint64(i + 1)
			switch {
			case e.Seq != want:
				return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, want, e.Seq)
			case e.PrevHash != prev:
				return fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, e.Seq)
			case hashEvent(&e) != e.Hash:
				return fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
			}
			prev = e.Hash
		}
		if head.Len != uint64(len(entries)) || head.Hash != prev {
			return fmt.Errorf("%w: head records %d events, found %d", ErrChainBroken, head.Len, len(entries))
		}
		return nil
	})
}
