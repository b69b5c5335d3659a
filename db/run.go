package db

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/aalhour/strata/internal/dbformat"
	"github.com/aalhour/strata/internal/logging"
)

// RunStatus is the lifecycle state of a run.
type RunStatus uint8

const (
	// RunActive runs accept reads and writes.
	RunActive RunStatus = iota + 1
	// RunClosed runs are read-only.
	RunClosed
	// RunDeleted runs have had every record removed.
	RunDeleted
)

func (s RunStatus) String() string {
	switch s {
	case RunActive:
		return "active"
	case RunClosed:
		return "closed"
	case RunDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("RunStatus(%d)", uint8(s))
	}
}

func parseRunStatus(s string) (RunStatus, error) {
	for _, st := range []RunStatus{RunActive, RunClosed, RunDeleted} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: run status %q", ErrCorruption, s)
}

// RunInfo describes a run.
type RunInfo struct {
	ID        string
	Status    RunStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
}

// runRecord is the JSON document stored in the run index.
type runRecord struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func runAddr(id string) Address {
	return dbformat.Addr(dbformat.SystemRun, dbformat.NamespaceRunIndex, id)
}

func encodeRun(info RunInfo) (Value, error) {
	return ObjectOf(runRecord{
		ID:        info.ID,
		Status:    info.Status.String(),
		CreatedAt: info.CreatedAt.UnixNano(),
		UpdatedAt: info.UpdatedAt.UnixNano(),
		Metadata:  info.Metadata,
	})
}

func decodeRun(v Value) (RunInfo, error) {
	var rec runRecord
	if err := v.DecodeObject(&rec); err != nil {
		return RunInfo{}, fmt.Errorf("%w: run record: %w", ErrCorruption, err)
	}
	st, err := parseRunStatus(rec.Status)
	if err != nil {
		return RunInfo{}, err
	}
	return RunInfo{
		ID:        rec.ID,
		Status:    st,
		CreatedAt: time.Unix(0, rec.CreatedAt),
		UpdatedAt: time.Unix(0, rec.UpdatedAt),
		Metadata:  rec.Metadata,
	}, nil
}

// readRun reads a run record at snapshot straight from the store.
func (d *DB) readRun(id string, snapshot dbformat.SequenceNumber) (RunInfo, bool, error) {
	v, ok := d.store.Read(runAddr(id), snapshot)
	if !ok || v.Tombstone {
		return RunInfo{}, false, nil
	}
	info, err := decodeRun(v.Value)
	if err != nil {
		return RunInfo{}, false, err
	}
	return info, true, nil
}

func validRunID(id string) error {
	if len(id) > dbformat.MaxKeySize {
		return fmt.Errorf("%w: run id of %d bytes", dbformat.ErrInvalidAddress, len(id))
	}
	return nil
}

// CreateRun registers a new active run. An empty id is replaced by a
// generated UUID. Ids are never reused, even after DeleteRun.
func (d *DB) CreateRun(id string, metadata map[string]string) (RunInfo, error) {
	if d.closed.Load() {
		return RunInfo{}, ErrDBClosed
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := validRunID(id); err != nil {
		return RunInfo{}, err
	}

	now := d.opts.Clock()
	info := RunInfo{
		ID:        id,
		Status:    RunActive,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  maps.Clone(metadata),
	}
	v, err := encodeRun(info)
	if err != nil {
		return RunInfo{}, err
	}

	t := d.begin(true)
	defer t.discard()
	if _, found, err := t.Get(runAddr(id)); err != nil {
		return RunInfo{}, err
	} else if found {
		return RunInfo{}, fmt.Errorf("%w: %q", ErrRunExists, id)
	}
	if err := t.Put(runAddr(id), v); err != nil {
		return RunInfo{}, err
	}
	if err := t.Commit(); err != nil {
		// The only write that can race an absent run record is another
		// create of the same id.
		if errors.Is(err, ErrConflict) {
			return RunInfo{}, fmt.Errorf("%w: %q", ErrRunExists, id)
		}
		return RunInfo{}, err
	}
	d.logger.Infof("%screated run %s", logging.NSRun, id)
	return info, nil
}

// GetRun returns the current record of run id.
func (d *DB) GetRun(id string) (RunInfo, bool, error) {
	if d.closed.Load() {
		return RunInfo{}, false, ErrDBClosed
	}
	return d.readRun(id, d.LastSequence())
}

// ListRuns returns every run that is not deleted, ordered by id.
func (d *DB) ListRuns() ([]RunInfo, error) {
	if d.closed.Load() {
		return nil, ErrDBClosed
	}
	t := d.begin(true)
	defer t.discard()
	entries, err := t.Scan(dbformat.SystemRun, dbformat.NamespaceRunIndex, "")
	if err != nil {
		return nil, err
	}
	runs := make([]RunInfo, 0, len(entries))
	for _, e := range entries {
		info, err := decodeRun(e.Value)
		if err != nil {
			return nil, err
		}
		if info.Status != RunDeleted {
			runs = append(runs, info)
		}
	}
	return runs, nil
}

// CloseRun makes an active run read-only.
func (d *DB) CloseRun(id string) error {
	return d.setRunStatus(id, RunClosed)
}

// DeleteRun removes every record of the run in every namespace. The run id
// stays registered as deleted. The removal is logged, so it survives
// recovery.
func (d *DB) DeleteRun(id string) error {
	return d.setRunStatus(id, RunDeleted)
}

func (d *DB) setRunStatus(id string, to RunStatus) error {
	if d.closed.Load() {
		return ErrDBClosed
	}
	t := d.begin(true)
	defer t.discard()

	vv, found, err := t.Get(runAddr(id))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: unknown run %q", ErrRunNotActive, id)
	}
	info, err := decodeRun(vv.Value)
	if err != nil {
		return err
	}
	if info.Status == RunDeleted || (to == RunClosed && info.Status != RunActive) {
		return fmt.Errorf("%w: run %q is %s", ErrRunNotActive, id, info.Status)
	}

	info.Status = to
	info.UpdatedAt = d.opts.Clock()
	v, err := encodeRun(info)
	if err != nil {
		return err
	}
	if err := t.Put(runAddr(id), v); err != nil {
		return err
	}
	if to == RunDeleted {
		t.mu.Lock()
		t.deleteRuns = append(t.deleteRuns, id)
		t.mu.Unlock()
	}
	if err := t.Commit(); err != nil {
		return err
	}
	d.logger.Infof("%srun %s is now %s", logging.NSRun, id, to)
	return nil
}
