package primitives

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/logging"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	opts := db.DefaultOptions()
	opts.Durability = db.InMemory
	opts.Logger = logging.Discard
	d, err := db.Open("", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func openRun(t *testing.T) (*db.DB, string) {
	t.Helper()
	d := openDB(t)
	info, err := d.CreateRun("run-1", nil)
	require.NoError(t, err)
	return d, info.ID
}

// retry repeats fn while it fails with a conflict.
func retry(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, db.ErrConflict) {
			return err
		}
	}
}
