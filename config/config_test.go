package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/strata/db"
)

const fullYAML = `
path: /var/lib/agent
create_if_missing: true
durability:
  mode: strict
  sync_interval: 250ms
  sync_threshold: 64
  buffer_size: 131072
wal:
  segment_size: 1048576
checkpoint:
  compression: lz4
  keep: 3
retention:
  default: keep_last:5
  namespaces:
    eventlog: keep_all
    statecell: keep_for:24h
logging:
  level: debug
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/agent", cfg.Path)
	assert.True(t, cfg.CreateIfMissing)
	assert.Equal(t, "strict", cfg.Durability.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Durability.SyncInterval)
	assert.Equal(t, int64(1<<20), cfg.WAL.SegmentSize)
	assert.Equal(t, 3, cfg.Checkpoint.Keep)

	o, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, db.Strict, o.Durability)
	assert.Equal(t, 64, o.SyncThreshold)
	assert.Equal(t, 131072, o.WALBufferSize)
	assert.Equal(t, db.LZ4Compression, o.CheckpointCompression)
	assert.Equal(t, db.KeepLast(5), o.Retention.Default)
	assert.Equal(t, db.KeepAll(), o.Retention.For(db.NamespaceEventLog))
	assert.Equal(t, db.KeepFor(24*time.Hour), o.Retention.For(db.NamespaceStateCell))
	assert.Equal(t, db.KeepLast(5), o.Retention.For(db.NamespaceKV))
	assert.NotNil(t, o.Logger)
	assert.Nil(t, o.MetricsRegisterer)
	require.NoError(t, o.Validate())
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("path: ./data\n"))
	require.NoError(t, err)

	o, err := cfg.Options()
	require.NoError(t, err)
	def := db.DefaultOptions()
	assert.Equal(t, def.Durability, o.Durability)
	assert.Equal(t, def.SyncInterval, o.SyncInterval)
	assert.Equal(t, def.SegmentSize, o.SegmentSize)
	assert.Equal(t, def.CheckpointCompression, o.CheckpointCompression)
	assert.Equal(t, def.KeepCheckpoints, o.KeepCheckpoints)
	assert.Equal(t, def.Retention, o.Retention)
}

func TestParseInMemoryNeedsNoPath(t *testing.T) {
	cfg, err := Parse([]byte("durability:\n  mode: inmemory\n"))
	require.NoError(t, err)
	d, err := cfg.Open()
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Parse(nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "path is required")
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"unknown mode", "path: x\ndurability:\n  mode: eventually\n", "durability.mode"},
		{"negative interval", "path: x\ndurability:\n  sync_interval: -1s\n", "durability.sync_interval"},
		{"bad compression", "path: x\ncheckpoint:\n  compression: brotli\n", "checkpoint.compression"},
		{"zero keep", "path: x\ncheckpoint:\n  keep: 0\n", "checkpoint.keep"},
		{"bad default retention", "path: x\nretention:\n  default: keep_last:0\n", "retention.default"},
		{"bad namespace", "path: x\nretention:\n  namespaces:\n    blobs: keep_all\n", "retention.namespaces"},
		{"bad namespace policy", "path: x\nretention:\n  namespaces:\n    kv: forever\n", "retention.namespaces"},
		{"bad level", "path: x\nlogging:\n  level: loud\n", "logging.level"},
		{"unknown field", "path: x\ncache_size: 10\n", "cache_size"},
		{"not yaml", "path: [unclosed\n", "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadAndOpen(t *testing.T) {
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")
	file := filepath.Join(dir, "strata.yaml")
	content := "path: " + dbDir + "\ncreate_if_missing: true\ndurability:\n  mode: strict\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	d, err := cfg.Open()
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, db.Strict, d.DurabilityMode())
	assert.FileExists(t, filepath.Join(dbDir, "MANIFEST"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Path = "x"
	require.NoError(t, cfg.Validate())
}
