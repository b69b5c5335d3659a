// Package config loads database settings from YAML.
//
// A minimal file:
//
//	path: ./agent-data
//	create_if_missing: true
//	durability:
//	  mode: strict
//	checkpoint:
//	  compression: zstd
//	  keep: 3
//	retention:
//	  default: keep_last:10
//	  namespaces:
//	    eventlog: keep_all
//	logging:
//	  level: info
//
// Omitted fields keep the values of Default. Unknown fields are rejected.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/aalhour/strata/db"
	"github.com/aalhour/strata/internal/compression"
	"github.com/aalhour/strata/internal/logging"
)

// ErrInvalidConfig is wrapped by every Load and Parse error caused by the
// file contents.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the on-disk form of db.Options.
type Config struct {
	// Path is the database directory. Required unless the durability mode
	// is inmemory.
	Path            string `yaml:"path"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
	ErrorIfExists   bool   `yaml:"error_if_exists"`

	Durability DurabilityConfig `yaml:"durability"`
	WAL        WALConfig        `yaml:"wal"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retention  RetentionConfig  `yaml:"retention"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DurabilityConfig selects when commits are fsynced.
type DurabilityConfig struct {
	Mode          string        `yaml:"mode" validate:"durability"`
	SyncInterval  time.Duration `yaml:"sync_interval" validate:"gte=0"`
	SyncThreshold int           `yaml:"sync_threshold" validate:"gte=0"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=0"`
}

// WALConfig sizes the write-ahead log.
type WALConfig struct {
	SegmentSize int64 `yaml:"segment_size" validate:"gte=0"`
}

// CheckpointConfig controls checkpoint files.
type CheckpointConfig struct {
	Compression string `yaml:"compression" validate:"compression"`
	Keep        int    `yaml:"keep" validate:"gte=1,lte=64"`
}

// RetentionConfig holds retention policies in the form accepted by
// db.ParseRetentionPolicy: keep_all, keep_last:N or keep_for:DURATION.
type RetentionConfig struct {
	Default    string            `yaml:"default" validate:"retention"`
	Namespaces map[string]string `yaml:"namespaces" validate:"dive,keys,namespace,endkeys,retention"`
}

// LoggingConfig selects the engine log level.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"loglevel"`
}

// MetricsConfig controls Prometheus registration.
type MetricsConfig struct {
	// Enabled registers the engine collectors with the default Prometheus
	// registerer.
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration matching db.DefaultOptions.
func Default() *Config {
	o := db.DefaultOptions()
	return &Config{
		Durability: DurabilityConfig{
			Mode:          strings.ToLower(o.Durability.String()),
			SyncInterval:  o.SyncInterval,
			SyncThreshold: o.SyncThreshold,
			BufferSize:    o.WALBufferSize,
		},
		WAL:        WALConfig{SegmentSize: o.SegmentSize},
		Checkpoint: CheckpointConfig{Compression: o.CheckpointCompression.String(), Keep: o.KeepCheckpoints},
		Retention:  RetentionConfig{Default: o.Retention.Default.String()},
		Logging:    LoggingConfig{Level: "warn"},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Empty input
// yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	mode, _ := db.ParseDurabilityMode(c.Durability.Mode)
	if c.Path == "" && mode != db.InMemory {
		return fmt.Errorf("%w: path is required for %s durability", ErrInvalidConfig, c.Durability.Mode)
	}
	return nil
}

// Options converts the configuration to db.Options. Call Validate first;
// Load and Parse already do.
func (c *Config) Options() (*db.Options, error) {
	o := db.DefaultOptions()
	o.CreateIfMissing = c.CreateIfMissing
	o.ErrorIfExists = c.ErrorIfExists

	var err error
	if o.Durability, err = db.ParseDurabilityMode(c.Durability.Mode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	o.SyncInterval = c.Durability.SyncInterval
	o.SyncThreshold = c.Durability.SyncThreshold
	o.WALBufferSize = c.Durability.BufferSize
	o.SegmentSize = c.WAL.SegmentSize
	o.KeepCheckpoints = c.Checkpoint.Keep
	if o.CheckpointCompression, err = compression.Parse(c.Checkpoint.Compression); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if o.Retention.Default, err = db.ParseRetentionPolicy(c.Retention.Default); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(c.Retention.Namespaces) > 0 {
		o.Retention.Namespaces = make(map[db.Namespace]db.RetentionPolicy, len(c.Retention.Namespaces))
		for name, raw := range c.Retention.Namespaces {
			ns, err := db.ParseNamespace(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			if o.Retention.Namespaces[ns], err = db.ParseRetentionPolicy(raw); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
		}
	}

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	o.Logger = logging.NewDefaultLogger(level)

	if c.Metrics.Enabled {
		o.MetricsRegisterer = prometheus.DefaultRegisterer
	}
	return o, nil
}

// Open opens the database the configuration describes.
func (c *Config) Open() (*db.DB, error) {
	o, err := c.Options()
	if err != nil {
		return nil, err
	}
	return db.Open(c.Path, o)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("durability", parses(db.ParseDurabilityMode))
	_ = v.RegisterValidation("compression", parses(compression.Parse))
	_ = v.RegisterValidation("retention", parses(db.ParseRetentionPolicy))
	_ = v.RegisterValidation("namespace", parses(db.ParseNamespace))
	_ = v.RegisterValidation("loglevel", parses(logging.ParseLevel))
	return v
}

// parses adapts a string parser to a validator.Func.
func parses[T any](parse func(string) (T, error)) validator.Func {
	return func(fl validator.FieldLevel) bool {
		_, err := parse(fl.Field().String())
		return err == nil
	}
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s: invalid %s %q", field, fe.Tag(), fmt.Sprint(fe.Value()))
	}
}
