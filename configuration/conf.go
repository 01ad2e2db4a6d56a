package configuration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

// ErrInvalid wraps every configuration validation failure. Construction
// paths treat it as fatal.
var ErrInvalid = errors.New("invalid configuration")

// Config carries the engine options. The zero value is not usable;
// start from Default().
type Config struct {
	// Path is the directory of the persistent store. Empty means an
	// ephemeral in-memory store.
	Path string

	// MaxBlocks and MaxBytes are the cache budgets: the garbage
	// collector removes unreachable blocks only while either budget is
	// exceeded. Zero keeps nothing that is unreachable.
	MaxBlocks uint64
	MaxBytes  uint64

	// GCInterval is the background sweep period.
	GCInterval time.Duration
	// GCMinBlocks caps how many blocks a single incremental pass
	// deletes before yielding.
	GCMinBlocks int
	// GCTargetDuration is the per-pass time budget.
	GCTargetDuration time.Duration

	// LogLevel and LogFormat configure the daemon logger
	// ("debug"/"info"/"warn"/"error", "text"/"json").
	LogLevel  string
	LogFormat string
}

func Default() Config {
	return Config{
		MaxBlocks: 0,
		MaxBytes:  0,

		GCInterval: time.Hour,
		// Permissive pass budgets: one pass is a full sweep.
		GCMinBlocks:      math.MaxInt,
		GCTargetDuration: time.Duration(math.MaxInt64),

		LogLevel:  "info",
		LogFormat: "text",
	}
}

func (c Config) Validate() error {
	if c.GCInterval <= 0 {
		return fmt.Errorf("%w: gc interval must be positive, got %s", ErrInvalid, c.GCInterval)
	}
	if c.GCMinBlocks < 1 {
		return fmt.Errorf("%w: gc min blocks per pass must be at least 1, got %d", ErrInvalid, c.GCMinBlocks)
	}
	if c.GCTargetDuration <= 0 {
		return fmt.Errorf("%w: gc target duration must be positive, got %s", ErrInvalid, c.GCTargetDuration)
	}
	return nil
}

// fileConfig is the JSON shape of a config file; durations are
// time.ParseDuration strings.
type fileConfig struct {
	Path             string  `json:"path,omitempty"`
	MaxBlocks        *uint64 `json:"maxBlocks,omitempty"`
	MaxBytes         *uint64 `json:"maxBytes,omitempty"`
	GCInterval       string  `json:"gcInterval,omitempty"`
	GCMinBlocks      *int    `json:"gcMinBlocks,omitempty"`
	GCTargetDuration string  `json:"gcTargetDuration,omitempty"`
	LogLevel         string  `json:"logLevel,omitempty"`
	LogFormat        string  `json:"logFormat,omitempty"`
}

// Load reads a JSON config file over Default(); absent fields keep
// their defaults. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if fc.Path != "" {
		cfg.Path = fc.Path
	}
	if fc.MaxBlocks != nil {
		cfg.MaxBlocks = *fc.MaxBlocks
	}
	if fc.MaxBytes != nil {
		cfg.MaxBytes = *fc.MaxBytes
	}
	if fc.GCInterval != "" {
		d, err := time.ParseDuration(fc.GCInterval)
		if err != nil {
			return cfg, fmt.Errorf("%w: gcInterval: %v", ErrInvalid, err)
		}
		cfg.GCInterval = d
	}
	if fc.GCMinBlocks != nil {
		cfg.GCMinBlocks = *fc.GCMinBlocks
	}
	if fc.GCTargetDuration != "" {
		d, err := time.ParseDuration(fc.GCTargetDuration)
		if err != nil {
			return cfg, fmt.Errorf("%w: gcTargetDuration: %v", ErrInvalid, err)
		}
		cfg.GCTargetDuration = d
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		cfg.LogFormat = fc.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
