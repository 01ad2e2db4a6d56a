package configuration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.GCInterval = 0 }},
		{"negative interval", func(c *Config) { c.GCInterval = -time.Second }},
		{"zero min blocks", func(c *Config) { c.GCMinBlocks = 0 }},
		{"zero target duration", func(c *Config) { c.GCTargetDuration = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: got %v, want ErrInvalid", tc.name, err)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	raw := `{
		"path": "/var/lib/vault",
		"maxBlocks": 1000,
		"maxBytes": 1048576,
		"gcInterval": "5m",
		"gcMinBlocks": 64,
		"gcTargetDuration": "250ms",
		"logLevel": "debug",
		"logFormat": "json"
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Path != "/var/lib/vault" {
		t.Fatalf("Path: got %q", cfg.Path)
	}
	if cfg.MaxBlocks != 1000 || cfg.MaxBytes != 1048576 {
		t.Fatalf("budgets: got %d/%d", cfg.MaxBlocks, cfg.MaxBytes)
	}
	if cfg.GCInterval != 5*time.Minute {
		t.Fatalf("GCInterval: got %s", cfg.GCInterval)
	}
	if cfg.GCMinBlocks != 64 {
		t.Fatalf("GCMinBlocks: got %d", cfg.GCMinBlocks)
	}
	if cfg.GCTargetDuration != 250*time.Millisecond {
		t.Fatalf("GCTargetDuration: got %s", cfg.GCTargetDuration)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("logging: got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadKeepsDefaultsForAbsentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	if err := os.WriteFile(path, []byte(`{"maxBlocks": 7}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	def := Default()
	if cfg.MaxBlocks != 7 {
		t.Fatalf("MaxBlocks: got %d want 7", cfg.MaxBlocks)
	}
	if cfg.GCInterval != def.GCInterval {
		t.Fatalf("GCInterval: got %s want default %s", cfg.GCInterval, def.GCInterval)
	}
	if cfg.GCMinBlocks != def.GCMinBlocks {
		t.Fatalf("GCMinBlocks: got %d want default", cfg.GCMinBlocks)
	}
	if cfg.Path != "" {
		t.Fatalf("Path: got %q want empty", cfg.Path)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"gcInterval": "soon"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(bad)
	if err == nil {
		t.Fatalf("expected error for bad duration")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}

	garbled := filepath.Join(t.TempDir(), "garbled.json")
	if err := os.WriteFile(garbled, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(garbled); err == nil {
		t.Fatalf("expected error for unparsable file")
	}
}
