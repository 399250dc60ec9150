package config

import (
	"os"
	"path/filepath"
	"ringstore/storage"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 40, cfg.SegmentCount)
	assert.Equal(t, int64(1<<30), cfg.SegmentSize)
	assert.Equal(t, 300, cfg.SliceSize)
	assert.Equal(t, OverrideReject, cfg.Override)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dir: /var/lib/ring
segment_count: 10
segment_size: 104857600
flush_interval: 2s
override: rewind
`), 0o666))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ring", cfg.Dir)
	assert.Equal(t, "data-ringBuffer-", cfg.Prefix)
	assert.Equal(t, 10, cfg.SegmentCount)
	assert.Equal(t, int64(100<<20), cfg.SegmentSize)
	assert.Equal(t, 300, cfg.SliceSize)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, OverrideRewind, cfg.Override)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("segment_count: [1"), 0o666))
	_, err = Load(bad)
	assert.ErrorIs(t, err, storage.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no dir":            func(c *Config) { c.Dir = "" },
		"prefix with slash": func(c *Config) { c.Prefix = "a/b" },
		"no segments":       func(c *Config) { c.SegmentCount = 0 },
		"too many segments": func(c *Config) { c.SegmentCount = 65537 },
		"tiny segment":      func(c *Config) { c.SegmentSize = 4 },
		"huge segment":      func(c *Config) { c.SegmentSize = 1 << 32 },
		"zero slice":        func(c *Config) { c.SliceSize = 0 },
		"negative interval": func(c *Config) { c.FlushInterval = -time.Second },
		"unknown override":  func(c *Config) { c.Override = "patch" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), storage.ErrConfiguration)
		})
	}
}
