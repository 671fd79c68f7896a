package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err, "a missing config file is not an error")
	assert.Equal(t, ".gridkit.sock", cfg.Socket)
	assert.Equal(t, "2006-01-02", cfg.DateFormat)
	assert.Equal(t, "UTC", cfg.Zone)
	assert.False(t, cfg.Telemetry)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"socket: /tmp/g.sock\ndoc: doc.json\nzone: Europe/Paris\ntelemetry: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/g.sock", cfg.Socket)
	assert.Equal(t, "doc.json", cfg.Doc)
	assert.Equal(t, "Europe/Paris", cfg.Zone)
	assert.True(t, cfg.Telemetry)
	// Unset keys keep their defaults.
	assert.Equal(t, "2006-01-02", cfg.DateFormat)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gridkit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("zone: UTC\n"), 0o644))

	changed := make(chan Config, 4)
	stop, err := Watch(path, func(cfg Config) { changed <- cfg })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("zone: Asia/Tokyo\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "Asia/Tokyo", cfg.Zone)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
