package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/vcrypto/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("device:\n  backend: vdpa\n  queue_size: 256\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("device:\n  backend: memory\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not yaml: ["), 0o600))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "memory", c.GetString("device.backend", ""))
	assert.Equal(t, 256, c.GetInt("device.queue_size", 0))

	c = NewC(l)
	assert.Error(t, c.Load(filepath.Join(dir, "missing.yaml")))

	c = NewC(l)
	assert.ErrorContains(t, c.Load(t.TempDir()), "no config files found")
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(test.NewLogger())
	assert.Error(t, c.LoadString(""))
	assert.Error(t, c.LoadString(" invalid yaml"))
	require.NoError(t, c.LoadString("control:\n  timeout: 2s"))
	assert.Equal(t, 2*time.Second, c.GetDuration("control.timeout", 0))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["device"] = map[string]any{"path": "/dev/vhost-vdpa-1"}
	assert.Equal(t, "/dev/vhost-vdpa-1", c.Get("device.path"))
	assert.True(t, c.IsSet("device.path"))
	assert.Nil(t, c.Get("device.nope"))
	assert.Nil(t, c.Get("device.path.deeper"))
	assert.False(t, c.IsSet("nope"))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(test.NewLogger())
	tests := []struct {
		v    any
		d    bool
		want bool
	}{
		{true, false, true},
		{"true", false, true},
		{false, true, false},
		{"false", true, false},
		{"Y", false, true},
		{"yEs", false, true},
		{"N", true, false},
		{"nO", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		c.Settings["bool"] = tt.v
		assert.Equal(t, tt.want, c.GetBool("bool", tt.d), "value %v", tt.v)
	}
}

func TestConfig_GetInt(t *testing.T) {
	c := NewC(test.NewLogger())
	c.Settings["n"] = 16
	assert.Equal(t, 16, c.GetInt("n", 0))
	c.Settings["n"] = "x"
	assert.Equal(t, 3, c.GetInt("n", 3))
	assert.Equal(t, 4, c.GetInt("missing", 4))
}

func TestConfig_GetByteSize(t *testing.T) {
	c := NewC(test.NewLogger())
	tests := []struct {
		v    any
		want int
	}{
		{4096, 4096},
		{"512B", 512},
		{"64KiB", 64 << 10},
		{"1 MiB", 1 << 20},
		{"2GiB", 2 << 30},
		{"-1", 7},
		{"lots", 7},
		{"", 7},
	}
	for _, tt := range tests {
		c.Settings["size"] = tt.v
		assert.Equal(t, tt.want, c.GetByteSize("size", 7), "value %v", tt.v)
	}
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfig(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()
	path := filepath.Join(dir, "vcrypto.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	c := NewC(l)
	require.NoError(t, c.Load(path))
	assert.True(t, c.InitialLoad())
	assert.False(t, c.HasChanged("logging.level"))

	calls := 0
	c.RegisterReloadCallback(func(c *C) {
		calls++
	})

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	c.ReloadConfig()
	assert.Equal(t, 1, calls)
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("logging.level"))
	assert.Equal(t, "debug", c.GetString("logging.level", ""))

	// A failed reload keeps the settings and skips the callbacks.
	assert.Error(t, c.ReloadConfigString(""))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "debug", c.GetString("logging.level", ""))

	require.NoError(t, c.ReloadConfigString("logging:\n  level: warn\n"))
	assert.Equal(t, 2, calls)
	assert.Equal(t, "warn", c.GetString("logging.level", ""))
}
