package gpu

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty framebuffer", func(c *Config) { c.Width = 0 }},
		{"tiny memory", func(c *Config) { c.PhysicalMemory = 1 << 20 }},
		{"unaligned memory", func(c *Config) { c.PhysicalMemory = 32<<20 + 1 }},
		{"small ggtt", func(c *Config) { c.GGTTEntries = 16 }},
		{"no records", func(c *Config) { c.RecordsPerTick = 0 }},
		{"no poll interval", func(c *Config) { c.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), common.ErrInvalidArgument)
		})
	}
}

func TestDeviceState_String(t *testing.T) {
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "UNKNOWN", DeviceState(42).String())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpusim.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
width = 320
height = 200
poll_interval = "5ms"
log_level = "debug"

[flush_breaker]
max_failures = 2
open_timeout = "250ms"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(320), cfg.Width)
	assert.Equal(t, uint32(200), cfg.Height)
	assert.Equal(t, 5*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, uint32(2), cfg.FlushBreaker.MaxFailures)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushBreaker.OpenTimeout)
	assert.Equal(t, DefaultConfig().PhysicalMemory, cfg.PhysicalMemory, "unset keys keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "widht = 10\n"))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = LoadConfig(writeConfig(t, "width = 0\n"))
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = LoadConfig(writeConfig(t, "width = \n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
