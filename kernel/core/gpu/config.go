package gpu

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/threads/arena"
)

// Config holds device configuration. The TOML tags are read by cmd/gpusim.
type Config struct {
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`

	PhysicalMemory uint32 `toml:"physical_memory"`
	GGTTEntries    uint64 `toml:"ggtt_entries"`

	RecordsPerTick   int           `toml:"records_per_tick"`
	ClearPixelBudget int           `toml:"clear_pixel_budget"`
	PollInterval     time.Duration `toml:"poll_interval"`
	EngineInterval   time.Duration `toml:"engine_interval"`

	MalformedLogRate  int64 `toml:"malformed_log_rate"`
	MalformedLogBurst int64 `toml:"malformed_log_burst"`

	FlushBreaker BreakerConfig `toml:"flush_breaker"`

	WaitForFirmware   bool   `toml:"wait_for_firmware"`
	ErrorStateHistory int    `toml:"error_state_history"`
	LogLevel          string `toml:"log_level"`
}

// BreakerConfig tunes the circuit breaker around the display sink.
type BreakerConfig struct {
	MaxFailures uint32        `toml:"max_failures"`
	OpenTimeout time.Duration `toml:"open_timeout"`
}

// DefaultConfig returns a 640x480 device with 32MB of physical memory.
func DefaultConfig() Config {
	return Config{
		Width:             640,
		Height:            480,
		PhysicalMemory:    32 << 20,
		GGTTEntries:       16384, // 64MB of address space
		RecordsPerTick:    4,
		ClearPixelBudget:  640 * 480,
		PollInterval:      2 * time.Millisecond,
		EngineInterval:    time.Millisecond,
		MalformedLogRate:  5,
		MalformedLogBurst: 10,
		FlushBreaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: time.Second,
		},
		ErrorStateHistory: execlist.DefaultConfig().ErrorStateHistory,
		LogLevel:          "info",
	}
}

// Validate checks the configuration for values the device cannot run with.
func (c Config) Validate() error {
	if c.Width == 0 || c.Height == 0 {
		return common.ErrInvalid("framebuffer %dx%d is empty", c.Width, c.Height)
	}
	if c.PhysicalMemory < 2*arena.MAX_BUDDY_SIZE {
		return common.ErrInvalid("physical memory %d below minimum %d", c.PhysicalMemory, 2*arena.MAX_BUDDY_SIZE)
	}
	if c.PhysicalMemory%common.PageSize != 0 {
		return common.ErrInvalid("physical memory %d is not page aligned", c.PhysicalMemory)
	}
	if c.GGTTEntries < 64 {
		return common.ErrInvalid("ggtt needs at least 64 entries, got %d", c.GGTTEntries)
	}
	if c.RecordsPerTick <= 0 {
		return common.ErrInvalid("records per tick must be positive")
	}
	if c.PollInterval <= 0 || c.EngineInterval <= 0 {
		return common.ErrInvalid("poll and engine intervals must be positive")
	}
	return nil
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, common.ErrInvalid("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}
