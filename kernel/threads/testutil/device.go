package testutil

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/hwsim"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// QuietLogger discards everything below FATAL.
func QuietLogger() *utils.Logger {
	return utils.NewLogger(utils.LoggerConfig{Level: utils.FATAL, Output: io.Discard})
}

// SmallConfig is a device configuration sized for unit tests.
func SmallConfig() gpu.Config {
	cfg := gpu.DefaultConfig()
	cfg.Width = 64
	cfg.Height = 48
	cfg.ClearPixelBudget = 64 * 48
	cfg.PhysicalMemory = 8 << 20
	cfg.GGTTEntries = 1024
	cfg.PollInterval = time.Millisecond
	cfg.EngineInterval = time.Millisecond
	return cfg
}

// Rig is a device wired to a builder-backed channel and a mock sink.
type Rig struct {
	Device  *gpu.Device
	Channel *ChannelBuilder
	Sink    *MockDisplaySink
}

// NewRig builds a device over a fresh 4KB channel. The sink accepts every
// flush unless accept is false, in which case the caller programs it.
func NewRig(t testing.TB, cfg gpu.Config, accept bool) *Rig {
	t.Helper()
	ch := NewChannelBuilder(4096)
	require.NoError(t, ch.Err())
	sink := &MockDisplaySink{}
	if accept {
		sink.AcceptAll()
	}
	dev, err := gpu.New(cfg, ch.Memory(), sink, QuietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return &Rig{Device: dev, Channel: ch, Sink: sink}
}

// Batch creates a one-page buffer whose first dword is op.
func (r *Rig) Batch(t testing.TB, op uint32) uint32 {
	t.Helper()
	info, err := r.Device.CreateBuffer(common.PageSize, 0)
	require.NoError(t, err)
	word := []byte{byte(op), byte(op >> 8), byte(op >> 16), byte(op >> 24)}
	require.NoError(t, r.Device.WriteBuffer(info.ID, 0, word))
	return info.ID
}

// EndBatch creates a batch that completes.
func (r *Rig) EndBatch(t testing.TB) uint32 { return r.Batch(t, hwsim.BatchEndOpcode) }

// FaultBatch creates a batch that faults the engine.
func (r *Rig) FaultBatch(t testing.TB) uint32 { return r.Batch(t, hwsim.BatchFaultOpcode) }

// Settle alternates engine steps and device polls until the channel is
// drained, both ports are idle and no work is queued.
func (r *Rig) Settle(t testing.TB) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		r.Device.Engine().Step()
		r.Device.Poll()
		st := r.Device.Stats()
		if st.Scheduler.Queued == 0 && !r.Device.Engine().Busy() && !r.Channel.busy() {
			r.Device.Poll()
			return
		}
	}
	t.Fatal("device never settled")
}

// Queued returns the scheduler's queued entry count.
func (r *Rig) Queued() int { return r.Device.Stats().Scheduler.Queued }
