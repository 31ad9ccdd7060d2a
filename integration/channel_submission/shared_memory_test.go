//go:build unix

package channel_submission

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/cmdproc"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/threads/testutil"
)

// The device and the producer map the same file separately, the way a client
// process would.
func TestSharedMemoryChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel")
	const capacity = 1024

	driverMem, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
		Path: path, Size: sab.RegionSize(capacity), Create: true,
	})
	require.NoError(t, err)
	defer driverMem.Close()
	require.NoError(t, channel.Format(driverMem, capacity))

	clientMem, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{Path: path})
	require.NoError(t, err)
	defer clientMem.Close()
	writer, err := channel.NewWriter(clientMem)
	require.NoError(t, err)

	cfg := testutil.SmallConfig()
	sink := (&testutil.MockDisplaySink{}).AcceptAll()
	dev, err := gpu.New(cfg, driverMem, sink, testutil.QuietLogger())
	require.NoError(t, err)
	defer dev.Close()
	ctx, err := dev.CreateContext()
	require.NoError(t, err)
	runDevice(t, dev, cfg)

	for i := 0; i < 100; i++ {
		require.NoError(t, writeRetry(writer, cmdproc.OpRect, ctx, cmdproc.EncodeRect(int32(i%64), int32(i/64), 1, 1, 0xAA)))
	}
	require.Eventually(t, func() bool {
		return dev.Stats().Processor.Records == 100
	}, waitFor, time.Millisecond)

	assert.Zero(t, dev.Stats().ProtocolFaults)
	assert.Positive(t, sink.Flushes())
}

func TestSharedMemoryChannel_RejectsUnformatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel")
	mem, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
		Path: path, Size: sab.RegionSize(1024), Create: true,
	})
	require.NoError(t, err)
	defer mem.Close()

	_, err = gpu.New(testutil.SmallConfig(), mem, nil, testutil.QuietLogger())
	assert.Error(t, err)
}
