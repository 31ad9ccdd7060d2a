package channel_submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
)

// runDevice drives the poll loop and the engine until the test ends.
func runDevice(t *testing.T, dev *gpu.Device, cfg gpu.Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error { return dev.Engine().Run(gctx, cfg.EngineInterval) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Wait())
	})
}

// writeRetry writes a record, waiting for the consumer while the ring is
// full. It is safe to call from producer goroutines.
func writeRetry(w *channel.Writer, op, ctx uint32, payload []byte) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := w.Write(op, ctx, payload)
		if err == nil || !errors.Is(err, common.ErrQueueFull) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(100 * time.Microsecond)
	}
}
