package channel_submission

import (
	"testing"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/cmdproc"
	"github.com/nmxmxh/inos_gpu/kernel/threads/testutil"
)

func BenchmarkRectRecords(b *testing.B) {
	cfg := testutil.SmallConfig()
	cfg.RecordsPerTick = 64
	r := testutil.NewRig(b, cfg, true)
	ctx, err := r.Device.CreateContext()
	if err != nil {
		b.Fatal(err)
	}
	payload := cmdproc.EncodeRect(0, 0, 8, 8, 0xFF)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Channel.Writer().Write(cmdproc.OpRect, ctx, payload); err != nil {
			r.Device.Poll()
			continue
		}
		if i%32 == 31 {
			r.Device.Poll()
		}
	}
}

func BenchmarkSubmitComplete(b *testing.B) {
	r := testutil.NewRig(b, testutil.SmallConfig(), true)
	ctx, err := r.Device.CreateContext()
	if err != nil {
		b.Fatal(err)
	}
	batch := r.EndBatch(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Device.SubmitBatch(ctx, batch, 0); err != nil {
			b.Fatal(err)
		}
		r.Device.Engine().Step()
		r.Device.Poll()
	}
}
