package hwsim

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/ggtt"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

type rig struct {
	mgr    *gem.Manager
	gtt    *ggtt.Table
	sched  *execlist.Scheduler
	engine *Engine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := utils.NewLogger(utils.LoggerConfig{Level: utils.FATAL, Output: io.Discard})
	mgr, err := gem.NewManager(sab.NewInMemoryProvider(4<<20), logger)
	require.NoError(t, err)
	gtt, err := ggtt.New(1024, logger)
	require.NoError(t, err)
	sched, err := execlist.New(execlist.DefaultConfig(), mgr, gtt, logger)
	require.NoError(t, err)
	engine := New(gtt, mgr.Memory(), sched.StatusAddress(), logger)
	sched.AttachEngine(engine)
	return &rig{mgr: mgr, gtt: gtt, sched: sched, engine: engine}
}

func (r *rig) batch(t *testing.T, op uint32) *gem.Object {
	t.Helper()
	obj, err := r.mgr.Allocate(common.PageSize, 0)
	require.NoError(t, err)
	require.NoError(t, obj.Pin())
	_, err = r.gtt.Map(obj)
	require.NoError(t, err)
	require.NoError(t, obj.Store32(0, op))
	return obj
}

func TestEngine_CompletesBatch(t *testing.T) {
	r := newRig(t)
	_, err := r.sched.CreateHWContextFor(1, 0)
	require.NoError(t, err)
	seq, err := r.sched.Submit(1, r.batch(t, BatchEndOpcode))
	require.NoError(t, err)
	assert.True(t, r.engine.Busy())

	assert.Equal(t, 1, r.engine.Step())
	assert.False(t, r.engine.Busy())
	assert.Equal(t, 1, r.sched.ProcessCompletions())

	fence, err := r.sched.FenceValue(1)
	require.NoError(t, err)
	assert.Equal(t, seq, fence)
	assert.Equal(t, Stats{Executed: 1}, r.engine.Stats())

	hw, err := r.sched.HWContext(1)
	require.NoError(t, err)
	phys, err := r.gtt.Translate(hw.ImageAddr + execlist.ImageRingHead)
	require.NoError(t, err)
	head, err := r.mgr.Memory().AtomicLoad32(uint32(phys))
	require.NoError(t, err)
	assert.Equal(t, uint32(execlist.RingCommandBytes), head, "ring head catches up with tail")
}

func TestEngine_FaultingBatch(t *testing.T) {
	r := newRig(t)
	_, err := r.sched.CreateHWContextFor(2, 0)
	require.NoError(t, err)
	_, err = r.sched.Submit(2, r.batch(t, BatchFaultOpcode))
	require.NoError(t, err)

	r.engine.Step()
	r.sched.ProcessCompletions()

	hw, err := r.sched.HWContext(2)
	require.NoError(t, err)
	assert.Equal(t, 1, hw.BanScore)
	assert.Equal(t, uint64(1), r.engine.Stats().Faults)
	fence, err := r.sched.FenceValue(2)
	require.NoError(t, err)
	assert.Zero(t, fence)
}

func TestEngine_UnmappedImageFaults(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.engine.Submit(0, uint64(5)<<32|0x300000|execlist.DescValid))
	r.engine.Step()

	off := r.sched.StatusAddress()
	ctx, err := r.engine.read32(off)
	require.NoError(t, err)
	bits, err := r.engine.read32(off + 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), ctx)
	assert.Equal(t, execlist.StatusFault, bits)
}

func TestEngine_SubmitValidation(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.engine.Submit(execlist.NumPorts, execlist.DescValid), common.ErrInvalidArgument)
	assert.ErrorIs(t, r.engine.Submit(0, 0x1000), common.ErrInvalidArgument)
	require.NoError(t, r.engine.Submit(0, 1<<32|0x1000|execlist.DescValid))
	assert.ErrorIs(t, r.engine.Submit(0, 1<<32|0x1000|execlist.DescValid), common.ErrBusy)
}

func TestEngine_FullStatusSlotDefers(t *testing.T) {
	r := newRig(t)
	_, err := r.sched.CreateHWContextFor(1, 0)
	require.NoError(t, err)

	// Occupy the slot the engine writes next
	statusBits := r.sched.StatusAddress() + 4
	require.NoError(t, r.engine.write32(statusBits, execlist.StatusComplete))

	_, err = r.sched.Submit(1, r.batch(t, BatchEndOpcode))
	require.NoError(t, err)
	assert.Zero(t, r.engine.Step())
	assert.True(t, r.engine.Busy())
	assert.Equal(t, uint64(1), r.engine.Stats().Deferred)

	require.NoError(t, r.engine.write32(statusBits, 0))
	assert.Equal(t, 1, r.engine.Step())
	assert.Equal(t, 1, r.sched.ProcessCompletions())
	assert.Equal(t, uint64(1), r.sched.Stats().Completed)
}

func TestEngine_RunStepsUntilCancelled(t *testing.T) {
	r := newRig(t)
	_, err := r.sched.CreateHWContextFor(1, 0)
	require.NoError(t, err)
	_, err = r.sched.Submit(1, r.batch(t, BatchEndOpcode))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool { return !r.engine.Busy() }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 1, r.sched.ProcessCompletions())
}
