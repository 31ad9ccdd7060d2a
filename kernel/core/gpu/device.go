// Package gpu ties the command-submission core together into a Device: a
// single-owner poll loop draining the command channel and the status buffer,
// plus the client-facing operations.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/cmdproc"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/execlist"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/gem"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/ggtt"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/hwsim"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/registry"
	"github.com/nmxmxh/inos_gpu/kernel/threads/sab"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// FramebufferInfo is what the display sink scans out.
type FramebufferInfo struct {
	Pixels     []byte
	Width      uint32
	Height     uint32
	Stride     uint32
	Format     common.PixelFormat
	GPUAddress uint64
}

// DisplaySink consumes flush requests. It never gets called from more than
// one goroutine at a time.
type DisplaySink interface {
	RequestFlush(fb FramebufferInfo) error
}

// Device owns every component of the submission core. Client operations and
// poll ticks are serialized by one mutex; a second tick arriving while one is
// running is skipped.
type Device struct {
	state  atomic.Int32
	config Config
	logger *utils.Logger

	physical sab.MemoryProvider
	gem      *gem.Manager
	gtt      *ggtt.Table
	registry *registry.Registry
	sched    *execlist.Scheduler
	engine   *hwsim.Engine
	channel  *channel.Consumer
	proc     *cmdproc.Processor

	fbObj *gem.Object
	fb    *cmdproc.Framebuffer

	sink    DisplaySink
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	buffers map[uint32]*gem.Object

	polling        atomic.Bool
	ticks          atomic.Uint64
	skippedTicks   atomic.Uint64
	flushes        atomic.Uint64
	flushFailures  atomic.Uint64
	protocolFaults atomic.Uint64
	startTime      time.Time
}

// New builds a device over the shared channel region. sink may be nil.
func New(config Config, channelMem sab.MemoryProvider, sink DisplaySink, logger *utils.Logger) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		level, err := utils.ParseLevel(config.LogLevel)
		if err != nil {
			level = utils.INFO
		}
		logger = utils.NewLogger(utils.LoggerConfig{Level: level, Component: "gpu", Colorize: true})
	}
	logger = logger.With(utils.String("device", utils.GenerateID()))

	d := &Device{
		config:       config,
		logger:       logger,
		physical:     sab.NewInMemoryProvider(config.PhysicalMemory),
		registry:     registry.New(logger.Named("registry")),
		sink:         sink,
		buffers:      make(map[uint32]*gem.Object),
		startTime:    time.Now(),
	}

	var err error
	if d.gem, err = gem.NewManager(d.physical, logger.Named("gem")); err != nil {
		return nil, err
	}
	if d.gtt, err = ggtt.New(config.GGTTEntries, logger.Named("ggtt")); err != nil {
		return nil, err
	}
	if err := d.initFramebuffer(); err != nil {
		return nil, fmt.Errorf("framebuffer: %w", err)
	}

	d.sched, err = execlist.New(execlist.Config{
		WaitForFirmware:   config.WaitForFirmware,
		ErrorStateHistory: config.ErrorStateHistory,
	}, d.gem, d.gtt, logger.Named("execlist"))
	if err != nil {
		return nil, err
	}
	d.sched.OnBan(d.rememberBan)
	d.engine = hwsim.New(d.gtt, d.physical, d.sched.StatusAddress(), logger.Named("hwsim"))
	d.sched.AttachEngine(d.engine)

	if d.channel, err = channel.Attach(channelMem); err != nil {
		return nil, fmt.Errorf("attach channel: %w", err)
	}
	d.proc = cmdproc.New(cmdproc.Config{
		RecordsPerTick:    config.RecordsPerTick,
		ClearPixelBudget:  config.ClearPixelBudget,
		MalformedLogRate:  config.MalformedLogRate,
		MalformedLogBurst: config.MalformedLogBurst,
		BanCapacity:       execlist.MaxHWContexts * 64,
	}, d.channel, d.fb, d.registry, channelSubmitter{d}, logger.Named("cmdproc"))

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "display-flush",
		MaxRequests: 1,
		Timeout:     config.FlushBreaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.FlushBreaker.MaxFailures > 0 &&
				counts.ConsecutiveFailures >= config.FlushBreaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("display breaker state change",
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})

	if config.WaitForFirmware {
		d.state.Store(int32(StateWaitingForFirmware))
	} else {
		d.state.Store(int32(StateRunning))
	}
	logger.Info("device initialized",
		utils.Uint32("width", config.Width),
		utils.Uint32("height", config.Height),
		utils.Uint32("physical", config.PhysicalMemory),
		utils.Uint64("ggtt_entries", config.GGTTEntries),
		utils.Uint32("channel_capacity", d.channel.Capacity()),
		utils.String("state", d.State().String()))
	return d, nil
}

// initFramebuffer backs the framebuffer with a pinned, mapped scanout object.
// Framebuffers that do not fit one physical block fall back to heap memory.
func (d *Device) initFramebuffer() error {
	size := uint64(d.config.Width) * uint64(d.config.Height) * 4
	obj, err := d.gem.Allocate(size, gem.FlagScanout)
	if err != nil {
		return err
	}
	if err := obj.Pin(); err != nil {
		return err
	}
	if _, err := d.gtt.Map(obj); err != nil {
		return err
	}
	pixels, err := obj.CPUView()
	if err != nil {
		d.logger.Warn("framebuffer is not contiguous, using heap pixels", utils.Err(err))
		pixels = nil
	}
	fb, err := cmdproc.NewFramebuffer(d.config.Width, d.config.Height, pixels)
	if err != nil {
		return err
	}
	d.fbObj = obj
	d.fb = fb
	return nil
}

// Engine returns the simulated render engine.
func (d *Device) Engine() *hwsim.Engine { return d.engine }

// Framebuffer describes the scanout buffer.
func (d *Device) Framebuffer() FramebufferInfo {
	return FramebufferInfo{
		Pixels:     d.fb.Pixels,
		Width:      d.fb.Width,
		Height:     d.fb.Height,
		Stride:     d.fb.Stride,
		Format:     common.FormatXRGB8888,
		GPUAddress: d.fbObj.GPUAddress(),
	}
}

// Poll runs one tick: drain up to RecordsPerTick channel records, drain the
// status buffer, then hand a pending flush to the display sink. It returns
// false when another tick was already running.
func (d *Device) Poll() bool {
	if !d.polling.CompareAndSwap(false, true) {
		d.skippedTicks.Add(1)
		return false
	}
	defer d.polling.Store(false)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == StateStopped {
		return false
	}

	if _, err := d.proc.Process(); err != nil {
		// The processor already logged it; the record stays for the next tick
		d.protocolFaults.Add(1)
	}
	d.sched.ProcessCompletions()
	_ = d.flushLocked()
	d.ticks.Add(1)
	return true
}

// Run polls every PollInterval until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Poll()
		}
	}
}

// flushLocked forwards a pending flush through the breaker. A failed or
// refused flush stays pending.
func (d *Device) flushLocked() error {
	if !d.proc.TakeFlush() {
		return nil
	}
	if d.sink == nil {
		return nil
	}
	info := d.Framebuffer()
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.sink.RequestFlush(info)
	})
	if err != nil {
		d.proc.MarkFlush()
		d.flushFailures.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return common.WrapError(common.ErrCodeBusy, "display flush circuit open", err)
		}
		d.logger.Warn("display flush failed", utils.Err(err))
		return common.WrapError(common.ErrCodeNotReady, "display flush failed", err)
	}
	d.flushes.Add(1)
	return nil
}

// rememberBan runs outside the scheduler lock once a context crosses the ban
// threshold.
func (d *Device) rememberBan(contextID uint32) {
	if err := d.registry.MarkBanned(contextID); err != nil {
		d.logger.Debug("banned context already destroyed", utils.Uint32("ctx", contextID))
	}
	d.proc.RememberBan(contextID)
}

// MarkReady reports that the firmware is loaded; queued work starts running.
func (d *Device) MarkReady() {
	d.sched.SetReady(true)
	d.transitionState(StateWaitingForFirmware, StateRunning)
}

// Close stops the device. Further client operations fail with NOT_READY.
// Physical memory stays valid for goroutines still stepping the engine.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == StateStopped {
		return nil
	}
	d.state.Store(int32(StateStopped))
	d.sched.SetReady(false)
	d.logger.Info("device stopped",
		utils.Duration("uptime", time.Since(d.startTime)),
		utils.Uint64("ticks", d.ticks.Load()))
	return nil
}

// channelSubmitter forwards SUBMIT records from within a poll tick, which
// already holds the device lock.
type channelSubmitter struct{ d *Device }

func (s channelSubmitter) SubmitBatch(contextID, objectID uint32, priority int32) error {
	_, err := s.d.submitLocked(contextID, objectID, priority)
	return err
}
