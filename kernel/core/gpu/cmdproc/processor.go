// Package cmdproc drains the command channel, decodes records, runs 2D and
// presentation primitives against the framebuffer and forwards batch
// submissions to the scheduler.
package cmdproc

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/channel"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/registry"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// Submitter accepts batch submissions decoded from the channel.
type Submitter interface {
	SubmitBatch(contextID, objectID uint32, priority int32) error
}

// Config bounds per-tick work.
type Config struct {
	RecordsPerTick   int
	ClearPixelBudget int
	// Malformed-record warnings allowed per context per second, plus burst.
	MalformedLogRate  int64
	MalformedLogBurst int64
	// Expected number of banned contexts, sizes the ban prefilter.
	BanCapacity uint
}

// DefaultConfig returns the standard per-tick limits.
func DefaultConfig() Config {
	return Config{
		RecordsPerTick:    4,
		ClearPixelBudget:  1 << 20,
		MalformedLogRate:  5,
		MalformedLogBurst: 10,
		BanCapacity:       1024,
	}
}

// Stats counts processed records.
type Stats struct {
	Records        uint64
	Malformed      uint64
	Submitted      uint64
	Dropped        uint64
	ProtocolErrors uint64
	Pixels         uint64
}

// Processor is driven from a single poll loop.
type Processor struct {
	config    Config
	channel   *channel.Consumer
	fb        *Framebuffer
	registry  *registry.Registry
	submitter Submitter
	logger    *utils.Logger

	warnLimiter *limiter.TokenBucket
	warnStore   store.Store

	flush atomic.Bool

	bannedMu sync.Mutex
	banned   *bloom.BloomFilter

	records        atomic.Uint64
	malformed      atomic.Uint64
	submitted      atomic.Uint64
	dropped        atomic.Uint64
	protocolErrors atomic.Uint64
	pixels         atomic.Uint64
}

// New wires a processor. submitter may be nil, in which case SUBMIT records
// are rejected.
func New(config Config, ch *channel.Consumer, fb *Framebuffer, reg *registry.Registry, submitter Submitter, logger *utils.Logger) *Processor {
	if logger == nil {
		logger = utils.DefaultLogger("cmdproc")
	}
	if config.RecordsPerTick <= 0 {
		config.RecordsPerTick = DefaultConfig().RecordsPerTick
	}
	if config.ClearPixelBudget <= 0 {
		config.ClearPixelBudget = DefaultConfig().ClearPixelBudget
	}
	if config.BanCapacity == 0 {
		config.BanCapacity = DefaultConfig().BanCapacity
	}
	p := &Processor{
		config:    config,
		channel:   ch,
		fb:        fb,
		registry:  reg,
		submitter: submitter,
		logger:    logger,
		banned:    bloom.NewWithEstimates(config.BanCapacity, 0.01),
	}
	if config.MalformedLogRate > 0 {
		p.warnStore = store.NewMemoryStore(time.Minute)
		p.warnLimiter, _ = limiter.NewTokenBucket(
			limiter.Config{
				Rate:     config.MalformedLogRate,
				Duration: time.Second,
				Burst:    config.MalformedLogBurst,
			},
			p.warnStore,
		)
	}
	return p
}

// Framebuffer returns the target framebuffer.
func (p *Processor) Framebuffer() *Framebuffer { return p.fb }

// Process handles up to RecordsPerTick records. A protocol error aborts the
// batch without consuming the offending record and is returned.
func (p *Processor) Process() (int, error) {
	handled := 0
	for handled < p.config.RecordsPerTick {
		if !p.channel.HasWork() {
			break
		}
		rec, err := p.channel.ReadNext()
		if errors.Is(err, common.ErrNoWork) {
			break
		}
		if err != nil {
			p.protocolErrors.Add(1)
			p.logger.Error("channel protocol error, aborting batch", utils.Err(err))
			return handled, err
		}

		if rec.Opcode == OpSubmit && p.bannedContext(rec.ContextID) {
			p.dropped.Add(1)
			p.warn(rec, common.NewError(common.ErrCodeBanned, "submission from banned context dropped"))
		} else if err := p.execute(rec); err != nil {
			p.malformed.Add(1)
			p.warn(rec, err)
		}
		if err := p.channel.Advance(rec.Size); err != nil {
			p.protocolErrors.Add(1)
			return handled, err
		}
		p.records.Add(1)
		handled++
	}
	return handled, nil
}

// RememberBan adds a banned context to the submission prefilter.
func (p *Processor) RememberBan(contextID uint32) {
	p.bannedMu.Lock()
	defer p.bannedMu.Unlock()
	p.banned.Add(contextKey(contextID))
}

// bannedContext drops SUBMIT records without decoding them. Filter hits are
// confirmed against the registry so a false positive still submits.
func (p *Processor) bannedContext(contextID uint32) bool {
	p.bannedMu.Lock()
	hit := p.banned.Test(contextKey(contextID))
	p.bannedMu.Unlock()
	if !hit {
		return false
	}
	ctx, err := p.registry.Find(contextID)
	return err == nil && ctx.Banned
}

func contextKey(id uint32) []byte {
	return strconv.AppendUint(nil, uint64(id), 10)
}

// TakeFlush reports and clears the flush-needed flag.
func (p *Processor) TakeFlush() bool {
	return p.flush.Swap(false)
}

// FlushPending reports the flag without clearing it.
func (p *Processor) FlushPending() bool {
	return p.flush.Load()
}

// MarkFlush sets the flush-needed flag, e.g. to retry a rejected flush.
func (p *Processor) MarkFlush() {
	p.flush.Store(true)
}

// Stats returns processing counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Records:        p.records.Load(),
		Malformed:      p.malformed.Load(),
		Submitted:      p.submitted.Load(),
		Dropped:        p.dropped.Load(),
		ProtocolErrors: p.protocolErrors.Load(),
		Pixels:         p.pixels.Load(),
	}
}

func (p *Processor) execute(rec channel.Record) error {
	want, known := payloadSizes[rec.Opcode]
	if !known {
		return common.ErrInvalid("unknown opcode %d", rec.Opcode)
	}
	if len(rec.Payload) != want {
		return common.ErrInvalid("%s payload is %d bytes, want %d", OpName(rec.Opcode), len(rec.Payload), want)
	}
	if rec.Opcode == OpNop {
		return nil
	}
	if _, err := p.registry.Find(rec.ContextID); err != nil {
		return err
	}

	pl := rec.Payload
	switch rec.Opcode {
	case OpClear:
		c := clearCmd{color: u32(pl, 0)}
		p.drew(p.fb.Clear(c.color, p.config.ClearPixelBudget))
	case OpRect:
		c := rectCmd{x: int32(u32(pl, 0)), y: int32(u32(pl, 1)), w: u32(pl, 2), h: u32(pl, 3), color: u32(pl, 4)}
		p.drew(p.fb.Fill(c.x, c.y, c.w, c.h, c.color))
	case OpCopy:
		c := copyCmd{sx: u32(pl, 0), sy: u32(pl, 1), dx: u32(pl, 2), dy: u32(pl, 3), w: u32(pl, 4), h: u32(pl, 5)}
		p.drew(p.fb.Copy(c.sx, c.sy, c.dx, c.dy, c.w, c.h))
	case OpPresent:
		c := presentCmd{dx: int32(u32(pl, 0)), dy: int32(u32(pl, 1))}
		return p.Present(rec.ContextID, c.dx, c.dy)
	case OpSubmit:
		c := submitCmd{objectID: u32(pl, 0), priority: int32(u32(pl, 1))}
		if p.submitter == nil {
			return common.NewError(common.ErrCodeNotReady, "no scheduler attached")
		}
		if err := p.submitter.SubmitBatch(rec.ContextID, c.objectID, c.priority); err != nil {
			return err
		}
		p.submitted.Add(1)
	}
	return nil
}

// Present copies the surface bound to contextID into the framebuffer.
func (p *Processor) Present(contextID uint32, dx, dy int32) error {
	surf, err := p.registry.SurfaceFor(contextID)
	if err != nil {
		return err
	}
	n, err := p.fb.Blit(surf, dx, dy)
	p.drew(n)
	return err
}

// drew accounts written pixels; zero-pixel operations still request a flush.
func (p *Processor) drew(pixels int) {
	p.pixels.Add(uint64(pixels))
	p.flush.Store(true)
}

func (p *Processor) warn(rec channel.Record, err error) {
	if p.warnLimiter != nil && !p.warnLimiter.Allow(strconv.FormatUint(uint64(rec.ContextID), 10)) {
		return
	}
	p.logger.Warn("record rejected",
		utils.String("op", OpName(rec.Opcode)),
		utils.Uint32("ctx", rec.ContextID),
		utils.Int("payload", len(rec.Payload)),
		utils.Err(err))
}
