// Package registry tracks client-visible contexts and the presentation
// surfaces bound to them.
package registry

import (
	"sync"
	"time"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

// SurfaceHandle is an opaque reference to registered surface memory. 0 is invalid.
type SurfaceHandle uint32

// SurfaceMemory is client-owned pixel storage. gem objects satisfy it.
type SurfaceMemory interface {
	ReadAt(offset uint64, p []byte) error
	Size() uint64
}

// Bytes adapts a plain byte slice to SurfaceMemory.
type Bytes []byte

func (b Bytes) Size() uint64 { return uint64(len(b)) }

func (b Bytes) ReadAt(offset uint64, p []byte) error {
	if offset+uint64(len(p)) > uint64(len(b)) || offset+uint64(len(p)) < offset {
		return common.ErrInvalid("surface read %#x+%d outside %d bytes", offset, len(p), len(b))
	}
	copy(p, b[offset:])
	return nil
}

// SurfaceDesc describes a surface's geometry.
type SurfaceDesc struct {
	Width    uint32
	Height   uint32
	RowBytes uint32
	Format   common.PixelFormat
	ObjectID uint32 // backing buffer object, 0 for client memory
}

// Surface is a bound surface as seen by presentation.
type Surface struct {
	Handle SurfaceHandle
	Desc   SurfaceDesc
	Mem    SurfaceMemory
}

// Context is a snapshot of a client context.
type Context struct {
	ID        uint32
	Alive     bool
	Surface   SurfaceHandle
	Banned    bool
	CreatedAt time.Time
}

type surfaceEntry struct {
	desc    SurfaceDesc
	mem     SurfaceMemory
	boundTo uint32
}

// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	contexts    map[uint32]*Context
	surfaces    map[SurfaceHandle]*surfaceEntry
	nextContext uint32
	nextSurface uint32
	logger      *utils.Logger
}

// New creates an empty registry.
func New(logger *utils.Logger) *Registry {
	if logger == nil {
		logger = utils.DefaultLogger("registry")
	}
	return &Registry{
		contexts: make(map[uint32]*Context),
		surfaces: make(map[SurfaceHandle]*surfaceEntry),
		logger:   logger,
	}
}

// Create allocates the next context id, starting at 1.
func (r *Registry) Create() Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextContext++
	ctx := &Context{ID: r.nextContext, Alive: true, CreatedAt: time.Now()}
	r.contexts[ctx.ID] = ctx
	r.logger.Debug("context created", utils.Uint32("ctx", ctx.ID))
	return *ctx
}

// Destroy kills a context and clears its surface binding. Surface memory is
// left alone.
func (r *Registry) Destroy(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[id]
	if !ok {
		return common.ErrContextNotFound(id)
	}
	r.unbindLocked(ctx)
	ctx.Alive = false
	delete(r.contexts, id)
	r.logger.Debug("context destroyed", utils.Uint32("ctx", id))
	return nil
}

// Find returns a snapshot of a live context.
func (r *Registry) Find(id uint32) (Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[id]
	if !ok {
		return Context{}, common.ErrContextNotFound(id)
	}
	return *ctx, nil
}

// MarkBanned records that the scheduler banned a context. A ban is permanent
// for the life of the context.
func (r *Registry) MarkBanned(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[id]
	if !ok {
		return common.ErrContextNotFound(id)
	}
	ctx.Banned = true
	r.logger.Info("context banned", utils.Uint32("ctx", id))
	return nil
}

// Count returns the number of live contexts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// RegisterSurface validates desc against mem and returns a handle for it.
func (r *Registry) RegisterSurface(desc SurfaceDesc, mem SurfaceMemory) (SurfaceHandle, error) {
	if err := validateSurface(desc, mem); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSurface++
	handle := SurfaceHandle(r.nextSurface)
	r.surfaces[handle] = &surfaceEntry{desc: desc, mem: mem}
	r.logger.Debug("surface registered",
		utils.Uint32("surface", uint32(handle)),
		utils.Uint32("width", desc.Width),
		utils.Uint32("height", desc.Height),
		utils.String("format", desc.Format.String()))
	return handle, nil
}

func validateSurface(desc SurfaceDesc, mem SurfaceMemory) error {
	bpp := desc.Format.BytesPerPixel()
	if bpp != 4 {
		return common.ErrInvalid("unsupported surface format %s", desc.Format)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return common.ErrInvalid("empty surface %dx%d", desc.Width, desc.Height)
	}
	if uint64(desc.RowBytes) < uint64(desc.Width)*uint64(bpp) {
		return common.ErrInvalid("row bytes %d shorter than a %d pixel row", desc.RowBytes, desc.Width)
	}
	if mem == nil {
		return common.ErrInvalid("surface has no memory")
	}
	need := uint64(desc.RowBytes)*uint64(desc.Height-1) + uint64(desc.Width)*uint64(bpp)
	if mem.Size() < need {
		return common.ErrInvalid("surface needs %d bytes, memory has %d", need, mem.Size())
	}
	return nil
}

// BindSurface binds handle to context id, replacing any previous binding. A
// surface is bound to at most one live context.
func (r *Registry) BindSurface(id uint32, handle SurfaceHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[id]
	if !ok {
		return common.ErrContextNotFound(id)
	}
	surf, ok := r.surfaces[handle]
	if !ok {
		return common.ErrSurfaceNotFound(uint32(handle))
	}
	if surf.boundTo != 0 && surf.boundTo != id {
		return common.ErrBusyf("surface %d is bound to context %d", handle, surf.boundTo)
	}
	if ctx.Surface != handle {
		r.unbindLocked(ctx)
	}
	surf.boundTo = id
	ctx.Surface = handle
	return nil
}

// UnbindSurface clears a context's binding.
func (r *Registry) UnbindSurface(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[id]
	if !ok {
		return common.ErrContextNotFound(id)
	}
	r.unbindLocked(ctx)
	return nil
}

// UnregisterSurface drops a handle, unbinding it first.
func (r *Registry) UnregisterSurface(handle SurfaceHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	surf, ok := r.surfaces[handle]
	if !ok {
		return common.ErrSurfaceNotFound(uint32(handle))
	}
	if ctx, ok := r.contexts[surf.boundTo]; ok {
		r.unbindLocked(ctx)
	}
	delete(r.surfaces, handle)
	return nil
}

// SurfaceFor returns the surface bound to a live context.
func (r *Registry) SurfaceFor(id uint32) (Surface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[id]
	if !ok {
		return Surface{}, common.ErrContextNotFound(id)
	}
	if ctx.Surface == 0 {
		return Surface{}, common.NewError(common.ErrCodeNotFound, "context has no bound surface").
			WithContext("context_id", id)
	}
	surf := r.surfaces[ctx.Surface]
	return Surface{Handle: ctx.Surface, Desc: surf.desc, Mem: surf.mem}, nil
}

// SurfacesFor returns the handles registered for a buffer object.
func (r *Registry) SurfacesFor(objectID uint32) []SurfaceHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SurfaceHandle
	for handle, surf := range r.surfaces {
		if objectID != 0 && surf.desc.ObjectID == objectID {
			out = append(out, handle)
		}
	}
	return out
}

func (r *Registry) unbindLocked(ctx *Context) {
	if ctx.Surface == 0 {
		return
	}
	if surf, ok := r.surfaces[ctx.Surface]; ok {
		surf.boundTo = 0
	}
	ctx.Surface = 0
}
