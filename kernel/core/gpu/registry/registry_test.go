package registry

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/utils"
)

func newRegistry() *Registry {
	return New(utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Output: io.Discard}))
}

func surface(w, h uint32) (SurfaceDesc, Bytes) {
	return SurfaceDesc{Width: w, Height: h, RowBytes: w * 4, Format: common.FormatXRGB8888}, make(Bytes, w*h*4)
}

func TestCreate_MonotonicIDsFromOne(t *testing.T) {
	r := newRegistry()
	a := r.Create()
	b := r.Create()
	assert.Equal(t, uint32(1), a.ID)
	assert.Equal(t, uint32(2), b.ID)
	assert.True(t, a.Alive)

	require.NoError(t, r.Destroy(b.ID))
	c := r.Create()
	assert.Equal(t, uint32(3), c.ID, "ids are never reused")
	assert.Equal(t, 2, r.Count())
}

func TestFindAndDestroy(t *testing.T) {
	r := newRegistry()
	ctx := r.Create()

	found, err := r.Find(ctx.ID)
	require.NoError(t, err)
	assert.Equal(t, ctx.ID, found.ID)

	require.NoError(t, r.Destroy(ctx.ID))
	_, err = r.Find(ctx.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, r.Destroy(ctx.ID), common.ErrNotFound)
	_, err = r.Find(0)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMarkBanned(t *testing.T) {
	r := newRegistry()
	ctx := r.Create()
	assert.False(t, ctx.Banned)

	require.NoError(t, r.MarkBanned(ctx.ID))
	found, err := r.Find(ctx.ID)
	require.NoError(t, err)
	assert.True(t, found.Banned)
	assert.False(t, ctx.Banned, "snapshots are values")

	require.NoError(t, r.Destroy(ctx.ID))
	assert.ErrorIs(t, r.MarkBanned(ctx.ID), common.ErrNotFound)
}

func TestRegisterSurface_Validation(t *testing.T) {
	r := newRegistry()
	desc, mem := surface(4, 4)

	bad := desc
	bad.Format = common.FormatInvalid
	_, err := r.RegisterSurface(bad, mem)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	bad = desc
	bad.RowBytes = 8
	_, err = r.RegisterSurface(bad, mem)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = r.RegisterSurface(desc, mem[:40])
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	h, err := r.RegisterSurface(desc, mem)
	require.NoError(t, err)
	assert.NotZero(t, h)
}

func TestBindSurface_SingleOwner(t *testing.T) {
	r := newRegistry()
	a, b := r.Create(), r.Create()
	desc, mem := surface(2, 2)
	h, err := r.RegisterSurface(desc, mem)
	require.NoError(t, err)

	require.NoError(t, r.BindSurface(a.ID, h))
	require.NoError(t, r.BindSurface(a.ID, h), "rebinding to the same context is a no-op")
	assert.ErrorIs(t, r.BindSurface(b.ID, h), common.ErrBusy)
	assert.ErrorIs(t, r.BindSurface(b.ID, 99), common.ErrNotFound)

	got, err := r.SurfaceFor(a.ID)
	require.NoError(t, err)
	assert.Equal(t, h, got.Handle)
	assert.Equal(t, desc, got.Desc)

	// Destroying the owner releases the surface without touching its memory
	mem[0] = 0x5A
	require.NoError(t, r.Destroy(a.ID))
	require.NoError(t, r.BindSurface(b.ID, h))
	assert.Equal(t, byte(0x5A), mem[0])
}

func TestBindSurface_ReplacesPrevious(t *testing.T) {
	r := newRegistry()
	a, b := r.Create(), r.Create()
	d1, m1 := surface(2, 2)
	d2, m2 := surface(3, 3)
	h1, err := r.RegisterSurface(d1, m1)
	require.NoError(t, err)
	h2, err := r.RegisterSurface(d2, m2)
	require.NoError(t, err)

	require.NoError(t, r.BindSurface(a.ID, h1))
	require.NoError(t, r.BindSurface(a.ID, h2))
	require.NoError(t, r.BindSurface(b.ID, h1), "h1 was released by the rebind")

	require.NoError(t, r.UnbindSurface(a.ID))
	_, err = r.SurfaceFor(a.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, r.UnregisterSurface(h1))
	_, err = r.SurfaceFor(b.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, r.UnregisterSurface(h1), common.ErrNotFound)
}

func TestSurfacesFor(t *testing.T) {
	r := newRegistry()
	desc, mem := surface(2, 2)
	desc.ObjectID = 5
	h, err := r.RegisterSurface(desc, mem)
	require.NoError(t, err)
	assert.Equal(t, []SurfaceHandle{h}, r.SurfacesFor(5))
	assert.Empty(t, r.SurfacesFor(6))
}

func TestBytes_ReadAtBounds(t *testing.T) {
	b := Bytes{1, 2, 3, 4}
	p := make([]byte, 2)
	require.NoError(t, b.ReadAt(2, p))
	assert.Equal(t, []byte{3, 4}, p)
	assert.ErrorIs(t, b.ReadAt(3, p), common.ErrInvalidArgument)
}

func TestConcurrentLookupAndMutation(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ctx := r.Create()
				_ = r.Destroy(ctx.ID)
			}
		}()
		go func() {
			defer wg.Done()
			for j := uint32(0); j < 100; j++ {
				_, _ = r.Find(j)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Count())
}
