package cmdproc

import (
	"encoding/binary"

	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/common"
	"github.com/nmxmxh/inos_gpu/kernel/core/gpu/registry"
)

// Framebuffer is a 32bpp little-endian pixel buffer. It is only touched from
// the poll loop.
type Framebuffer struct {
	Width  uint32
	Height uint32
	Stride uint32
	Pixels []byte
}

// NewFramebuffer wraps pixels, or allocates them when nil.
func NewFramebuffer(width, height uint32, pixels []byte) (*Framebuffer, error) {
	if width == 0 || height == 0 {
		return nil, common.ErrInvalid("framebuffer %dx%d is empty", width, height)
	}
	stride := width * 4
	need := uint64(stride) * uint64(height)
	if pixels == nil {
		pixels = make([]byte, need)
	}
	if uint64(len(pixels)) < need {
		return nil, common.ErrInvalid("framebuffer needs %d bytes, got %d", need, len(pixels))
	}
	return &Framebuffer{Width: width, Height: height, Stride: stride, Pixels: pixels[:need]}, nil
}

// Pixel returns the pixel at (x, y).
func (fb *Framebuffer) Pixel(x, y uint32) uint32 {
	return binary.LittleEndian.Uint32(fb.Pixels[y*fb.Stride+x*4:])
}

// clip intersects [pos, pos+length) with [0, limit).
func clip(pos int64, length uint32, limit uint32) (start, end uint32) {
	lo := pos
	hi := pos + int64(length)
	if lo < 0 {
		lo = 0
	}
	if hi > int64(limit) {
		hi = int64(limit)
	}
	if hi <= lo {
		return 0, 0
	}
	return uint32(lo), uint32(hi)
}

func (fb *Framebuffer) fillRow(y, x0, x1, color uint32) {
	row := fb.Pixels[y*fb.Stride:]
	for x := x0; x < x1; x++ {
		binary.LittleEndian.PutUint32(row[x*4:], color)
	}
}

// Fill paints the clipped rectangle and returns the pixels written.
func (fb *Framebuffer) Fill(x, y int32, w, h, color uint32) int {
	x0, x1 := clip(int64(x), w, fb.Width)
	y0, y1 := clip(int64(y), h, fb.Height)
	for row := y0; row < y1; row++ {
		fb.fillRow(row, x0, x1, color)
	}
	return int(x1-x0) * int(y1-y0)
}

// Clear paints up to budget pixels in row-major order from the origin.
func (fb *Framebuffer) Clear(color uint32, budget int) int {
	total := int(fb.Width) * int(fb.Height)
	if budget < total {
		total = budget
	}
	written := 0
	for y := uint32(0); y < fb.Height && written < total; y++ {
		n := total - written
		if n > int(fb.Width) {
			n = int(fb.Width)
		}
		fb.fillRow(y, 0, uint32(n), color)
		written += n
	}
	return written
}

// Copy blits a rectangle within the framebuffer, clamped so both source and
// destination stay in bounds. Overlapping rectangles are handled.
func (fb *Framebuffer) Copy(sx, sy, dx, dy, w, h uint32) int {
	if sx >= fb.Width || dx >= fb.Width || sy >= fb.Height || dy >= fb.Height {
		return 0
	}
	w = min(w, fb.Width-sx, fb.Width-dx)
	h = min(h, fb.Height-sy, fb.Height-dy)
	if w == 0 || h == 0 {
		return 0
	}
	n := w * 4
	copyRow := func(r uint32) {
		src := (sy+r)*fb.Stride + sx*4
		dst := (dy+r)*fb.Stride + dx*4
		copy(fb.Pixels[dst:dst+n], fb.Pixels[src:src+n])
	}
	if dy > sy {
		for r := h; r > 0; r-- {
			copyRow(r - 1)
		}
	} else {
		for r := uint32(0); r < h; r++ {
			copyRow(r)
		}
	}
	return int(w) * int(h)
}

// Blit copies a surface into the framebuffer at (dx, dy) row by row, clamped
// to both extents and both row strides.
func (fb *Framebuffer) Blit(surf registry.Surface, dx, dy int32) (int, error) {
	d := surf.Desc
	x0, x1 := clip(int64(dx), d.Width, fb.Width)
	y0, y1 := clip(int64(dy), d.Height, fb.Height)
	if x1 == x0 || y1 == y0 {
		return 0, nil
	}
	srcX := uint64(int64(x0) - int64(dx))
	srcY := uint64(int64(y0) - int64(dy))

	n := uint64(x1-x0) * 4
	if srcRow := uint64(d.RowBytes) - srcX*4; n > srcRow {
		n = srcRow
	}
	if dstRow := uint64(fb.Stride) - uint64(x0)*4; n > dstRow {
		n = dstRow
	}
	for row := uint64(0); row < uint64(y1-y0); row++ {
		srcOff := (srcY+row)*uint64(d.RowBytes) + srcX*4
		dstOff := uint64(y0+uint32(row))*uint64(fb.Stride) + uint64(x0)*4
		if err := surf.Mem.ReadAt(srcOff, fb.Pixels[dstOff:dstOff+n]); err != nil {
			return int(row) * int(n/4), err
		}
	}
	return int(y1-y0) * int(n/4), nil
}
