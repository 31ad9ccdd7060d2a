package common

// Hardware geometry shared by the memory manager, the mapper and the scheduler.
const (
	PageSize  = 4096
	PageShift = 12
	PageMask  = ^uint64(PageSize - 1)
)

// PixelFormat identifies a surface/framebuffer pixel layout.
type PixelFormat uint32

const (
	FormatInvalid  PixelFormat = 0
	FormatXRGB8888 PixelFormat = 1
	FormatARGB8888 PixelFormat = 2
)

// BytesPerPixel returns the pixel size, 0 for unsupported formats.
func (f PixelFormat) BytesPerPixel() uint32 {
	switch f {
	case FormatXRGB8888, FormatARGB8888:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatXRGB8888:
		return "XRGB8888"
	case FormatARGB8888:
		return "ARGB8888"
	default:
		return "INVALID"
	}
}

// PagesFor returns the number of pages needed to hold size bytes.
func PagesFor(size uint64) uint64 {
	pages := size >> PageShift
	if size&(PageSize-1) != 0 {
		pages++
	}
	return pages
}
