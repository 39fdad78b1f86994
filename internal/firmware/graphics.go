package firmware

import "fmt"

// PixelFormat follows EFI_GRAPHICS_PIXEL_FORMAT.
type PixelFormat uint32

const (
	PixelRedGreenBlueReserved8Bit PixelFormat = iota
	PixelBlueGreenRedReserved8Bit
	PixelBitMask
	PixelBltOnly
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRedGreenBlueReserved8Bit:
		return "rgbx8888"
	case PixelBlueGreenRedReserved8Bit:
		return "bgrx8888"
	case PixelBitMask:
		return "bitmask"
	case PixelBltOnly:
		return "blt-only"
	default:
		return fmt.Sprintf("pixel-format(%d)", uint32(f))
	}
}

// GraphicsMode is a mode advertised by the graphics output protocol.
type GraphicsMode struct {
	Width       uint32
	Height      uint32
	PixelFormat PixelFormat
	// PixelsPerScanLine may exceed Width.
	PixelsPerScanLine uint32
}

func (m GraphicsMode) String() string {
	return fmt.Sprintf("%dx%d %s", m.Width, m.Height, m.PixelFormat)
}

// Framebuffer is the linear framebuffer of the current mode.
type Framebuffer struct {
	Base uint64
	Size uint64
}

// GraphicsOutput is the subset of EFI_GRAPHICS_OUTPUT_PROTOCOL the loader
// needs.
type GraphicsOutput interface {
	Modes() []GraphicsMode
	SetMode(index int) error
	CurrentMode() (int, GraphicsMode)
	Framebuffer() Framebuffer
}
