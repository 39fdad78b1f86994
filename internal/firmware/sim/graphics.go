package sim

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"github.com/fogleman/gg"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

const bytesPerPixel = 4

func parsePixelFormat(s string) (firmware.PixelFormat, error) {
	switch strings.ToLower(s) {
	case "bgrx", "bgrx8888":
		return firmware.PixelBlueGreenRedReserved8Bit, nil
	case "rgbx", "rgbx8888":
		return firmware.PixelRedGreenBlueReserved8Bit, nil
	case "blt", "blt-only":
		return firmware.PixelBltOnly, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", s)
	}
}

// graphicsOutput is a GOP with a linear framebuffer sized for the
// largest mode.
type graphicsOutput struct {
	mem   *Memory
	fb    *bank
	modes []firmware.GraphicsMode

	mu      sync.Mutex
	current int
}

func newGraphicsOutput(mem *Memory, base uint64, p *GraphicsProfile) (*graphicsOutput, error) {
	g := &graphicsOutput{mem: mem, current: p.Current}
	var size uint64
	for _, mp := range p.Modes {
		format, err := parsePixelFormat(mp.Format)
		if err != nil {
			return nil, err
		}
		mode := firmware.GraphicsMode{
			Width:             mp.Width,
			Height:            mp.Height,
			PixelFormat:       format,
			PixelsPerScanLine: mp.Stride,
		}
		g.modes = append(g.modes, mode)
		size = max(size, modeBytes(mode))
	}
	fb, err := mem.addBank(base, hw.AlignUp(size, hw.PageSize))
	if err != nil {
		return nil, err
	}
	g.fb = fb
	return g, nil
}

func modeBytes(m firmware.GraphicsMode) uint64 {
	return uint64(m.PixelsPerScanLine) * uint64(m.Height) * bytesPerPixel
}

func (g *graphicsOutput) Modes() []firmware.GraphicsMode {
	return append([]firmware.GraphicsMode(nil), g.modes...)
}

func (g *graphicsOutput) SetMode(index int) error {
	if index < 0 || index >= len(g.modes) {
		return fmt.Errorf("%w: mode %d", firmware.ErrUnsupported, index)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = index
	clear(g.fb.data)
	return nil
}

func (g *graphicsOutput) CurrentMode() (int, firmware.GraphicsMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, g.modes[g.current]
}

func (g *graphicsOutput) Framebuffer() firmware.Framebuffer {
	_, mode := g.CurrentMode()
	if mode.PixelFormat == firmware.PixelBltOnly {
		return firmware.Framebuffer{}
	}
	return firmware.Framebuffer{Base: g.fb.base, Size: modeBytes(mode)}
}

// FramebufferImage converts the visible part of the framebuffer to an
// image. It reports false when the machine has no linear framebuffer.
func (m *Machine) FramebufferImage() (*image.RGBA, bool) {
	g := m.gop
	if g == nil {
		return nil, false
	}
	_, mode := g.CurrentMode()
	if mode.PixelFormat == firmware.PixelBltOnly {
		return nil, false
	}

	img := image.NewRGBA(image.Rect(0, 0, int(mode.Width), int(mode.Height)))
	m.mem.mu.RLock()
	defer m.mem.mu.RUnlock()
	for y := 0; y < int(mode.Height); y++ {
		row := g.fb.data[y*int(mode.PixelsPerScanLine)*bytesPerPixel:]
		for x := 0; x < int(mode.Width); x++ {
			px := row[x*bytesPerPixel:]
			c := color.RGBA{R: px[0], G: px[1], B: px[2], A: 0xff}
			if mode.PixelFormat == firmware.PixelBlueGreenRedReserved8Bit {
				c.R, c.B = px[2], px[0]
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, true
}

// Screenshot writes the framebuffer to path as PNG.
func (m *Machine) Screenshot(path string) error {
	img, ok := m.FramebufferImage()
	if !ok {
		return fmt.Errorf("machine has no linear framebuffer")
	}
	return gg.NewContextForRGBA(img).SavePNG(path)
}
