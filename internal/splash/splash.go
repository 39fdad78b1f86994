// Package splash draws the boot splash into a linear framebuffer. Drawing
// happens in an RGBA backbuffer which is converted to the framebuffer's
// pixel format on Flush.
package splash

import (
	"errors"
	"fmt"
	"image"

	"github.com/fogleman/gg"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

var ErrUnsupportedFormat = errors.New("unsupported framebuffer pixel format")

const (
	barWidthFraction = 0.5
	barHeight        = 12
)

// Screen is a drawing surface over one framebuffer.
type Screen struct {
	mem firmware.PhysicalMemory
	fb  sysinfo.Framebuffer
	ctx *gg.Context
}

func New(mem firmware.PhysicalMemory, fb *sysinfo.Framebuffer) (*Screen, error) {
	if fb == nil {
		return nil, errors.New("no framebuffer")
	}
	switch fb.Format {
	case firmware.PixelRedGreenBlueReserved8Bit, firmware.PixelBlueGreenRedReserved8Bit:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fb.Format)
	}
	if uint64(fb.Stride)*uint64(fb.Height)*4 > fb.Size {
		return nil, fmt.Errorf("framebuffer %s does not fit in %#x bytes", fb, fb.Size)
	}
	return &Screen{mem: mem, fb: *fb, ctx: gg.NewContext(int(fb.Width), int(fb.Height))}, nil
}

// Banner clears the screen and centres title on it.
func (s *Screen) Banner(title string) {
	w, h := float64(s.fb.Width), float64(s.fb.Height)
	s.ctx.SetRGB(0.05, 0.07, 0.12)
	s.ctx.Clear()

	s.ctx.SetRGB(0.35, 0.65, 1)
	s.ctx.SetLineWidth(4)
	s.ctx.DrawCircle(w/2, h/2-40, min(w, h)/10)
	s.ctx.Stroke()

	s.ctx.SetRGB(1, 1, 1)
	s.ctx.DrawStringAnchored(title, w/2, h/2+20, 0.5, 0.5)
}

// Progress draws a bar below the banner, fraction clamped to [0, 1].
func (s *Screen) Progress(fraction float64) {
	fraction = max(0, min(1, fraction))
	w, h := float64(s.fb.Width), float64(s.fb.Height)
	bw := w * barWidthFraction
	x, y := (w-bw)/2, h/2+50

	s.ctx.SetRGB(0.2, 0.2, 0.25)
	s.ctx.DrawRectangle(x, y, bw, barHeight)
	s.ctx.Fill()
	if fraction > 0 {
		s.ctx.SetRGB(0.35, 0.65, 1)
		s.ctx.DrawRectangle(x, y, bw*fraction, barHeight)
		s.ctx.Fill()
	}
}

// Flush writes the backbuffer into the framebuffer one scan line at a time.
func (s *Screen) Flush() error {
	im, ok := s.ctx.Image().(*image.RGBA)
	if !ok {
		return errors.New("splash backbuffer is not RGBA")
	}
	pitch := uint64(s.fb.Stride) * 4
	row := make([]byte, uint64(s.fb.Width)*4)
	for y := 0; y < int(s.fb.Height); y++ {
		src := im.Pix[y*im.Stride:]
		for x := 0; x < int(s.fb.Width); x++ {
			r, g, b := src[x*4], src[x*4+1], src[x*4+2]
			if s.fb.Format == firmware.PixelBlueGreenRedReserved8Bit {
				r, b = b, r
			}
			row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = r, g, b, 0
		}
		if _, err := s.mem.WriteAt(row, int64(s.fb.Base+uint64(y)*pitch)); err != nil {
			return fmt.Errorf("flush splash line %d: %w", y, err)
		}
	}
	return nil
}

// Image returns the backbuffer.
func (s *Screen) Image() image.Image { return s.ctx.Image() }
