package sim

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Console is the firmware text console, backed by a VT emulator so tests
// can inspect what is on screen rather than the raw byte stream.
type Console struct {
	emu  *vt.SafeEmulator
	w, h int

	echo io.Writer

	closeOnce sync.Once
}

func NewConsole(width, height int) *Console {
	c := &Console{
		emu: vt.NewSafeEmulator(width, height),
		w:   width,
		h:   height,
	}
	swallowTerminalQueries(c.emu)
	go c.drainReplies()
	return c
}

// swallowTerminalQueries stops status and attribute queries from producing
// replies nobody reads.
func swallowTerminalQueries(emu *vt.SafeEmulator) {
	status := func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	}
	attributes := func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	}
	emu.RegisterCsiHandler('n', status)
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), status)
	emu.RegisterCsiHandler('c', attributes)
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), attributes)
}

func (c *Console) drainReplies() {
	buf := make([]byte, 256)
	for {
		if _, err := c.emu.Read(buf); err != nil {
			return
		}
	}
}

func (c *Console) Write(p []byte) (int, error) {
	n, err := c.emu.Write(p)
	if c.echo != nil {
		_, _ = c.echo.Write(p[:n])
	}
	return n, err
}

// Lines returns the screen contents with trailing blanks removed.
func (c *Console) Lines() []string {
	lines := make([]string, 0, c.h)
	for y := 0; y < c.h; y++ {
		var sb strings.Builder
		for x := 0; x < c.w; {
			cell := c.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb.WriteByte(' ')
				x++
				continue
			}
			sb.WriteString(cell.Content)
			x += max(cell.Width, 1)
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Text returns the screen contents as one string.
func (c *Console) Text() string {
	return strings.Join(c.Lines(), "\n")
}

func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		_ = c.emu.Close()
	})
	return nil
}
