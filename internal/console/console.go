// Package console formats loader output for the firmware text console:
// CRLF line endings, structured log records and styled fatal reports.
package console

import (
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Options controls console output.
type Options struct {
	Level slog.Leveler
	// Color enables ANSI styling. Without it styled text is stripped.
	Color bool
	// Width wraps report lines; zero disables wrapping.
	Width int
}

type crlfWriter struct {
	w      io.Writer
	lastCR bool
}

// CRLF returns a writer that turns bare "\n" into "\r\n". Existing "\r\n"
// pairs are left alone, including ones split across writes.
func CRLF(w io.Writer) io.Writer {
	if c, ok := w.(*crlfWriter); ok {
		return c
	}
	return &crlfWriter{w: w}
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	converted := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' && !c.lastCR {
			converted = append(converted, '\r')
		}
		converted = append(converted, b)
		c.lastCR = b == '\r'
	}
	if _, err := c.w.Write(converted); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewHandler returns a text handler writing to a firmware console. Record
// times are dropped: firmware clocks are unset or meaningless this early.
func NewHandler(w io.Writer, opts Options) slog.Handler {
	return slog.NewTextHandler(CRLF(w), &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
}

func NewLogger(w io.Writer, opts Options) *slog.Logger {
	return slog.New(NewHandler(w, opts))
}

// Field is one line of context in a Report.
type Field struct {
	Key   string
	Value string
}

// Report is a fatal diagnostic.
type Report struct {
	Title  string
	Fields []Field
	Footer string
}

var (
	titleStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	keyStyle   = ansi.Style{}.Bold()
)

func styled(s ansi.Style, text string) string {
	return s.String() + text + ansi.ResetStyle
}

// Render formats r with "\n" line endings.
func (r Report) Render(opts Options) string {
	var lines []string
	lines = append(lines, styled(titleStyle, "boot failed: "+r.Title))
	for _, f := range r.Fields {
		lines = append(lines, "  "+styled(keyStyle, f.Key+":")+" "+f.Value)
	}
	if r.Footer != "" {
		lines = append(lines, "", r.Footer)
	}

	out := strings.Join(lines, "\n") + "\n"
	if opts.Width > 0 {
		out = ansi.Wrap(out, opts.Width, "")
	}
	if !opts.Color {
		out = ansi.Strip(out)
	}
	return out
}

// WriteReport renders r onto a console.
func WriteReport(w io.Writer, r Report, opts Options) error {
	_, err := io.WriteString(CRLF(w), r.Render(opts))
	return err
}
