// Package config parses the loader's KEY=VALUE boot configuration file.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrMissingKernelPath = errors.New("kernel_path is not set")
	ErrMalformed         = errors.New("malformed configuration")
)

const (
	DefaultPhysicalMemoryOffset = 0xFFFF_8000_0000_0000
	DefaultKernelStackAddress   = 0xFFFF_FF80_0000_0000
	DefaultKernelStackPages     = 8
)

// Resolution is a requested framebuffer size.
type Resolution struct {
	Width  uint32
	Height uint32
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// BootConfig is the parsed configuration file. Optional fields are nil or
// empty when not present.
type BootConfig struct {
	KernelPath string
	Cmdline    string
	Resolution *Resolution
	InitrdPath string

	PhysicalMemoryOffset uint64
	KernelStackAddress   uint64
	KernelStackPages     uint64
	Splash               bool

	// Ignored holds best-effort entries whose value was rejected.
	Ignored []*Error
}

// Error carries the location of a configuration problem.
type Error struct {
	Line int
	Key  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Line > 0 && e.Key != "":
		return fmt.Sprintf("config line %d: %s: %v", e.Line, e.Key, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("config line %d: %v", e.Line, e.Err)
	case e.Key != "":
		return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
	default:
		return fmt.Sprintf("config: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func defaults() BootConfig {
	return BootConfig{
		PhysicalMemoryOffset: DefaultPhysicalMemoryOffset,
		KernelStackAddress:   DefaultKernelStackAddress,
		KernelStackPages:     DefaultKernelStackPages,
	}
}

// Parse reads newline separated KEY=VALUE entries. Blank lines and lines
// starting with '#' are skipped, unknown keys are ignored and the last
// occurrence of a key wins. Only the winning value of a key is validated.
// An invalid resolution is recorded in Ignored and leaves Resolution nil.
func Parse(text []byte) (*BootConfig, error) {
	if !utf8.Valid(text) {
		return nil, &Error{Err: fmt.Errorf("%w: not valid UTF-8", ErrMalformed)}
	}

	type entry struct {
		line  int
		key   string
		value string
	}
	latest := map[string]entry{}

	for idx, raw := range strings.Split(string(text), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, &Error{Line: idx + 1, Err: fmt.Errorf("%w: expected KEY=VALUE", ErrMalformed)}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, &Error{Line: idx + 1, Err: fmt.Errorf("%w: empty key", ErrMalformed)}
		}
		slot := key
		if key == "initramfs" {
			slot = "initrd_path"
		}
		latest[slot] = entry{line: idx + 1, key: key, value: value}
	}

	entries := make([]entry, 0, len(latest))
	for _, e := range latest {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.line - b.line })

	cfg := defaults()
	for _, e := range entries {
		err := cfg.set(e.key, e.value)
		if err == nil {
			continue
		}
		cfgErr := &Error{Line: e.line, Key: e.key, Err: err}
		if e.key == "resolution" {
			cfg.Ignored = append(cfg.Ignored, cfgErr)
			continue
		}
		return nil, cfgErr
	}

	if cfg.KernelPath == "" {
		return nil, &Error{Key: "kernel_path", Err: ErrMissingKernelPath}
	}
	return &cfg, nil
}

func (c *BootConfig) set(key, value string) error {
	switch key {
	case "kernel_path":
		c.KernelPath = value
	case "cmdline":
		c.Cmdline = value
	case "resolution":
		res, err := parseResolution(value)
		if err != nil {
			return err
		}
		c.Resolution = res
	case "initrd_path", "initramfs":
		c.InitrdPath = value
	case "physical_memory_offset":
		v, err := parseHex(value)
		if err != nil {
			return err
		}
		c.PhysicalMemoryOffset = v
	case "kernel_stack_address":
		v, err := parseHex(value)
		if err != nil {
			return err
		}
		c.KernelStackAddress = v
	case "kernel_stack_size":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil || v == 0 {
			return fmt.Errorf("%w: want a positive page count, got %q", ErrMalformed, value)
		}
		c.KernelStackPages = v
	case "splash":
		v, err := parseSwitch(value)
		if err != nil {
			return err
		}
		c.Splash = v
	}
	return nil
}

func parseResolution(value string) (*Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(value), "x")
	if !ok {
		return nil, fmt.Errorf("%w: want WIDTHxHEIGHT, got %q", ErrMalformed, value)
	}
	width, err := strconv.ParseUint(strings.TrimSpace(w), 10, 32)
	if err != nil || width == 0 {
		return nil, fmt.Errorf("%w: bad width in %q", ErrMalformed, value)
	}
	height, err := strconv.ParseUint(strings.TrimSpace(h), 10, 32)
	if err != nil || height == 0 {
		return nil, fmt.Errorf("%w: bad height in %q", ErrMalformed, value)
	}
	return &Resolution{Width: uint32(width), Height: uint32(height)}, nil
}

func parseHex(value string) (uint64, error) {
	digits, ok := strings.CutPrefix(strings.ToLower(value), "0x")
	if !ok {
		return 0, fmt.Errorf("%w: want a 0x-prefixed address, got %q", ErrMalformed, value)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(digits, "_", ""), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad address %q", ErrMalformed, value)
	}
	return v, nil
}

func parseSwitch(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: want on or off, got %q", ErrMalformed, value)
	}
}
