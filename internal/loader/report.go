package loader

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tinyrange/ccboot/internal/bootinfo"
	"github.com/tinyrange/ccboot/internal/config"
	"github.com/tinyrange/ccboot/internal/console"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/handoff"
	"github.com/tinyrange/ccboot/internal/kernel"
	"github.com/tinyrange/ccboot/internal/paging"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

// Stage names a step of the boot pipeline.
type Stage string

const (
	StageConfig   Stage = "config"
	StageKernel   Stage = "kernel"
	StageInitrd   Stage = "initrd"
	StageSysinfo  Stage = "sysinfo"
	StageBootInfo Stage = "bootinfo"
	StagePaging   Stage = "paging"
	StageHandoff  Stage = "handoff"
)

// StageError records where in the pipeline a boot failed.
type StageError struct {
	Stage Stage
	// Path is the boot partition file involved, if any.
	Path string
	Err  error
}

func (e *StageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func wrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

var causes = []struct {
	err   error
	label string
}{
	{firmware.ErrNotFound, "file not found"},
	{config.ErrMissingKernelPath, "missing kernel_path"},
	{config.ErrMalformed, "malformed configuration"},
	{kernel.ErrUnsupportedFormat, "unsupported kernel format"},
	{kernel.ErrMisaligned, "misaligned kernel segment"},
	{kernel.ErrMalformed, "malformed kernel image"},
	{kernel.ErrOutOfMemory, "out of memory"},
	{paging.ErrUnsafePermissions, "writable and executable mapping"},
	{paging.ErrOverlap, "overlapping mapping"},
	{paging.ErrOutOfMemory, "out of memory"},
	{sysinfo.ErrMapUnstable, "memory map unstable"},
	{bootinfo.ErrRegionTooSmall, "boot info region too small"},
	{handoff.ErrExitServices, "exit boot services failed"},
	{firmware.ErrOutOfResources, "out of memory"},
}

// Diagnose extracts the location and cause of err for display.
func Diagnose(err error) console.Report {
	r := console.Report{Title: err.Error()}

	var se *StageError
	if errors.As(err, &se) {
		r.Title = se.Err.Error()
		r.Fields = append(r.Fields, console.Field{Key: "stage", Value: string(se.Stage)})
		if se.Path != "" {
			r.Fields = append(r.Fields, console.Field{Key: "file", Value: se.Path})
		}
	}

	var ce *config.Error
	if errors.As(err, &ce) {
		if ce.Line > 0 {
			r.Fields = append(r.Fields, console.Field{Key: "line", Value: strconv.Itoa(ce.Line)})
		}
		if ce.Key != "" {
			r.Fields = append(r.Fields, console.Field{Key: "key", Value: ce.Key})
		}
	}

	var sg *kernel.SegmentError
	if errors.As(err, &sg) {
		r.Fields = append(r.Fields,
			console.Field{Key: "segment", Value: strconv.Itoa(sg.Index)},
			console.Field{Key: "vaddr", Value: fmt.Sprintf("%#x", sg.VAddr)})
	}

	var re *paging.RegionError
	if errors.As(err, &re) {
		r.Fields = append(r.Fields, console.Field{Key: "region", Value: re.Region.String()})
	}

	for _, c := range causes {
		if errors.Is(err, c.err) {
			r.Fields = append(r.Fields, console.Field{Key: "cause", Value: c.label})
			break
		}
	}
	return r
}

// Report writes a plain text diagnosis of err to w.
func Report(w io.Writer, err error) error {
	return console.WriteReport(w, Diagnose(err), console.Options{})
}

// Main boots and, if that fails before ExitBootServices was called,
// reports the failure on the console, waits for a key when there is
// console input and resets. Once exit has been attempted the console and
// keyboard are off limits: the handoff reports through runtime
// diagnostics and resets by itself. Main only returns if the reset does.
func (l *Loader) Main(boot *firmware.Boot) error {
	err := l.Boot(boot)
	if err == nil || boot.ExitAttempted() {
		return err
	}

	r := Diagnose(err)
	keys, wait := boot.ConsoleIn()
	if wait {
		r.Footer = "Press any key to reset."
	} else {
		r.Footer = "Resetting."
	}
	if l.log != nil {
		l.log.Error("boot failed", "error", err)
	}
	_ = console.WriteReport(boot.ConsoleOut(), r, console.Options{Color: l.Color})
	if wait {
		_, _ = keys.ReadKey()
	}
	l.Runtime.Reset(firmware.ResetCold)
	return err
}
