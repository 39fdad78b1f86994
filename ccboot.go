// Package ccboot is a firmware-stage boot loader for ELF64 kernels on
// x86_64 and arm64. It reads a configuration file and a kernel from the boot
// partition, builds the kernel's address space, collects platform tables,
// exits firmware boot services and jumps to the kernel with a BootInfo
// record.
//
// Firmware is reached through small interfaces so the same loader runs on
// real firmware bindings and on the simulated machine used by its tests.
package ccboot

import (
	"io"
	"log/slog"

	"github.com/tinyrange/ccboot/internal/bootinfo"
	"github.com/tinyrange/ccboot/internal/config"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/handoff"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/kernel"
	"github.com/tinyrange/ccboot/internal/loader"
	"github.com/tinyrange/ccboot/internal/paging"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Architecture is a supported CPU architecture.
type Architecture = hw.CpuArchitecture

// BootServices is the firmware interface that disappears at exit.
type BootServices = firmware.BootServices

// RuntimeServices survive exit.
type RuntimeServices = firmware.RuntimeServices

// PhysicalMemory gives byte access to physical addresses.
type PhysicalMemory = firmware.PhysicalMemory

// CPU is the processor the loader runs on.
type CPU = hw.CPU

// BootConfig is a parsed configuration file.
type BootConfig = config.BootConfig

// BootInfo is the record handed to the kernel, as decoded by ReadBootInfo.
type BootInfo = bootinfo.BootInfo

// StageError names the pipeline stage and file a boot failed in.
type StageError = loader.StageError

// Stage is one step of the boot pipeline.
type Stage = loader.Stage

// HandoffState is the state of the exit and transfer sequence.
type HandoffState = handoff.State

const (
	ArchitectureX86_64 = hw.ArchitectureX86_64
	ArchitectureARM64  = hw.ArchitectureARM64
)

// BootInfoVersion is the protocol version a kernel may declare in its note.
const BootInfoVersion = bootinfo.Version

// Sentinel errors. Use errors.Is on any error returned by Boot.
var (
	ErrFileNotFound       = firmware.ErrNotFound
	ErrMissingKernelPath  = config.ErrMissingKernelPath
	ErrMalformedConfig    = config.ErrMalformed
	ErrUnsupportedFormat  = kernel.ErrUnsupportedFormat
	ErrMisaligned         = kernel.ErrMisaligned
	ErrOutOfMemory        = kernel.ErrOutOfMemory
	ErrUnsafePermissions  = paging.ErrUnsafePermissions
	ErrOverlap            = paging.ErrOverlap
	ErrMapUnstable        = sysinfo.ErrMapUnstable
	ErrExitServices       = handoff.ErrExitServices
	ErrBootServicesExited = firmware.ErrBootServicesExited
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures Boot.
type Option func(*loader.Loader)

// WithLogger replaces the firmware console logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *loader.Loader) { l.Log = log }
}

func WithLogLevel(level slog.Leveler) Option {
	return func(l *loader.Loader) { l.LogLevel = level }
}

// WithColor enables ANSI styling of fatal reports on the console.
func WithColor(color bool) Option {
	return func(l *loader.Loader) { l.Color = color }
}

// WithConfigPath reads the configuration from path instead of the
// architecture default.
func WithConfigPath(path string) Option {
	return func(l *loader.Loader) { l.ConfigPath = path }
}

// WithObserver is called on every handoff state transition.
func WithObserver(fn func(from, to HandoffState)) Option {
	return func(l *loader.Loader) { l.Observer = fn }
}

// -----------------------------------------------------------------------------
// Entry points
// -----------------------------------------------------------------------------

// Firmware is what firmware hands a boot application.
type Firmware struct {
	Boot    BootServices
	Runtime RuntimeServices
	Memory  PhysicalMemory
	CPU     CPU
}

// Boot loads and enters the kernel. It does not return on success. On a
// failure before exit the error is shown on the console and the system is
// reset; Boot returns only if the reset does.
func Boot(fw Firmware, opts ...Option) error {
	l := &loader.Loader{
		Arch:    fw.CPU.Architecture(),
		Memory:  fw.Memory,
		CPU:     fw.CPU,
		Runtime: firmware.NewRuntime(fw.Runtime),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l.Main(firmware.NewBoot(fw.Boot))
}

// ParseConfig parses a KEY=VALUE configuration file.
func ParseConfig(data []byte) (*BootConfig, error) {
	return config.Parse(data)
}

// ReadBootInfo decodes the BootInfo record at addr.
func ReadBootInfo(mem io.ReaderAt, addr uint64) (*BootInfo, error) {
	return bootinfo.Read(mem, addr)
}

// Report writes a plain text diagnosis of a boot error.
func Report(w io.Writer, err error) error {
	return loader.Report(w, err)
}
