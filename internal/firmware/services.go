package firmware

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/ccboot/internal/hw"
)

var (
	ErrNotFound           = errors.New("file not found")
	ErrOutOfResources     = errors.New("out of resources")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrUnsupported        = errors.New("unsupported")
	ErrBootServicesExited = errors.New("boot services have been exited")
)

// BufferTooSmallError reports the buffer size GetMemoryMap needs.
type BufferTooSmallError struct {
	Required       uint64
	DescriptorSize uint64
}

func (e *BufferTooSmallError) Error() string {
	return ErrBufferTooSmall.Error()
}

func (e *BufferTooSmallError) Unwrap() error { return ErrBufferTooSmall }

// KeyReader is console input.
type KeyReader interface {
	ReadKey() (rune, error)
}

// BootServices is the firmware interface that exists only until
// ExitBootServices succeeds. Calls are synchronous and cannot be cancelled.
type BootServices interface {
	// ReadFile returns the contents of a file on the boot partition.
	// Paths use backslash separators. Missing files report ErrNotFound.
	ReadFile(path string) ([]byte, error)

	// AllocatePages reserves count contiguous 4KiB frames and returns the
	// physical address of the first one.
	AllocatePages(kind MemoryType, count uint64) (uint64, error)

	// GetMemoryMap fills buf with the current memory map. If buf is too
	// small the returned error is a *BufferTooSmallError carrying the
	// required size.
	GetMemoryMap(buf []byte) (MapInfo, error)

	ConfigurationTable() []ConfigurationTableEntry
	GraphicsOutput() (GraphicsOutput, bool)

	// LoaderImage and LoaderStack locate the currently running loader.
	LoaderImage() hw.Range
	LoaderStack() hw.Range

	ConsoleOut() io.Writer
	ConsoleIn() (KeyReader, bool)

	// ExitBootServices terminates boot services. A stale key results in
	// ErrInvalidParameter and leaves boot services running.
	ExitBootServices(key MapKey) (RuntimeServices, error)
}

type ResetType int

const (
	ResetCold ResetType = iota
	ResetWarm
	ResetShutdown
)

func (t ResetType) String() string {
	switch t {
	case ResetCold:
		return "cold"
	case ResetWarm:
		return "warm"
	case ResetShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("reset(%d)", int(t))
	}
}

// RuntimeServices stay valid for the lifetime of the machine.
type RuntimeServices interface {
	// Diagnostics is a best effort sink usable after exit, typically a
	// serial port. It may be nil.
	Diagnostics() io.Writer
	ResetSystem(kind ResetType)
}

// FrameAllocator hands out contiguous runs of physical frames.
type FrameAllocator interface {
	AllocateFrames(count uint64) (uint64, error)
}

// FrameAllocatorFunc adapts a function to FrameAllocator.
type FrameAllocatorFunc func(count uint64) (uint64, error)

func (f FrameAllocatorFunc) AllocateFrames(count uint64) (uint64, error) {
	return f(count)
}
