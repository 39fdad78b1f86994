package firmware

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/ccboot/internal/hw"
)

// Boot is the capability to use boot services. It is consumed by a
// successful Exit: every method afterwards fails with ErrBootServicesExited,
// and the *Runtime returned by Exit is all post-exit code gets to hold.
//
// A failed Exit narrows it instead: firmware may already have torn down
// part of its services, so only GetMemoryMap and Exit remain usable.
type Boot struct {
	svc     BootServices
	exiting bool
}

func NewBoot(svc BootServices) *Boot {
	return &Boot{svc: svc}
}

func (b *Boot) services() (BootServices, error) {
	if b == nil || b.svc == nil || b.exiting {
		return nil, ErrBootServicesExited
	}
	return b.svc, nil
}

// exitServices allows the calls that stay legal after a failed Exit.
func (b *Boot) exitServices() (BootServices, error) {
	if b == nil || b.svc == nil {
		return nil, ErrBootServicesExited
	}
	return b.svc, nil
}

// Active reports whether boot services are fully available: Exit has not
// been attempted.
func (b *Boot) Active() bool {
	return b != nil && b.svc != nil && !b.exiting
}

// ExitAttempted reports whether Exit has been called, successfully or not.
func (b *Boot) ExitAttempted() bool {
	return b != nil && (b.exiting || b.svc == nil)
}

func (b *Boot) ReadFile(path string) ([]byte, error) {
	svc, err := b.services()
	if err != nil {
		return nil, err
	}
	data, err := svc.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (b *Boot) AllocatePages(kind MemoryType, count uint64) (uint64, error) {
	svc, err := b.services()
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("allocate zero pages: %w", ErrInvalidParameter)
	}
	return svc.AllocatePages(kind, count)
}

// Frames adapts AllocatePages to a FrameAllocator for the given type.
func (b *Boot) Frames(kind MemoryType) FrameAllocator {
	return FrameAllocatorFunc(func(count uint64) (uint64, error) {
		return b.AllocatePages(kind, count)
	})
}

func (b *Boot) GetMemoryMap(buf []byte) (MapInfo, error) {
	svc, err := b.exitServices()
	if err != nil {
		return MapInfo{}, err
	}
	return svc.GetMemoryMap(buf)
}

// MemoryMapSize performs the sizing half of the two-call pattern.
func (b *Boot) MemoryMapSize() (size, descSize uint64, err error) {
	_, err = b.GetMemoryMap(nil)
	var small *BufferTooSmallError
	if errors.As(err, &small) {
		return small.Required, small.DescriptorSize, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return 0, MinDescriptorSize, nil
}

func (b *Boot) ConfigurationTable() ([]ConfigurationTableEntry, error) {
	svc, err := b.services()
	if err != nil {
		return nil, err
	}
	return svc.ConfigurationTable(), nil
}

func (b *Boot) GraphicsOutput() (GraphicsOutput, bool) {
	svc, err := b.services()
	if err != nil {
		return nil, false
	}
	return svc.GraphicsOutput()
}

func (b *Boot) LoaderImage() (hw.Range, error) {
	svc, err := b.services()
	if err != nil {
		return hw.Range{}, err
	}
	return svc.LoaderImage(), nil
}

func (b *Boot) LoaderStack() (hw.Range, error) {
	svc, err := b.services()
	if err != nil {
		return hw.Range{}, err
	}
	return svc.LoaderStack(), nil
}

// ConsoleOut returns io.Discard once boot services are gone.
func (b *Boot) ConsoleOut() io.Writer {
	svc, err := b.services()
	if err != nil {
		return io.Discard
	}
	if w := svc.ConsoleOut(); w != nil {
		return w
	}
	return io.Discard
}

func (b *Boot) ConsoleIn() (KeyReader, bool) {
	svc, err := b.services()
	if err != nil {
		return nil, false
	}
	return svc.ConsoleIn()
}

// Exit terminates boot services with the key of the most recent memory
// map snapshot. On success the capability is consumed; on failure only
// GetMemoryMap and another Exit remain.
func (b *Boot) Exit(key MapKey) (*Runtime, error) {
	svc, err := b.exitServices()
	if err != nil {
		return nil, err
	}
	b.exiting = true
	rt, err := svc.ExitBootServices(key)
	if err != nil {
		return nil, err
	}
	b.svc = nil
	return &Runtime{svc: rt}, nil
}

// Runtime wraps the services that survive ExitBootServices.
type Runtime struct {
	svc RuntimeServices
}

func NewRuntime(svc RuntimeServices) *Runtime {
	return &Runtime{svc: svc}
}

// Diagnostics never returns nil.
func (r *Runtime) Diagnostics() io.Writer {
	if r == nil || r.svc == nil {
		return io.Discard
	}
	if w := r.svc.Diagnostics(); w != nil {
		return w
	}
	return io.Discard
}

func (r *Runtime) Reset(kind ResetType) {
	if r == nil || r.svc == nil {
		return
	}
	r.svc.ResetSystem(kind)
}
