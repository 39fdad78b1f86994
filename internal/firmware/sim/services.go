package sim

import (
	"fmt"
	"io"
	"runtime"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

// bootServices implements firmware.BootServices over a Machine. Calls made
// after a successful exit are counted as violations and fail.
type bootServices struct {
	m *Machine
}

var _ firmware.BootServices = (*bootServices)(nil)

// checkActive must be called with m.mu held.
func (s *bootServices) checkActive() error {
	if s.m.exited {
		s.m.violations++
		return firmware.ErrBootServicesExited
	}
	return nil
}

func (s *bootServices) active() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.checkActive()
}

func (s *bootServices) ReadFile(path string) ([]byte, error) {
	if err := s.active(); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	data, ok := s.m.files[normalizePath(path)]
	s.m.mu.Unlock()
	if !ok {
		return nil, firmware.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *bootServices) AllocatePages(kind firmware.MemoryType, count uint64) (uint64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, firmware.ErrInvalidParameter
	}
	r, err := s.m.allocateLocked(kind, count*hw.PageSize)
	if err != nil {
		return 0, err
	}
	return r.Base, nil
}

func (s *bootServices) GetMemoryMap(buf []byte) (firmware.MapInfo, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return firmware.MapInfo{}, err
	}

	for i := 0; i < s.m.profile.MapGrowth; i++ {
		if _, err := s.m.allocateLocked(firmware.BootServicesData, hw.PageSize); err != nil {
			break
		}
	}

	descSize := s.m.profile.DescriptorSize
	enc := firmware.EncodeMemoryMap(s.m.descriptorsLocked(), descSize)
	if len(buf) < len(enc) {
		return firmware.MapInfo{}, &firmware.BufferTooSmallError{Required: uint64(len(enc)), DescriptorSize: descSize}
	}
	copy(buf, enc)
	return firmware.MapInfo{
		Size:              uint64(len(enc)),
		Key:               s.m.key,
		DescriptorSize:    descSize,
		DescriptorVersion: firmware.DescriptorVersion,
	}, nil
}

func (s *bootServices) ConfigurationTable() []firmware.ConfigurationTableEntry {
	if s.active() != nil {
		return nil
	}
	return append([]firmware.ConfigurationTableEntry(nil), s.m.tables...)
}

func (s *bootServices) GraphicsOutput() (firmware.GraphicsOutput, bool) {
	if s.active() != nil || s.m.gop == nil {
		return nil, false
	}
	return s.m.gop, true
}

func (s *bootServices) LoaderImage() hw.Range { return s.m.loaderImage }
func (s *bootServices) LoaderStack() hw.Range { return s.m.loaderStack }

func (s *bootServices) ConsoleOut() io.Writer {
	if s.active() != nil {
		return nil
	}
	return s.m.console
}

func (s *bootServices) ConsoleIn() (firmware.KeyReader, bool) {
	if s.active() != nil || s.m.keys == nil {
		return nil, false
	}
	return s.m.keys, true
}

func (s *bootServices) ExitBootServices(key firmware.MapKey) (firmware.RuntimeServices, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	if s.m.staleRemaining > 0 {
		s.m.staleRemaining--
		// An event fired between GetMemoryMap and exit.
		if _, err := s.m.allocateLocked(firmware.BootServicesData, hw.PageSize); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: map key %d is stale", firmware.ErrInvalidParameter, key)
	}
	if key != s.m.key {
		return nil, fmt.Errorf("%w: map key %d, current %d", firmware.ErrInvalidParameter, key, s.m.key)
	}
	s.m.exited = true
	s.m.log.Debug("boot services exited", "key", key)
	return &runtimeServices{m: s.m}, nil
}

type runtimeServices struct {
	m *Machine
}

func (r *runtimeServices) Diagnostics() io.Writer { return r.m.serial }

// ResetSystem records the reset and, like the real call, never returns.
func (r *runtimeServices) ResetSystem(kind firmware.ResetType) {
	r.m.mu.Lock()
	r.m.resets = append(r.m.resets, kind)
	r.m.mu.Unlock()
	r.m.log.Debug("system reset", "type", kind)
	runtime.Goexit()
}
