// Package sysinfo collects the platform description the kernel receives:
// the firmware memory map, ACPI and SMBIOS entry points and the
// framebuffer.
package sysinfo

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

// MaxMapAttempts bounds the size-then-fill loop of CaptureMemoryMap.
const MaxMapAttempts = 4

// slackDescriptors is added to the reported size to absorb small changes
// between the two calls.
const slackDescriptors = 2

var ErrMapUnstable = errors.New("memory map changed on every attempt")

// MemoryMap is an immutable snapshot of the firmware memory map.
type MemoryMap struct {
	Descriptors    []firmware.MemoryDescriptor
	Key            firmware.MapKey
	DescriptorSize uint64

	// Attempts is the number of size-then-fill rounds it took.
	Attempts int
}

// CaptureMemoryMap queries the required size, fills a buffer of that size
// and retries with a fresh size if the map grew in between. It must be the
// last boot services query before exit: anything that allocates afterwards
// invalidates Key.
func CaptureMemoryMap(boot *firmware.Boot, log *slog.Logger) (*MemoryMap, error) {
	if log == nil {
		log = slog.Default()
	}

	for attempt := 1; attempt <= MaxMapAttempts; attempt++ {
		size, descSize, err := boot.MemoryMapSize()
		if err != nil {
			return nil, fmt.Errorf("query memory map size: %w", err)
		}
		if descSize < firmware.MinDescriptorSize {
			descSize = firmware.MinDescriptorSize
		}

		buf := make([]byte, size+slackDescriptors*descSize)
		info, err := boot.GetMemoryMap(buf)
		var small *firmware.BufferTooSmallError
		if errors.As(err, &small) {
			log.Debug("memory map grew between calls",
				"attempt", attempt,
				"buffer", len(buf),
				"required", small.Required)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get memory map: %w", err)
		}

		descs, err := firmware.DecodeMemoryMap(buf, info)
		if err != nil {
			return nil, err
		}
		return &MemoryMap{
			Descriptors:    descs,
			Key:            info.Key,
			DescriptorSize: info.DescriptorSize,
			Attempts:       attempt,
		}, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrMapUnstable, MaxMapAttempts)
}

// MaxPhysical returns the end of the highest described region.
func (m *MemoryMap) MaxPhysical() uint64 {
	var top uint64
	for _, d := range m.Descriptors {
		if end := d.PhysicalEnd(); end > top {
			top = end
		}
	}
	return top
}

// Usable returns the number of bytes the kernel may treat as free RAM
// once it has taken over.
func (m *MemoryMap) Usable() uint64 {
	var total uint64
	for _, d := range m.Descriptors {
		switch d.Type {
		case firmware.ConventionalMemory, firmware.BootServicesCode, firmware.BootServicesData:
			total += d.NumberOfPages * hw.PageSize
		}
	}
	return total
}
