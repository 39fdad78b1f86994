package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

var (
	ErrRegionTooSmall = errors.New("boot info does not fit its reserved region")
	ErrBadMagic       = errors.New("boot info magic mismatch")
	ErrBadVersion     = errors.New("unsupported boot info version")
)

// Payload is everything in BootInfo except the memory map. It is fixed
// before exit; the memory map is only known afterwards.
type Payload struct {
	Cmdline     string
	Framebuffer *sysinfo.Framebuffer

	// ACPI and SMBIOS are physical addresses, 0 when absent.
	ACPI   uint64
	SMBIOS uint64

	// Initrd has zero size when no initrd was loaded.
	Initrd hw.Range

	// PhysicalMemoryOffset is where all of physical memory is mapped, 0
	// if it is not.
	PhysicalMemoryOffset uint64
}

// Region is the memory reserved for BootInfo before exit.
type Region struct {
	Base uint64
	Size uint64

	// Capacity is the number of memory map entries that fit alongside the
	// command line.
	Capacity int
}

// Size returns the bytes needed for capacity memory map entries and
// cmdline, rounded up to whole pages.
func Size(capacity int, cmdline string) uint64 {
	raw := uint64(HeaderSize) + uint64(capacity)*EntrySize + uint64(len(cmdline)) + 1
	return hw.AlignUp(raw, hw.PageSize)
}

// Reserve allocates a region able to hold capacity entries.
func Reserve(frames firmware.FrameAllocator, capacity int, cmdline string) (Region, error) {
	size := Size(capacity, cmdline)
	base, err := frames.AllocateFrames(size / hw.PageSize)
	if err != nil {
		return Region{}, fmt.Errorf("reserve %#x bytes for boot info: %w", size, err)
	}
	return Region{Base: base, Size: size, Capacity: capacity}, nil
}

// Range returns the region as a physical range.
func (r Region) Range() hw.Range { return hw.Range{Base: r.Base, Size: r.Size} }

// Encode lays out BootInfo for placement at base. The result is a pure
// function of its inputs. Descriptors are emitted in physical address
// order.
func Encode(base uint64, p Payload, memmap []firmware.MemoryDescriptor) []byte {
	entries := append([]firmware.MemoryDescriptor(nil), memmap...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PhysicalStart < entries[j].PhysicalStart
	})

	mapOff := uint64(HeaderSize)
	cmdOff := mapOff + uint64(len(entries))*EntrySize
	buf := make([]byte, cmdOff+uint64(len(p.Cmdline))+1)
	le := binary.LittleEndian

	copy(buf[offMagic:], Magic)
	le.PutUint16(buf[offVersion:], VersionMajor)
	le.PutUint16(buf[offVersion+2:], VersionMinor)
	le.PutUint32(buf[offHeaderSize:], HeaderSize)
	le.PutUint64(buf[offMapPointer:], base+mapOff)
	le.PutUint64(buf[offMapCount:], uint64(len(entries)))
	le.PutUint64(buf[offMapEntrySize:], EntrySize)

	var flags Flags
	if fb := p.Framebuffer; fb != nil {
		flags |= FlagFramebuffer
		le.PutUint64(buf[offFBBase:], fb.Base)
		le.PutUint64(buf[offFBSize:], fb.Size)
		le.PutUint32(buf[offFBDims:], fb.Width)
		le.PutUint32(buf[offFBDims+4:], fb.Height)
		le.PutUint32(buf[offFBStride:], fb.Stride)
		le.PutUint32(buf[offFBStride+4:], uint32(fb.Format))
	}
	if p.ACPI != 0 {
		flags |= FlagACPI
		le.PutUint64(buf[offACPI:], p.ACPI)
	}
	le.PutUint64(buf[offCmdline:], base+cmdOff)
	le.PutUint64(buf[offCmdlineLen:], uint64(len(p.Cmdline)))
	if p.Initrd.Size != 0 {
		flags |= FlagInitrd
		le.PutUint64(buf[offInitrd:], p.Initrd.Base)
		le.PutUint64(buf[offInitrdLen:], p.Initrd.Size)
	}
	if p.SMBIOS != 0 {
		flags |= FlagSMBIOS
		le.PutUint64(buf[offSMBIOS:], p.SMBIOS)
	}
	if p.PhysicalMemoryOffset != 0 {
		flags |= FlagPhysicalMemoryMap
		le.PutUint64(buf[offPhysOffset:], p.PhysicalMemoryOffset)
	}
	le.PutUint64(buf[offFlags:], uint64(flags))

	for i, d := range entries {
		e := buf[mapOff+uint64(i)*EntrySize:]
		le.PutUint64(e[0:], d.PhysicalStart)
		le.PutUint64(e[8:], d.NumberOfPages)
		le.PutUint32(e[16:], uint32(d.Type))
		le.PutUint64(e[24:], uint64(d.Attribute))
	}
	copy(buf[cmdOff:], p.Cmdline)
	return buf
}

// Write encodes BootInfo into the reserved region. It touches only
// physical memory so it is safe after boot services are gone.
func (r Region) Write(mem firmware.PhysicalMemory, p Payload, memmap []firmware.MemoryDescriptor) error {
	buf := Encode(r.Base, p, memmap)
	if uint64(len(buf)) > r.Size {
		return fmt.Errorf("%w: %d entries need %#x bytes, region holds %#x", ErrRegionTooSmall, len(memmap), len(buf), r.Size)
	}
	if _, err := mem.WriteAt(buf, int64(r.Base)); err != nil {
		return fmt.Errorf("write boot info at %#x: %w", r.Base, err)
	}
	return nil
}
