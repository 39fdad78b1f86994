package bootinfo

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

// MemoryEntry is one decoded memory map entry.
type MemoryEntry struct {
	PhysicalStart uint64
	Pages         uint64
	Type          firmware.MemoryType
	Attribute     firmware.MemoryAttribute
}

// BootInfo is the decoded record, as a kernel would see it.
type BootInfo struct {
	Major, Minor uint16
	Flags        Flags

	MemoryMap   []MemoryEntry
	Framebuffer *sysinfo.Framebuffer
	ACPI        uint64
	SMBIOS      uint64
	Cmdline     string
	Initrd      hw.Range

	PhysicalMemoryOffset uint64
}

// maxEntries bounds the memory map Read accepts.
const maxEntries = 1 << 16

// Read decodes the BootInfo at addr.
func Read(mem io.ReaderAt, addr uint64) (*BootInfo, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := mem.ReadAt(hdr, int64(addr)); err != nil {
		return nil, fmt.Errorf("read boot info header at %#x: %w", addr, err)
	}
	if string(hdr[offMagic:offMagic+8]) != Magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, hdr[offMagic:offMagic+8])
	}
	le := binary.LittleEndian

	info := &BootInfo{
		Major: le.Uint16(hdr[offVersion:]),
		Minor: le.Uint16(hdr[offVersion+2:]),
		Flags: Flags(le.Uint64(hdr[offFlags:])),
	}
	if info.Major != VersionMajor || le.Uint32(hdr[offHeaderSize:]) < HeaderSize {
		return nil, fmt.Errorf("%w: v%d.%d", ErrBadVersion, info.Major, info.Minor)
	}

	count := le.Uint64(hdr[offMapCount:])
	entrySize := le.Uint64(hdr[offMapEntrySize:])
	if count > maxEntries || entrySize < EntrySize {
		return nil, fmt.Errorf("%w: memory map of %d entries of %d bytes", ErrBadVersion, count, entrySize)
	}
	entries := make([]byte, count*entrySize)
	if _, err := mem.ReadAt(entries, int64(le.Uint64(hdr[offMapPointer:]))); err != nil {
		return nil, fmt.Errorf("read memory map: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		e := entries[i*entrySize:]
		info.MemoryMap = append(info.MemoryMap, MemoryEntry{
			PhysicalStart: le.Uint64(e[0:]),
			Pages:         le.Uint64(e[8:]),
			Type:          firmware.MemoryType(le.Uint32(e[16:])),
			Attribute:     firmware.MemoryAttribute(le.Uint64(e[24:])),
		})
	}

	cmdLen := le.Uint64(hdr[offCmdlineLen:])
	if cmdLen > 1<<20 {
		return nil, fmt.Errorf("%w: command line length %d", ErrBadVersion, cmdLen)
	}
	cmdline := make([]byte, cmdLen)
	if _, err := mem.ReadAt(cmdline, int64(le.Uint64(hdr[offCmdline:]))); err != nil {
		return nil, fmt.Errorf("read command line: %w", err)
	}
	info.Cmdline = string(cmdline)

	if info.Flags&FlagFramebuffer != 0 {
		info.Framebuffer = &sysinfo.Framebuffer{
			Base:   le.Uint64(hdr[offFBBase:]),
			Size:   le.Uint64(hdr[offFBSize:]),
			Width:  le.Uint32(hdr[offFBDims:]),
			Height: le.Uint32(hdr[offFBDims+4:]),
			Stride: le.Uint32(hdr[offFBStride:]),
			Format: firmware.PixelFormat(le.Uint32(hdr[offFBStride+4:])),
		}
	}
	if info.Flags&FlagACPI != 0 {
		info.ACPI = le.Uint64(hdr[offACPI:])
	}
	if info.Flags&FlagSMBIOS != 0 {
		info.SMBIOS = le.Uint64(hdr[offSMBIOS:])
	}
	if info.Flags&FlagInitrd != 0 {
		info.Initrd = hw.Range{Base: le.Uint64(hdr[offInitrd:]), Size: le.Uint64(hdr[offInitrdLen:])}
	}
	if info.Flags&FlagPhysicalMemoryMap != 0 {
		info.PhysicalMemoryOffset = le.Uint64(hdr[offPhysOffset:])
	}
	return info, nil
}
