// Package bootinfo encodes the record handed to the kernel at entry.
//
// The layout is a binary contract with the kernel. All integers are little
// endian and all pointers are physical addresses, which the loader also
// identity maps.
//
//	0x00 magic "CCBOOTIN"
//	0x08 version major u16, minor u16
//	0x0c header size u32
//	0x10 memory map pointer
//	0x18 memory map entry count
//	0x20 memory map entry size
//	0x28 flags
//	0x30 framebuffer base
//	0x38 framebuffer size
//	0x40 width u32, height u32
//	0x48 stride u32, pixel format u32
//	0x50 ACPI RSDP pointer
//	0x58 command line pointer
//	0x60 command line length
//	0x68 initrd pointer
//	0x70 initrd length
//	0x78 SMBIOS entry point
//	0x80 physical memory offset
//
// Memory map entries are 32 bytes: physical start, page count, type u32,
// reserved u32, attributes. They follow the header and are followed by the
// NUL terminated command line.
package bootinfo

import (
	"fmt"

	"golang.org/x/mod/semver"
)

const (
	Magic = "CCBOOTIN"

	// Version is the protocol this loader speaks.
	Version      = "v1.1.0"
	VersionMajor = 1
	VersionMinor = 1

	HeaderSize = 0x88
	EntrySize  = 32
)

const (
	offMagic        = 0x00
	offVersion      = 0x08
	offHeaderSize   = 0x0c
	offMapPointer   = 0x10
	offMapCount     = 0x18
	offMapEntrySize = 0x20
	offFlags        = 0x28
	offFBBase       = 0x30
	offFBSize       = 0x38
	offFBDims       = 0x40
	offFBStride     = 0x48
	offACPI         = 0x50
	offCmdline      = 0x58
	offCmdlineLen   = 0x60
	offInitrd       = 0x68
	offInitrdLen    = 0x70
	offSMBIOS       = 0x78
	offPhysOffset   = 0x80
)

// Flags mark which optional fields are valid.
type Flags uint64

const (
	FlagFramebuffer Flags = 1 << iota
	FlagACPI
	FlagSMBIOS
	FlagInitrd
	FlagPhysicalMemoryMap
)

func (f Flags) String() string {
	names := []string{"framebuffer", "acpi", "smbios", "initrd", "physmap"}
	out := ""
	for i, name := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += name
	}
	if out == "" {
		return "none"
	}
	return out
}

// Compatible reports whether a kernel declaring protocol can be booted.
// An empty protocol accepts whatever the loader provides. The major
// versions must match and the kernel may not require a newer minor.
func Compatible(protocol string) error {
	if protocol == "" {
		return nil
	}
	if !semver.IsValid(protocol) {
		return fmt.Errorf("kernel declares invalid boot protocol %q", protocol)
	}
	if semver.Major(protocol) != semver.Major(Version) {
		return fmt.Errorf("kernel requires boot protocol %s, loader provides %s", protocol, Version)
	}
	if semver.Compare(semver.MajorMinor(protocol), semver.MajorMinor(Version)) > 0 {
		return fmt.Errorf("kernel requires boot protocol %s, newer than %s", protocol, Version)
	}
	return nil
}
