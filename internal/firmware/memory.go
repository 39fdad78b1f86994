package firmware

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MemoryType uses the UEFI numbering.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	"reserved",
	"loader-code",
	"loader-data",
	"boot-services-code",
	"boot-services-data",
	"runtime-services-code",
	"runtime-services-data",
	"conventional",
	"unusable",
	"acpi-reclaim",
	"acpi-nvs",
	"mmio",
	"mmio-port-space",
	"pal-code",
	"persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("memory-type(%#x)", uint32(t))
}

// MemoryAttribute is the UEFI attribute bit set of a memory descriptor.
type MemoryAttribute uint64

const (
	AttributeUC      MemoryAttribute = 0x1
	AttributeWC      MemoryAttribute = 0x2
	AttributeWT      MemoryAttribute = 0x4
	AttributeWB      MemoryAttribute = 0x8
	AttributeUCE     MemoryAttribute = 0x10
	AttributeWP      MemoryAttribute = 0x1000
	AttributeRP      MemoryAttribute = 0x2000
	AttributeXP      MemoryAttribute = 0x4000
	AttributeNV      MemoryAttribute = 0x8000
	AttributeRO      MemoryAttribute = 0x20000
	AttributeRuntime MemoryAttribute = 1 << 63
)

// MemoryDescriptor is one entry of the firmware memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     MemoryAttribute
}

// PhysicalEnd returns the first address past the described range.
func (d MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*pageSize
}

const (
	pageSize = 0x1000

	// MinDescriptorSize is the size of the architected descriptor fields.
	// Firmware is free to report a larger stride.
	MinDescriptorSize = 40

	// DescriptorVersion is the only descriptor layout defined so far.
	DescriptorVersion = 1
)

// MapKey identifies one state of the firmware memory map.
type MapKey uint64

// MapInfo describes a filled memory map buffer.
type MapInfo struct {
	Size              uint64
	Key               MapKey
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// Count returns the number of descriptors in the buffer.
func (m MapInfo) Count() int {
	if m.DescriptorSize == 0 {
		return 0
	}
	return int(m.Size / m.DescriptorSize)
}

// EncodeMemoryMap serialises descriptors using the given stride.
func EncodeMemoryMap(descs []MemoryDescriptor, descSize uint64) []byte {
	if descSize < MinDescriptorSize {
		descSize = MinDescriptorSize
	}
	buf := make([]byte, uint64(len(descs))*descSize)
	for i, d := range descs {
		off := uint64(i) * descSize
		binary.LittleEndian.PutUint32(buf[off:], uint32(d.Type))
		binary.LittleEndian.PutUint64(buf[off+8:], d.PhysicalStart)
		binary.LittleEndian.PutUint64(buf[off+16:], d.VirtualStart)
		binary.LittleEndian.PutUint64(buf[off+24:], d.NumberOfPages)
		binary.LittleEndian.PutUint64(buf[off+32:], uint64(d.Attribute))
	}
	return buf
}

// DecodeMemoryMap parses a buffer filled by GetMemoryMap.
func DecodeMemoryMap(buf []byte, info MapInfo) ([]MemoryDescriptor, error) {
	if info.DescriptorSize < MinDescriptorSize {
		return nil, fmt.Errorf("memory map descriptor size %d below minimum %d", info.DescriptorSize, MinDescriptorSize)
	}
	if info.Size > uint64(len(buf)) {
		return nil, fmt.Errorf("memory map size %d exceeds buffer length %d", info.Size, len(buf))
	}
	if info.Size%info.DescriptorSize != 0 {
		return nil, fmt.Errorf("memory map size %d is not a multiple of descriptor size %d", info.Size, info.DescriptorSize)
	}

	out := make([]MemoryDescriptor, 0, info.Count())
	for off := uint64(0); off < info.Size; off += info.DescriptorSize {
		out = append(out, MemoryDescriptor{
			Type:          MemoryType(binary.LittleEndian.Uint32(buf[off:])),
			PhysicalStart: binary.LittleEndian.Uint64(buf[off+8:]),
			VirtualStart:  binary.LittleEndian.Uint64(buf[off+16:]),
			NumberOfPages: binary.LittleEndian.Uint64(buf[off+24:]),
			Attribute:     MemoryAttribute(binary.LittleEndian.Uint64(buf[off+32:])),
		})
	}
	return out, nil
}

// PhysicalMemory gives byte access to physical addresses. On real hardware
// this is the identity mapping firmware leaves in place; it is a hardware
// primitive, not a boot service, so it stays valid after exit.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// ZeroPhysical clears size bytes at addr.
func ZeroPhysical(mem PhysicalMemory, addr, size uint64) error {
	const chunk = 64 * 1024
	zero := make([]byte, min(size, chunk))
	for size > 0 {
		n := min(size, chunk)
		if _, err := mem.WriteAt(zero[:n], int64(addr)); err != nil {
			return fmt.Errorf("zero %#x bytes at %#x: %w", n, addr, err)
		}
		addr += n
		size -= n
	}
	return nil
}
