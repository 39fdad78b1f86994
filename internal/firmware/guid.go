package firmware

import (
	"encoding/binary"
	"fmt"
)

// GUID is stored in the mixed-endian layout UEFI uses in memory.
type GUID [16]byte

// NewGUID builds a GUID from its textual components.
func NewGUID(a uint32, b, c uint16, d [8]byte) GUID {
	var g GUID
	binary.LittleEndian.PutUint32(g[0:], a)
	binary.LittleEndian.PutUint16(g[4:], b)
	binary.LittleEndian.PutUint16(g[6:], c)
	copy(g[8:], d[:])
	return g
}

func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%x-%x",
		binary.LittleEndian.Uint32(g[0:]),
		binary.LittleEndian.Uint16(g[4:]),
		binary.LittleEndian.Uint16(g[6:]),
		g[8:10], g[10:16])
}

var (
	ACPI20TableGUID  = NewGUID(0x8868e871, 0xe4f1, 0x11d3, [8]byte{0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81})
	ACPITableGUID    = NewGUID(0xeb9d2d30, 0x2d88, 0x11d3, [8]byte{0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d})
	SMBIOSTableGUID  = NewGUID(0xeb9d2d31, 0x2d88, 0x11d3, [8]byte{0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d})
	SMBIOS3TableGUID = NewGUID(0xf2fd1544, 0x9794, 0x4a2c, [8]byte{0x99, 0x2e, 0xe5, 0xbb, 0xcf, 0x20, 0xe3, 0x94})
)

// ConfigurationTableEntry is one vendor table published by firmware.
type ConfigurationTableEntry struct {
	VendorGUID GUID
	Address    uint64
}
