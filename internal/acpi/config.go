// Package acpi builds the minimal ACPI table set a simulated firmware
// publishes and validates the root pointer the loader hands to the kernel.
package acpi

// Config controls the tables Build emits.
type Config struct {
	// Revision selects an ACPI 1.0 RSDP with an RSDT (1) or an ACPI 2.0+
	// RSDP with both RSDT and XSDT (2).
	Revision uint8

	OEM OEMInfo
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the header metadata used by the simulator.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'C', 'C', 'B', 'O', 'O', 'T'},
		OEMTableID:      [8]byte{'C', 'C', 'B', 'S', 'I', 'M', ' ', ' '},
		OEMRevision:     1,
		CreatorID:       [4]byte{'C', 'C', 'B', 'T'},
		CreatorRevision: 1,
	}
}

func (c *Config) normalize() {
	if c.Revision == 0 {
		c.Revision = 2
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
