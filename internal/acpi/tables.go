package acpi

import (
	"encoding/binary"
	"fmt"
)

// Tables is a contiguous block of ACPI tables ready to be copied to Base.
type Tables struct {
	Base  uint64
	Bytes []byte

	// RSDP is the physical address of the root pointer within the block.
	RSDP uint64
}

// fadtV1Size is the ACPI 1.0 FADT length, header included.
const fadtV1Size = 116

// Build lays out a FADT, the RSDT, an XSDT for revision 2 and finally the
// RSDP, starting at base. That is all a loader walks to find the root
// tables; the kernel treats the FADT as describing no fixed hardware.
func Build(base uint64, cfg Config) (*Tables, error) {
	cfg.normalize()
	if cfg.Revision != 1 && cfg.Revision != 2 {
		return nil, fmt.Errorf("acpi: unsupported revision %d", cfg.Revision)
	}
	if base%16 != 0 {
		return nil, fmt.Errorf("acpi: table base %#x is not 16-byte aligned", base)
	}

	b := &block{base: base}
	fadt := make([]byte, fadtV1Size-headerSize)
	binary.LittleEndian.PutUint16(fadt[10:], 9) // SCI_INT
	children := []uint64{b.place(sdt{"FACP", fadt}.encode(cfg.OEM), 8)}

	for _, c := range children {
		if c > 0xFFFFFFFF {
			return nil, fmt.Errorf("acpi: table at %#x is not reachable from the RSDT", c)
		}
	}
	rsdt := b.place(sdt{"RSDT", pointers(children, false)}.encode(cfg.OEM), 8)

	var xsdt uint64
	if cfg.Revision >= 2 {
		xsdt = b.place(sdt{"XSDT", pointers(children, true)}.encode(cfg.OEM), 8)
	}

	rsdp := b.place(encodeRSDP(cfg.Revision, rsdt, xsdt, cfg.OEM.OEMID), 16)
	return &Tables{Base: base, Bytes: b.data, RSDP: rsdp}, nil
}

// rsdpV2 is the ACPI 2.0 root pointer. Revision 1 uses its first
// rsdpV1Size bytes.
type rsdpV2 struct {
	Signature        [8]byte
	Checksum         uint8
	OEMID            [6]byte
	Revision         uint8
	RSDTAddress      uint32
	Length           uint32
	XSDTAddress      uint64
	ExtendedChecksum uint8
	Reserved         [3]byte
}

func encodeRSDP(revision uint8, rsdt, xsdt uint64, oemID [6]byte) []byte {
	r := rsdpV2{OEMID: oemID, RSDTAddress: uint32(rsdt)}
	copy(r.Signature[:], rsdpSignature)
	if revision >= 2 {
		r.Revision = 2
		r.Length = rsdpV2Size
		r.XSDTAddress = xsdt
	}

	out := make([]byte, rsdpV2Size)
	_, _ = binary.Encode(out, binary.LittleEndian, r)
	out[8] = checksum(out[:rsdpV1Size])
	if revision < 2 {
		return out[:rsdpV1Size]
	}
	out[32] = checksum(out)
	return out
}
