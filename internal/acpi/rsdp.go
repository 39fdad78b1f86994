package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	rsdpSignature = "RSD PTR "
	rsdpV1Size    = 20
	rsdpV2Size    = 36
)

var (
	ErrBadSignature = errors.New("acpi: bad RSDP signature")
	ErrChecksum     = errors.New("acpi: RSDP checksum mismatch")
)

// RSDP is a validated root system description pointer.
type RSDP struct {
	Address     uint64
	Revision    uint8
	OEMID       string
	RSDTAddress uint32

	// XSDTAddress and Length are only set for revision 2 and later.
	XSDTAddress uint64
	Length      uint32
}

// ParseRSDP reads and validates the RSDP at addr. The ACPI 1.0 checksum
// always covers the first 20 bytes. Revision 2 adds an extended checksum
// over Length bytes.
func ParseRSDP(mem io.ReaderAt, addr uint64) (*RSDP, error) {
	buf := make([]byte, rsdpV2Size)
	if _, err := mem.ReadAt(buf[:rsdpV1Size], int64(addr)); err != nil {
		return nil, fmt.Errorf("acpi: read RSDP at %#x: %w", addr, err)
	}
	if string(buf[:8]) != rsdpSignature {
		return nil, fmt.Errorf("%w at %#x: %q", ErrBadSignature, addr, buf[:8])
	}
	if sum := checksum(buf[:rsdpV1Size]); sum != 0 {
		return nil, fmt.Errorf("%w at %#x: v1 bytes sum to %#x", ErrChecksum, addr, -sum)
	}

	r := &RSDP{
		Address:     addr,
		Revision:    buf[15],
		OEMID:       string(buf[9:15]),
		RSDTAddress: binary.LittleEndian.Uint32(buf[16:]),
	}
	if r.Revision < 2 {
		return r, nil
	}

	if _, err := mem.ReadAt(buf[rsdpV1Size:], int64(addr)+rsdpV1Size); err != nil {
		return nil, fmt.Errorf("acpi: read extended RSDP at %#x: %w", addr, err)
	}
	r.Length = binary.LittleEndian.Uint32(buf[20:])
	r.XSDTAddress = binary.LittleEndian.Uint64(buf[24:])
	if r.Length < rsdpV2Size || r.Length > 4096 {
		return nil, fmt.Errorf("%w at %#x: length %d", ErrChecksum, addr, r.Length)
	}
	ext := buf
	if r.Length > rsdpV2Size {
		ext = make([]byte, r.Length)
		if _, err := mem.ReadAt(ext, int64(addr)); err != nil {
			return nil, fmt.Errorf("acpi: read extended RSDP at %#x: %w", addr, err)
		}
	}
	if sum := checksum(ext); sum != 0 {
		return nil, fmt.Errorf("%w at %#x: extended checksum", ErrChecksum, addr)
	}
	return r, nil
}

// Size is the number of bytes the RSDP occupies.
func (r *RSDP) Size() uint64 {
	if r.Revision >= 2 {
		return uint64(r.Length)
	}
	return rsdpV1Size
}
