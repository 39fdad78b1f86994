package acpi

import (
	"bytes"
	"encoding/binary"
)

// sdtHeader is the header shared by every System Description Table.
type sdtHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

const headerSize = 36

// sdt is one table before it has been given an address.
type sdt struct {
	signature string
	body      []byte
}

// encode prefixes the body with a header carrying oem and fixes up the
// checksum so the whole table sums to zero.
func (t sdt) encode(oem OEMInfo) []byte {
	h := sdtHeader{
		Length:          uint32(headerSize + len(t.body)),
		Revision:        1,
		OEMID:           oem.OEMID,
		OEMTableID:      oem.OEMTableID,
		OEMRevision:     oem.OEMRevision,
		CreatorID:       oem.CreatorID,
		CreatorRevision: oem.CreatorRevision,
	}
	copy(h.Signature[:], t.signature)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h)
	buf.Write(t.body)
	out := buf.Bytes()
	out[9] = checksum(out)
	return out
}

// pointers is the body of a root table: an array of table addresses,
// 32-bit for the RSDT and 64-bit for the XSDT.
func pointers(addrs []uint64, wide bool) []byte {
	var buf bytes.Buffer
	for _, a := range addrs {
		if wide {
			_ = binary.Write(&buf, binary.LittleEndian, a)
		} else {
			_ = binary.Write(&buf, binary.LittleEndian, uint32(a))
		}
	}
	return buf.Bytes()
}

// block accumulates tables at consecutive physical addresses.
type block struct {
	base uint64
	data []byte
}

func (b *block) align(n int) {
	for len(b.data)%n != 0 {
		b.data = append(b.data, 0)
	}
}

// place appends raw bytes at the next n-byte boundary and returns their
// physical address.
func (b *block) place(raw []byte, n int) uint64 {
	b.align(n)
	addr := b.base + uint64(len(b.data))
	b.data = append(b.data, raw...)
	return addr
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}
