// Package kerneltest builds small ELF64 kernel images for tests and demos.
package kerneltest

import (
	"bytes"
	"compress/gzip"
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize = 64
	phdrSize = 56
	pageSize = 0x1000
)

// Segment describes one PT_LOAD header. MemSize defaults to len(Data).
type Segment struct {
	VAddr   uint64
	Data    []byte
	MemSize uint64
	Flags   elf.ProgFlag

	// OffsetSkew is added to the file offset after it has been made
	// congruent with VAddr, to produce deliberately misaligned images.
	OffsetSkew uint64
}

// Image describes a kernel to build.
type Image struct {
	Machine  elf.Machine
	Type     elf.Type
	Entry    uint64
	Segments []Segment

	// Protocol, if set, is emitted as a ccboot PT_NOTE.
	Protocol string
}

// Build serialises the image.
func (img Image) Build() []byte {
	typ := img.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}

	var note []byte
	if img.Protocol != "" {
		note = buildNote("ccboot", 1, []byte(img.Protocol))
	}

	nph := len(img.Segments)
	if note != nil {
		nph++
	}
	cur := uint64(ehdrSize + phdrSize*nph)

	var noteOff uint64
	if note != nil {
		noteOff = cur
		cur += uint64(len(note))
	}

	offsets := make([]uint64, len(img.Segments))
	for i, seg := range img.Segments {
		off := alignUp(cur, pageSize) + seg.VAddr%pageSize + seg.OffsetSkew
		offsets[i] = off
		cur = off + uint64(len(seg.Data))
	}

	out := make([]byte, cur)
	le := binary.LittleEndian

	copy(out[0:], elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(typ))
	le.PutUint16(out[18:], uint16(img.Machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[24:], img.Entry)
	le.PutUint64(out[32:], ehdrSize) // e_phoff
	le.PutUint64(out[40:], 0)        // e_shoff
	le.PutUint32(out[48:], 0)        // e_flags
	le.PutUint16(out[52:], ehdrSize)
	le.PutUint16(out[54:], phdrSize)
	le.PutUint16(out[56:], uint16(nph))
	le.PutUint16(out[58:], 64) // e_shentsize
	le.PutUint16(out[60:], 0)
	le.PutUint16(out[62:], 0)

	ph := out[ehdrSize:]
	for i, seg := range img.Segments {
		memsz := seg.MemSize
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}
		putPhdr(ph[i*phdrSize:], elf.PT_LOAD, seg.Flags, offsets[i], seg.VAddr, uint64(len(seg.Data)), memsz, pageSize)
		copy(out[offsets[i]:], seg.Data)
	}
	if note != nil {
		putPhdr(ph[len(img.Segments)*phdrSize:], elf.PT_NOTE, elf.PF_R, noteOff, 0, uint64(len(note)), uint64(len(note)), 4)
		copy(out[noteOff:], note)
	}
	return out
}

// Gzip returns the image compressed with gzip.
func (img Image) Gzip() []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(img.Build())
	_ = zw.Close()
	return buf.Bytes()
}

func putPhdr(b []byte, typ elf.ProgType, flags elf.ProgFlag, off, vaddr, filesz, memsz, align uint64) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(typ))
	le.PutUint32(b[4:], uint32(flags))
	le.PutUint64(b[8:], off)
	le.PutUint64(b[16:], vaddr)
	le.PutUint64(b[24:], vaddr) // p_paddr
	le.PutUint64(b[32:], filesz)
	le.PutUint64(b[40:], memsz)
	le.PutUint64(b[48:], align)
}

func buildNote(owner string, typ uint32, desc []byte) []byte {
	name := append([]byte(owner), 0)
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, uint32(len(name)))
	_ = binary.Write(&buf, le, uint32(len(desc)))
	_ = binary.Write(&buf, le, typ)
	buf.Write(name)
	buf.Write(make([]byte, alignUp(uint64(len(name)), 4)-uint64(len(name))))
	buf.Write(desc)
	buf.Write(make([]byte, alignUp(uint64(len(desc)), 4)-uint64(len(desc))))
	return buf.Bytes()
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Pattern returns n bytes of a recognisable, non-zero pattern.
func Pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7) | 1
	}
	return out
}

// Demo returns a two segment kernel for arch-specific machine m with text at
// base and a data+bss segment after it.
func Demo(m elf.Machine, base uint64, protocol string) Image {
	return Image{
		Machine:  m,
		Entry:    base + 0x40,
		Protocol: protocol,
		Segments: []Segment{
			{VAddr: base, Data: Pattern(0x1800, 0x10), Flags: elf.PF_R | elf.PF_X},
			{VAddr: base + 0x4000, Data: Pattern(0x900, 0x80), MemSize: 0x3000, Flags: elf.PF_R | elf.PF_W},
		},
	}
}
