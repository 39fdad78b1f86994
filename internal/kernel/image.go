// Package kernel parses ELF64 kernel images and places their loadable
// segments in physical memory.
package kernel

import (
	"bytes"
	"compress/gzip"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/tinyrange/ccboot/internal/hw"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported kernel format")
	ErrMalformed         = errors.New("malformed kernel image")
	ErrMisaligned        = errors.New("segment virtual address and file offset are not congruent modulo the page size")
	ErrOutOfMemory       = errors.New("out of memory")
)

const (
	// maxInflatedSize bounds gzip decompression of a compressed kernel.
	maxInflatedSize = 1 << 30

	protocolNoteOwner = "ccboot"
	protocolNoteType  = 1
)

// Segment is one PT_LOAD program header.
type Segment struct {
	VirtualAddress uint64
	FileOffset     uint64
	FileSize       uint64
	MemorySize     uint64
	Align          uint64
	Perm           hw.Perm
}

// End returns the first virtual address past the segment.
func (s Segment) End() uint64 { return s.VirtualAddress + s.MemorySize }

// PageOffset is the offset of the segment start within its first page.
func (s Segment) PageOffset() uint64 { return s.VirtualAddress % hw.PageSize }

// Pages is the number of frames that cover the segment in memory.
func (s Segment) Pages() uint64 { return hw.Pages(s.PageOffset() + s.MemorySize) }

func (s Segment) String() string {
	return fmt.Sprintf("[%#x, %#x) %s file %#x+%#x", s.VirtualAddress, s.End(), s.Perm, s.FileOffset, s.FileSize)
}

// SegmentError locates a failure at one segment.
type SegmentError struct {
	Index int
	VAddr uint64
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d @%#x: %v", e.Index, e.VAddr, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// Image is a parsed and validated kernel.
type Image struct {
	Arch     hw.CpuArchitecture
	Entry    uint64
	Segments []Segment

	// Protocol is the boot protocol version the kernel declares in its
	// ccboot note, or empty.
	Protocol string

	data []byte
}

// Parse validates an ELF64 kernel for arch. Gzip compressed images are
// inflated first.
func Parse(data []byte, arch hw.CpuArchitecture) (*Image, error) {
	if !arch.Valid() {
		return nil, fmt.Errorf("%w: %s", hw.ErrUnsupportedArchitecture, arch)
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		inflated, err := inflate(data)
		if err != nil {
			return nil, err
		}
		data = inflated
	}
	if len(data) < 4 || !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("%w: missing ELF magic", ErrUnsupportedFormat)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: %s, want ELFCLASS64", ErrUnsupportedFormat, f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s, want little endian", ErrUnsupportedFormat, f.Data)
	}
	if f.Machine != arch.ELFMachine() {
		return nil, fmt.Errorf("%w: machine %s, want %s", ErrUnsupportedFormat, f.Machine, arch.ELFMachine())
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %s, only statically linked executables are loaded", ErrUnsupportedFormat, f.Type)
	}

	img := &Image{Arch: arch, Entry: f.Entry, data: data}

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
		case elf.PT_NOTE:
			proto, err := readProtocolNote(prog, f.ByteOrder, uint64(len(data)))
			if err != nil {
				return nil, err
			}
			if proto != "" {
				img.Protocol = proto
			}
			continue
		case elf.PT_DYNAMIC, elf.PT_INTERP:
			return nil, fmt.Errorf("%w: %s program header", ErrUnsupportedFormat, prog.Type)
		default:
			continue
		}
		if prog.Memsz == 0 {
			continue
		}

		idx := len(img.Segments)
		seg := Segment{
			VirtualAddress: prog.Vaddr,
			FileOffset:     prog.Off,
			FileSize:       prog.Filesz,
			MemorySize:     prog.Memsz,
			Align:          prog.Align,
			Perm:           permFromFlags(prog.Flags),
		}
		if err := validateSegment(seg, uint64(len(data))); err != nil {
			return nil, &SegmentError{Index: idx, VAddr: seg.VirtualAddress, Err: err}
		}
		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrMalformed)
	}

	sort.SliceStable(img.Segments, func(i, j int) bool {
		return img.Segments[i].VirtualAddress < img.Segments[j].VirtualAddress
	})
	for i := 1; i < len(img.Segments); i++ {
		prev, cur := img.Segments[i-1], img.Segments[i]
		if prev.End() > cur.VirtualAddress {
			return nil, &SegmentError{Index: i, VAddr: cur.VirtualAddress,
				Err: fmt.Errorf("%w: overlaps segment %s", ErrMalformed, prev)}
		}
		// A shared page takes both permissions.
		if shared := prev.Perm | cur.Perm; sharesPage(prev, cur) && shared.Writable() && shared.Executable() {
			return nil, &SegmentError{Index: i, VAddr: cur.VirtualAddress,
				Err: fmt.Errorf("%w: shares a page with %s, which would be writable and executable", ErrMalformed, prev)}
		}
	}

	if err := img.validateEntry(); err != nil {
		return nil, err
	}
	return img, nil
}

func validateSegment(seg Segment, fileLen uint64) error {
	if seg.FileSize > seg.MemorySize {
		return fmt.Errorf("%w: file size %#x exceeds memory size %#x", ErrMalformed, seg.FileSize, seg.MemorySize)
	}
	if seg.FileOffset > fileLen || seg.FileSize > fileLen-seg.FileOffset {
		return fmt.Errorf("%w: file range %#x+%#x outside image of %#x bytes", ErrMalformed, seg.FileOffset, seg.FileSize, fileLen)
	}
	if seg.VirtualAddress > math.MaxUint64-seg.MemorySize-hw.PageSize {
		return fmt.Errorf("%w: segment wraps the address space", ErrMalformed)
	}
	if seg.VirtualAddress%hw.PageSize != seg.FileOffset%hw.PageSize {
		return fmt.Errorf("%w: vaddr %#x, offset %#x", ErrMisaligned, seg.VirtualAddress, seg.FileOffset)
	}
	return nil
}

func (img *Image) validateEntry() error {
	var hits int
	for _, seg := range img.Segments {
		if img.Entry >= seg.VirtualAddress && img.Entry < seg.End() {
			if !seg.Perm.Executable() {
				return fmt.Errorf("%w: entry %#x lies in non-executable segment %s", ErrMalformed, img.Entry, seg)
			}
			hits++
		}
	}
	if hits != 1 {
		return fmt.Errorf("%w: entry %#x is not inside an executable segment", ErrMalformed, img.Entry)
	}
	return nil
}

// SegmentData returns the file bytes of a segment.
func (img *Image) SegmentData(seg Segment) []byte {
	return img.data[seg.FileOffset : seg.FileOffset+seg.FileSize]
}

// Span returns the lowest and highest virtual addresses covered by the
// loadable segments.
func (img *Image) Span() (lo, hi uint64) {
	lo = img.Segments[0].VirtualAddress
	hi = img.Segments[len(img.Segments)-1].End()
	return lo, hi
}

func permFromFlags(flags elf.ProgFlag) hw.Perm {
	var p hw.Perm
	if flags&elf.PF_R != 0 {
		p |= hw.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= hw.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= hw.PermExecute
	}
	return p
}

func inflate(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate kernel: %v", ErrUnsupportedFormat, err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("%w: inflated kernel exceeds %d bytes", ErrUnsupportedFormat, maxInflatedSize)
	}
	return out, nil
}

// readProtocolNote scans a PT_NOTE segment for the ccboot protocol note.
func readProtocolNote(prog *elf.Prog, order binary.ByteOrder, fileLen uint64) (string, error) {
	if prog.Filesz == 0 {
		return "", nil
	}
	if prog.Off > fileLen || prog.Filesz > fileLen-prog.Off {
		return "", fmt.Errorf("%w: note range %#x+%#x outside image of %#x bytes", ErrMalformed, prog.Off, prog.Filesz, fileLen)
	}
	buf := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(buf, 0); err != nil {
		return "", fmt.Errorf("%w: read note segment: %v", ErrMalformed, err)
	}

	for len(buf) >= 12 {
		namesz := uint64(order.Uint32(buf[0:]))
		descsz := uint64(order.Uint32(buf[4:]))
		typ := order.Uint32(buf[8:])
		buf = buf[12:]

		nameEnd := hw.AlignUp(namesz, 4)
		descEnd := nameEnd + hw.AlignUp(descsz, 4)
		if descEnd > uint64(len(buf)) {
			return "", fmt.Errorf("%w: truncated note", ErrMalformed)
		}
		name := strings.TrimRight(string(buf[:namesz]), "\x00")
		desc := buf[nameEnd : nameEnd+descsz]
		buf = buf[descEnd:]

		if name == protocolNoteOwner && typ == protocolNoteType {
			return strings.TrimRight(string(desc), "\x00"), nil
		}
	}
	return "", nil
}
