package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

// PlacedSegment is a segment copied into physical frames.
type PlacedSegment struct {
	Segment

	// FrameBase is the physical address of the first frame. The segment's
	// first byte lives at FrameBase+PageOffset().
	FrameBase uint64
}

// PhysicalStart is the physical address of the segment's first byte.
func (p PlacedSegment) PhysicalStart() uint64 {
	return p.FrameBase + p.PageOffset()
}

// Placement is the result of Materialize.
type Placement struct {
	Entry    uint64
	Segments []PlacedSegment
}

// PlacedRange is a page aligned, virtually and physically contiguous piece
// of the loaded image.
type PlacedRange struct {
	Virt uint64
	Phys uint64
	Size uint64
	Perm hw.Perm
}

// Ranges returns the pages that map the loaded image. A page shared by two
// segments appears once, with the union of their permissions.
func (p *Placement) Ranges() []PlacedRange {
	var out []PlacedRange
	for _, seg := range p.Segments {
		virt := hw.AlignDown(seg.VirtualAddress, hw.PageSize)
		for i := uint64(0); i < seg.Pages(); i++ {
			page := PlacedRange{
				Virt: virt + i*hw.PageSize,
				Phys: seg.FrameBase + i*hw.PageSize,
				Size: hw.PageSize,
				Perm: seg.Perm,
			}
			n := len(out)
			if n == 0 {
				out = append(out, page)
				continue
			}
			last := &out[n-1]
			if last.Virt+last.Size-hw.PageSize == page.Virt {
				if last.Perm|page.Perm == last.Perm {
					continue
				}
				// Split the shared page off and widen it.
				last.Size -= hw.PageSize
				page.Perm |= last.Perm
				if last.Size == 0 {
					out = out[:n-1]
				}
				out = append(out, page)
				continue
			}
			if last.Virt+last.Size == page.Virt && last.Phys+last.Size == page.Phys && last.Perm == page.Perm {
				last.Size += hw.PageSize
				continue
			}
			out = append(out, page)
		}
	}
	return out
}

// segmentRun is a maximal group of consecutive segments linked by shared
// pages, backed by one run of frames.
type segmentRun struct {
	first, last int
}

func (img *Image) runs() []segmentRun {
	var out []segmentRun
	for i := range img.Segments {
		if n := len(out); n > 0 && sharesPage(img.Segments[i-1], img.Segments[i]) {
			out[n-1].last = i
			continue
		}
		out = append(out, segmentRun{first: i, last: i})
	}
	return out
}

func sharesPage(prev, next Segment) bool {
	return hw.AlignUp(prev.End(), hw.PageSize) > hw.AlignDown(next.VirtualAddress, hw.PageSize)
}

// Materialize allocates frames for every segment, zeroes them and copies
// the file bytes in. Segments that share a page share its frame. Any
// failure aborts the whole load.
func (img *Image) Materialize(frames firmware.FrameAllocator, mem firmware.PhysicalMemory, log *slog.Logger) (*Placement, error) {
	if frames == nil || mem == nil {
		return nil, errors.New("materialize requires a frame allocator and physical memory")
	}
	if log == nil {
		log = slog.Default()
	}

	placement := &Placement{Entry: img.Entry}
	for _, run := range img.runs() {
		first := img.Segments[run.first]
		lo := hw.AlignDown(first.VirtualAddress, hw.PageSize)
		hi := hw.AlignUp(img.Segments[run.last].End(), hw.PageSize)

		base, err := allocateZeroed(frames, mem, (hi-lo)/hw.PageSize)
		if err != nil {
			return nil, &SegmentError{Index: run.first, VAddr: first.VirtualAddress, Err: err}
		}

		for idx := run.first; idx <= run.last; idx++ {
			seg := img.Segments[idx]
			placed := PlacedSegment{Segment: seg, FrameBase: base + hw.AlignDown(seg.VirtualAddress, hw.PageSize) - lo}
			if seg.FileSize > 0 {
				if _, err := mem.WriteAt(img.SegmentData(seg), int64(placed.PhysicalStart())); err != nil {
					return nil, &SegmentError{Index: idx, VAddr: seg.VirtualAddress, Err: fmt.Errorf("copy segment data: %w", err)}
				}
			}
			log.Debug("placed kernel segment",
				"index", idx,
				"vaddr", fmt.Sprintf("%#x", seg.VirtualAddress),
				"paddr", fmt.Sprintf("%#x", placed.PhysicalStart()),
				"filesz", seg.FileSize,
				"memsz", seg.MemorySize,
				"perm", seg.Perm.String())
			placement.Segments = append(placement.Segments, placed)
		}
	}
	return placement, nil
}

// allocateZeroed returns a run of cleared frames. Clearing before any copy
// zero-fills every [filesz, memsz) tail, including on shared pages.
func allocateZeroed(frames firmware.FrameAllocator, mem firmware.PhysicalMemory, pages uint64) (uint64, error) {
	base, err := frames.AllocateFrames(pages)
	if err != nil {
		return 0, fmt.Errorf("%w: %d frames: %v", ErrOutOfMemory, pages, err)
	}
	if base%hw.PageSize != 0 {
		return 0, fmt.Errorf("allocator returned unaligned frame %#x", base)
	}
	if err := firmware.ZeroPhysical(mem, base, pages*hw.PageSize); err != nil {
		return 0, err
	}
	return base, nil
}
