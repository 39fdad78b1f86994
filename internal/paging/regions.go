package paging

import (
	"fmt"

	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/kernel"
)

// SegmentRegions maps the placed kernel image at its link address. A page
// shared by two segments is mapped once with both permissions.
func SegmentRegions(p *kernel.Placement) []Region {
	ranges := p.Ranges()
	out := make([]Region, 0, len(ranges))
	for i, r := range ranges {
		out = append(out, Region{
			Name: fmt.Sprintf("kernel range %d", i),
			Virt: r.Virt,
			Phys: r.Phys,
			Size: r.Size,
			Perm: r.Perm,
		})
	}
	return out
}

// Identity maps r at its own physical address, widened to page boundaries.
func Identity(name string, r hw.Range, perm hw.Perm, device bool) Region {
	base := hw.AlignDown(r.Base, hw.PageSize)
	end := hw.AlignUp(r.End(), hw.PageSize)
	return Region{Name: name, Virt: base, Phys: base, Size: end - base, Perm: perm, Device: device}
}

// PhysicalWindow maps physical memory [0, limit) at offset using 2 MiB
// blocks. limit is rounded up to a block and is at least 4 GiB.
func PhysicalWindow(offset, maxPhys uint64) Region {
	limit := hw.AlignUp(maxPhys, hw.HugePageSize)
	if limit < 4<<30 {
		limit = 4 << 30
	}
	return Region{
		Name: "physical memory",
		Virt: offset,
		Phys: 0,
		Size: limit,
		Perm: hw.PermRead | hw.PermWrite,
		Huge: true,
	}
}
