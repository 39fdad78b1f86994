package paging

import (
	"fmt"

	"github.com/tinyrange/ccboot/internal/hw"
)

// Mapping is a maximal run of virtually and physically contiguous pages
// with the same permissions.
type Mapping struct {
	Virt uint64
	Phys uint64
	Size uint64
	Perm hw.Perm
}

func (m Mapping) End() uint64 { return m.Virt + m.Size }

func (m Mapping) String() string {
	return fmt.Sprintf("[%#x, %#x) -> %#x %s", m.Virt, m.End(), m.Phys, m.Perm)
}

// PageTable is a finished address space. It has been written to physical
// memory and is ready to be activated.
type PageTable struct {
	arch   hw.CpuArchitecture
	format format
	tables map[uint64]*table
	roots  []uint64
	frames []uint64
}

func (pt *PageTable) Arch() hw.CpuArchitecture { return pt.arch }

// Roots returns the physical addresses of the root tables. amd64 has one,
// arm64 has one per address-space half.
func (pt *PageTable) Roots() []uint64 {
	return append([]uint64(nil), pt.roots...)
}

// Frames returns the physical frames holding tables, in ascending order.
func (pt *PageTable) Frames() []uint64 {
	return append([]uint64(nil), pt.frames...)
}

// ActivationRegisters lists the translation registers to program, in the
// order they must be written. The root register comes last.
func (pt *PageTable) ActivationRegisters() []RegisterValue {
	return pt.format.registers(pt.roots)
}

// Translate walks the table for va.
func (pt *PageTable) Translate(va uint64) (phys uint64, perm hw.Perm, ok bool) {
	if !pt.format.canonical(va) {
		return 0, 0, false
	}
	cur := pt.tables[pt.roots[pt.format.rootFor(va)]]
	for level := 0; level < levels; level++ {
		present, leaf, next, p := pt.format.decode(cur[index(va, level)], level)
		if !present {
			return 0, 0, false
		}
		if leaf {
			return next + va&(levelSize(level)-1), p, true
		}
		cur = pt.tables[next]
		if cur == nil {
			return 0, 0, false
		}
	}
	return 0, 0, false
}

// Mappings walks every table and returns the mapped runs in ascending
// virtual address order.
func (pt *PageTable) Mappings() []Mapping {
	var out []Mapping
	for r, root := range pt.roots {
		pt.walk(root, 0, pt.format.rootBase(r), &out)
	}
	return out
}

func (pt *PageTable) walk(phys uint64, level int, base uint64, out *[]Mapping) {
	t := pt.tables[phys]
	for i, e := range t {
		va := base + uint64(i)<<shift(level)
		if level == 0 && pt.format.roots() == 1 && i >= entriesPerTable/2 {
			va |= 0xFFFF_0000_0000_0000
		}
		present, leaf, next, perm := pt.format.decode(e, level)
		if !present {
			continue
		}
		if !leaf {
			pt.walk(next, level+1, va, out)
			continue
		}
		m := Mapping{Virt: va, Phys: next, Size: levelSize(level), Perm: perm}
		if n := len(*out); n > 0 {
			last := &(*out)[n-1]
			if last.End() == m.Virt && last.Phys+last.Size == m.Phys && last.Perm == m.Perm {
				last.Size += m.Size
				continue
			}
		}
		*out = append(*out, m)
	}
}
