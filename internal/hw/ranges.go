package hw

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNoSpace = errors.New("no free physical range large enough")

// Range is a half-open physical address range [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) End() uint64 { return r.Base + r.Size }

func (r Range) Overlaps(o Range) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.End())
}

// RangeAllocator hands out page aligned ranges from a set of free RAM
// ranges. Allocation is top-down, which mirrors how firmware satisfies
// "any pages" requests and keeps low memory free for legacy users.
type RangeAllocator struct {
	mu sync.Mutex

	free      []Range
	allocated []Range
}

// NewRangeAllocator creates an allocator over the given RAM ranges. Ranges
// are trimmed to page boundaries.
func NewRangeAllocator(ram []Range) *RangeAllocator {
	a := &RangeAllocator{}
	for _, r := range ram {
		base := AlignUp(r.Base, PageSize)
		end := AlignDown(r.End(), PageSize)
		if end <= base {
			continue
		}
		a.free = append(a.free, Range{Base: base, Size: end - base})
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Base < a.free[j].Base })
	return a
}

// Allocate returns a range of size bytes, rounded up to whole pages and
// aligned to align (a power of two, at least one page).
func (a *RangeAllocator) Allocate(size, align uint64) (Range, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Range{}, errors.New("range allocator: cannot allocate zero-size range")
	}
	if align < PageSize {
		align = PageSize
	}
	if align&(align-1) != 0 {
		return Range{}, fmt.Errorf("range allocator: alignment %#x is not a power of 2", align)
	}
	size = AlignUp(size, PageSize)

	for i := len(a.free) - 1; i >= 0; i-- {
		fr := a.free[i]
		if fr.Size < size {
			continue
		}
		base := AlignDown(fr.End()-size, align)
		if base < fr.Base {
			continue
		}
		got := Range{Base: base, Size: size}
		a.carve(i, got)
		a.allocated = append(a.allocated, got)
		return got, nil
	}
	return Range{}, fmt.Errorf("%w: %#x bytes", ErrNoSpace, size)
}

// Reserve removes a fixed range from the free list. It fails if any part of
// the range is not free.
func (a *RangeAllocator) Reserve(r Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r.Base = AlignDown(r.Base, PageSize)
	r.Size = AlignUp(r.Size, PageSize)
	for i, fr := range a.free {
		if r.Base >= fr.Base && r.End() <= fr.End() {
			a.carve(i, r)
			a.allocated = append(a.allocated, r)
			return nil
		}
	}
	return fmt.Errorf("range allocator: %s is not free", r)
}

func (a *RangeAllocator) carve(idx int, r Range) {
	fr := a.free[idx]
	var out []Range
	if r.Base > fr.Base {
		out = append(out, Range{Base: fr.Base, Size: r.Base - fr.Base})
	}
	if r.End() < fr.End() {
		out = append(out, Range{Base: r.End(), Size: fr.End() - r.End()})
	}
	rest := append([]Range{}, a.free[idx+1:]...)
	a.free = append(append(a.free[:idx], out...), rest...)
}

// Free returns a copy of the free ranges in ascending order.
func (a *RangeAllocator) Free() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Range, len(a.free))
	copy(result, a.free)
	return result
}

// Allocations returns a copy of every range handed out so far.
func (a *RangeAllocator) Allocations() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Range, len(a.allocated))
	copy(result, a.allocated)
	return result
}
