package paging

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

const (
	testMemBase = 0x100000
	testMemSize = 0x400000
)

type stubMemory struct {
	mem []byte
}

func (s *stubMemory) ReadAt(p []byte, off int64) (int, error) {
	off -= testMemBase
	if off < 0 || int(off) >= len(s.mem) {
		return 0, os.ErrInvalid
	}
	n := copy(p, s.mem[off:])
	if n < len(p) {
		return n, os.ErrInvalid
	}
	return n, nil
}

func (s *stubMemory) WriteAt(p []byte, off int64) (int, error) {
	off -= testMemBase
	if off < 0 || int(off) >= len(s.mem) {
		return 0, os.ErrInvalid
	}
	n := copy(s.mem[off:], p)
	if n < len(p) {
		return n, os.ErrInvalid
	}
	return n, nil
}

var (
	_ firmware.PhysicalMemory = &stubMemory{}
)

func newTestBuilder(t *testing.T, arch hw.CpuArchitecture) (*Builder, *stubMemory) {
	t.Helper()

	alloc := hw.NewRangeAllocator([]hw.Range{{Base: testMemBase, Size: testMemSize}})
	frames := firmware.FrameAllocatorFunc(func(count uint64) (uint64, error) {
		r, err := alloc.Allocate(count*hw.PageSize, hw.PageSize)
		return r.Base, err
	})
	b, err := NewBuilder(arch, frames, nil)
	if err != nil {
		t.Fatalf("NewBuilder(%s): %v", arch, err)
	}
	return b, &stubMemory{mem: make([]byte, testMemSize)}
}

var testArches = []hw.CpuArchitecture{hw.ArchitectureX86_64, hw.ArchitectureARM64}

func TestMapAndTranslate(t *testing.T) {
	const kernelBase = 0xFFFFFFFF80000000

	for _, arch := range testArches {
		t.Run(string(arch), func(t *testing.T) {
			b, mem := newTestBuilder(t, arch)

			text := Region{Name: "text", Virt: kernelBase, Phys: 0x40000000, Size: 0x3000, Perm: hw.PermRead | hw.PermExecute}
			data := Region{Name: "data", Virt: kernelBase + 0x4000, Phys: 0x40010000, Size: 0x2000, Perm: hw.PermRead | hw.PermWrite}
			for _, r := range []Region{text, data} {
				if err := b.Map(r); err != nil {
					t.Fatalf("Map(%s): %v", r, err)
				}
			}

			pt, err := b.Finish(mem)
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}

			tests := []struct {
				va   uint64
				pa   uint64
				perm hw.Perm
			}{
				{kernelBase, 0x40000000, hw.PermRead | hw.PermExecute},
				{kernelBase + 0x2abc, 0x40002abc, hw.PermRead | hw.PermExecute},
				{kernelBase + 0x4008, 0x40010008, hw.PermRead | hw.PermWrite},
				{kernelBase + 0x5fff, 0x40011fff, hw.PermRead | hw.PermWrite},
			}
			for _, tc := range tests {
				pa, perm, ok := pt.Translate(tc.va)
				if !ok {
					t.Fatalf("Translate(%#x) not mapped", tc.va)
				}
				if pa != tc.pa || perm != tc.perm {
					t.Fatalf("Translate(%#x) = %#x %s, want %#x %s", tc.va, pa, perm, tc.pa, tc.perm)
				}
			}
			for _, va := range []uint64{kernelBase + 0x3000, kernelBase + 0x6000, 0x1000} {
				if _, _, ok := pt.Translate(va); ok {
					t.Fatalf("Translate(%#x) mapped, want hole", va)
				}
			}
		})
	}
}

func TestLeafEncoding(t *testing.T) {
	amd := amd64Format{}
	if e := amd.leafEntry(0x5000, hw.PermRead|hw.PermWrite, false, leafLevel); e != 0x5000|amd64Present|amd64Writable|amd64NX {
		t.Fatalf("amd64 data pte = %#x", e)
	}
	if e := amd.leafEntry(0x200000, hw.PermRead|hw.PermExecute, false, blockLevel); e != 0x200000|amd64Present|amd64PS {
		t.Fatalf("amd64 text pde = %#x", e)
	}

	arm := arm64Format{}
	want := uint64(0x5000 | arm64Valid | arm64Table | arm64AF | arm64SHInner | arm64UXN | arm64APRO)
	if e := arm.leafEntry(0x5000, hw.PermRead|hw.PermExecute, false, leafLevel); e != want {
		t.Fatalf("arm64 text pte = %#x, want %#x", e, want)
	}
	want = uint64(0x200000 | arm64Valid | arm64AF | arm64SHInner | arm64UXN | arm64PXN | arm64AttrDevice<<arm64AttrShift)
	if e := arm.leafEntry(0x200000, hw.PermRead|hw.PermWrite, true, blockLevel); e != want {
		t.Fatalf("arm64 device block = %#x, want %#x", e, want)
	}
}

func TestRejectsWritableExecutable(t *testing.T) {
	for _, arch := range testArches {
		b, _ := newTestBuilder(t, arch)
		err := b.Map(Region{Name: "wx", Virt: 0x400000, Phys: 0x400000, Size: 0x1000, Perm: hw.PermRead | hw.PermWrite | hw.PermExecute})
		if !errors.Is(err, ErrUnsafePermissions) {
			t.Fatalf("%s: Map error = %v, want ErrUnsafePermissions", arch, err)
		}
		var regionErr *RegionError
		if !errors.As(err, &regionErr) || regionErr.Region.Name != "wx" {
			t.Fatalf("%s: Map error = %v, want RegionError naming wx", arch, err)
		}
	}
}

func TestRejectsOverlap(t *testing.T) {
	for _, arch := range testArches {
		t.Run(string(arch), func(t *testing.T) {
			b, _ := newTestBuilder(t, arch)
			rw := hw.PermRead | hw.PermWrite

			if err := b.Map(Region{Name: "a", Virt: 0x800000, Phys: 0x800000, Size: 0x4000, Perm: rw}); err != nil {
				t.Fatalf("Map(a): %v", err)
			}
			if err := b.Map(Region{Name: "same identity", Virt: 0x801000, Phys: 0x801000, Size: 0x1000, Perm: rw}); err != nil {
				t.Fatalf("identical identity remap: %v", err)
			}
			if err := b.Map(Region{Name: "other frame", Virt: 0x802000, Phys: 0x900000, Size: 0x1000, Perm: rw}); !errors.Is(err, ErrOverlap) {
				t.Fatalf("remap to other frame error = %v, want ErrOverlap", err)
			}
			if err := b.Map(Region{Name: "other perm", Virt: 0x803000, Phys: 0x803000, Size: 0x1000, Perm: hw.PermRead}); !errors.Is(err, ErrOverlap) {
				t.Fatalf("remap with other permissions error = %v, want ErrOverlap", err)
			}
			huge := Region{Name: "block", Virt: 0x800000, Phys: 0x800000, Size: hw.HugePageSize, Perm: rw, Huge: true}
			if err := b.Map(huge); !errors.Is(err, ErrOverlap) {
				t.Fatalf("block over page table error = %v, want ErrOverlap", err)
			}
		})
	}
}

func TestFailedMapIsUndone(t *testing.T) {
	for _, arch := range testArches {
		t.Run(string(arch), func(t *testing.T) {
			alloc := hw.NewRangeAllocator([]hw.Range{{Base: testMemBase, Size: testMemSize}})
			var allocated int
			frames := firmware.FrameAllocatorFunc(func(count uint64) (uint64, error) {
				allocated += int(count)
				r, err := alloc.Allocate(count*hw.PageSize, hw.PageSize)
				return r.Base, err
			})
			b, err := NewBuilder(arch, frames, nil)
			if err != nil {
				t.Fatalf("NewBuilder: %v", err)
			}
			rw := hw.PermRead | hw.PermWrite

			if err := b.Map(Region{Name: "a", Virt: 0x800000, Phys: 0x800000, Size: 0x1000, Perm: rw}); err != nil {
				t.Fatalf("Map(a): %v", err)
			}
			// Two fresh pages below a, in a leaf table of their own, then a
			// clash with a.
			clash := Region{Name: "clash", Virt: 0x7fe000, Phys: 0x500000, Size: 0x3000, Perm: rw}
			if err := b.Map(clash); !errors.Is(err, ErrOverlap) {
				t.Fatalf("Map(clash) error = %v, want ErrOverlap", err)
			}
			if err := b.Map(Region{Name: "c", Virt: 0x7fe000, Phys: 0x600000, Size: 0x2000, Perm: hw.PermRead}); err != nil {
				t.Fatalf("Map(c) after a failed map: %v", err)
			}

			pt, err := b.Finish(&stubMemory{mem: make([]byte, testMemSize)})
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if pa, perm, ok := pt.Translate(0x7fe000); !ok || pa != 0x600000 || perm != hw.PermRead {
				t.Fatalf("Translate(0x7fe000) = %#x %s %v, want 0x600000 r", pa, perm, ok)
			}
			if pa, perm, ok := pt.Translate(0x800000); !ok || pa != 0x800000 || perm != rw {
				t.Fatalf("Translate(0x800000) = %#x %s %v, want identity rw", pa, perm, ok)
			}
			if got := len(pt.Frames()); got != allocated {
				t.Fatalf("tables = %d, frames allocated = %d, want the dropped table reused", got, allocated)
			}
			var total uint64
			for _, m := range pt.Mappings() {
				total += m.Size
			}
			if total != 0x3000 {
				t.Fatalf("mapped %#x bytes, want 0x3000: %v", total, pt.Mappings())
			}
		})
	}
}

func TestRejectsInvalidRegions(t *testing.T) {
	tests := []struct {
		name string
		arch hw.CpuArchitecture
		r    Region
	}{
		{"empty", hw.ArchitectureX86_64, Region{Virt: 0x1000, Phys: 0x1000, Perm: hw.PermRead}},
		{"unaligned", hw.ArchitectureX86_64, Region{Virt: 0x1800, Phys: 0x1000, Size: 0x1000, Perm: hw.PermRead}},
		{"amd64 hole", hw.ArchitectureX86_64, Region{Virt: 0x0000_8000_0000_0000, Phys: 0x1000, Size: 0x1000, Perm: hw.PermRead}},
		{"arm64 hole", hw.ArchitectureARM64, Region{Virt: 0x0001_0000_0000_0000, Phys: 0x1000, Size: 0x1000, Perm: hw.PermRead}},
		{"crosses top of low half", hw.ArchitectureX86_64, Region{Virt: 0x0000_7FFF_FFFF_F000, Phys: 0x1000, Size: 0x2000, Perm: hw.PermRead}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, _ := newTestBuilder(t, tc.arch)
			if err := b.Map(tc.r); !errors.Is(err, ErrInvalidRegion) {
				t.Fatalf("Map error = %v, want ErrInvalidRegion", err)
			}
		})
	}
}

func TestOutOfTableMemory(t *testing.T) {
	calls := 0
	frames := firmware.FrameAllocatorFunc(func(count uint64) (uint64, error) {
		calls++
		if calls > 2 {
			return 0, firmware.ErrOutOfResources
		}
		return uint64(calls) * hw.PageSize, nil
	})
	b, err := NewBuilder(hw.ArchitectureX86_64, frames, nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	err = b.Map(Region{Name: "deep", Virt: 0x4000_0000, Phys: 0x4000_0000, Size: 0x1000, Perm: hw.PermRead})
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Map error = %v, want ErrOutOfMemory", err)
	}
}

func TestPhysicalWindowUsesBlocks(t *testing.T) {
	const offset = 0xFFFF800000000000

	b, mem := newTestBuilder(t, hw.ArchitectureX86_64)
	if err := b.Map(PhysicalWindow(offset, 0x8000000)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pt, err := b.Finish(mem)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// PML4, one PDPT and four page directories.
	if got := len(pt.Frames()); got != 6 {
		t.Fatalf("len(Frames) = %d, want 6", got)
	}
	pa, perm, ok := pt.Translate(offset + 0xFEE00123)
	if !ok || pa != 0xFEE00123 || perm != hw.PermRead|hw.PermWrite {
		t.Fatalf("Translate = %#x %s %v, want 0xfee00123 rw- true", pa, perm, ok)
	}
	maps := pt.Mappings()
	if len(maps) != 1 || maps[0].Virt != offset || maps[0].Size != 4<<30 {
		t.Fatalf("Mappings = %v, want one 4 GiB run at %#x", maps, uint64(offset))
	}
}

func TestFinishWritesTables(t *testing.T) {
	b, mem := newTestBuilder(t, hw.ArchitectureX86_64)
	if err := b.Map(Region{Name: "page", Virt: 0x200000, Phys: 0x300000, Size: 0x1000, Perm: hw.PermRead}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pt, err := b.Finish(mem)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := b.Map(Region{Name: "late", Virt: 0x400000, Phys: 0x400000, Size: 0x1000, Perm: hw.PermRead}); !errors.Is(err, ErrFinished) {
		t.Fatalf("Map after Finish error = %v, want ErrFinished", err)
	}

	// Walk the flushed copy by hand.
	next := pt.Roots()[0]
	for level := 0; level < levels; level++ {
		var buf [8]byte
		if _, err := mem.ReadAt(buf[:], int64(next+uint64(index(0x200000, level))*8)); err != nil {
			t.Fatalf("read level %d: %v", level, err)
		}
		e := binary.LittleEndian.Uint64(buf[:])
		if e&amd64Present == 0 {
			t.Fatalf("level %d entry not present", level)
		}
		next = e & addrMask
	}
	if next != 0x300000 {
		t.Fatalf("leaf frame = %#x, want 0x300000", next)
	}

	regs := pt.ActivationRegisters()
	if len(regs) != 1 || regs[0].Register != hw.RegisterAMD64Cr3 || regs[0].Value != pt.Roots()[0] {
		t.Fatalf("ActivationRegisters = %v, want cr3=%#x", regs, pt.Roots()[0])
	}
}

func TestARM64UsesTwoRoots(t *testing.T) {
	b, mem := newTestBuilder(t, hw.ArchitectureARM64)
	low := Region{Name: "low", Virt: 0x40000000, Phys: 0x40000000, Size: 0x1000, Perm: hw.PermRead | hw.PermExecute}
	high := Region{Name: "high", Virt: 0xFFFF000000000000, Phys: 0x40000000, Size: 0x1000, Perm: hw.PermRead}
	for _, r := range []Region{low, high} {
		if err := b.Map(r); err != nil {
			t.Fatalf("Map(%s): %v", r.Name, err)
		}
	}
	pt, err := b.Finish(mem)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	roots := pt.Roots()
	if len(roots) != 2 || roots[0] == roots[1] {
		t.Fatalf("Roots = %#x, want two distinct tables", roots)
	}
	regs := pt.ActivationRegisters()
	if regs[len(regs)-1].Register != hw.RegisterARM64Ttbr1 || regs[len(regs)-1].Value != roots[1] {
		t.Fatalf("last activation register = %v, want ttbr1_el1=%#x", regs[len(regs)-1], roots[1])
	}
	maps := pt.Mappings()
	if len(maps) != 2 || maps[0].Virt != low.Virt || maps[1].Virt != high.Virt {
		t.Fatalf("Mappings = %v", maps)
	}
}

// Whatever sequence of regions is accepted, the resulting mappings never
// share a virtual page.
func TestMappingsNeverOverlap(t *testing.T) {
	for _, arch := range testArches {
		t.Run(string(arch), func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			b, mem := newTestBuilder(t, arch)

			var accepted []Region
			for i := 0; i < 200; i++ {
				r := Region{
					Name: "random",
					Virt: 0xFFFFFFFF80000000 + uint64(rng.Intn(256))*hw.PageSize,
					Phys: uint64(rng.Intn(1<<16)) * hw.PageSize,
					Size: uint64(1+rng.Intn(8)) * hw.PageSize,
					Perm: []hw.Perm{hw.PermRead, hw.PermRead | hw.PermWrite, hw.PermRead | hw.PermExecute}[rng.Intn(3)],
				}
				if rng.Intn(4) == 0 {
					r.Virt = r.Phys
				}
				if err := b.Map(r); err == nil {
					accepted = append(accepted, r)
				} else if !errors.Is(err, ErrOverlap) {
					t.Fatalf("Map(%s): %v", r, err)
				}
			}
			if len(accepted) < 10 {
				t.Fatalf("only %d regions accepted", len(accepted))
			}

			pt, err := b.Finish(mem)
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}
			maps := pt.Mappings()
			if !sort.SliceIsSorted(maps, func(i, j int) bool { return maps[i].Virt < maps[j].Virt }) {
				t.Fatalf("Mappings not sorted")
			}
			for i := 1; i < len(maps); i++ {
				if maps[i-1].End() > maps[i].Virt {
					t.Fatalf("mappings overlap: %s and %s", maps[i-1], maps[i])
				}
			}
			for _, r := range accepted {
				for off := uint64(0); off < r.Size; off += hw.PageSize {
					pa, perm, ok := pt.Translate(r.Virt + off)
					if !ok || pa != r.Phys+off || perm != r.Perm {
						t.Fatalf("Translate(%#x) = %#x %s %v, want %#x %s", r.Virt+off, pa, perm, ok, r.Phys+off, r.Perm)
					}
				}
			}
		})
	}
}
