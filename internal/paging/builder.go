// Package paging builds the page tables a kernel runs on after handoff.
//
// Tables live in an arena keyed by the physical address of the frame that
// backs them. Nothing is written to physical memory until Finish, so a
// table is either complete or never visible to the CPU.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

var (
	ErrUnsafePermissions = errors.New("mapping is both writable and executable")
	ErrOverlap           = errors.New("virtual range is already mapped")
	ErrOutOfMemory       = errors.New("out of memory for page tables")
	ErrInvalidRegion     = errors.New("invalid region")
	ErrFinished          = errors.New("page table already finished")
)

// Region is one virtually contiguous range to map.
type Region struct {
	Name string
	Virt uint64
	Phys uint64
	Size uint64
	Perm hw.Perm

	// Device selects uncached device memory attributes.
	Device bool

	// Huge allows 2 MiB blocks wherever both addresses are block aligned.
	Huge bool
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x, %#x) -> %#x %s", r.Name, r.Virt, r.Virt+r.Size, r.Phys, r.Perm)
}

// RegionError names the region that could not be mapped.
type RegionError struct {
	Region Region
	Err    error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("map %s: %v", e.Region, e.Err)
}

func (e *RegionError) Unwrap() error { return e.Err }

type table [entriesPerTable]uint64

// Builder accumulates mappings for one address space.
type Builder struct {
	arch     hw.CpuArchitecture
	format   format
	frames   firmware.FrameAllocator
	log      *slog.Logger
	tables   map[uint64]*table
	roots    []uint64
	finished bool

	// spare holds frames of tables dropped by a failed Map, reused before
	// asking for new ones.
	spare []uint64
}

// txn records what one Map call changed so a failure can be undone.
type txn struct {
	slots  []slot
	tables []uint64
}

type slot struct {
	table uint64
	index int
	old   uint64
}

// NewBuilder allocates the root tables for arch. Intermediate tables are
// allocated from frames as mappings need them.
func NewBuilder(arch hw.CpuArchitecture, frames firmware.FrameAllocator, log *slog.Logger) (*Builder, error) {
	f, err := formatFor(arch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, arch)
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Builder{
		arch:   arch,
		format: f,
		frames: frames,
		log:    log,
		tables: make(map[uint64]*table),
	}
	for i := 0; i < f.roots(); i++ {
		root, err := b.newTable()
		if err != nil {
			return nil, err
		}
		b.roots = append(b.roots, root)
	}
	return b, nil
}

func (b *Builder) newTable() (uint64, error) {
	if n := len(b.spare); n > 0 {
		phys := b.spare[n-1]
		b.spare = b.spare[:n-1]
		b.tables[phys] = new(table)
		return phys, nil
	}
	phys, err := b.frames.AllocateFrames(1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	if phys%hw.PageSize != 0 {
		return 0, fmt.Errorf("%w: table frame %#x is not page aligned", ErrOutOfMemory, phys)
	}
	if _, ok := b.tables[phys]; ok {
		return 0, fmt.Errorf("%w: frame %#x handed out twice", ErrOutOfMemory, phys)
	}
	b.tables[phys] = new(table)
	return phys, nil
}

// Map adds r to the address space. It is all or nothing: on error the
// address space is left as it was before the call.
func (b *Builder) Map(r Region) error {
	if b.finished {
		return ErrFinished
	}
	if err := b.checkRegion(r); err != nil {
		return &RegionError{Region: r, Err: err}
	}

	var tx txn
	var skipped uint64
	for off := uint64(0); off < r.Size; {
		va, pa := r.Virt+off, r.Phys+off
		level, size := leafLevel, uint64(hw.PageSize)
		if r.Huge && va%hw.HugePageSize == 0 && pa%hw.HugePageSize == 0 && r.Size-off >= hw.HugePageSize {
			level, size = blockLevel, hw.HugePageSize
		}

		mapped, err := b.mapOne(&tx, va, pa, r.Perm, r.Device, level)
		if err != nil {
			b.rollback(&tx)
			return &RegionError{Region: r, Err: err}
		}
		if !mapped {
			skipped += size
		}
		off += size
	}

	b.log.Debug("mapped region",
		"name", r.Name,
		"virt", fmt.Sprintf("%#x", r.Virt),
		"phys", fmt.Sprintf("%#x", r.Phys),
		"size", fmt.Sprintf("%#x", r.Size),
		"perm", r.Perm.String(),
		"already_mapped", skipped)
	return nil
}

func (b *Builder) checkRegion(r Region) error {
	if r.Perm.Writable() && r.Perm.Executable() {
		return ErrUnsafePermissions
	}
	if r.Size == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidRegion)
	}
	if r.Virt%hw.PageSize != 0 || r.Phys%hw.PageSize != 0 || r.Size%hw.PageSize != 0 {
		return fmt.Errorf("%w: not page aligned", ErrInvalidRegion)
	}
	if r.Virt > math.MaxUint64-r.Size+1 || r.Size > addrMask+hw.PageSize || r.Phys > addrMask+hw.PageSize-r.Size {
		return fmt.Errorf("%w: range wraps", ErrInvalidRegion)
	}
	last := r.Virt + r.Size - 1
	if !b.format.canonical(r.Virt) || !b.format.canonical(last) {
		return fmt.Errorf("%w: non-canonical address", ErrInvalidRegion)
	}
	if r.Virt>>63 != last>>63 {
		return fmt.Errorf("%w: crosses the canonical hole", ErrInvalidRegion)
	}
	return nil
}

// mapOne installs a single leaf, journaling every change in tx. It
// reports false if an identical identity mapping was already present.
func (b *Builder) mapOne(tx *txn, va, pa uint64, perm hw.Perm, device bool, target int) (bool, error) {
	curPhys := b.roots[b.format.rootFor(va)]
	cur := b.tables[curPhys]
	for level := 0; level < target; level++ {
		idx := index(va, level)
		present, leaf, next, _ := b.format.decode(cur[idx], level)
		switch {
		case !present:
			phys, err := b.newTable()
			if err != nil {
				return false, err
			}
			tx.tables = append(tx.tables, phys)
			tx.slots = append(tx.slots, slot{table: curPhys, index: idx, old: cur[idx]})
			cur[idx] = b.format.tableEntry(phys)
			next = phys
		case leaf:
			return false, fmt.Errorf("%w: %#x lies in a block mapped at level %d", ErrOverlap, va, level)
		}
		curPhys, cur = next, b.tables[next]
	}

	idx := index(va, target)
	want := b.format.leafEntry(pa, perm, device, target)
	if existing := cur[idx]; existing != 0 {
		present, leaf, _, _ := b.format.decode(existing, target)
		if present && leaf && existing == want && va == pa {
			return false, nil
		}
		return false, fmt.Errorf("%w: %#x", ErrOverlap, va)
	}
	tx.slots = append(tx.slots, slot{table: curPhys, index: idx})
	cur[idx] = want
	return true, nil
}

func (b *Builder) rollback(tx *txn) {
	for i := len(tx.slots) - 1; i >= 0; i-- {
		s := tx.slots[i]
		b.tables[s.table][s.index] = s.old
	}
	for _, phys := range tx.tables {
		delete(b.tables, phys)
		b.spare = append(b.spare, phys)
	}
}

// Finish writes every table to physical memory and returns the immutable
// result. The builder cannot be used afterwards.
func (b *Builder) Finish(mem firmware.PhysicalMemory) (*PageTable, error) {
	if b.finished {
		return nil, ErrFinished
	}
	b.finished = true

	addrs := make([]uint64, 0, len(b.tables))
	for phys := range b.tables {
		addrs = append(addrs, phys)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	buf := make([]byte, hw.PageSize)
	for _, phys := range addrs {
		t := b.tables[phys]
		for i, e := range t {
			binary.LittleEndian.PutUint64(buf[i*8:], e)
		}
		if _, err := mem.WriteAt(buf, int64(phys)); err != nil {
			return nil, fmt.Errorf("flush table at %#x: %w", phys, err)
		}
	}

	b.log.Debug("page tables written", "arch", b.arch, "tables", len(addrs))

	return &PageTable{
		arch:   b.arch,
		format: b.format,
		tables: b.tables,
		roots:  append([]uint64(nil), b.roots...),
		frames: addrs,
	}, nil
}
