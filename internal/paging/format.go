package paging

import (
	"github.com/tinyrange/ccboot/internal/hw"
)

const (
	entriesPerTable = 512
	levels          = 4
	leafLevel       = levels - 1
	blockLevel      = levels - 2

	addrMask = 0x0000_FFFF_FFFF_F000
)

// RegisterValue is one translation register the handoff must program.
type RegisterValue struct {
	Register hw.Register
	Value    uint64
}

// format encodes the descriptors of one architecture's paging model.
// Level 0 is the root; level 3 holds 4 KiB pages.
type format interface {
	roots() int
	rootFor(va uint64) int
	canonical(va uint64) bool
	// rootBase is the virtual address of index 0 in root r.
	rootBase(r int) uint64
	tableEntry(phys uint64) uint64
	leafEntry(phys uint64, perm hw.Perm, device bool, level int) uint64
	// decode reports whether entry is present and, if so, whether it is a
	// leaf at this level.
	decode(entry uint64, level int) (present, leaf bool, phys uint64, perm hw.Perm)
	registers(roots []uint64) []RegisterValue
}

func shift(level int) uint { return uint(39 - 9*level) }

func index(va uint64, level int) int {
	return int(va>>shift(level)) & (entriesPerTable - 1)
}

func levelSize(level int) uint64 { return 1 << shift(level) }

func formatFor(arch hw.CpuArchitecture) (format, error) {
	switch arch {
	case hw.ArchitectureX86_64:
		return amd64Format{}, nil
	case hw.ArchitectureARM64:
		return arm64Format{}, nil
	default:
		return nil, hw.ErrUnsupportedArchitecture
	}
}

// amd64 4-level paging.
const (
	amd64Present  = 1 << 0
	amd64Writable = 1 << 1
	amd64WT       = 1 << 3
	amd64CD       = 1 << 4
	amd64PS       = 1 << 7 // 2 MiB page when set in a PDE
	amd64NX       = 1 << 63
)

type amd64Format struct{}

func (amd64Format) roots() int          { return 1 }
func (amd64Format) rootFor(uint64) int  { return 0 }
func (amd64Format) rootBase(int) uint64 { return 0 }

func (amd64Format) tableEntry(p uint64) uint64 {
	return p&addrMask | amd64Present | amd64Writable
}

// canonical requires bits 63..47 to be copies of bit 47.
func (amd64Format) canonical(va uint64) bool {
	top := va >> 47
	return top == 0 || top == 0x1FFFF
}

func (amd64Format) leafEntry(phys uint64, perm hw.Perm, device bool, level int) uint64 {
	e := phys&addrMask | amd64Present
	if perm.Writable() {
		e |= amd64Writable
	}
	if !perm.Executable() {
		e |= amd64NX
	}
	if device {
		e |= amd64CD | amd64WT
	}
	if level == blockLevel {
		e |= amd64PS
	}
	return e
}

func (amd64Format) decode(e uint64, level int) (bool, bool, uint64, hw.Perm) {
	if e&amd64Present == 0 {
		return false, false, 0, 0
	}
	leaf := level == leafLevel || (level == blockLevel && e&amd64PS != 0)
	if !leaf {
		return true, false, e & addrMask, 0
	}
	perm := hw.PermRead
	if e&amd64Writable != 0 {
		perm |= hw.PermWrite
	}
	if e&amd64NX == 0 {
		perm |= hw.PermExecute
	}
	return true, true, e & addrMask, perm
}

func (amd64Format) registers(roots []uint64) []RegisterValue {
	return []RegisterValue{{hw.RegisterAMD64Cr3, roots[0]}}
}

// arm64 stage 1 translation, 4 KiB granule, 48-bit VA in both halves.
const (
	arm64Valid     = 1 << 0
	arm64Table     = 1 << 1 // table at levels 0-2, page at level 3
	arm64AttrShift = 2
	arm64APRO      = 1 << 7 // AP[2]: read-only
	arm64SHInner   = 3 << 8
	arm64AF        = 1 << 10
	arm64PXN       = 1 << 53
	arm64UXN       = 1 << 54

	arm64AttrNormal = 0
	arm64AttrDevice = 1

	// MAIR_EL1: attr0 normal write-back, attr1 device-nGnRE.
	arm64MAIR = 0xFF | 0x04<<8

	arm64TCR = 16<<0 | // T0SZ
		1<<8 | 1<<10 | 3<<12 | // IRGN0, ORGN0, SH0
		0<<14 | // TG0 4K
		16<<16 | // T1SZ
		1<<24 | 1<<26 | 3<<28 | // IRGN1, ORGN1, SH1
		2<<30 | // TG1 4K
		5<<32 // IPS 48 bit
)

type arm64Format struct{}

func (arm64Format) roots() int { return 2 }

func (arm64Format) rootFor(va uint64) int {
	if va>>63 != 0 {
		return 1
	}
	return 0
}

func (arm64Format) rootBase(r int) uint64 {
	if r == 1 {
		return 0xFFFF_0000_0000_0000
	}
	return 0
}

func (arm64Format) canonical(va uint64) bool {
	top := va >> 48
	return top == 0 || top == 0xFFFF
}

func (arm64Format) tableEntry(p uint64) uint64 {
	return p&addrMask | arm64Valid | arm64Table
}

func (arm64Format) leafEntry(phys uint64, perm hw.Perm, device bool, level int) uint64 {
	e := phys&addrMask | arm64Valid | arm64AF | arm64SHInner | arm64UXN
	if level == leafLevel {
		e |= arm64Table
	}
	if device {
		e |= arm64AttrDevice << arm64AttrShift
	} else {
		e |= arm64AttrNormal << arm64AttrShift
	}
	if !perm.Writable() {
		e |= arm64APRO
	}
	if !perm.Executable() {
		e |= arm64PXN
	}
	return e
}

func (arm64Format) decode(e uint64, level int) (bool, bool, uint64, hw.Perm) {
	if e&arm64Valid == 0 {
		return false, false, 0, 0
	}
	var leaf bool
	switch {
	case level == leafLevel:
		leaf = true
	case e&arm64Table == 0:
		leaf = true
	}
	if !leaf {
		return true, false, e & addrMask, 0
	}
	perm := hw.PermRead
	if e&arm64APRO == 0 {
		perm |= hw.PermWrite
	}
	if e&arm64PXN == 0 {
		perm |= hw.PermExecute
	}
	return true, true, e & addrMask, perm
}

func (arm64Format) registers(roots []uint64) []RegisterValue {
	return []RegisterValue{
		{hw.RegisterARM64Mair, arm64MAIR},
		{hw.RegisterARM64Tcr, arm64TCR},
		{hw.RegisterARM64Ttbr0, roots[0]},
		{hw.RegisterARM64Ttbr1, roots[1]},
	}
}
