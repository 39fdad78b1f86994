package hw

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

const (
	PageSize  = 0x1000
	PageShift = 12

	// HugePageSize is the size of a level-2 block on both architectures.
	HugePageSize = 0x200000
)

// ParseArchitecture accepts the spellings used by GOARCH, uname and the
// UEFI removable-media file names.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64", "x64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64", "aa64":
		return ArchitectureARM64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("%w: %q", ErrUnsupportedArchitecture, s)
	}
}

func (a CpuArchitecture) Valid() bool {
	return a == ArchitectureX86_64 || a == ArchitectureARM64
}

// ELFMachine returns the e_machine value a kernel for this architecture
// must carry.
func (a CpuArchitecture) ELFMachine() elf.Machine {
	switch a {
	case ArchitectureX86_64:
		return elf.EM_X86_64
	case ArchitectureARM64:
		return elf.EM_AARCH64
	default:
		return elf.EM_NONE
	}
}

// LoaderPath is the removable-media path firmware boots this loader from.
func (a CpuArchitecture) LoaderPath() string {
	switch a {
	case ArchitectureX86_64:
		return `\EFI\Boot\BOOTX64.EFI`
	case ArchitectureARM64:
		return `\EFI\Boot\BOOTAA64.EFI`
	default:
		return ""
	}
}

// ConfigPath is the boot configuration file, stored alongside the loader.
func (a CpuArchitecture) ConfigPath() string {
	return `\EFI\Boot\ccboot.conf`
}

func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func AlignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}

// Pages returns the number of 4KiB pages needed to hold size bytes.
func Pages(size uint64) uint64 {
	return AlignUp(size, PageSize) >> PageShift
}
