package hw

import "fmt"

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rdi
	RegisterAMD64Rsi
	RegisterAMD64Rsp
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr3

	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Ttbr0
	RegisterARM64Ttbr1
	RegisterARM64Mair
	RegisterARM64Tcr
)

var registerNames = map[Register]string{
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cr3:    "cr3",
	RegisterARM64X0:     "x0",
	RegisterARM64X1:     "x1",
	RegisterARM64Sp:     "sp",
	RegisterARM64Pc:     "pc",
	RegisterARM64Ttbr0:  "ttbr0_el1",
	RegisterARM64Ttbr1:  "ttbr1_el1",
	RegisterARM64Mair:   "mair_el1",
	RegisterARM64Tcr:    "tcr_el1",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("register(%d)", uint64(r))
}

// CPU is the processor the loader is running on. These are plain hardware
// primitives: they stay usable after firmware boot services are gone.
type CPU interface {
	Architecture() CpuArchitecture

	// WriteRegister loads a general purpose or system register.
	WriteRegister(reg Register, value uint64)

	// Jump transfers control to pc. It does not return on success.
	Jump(pc uint64)
}

// EntryRegisters describes the calling convention used to enter a kernel:
// which register receives the stack pointer, the BootInfo pointer and the
// program counter.
type EntryRegisters struct {
	Stack Register
	Arg0  Register
	PC    Register
}

func (a CpuArchitecture) EntryRegisters() (EntryRegisters, error) {
	switch a {
	case ArchitectureX86_64:
		// System V: first integer argument in rdi.
		return EntryRegisters{Stack: RegisterAMD64Rsp, Arg0: RegisterAMD64Rdi, PC: RegisterAMD64Rip}, nil
	case ArchitectureARM64:
		return EntryRegisters{Stack: RegisterARM64Sp, Arg0: RegisterARM64X0, PC: RegisterARM64Pc}, nil
	default:
		return EntryRegisters{}, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, a)
	}
}
