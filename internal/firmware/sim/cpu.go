package sim

import (
	"runtime"
	"sync"

	"github.com/tinyrange/ccboot/internal/hw"
)

// RegisterWrite is one recorded WriteRegister call.
type RegisterWrite struct {
	Register hw.Register
	Value    uint64
}

// CPU records register loads. Jump never returns: it ends the calling
// goroutine the way a real jump abandons the loader's stack.
type CPU struct {
	arch hw.CpuArchitecture

	mu      sync.Mutex
	regs    map[hw.Register]uint64
	writes  []RegisterWrite
	entry   uint64
	entered bool
}

func newCPU(arch hw.CpuArchitecture) *CPU {
	return &CPU{arch: arch, regs: make(map[hw.Register]uint64)}
}

func (c *CPU) Architecture() hw.CpuArchitecture { return c.arch }

func (c *CPU) WriteRegister(reg hw.Register, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg] = value
	c.writes = append(c.writes, RegisterWrite{Register: reg, Value: value})
}

func (c *CPU) Jump(pc uint64) {
	regs, err := c.arch.EntryRegisters()
	c.mu.Lock()
	if err == nil {
		c.regs[regs.PC] = pc
	}
	c.entry = pc
	c.entered = true
	c.mu.Unlock()

	runtime.Goexit()
}

// Register returns the last value loaded into reg.
func (c *CPU) Register(reg hw.Register) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.regs[reg]
	return v, ok
}

// Writes returns every register load in order.
func (c *CPU) Writes() []RegisterWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RegisterWrite(nil), c.writes...)
}

// Entered returns the address Jump was called with.
func (c *CPU) Entered() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.entered
}
