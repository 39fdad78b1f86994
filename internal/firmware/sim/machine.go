// Package sim is a simulated UEFI machine: boot services, runtime
// services, physical memory and a CPU whose Jump really does not return.
// It exists so the loader can be driven end to end in tests and by
// cmd/bootsim.
package sim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/ccboot/internal/acpi"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

const (
	loaderImageSize = 0x40000
	loaderStackSize = 0x10000
	acpiRegionSize  = 2 * hw.PageSize

	// framebufferFloor is the lowest address the framebuffer is placed at.
	framebufferFloor = 0x80000000
)

type allocation struct {
	hw.Range
	Type firmware.MemoryType
}

// Machine is one simulated computer.
type Machine struct {
	arch    hw.CpuArchitecture
	profile Profile
	log     *slog.Logger

	mem     *Memory
	cpu     *CPU
	console *Console
	gop     *graphicsOutput
	keys    firmware.KeyReader
	serial  *lockedBuffer

	mu             sync.Mutex
	alloc          *hw.RangeAllocator
	allocs         []allocation
	key            firmware.MapKey
	staleRemaining int
	exited         bool
	violations     int
	resets         []firmware.ResetType

	files       map[string][]byte
	tables      []firmware.ConfigurationTableEntry
	loaderImage hw.Range
	loaderStack hw.Range
}

// Option configures a Machine.
type Option func(*Machine)

// WithFiles places files on the simulated ESP.
func WithFiles(files map[string][]byte) Option {
	return func(m *Machine) {
		for path, data := range files {
			m.files[normalizePath(path)] = data
		}
	}
}

// WithKeyReader replaces the queued keystrokes of the profile.
func WithKeyReader(keys firmware.KeyReader) Option {
	return func(m *Machine) { m.keys = keys }
}

// WithConsoleEcho copies everything written to the firmware console to w.
func WithConsoleEcho(w io.Writer) Option {
	return func(m *Machine) { m.console.echo = w }
}

// WithSerialEcho copies runtime diagnostics to w.
func WithSerialEcho(w io.Writer) Option {
	return func(m *Machine) { m.serial.echo = w }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// New builds a machine from p. The firmware's own allocations (loader
// image and stack, runtime services, ACPI and SMBIOS tables) are made here
// so they appear in the memory map like on real hardware.
func New(p Profile, opts ...Option) (_ *Machine, err error) {
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	arch, _ := hw.ParseArchitecture(p.Arch)

	m := &Machine{
		arch:           arch,
		profile:        p,
		log:            slog.Default(),
		mem:            &Memory{},
		cpu:            newCPU(arch),
		console:        NewConsole(p.Console.Width, p.Console.Height),
		serial:         &lockedBuffer{},
		staleRemaining: p.StaleExits,
		files:          make(map[string][]byte),
		key:            1,
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()
	if p.Keys != "" {
		m.keys = &queuedKeys{keys: []rune(p.Keys)}
	}

	var ram []hw.Range
	var top uint64
	for _, r := range p.Memory {
		if _, err := m.mem.addBank(r.Base, r.Size); err != nil {
			return nil, err
		}
		ram = append(ram, hw.Range{Base: r.Base, Size: r.Size})
		top = max(top, r.Base+r.Size)
	}
	m.alloc = hw.NewRangeAllocator(ram)

	for esp, host := range p.Files {
		data, err := os.ReadFile(host)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", esp, err)
		}
		m.files[normalizePath(esp)] = data
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.installFirmware(); err != nil {
		return nil, err
	}
	if p.Graphics != nil {
		base := max(uint64(framebufferFloor), hw.AlignUp(top, 0x10000000))
		gop, err := newGraphicsOutput(m.mem, base, p.Graphics)
		if err != nil {
			return nil, err
		}
		m.gop = gop
	}

	m.log.Debug("simulated machine ready",
		"arch", arch,
		"ram", fmt.Sprintf("%#x", top),
		"acpi", p.ACPI,
		"smbios", p.SMBIOS,
		"graphics", p.Graphics != nil)
	return m, nil
}

func (m *Machine) installFirmware() error {
	var err error
	if m.loaderImage, err = m.allocate(firmware.LoaderCode, loaderImageSize); err != nil {
		return err
	}
	if m.loaderStack, err = m.allocate(firmware.BootServicesData, loaderStackSize); err != nil {
		return err
	}
	if _, err := m.allocate(firmware.RuntimeServicesCode, hw.PageSize); err != nil {
		return err
	}

	if m.profile.ACPI {
		region, err := m.allocate(firmware.ACPIReclaimMemory, acpiRegionSize)
		if err != nil {
			return err
		}
		tables, err := acpi.Build(region.Base, acpi.Config{Revision: m.profile.ACPIRevision})
		if err != nil {
			return err
		}
		if uint64(len(tables.Bytes)) > region.Size {
			return fmt.Errorf("acpi tables need %#x bytes, reserved %#x", len(tables.Bytes), region.Size)
		}
		if _, err := m.mem.WriteAt(tables.Bytes, int64(region.Base)); err != nil {
			return err
		}
		if m.profile.ACPIRevision >= 2 {
			m.tables = append(m.tables, firmware.ConfigurationTableEntry{VendorGUID: firmware.ACPI20TableGUID, Address: tables.RSDP})
		}
		m.tables = append(m.tables, firmware.ConfigurationTableEntry{VendorGUID: firmware.ACPITableGUID, Address: tables.RSDP})
	}

	if m.profile.SMBIOS {
		region, err := m.allocate(firmware.RuntimeServicesData, hw.PageSize)
		if err != nil {
			return err
		}
		if _, err := m.mem.WriteAt(smbios3EntryPoint(region.Base+0x100), int64(region.Base)); err != nil {
			return err
		}
		m.tables = append(m.tables, firmware.ConfigurationTableEntry{VendorGUID: firmware.SMBIOS3TableGUID, Address: region.Base})
	}
	return nil
}

// smbios3EntryPoint returns a 64-bit entry point with an empty structure
// table at tableAddr.
func smbios3EntryPoint(tableAddr uint64) []byte {
	ep := make([]byte, 24)
	copy(ep, "_SM3_")
	ep[6] = 24 // length
	ep[7] = 3  // major
	ep[8] = 2  // minor
	ep[10] = 1 // entry point revision
	for i := 0; i < 8; i++ {
		ep[16+i] = byte(tableAddr >> (8 * i))
	}
	var sum byte
	for _, b := range ep {
		sum += b
	}
	ep[5] = -sum
	return ep
}

// allocate reserves size bytes of type kind and bumps the map key.
func (m *Machine) allocate(kind firmware.MemoryType, size uint64) (hw.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(kind, size)
}

func (m *Machine) allocateLocked(kind firmware.MemoryType, size uint64) (hw.Range, error) {
	r, err := m.alloc.Allocate(hw.AlignUp(size, hw.PageSize), hw.PageSize)
	if errors.Is(err, hw.ErrNoSpace) {
		return hw.Range{}, fmt.Errorf("%w: %d pages of %s", firmware.ErrOutOfResources, hw.Pages(size), kind)
	}
	if err != nil {
		return hw.Range{}, err
	}
	m.allocs = append(m.allocs, allocation{Range: r, Type: kind})
	m.key++
	return r, nil
}

func attributeFor(kind firmware.MemoryType) firmware.MemoryAttribute {
	attr := firmware.AttributeUC | firmware.AttributeWC | firmware.AttributeWT | firmware.AttributeWB
	switch kind {
	case firmware.RuntimeServicesCode, firmware.RuntimeServicesData:
		attr |= firmware.AttributeRuntime
	}
	return attr
}

func (m *Machine) descriptorsLocked() []firmware.MemoryDescriptor {
	var out []firmware.MemoryDescriptor
	add := func(r hw.Range, kind firmware.MemoryType) {
		out = append(out, firmware.MemoryDescriptor{
			Type:          kind,
			PhysicalStart: r.Base,
			NumberOfPages: r.Size / hw.PageSize,
			Attribute:     attributeFor(kind),
		})
	}
	for _, a := range m.allocs {
		add(a.Range, a.Type)
	}
	for _, r := range m.alloc.Free() {
		add(r, firmware.ConventionalMemory)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhysicalStart < out[j].PhysicalStart })
	return out
}

// MemoryMap returns the current memory map without side effects.
func (m *Machine) MemoryMap() []firmware.MemoryDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.descriptorsLocked()
}

func (m *Machine) Arch() hw.CpuArchitecture        { return m.arch }
func (m *Machine) Memory() *Memory                 { return m.mem }
func (m *Machine) CPU() *CPU                       { return m.cpu }
func (m *Machine) Console() *Console               { return m.console }
func (m *Machine) Services() firmware.BootServices { return &bootServices{m: m} }

// Runtime returns the runtime services table. Unlike boot services it is
// reachable before and after exit.
func (m *Machine) Runtime() firmware.RuntimeServices { return &runtimeServices{m: m} }

// Serial returns everything written through runtime diagnostics.
func (m *Machine) Serial() string { return m.serial.String() }

// Exited reports whether ExitBootServices has succeeded.
func (m *Machine) Exited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

// Violations counts boot services calls made after exit.
func (m *Machine) Violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations
}

func (m *Machine) Resets() []firmware.ResetType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]firmware.ResetType(nil), m.resets...)
}

// Close releases simulated memory.
func (m *Machine) Close() error {
	m.console.Close()
	return m.mem.Close()
}

// Outcome is how a run of loader code ended.
type Outcome struct {
	// Returned is set if the function returned normally.
	Returned bool
	Err      error

	// Entered is set if the CPU jumped to Entry.
	Entered bool
	Entry   uint64

	Reset     bool
	ResetType firmware.ResetType
}

func (o Outcome) String() string {
	switch {
	case o.Entered:
		return fmt.Sprintf("entered kernel at %#x", o.Entry)
	case o.Reset:
		return fmt.Sprintf("system reset (%s)", o.ResetType)
	case o.Err != nil:
		return fmt.Sprintf("returned error: %v", o.Err)
	default:
		return "returned"
	}
}

// Run executes fn as the firmware's boot application. fn runs on its own
// goroutine because a kernel jump or a reset ends it without returning.
func (m *Machine) Run(fn func() error) Outcome {
	var out Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		out.Err = fn()
		out.Returned = true
	}()
	<-done

	out.Entry, out.Entered = m.cpu.Entered()
	if resets := m.Resets(); len(resets) > 0 {
		out.Reset = true
		out.ResetType = resets[len(resets)-1]
	}
	return out
}

func normalizePath(path string) string {
	path = strings.ReplaceAll(path, "/", `\`)
	if !strings.HasPrefix(path, `\`) {
		path = `\` + path
	}
	return strings.ToLower(path)
}

type lockedBuffer struct {
	mu   sync.Mutex
	buf  strings.Builder
	echo io.Writer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.echo != nil {
		_, _ = b.echo.Write(p)
	}
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type queuedKeys struct {
	mu   sync.Mutex
	keys []rune
}

func (q *queuedKeys) ReadKey() (rune, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.keys) == 0 {
		return 0, io.EOF
	}
	r := q.keys[0]
	q.keys = q.keys[1:]
	return r, nil
}
