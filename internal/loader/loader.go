// Package loader runs the boot pipeline: configuration, kernel, initrd,
// platform information, address space and finally the handoff.
package loader

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccboot/internal/bootinfo"
	"github.com/tinyrange/ccboot/internal/config"
	"github.com/tinyrange/ccboot/internal/console"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/handoff"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/kernel"
	"github.com/tinyrange/ccboot/internal/paging"
	"github.com/tinyrange/ccboot/internal/splash"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

// extraEntries is headroom in the BootInfo region on top of twice the
// memory map size observed while planning.
const extraEntries = 16

// Loader boots one kernel. Memory and CPU are hardware primitives; Runtime
// is the runtime services table firmware passes alongside boot services.
type Loader struct {
	Arch    hw.CpuArchitecture
	Memory  firmware.PhysicalMemory
	CPU     hw.CPU
	Runtime *firmware.Runtime

	// ConfigPath overrides the architecture's default configuration path.
	ConfigPath string

	// Log defaults to a logger on the firmware console.
	Log      *slog.Logger
	LogLevel slog.Leveler
	Color    bool

	Observer handoff.Observer

	log    *slog.Logger
	screen *splash.Screen
}

type plan struct {
	cfg       *config.BootConfig
	placement *kernel.Placement
	initrd    hw.Range
	info      *sysinfo.Info
	memmap    *sysinfo.MemoryMap
	bootInfo  bootinfo.Region
	stack     hw.Range
	stackTop  uint64
	tables    *paging.PageTable
}

func (p *plan) payload() bootinfo.Payload {
	out := bootinfo.Payload{
		Cmdline:              p.cfg.Cmdline,
		Framebuffer:          p.info.Framebuffer,
		SMBIOS:               p.info.SMBIOS,
		Initrd:               p.initrd,
		PhysicalMemoryOffset: p.cfg.PhysicalMemoryOffset,
	}
	if p.info.ACPI != nil {
		out.ACPI = p.info.ACPI.Address
	}
	return out
}

func (l *Loader) configPath() string {
	if l.ConfigPath != "" {
		return l.ConfigPath
	}
	return l.Arch.ConfigPath()
}

// Boot runs the pipeline. On success it does not return. An error that
// leaves boot.ExitAttempted() false was raised before exit and can be
// reported on the console.
func (l *Loader) Boot(boot *firmware.Boot) error {
	if !l.Arch.Valid() {
		return &StageError{Stage: StageConfig, Err: fmt.Errorf("%w: %s", hw.ErrUnsupportedArchitecture, l.Arch)}
	}
	l.log = l.Log
	if l.log == nil {
		l.log = console.NewLogger(boot.ConsoleOut(), console.Options{Level: l.LogLevel, Color: l.Color})
	}

	p := &plan{}
	steps := []struct {
		stage Stage
		run   func(*firmware.Boot, *plan) error
	}{
		{StageConfig, l.loadConfig},
		{StageKernel, l.loadKernel},
		{StageInitrd, l.loadInitrd},
		{StageSysinfo, l.collect},
		{StageBootInfo, l.reserveBootInfo},
		{StagePaging, l.buildAddressSpace},
	}
	for i, step := range steps {
		if err := step.run(boot, p); err != nil {
			return wrapStage(step.stage, err)
		}
		l.progress(float64(i+1) / float64(len(steps)+1))
	}

	seq := &handoff.Sequencer{
		Memory:   l.Memory,
		CPU:      l.CPU,
		Runtime:  l.Runtime,
		Log:      l.log,
		Observer: l.Observer,
		LogLevel: l.LogLevel,
	}
	err := seq.Run(boot, handoff.Plan{
		Tables:   p.tables,
		BootInfo: p.bootInfo,
		Payload:  p.payload(),
		Entry:    p.placement.Entry,
		StackTop: p.stackTop,
	})
	return wrapStage(StageHandoff, err)
}

func (l *Loader) loadConfig(boot *firmware.Boot, p *plan) error {
	path := l.configPath()
	data, err := boot.ReadFile(path)
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	p.cfg = cfg
	for _, ignored := range cfg.Ignored {
		l.log.Warn("ignoring configuration entry", "path", path, "line", ignored.Line, "key", ignored.Key, "error", ignored.Err)
	}
	l.log.Info("loaded configuration", "path", path, "kernel", cfg.KernelPath, "cmdline", cfg.Cmdline)
	return nil
}

func (l *Loader) loadKernel(boot *firmware.Boot, p *plan) error {
	path := p.cfg.KernelPath
	data, err := boot.ReadFile(path)
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	img, err := kernel.Parse(data, l.Arch)
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	if err := bootinfo.Compatible(img.Protocol); err != nil {
		return &StageError{Path: path, Err: fmt.Errorf("%w: %w", kernel.ErrUnsupportedFormat, err)}
	}
	placement, err := img.Materialize(boot.Frames(firmware.LoaderCode), l.Memory, l.log)
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	p.placement = placement

	lo, hi := img.Span()
	l.log.Info("loaded kernel",
		"path", path,
		"entry", fmt.Sprintf("%#x", img.Entry),
		"span", fmt.Sprintf("[%#x, %#x)", lo, hi),
		"segments", len(img.Segments),
		"protocol", img.Protocol)
	return nil
}

func (l *Loader) loadInitrd(boot *firmware.Boot, p *plan) error {
	path := p.cfg.InitrdPath
	if path == "" {
		return nil
	}
	data, err := boot.ReadFile(path)
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	if len(data) == 0 {
		l.log.Warn("initrd is empty, skipping", "path", path)
		return nil
	}
	size := uint64(len(data))
	base, err := boot.AllocatePages(firmware.LoaderData, hw.Pages(size))
	if err != nil {
		return &StageError{Path: path, Err: err}
	}
	if _, err := l.Memory.WriteAt(data, int64(base)); err != nil {
		return &StageError{Path: path, Err: err}
	}
	p.initrd = hw.Range{Base: base, Size: size}
	l.log.Info("loaded initrd", "path", path, "base", fmt.Sprintf("%#x", base), "size", size)
	return nil
}

func (l *Loader) collect(boot *firmware.Boot, p *plan) error {
	info, err := sysinfo.Collect(boot, l.Memory, p.cfg.Resolution, l.log)
	if err != nil {
		return err
	}
	p.info = info
	if p.cfg.Splash {
		l.startSplash(info.Framebuffer)
	}

	// This snapshot only sizes the plan. The map handed to the kernel is
	// captured again right before exit.
	mm, err := sysinfo.CaptureMemoryMap(boot, l.log)
	if err != nil {
		return err
	}
	p.memmap = mm

	attrs := []any{"memory", fmt.Sprintf("%#x", mm.Usable()), "descriptors", len(mm.Descriptors)}
	if info.ACPI != nil {
		attrs = append(attrs, "acpi", fmt.Sprintf("%#x", info.ACPI.Address))
	}
	if info.Framebuffer != nil {
		attrs = append(attrs, "framebuffer", info.Framebuffer.String())
	}
	l.log.Info("collected system information", attrs...)
	return nil
}

func (l *Loader) reserveBootInfo(boot *firmware.Boot, p *plan) error {
	capacity := 2*len(p.memmap.Descriptors) + extraEntries
	region, err := bootinfo.Reserve(boot.Frames(firmware.LoaderData), capacity, p.cfg.Cmdline)
	if err != nil {
		return err
	}
	p.bootInfo = region

	pages := p.cfg.KernelStackPages
	base, err := boot.AllocatePages(firmware.LoaderData, pages)
	if err != nil {
		return fmt.Errorf("kernel stack: %w", err)
	}
	if err := firmware.ZeroPhysical(l.Memory, base, pages*hw.PageSize); err != nil {
		return fmt.Errorf("kernel stack: %w", err)
	}
	p.stack = hw.Range{Base: base, Size: pages * hw.PageSize}
	p.stackTop = p.cfg.KernelStackAddress + p.stack.Size
	return nil
}

func (l *Loader) buildAddressSpace(boot *firmware.Boot, p *plan) error {
	b, err := paging.NewBuilder(l.Arch, boot.Frames(firmware.LoaderData), l.log)
	if err != nil {
		return err
	}

	regions := paging.SegmentRegions(p.placement)
	regions = append(regions, paging.Region{
		Name: "kernel stack",
		Virt: p.cfg.KernelStackAddress,
		Phys: p.stack.Base,
		Size: p.stack.Size,
		Perm: hw.PermRead | hw.PermWrite,
	})
	if off := p.cfg.PhysicalMemoryOffset; off != 0 {
		regions = append(regions, paging.PhysicalWindow(off, p.memmap.MaxPhysical()))
	}

	// The CPU keeps fetching loader code across the table switch.
	image, err := boot.LoaderImage()
	if err != nil {
		return err
	}
	stack, err := boot.LoaderStack()
	if err != nil {
		return err
	}
	regions = append(regions,
		paging.Identity("loader image", image, hw.PermRead|hw.PermExecute, false),
		paging.Identity("loader stack", stack, hw.PermRead|hw.PermWrite, false),
		paging.Identity("boot info", p.bootInfo.Range(), hw.PermRead, false),
	)
	if p.initrd.Size > 0 {
		regions = append(regions, paging.Identity("initrd", p.initrd, hw.PermRead, false))
	}
	if fb := p.info.Framebuffer; fb != nil {
		regions = append(regions, paging.Identity("framebuffer", hw.Range{Base: fb.Base, Size: fb.Size}, hw.PermRead|hw.PermWrite, true))
	}
	if rsdp := p.info.ACPI; rsdp != nil {
		regions = append(regions, paging.Identity("acpi", firmwareRange(p.memmap, rsdp.Address, rsdp.Size()), hw.PermRead, false))
	}
	if addr := p.info.SMBIOS; addr != 0 {
		regions = append(regions, paging.Identity("smbios", firmwareRange(p.memmap, addr, hw.PageSize), hw.PermRead, false))
	}

	for _, r := range regions {
		if err := b.Map(r); err != nil {
			return err
		}
		l.log.Debug("mapped region", "region", r.String())
	}

	tables, err := b.Finish(l.Memory)
	if err != nil {
		return err
	}
	p.tables = tables
	l.log.Info("built address space", "arch", l.Arch, "roots", fmt.Sprintf("%#x", tables.Roots()), "tables", len(tables.Frames()))
	return nil
}

// firmwareRange widens [addr, addr+size) to the firmware owned descriptor
// containing it, so tables that follow a root pointer stay reachable.
func firmwareRange(mm *sysinfo.MemoryMap, addr, size uint64) hw.Range {
	for _, d := range mm.Descriptors {
		if addr < d.PhysicalStart || addr >= d.PhysicalEnd() {
			continue
		}
		switch d.Type {
		case firmware.ACPIReclaimMemory, firmware.ACPIMemoryNVS,
			firmware.RuntimeServicesData, firmware.ReservedMemoryType:
			return hw.Range{Base: d.PhysicalStart, Size: d.PhysicalEnd() - d.PhysicalStart}
		}
	}
	return hw.Range{Base: addr, Size: size}
}

func (l *Loader) startSplash(fb *sysinfo.Framebuffer) {
	if fb == nil {
		l.log.Warn("splash requested without a framebuffer")
		return
	}
	screen, err := splash.New(l.Memory, fb)
	if err != nil {
		l.log.Warn("splash unavailable", "error", err)
		return
	}
	screen.Banner("ccboot")
	l.screen = screen
}

func (l *Loader) progress(fraction float64) {
	if l.screen == nil {
		return
	}
	l.screen.Progress(fraction)
	if err := l.screen.Flush(); err != nil {
		l.log.Warn("splash flush failed, disabling splash", "error", err)
		l.screen = nil
	}
}
