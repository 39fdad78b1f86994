package sysinfo

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccboot/internal/acpi"
	"github.com/tinyrange/ccboot/internal/config"
	"github.com/tinyrange/ccboot/internal/firmware"
)

// Framebuffer describes a linear framebuffer.
type Framebuffer struct {
	Base   uint64
	Size   uint64
	Width  uint32
	Height uint32
	// Stride is in pixels.
	Stride uint32
	Format firmware.PixelFormat
}

func (f Framebuffer) String() string {
	return fmt.Sprintf("%dx%d stride %d %s @%#x", f.Width, f.Height, f.Stride, f.Format, f.Base)
}

// Info is everything except the memory map, which is captured separately
// right before exit.
type Info struct {
	// ACPI is nil if firmware published no valid RSDP.
	ACPI *acpi.RSDP

	// SMBIOS is the entry point address, or 0.
	SMBIOS uint64

	// Framebuffer is nil without a usable graphics output.
	Framebuffer *Framebuffer
}

// Collect queries firmware for the optional platform tables. Only a failure
// to reach boot services is an error; missing tables degrade the result.
func Collect(boot *firmware.Boot, mem firmware.PhysicalMemory, want *config.Resolution, log *slog.Logger) (*Info, error) {
	if log == nil {
		log = slog.Default()
	}

	entries, err := boot.ConfigurationTable()
	if err != nil {
		return nil, fmt.Errorf("read configuration table: %w", err)
	}

	info := &Info{
		ACPI:   findACPI(entries, mem, log),
		SMBIOS: findSMBIOS(entries),
	}
	if gop, ok := boot.GraphicsOutput(); ok {
		info.Framebuffer = negotiateFramebuffer(gop, want, log)
	} else {
		log.Info("no graphics output, continuing without framebuffer")
	}

	log.Debug("collected system info",
		"acpi", info.ACPI != nil,
		"smbios", fmt.Sprintf("%#x", info.SMBIOS),
		"framebuffer", info.Framebuffer != nil)
	return info, nil
}

func lookup(entries []firmware.ConfigurationTableEntry, guid firmware.GUID) (uint64, bool) {
	for _, e := range entries {
		if e.VendorGUID == guid {
			return e.Address, true
		}
	}
	return 0, false
}

// findACPI prefers the ACPI 2.0 pointer. An RSDP that fails validation is
// treated as absent.
func findACPI(entries []firmware.ConfigurationTableEntry, mem firmware.PhysicalMemory, log *slog.Logger) *acpi.RSDP {
	for _, guid := range []firmware.GUID{firmware.ACPI20TableGUID, firmware.ACPITableGUID} {
		addr, ok := lookup(entries, guid)
		if !ok {
			continue
		}
		rsdp, err := acpi.ParseRSDP(mem, addr)
		if err != nil {
			log.Warn("ignoring invalid ACPI root pointer", "guid", guid.String(), "error", err)
			continue
		}
		return rsdp
	}
	log.Info("firmware publishes no ACPI tables")
	return nil
}

func findSMBIOS(entries []firmware.ConfigurationTableEntry) uint64 {
	for _, guid := range []firmware.GUID{firmware.SMBIOS3TableGUID, firmware.SMBIOSTableGUID} {
		if addr, ok := lookup(entries, guid); ok {
			return addr
		}
	}
	return 0
}

// negotiateFramebuffer switches to the requested resolution when firmware
// offers it and otherwise keeps the current mode.
func negotiateFramebuffer(gop firmware.GraphicsOutput, want *config.Resolution, log *slog.Logger) *Framebuffer {
	if want != nil {
		idx := -1
		for i, m := range gop.Modes() {
			if m.Width == want.Width && m.Height == want.Height && m.PixelFormat != firmware.PixelBltOnly {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			log.Warn("requested resolution not offered, keeping current mode", "resolution", want.String())
		default:
			if cur, _ := gop.CurrentMode(); cur != idx {
				if err := gop.SetMode(idx); err != nil {
					log.Warn("set graphics mode failed, keeping current mode", "resolution", want.String(), "error", err)
				}
			}
		}
	}

	_, mode := gop.CurrentMode()
	if mode.PixelFormat == firmware.PixelBltOnly {
		log.Warn("graphics mode has no linear framebuffer", "mode", mode.String())
		return nil
	}
	fb := gop.Framebuffer()
	if fb.Base == 0 || fb.Size == 0 {
		return nil
	}
	return &Framebuffer{
		Base:   fb.Base,
		Size:   fb.Size,
		Width:  mode.Width,
		Height: mode.Height,
		Stride: mode.PixelsPerScanLine,
		Format: mode.PixelFormat,
	}
}
