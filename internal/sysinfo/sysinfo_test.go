package sysinfo

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/tinyrange/ccboot/internal/acpi"
	"github.com/tinyrange/ccboot/internal/config"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
)

type stubServices struct {
	descs    []firmware.MemoryDescriptor
	descSize uint64
	key      firmware.MapKey

	// growth descriptors are appended on every GetMemoryMap call.
	growth int
	calls  int

	tables []firmware.ConfigurationTableEntry
	gop    *stubGOP
}

func (s *stubServices) ReadFile(path string) ([]byte, error) { return nil, firmware.ErrNotFound }
func (s *stubServices) AllocatePages(kind firmware.MemoryType, count uint64) (uint64, error) {
	return 0, firmware.ErrOutOfResources
}

func (s *stubServices) GetMemoryMap(buf []byte) (firmware.MapInfo, error) {
	s.calls++
	for i := 0; i < s.growth; i++ {
		last := s.descs[len(s.descs)-1]
		s.descs = append(s.descs, firmware.MemoryDescriptor{
			Type:          firmware.BootServicesData,
			PhysicalStart: last.PhysicalEnd(),
			NumberOfPages: 1,
		})
		s.key++
	}
	encoded := firmware.EncodeMemoryMap(s.descs, s.descSize)
	if len(buf) < len(encoded) {
		return firmware.MapInfo{}, &firmware.BufferTooSmallError{Required: uint64(len(encoded)), DescriptorSize: s.descSize}
	}
	copy(buf, encoded)
	return firmware.MapInfo{
		Size:              uint64(len(encoded)),
		Key:               s.key,
		DescriptorSize:    s.descSize,
		DescriptorVersion: firmware.DescriptorVersion,
	}, nil
}

func (s *stubServices) ConfigurationTable() []firmware.ConfigurationTableEntry { return s.tables }
func (s *stubServices) GraphicsOutput() (firmware.GraphicsOutput, bool) {
	if s.gop == nil {
		return nil, false
	}
	return s.gop, true
}
func (s *stubServices) LoaderImage() hw.Range                 { return hw.Range{} }
func (s *stubServices) LoaderStack() hw.Range                 { return hw.Range{} }
func (s *stubServices) ConsoleOut() io.Writer                 { return nil }
func (s *stubServices) ConsoleIn() (firmware.KeyReader, bool) { return nil, false }
func (s *stubServices) ExitBootServices(key firmware.MapKey) (firmware.RuntimeServices, error) {
	return nil, nil
}

type stubGOP struct {
	modes   []firmware.GraphicsMode
	current int
	failSet bool
}

func (g *stubGOP) Modes() []firmware.GraphicsMode { return g.modes }
func (g *stubGOP) SetMode(index int) error {
	if g.failSet {
		return firmware.ErrUnsupported
	}
	g.current = index
	return nil
}
func (g *stubGOP) CurrentMode() (int, firmware.GraphicsMode) { return g.current, g.modes[g.current] }
func (g *stubGOP) Framebuffer() firmware.Framebuffer {
	m := g.modes[g.current]
	return firmware.Framebuffer{Base: 0x80000000, Size: uint64(m.PixelsPerScanLine) * uint64(m.Height) * 4}
}

type stubMemory struct {
	mem []byte
}

func (s *stubMemory) ReadAt(p []byte, off int64) (int, error) {
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
	return 0, os.ErrPermission
}

var (
	_ firmware.BootServices   = &stubServices{}
	_ firmware.GraphicsOutput = &stubGOP{}
)

func testMap() []firmware.MemoryDescriptor {
	return []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0, NumberOfPages: 0x9f},
		{Type: firmware.ReservedMemoryType, PhysicalStart: 0x9f000, NumberOfPages: 0x61},
		{Type: firmware.LoaderCode, PhysicalStart: 0x100000, NumberOfPages: 0x10},
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x110000, NumberOfPages: 0x7ef0},
	}
}

func TestCaptureMemoryMapStable(t *testing.T) {
	svc := &stubServices{descs: testMap(), descSize: 48, key: 3}

	mm, err := CaptureMemoryMap(firmware.NewBoot(svc), nil)
	if err != nil {
		t.Fatalf("CaptureMemoryMap: %v", err)
	}
	if mm.Attempts != 1 || svc.calls != 2 {
		t.Fatalf("attempts = %d, calls = %d, want 1 and 2", mm.Attempts, svc.calls)
	}
	if len(mm.Descriptors) != len(testMap()) {
		t.Fatalf("len(Descriptors) = %d, want %d", len(mm.Descriptors), len(testMap()))
	}
	for i, d := range testMap() {
		if mm.Descriptors[i] != d {
			t.Fatalf("descriptor %d = %+v, want %+v", i, mm.Descriptors[i], d)
		}
	}
	if mm.Key != 3 || mm.DescriptorSize != 48 {
		t.Fatalf("key = %d, stride = %d, want 3 and 48", mm.Key, mm.DescriptorSize)
	}
	if got := mm.MaxPhysical(); got != 0x8000000 {
		t.Fatalf("MaxPhysical = %#x, want 0x8000000", got)
	}
}

func TestCaptureMemoryMapAbsorbsSmallGrowth(t *testing.T) {
	svc := &stubServices{descs: testMap(), descSize: 40, growth: 1}

	mm, err := CaptureMemoryMap(firmware.NewBoot(svc), nil)
	if err != nil {
		t.Fatalf("CaptureMemoryMap: %v", err)
	}
	if len(mm.Descriptors) != len(svc.descs) {
		t.Fatalf("len(Descriptors) = %d, want %d", len(mm.Descriptors), len(svc.descs))
	}
	if mm.Key != svc.key {
		t.Fatalf("Key = %d, want latest %d", mm.Key, svc.key)
	}
}

func TestCaptureMemoryMapUnstable(t *testing.T) {
	svc := &stubServices{descs: testMap(), descSize: 40, growth: slackDescriptors + 1}

	_, err := CaptureMemoryMap(firmware.NewBoot(svc), nil)
	if !errors.Is(err, ErrMapUnstable) {
		t.Fatalf("CaptureMemoryMap error = %v, want ErrMapUnstable", err)
	}
	if svc.calls != 2*MaxMapAttempts {
		t.Fatalf("GetMemoryMap calls = %d, want %d", svc.calls, 2*MaxMapAttempts)
	}
}

func TestCaptureMemoryMapAfterExit(t *testing.T) {
	boot := firmware.NewBoot(&stubServices{descs: testMap(), descSize: 40})
	if _, err := boot.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if _, err := CaptureMemoryMap(boot, nil); !errors.Is(err, firmware.ErrBootServicesExited) {
		t.Fatalf("CaptureMemoryMap error = %v, want ErrBootServicesExited", err)
	}
}

func acpiMemory(t *testing.T, base uint64, rev uint8) (*stubMemory, uint64) {
	t.Helper()
	tables, err := acpi.Build(base, acpi.Config{Revision: rev})
	if err != nil {
		t.Fatalf("acpi.Build: %v", err)
	}
	mem := make([]byte, base+uint64(len(tables.Bytes)))
	copy(mem[base:], tables.Bytes)
	return &stubMemory{mem: mem}, tables.RSDP
}

func TestCollectPrefersACPI2(t *testing.T) {
	mem, rsdp := acpiMemory(t, 0x1000, 2)
	svc := &stubServices{tables: []firmware.ConfigurationTableEntry{
		{VendorGUID: firmware.ACPITableGUID, Address: 0x10},
		{VendorGUID: firmware.ACPI20TableGUID, Address: rsdp},
		{VendorGUID: firmware.SMBIOSTableGUID, Address: 0xf0000},
		{VendorGUID: firmware.SMBIOS3TableGUID, Address: 0xf1000},
	}}

	info, err := Collect(firmware.NewBoot(svc), mem, nil, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if info.ACPI == nil || info.ACPI.Address != rsdp || info.ACPI.Revision != 2 {
		t.Fatalf("ACPI = %+v, want revision 2 RSDP at %#x", info.ACPI, rsdp)
	}
	if info.SMBIOS != 0xf1000 {
		t.Fatalf("SMBIOS = %#x, want 0xf1000", info.SMBIOS)
	}
	if info.Framebuffer != nil {
		t.Fatalf("Framebuffer = %v, want nil", info.Framebuffer)
	}
}

func TestCollectIgnoresInvalidRSDP(t *testing.T) {
	mem, rsdp := acpiMemory(t, 0x1000, 1)
	copy(mem.mem[0x800:], bytes.Repeat([]byte{0xAA}, 36))
	svc := &stubServices{tables: []firmware.ConfigurationTableEntry{
		{VendorGUID: firmware.ACPI20TableGUID, Address: 0x800},
		{VendorGUID: firmware.ACPITableGUID, Address: rsdp},
	}}

	info, err := Collect(firmware.NewBoot(svc), mem, nil, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if info.ACPI == nil || info.ACPI.Address != rsdp {
		t.Fatalf("ACPI = %+v, want fallback to ACPI 1.0 pointer %#x", info.ACPI, rsdp)
	}

	svc.tables = svc.tables[:1]
	info, err = Collect(firmware.NewBoot(svc), mem, nil, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if info.ACPI != nil {
		t.Fatalf("ACPI = %+v, want nil for corrupt pointer", info.ACPI)
	}
}

func TestCollectFramebuffer(t *testing.T) {
	modes := []firmware.GraphicsMode{
		{Width: 800, Height: 600, PixelFormat: firmware.PixelBlueGreenRedReserved8Bit, PixelsPerScanLine: 800},
		{Width: 1024, Height: 768, PixelFormat: firmware.PixelBlueGreenRedReserved8Bit, PixelsPerScanLine: 1088},
	}

	tests := []struct {
		name       string
		want       *config.Resolution
		failSet    bool
		wantWidth  uint32
		wantStride uint32
	}{
		{"current mode", nil, false, 800, 800},
		{"switch", &config.Resolution{Width: 1024, Height: 768}, false, 1024, 1088},
		{"not offered", &config.Resolution{Width: 1920, Height: 1080}, false, 800, 800},
		{"set fails", &config.Resolution{Width: 1024, Height: 768}, true, 800, 800},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubServices{gop: &stubGOP{modes: modes, failSet: tc.failSet}}
			info, err := Collect(firmware.NewBoot(svc), &stubMemory{}, tc.want, nil)
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			fb := info.Framebuffer
			if fb == nil {
				t.Fatalf("Framebuffer = nil")
			}
			if fb.Width != tc.wantWidth || fb.Stride != tc.wantStride || fb.Base != 0x80000000 {
				t.Fatalf("Framebuffer = %s, want width %d stride %d", fb, tc.wantWidth, tc.wantStride)
			}
		})
	}
}

func TestCollectBltOnlyHasNoFramebuffer(t *testing.T) {
	svc := &stubServices{gop: &stubGOP{modes: []firmware.GraphicsMode{{Width: 640, Height: 480, PixelFormat: firmware.PixelBltOnly}}}}
	info, err := Collect(firmware.NewBoot(svc), &stubMemory{}, nil, nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if info.Framebuffer != nil {
		t.Fatalf("Framebuffer = %s, want nil", info.Framebuffer)
	}
}
