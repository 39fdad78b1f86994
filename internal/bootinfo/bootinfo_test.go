package bootinfo

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

type stubMemory struct {
	mem []byte
}

func (s *stubMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(s.mem) {
		return 0, os.ErrInvalid
	}
	n := copy(p, s.mem[off:])
	if n < len(p) {
		return n, os.ErrInvalid
	}
	return n, nil
}

func (s *stubMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(s.mem) {
		return 0, os.ErrInvalid
	}
	n := copy(s.mem[off:], p)
	if n < len(p) {
		return n, os.ErrInvalid
	}
	return n, nil
}

func testPayload() Payload {
	return Payload{
		Cmdline: "root=/dev/sda1 console=ttyS0",
		Framebuffer: &sysinfo.Framebuffer{
			Base: 0x80000000, Size: 0x300000, Width: 1024, Height: 768, Stride: 1024,
			Format: firmware.PixelBlueGreenRedReserved8Bit,
		},
		ACPI:                 0x7fe0014,
		Initrd:               hw.Range{Base: 0x4000000, Size: 0x12345},
		PhysicalMemoryOffset: 0xFFFF800000000000,
	}
}

func testDescriptors() []firmware.MemoryDescriptor {
	return []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x7f00, Attribute: firmware.AttributeWB},
		{Type: firmware.ConventionalMemory, PhysicalStart: 0, NumberOfPages: 0x9f, Attribute: firmware.AttributeWB},
		{Type: firmware.RuntimeServicesData, PhysicalStart: 0x9f000, NumberOfPages: 1, Attribute: firmware.AttributeRuntime | firmware.AttributeWB},
	}
}

func TestWriteAndRead(t *testing.T) {
	const base = 0x2000

	mem := &stubMemory{mem: make([]byte, 0x10000)}
	region := Region{Base: base, Size: Size(8, testPayload().Cmdline), Capacity: 8}
	if err := region.Write(mem, testPayload(), testDescriptors()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := Read(mem, base)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if info.Major != VersionMajor || info.Minor != VersionMinor {
		t.Fatalf("version = %d.%d, want %d.%d", info.Major, info.Minor, VersionMajor, VersionMinor)
	}
	if info.Cmdline != "root=/dev/sda1 console=ttyS0" {
		t.Fatalf("Cmdline = %q", info.Cmdline)
	}
	if info.Flags != FlagFramebuffer|FlagACPI|FlagInitrd|FlagPhysicalMemoryMap {
		t.Fatalf("Flags = %s", info.Flags)
	}
	if info.SMBIOS != 0 {
		t.Fatalf("SMBIOS = %#x, want 0", info.SMBIOS)
	}
	if *info.Framebuffer != *testPayload().Framebuffer {
		t.Fatalf("Framebuffer = %s, want %s", info.Framebuffer, testPayload().Framebuffer)
	}
	if info.ACPI != 0x7fe0014 || info.Initrd != testPayload().Initrd {
		t.Fatalf("ACPI = %#x, Initrd = %s", info.ACPI, info.Initrd)
	}
	if len(info.MemoryMap) != 3 {
		t.Fatalf("len(MemoryMap) = %d, want 3", len(info.MemoryMap))
	}
	for i := 1; i < len(info.MemoryMap); i++ {
		if info.MemoryMap[i-1].PhysicalStart >= info.MemoryMap[i].PhysicalStart {
			t.Fatalf("memory map not sorted: %+v", info.MemoryMap)
		}
	}
	rt := info.MemoryMap[1]
	if rt.Type != firmware.RuntimeServicesData || rt.Attribute&firmware.AttributeRuntime == 0 {
		t.Fatalf("entry 1 = %+v, want runtime services data", rt)
	}
}

func TestEncodeFixedOffsets(t *testing.T) {
	buf := Encode(0x1000, Payload{Cmdline: "x"}, nil)
	if string(buf[:8]) != Magic {
		t.Fatalf("magic = %q", buf[:8])
	}
	if len(buf) != HeaderSize+2 {
		t.Fatalf("len = %d, want %d", len(buf), HeaderSize+2)
	}
	if got := buf[HeaderSize]; got != 'x' {
		t.Fatalf("cmdline byte = %q, want 'x'", got)
	}
	if buf[0x58] != 0x88 || buf[0x59] != 0x10 {
		t.Fatalf("cmdline pointer = % x, want 0x1088", buf[0x58:0x60])
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a := Encode(0x3000, testPayload(), testDescriptors())
	b := Encode(0x3000, testPayload(), testDescriptors())
	if !bytes.Equal(a, b) {
		t.Fatalf("two encodings of the same state differ")
	}
}

func TestWriteRejectsOverflow(t *testing.T) {
	mem := &stubMemory{mem: make([]byte, 0x10000)}
	region := Region{Base: 0, Size: hw.PageSize, Capacity: 1}
	many := make([]firmware.MemoryDescriptor, 200)
	if err := region.Write(mem, Payload{}, many); !errors.Is(err, ErrRegionTooSmall) {
		t.Fatalf("Write error = %v, want ErrRegionTooSmall", err)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	mem := &stubMemory{mem: make([]byte, 0x1000)}
	if _, err := Read(mem, 0); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("Read error = %v, want ErrBadMagic", err)
	}
	buf := Encode(0, Payload{}, nil)
	buf[offVersion] = 9
	copy(mem.mem, buf)
	if _, err := Read(mem, 0); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("Read error = %v, want ErrBadVersion", err)
	}
}

func TestReserve(t *testing.T) {
	var got uint64
	frames := firmware.FrameAllocatorFunc(func(count uint64) (uint64, error) {
		got = count
		return 0x5000, nil
	})
	r, err := Reserve(frames, 200, "quiet")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got != 2 || r.Size != 2*hw.PageSize || r.Base != 0x5000 {
		t.Fatalf("Reserve = %+v after %d frames, want two pages at 0x5000", r, got)
	}
}

func TestCompatible(t *testing.T) {
	for _, tc := range []struct {
		protocol string
		ok       bool
	}{
		{"", true},
		{"v1.0.0", true},
		{"v1.1.0", true},
		{"v1.1.7", true},
		{"v1.2.0", false},
		{"v2.0.0", false},
		{"v0.9.0", false},
		{"1.0", false},
	} {
		err := Compatible(tc.protocol)
		if (err == nil) != tc.ok {
			t.Fatalf("Compatible(%q) = %v, want ok=%v", tc.protocol, err, tc.ok)
		}
	}
}
