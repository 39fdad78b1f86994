package firmware

import (
	"errors"
	"io"
	"testing"

	"github.com/tinyrange/ccboot/internal/hw"
)

type stubServices struct {
	staleExits int
	exits      int
	mapSize    uint64
}

func (s *stubServices) ReadFile(path string) ([]byte, error) {
	if path == `\ok` {
		return []byte("ok"), nil
	}
	return nil, ErrNotFound
}

func (s *stubServices) AllocatePages(kind MemoryType, count uint64) (uint64, error) {
	return 0x100000, nil
}

func (s *stubServices) GetMemoryMap(buf []byte) (MapInfo, error) {
	if uint64(len(buf)) < s.mapSize {
		return MapInfo{}, &BufferTooSmallError{Required: s.mapSize, DescriptorSize: 48}
	}
	return MapInfo{Size: s.mapSize, Key: 7, DescriptorSize: 48, DescriptorVersion: DescriptorVersion}, nil
}

func (s *stubServices) ConfigurationTable() []ConfigurationTableEntry { return nil }
func (s *stubServices) GraphicsOutput() (GraphicsOutput, bool)        { return nil, false }
func (s *stubServices) LoaderImage() hw.Range                         { return hw.Range{} }
func (s *stubServices) LoaderStack() hw.Range                         { return hw.Range{} }
func (s *stubServices) ConsoleOut() io.Writer                         { return nil }
func (s *stubServices) ConsoleIn() (KeyReader, bool)                  { return nil, false }

func (s *stubServices) ExitBootServices(key MapKey) (RuntimeServices, error) {
	s.exits++
	if s.exits <= s.staleExits {
		return nil, ErrInvalidParameter
	}
	return nil, nil
}

var (
	_ BootServices = &stubServices{}
)

func TestBootIsConsumedByExit(t *testing.T) {
	b := NewBoot(&stubServices{mapSize: 96})

	if _, err := b.ReadFile(`\ok`); err != nil {
		t.Fatalf("ReadFile before exit returned error: %v", err)
	}
	if _, err := b.Exit(7); err != nil {
		t.Fatalf("Exit returned error: %v", err)
	}
	if b.Active() {
		t.Fatalf("Active = true after exit")
	}
	if _, err := b.ReadFile(`\ok`); !errors.Is(err, ErrBootServicesExited) {
		t.Fatalf("ReadFile after exit error = %v, want ErrBootServicesExited", err)
	}
	if _, err := b.AllocatePages(LoaderData, 1); !errors.Is(err, ErrBootServicesExited) {
		t.Fatalf("AllocatePages after exit error = %v, want ErrBootServicesExited", err)
	}
	if _, err := b.Exit(7); !errors.Is(err, ErrBootServicesExited) {
		t.Fatalf("second Exit error = %v, want ErrBootServicesExited", err)
	}
	if b.ConsoleOut() != io.Discard {
		t.Fatalf("ConsoleOut after exit is not io.Discard")
	}
}

func TestBootStaleExitAllowsOnlyRetry(t *testing.T) {
	b := NewBoot(&stubServices{staleExits: 1, mapSize: 96})

	if b.ExitAttempted() {
		t.Fatalf("ExitAttempted = true before Exit")
	}
	if _, err := b.Exit(1); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Exit error = %v, want ErrInvalidParameter", err)
	}
	if b.Active() || !b.ExitAttempted() {
		t.Fatalf("Active = %v, ExitAttempted = %v after a failed exit", b.Active(), b.ExitAttempted())
	}
	if _, err := b.ReadFile(`\ok`); !errors.Is(err, ErrBootServicesExited) {
		t.Fatalf("ReadFile after failed exit error = %v, want ErrBootServicesExited", err)
	}
	if _, ok := b.ConsoleIn(); ok {
		t.Fatalf("ConsoleIn available after failed exit")
	}
	if b.ConsoleOut() != io.Discard {
		t.Fatalf("ConsoleOut after failed exit is not io.Discard")
	}
	if _, _, err := b.MemoryMapSize(); err != nil {
		t.Fatalf("MemoryMapSize after failed exit returned error: %v", err)
	}
	if _, err := b.Exit(7); err != nil {
		t.Fatalf("retry Exit returned error: %v", err)
	}
	if !b.ExitAttempted() {
		t.Fatalf("ExitAttempted = false after exit")
	}
}

func TestMemoryMapSizeUsesFirstCall(t *testing.T) {
	b := NewBoot(&stubServices{mapSize: 480})

	size, descSize, err := b.MemoryMapSize()
	if err != nil {
		t.Fatalf("MemoryMapSize returned error: %v", err)
	}
	if size != 480 || descSize != 48 {
		t.Fatalf("MemoryMapSize = (%d, %d), want (480, 48)", size, descSize)
	}
}

func TestReadFileWrapsNotFound(t *testing.T) {
	b := NewBoot(&stubServices{})

	_, err := b.ReadFile(`\EFI\missing`)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadFile error = %v, want ErrNotFound", err)
	}
}

func TestMemoryMapRoundTripWithWideStride(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x100, Attribute: AttributeWB},
		{Type: ACPIReclaimMemory, PhysicalStart: 0x7fe0000, NumberOfPages: 0x10, Attribute: AttributeWB | AttributeRuntime},
	}
	buf := EncodeMemoryMap(descs, 48)
	got, err := DecodeMemoryMap(buf, MapInfo{Size: uint64(len(buf)), DescriptorSize: 48})
	if err != nil {
		t.Fatalf("DecodeMemoryMap returned error: %v", err)
	}
	if len(got) != len(descs) {
		t.Fatalf("decoded %d descriptors, want %d", len(got), len(descs))
	}
	for i := range descs {
		if got[i] != descs[i] {
			t.Fatalf("descriptor %d = %+v, want %+v", i, got[i], descs[i])
		}
	}
	if got[0].PhysicalEnd() != 0x200000 {
		t.Fatalf("PhysicalEnd = %#x, want %#x", got[0].PhysicalEnd(), 0x200000)
	}
}

func TestGUIDString(t *testing.T) {
	if got := ACPI20TableGUID.String(); got != "8868e871-e4f1-11d3-bc22-0080c73c8881" {
		t.Fatalf("ACPI20TableGUID = %s", got)
	}
}
