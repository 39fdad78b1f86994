package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func parseTables(t *testing.T, tables *Tables) map[string]uint64 {
	t.Helper()

	found := make(map[string]uint64)
	data := tables.Bytes
	for off := 0; off+headerSize <= len(data); {
		sig := string(data[off : off+4])
		if sig == rsdpSignature[:4] || sig == "\x00\x00\x00\x00" {
			break
		}
		length := int(binary.LittleEndian.Uint32(data[off+4:]))
		if length < headerSize || off+length > len(data) {
			t.Fatalf("table %q at %#x has bad length %d", sig, off, length)
		}
		if sum := checksum(data[off : off+length]); sum != 0 {
			t.Fatalf("table %q checksum = %#x, want 0", sig, sum)
		}
		found[sig] = tables.Base + uint64(off)
		off += (length + 7) &^ 7
	}
	return found
}

func TestBuildRevision2(t *testing.T) {
	const base = 0x7f000

	tables, err := Build(base, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := parseTables(t, tables)
	for _, sig := range []string{"FACP", "RSDT", "XSDT"} {
		if _, ok := found[sig]; !ok {
			t.Fatalf("missing %s table", sig)
		}
	}
	if tables.RSDP%16 != 0 {
		t.Fatalf("RSDP at %#x is not 16-byte aligned", tables.RSDP)
	}

	mem := padTo(tables)
	rsdt := mem[found["RSDT"]:]
	if got := binary.LittleEndian.Uint32(rsdt[headerSize:]); uint64(got) != found["FACP"] {
		t.Fatalf("RSDT entry = %#x, want FACP at %#x", got, found["FACP"])
	}
	xsdt := mem[found["XSDT"]:]
	if got := binary.LittleEndian.Uint64(xsdt[headerSize:]); got != found["FACP"] {
		t.Fatalf("XSDT entry = %#x, want FACP at %#x", got, found["FACP"])
	}
	if got := binary.LittleEndian.Uint32(xsdt[4:]); got != headerSize+8 {
		t.Fatalf("XSDT length = %d, want %d", got, headerSize+8)
	}

	r, err := ParseRSDP(bytes.NewReader(padTo(tables)), tables.RSDP)
	if err != nil {
		t.Fatalf("ParseRSDP: %v", err)
	}
	if r.Revision != 2 || r.XSDTAddress != found["XSDT"] || uint64(r.RSDTAddress) != found["RSDT"] {
		t.Fatalf("RSDP = %+v, want revision 2 pointing at XSDT %#x", r, found["XSDT"])
	}
	if r.OEMID != "CCBOOT" {
		t.Fatalf("OEMID = %q, want CCBOOT", r.OEMID)
	}
	if r.Size() != rsdpV2Size {
		t.Fatalf("Size = %d, want %d", r.Size(), rsdpV2Size)
	}
}

func TestBuildRevision1(t *testing.T) {
	tables, err := Build(0xe0000, Config{Revision: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := parseTables(t, tables)
	if _, ok := found["XSDT"]; ok {
		t.Fatalf("unexpected XSDT in revision 1 tables")
	}
	r, err := ParseRSDP(bytes.NewReader(padTo(tables)), tables.RSDP)
	if err != nil {
		t.Fatalf("ParseRSDP: %v", err)
	}
	if r.Revision != 0 || r.XSDTAddress != 0 || r.Size() != rsdpV1Size {
		t.Fatalf("RSDP = %+v, want ACPI 1.0 pointer", r)
	}
}

func TestParseRSDPRejectsCorruption(t *testing.T) {
	tables, err := Build(0, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		name   string
		offset uint64
		want   error
	}{
		{"signature", 0, ErrBadSignature},
		{"v1 checksum", 12, ErrChecksum},
		{"extended checksum", 30, ErrChecksum},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := padTo(tables)
			mem[tables.RSDP+tc.offset] ^= 0x40
			if _, err := ParseRSDP(bytes.NewReader(mem), tables.RSDP); !errors.Is(err, tc.want) {
				t.Fatalf("ParseRSDP error = %v, want %v", err, tc.want)
			}
		})
	}
}

// padTo returns memory covering [0, Base+len(Bytes)) with the tables in
// place.
func padTo(tables *Tables) []byte {
	mem := make([]byte, tables.Base+uint64(len(tables.Bytes)))
	copy(mem[tables.Base:], tables.Bytes)
	return mem
}
