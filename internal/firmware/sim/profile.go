package sim

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ccboot/internal/hw"
)

// Profile describes a simulated machine.
type Profile struct {
	Arch   string        `yaml:"arch"`
	Memory []MemoryRange `yaml:"memory"`

	ACPI         bool  `yaml:"acpi"`
	ACPIRevision uint8 `yaml:"acpiRevision,omitempty"`
	SMBIOS       bool  `yaml:"smbios"`

	Graphics *GraphicsProfile `yaml:"graphics,omitempty"`
	Console  ConsoleProfile   `yaml:"console"`

	// DescriptorSize is the memory map stride firmware reports.
	DescriptorSize uint64 `yaml:"descriptorSize,omitempty"`

	// MapGrowth descriptors are added by every GetMemoryMap call, as if
	// firmware allocated in the background.
	MapGrowth int `yaml:"mapGrowth"`

	// StaleExits is the number of ExitBootServices calls that fail with a
	// stale map key.
	StaleExits int `yaml:"staleExits"`

	// Keys are queued console keystrokes.
	Keys string `yaml:"keys,omitempty"`

	// Files maps ESP paths to host files, relative to the profile.
	Files map[string]string `yaml:"files,omitempty"`
}

type MemoryRange struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

type GraphicsProfile struct {
	Modes   []ModeProfile `yaml:"modes"`
	Current int           `yaml:"current"`
}

type ModeProfile struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	Stride uint32 `yaml:"stride,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type ConsoleProfile struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// DefaultProfile is a 128 MiB x86_64 machine with ACPI and an 800x600
// display.
func DefaultProfile() Profile {
	p := Profile{
		Arch: string(hw.ArchitectureX86_64),
		Memory: []MemoryRange{
			{Base: 0, Size: 0x9f000},
			{Base: 0x100000, Size: 0x7f00000},
		},
		ACPI: true,
		Graphics: &GraphicsProfile{
			Modes: []ModeProfile{{Width: 800, Height: 600}, {Width: 1024, Height: 768}},
		},
	}
	p.normalize()
	return p
}

func (p *Profile) normalize() {
	if p.Arch == "" {
		p.Arch = string(hw.ArchitectureX86_64)
	}
	if p.ACPIRevision == 0 {
		p.ACPIRevision = 2
	}
	if p.DescriptorSize == 0 {
		p.DescriptorSize = 48
	}
	if p.Console.Width == 0 {
		p.Console.Width = 80
	}
	if p.Console.Height == 0 {
		p.Console.Height = 25
	}
	if p.Graphics != nil {
		for i := range p.Graphics.Modes {
			m := &p.Graphics.Modes[i]
			if m.Stride == 0 {
				m.Stride = m.Width
			}
			if m.Format == "" {
				m.Format = "bgrx"
			}
		}
	}
}

func (p *Profile) validate() error {
	if _, err := hw.ParseArchitecture(p.Arch); err != nil {
		return err
	}
	if len(p.Memory) == 0 {
		return fmt.Errorf("profile has no memory")
	}
	for i, r := range p.Memory {
		if r.Size == 0 || r.Base%hw.PageSize != 0 || r.Size%hw.PageSize != 0 {
			return fmt.Errorf("memory range %d [%#x+%#x] is empty or not page aligned", i, r.Base, r.Size)
		}
		for j := 0; j < i; j++ {
			o := p.Memory[j]
			if (hw.Range{Base: r.Base, Size: r.Size}).Overlaps(hw.Range{Base: o.Base, Size: o.Size}) {
				return fmt.Errorf("memory ranges %d and %d overlap", j, i)
			}
		}
	}
	if p.DescriptorSize < 40 || p.DescriptorSize%8 != 0 {
		return fmt.Errorf("descriptor size %d must be a multiple of 8 and at least 40", p.DescriptorSize)
	}
	if g := p.Graphics; g != nil {
		if len(g.Modes) == 0 {
			return fmt.Errorf("graphics profile has no modes")
		}
		if g.Current < 0 || g.Current >= len(g.Modes) {
			return fmt.Errorf("graphics current mode %d out of range", g.Current)
		}
		for i, m := range g.Modes {
			if m.Width == 0 || m.Height == 0 || m.Stride < m.Width {
				return fmt.Errorf("graphics mode %d has invalid geometry %dx%d stride %d", i, m.Width, m.Height, m.Stride)
			}
			if _, err := parsePixelFormat(m.Format); err != nil {
				return fmt.Errorf("graphics mode %d: %w", i, err)
			}
		}
	}
	return nil
}

// ParseProfile decodes a YAML profile and fills in defaults.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

// LoadProfile reads a profile from disk. Relative file paths are resolved
// against the profile's directory.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for esp, host := range p.Files {
		if !filepath.IsAbs(host) {
			p.Files[esp] = filepath.Join(dir, host)
		}
	}
	return p, nil
}

// WriteProfile writes p as YAML.
func WriteProfile(path string, p Profile) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close profile: %w", err)
	}
	return nil
}
