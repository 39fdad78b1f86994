package ccboot_test

import (
	"debug/elf"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/ccboot"
	"github.com/tinyrange/ccboot/internal/firmware/sim"
	"github.com/tinyrange/ccboot/internal/kernel/kerneltest"
)

func newMachine(t *testing.T, files map[string][]byte) *sim.Machine {
	t.Helper()
	m, err := sim.New(sim.DefaultProfile(), sim.WithFiles(files))
	if err != nil {
		t.Fatalf("sim.New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func firmwareOf(m *sim.Machine) ccboot.Firmware {
	return ccboot.Firmware{Boot: m.Services(), Runtime: m.Runtime(), Memory: m.Memory(), CPU: m.CPU()}
}

func TestBoot(t *testing.T) {
	const base = 0xFFFF_FFFF_8000_0000
	m := newMachine(t, map[string][]byte{
		ccboot.ArchitectureX86_64.ConfigPath(): []byte("kernel_path=\\kernel\ncmdline=root=/dev/sda1\n"),
		`\kernel`:                              kerneltest.Demo(elf.EM_X86_64, base, ccboot.BootInfoVersion).Build(),
	})

	var last ccboot.HandoffState
	out := m.Run(func() error {
		return ccboot.Boot(firmwareOf(m), ccboot.WithObserver(func(_, to ccboot.HandoffState) { last = to }))
	})
	if !out.Entered || out.Entry != base+0x40 {
		t.Fatalf("outcome = %s", out)
	}
	if last.String() != "handed-off" {
		t.Fatalf("last handoff state = %s", last)
	}
}

func TestBootReportsAndResets(t *testing.T) {
	m := newMachine(t, map[string][]byte{
		ccboot.ArchitectureX86_64.ConfigPath(): []byte("cmdline=quiet\n"),
	})
	out := m.Run(func() error { return ccboot.Boot(firmwareOf(m)) })
	if !out.Reset {
		t.Fatalf("outcome = %s, want a reset", out)
	}
	if screen := m.Console().Text(); !strings.Contains(screen, "missing kernel_path") {
		t.Fatalf("console does not explain the failure:\n%s", screen)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ccboot.ParseConfig([]byte("kernel_path=\\k\nresolution=1024x768\n"))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.KernelPath != `\k` || cfg.Resolution == nil || cfg.Resolution.Width != 1024 {
		t.Fatalf("ParseConfig() = %+v", cfg)
	}
	if _, err := ccboot.ParseConfig([]byte("cmdline=x")); !errors.Is(err, ccboot.ErrMissingKernelPath) {
		t.Fatalf("ParseConfig() error = %v, want ErrMissingKernelPath", err)
	}
}
