// Command bootsim runs the boot loader on a simulated UEFI machine and
// reports what the kernel would have received.
package main

import (
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-tty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/ccboot/internal/bootinfo"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/firmware/sim"
	"github.com/tinyrange/ccboot/internal/handoff"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/kernel/kerneltest"
	"github.com/tinyrange/ccboot/internal/loader"
)

const demoKernelPath = `\EFI\ccboot\kernel.elf`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "bootsim: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("bootsim", flag.ContinueOnError)
	flags.SetOutput(stderr)
	profilePath := flags.String("profile", "", "Machine profile (YAML); default is a 128 MiB x86_64 machine")
	writeProfile := flags.String("write-profile", "", "Write the effective profile to this path, then exit")
	espDir := flags.String("esp", "", "Directory to use as the boot partition")
	archFlag := flags.String("arch", "", "Override the profile architecture (x86_64, arm64)")
	demoKernel := flags.Bool("demo-kernel", false, "Place a generated demo kernel and configuration on the boot partition")
	cmdline := flags.String("cmdline", "console=ttyS0", "Kernel command line used with -demo-kernel")
	screenshot := flags.String("screenshot", "", "Write the framebuffer to this PNG after the run")
	waitKey := flags.Bool("wait-key", false, "Read console input from the terminal")
	verbose := flags.Bool("v", false, "Enable debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	profile := sim.DefaultProfile()
	if *profilePath != "" {
		p, err := sim.LoadProfile(*profilePath)
		if err != nil {
			return err
		}
		profile = p
	}
	if *archFlag != "" {
		arch, err := hw.ParseArchitecture(*archFlag)
		if err != nil {
			return err
		}
		profile.Arch = string(arch)
		if arch == hw.ArchitectureARM64 && *profilePath == "" {
			profile.Memory = []sim.MemoryRange{{Base: 0x40000000, Size: 0x8000000}}
		}
	}
	if *writeProfile != "" {
		return sim.WriteProfile(*writeProfile, profile)
	}
	arch, err := hw.ParseArchitecture(profile.Arch)
	if err != nil {
		return err
	}

	files := map[string][]byte{}
	if *espDir != "" {
		if files, err = loadESP(*espDir, stderr); err != nil {
			return err
		}
	}
	if *demoKernel {
		addDemoKernel(files, arch, *cmdline)
	}
	if len(files) == 0 {
		return errors.New("boot partition is empty; pass -esp or -demo-kernel")
	}

	color := false
	if f, ok := stdout.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	opts := []sim.Option{
		sim.WithFiles(files),
		sim.WithConsoleEcho(stdout),
		sim.WithSerialEcho(stderr),
		sim.WithLogger(log),
	}
	if *waitKey {
		t, err := tty.Open()
		if err != nil {
			return fmt.Errorf("open terminal: %w", err)
		}
		defer t.Close()
		opts = append(opts, sim.WithKeyReader(ttyKeys{t}))
	}

	m, err := sim.New(profile, opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	l := &loader.Loader{
		Arch:     arch,
		Memory:   m.Memory(),
		CPU:      m.CPU(),
		Runtime:  firmware.NewRuntime(m.Runtime()),
		LogLevel: level,
		Color:    color,
		Observer: func(from, to handoff.State) {
			log.Debug("handoff", "from", from.String(), "to", to.String())
		},
	}
	boot := firmware.NewBoot(m.Services())
	out := m.Run(func() error { return l.Main(boot) })

	fmt.Fprintf(stdout, "\noutcome: %s\n", out)
	if *screenshot != "" {
		if err := m.Screenshot(*screenshot); err != nil {
			return fmt.Errorf("screenshot: %w", err)
		}
	}
	if !out.Entered {
		if out.Err != nil {
			return out.Err
		}
		return errors.New("kernel was not entered")
	}
	return describeHandoff(stdout, m, arch)
}

type ttyKeys struct {
	t *tty.TTY
}

func (k ttyKeys) ReadKey() (rune, error) { return k.t.ReadRune() }

// loadESP reads every regular file under dir. ESP paths use backslashes.
func loadESP(dir string, progress io.Writer) (map[string][]byte, error) {
	var paths []string
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		paths = append(paths, path)
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan boot partition: %w", err)
	}

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("loading boot partition"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Close()

	files := make(map[string][]byte, len(paths))
	for _, path := range paths {
		data, err := readWithProgress(path, bar)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, err
		}
		files[`\`+strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`)] = data
	}
	return files, nil
}

func readWithProgress(path string, bar io.Writer) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.TeeReader(f, bar))
}

func addDemoKernel(files map[string][]byte, arch hw.CpuArchitecture, cmdline string) {
	base := uint64(0xFFFF_FFFF_8000_0000)
	machine := elf.EM_X86_64
	if arch == hw.ArchitectureARM64 {
		base = 0xFFFF_0000_0008_0000
		machine = elf.EM_AARCH64
	}
	files[demoKernelPath] = kerneltest.Demo(machine, base, bootinfo.Version).Build()
	files[arch.ConfigPath()] = []byte(fmt.Sprintf("kernel_path=%s\ncmdline=%s\n", demoKernelPath, cmdline))
}

func describeHandoff(w io.Writer, m *sim.Machine, arch hw.CpuArchitecture) error {
	regs, err := arch.EntryRegisters()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "register\tvalue")
	for _, wr := range m.CPU().Writes() {
		fmt.Fprintf(tw, "%s\t%#x\n", wr.Register, wr.Value)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	addr, _ := m.CPU().Register(regs.Arg0)
	bi, err := bootinfo.Read(m.Memory(), addr)
	if err != nil {
		return fmt.Errorf("decode boot info: %w", err)
	}

	fmt.Fprintf(w, "\nboot info v%d.%d at %#x\n", bi.Major, bi.Minor, addr)
	fmt.Fprintf(w, "  flags:    %s\n", bi.Flags)
	fmt.Fprintf(w, "  cmdline:  %q\n", bi.Cmdline)
	if bi.Framebuffer != nil {
		fmt.Fprintf(w, "  display:  %s\n", bi.Framebuffer)
	}
	if bi.ACPI != 0 {
		fmt.Fprintf(w, "  acpi:     %#x\n", bi.ACPI)
	}
	if bi.SMBIOS != 0 {
		fmt.Fprintf(w, "  smbios:   %#x\n", bi.SMBIOS)
	}
	if bi.Initrd.Size != 0 {
		fmt.Fprintf(w, "  initrd:   %s\n", bi.Initrd)
	}
	if bi.PhysicalMemoryOffset != 0 {
		fmt.Fprintf(w, "  physmap:  %#x\n", bi.PhysicalMemoryOffset)
	}

	fmt.Fprintf(w, "\nmemory map (%d entries)\n", len(bi.MemoryMap))
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "start\tpages\ttype\tattributes")
	for _, e := range bi.MemoryMap {
		fmt.Fprintf(tw, "%#x\t%d\t%s\t%#x\n", e.PhysicalStart, e.Pages, e.Type, uint64(e.Attribute))
	}
	return tw.Flush()
}
