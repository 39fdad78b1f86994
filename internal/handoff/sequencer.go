package handoff

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ccboot/internal/bootinfo"
	"github.com/tinyrange/ccboot/internal/console"
	"github.com/tinyrange/ccboot/internal/firmware"
	"github.com/tinyrange/ccboot/internal/hw"
	"github.com/tinyrange/ccboot/internal/paging"
	"github.com/tinyrange/ccboot/internal/sysinfo"
)

var (
	ErrNotReady     = errors.New("handoff plan is incomplete")
	ErrExitServices = errors.New("exit boot services failed")
	ErrReturned     = errors.New("kernel entry returned to the loader")
)

// amd64InitialRflags has only the reserved bit set: interrupts disabled.
const amd64InitialRflags = 0x2

// Plan is everything the kernel receives. It must be complete before Run
// is called; nothing in it may depend on boot services afterwards.
type Plan struct {
	Tables   *paging.PageTable
	BootInfo bootinfo.Region
	Payload  bootinfo.Payload
	Entry    uint64
	StackTop uint64
}

// Sequencer runs the handoff state machine once.
type Sequencer struct {
	// Memory and CPU are hardware primitives and remain usable after
	// boot services are gone.
	Memory firmware.PhysicalMemory
	CPU    hw.CPU

	// Runtime receives diagnostics and the reset request when exiting
	// boot services fails after it was attempted.
	Runtime *firmware.Runtime

	Log      *slog.Logger
	Observer Observer

	// LogLevel is used for the post-exit diagnostics logger.
	LogLevel slog.Leveler

	state State
}

func (s *Sequencer) State() State { return s.state }

func (s *Sequencer) transition(log *slog.Logger, to State) {
	from := s.state
	s.state = to
	log.Debug("handoff transition", "from", from.String(), "to", to.String())
	if s.Observer != nil {
		s.Observer(from, to)
	}
}

// Run exits boot services and enters the kernel. It does not return on
// success. An error returned before ExitBootServices was first called
// leaves boot services intact. Any other error means firmware is gone or
// half torn down: it is reported through Runtime only and the system has
// been asked to reset.
func (s *Sequencer) Run(boot *firmware.Boot, plan Plan) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	if s.state != Preparing {
		return fmt.Errorf("%w: sequencer already %s", ErrNotReady, s.state)
	}
	if err := s.verify(plan); err != nil {
		s.transition(log, Failed)
		return err
	}

	s.transition(log, ExitingServices)
	rt, mm, err := s.exit(boot, plan, log)
	if err != nil {
		if boot.ExitAttempted() {
			return s.fatal(s.Runtime, s.diagnostics(s.Runtime), err)
		}
		s.transition(log, Failed)
		return err
	}

	// Boot services are gone. Only rt, s.Memory and s.CPU remain.
	log = s.diagnostics(rt)
	s.transition(log, PostExit)

	if err := plan.BootInfo.Write(s.Memory, plan.Payload, mm.Descriptors); err != nil {
		return s.fatal(rt, log, err)
	}

	s.transition(log, Activating)
	for _, reg := range plan.Tables.ActivationRegisters() {
		s.CPU.WriteRegister(reg.Register, reg.Value)
	}

	s.transition(log, Transferring)
	regs, err := s.CPU.Architecture().EntryRegisters()
	if err != nil {
		return s.fatal(rt, log, err)
	}
	if s.CPU.Architecture() == hw.ArchitectureX86_64 {
		s.CPU.WriteRegister(hw.RegisterAMD64Rflags, amd64InitialRflags)
	}
	s.CPU.WriteRegister(regs.Stack, plan.StackTop)
	s.CPU.WriteRegister(regs.Arg0, plan.BootInfo.Base)

	s.transition(log, HandedOff)
	s.CPU.Jump(plan.Entry)

	return s.fatal(rt, log, fmt.Errorf("%w: entry %#x", ErrReturned, plan.Entry))
}

// verify checks that the table already maps everything the CPU touches
// right after activation.
func (s *Sequencer) verify(plan Plan) error {
	if s.Memory == nil || s.CPU == nil {
		return fmt.Errorf("%w: no physical memory or CPU", ErrNotReady)
	}
	if plan.Tables == nil {
		return fmt.Errorf("%w: no page table", ErrNotReady)
	}
	if plan.Tables.Arch() != s.CPU.Architecture() {
		return fmt.Errorf("%w: page table for %s on a %s CPU", ErrNotReady, plan.Tables.Arch(), s.CPU.Architecture())
	}

	checks := []struct {
		what string
		va   uint64
		need hw.Perm
	}{
		{"kernel entry", plan.Entry, hw.PermExecute},
		{"kernel stack", plan.StackTop - 8, hw.PermWrite},
		{"boot info", plan.BootInfo.Base, hw.PermRead},
	}
	for _, c := range checks {
		_, perm, ok := plan.Tables.Translate(c.va)
		if !ok {
			return fmt.Errorf("%w: %s at %#x is not mapped", ErrNotReady, c.what, c.va)
		}
		if perm&c.need != c.need {
			return fmt.Errorf("%w: %s at %#x is mapped %s", ErrNotReady, c.what, c.va, perm)
		}
	}
	return nil
}

// exit captures the memory map and exits boot services. A stale key gets
// exactly one refresh.
func (s *Sequencer) exit(boot *firmware.Boot, plan Plan, log *slog.Logger) (*firmware.Runtime, *sysinfo.MemoryMap, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		mm, err := sysinfo.CaptureMemoryMap(boot, log)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrExitServices, err)
		}
		if need := bootinfo.Encode(plan.BootInfo.Base, plan.Payload, mm.Descriptors); uint64(len(need)) > plan.BootInfo.Size {
			return nil, nil, fmt.Errorf("%w: %w: %d memory map entries", ErrExitServices, bootinfo.ErrRegionTooSmall, len(mm.Descriptors))
		}

		// No boot services call may happen between the capture and Exit.
		rt, err := boot.Exit(mm.Key)
		if err == nil {
			return rt, mm, nil
		}
		lastErr = err
		if !errors.Is(err, firmware.ErrInvalidParameter) {
			break
		}
		// The console belongs to boot services, which are half gone now.
		log = s.diagnostics(s.Runtime)
		log.Warn("memory map key went stale, refreshing", "attempt", attempt, "key", uint64(mm.Key))
	}
	return nil, nil, fmt.Errorf("%w: %w", ErrExitServices, lastErr)
}

func (s *Sequencer) diagnostics(rt *firmware.Runtime) *slog.Logger {
	return console.NewLogger(rt.Diagnostics(), console.Options{Level: s.LogLevel})
}

func (s *Sequencer) fatal(rt *firmware.Runtime, log *slog.Logger, err error) error {
	log.Error("fatal error while exiting boot services", "state", s.state.String(), "error", err)
	s.transition(log, Failed)
	rt.Reset(firmware.ResetCold)
	return err
}
