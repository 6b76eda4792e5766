package vmexit

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/c35s/vtx/vmx"
)

// Config describes a new Dispatcher.
type Config struct {

	// NumCPU is the number of logical processors to allocate state for when
	// Session is nil. If NumCPU is 0, runtime.NumCPU() is used.
	NumCPU int

	// Session, if set, is the per-processor state to dispatch against.
	// Collaborators that arm single-step state need the same Session.
	Session *Session

	// Logger receives exit diagnostics. If Logger is nil, slog.Default() is used.
	Logger *slog.Logger

	// Signature marks hypercalls meant for this hypervisor. If Signature is
	// the zero value, DefaultSignature is used.
	Signature Signature

	ControlRegisters ControlRegisterEmulator
	MSRs             MSREmulator
	CPUID            CPUIDEmulator
	Memory           MemoryVirtualizer
	VMCalls          VMCallHandler
	Parent           ParentHypervisor
	Syscalls         SyscallInterceptor

	// Processes names the current guest process in logs. If Processes is
	// nil, every process is reported as 0.
	Processes ProcessIdentifier
}

// Signature is the value of R10, R11 and R12 that marks a VMCALL as ours.
type Signature [3]uint64

// DefaultSignature spells "HVFS", "VMCALL" and "NOHYPERV".
var DefaultSignature = Signature{0x48564653, 0x564d43414c4c, 0x4e4f485950455256}

// Matches reports whether the marker registers carry the signature.
func (s Signature) Matches(r10, r11, r12 uint64) bool {
	return r10 == s[0] && r11 == s[1] && r12 == s[2]
}

// Put stores the signature in the marker registers of regs.
func (s Signature) Put(regs *vmx.GuestRegs) {
	regs.R10, regs.R11, regs.R12 = s[0], s[1], s[2]
}

var (
	ErrConfig = errors.New("vmexit: invalid config")
	ErrArm    = errors.New("vmexit: cannot arm")
)

func (cfg Config) withDefaults() Config {
	if cfg.Session == nil {
		if cfg.NumCPU == 0 {
			cfg.NumCPU = runtime.NumCPU()
		}

		if cfg.NumCPU > 0 {
			cfg.Session = NewSession(cfg.NumCPU)
		}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Signature == (Signature{}) {
		cfg.Signature = DefaultSignature
	}

	if cfg.Processes == nil {
		cfg.Processes = ProcessIDFunc(func() uint64 { return 0 })
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Session == nil {
		return fmt.Errorf("invalid cpu count: %d", cfg.NumCPU)
	}

	if cfg.Session.NumCPU() == 0 {
		return errors.New("session has no processors")
	}

	switch {
	case cfg.ControlRegisters == nil:
		return errors.New("control register emulator is not set")
	case cfg.MSRs == nil:
		return errors.New("MSR emulator is not set")
	case cfg.CPUID == nil:
		return errors.New("CPUID emulator is not set")
	case cfg.Memory == nil:
		return errors.New("memory virtualizer is not set")
	case cfg.VMCalls == nil:
		return errors.New("VMCALL handler is not set")
	case cfg.Parent == nil:
		return errors.New("parent hypervisor is not set")
	case cfg.Syscalls == nil:
		return errors.New("syscall interceptor is not set")
	}

	return nil
}
