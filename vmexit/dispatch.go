// Package vmexit handles VT-x exits. A Dispatcher classifies each exit by
// its basic reason, performs the small amount of VMCS work that belongs to
// the root-mode core and hands everything else to collaborators. It then
// decides whether the guest resumes or virtualization on that processor
// has ended.
//
// HandleExit is called once per exit on the exiting processor, never
// concurrently with itself for the same processor. It does not block.
package vmexit

import (
	"fmt"
	"log/slog"

	"github.com/c35s/vtx/vmx"
)

// Verdict tells the entry trampoline what to do after an exit.
type Verdict int

const (
	// Continue resumes the guest with VMRESUME.
	Continue Verdict = iota

	// Teardown means VMX is being turned off on this processor.
	Teardown
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Teardown:
		return "teardown"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Dispatcher routes exits for every processor in a Session.
type Dispatcher struct {
	cfg     Config
	session *Session
	log     *slog.Logger
}

// New creates a new Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Dispatcher{
		cfg:     cfg,
		session: cfg.Session,
		log:     cfg.Logger,
	}

	return d, nil
}

// Session returns the per-processor state the dispatcher works on.
func (d *Dispatcher) Session() *Session {
	return d.session
}

// exit is the exit being handled.
type exit struct {
	Exit
	regs   *vmx.GuestRegs
	reason vmx.ExitReason
	qual   uint64
}

// HandleExit handles one exit on processor cpu. vmcs is that processor's
// current VMCS and regs the registers saved by the trampoline, which it
// restores before resuming the guest.
func (d *Dispatcher) HandleExit(cpu int, vmcs vmx.VMCS, regs *vmx.GuestRegs) Verdict {
	c := d.session.CPU(cpu)
	if c == nil {
		d.log.Error("exit on unknown processor", "cpu", cpu, "cpus", d.session.NumCPU())
		return Continue
	}

	c.inRootMode.Store(true)
	defer c.inRootMode.Store(false)

	c.advanceRIP = true

	x := &exit{Exit: Exit{cpu: cpu, state: c, vmcs: vmcs}, regs: regs}
	x.reason = vmx.ExitReason(d.read(x, vmx.VMExitReason) & vmx.ExitReasonMask)
	x.qual = d.read(x, vmx.ExitQualification)

	c.stats.recordExit(x.reason)

	d.dispatch(x)
	return d.resume(x)
}

func (d *Dispatcher) dispatch(x *exit) {
	defer func() {
		if r := recover(); r != nil {
			d.logger(x).Error("exit handler panicked", "panic", r)
		}
	}()

	switch classify(x.reason) {
	case branchTripleFault:
		d.logger(x).Error("triple fault")

	case branchVMXInstruction:
		// Nested VMX is not supported; every VMX instruction fails with CF=1.
		if err := vmx.FailInstruction(x.vmcs); err != nil {
			d.logger(x).Error("fail VMX instruction", "err", err)
		}

	case branchCRAccess:
		if !d.cfg.ControlRegisters.HandleCRAccess(x.regs, vmx.CRAccessQualification(x.qual)) {
			d.logger(x).Error("control register access was not emulated", "qual", x.qual)
		}

	case branchMSRRead:
		d.cfg.MSRs.ReadMSR(x.regs)

	case branchMSRWrite:
		d.cfg.MSRs.WriteMSR(x.regs)

	case branchCPUID:
		d.cfg.CPUID.HandleCPUID(x.regs)

	case branchIOInstruction:
		d.logger(x).Error("I/O instruction exits are not supported", "port", uint16(x.qual>>16))

	case branchEPTViolation:
		gpa := d.read(x, vmx.GuestPhysicalAddress)
		if !d.cfg.Memory.HandleViolation(&x.Exit, vmx.EPTViolationQualification(x.qual), gpa) {
			d.logger(x).Error("EPT violation was not handled", "gpa", gpa, "qual", x.qual)
		}

	case branchEPTMisconfig:
		gpa := d.read(x, vmx.GuestPhysicalAddress)
		d.cfg.Memory.HandleMisconfiguration(gpa)

	case branchVMCall:
		d.handleVMCall(x)

	case branchExceptionNMI:
		d.handleExceptionNMI(x)

	case branchMonitorTrapFlag:
		d.handleMonitorTrapFlag(x)

	case branchHLT:
		// nothing to do; the guest continues after HLT

	case branchUnknown:
		d.logger(x).Error("unknown exit reason", "code", uint16(x.reason))
	}
}

func (d *Dispatcher) handleVMCall(x *exit) {
	r := x.regs
	if d.cfg.Signature.Matches(r.R10, r.R11, r.R12) {
		r.RAX = d.cfg.VMCalls.HandleVMCall(x.cpu, r.RCX, r.RDX, r.R8, r.R9)
		return
	}

	r.RAX = d.cfg.Parent.VMCall(r.RCX, r.RDX, r.R8)
}

func (d *Dispatcher) handleExceptionNMI(x *exit) {
	info := vmx.InterruptionInfo(d.read(x, vmx.VMExitInterruptionInfo))

	switch {
	case info.Is(vmx.InterruptSoftwareException, vmx.VectorBreakpoint):
		rip := d.read(x, vmx.GuestRIP)
		d.logger(x).Info("breakpoint hit", "pid", d.cfg.Processes.CurrentProcessID(), "rip", rip)

		// the guest sees the #BP, so INT3 is not skipped here
		x.state.advanceRIP = false

		if err := vmx.InjectBreakpoint(x.vmcs); err != nil {
			d.logger(x).Error("inject #BP", "err", err)
		}

	case info.Is(vmx.InterruptHardwareException, vmx.VectorUndefinedOpcode):
		if d.cfg.Syscalls.HandleUndefinedOpcode(&x.Exit, x.regs) {
			return
		}

		if err := vmx.InjectUndefinedOpcode(x.vmcs); err != nil {
			d.logger(x).Error("inject #UD", "err", err)
		}

	default:
		d.logger(x).Error("unexpected exception or NMI", "info", info.String())
	}
}

func (d *Dispatcher) handleMonitorTrapFlag(x *exit) {
	c := x.state

	if _, ok := c.PendingSingleStepRestore(); ok {
		d.cfg.Memory.RestoreSingleStep(c.takeRestore())
	} else if addr, ok := c.takeSyscall(); ok {
		rip := d.read(x, vmx.GuestRIP)
		if rip == addr {
			// The guest did not move past the #UD, so it was not a SYSCALL.
			if err := vmx.InjectUndefinedOpcode(x.vmcs); err != nil {
				d.logger(x).Error("inject #UD", "err", err)
			}
		} else {
			d.logger(x).Info("syscall intercepted",
				"addr", addr,
				"pid", d.cfg.Processes.CurrentProcessID(),
				"rax", x.regs.RAX)
		}

		d.cfg.Syscalls.Rearm(x.cpu)
	} else {
		d.logger(x).Error("monitor trap flag exit with nothing pending")
	}

	c.advanceRIP = false

	if err := vmx.SetMonitorTrapFlag(x.vmcs, false); err != nil {
		d.logger(x).Error("disarm monitor trap flag", "err", err)
	}
}

func (d *Dispatcher) resume(x *exit) Verdict {
	if x.state.TeardownRequested() {
		x.state.stats.teardowns.Add(1)
		return Teardown
	}

	if x.state.advanceRIP {
		if err := vmx.AdvanceRIP(x.vmcs); err != nil {
			d.logger(x).Error("advance guest RIP", "err", err)
		}
	}

	return Continue
}

// read returns the value of field f, or 0 if VMREAD fails.
func (d *Dispatcher) read(x *exit, f vmx.Field) uint64 {
	val, err := x.vmcs.Read(f)
	if err != nil {
		d.logger(x).Error("vmread failed", "field", f.String(), "err", err)
		return 0
	}

	return val
}

func (d *Dispatcher) logger(x *exit) *slog.Logger {
	return d.log.With("cpu", x.cpu, "reason", x.reason.String())
}
