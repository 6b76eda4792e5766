package vmexit

import "github.com/c35s/vtx/vmx"

// ControlRegisterEmulator emulates MOV to/from CR, CLTS and LMSW.
type ControlRegisterEmulator interface {

	// HandleCRAccess emulates the access described by qual. It returns
	// false if the access could not be emulated.
	HandleCRAccess(regs *vmx.GuestRegs, qual vmx.CRAccessQualification) bool
}

// MSREmulator emulates RDMSR and WRMSR. The MSR index is regs.MSRIndex().
type MSREmulator interface {
	ReadMSR(regs *vmx.GuestRegs)
	WriteMSR(regs *vmx.GuestRegs)
}

// CPUIDEmulator emulates CPUID.
type CPUIDEmulator interface {
	HandleCPUID(regs *vmx.GuestRegs)
}

// MemoryVirtualizer owns the extended page tables.
type MemoryVirtualizer interface {

	// HandleViolation resolves an EPT violation. It returns false if the
	// violation could not be handled. To let the guest step over the
	// faulting access before putting the page back, it calls
	// x.ArmSingleStep.
	HandleViolation(x *Exit, qual vmx.EPTViolationQualification, gpa uint64) bool

	// HandleMisconfiguration deals with an EPT misconfiguration.
	HandleMisconfiguration(gpa uint64)

	// RestoreSingleStep puts back the state saved in rp before the monitor
	// trap flag was armed.
	RestoreSingleStep(rp RestorePoint)
}

// VMCallHandler serves hypercalls that carry the session's signature.
type VMCallHandler interface {
	HandleVMCall(cpu int, code, arg1, arg2, arg3 uint64) uint64
}

// ParentHypervisor forwards hypercalls that are not ours to the hypervisor
// we are running under.
type ParentHypervisor interface {
	VMCall(code, arg1, arg2 uint64) uint64
}

// SyscallInterceptor implements SYSCALL interception by clearing EFER.SCE
// so that SYSCALL raises #UD.
type SyscallInterceptor interface {

	// HandleUndefinedOpcode reports whether the #UD at the guest RIP was
	// raised by the interception. When it was, the interceptor usually
	// emulates SYSCALL and calls x.AwaitSyscall.
	HandleUndefinedOpcode(x *Exit, regs *vmx.GuestRegs) bool

	// Rearm re-enables interception on cpu once a trapped SYSCALL has been
	// resolved.
	Rearm(cpu int)
}

// ProcessIdentifier names the guest process that was running at the exit.
type ProcessIdentifier interface {
	CurrentProcessID() uint64
}

// ProcessIDFunc adapts a function to ProcessIdentifier.
type ProcessIDFunc func() uint64

func (f ProcessIDFunc) CurrentProcessID() uint64 { return f() }

// RestorePoint is an opaque record handed back to the MemoryVirtualizer
// by the monitor trap flag handler.
type RestorePoint any
