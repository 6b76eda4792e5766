//go:build linux

package vmm

import (
	"fmt"
	"unsafe"

	"github.com/c35s/vtx/kvm"
	"github.com/c35s/vtx/vmx"
)

// shadow is the VMCS the dispatcher sees for one KVM exit. KVM owns the
// real VMCS, so the exit is rebuilt in software from kvm_run and the VCPU's
// registers, and whatever the dispatcher writes is flushed back afterwards.
type shadow struct {
	exit kvm.Exit
	vmcs *vmx.SoftVMCS
	regs vmx.GuestRegs

	// orig is the register file read from KVM before dispatch.
	orig kvm.Regs
}

// debug exit exceptions
const (
	vectorDebug      = 1
	vectorBreakpoint = 3
)

// newShadow describes the present exit in st as the equivalent VT-x exit.
// singleStep is whether KVM is single-stepping the VCPU, and hypercallPort,
// if non-zero, is an I/O port whose OUT is reported as VMCALL.
func newShadow(st *kvm.VCPUState, regs *kvm.Regs, sregs *kvm.Sregs, singleStep bool, hypercallPort uint16) (*shadow, error) {
	fields := map[vmx.Field]uint64{
		vmx.GuestRIP:    regs.RIP,
		vmx.GuestRFLAGS: regs.RFlags,
		vmx.GuestRSP:    regs.RSP,
		vmx.GuestCR0:    sregs.CR0,
		vmx.GuestCR3:    sregs.CR3,
		vmx.GuestCR4:    sregs.CR4,

		// KVM retires the instruction before it exits to userspace
		vmx.VMExitInstructionLength: 0,
	}

	if singleStep {
		fields[vmx.CPUBasedVMExecControl] = vmx.CPUBasedMonitorTrapFlag
	}

	var reason vmx.ExitReason

	switch st.ExitReason {
	case kvm.ExitHLT:
		reason = vmx.ExitHLT

	case kvm.ExitIO:
		xd := st.IOExitData()
		if hypercallPort != 0 && xd.IsOut && xd.Port == hypercallPort {
			reason = vmx.ExitVMCALL
			break
		}

		reason = vmx.ExitIOInstruction
		fields[vmx.ExitQualification] = ioQualification(xd)

	case kvm.ExitMMIO:
		xd := st.MMIOExitData()
		reason = vmx.ExitEPTViolation
		fields[vmx.GuestPhysicalAddress] = xd.PhysAddr

		if xd.IsWrite {
			fields[vmx.ExitQualification] = uint64(vmx.EPTAccessWrite)
		} else {
			fields[vmx.ExitQualification] = uint64(vmx.EPTAccessRead)
		}

	case kvm.ExitDebug:
		xd := st.DebugExitData()
		switch {
		case xd.Exception == vectorDebug && singleStep:
			reason = vmx.ExitMonitorTrapFlag

		case xd.Exception == vectorBreakpoint:
			// INT3 is still at RIP
			reason = vmx.ExitExceptionNMI
			fields[vmx.VMExitInstructionLength] = 1
			fields[vmx.VMExitInterruptionInfo] = uint64(vmx.NewInterruptionInfo(
				vmx.InterruptSoftwareException, vmx.VectorBreakpoint, false))

		default:
			return nil, fmt.Errorf("%w: debug exception %d at %#x", ErrUnsupportedExit, xd.Exception, xd.PC)
		}

	case kvm.ExitHypercall:
		reason = vmx.ExitVMCALL

	case kvm.ExitShutdown:
		reason = vmx.ExitTripleFault

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedExit, st.ExitReason)
	}

	fields[vmx.VMExitReason] = uint64(reason)

	s := &shadow{
		exit: st.ExitReason,
		vmcs: vmx.NewSoftVMCS(fields),
		regs: guestRegs(regs),
		orig: *regs,
	}

	return s, nil
}

// ioQualification encodes an I/O exit the way VT-x reports it.
func ioQualification(xd *kvm.IOExitData) uint64 {
	q := uint64(xd.Size-1) & 0x7
	if !xd.IsOut {
		q |= 1 << 3
	}

	if xd.Count > 1 {
		q |= 1<<4 | 1<<5
	}

	return q | uint64(xd.Port)<<16
}

// complete finishes the exit in mm, the VCPU's mmapped kvm_run, which KVM
// reads back on the next KVM_RUN. A hypercall returns the dispatcher's RAX,
// and IN from a port no device backs reads all ones.
func (s *shadow) complete(mm []byte) {
	st := (*kvm.VCPUState)(unsafe.Pointer(&mm[0]))

	switch s.exit {
	case kvm.ExitHypercall:
		st.HypercallExitData().Ret = s.regs.RAX

	case kvm.ExitIO:
		if st.IOExitData().IsOut {
			return
		}

		data := kvm.IOData(mm)
		for i := range data {
			data[i] = 0xff
		}
	}
}

// Regs returns the registers to write back, and whether they differ from
// what KVM reported.
func (s *shadow) Regs() (kvm.Regs, bool) {
	r := s.orig
	setGuestRegs(&r, &s.regs)

	if rip, err := s.vmcs.Read(vmx.GuestRIP); err == nil {
		r.RIP = rip
	}

	if fl, err := s.vmcs.Read(vmx.GuestRFLAGS); err == nil {
		r.RFlags = fl
	}

	return r, r != s.orig
}

// Injection returns the event the dispatcher set up for VM entry, if any.
func (s *shadow) Injection() (info vmx.InterruptionInfo, errorCode uint32, ok bool) {
	v, _ := s.vmcs.Read(vmx.VMEntryInterruptionInfo)
	info = vmx.InterruptionInfo(v)
	if !info.Valid() {
		return 0, 0, false
	}

	ec, _ := s.vmcs.Read(vmx.VMEntryExceptionErrorCode)
	return info, uint32(ec), true
}

// SingleStep reports whether the monitor trap flag is armed for VM entry.
func (s *shadow) SingleStep() bool {
	on, _ := vmx.MonitorTrapFlag(s.vmcs)
	return on
}

// inject records info in ev the way KVM_SET_VCPU_EVENTS expects it.
func inject(ev *kvm.VCPUEvents, info vmx.InterruptionInfo, errorCode uint32) error {
	switch info.Type() {
	case vmx.InterruptHardwareException, vmx.InterruptSoftwareException, vmx.InterruptPrivilegedSoftwareException:
		ev.Exception.Injected = 1
		ev.Exception.Pending = 0
		ev.Exception.Nr = uint8(info.Vector())
		ev.Exception.HasErrorCode = 0
		ev.Exception.ErrorCode = 0

		if info.ErrorCodeValid() {
			ev.Exception.HasErrorCode = 1
			ev.Exception.ErrorCode = errorCode
		}

	case vmx.InterruptNMI:
		ev.NMI.Pending = 1
		ev.Flags |= kvm.VCPUEventValidNMIPending

	case vmx.InterruptExternal, vmx.InterruptSoftware:
		ev.Interrupt.Injected = 1
		ev.Interrupt.Nr = uint8(info.Vector())
		ev.Interrupt.Soft = 0

		if info.Type() == vmx.InterruptSoftware {
			ev.Interrupt.Soft = 1
		}

	default:
		return fmt.Errorf("%w: cannot inject %v", ErrUnsupportedExit, info)
	}

	return nil
}

func guestRegs(r *kvm.Regs) vmx.GuestRegs {
	return vmx.GuestRegs{
		RAX: r.RAX, RCX: r.RCX, RDX: r.RDX, RBX: r.RBX,
		RSP: r.RSP, RBP: r.RBP, RSI: r.RSI, RDI: r.RDI,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
	}
}

func setGuestRegs(r *kvm.Regs, g *vmx.GuestRegs) {
	r.RAX, r.RCX, r.RDX, r.RBX = g.RAX, g.RCX, g.RDX, g.RBX
	r.RSP, r.RBP, r.RSI, r.RDI = g.RSP, g.RBP, g.RSI, g.RDI
	r.R8, r.R9, r.R10, r.R11 = g.R8, g.R9, g.R10, g.R11
	r.R12, r.R13, r.R14, r.R15 = g.R12, g.R13, g.R14, g.R15
}
