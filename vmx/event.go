package vmx

import "fmt"

// InterruptionType is bits 10:8 of the VM-exit and VM-entry
// interruption-information fields.
type InterruptionType uint8

const (
	InterruptExternal                    InterruptionType = 0
	InterruptNMI                         InterruptionType = 2
	InterruptHardwareException           InterruptionType = 3
	InterruptSoftware                    InterruptionType = 4
	InterruptPrivilegedSoftwareException InterruptionType = 5
	InterruptSoftwareException           InterruptionType = 6
	InterruptOther                       InterruptionType = 7
)

// Vector is an exception or interrupt vector.
type Vector uint8

const (
	VectorDivideError        Vector = 0
	VectorDebug              Vector = 1
	VectorNMI                Vector = 2
	VectorBreakpoint         Vector = 3
	VectorOverflow           Vector = 4
	VectorBoundRange         Vector = 5
	VectorUndefinedOpcode    Vector = 6
	VectorDeviceNotAvailable Vector = 7
	VectorDoubleFault        Vector = 8
	VectorInvalidTSS         Vector = 10
	VectorSegmentNotPresent  Vector = 11
	VectorStackFault         Vector = 12
	VectorGeneralProtection  Vector = 13
	VectorPageFault          Vector = 14
)

// InterruptionInfo is the layout shared by the VM-exit and VM-entry
// interruption-information fields.
type InterruptionInfo uint32

const (
	interruptionErrorCodeValid = 1 << 11
	interruptionNMIUnblocking  = 1 << 12
	interruptionValid          = 1 << 31
)

// NewInterruptionInfo returns a valid interruption-information value.
func NewInterruptionInfo(typ InterruptionType, vec Vector, errorCodeValid bool) InterruptionInfo {
	i := InterruptionInfo(vec) | InterruptionInfo(typ&0x7)<<8 | interruptionValid
	if errorCodeValid {
		i |= interruptionErrorCodeValid
	}

	return i
}

func (i InterruptionInfo) Vector() Vector { return Vector(i & 0xff) }
func (i InterruptionInfo) Type() InterruptionType { return InterruptionType(i>>8) & 0x7 }
func (i InterruptionInfo) ErrorCodeValid() bool { return i&interruptionErrorCodeValid != 0 }
func (i InterruptionInfo) NMIUnblocking() bool { return i&interruptionNMIUnblocking != 0 }
func (i InterruptionInfo) Valid() bool { return i&interruptionValid != 0 }

// Is reports whether i is a valid event of the given type and vector.
func (i InterruptionInfo) Is(typ InterruptionType, vec Vector) bool {
	return i.Valid() && i.Type() == typ && i.Vector() == vec
}

func (i InterruptionInfo) String() string {
	if !i.Valid() {
		return "none"
	}

	return fmt.Sprintf("type=%d vector=%d", i.Type(), i.Vector())
}

// InjectEvent arranges for an event to be delivered to the guest on the
// next VM entry.
func InjectEvent(v VMCS, typ InterruptionType, vec Vector, deliverErrorCode bool, errorCode uint32) error {
	info := NewInterruptionInfo(typ, vec, deliverErrorCode)
	if err := v.Write(VMEntryInterruptionInfo, uint64(info)); err != nil {
		return err
	}

	if deliverErrorCode {
		return v.Write(VMEntryExceptionErrorCode, uint64(errorCode))
	}

	return nil
}

// InjectBreakpoint re-injects #BP. The VM-entry instruction length is
// taken from the exiting INT3 so the guest sees the trap after it.
func InjectBreakpoint(v VMCS) error {
	if err := InjectEvent(v, InterruptSoftwareException, VectorBreakpoint, false, 0); err != nil {
		return err
	}

	n, err := v.Read(VMExitInstructionLength)
	if err != nil {
		return err
	}

	return v.Write(VMEntryInstructionLength, n)
}

// InjectUndefinedOpcode injects #UD.
func InjectUndefinedOpcode(v VMCS) error {
	return InjectEvent(v, InterruptHardwareException, VectorUndefinedOpcode, false, 0)
}

// SetMonitorTrapFlag arms or disarms the monitor trap flag.
func SetMonitorTrapFlag(v VMCS, on bool) error {
	ctl, err := v.Read(CPUBasedVMExecControl)
	if err != nil {
		return err
	}

	if on {
		ctl |= CPUBasedMonitorTrapFlag
	} else {
		ctl &^= CPUBasedMonitorTrapFlag
	}

	return v.Write(CPUBasedVMExecControl, ctl)
}

// MonitorTrapFlag reports whether the monitor trap flag is armed.
func MonitorTrapFlag(v VMCS) (bool, error) {
	ctl, err := v.Read(CPUBasedVMExecControl)
	return ctl&CPUBasedMonitorTrapFlag != 0, err
}

// AdvanceRIP moves the guest past the instruction that caused the exit.
func AdvanceRIP(v VMCS) error {
	rip, err := v.Read(GuestRIP)
	if err != nil {
		return err
	}

	n, err := v.Read(VMExitInstructionLength)
	if err != nil {
		return err
	}

	return v.Write(GuestRIP, rip+n)
}

// FailInstruction reports VMfailInvalid to the guest by setting CF.
// No other flag is changed.
func FailInstruction(v VMCS) error {
	flags, err := v.Read(GuestRFLAGS)
	if err != nil {
		return err
	}

	return v.Write(GuestRFLAGS, flags|RFlagsCF)
}
