package vmx

import "fmt"

// Field is a VMCS field encoding as passed to VMREAD and VMWRITE.
// See SDM Vol. 3, Appendix B.
type Field uint32

// 16-, 32- and natural-width fields used by exit handling.
const (
	CPUBasedVMExecControl     Field = 0x4002
	VMEntryInterruptionInfo   Field = 0x4016
	VMEntryExceptionErrorCode Field = 0x4018
	VMEntryInstructionLength  Field = 0x401a
	VMExitReason              Field = 0x4402
	VMExitInterruptionInfo    Field = 0x4404
	VMExitInterruptionError   Field = 0x4406
	VMExitInstructionLength   Field = 0x440c
	GuestInterruptibility     Field = 0x4824
	GuestPhysicalAddress      Field = 0x2400
	ExitQualification         Field = 0x6400
	GuestLinearAddress        Field = 0x640a
	GuestCR0                  Field = 0x6800
	GuestCR3                  Field = 0x6802
	GuestCR4                  Field = 0x6804
	GuestRSP                  Field = 0x681c
	GuestRIP                  Field = 0x681e
	GuestRFLAGS               Field = 0x6820
)

var fieldNames = map[Field]string{
	CPUBasedVMExecControl:     "CPU_BASED_VM_EXEC_CONTROL",
	VMEntryInterruptionInfo:   "VM_ENTRY_INTR_INFO",
	VMEntryExceptionErrorCode: "VM_ENTRY_EXCEPTION_ERROR_CODE",
	VMEntryInstructionLength:  "VM_ENTRY_INSTRUCTION_LEN",
	VMExitReason:              "VM_EXIT_REASON",
	VMExitInterruptionInfo:    "VM_EXIT_INTR_INFO",
	VMExitInterruptionError:   "VM_EXIT_INTR_ERROR_CODE",
	VMExitInstructionLength:   "VM_EXIT_INSTRUCTION_LEN",
	GuestInterruptibility:     "GUEST_INTERRUPTIBILITY_INFO",
	GuestPhysicalAddress:      "GUEST_PHYSICAL_ADDRESS",
	ExitQualification:         "EXIT_QUALIFICATION",
	GuestLinearAddress:        "GUEST_LINEAR_ADDRESS",
	GuestCR0:                  "GUEST_CR0",
	GuestCR3:                  "GUEST_CR3",
	GuestCR4:                  "GUEST_CR4",
	GuestRSP:                  "GUEST_RSP",
	GuestRIP:                  "GUEST_RIP",
	GuestRFLAGS:               "GUEST_RFLAGS",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}

	return fmt.Sprintf("Field(%#x)", uint32(f))
}

// Processor-based VM-execution control bits.
const (
	CPUBasedMonitorTrapFlag = 1 << 27
)

// RFLAGS bits.
const (
	RFlagsCF    = 1 << 0
	RFlagsFixed = 1 << 1 // always set
	RFlagsPF    = 1 << 2
	RFlagsZF    = 1 << 6
	RFlagsTF    = 1 << 8
	RFlagsIF    = 1 << 9
)

// EPTViolationQualification is the exit qualification of an EPT violation.
type EPTViolationQualification uint64

func (q EPTViolationQualification) Read() bool { return q&(1<<0) != 0 }
func (q EPTViolationQualification) Write() bool { return q&(1<<1) != 0 }
func (q EPTViolationQualification) Execute() bool { return q&(1<<2) != 0 }
func (q EPTViolationQualification) Readable() bool { return q&(1<<3) != 0 }
func (q EPTViolationQualification) Writable() bool { return q&(1<<4) != 0 }
func (q EPTViolationQualification) Executable() bool { return q&(1<<5) != 0 }
func (q EPTViolationQualification) LinearValid() bool { return q&(1<<7) != 0 }

// The bits of an EPT violation qualification describing the access.
const (
	EPTAccessRead    EPTViolationQualification = 1 << 0
	EPTAccessWrite   EPTViolationQualification = 1 << 1
	EPTAccessExecute EPTViolationQualification = 1 << 2
)

// CRAccessType is the kind of control-register access that caused an exit.
type CRAccessType uint8

const (
	CRAccessMovToCR   CRAccessType = 0
	CRAccessMovFromCR CRAccessType = 1
	CRAccessCLTS      CRAccessType = 2
	CRAccessLMSW      CRAccessType = 3
)

// CRAccessQualification is the exit qualification of a control-register access.
type CRAccessQualification uint64

// ControlRegister returns the number of the accessed control register.
func (q CRAccessQualification) ControlRegister() uint8 { return uint8(q & 0xf) }

// AccessType returns the access type.
func (q CRAccessQualification) AccessType() CRAccessType { return CRAccessType(q>>4) & 0x3 }

// Register returns the general-purpose register operand, encoded the way
// GuestRegs.GPR expects.
func (q CRAccessQualification) Register() uint8 { return uint8(q>>8) & 0xf }

// LMSWSource returns the 16-bit source operand of LMSW.
func (q CRAccessQualification) LMSWSource() uint16 { return uint16(q >> 16) }
