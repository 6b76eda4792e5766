package vmx

// GuestRegs holds the guest general-purpose registers saved by the entry
// trampoline. The fields are in x86 register-number order, so GPR(n)
// resolves the 4-bit register operands found in exit qualifications.
// RSP is a placeholder; the live guest stack pointer is GuestRSP in the VMCS.
type GuestRegs struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// GPR returns a pointer to the register numbered n (0 = RAX ... 15 = R15),
// or nil if n is out of range.
func (r *GuestRegs) GPR(n uint8) *uint64 {
	switch n {
	case 0:
		return &r.RAX
	case 1:
		return &r.RCX
	case 2:
		return &r.RDX
	case 3:
		return &r.RBX
	case 4:
		return &r.RSP
	case 5:
		return &r.RBP
	case 6:
		return &r.RSI
	case 7:
		return &r.RDI
	case 8:
		return &r.R8
	case 9:
		return &r.R9
	case 10:
		return &r.R10
	case 11:
		return &r.R11
	case 12:
		return &r.R12
	case 13:
		return &r.R13
	case 14:
		return &r.R14
	case 15:
		return &r.R15
	}

	return nil
}

// MSRIndex returns the MSR selected by ECX for RDMSR and WRMSR.
func (r *GuestRegs) MSRIndex() uint32 {
	return uint32(r.RCX)
}
