package vmexit

import "github.com/c35s/vtx/vmx"

// branch is the handler an exit reason is routed to.
type branch uint8

const (
	branchUnknown branch = iota
	branchTripleFault
	branchVMXInstruction
	branchCRAccess
	branchMSRRead
	branchMSRWrite
	branchCPUID
	branchIOInstruction
	branchEPTViolation
	branchEPTMisconfig
	branchVMCall
	branchExceptionNMI
	branchMonitorTrapFlag
	branchHLT
)

var branchNames = [...]string{
	branchUnknown:         "unknown",
	branchTripleFault:     "triple-fault",
	branchVMXInstruction:  "vmx-instruction",
	branchCRAccess:        "cr-access",
	branchMSRRead:         "msr-read",
	branchMSRWrite:        "msr-write",
	branchCPUID:           "cpuid",
	branchIOInstruction:   "io-instruction",
	branchEPTViolation:    "ept-violation",
	branchEPTMisconfig:    "ept-misconfig",
	branchVMCall:          "vmcall",
	branchExceptionNMI:    "exception-nmi",
	branchMonitorTrapFlag: "monitor-trap-flag",
	branchHLT:             "hlt",
}

func (b branch) String() string {
	if int(b) < len(branchNames) {
		return branchNames[b]
	}

	return "invalid"
}

// branches routes every basic exit reason. Reasons left out, including
// INVEPT and INVVPID, fall to branchUnknown.
var branches = [vmx.NumExitReasons]branch{
	vmx.ExitTripleFault:     branchTripleFault,
	vmx.ExitVMCLEAR:         branchVMXInstruction,
	vmx.ExitVMPTRLD:         branchVMXInstruction,
	vmx.ExitVMPTRST:         branchVMXInstruction,
	vmx.ExitVMREAD:          branchVMXInstruction,
	vmx.ExitVMRESUME:        branchVMXInstruction,
	vmx.ExitVMWRITE:         branchVMXInstruction,
	vmx.ExitVMXOFF:          branchVMXInstruction,
	vmx.ExitVMXON:           branchVMXInstruction,
	vmx.ExitVMLAUNCH:        branchVMXInstruction,
	vmx.ExitCRAccess:        branchCRAccess,
	vmx.ExitMSRRead:         branchMSRRead,
	vmx.ExitMSRWrite:        branchMSRWrite,
	vmx.ExitCPUID:           branchCPUID,
	vmx.ExitIOInstruction:   branchIOInstruction,
	vmx.ExitEPTViolation:    branchEPTViolation,
	vmx.ExitEPTMisconfig:    branchEPTMisconfig,
	vmx.ExitVMCALL:          branchVMCall,
	vmx.ExitExceptionNMI:    branchExceptionNMI,
	vmx.ExitMonitorTrapFlag: branchMonitorTrapFlag,
	vmx.ExitHLT:             branchHLT,
}

func classify(r vmx.ExitReason) branch {
	if int(r) >= len(branches) {
		return branchUnknown
	}

	return branches[r]
}
