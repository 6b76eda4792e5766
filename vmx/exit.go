// Package vmx defines the VT-x hardware interface used by the exit dispatcher:
// basic exit reasons, VMCS field encodings, exit qualifications, event
// injection and the guest register block saved by the entry trampoline.
package vmx

import "fmt"

// ExitReason is a basic VM-exit reason, the low 16 bits of the VMCS
// exit-reason field. See SDM Vol. 3, Appendix C.
type ExitReason uint16

const (
	ExitExceptionNMI      ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitINIT              ExitReason = 3
	ExitSIPI              ExitReason = 4
	ExitIOSMI             ExitReason = 5
	ExitOtherSMI          ExitReason = 6
	ExitInterruptWindow   ExitReason = 7
	ExitNMIWindow         ExitReason = 8
	ExitTaskSwitch        ExitReason = 9
	ExitCPUID             ExitReason = 10
	ExitGETSEC            ExitReason = 11
	ExitHLT               ExitReason = 12
	ExitINVD              ExitReason = 13
	ExitINVLPG            ExitReason = 14
	ExitRDPMC             ExitReason = 15
	ExitRDTSC             ExitReason = 16
	ExitRSM               ExitReason = 17
	ExitVMCALL            ExitReason = 18
	ExitVMCLEAR           ExitReason = 19
	ExitVMLAUNCH          ExitReason = 20
	ExitVMPTRLD           ExitReason = 21
	ExitVMPTRST           ExitReason = 22
	ExitVMREAD            ExitReason = 23
	ExitVMRESUME          ExitReason = 24
	ExitVMWRITE           ExitReason = 25
	ExitVMXOFF            ExitReason = 26
	ExitVMXON             ExitReason = 27
	ExitCRAccess          ExitReason = 28
	ExitDRAccess          ExitReason = 29
	ExitIOInstruction     ExitReason = 30
	ExitMSRRead           ExitReason = 31
	ExitMSRWrite          ExitReason = 32
	ExitInvalidGuestState ExitReason = 33
	ExitMSRLoading        ExitReason = 34
	ExitMWAIT             ExitReason = 36
	ExitMonitorTrapFlag   ExitReason = 37
	ExitMONITOR           ExitReason = 39
	ExitPAUSE             ExitReason = 40
	ExitMachineCheck      ExitReason = 41
	ExitTPRBelowThreshold ExitReason = 43
	ExitAPICAccess        ExitReason = 44
	ExitVirtualizedEOI    ExitReason = 45
	ExitGDTRIDTRAccess    ExitReason = 46
	ExitLDTRTRAccess      ExitReason = 47
	ExitEPTViolation      ExitReason = 48
	ExitEPTMisconfig      ExitReason = 49
	ExitINVEPT            ExitReason = 50
	ExitRDTSCP            ExitReason = 51
	ExitPreemptionTimer   ExitReason = 52
	ExitINVVPID           ExitReason = 53
	ExitWBINVD            ExitReason = 54
	ExitXSETBV            ExitReason = 55
	ExitAPICWrite         ExitReason = 56
	ExitRDRAND            ExitReason = 57
	ExitINVPCID           ExitReason = 58
	ExitVMFUNC            ExitReason = 59
	ExitENCLS             ExitReason = 60
	ExitRDSEED            ExitReason = 61
	ExitPMLFull           ExitReason = 62
	ExitXSAVES            ExitReason = 63
	ExitXRSTORS           ExitReason = 64
)

// NumExitReasons bounds the basic exit reasons known to this package.
const NumExitReasons = int(ExitXRSTORS) + 1

// ExitReasonMask selects the basic exit reason from the VMCS exit-reason field.
const ExitReasonMask = 0xffff

var exitNames = [NumExitReasons]string{
	ExitExceptionNMI:      "EXCEPTION_NMI",
	ExitExternalInterrupt: "EXTERNAL_INTERRUPT",
	ExitTripleFault:       "TRIPLE_FAULT",
	ExitINIT:              "INIT",
	ExitSIPI:              "SIPI",
	ExitIOSMI:             "IO_SMI",
	ExitOtherSMI:          "OTHER_SMI",
	ExitInterruptWindow:   "INTERRUPT_WINDOW",
	ExitNMIWindow:         "NMI_WINDOW",
	ExitTaskSwitch:        "TASK_SWITCH",
	ExitCPUID:             "CPUID",
	ExitGETSEC:            "GETSEC",
	ExitHLT:               "HLT",
	ExitINVD:              "INVD",
	ExitINVLPG:            "INVLPG",
	ExitRDPMC:             "RDPMC",
	ExitRDTSC:             "RDTSC",
	ExitRSM:               "RSM",
	ExitVMCALL:            "VMCALL",
	ExitVMCLEAR:           "VMCLEAR",
	ExitVMLAUNCH:          "VMLAUNCH",
	ExitVMPTRLD:           "VMPTRLD",
	ExitVMPTRST:           "VMPTRST",
	ExitVMREAD:            "VMREAD",
	ExitVMRESUME:          "VMRESUME",
	ExitVMWRITE:           "VMWRITE",
	ExitVMXOFF:            "VMXOFF",
	ExitVMXON:             "VMXON",
	ExitCRAccess:          "CR_ACCESS",
	ExitDRAccess:          "DR_ACCESS",
	ExitIOInstruction:     "IO_INSTRUCTION",
	ExitMSRRead:           "MSR_READ",
	ExitMSRWrite:          "MSR_WRITE",
	ExitInvalidGuestState: "INVALID_GUEST_STATE",
	ExitMSRLoading:        "MSR_LOADING",
	ExitMWAIT:             "MWAIT_INSTRUCTION",
	ExitMonitorTrapFlag:   "MONITOR_TRAP_FLAG",
	ExitMONITOR:           "MONITOR_INSTRUCTION",
	ExitPAUSE:             "PAUSE_INSTRUCTION",
	ExitMachineCheck:      "MACHINE_CHECK",
	ExitTPRBelowThreshold: "TPR_BELOW_THRESHOLD",
	ExitAPICAccess:        "APIC_ACCESS",
	ExitVirtualizedEOI:    "VIRTUALIZED_EOI",
	ExitGDTRIDTRAccess:    "GDTR_IDTR_ACCESS",
	ExitLDTRTRAccess:      "LDTR_TR_ACCESS",
	ExitEPTViolation:      "EPT_VIOLATION",
	ExitEPTMisconfig:      "EPT_MISCONFIG",
	ExitINVEPT:            "INVEPT",
	ExitRDTSCP:            "RDTSCP",
	ExitPreemptionTimer:   "PREEMPTION_TIMER",
	ExitINVVPID:           "INVVPID",
	ExitWBINVD:            "WBINVD",
	ExitXSETBV:            "XSETBV",
	ExitAPICWrite:         "APIC_WRITE",
	ExitRDRAND:            "RDRAND",
	ExitINVPCID:           "INVPCID",
	ExitVMFUNC:            "VMFUNC",
	ExitENCLS:             "ENCLS",
	ExitRDSEED:            "RDSEED",
	ExitPMLFull:           "PML_FULL",
	ExitXSAVES:            "XSAVES",
	ExitXRSTORS:           "XRSTORS",
}

// Known reports whether r is a basic exit reason defined by this package.
func (r ExitReason) Known() bool {
	return int(r) < NumExitReasons && exitNames[r] != ""
}

func (r ExitReason) String() string {
	if r.Known() {
		return "EXIT_REASON_" + exitNames[r]
	}

	return fmt.Sprintf("ExitReason(%d)", r)
}

// ParseExitReason returns the reason whose name is s. Both the short name
// ("CPUID") and the full name ("EXIT_REASON_CPUID") are accepted.
func ParseExitReason(s string) (ExitReason, bool) {
	for r, name := range exitNames {
		if name == "" {
			continue
		}

		if s == name || s == "EXIT_REASON_"+name {
			return ExitReason(r), true
		}
	}

	return 0, false
}

// AllExitReasons returns every known basic exit reason in numeric order.
func AllExitReasons() []ExitReason {
	var rr []ExitReason
	for r, name := range exitNames {
		if name != "" {
			rr = append(rr, ExitReason(r))
		}
	}

	return rr
}
