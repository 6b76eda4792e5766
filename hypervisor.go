//go:build linux

package main

import (
	"log/slog"

	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmx"
)

// hypervisor serves the guest's hypercalls. KVM emulates CR, MSR and CPUID
// exits in the kernel; those methods are never reached under vmm.
type hypervisor struct {
	session  *vmexit.Session
	result   uint64
	teardown uint64
	log      *slog.Logger
}

func (h *hypervisor) config() vmexit.Config {
	return vmexit.Config{
		Session:          h.session,
		Logger:           h.log,
		ControlRegisters: h,
		MSRs:             h,
		CPUID:            h,
		Memory:           h,
		VMCalls:          h,
		Parent:           h,
		Syscalls:         h,
		Processes:        h,
	}
}

func (h *hypervisor) HandleCRAccess(*vmx.GuestRegs, vmx.CRAccessQualification) bool { return false }

func (h *hypervisor) ReadMSR(*vmx.GuestRegs) {}

func (h *hypervisor) WriteMSR(*vmx.GuestRegs) {}

func (h *hypervisor) HandleCPUID(*vmx.GuestRegs) {}

// HandleViolation reports MMIO outside guest memory as unhandled; no
// devices are mapped.
func (h *hypervisor) HandleViolation(*vmexit.Exit, vmx.EPTViolationQualification, uint64) bool {
	return false
}

func (h *hypervisor) HandleMisconfiguration(uint64) {}

func (h *hypervisor) RestoreSingleStep(vmexit.RestorePoint) {}

func (h *hypervisor) HandleVMCall(cpu int, code, arg1, arg2, arg3 uint64) uint64 {
	h.log.Debug("hypercall", "cpu", cpu, "code", code)

	if code == h.teardown {
		h.session.CPU(cpu).RequestTeardown()
	}

	return h.result
}

// VMCall answers unsigned hypercalls; there is no parent hypervisor.
func (h *hypervisor) VMCall(code, arg1, arg2 uint64) uint64 {
	return ^uint64(0)
}

func (h *hypervisor) HandleUndefinedOpcode(*vmexit.Exit, *vmx.GuestRegs) bool { return false }

func (h *hypervisor) Rearm(int) {}

func (h *hypervisor) CurrentProcessID() uint64 { return 0 }
