package vmexit

import (
	"fmt"

	"github.com/c35s/vtx/vmx"
)

// Exit is the exit a collaborator is being called from. It is only valid
// for the duration of that call.
type Exit struct {
	cpu   int
	state *CPUState
	vmcs  vmx.VMCS
}

// CPU returns the index of the exiting processor.
func (x *Exit) CPU() int {
	return x.cpu
}

// State returns the state of the exiting processor.
func (x *Exit) State() *CPUState {
	return x.state
}

// VMCS returns the exiting processor's current VMCS.
func (x *Exit) VMCS() vmx.VMCS {
	return x.vmcs
}

// RIP returns the guest RIP at the exit.
func (x *Exit) RIP() (uint64, error) {
	return x.vmcs.Read(vmx.GuestRIP)
}

// AwaitSyscall claims the #UD at the guest RIP as a possible trapped
// SYSCALL. The guest is resumed on the same instruction with the monitor
// trap flag armed, and the next monitor trap flag exit resolves it.
func (x *Exit) AwaitSyscall() error {
	rip, err := x.RIP()
	if err != nil {
		return fmt.Errorf("%w: read guest RIP: %w", ErrArm, err)
	}

	if err := x.state.AwaitSyscallConfirmation(rip); err != nil {
		return err
	}

	return x.armMTF()
}

// ArmSingleStep hands rp back to the memory virtualizer on the next monitor
// trap flag exit. The guest is resumed on the same instruction with the
// monitor trap flag armed.
func (x *Exit) ArmSingleStep(rp RestorePoint) error {
	if err := x.state.ArmSingleStepRestore(rp); err != nil {
		return err
	}

	return x.armMTF()
}

func (x *Exit) armMTF() error {
	x.state.SkipAdvance()

	if err := vmx.SetMonitorTrapFlag(x.vmcs, true); err != nil {
		return fmt.Errorf("%w: monitor trap flag: %w", ErrArm, err)
	}

	return nil
}
