package replay

import (
	"sync"

	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmx"
)

// Call is one recorded collaborator invocation.
type Call struct {
	Name string   `json:"name"`
	Args []uint64 `json:"args,omitempty"`
}

// Recorder implements every vmexit collaborator. It answers as its
// Behavior says and records each call. It is safe for concurrent use.
type Recorder struct {
	Behavior Behavior

	// OnVMCall, if set, runs inside HandleVMCall before it returns.
	OnVMCall func(cpu int, code uint64)

	mu    sync.Mutex
	calls []Call
}

func NewRecorder(b Behavior) *Recorder {
	return &Recorder{Behavior: b}
}

func (r *Recorder) record(name string, args ...uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, Call{Name: name, Args: args})
}

// Calls returns a copy of the calls recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Call(nil), r.calls...)
}

func (r *Recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}

// Config returns a dispatcher config with r in every collaborator slot.
func (r *Recorder) Config() vmexit.Config {
	return vmexit.Config{
		ControlRegisters: r,
		MSRs:             r,
		CPUID:            r,
		Memory:           r,
		VMCalls:          r,
		Parent:           r,
		Syscalls:         r,
		Processes:        r,
	}
}

func (r *Recorder) HandleCRAccess(regs *vmx.GuestRegs, qual vmx.CRAccessQualification) bool {
	r.record("HandleCRAccess", uint64(qual))
	return r.Behavior.CRAccessOK
}

func (r *Recorder) ReadMSR(regs *vmx.GuestRegs) {
	r.record("ReadMSR", regs.RCX)
}

func (r *Recorder) WriteMSR(regs *vmx.GuestRegs) {
	r.record("WriteMSR", regs.RCX, regs.RDX<<32|regs.RAX&0xffffffff)
}

func (r *Recorder) HandleCPUID(regs *vmx.GuestRegs) {
	r.record("HandleCPUID", regs.RAX, regs.RCX)
}

func (r *Recorder) HandleViolation(x *vmexit.Exit, qual vmx.EPTViolationQualification, gpa uint64) bool {
	r.record("HandleViolation", uint64(qual), gpa)
	if !r.Behavior.EPTViolationOK {
		return false
	}

	if r.Behavior.StepViolations {
		return x.ArmSingleStep(gpa) == nil
	}

	return true
}

func (r *Recorder) HandleMisconfiguration(gpa uint64) {
	r.record("HandleMisconfiguration", gpa)
}

func (r *Recorder) RestoreSingleStep(rp vmexit.RestorePoint) {
	id, _ := rp.(uint64)
	r.record("RestoreSingleStep", id)
}

func (r *Recorder) HandleVMCall(cpu int, code, arg1, arg2, arg3 uint64) uint64 {
	r.record("HandleVMCall", uint64(cpu), code, arg1, arg2, arg3)
	if r.OnVMCall != nil {
		r.OnVMCall(cpu, code)
	}

	return r.Behavior.VMCallResult
}

func (r *Recorder) VMCall(code, arg1, arg2 uint64) uint64 {
	r.record("VMCall", code, arg1, arg2)
	return r.Behavior.ParentResult
}

func (r *Recorder) HandleUndefinedOpcode(x *vmexit.Exit, regs *vmx.GuestRegs) bool {
	r.record("HandleUndefinedOpcode", uint64(x.CPU()))
	if !r.Behavior.OwnUndefinedOpcode {
		return false
	}

	if r.Behavior.ConfirmSyscalls {
		return x.AwaitSyscall() == nil
	}

	return true
}

func (r *Recorder) Rearm(cpu int) {
	r.record("Rearm", uint64(cpu))
}

func (r *Recorder) CurrentProcessID() uint64 {
	return r.Behavior.ProcessID
}
