package vmexit_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmx"
)

// call is one recorded collaborator invocation.
type call struct {
	Name string
	Args []uint64
}

// collaborators implements every collaborator interface and records calls.
type collaborators struct {
	mu    sync.Mutex
	calls []call

	crOK         bool
	eptOK        bool
	ownUD        bool
	vmcallResult uint64
	parentResult uint64
	pid          uint64

	restored []vmexit.RestorePoint

	// hooks run inside the corresponding call, in root mode
	onCPUID     func(regs *vmx.GuestRegs)
	onViolation func(x *vmexit.Exit, gpa uint64)
	onUD        func(x *vmexit.Exit, regs *vmx.GuestRegs)
	onVMCall    func(cpu int)
}

func (c *collaborators) record(name string, args ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, call{Name: name, Args: args})
}

func (c *collaborators) Calls() []call {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]call(nil), c.calls...)
}

func (c *collaborators) count(name string) int {
	n := 0
	for _, cl := range c.Calls() {
		if cl.Name == name {
			n++
		}
	}

	return n
}

func (c *collaborators) HandleCRAccess(regs *vmx.GuestRegs, qual vmx.CRAccessQualification) bool {
	c.record("cr", uint64(qual))
	return c.crOK
}

func (c *collaborators) ReadMSR(regs *vmx.GuestRegs) {
	c.record("rdmsr", uint64(regs.MSRIndex()))
}

func (c *collaborators) WriteMSR(regs *vmx.GuestRegs) {
	c.record("wrmsr", uint64(regs.MSRIndex()))
}

func (c *collaborators) HandleCPUID(regs *vmx.GuestRegs) {
	c.record("cpuid", regs.RAX)
	if c.onCPUID != nil {
		c.onCPUID(regs)
	}
}

func (c *collaborators) HandleViolation(x *vmexit.Exit, qual vmx.EPTViolationQualification, gpa uint64) bool {
	c.record("ept-violation", uint64(qual), gpa)
	if c.onViolation != nil {
		c.onViolation(x, gpa)
	}

	return c.eptOK
}

func (c *collaborators) HandleMisconfiguration(gpa uint64) {
	c.record("ept-misconfig", gpa)
}

func (c *collaborators) RestoreSingleStep(rp vmexit.RestorePoint) {
	c.record("restore")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = append(c.restored, rp)
}

func (c *collaborators) HandleVMCall(cpu int, code, arg1, arg2, arg3 uint64) uint64 {
	c.record("vmcall", code, arg1, arg2, arg3)
	if c.onVMCall != nil {
		c.onVMCall(cpu)
	}

	return c.vmcallResult
}

func (c *collaborators) VMCall(code, arg1, arg2 uint64) uint64 {
	c.record("parent", code, arg1, arg2)
	return c.parentResult
}

func (c *collaborators) HandleUndefinedOpcode(x *vmexit.Exit, regs *vmx.GuestRegs) bool {
	c.record("ud", uint64(x.CPU()))
	if c.onUD != nil {
		c.onUD(x, regs)
	}

	return c.ownUD
}

func (c *collaborators) Rearm(cpu int) {
	c.record("rearm", uint64(cpu))
}

func (c *collaborators) CurrentProcessID() uint64 {
	return c.pid
}

// logEntry is one captured log record with its attributes flattened.
type logEntry struct {
	Level slog.Level
	Msg   string
	Attrs map[string]any
}

type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

func (r *logRecorder) Entries() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]logEntry(nil), r.entries...)
}

func (r *logRecorder) At(level slog.Level) []logEntry {
	var ee []logEntry
	for _, e := range r.Entries() {
		if e.Level == level {
			ee = append(ee, e)
		}
	}

	return ee
}

func (r *logRecorder) Find(msg string) (logEntry, bool) {
	for _, e := range r.Entries() {
		if e.Msg == msg {
			return e, true
		}
	}

	return logEntry{}, false
}

type recordingHandler struct {
	rec   *logRecorder
	attrs []slog.Attr
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	e := logEntry{Level: r.Level, Msg: r.Message, Attrs: make(map[string]any)}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[a.Key] = a.Value.Any()
		return true
	})

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	h.rec.entries = append(h.rec.entries, e)

	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{
		rec:   h.rec,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

type harness struct {
	d    *vmexit.Dispatcher
	c    *collaborators
	logs *logRecorder
}

func newHarness(t *testing.T, numCPU int) *harness {
	t.Helper()

	c := &collaborators{crOK: true, eptOK: true}
	logs := &logRecorder{}

	d, err := vmexit.New(vmexit.Config{
		NumCPU:           numCPU,
		Logger:           slog.New(&recordingHandler{rec: logs}),
		ControlRegisters: c,
		MSRs:             c,
		CPUID:            c,
		Memory:           c,
		VMCalls:          c,
		Parent:           c,
		Syscalls:         c,
		Processes:        c,
	})

	if err != nil {
		t.Fatal(err)
	}

	return &harness{d: d, c: c, logs: logs}
}

func (h *harness) cpu(i int) *vmexit.CPUState {
	return h.d.Session().CPU(i)
}

// exitVMCS returns a VMCS describing an exit for reason at rip. The
// instruction length defaults to 3.
func exitVMCS(reason vmx.ExitReason, rip uint64, fields map[vmx.Field]uint64) *vmx.SoftVMCS {
	v := vmx.NewSoftVMCS(fields)
	v.Write(vmx.VMExitReason, uint64(reason))
	v.Write(vmx.GuestRIP, rip)

	if _, ok := fields[vmx.VMExitInstructionLength]; !ok {
		v.Write(vmx.VMExitInstructionLength, 3)
	}

	return v
}

func read(t *testing.T, v vmx.VMCS, f vmx.Field) uint64 {
	t.Helper()

	val, err := v.Read(f)
	if err != nil {
		t.Fatal(err)
	}

	return val
}
