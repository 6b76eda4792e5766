package vmx_test

import (
	"strings"
	"testing"

	"github.com/c35s/vtx/vmx"
	"github.com/google/go-cmp/cmp"
)

func TestExitReasonString(t *testing.T) {
	for r := 0; r < 1000; r++ {
		s := vmx.ExitReason(r).String()
		if !strings.HasPrefix(s, "EXIT_REASON_") && !strings.HasPrefix(s, "ExitReason(") {
			t.Errorf("malformed string for ExitReason(%d): %s", r, s)
		}
	}

	if s := vmx.ExitEPTViolation.String(); s != "EXIT_REASON_EPT_VIOLATION" {
		t.Errorf("EPT violation string %s", s)
	}

	if s := vmx.ExitReason(35).String(); s != "ExitReason(35)" {
		t.Errorf("unexpected string for a reserved reason: %s", s)
	}
}

func TestParseExitReason(t *testing.T) {
	for _, r := range vmx.AllExitReasons() {
		full := r.String()
		short := strings.TrimPrefix(full, "EXIT_REASON_")

		for _, s := range []string{full, short} {
			got, ok := vmx.ParseExitReason(s)
			if !ok || got != r {
				t.Errorf("ParseExitReason(%q) = %v, %v; want %v", s, got, ok, r)
			}
		}
	}

	if _, ok := vmx.ParseExitReason("BOGUS"); ok {
		t.Error("parsed a bogus reason")
	}
}

func TestAllExitReasonsAreKnown(t *testing.T) {
	rr := vmx.AllExitReasons()
	if len(rr) == 0 {
		t.Fatal("no exit reasons")
	}

	for i, r := range rr {
		if !r.Known() {
			t.Errorf("%d is not known", r)
		}

		if i > 0 && rr[i-1] >= r {
			t.Errorf("reasons out of order at %d", i)
		}
	}
}

func TestInterruptionInfo(t *testing.T) {
	i := vmx.NewInterruptionInfo(vmx.InterruptHardwareException, vmx.VectorGeneralProtection, true)

	if !i.Valid() {
		t.Error("not valid")
	}

	if !i.Is(vmx.InterruptHardwareException, vmx.VectorGeneralProtection) {
		t.Errorf("unexpected info %v", i)
	}

	if !i.ErrorCodeValid() {
		t.Error("error code not valid")
	}

	if i.Is(vmx.InterruptSoftwareException, vmx.VectorGeneralProtection) {
		t.Error("type mismatch accepted")
	}

	if vmx.InterruptionInfo(0).Is(vmx.InterruptExternal, 0) {
		t.Error("invalid info matched")
	}

	// #BP from INT3 as reported by hardware
	if bp := vmx.InterruptionInfo(0x80000603); !bp.Is(vmx.InterruptSoftwareException, vmx.VectorBreakpoint) {
		t.Errorf("0x80000603 is %v", bp)
	}
}

func TestInjectBreakpoint(t *testing.T) {
	v := vmx.NewSoftVMCS(map[vmx.Field]uint64{
		vmx.VMExitInstructionLength: 1,
	})

	if err := vmx.InjectBreakpoint(v); err != nil {
		t.Fatal(err)
	}

	want := map[vmx.Field]uint64{
		vmx.VMExitInstructionLength:  1,
		vmx.VMEntryInterruptionInfo:  0x80000603,
		vmx.VMEntryInstructionLength: 1,
	}

	if diff := cmp.Diff(want, v.Fields()); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
}

func TestInjectUndefinedOpcode(t *testing.T) {
	var v vmx.SoftVMCS
	if err := vmx.InjectUndefinedOpcode(&v); err != nil {
		t.Fatal(err)
	}

	info, _ := v.Read(vmx.VMEntryInterruptionInfo)
	if info != 0x80000306 {
		t.Errorf("entry info %#x != 0x80000306", info)
	}

	if _, ok := v.Fields()[vmx.VMEntryExceptionErrorCode]; ok {
		t.Error("error code written for #UD")
	}
}

func TestInjectWithErrorCode(t *testing.T) {
	var v vmx.SoftVMCS
	if err := vmx.InjectEvent(&v, vmx.InterruptHardwareException, vmx.VectorPageFault, true, 0x2); err != nil {
		t.Fatal(err)
	}

	code, _ := v.Read(vmx.VMEntryExceptionErrorCode)
	if code != 0x2 {
		t.Errorf("error code %#x != 0x2", code)
	}
}

func TestMonitorTrapFlag(t *testing.T) {
	const other = 1<<7 | 1<<2

	v := vmx.NewSoftVMCS(map[vmx.Field]uint64{
		vmx.CPUBasedVMExecControl: other,
	})

	for _, on := range []bool{true, true, false, false, true} {
		if err := vmx.SetMonitorTrapFlag(v, on); err != nil {
			t.Fatal(err)
		}

		got, err := vmx.MonitorTrapFlag(v)
		if err != nil {
			t.Fatal(err)
		}

		if got != on {
			t.Errorf("MTF %v != %v", got, on)
		}

		ctl, _ := v.Read(vmx.CPUBasedVMExecControl)
		if ctl&other != other {
			t.Errorf("other controls clobbered: %#x", ctl)
		}
	}
}

func TestAdvanceRIP(t *testing.T) {
	v := vmx.NewSoftVMCS(map[vmx.Field]uint64{
		vmx.GuestRIP:                0xfffff80000001000,
		vmx.VMExitInstructionLength: 3,
	})

	if err := vmx.AdvanceRIP(v); err != nil {
		t.Fatal(err)
	}

	if rip, _ := v.Read(vmx.GuestRIP); rip != 0xfffff80000001003 {
		t.Errorf("rip %#x", rip)
	}
}

func TestFailInstruction(t *testing.T) {
	for _, flags := range []uint64{0, 0x2, 0x202, 0x246, 0x3, 0xffffffffffffffff} {
		v := vmx.NewSoftVMCS(map[vmx.Field]uint64{vmx.GuestRFLAGS: flags})

		if err := vmx.FailInstruction(v); err != nil {
			t.Fatal(err)
		}

		got, _ := v.Read(vmx.GuestRFLAGS)
		if got != flags|vmx.RFlagsCF {
			t.Errorf("rflags %#x -> %#x", flags, got)
		}
	}
}

func TestCRAccessQualification(t *testing.T) {
	// mov cr3, rbx
	q := vmx.CRAccessQualification(3 | 0<<4 | 3<<8)

	if q.ControlRegister() != 3 {
		t.Errorf("cr %d", q.ControlRegister())
	}

	if q.AccessType() != vmx.CRAccessMovToCR {
		t.Errorf("access %d", q.AccessType())
	}

	regs := vmx.GuestRegs{RBX: 0x1234}
	if p := regs.GPR(q.Register()); p == nil || *p != 0x1234 {
		t.Errorf("GPR(%d) is not RBX", q.Register())
	}
}

func TestGPR(t *testing.T) {
	var regs vmx.GuestRegs
	for n := uint8(0); n < 16; n++ {
		*regs.GPR(n) = uint64(n) + 1
	}

	want := vmx.GuestRegs{
		RAX: 1, RCX: 2, RDX: 3, RBX: 4,
		RSP: 5, RBP: 6, RSI: 7, RDI: 8,
		R8: 9, R9: 10, R10: 11, R11: 12,
		R12: 13, R13: 14, R14: 15, R15: 16,
	}

	if diff := cmp.Diff(want, regs); diff != "" {
		t.Errorf("regs (-want +got):\n%s", diff)
	}

	if regs.GPR(16) != nil {
		t.Error("GPR(16) is not nil")
	}
}

func TestMSRIndex(t *testing.T) {
	regs := vmx.GuestRegs{RCX: 0xdeadbeef_c0000080}
	if idx := regs.MSRIndex(); idx != 0xc0000080 {
		t.Errorf("msr %#x", idx)
	}
}

func TestEPTViolationQualification(t *testing.T) {
	q := vmx.EPTAccessWrite | 1<<3
	if q.Read() || !q.Write() || q.Execute() || !q.Readable() {
		t.Errorf("decoded %#x", uint64(q))
	}
}

func TestFieldString(t *testing.T) {
	if s := vmx.GuestRIP.String(); s != "GUEST_RIP" {
		t.Error(s)
	}

	if s := vmx.Field(0x1).String(); s != "Field(0x1)" {
		t.Error(s)
	}
}
