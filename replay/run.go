package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmx"
	"github.com/google/go-cmp/cmp"
)

// Options configures Run.
type Options struct {

	// Logger receives the dispatcher's diagnostics.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Result is the outcome of a replay.
type Result struct {
	Steps []Step       `json:"steps"`
	CPUs  []CPU        `json:"cpus"`
	Stats vmexit.Stats `json:"stats"`
}

// Step is the outcome of one exit.
type Step struct {
	CPU     int            `json:"cpu"`
	Reason  string         `json:"reason"`
	Verdict vmexit.Verdict `json:"verdict"`

	// RIP and RFLAGS are the guest's on VM entry.
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`

	// Injected is the event set up for VM entry, if any.
	Injected vmx.InterruptionInfo `json:"injected,omitempty"`

	// MTF is whether the monitor trap flag is armed for VM entry.
	MTF bool `json:"mtf,omitempty"`

	Calls []Call `json:"calls,omitempty"`
}

// CPU is the final state of one processor.
type CPU struct {
	RIP      uint64        `json:"rip"`
	RFLAGS   uint64        `json:"rflags"`
	Regs     vmx.GuestRegs `json:"regs"`
	Teardown bool          `json:"teardown"`
}

// core is a replayed processor.
type core struct {
	vmcs *vmx.SoftVMCS
	regs vmx.GuestRegs
}

// Run replays sc. It stops early, returning ctx.Err(), if ctx is done
// between exits.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScenario, err)
	}

	rec := NewRecorder(sc.Collaborators)

	cfg := rec.Config()
	cfg.NumCPU = sc.numCPU()
	cfg.Logger = opts.Logger

	if len(sc.Signature) == 3 {
		cfg.Signature = vmexit.Signature{sc.Signature[0], sc.Signature[1], sc.Signature[2]}
	}

	d, err := vmexit.New(cfg)
	if err != nil {
		return nil, err
	}

	cores := make([]core, sc.numCPU())
	for i := range cores {
		cores[i].vmcs = vmx.NewSoftVMCS(map[vmx.Field]uint64{
			vmx.GuestRFLAGS: vmx.RFlagsFixed,
		})
	}

	res := &Result{Steps: make([]Step, 0, len(sc.Exits))}

	for i, e := range sc.Exits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := &cores[e.CPU]
		if err := prepare(d.Session().CPU(e.CPU), c, &e); err != nil {
			return nil, fmt.Errorf("%w: exit %d: %w", ErrScenario, i, err)
		}

		n := rec.len()
		verdict := d.HandleExit(e.CPU, c.vmcs, &c.regs)
		res.Steps = append(res.Steps, c.enter(e, verdict, rec.Calls()[n:]))
	}

	for i := range cores {
		c := &cores[i]
		rip, _ := c.vmcs.Read(vmx.GuestRIP)
		fl, _ := c.vmcs.Read(vmx.GuestRFLAGS)

		res.CPUs = append(res.CPUs, CPU{
			RIP:      rip,
			RFLAGS:   fl,
			Regs:     c.regs,
			Teardown: d.Session().CPU(i).TeardownRequested(),
		})
	}

	res.Stats = d.Session().Stats()
	return res, nil
}

// prepare loads the exit e into c and applies its arming directives.
func prepare(st *vmexit.CPUState, c *core, e *Exit) error {
	v := c.vmcs

	writes := map[vmx.Field]uint64{
		vmx.VMExitReason:            uint64(e.Reason),
		vmx.ExitQualification:       e.Qualification,
		vmx.GuestPhysicalAddress:    e.GPA,
		vmx.VMExitInstructionLength: e.Length,
		vmx.VMExitInterruptionInfo:  0,
		vmx.VMExitInterruptionError: 0,
	}

	if e.RIP != nil {
		writes[vmx.GuestRIP] = *e.RIP
	}

	if e.RFLAGS != nil {
		writes[vmx.GuestRFLAGS] = *e.RFLAGS
	}

	if ev := e.Event; ev != nil {
		writes[vmx.VMExitInterruptionInfo] = uint64(ev.Info())
		if ev.ErrorCode != nil {
			writes[vmx.VMExitInterruptionError] = uint64(*ev.ErrorCode)
		}
	}

	for f, val := range writes {
		if err := v.Write(f, val); err != nil {
			return err
		}
	}

	for name, val := range e.Regs {
		*c.regs.GPR(gprIndex[name]) = val
	}

	if e.MTF {
		if err := vmx.SetMonitorTrapFlag(v, true); err != nil {
			return err
		}
	}

	if e.ArmRestore != nil {
		if err := st.ArmSingleStepRestore(*e.ArmRestore); err != nil {
			return err
		}
	}

	if e.AwaitSyscall != nil {
		if err := st.AwaitSyscallConfirmation(*e.AwaitSyscall); err != nil {
			return err
		}
	}

	if e.RequestTeardown {
		st.RequestTeardown()
	}

	return nil
}

// enter records the VM entry that follows an exit. The entry event is
// consumed like hardware consumes it.
func (c *core) enter(e Exit, verdict vmexit.Verdict, calls []Call) Step {
	v := c.vmcs

	rip, _ := v.Read(vmx.GuestRIP)
	fl, _ := v.Read(vmx.GuestRFLAGS)
	info, _ := v.Read(vmx.VMEntryInterruptionInfo)
	mtf, _ := vmx.MonitorTrapFlag(v)

	v.Write(vmx.VMEntryInterruptionInfo, 0)
	v.Write(vmx.VMEntryInstructionLength, 0)

	return Step{
		CPU:      e.CPU,
		Reason:   e.Reason.String(),
		Verdict:  verdict,
		RIP:      rip,
		RFLAGS:   fl,
		Injected: vmx.InterruptionInfo(info),
		MTF:      mtf,
		Calls:    calls,
	}
}

// Check compares res with x and reports every difference in one error.
func (res *Result) Check(x *Expect) error {
	if x == nil {
		return nil
	}

	var diffs []string

	if len(x.Verdicts) > 0 {
		var got []string
		for _, s := range res.Steps {
			got = append(got, s.Verdict.String())
		}

		if d := cmp.Diff(x.Verdicts, got); d != "" {
			diffs = append(diffs, "verdicts (-want +got):\n"+d)
		}
	}

	if len(x.Calls) > 0 {
		var got []string
		for _, s := range res.Steps {
			for _, c := range s.Calls {
				got = append(got, c.Name)
			}
		}

		if d := cmp.Diff(x.Calls, got); d != "" {
			diffs = append(diffs, "calls (-want +got):\n"+d)
		}
	}

	for cpu, want := range x.RIP {
		if cpu < 0 || cpu >= len(res.CPUs) {
			diffs = append(diffs, fmt.Sprintf("rip: cpu %d is out of range", cpu))
			continue
		}

		if got := res.CPUs[cpu].RIP; got != want {
			diffs = append(diffs, fmt.Sprintf("rip: cpu %d: got %#x, want %#x", cpu, got, want))
		}
	}

	for cpu, want := range x.Teardown {
		if cpu < 0 || cpu >= len(res.CPUs) {
			diffs = append(diffs, fmt.Sprintf("teardown: cpu %d is out of range", cpu))
			continue
		}

		if got := res.CPUs[cpu].Teardown; got != want {
			diffs = append(diffs, fmt.Sprintf("teardown: cpu %d: got %v, want %v", cpu, got, want))
		}
	}

	if len(x.Exits) > 0 {
		want := make(map[vmx.ExitReason]uint64)
		for name, n := range x.Exits {
			r, _ := vmx.ParseExitReason(strings.ToUpper(name))
			want[r] = uint64(n)
		}

		got := make(map[vmx.ExitReason]uint64)
		for r := range want {
			got[r] = res.Stats.Exits[r]
		}

		if d := cmp.Diff(want, got); d != "" {
			diffs = append(diffs, "exits (-want +got):\n"+d)
		}
	}

	if len(diffs) > 0 {
		return fmt.Errorf("%w:\n%s", ErrMismatch, strings.Join(diffs, "\n"))
	}

	return nil
}
