// Package replay runs a scripted sequence of VT-x exits through a
// vmexit.Dispatcher. Each processor gets a software VMCS and register file
// that carry over from one exit to the next, and every collaborator call is
// recorded so a scenario can be checked against what it expects.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/c35s/vtx/vmx"
	"gopkg.in/yaml.v3"
)

// Scenario describes a replay.
type Scenario struct {
	Name string `yaml:"name"`

	// NumCPU is the number of processors. If NumCPU is 0, there is one.
	NumCPU int `yaml:"cpus"`

	// Signature overrides the hypercall signature if it has three values.
	Signature []uint64 `yaml:"signature,omitempty"`

	Collaborators Behavior `yaml:"collaborators"`
	Exits         []Exit   `yaml:"exits"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Behavior sets what the recording collaborators answer.
type Behavior struct {
	CRAccessOK         bool   `yaml:"cr_access_ok"`
	EPTViolationOK     bool   `yaml:"ept_violation_ok"`
	OwnUndefinedOpcode bool   `yaml:"own_undefined_opcode"`
	VMCallResult       uint64 `yaml:"vmcall_result"`
	ParentResult       uint64 `yaml:"parent_result"`
	ProcessID          uint64 `yaml:"pid"`

	// StepViolations arms a single-step restore point holding the GPA on
	// every handled EPT violation.
	StepViolations bool `yaml:"step_violations"`

	// ConfirmSyscalls awaits confirmation of every claimed #UD.
	ConfirmSyscalls bool `yaml:"confirm_syscalls"`
}

// Exit is one exit to replay. Fields left unset keep the value the
// processor had after its previous exit.
type Exit struct {
	CPU    int    `yaml:"cpu"`
	Reason Reason `yaml:"reason"`

	Qualification uint64  `yaml:"qualification"`
	GPA           uint64  `yaml:"gpa"`
	RIP           *uint64 `yaml:"rip"`
	RFLAGS        *uint64 `yaml:"rflags"`
	Length        uint64  `yaml:"length"`
	Event         *Event  `yaml:"event"`

	// Regs sets general-purpose registers by lowercase name ("rax", "r10").
	Regs map[string]uint64 `yaml:"regs"`

	// MTF arms the monitor trap flag before the exit.
	MTF bool `yaml:"mtf"`

	// ArmRestore arms a single-step restore point with this id.
	ArmRestore *uint64 `yaml:"arm_restore"`

	// AwaitSyscall records a #UD address awaiting syscall confirmation.
	AwaitSyscall *uint64 `yaml:"await_syscall"`

	RequestTeardown bool `yaml:"request_teardown"`
}

// Event is the interruption information delivered with an exception exit.
type Event struct {
	Type      EventType `yaml:"type"`
	Vector    uint8     `yaml:"vector"`
	ErrorCode *uint32   `yaml:"error_code"`
}

// Info returns the event as VM-exit interruption information.
func (e *Event) Info() vmx.InterruptionInfo {
	return vmx.NewInterruptionInfo(vmx.InterruptionType(e.Type), vmx.Vector(e.Vector), e.ErrorCode != nil)
}

// Expect lists what a replay should produce. Empty fields are not checked.
type Expect struct {
	Verdicts []string       `yaml:"verdicts"`
	Calls    []string       `yaml:"calls"`
	RIP      map[int]uint64 `yaml:"rip"`
	Exits    map[string]int `yaml:"exits"`
	Teardown map[int]bool   `yaml:"teardown"`
}

var (
	ErrScenario = errors.New("replay: invalid scenario")
	ErrMismatch = errors.New("replay: result doesn't match expectations")
)

// Reason is an exit-reason field value. In YAML it is either a reason name
// ("CPUID", "EXIT_REASON_CPUID") or a number, which may carry bits above
// the basic reason.
type Reason uint32

func (r *Reason) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	v, err := ParseReason(s)
	if err != nil {
		return err
	}

	*r = v
	return nil
}

// ParseReason parses a reason name or number.
func ParseReason(s string) (Reason, error) {
	s = strings.TrimSpace(s)
	if r, ok := vmx.ParseExitReason(strings.ToUpper(s)); ok {
		return Reason(r), nil
	}

	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown exit reason %q", s)
	}

	return Reason(n), nil
}

func (r Reason) String() string {
	return vmx.ExitReason(r & vmx.ExitReasonMask).String()
}

// EventType is an interruption type. In YAML it is one of the names in
// eventTypes or a number.
type EventType vmx.InterruptionType

var eventTypes = map[string]vmx.InterruptionType{
	"external":                      vmx.InterruptExternal,
	"nmi":                           vmx.InterruptNMI,
	"hardware_exception":            vmx.InterruptHardwareException,
	"software_interrupt":            vmx.InterruptSoftware,
	"privileged_software_exception": vmx.InterruptPrivilegedSoftwareException,
	"software_exception":            vmx.InterruptSoftwareException,
	"other":                         vmx.InterruptOther,
}

func (t *EventType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	if typ, ok := eventTypes[s]; ok {
		*t = EventType(typ)
		return nil
	}

	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || n > 7 {
		return fmt.Errorf("unknown event type %q", s)
	}

	*t = EventType(n)
	return nil
}

// Load decodes a scenario. Unknown keys are an error.
func Load(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScenario, err)
	}

	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScenario, err)
	}

	return &sc, nil
}

// LoadFile decodes the scenario in the named file.
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	sc, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if sc.Name == "" {
		sc.Name = path
	}

	return sc, nil
}

func (sc *Scenario) numCPU() int {
	if sc.NumCPU == 0 {
		return 1
	}

	return sc.NumCPU
}

func (sc *Scenario) validate() error {
	if sc.NumCPU < 0 {
		return fmt.Errorf("invalid cpu count: %d", sc.NumCPU)
	}

	if n := len(sc.Signature); n != 0 && n != 3 {
		return fmt.Errorf("signature has %d values, want 3", n)
	}

	for i, e := range sc.Exits {
		if e.CPU < 0 || e.CPU >= sc.numCPU() {
			return fmt.Errorf("exit %d: cpu %d is out of range", i, e.CPU)
		}

		for name := range e.Regs {
			if _, ok := gprIndex[name]; !ok {
				return fmt.Errorf("exit %d: unknown register %q", i, name)
			}
		}
	}

	if x := sc.Expect; x != nil {
		if len(x.Verdicts) != 0 && len(x.Verdicts) != len(sc.Exits) {
			return fmt.Errorf("expected %d verdicts for %d exits", len(x.Verdicts), len(sc.Exits))
		}

		for _, v := range x.Verdicts {
			if v != "continue" && v != "teardown" {
				return fmt.Errorf("unknown verdict %q", v)
			}
		}

		for name := range x.Exits {
			if _, ok := vmx.ParseExitReason(strings.ToUpper(name)); !ok {
				return fmt.Errorf("unknown exit reason %q in expected exits", name)
			}
		}
	}

	return nil
}

// gprIndex maps register names to GuestRegs numbers.
var gprIndex = map[string]uint8{
	"rax": 0, "rcx": 1, "rdx": 2, "rbx": 3,
	"rsp": 4, "rbp": 5, "rsi": 6, "rdi": 7,
	"r8": 8, "r9": 9, "r10": 10, "r11": 11,
	"r12": 12, "r13": 13, "r14": 14, "r15": 15,
}
