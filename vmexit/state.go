package vmexit

import (
	"fmt"
	"sync/atomic"

	"github.com/c35s/vtx/vmx"
)

// Session holds the virtualization state of every logical processor. It
// lives from the moment VMX is turned on for all cores until full teardown.
type Session struct {
	cpus []CPUState
}

// NewSession allocates state for numCPU logical processors.
func NewSession(numCPU int) *Session {
	return &Session{cpus: make([]CPUState, numCPU)}
}

// NumCPU returns the number of logical processors in the session.
func (s *Session) NumCPU() int {
	return len(s.cpus)
}

// CPU returns the state of logical processor i, or nil if i is out of range.
func (s *Session) CPU(i int) *CPUState {
	if i < 0 || i >= len(s.cpus) {
		return nil
	}

	return &s.cpus[i]
}

// syscallPhase tracks a trapped SYSCALL across the #UD exit that arms it
// and the monitor trap flag exit that resolves it.
type syscallPhase uint8

const (
	syscallIdle syscallPhase = iota
	syscallAwaitingConfirmation
)

// CPUState is the state of one logical processor. Apart from InRootMode and
// TeardownRequested, which are safe to observe from anywhere, it must only
// be touched from that processor's own exit path.
type CPUState struct {
	inRootMode atomic.Bool
	teardown   atomic.Bool

	// advanceRIP is reset to true at every exit.
	advanceRIP bool

	// restore is non-nil while a single-step restore point is armed.
	restore RestorePoint

	syscall struct {
		phase syscallPhase
		addr  uint64
	}

	stats cpuStats
}

// InRootMode reports whether the processor is handling an exit.
func (c *CPUState) InRootMode() bool {
	return c.inRootMode.Load()
}

// SkipAdvance stops the dispatcher from moving the guest past the
// exiting instruction. It is meant for collaborators that redirect the
// guest themselves.
func (c *CPUState) SkipAdvance() {
	c.advanceRIP = false
}

// RequestTeardown marks virtualization on this processor as finished.
// The next verdict, and every one after it, is Teardown.
func (c *CPUState) RequestTeardown() {
	c.teardown.Store(true)
}

// TeardownRequested reports whether RequestTeardown was called.
func (c *CPUState) TeardownRequested() bool {
	return c.teardown.Load()
}

// ArmSingleStepRestore registers rp to be handed back to the memory
// virtualizer on the next monitor trap flag exit.
func (c *CPUState) ArmSingleStepRestore(rp RestorePoint) error {
	if rp == nil {
		return fmt.Errorf("%w: nil restore point", ErrArm)
	}

	if c.restore != nil {
		return fmt.Errorf("%w: single-step restore point already armed", ErrArm)
	}

	c.restore = rp
	return nil
}

// PendingSingleStepRestore returns the armed restore point, if any.
func (c *CPUState) PendingSingleStepRestore() (RestorePoint, bool) {
	return c.restore, c.restore != nil
}

// AwaitSyscallConfirmation records that the #UD at addr may be a trapped
// SYSCALL. The next monitor trap flag exit decides by checking whether the
// guest moved past addr.
func (c *CPUState) AwaitSyscallConfirmation(addr uint64) error {
	if c.syscall.phase != syscallIdle {
		return fmt.Errorf("%w: already awaiting syscall confirmation at %#x", ErrArm, c.syscall.addr)
	}

	c.syscall.phase = syscallAwaitingConfirmation
	c.syscall.addr = addr
	return nil
}

// PendingSyscall returns the address of the #UD awaiting confirmation, if any.
func (c *CPUState) PendingSyscall() (addr uint64, ok bool) {
	if c.syscall.phase != syscallAwaitingConfirmation {
		return 0, false
	}

	return c.syscall.addr, true
}

func (c *CPUState) takeRestore() RestorePoint {
	rp := c.restore
	c.restore = nil
	return rp
}

func (c *CPUState) takeSyscall() (addr uint64, ok bool) {
	addr, ok = c.PendingSyscall()
	c.syscall.phase = syscallIdle
	c.syscall.addr = 0
	return
}

// cpuStats counts exits on one processor. The last slot counts reasons
// unknown to the vmx package.
type cpuStats struct {
	exits     [vmx.NumExitReasons + 1]atomic.Uint64
	teardowns atomic.Uint64
}

func (s *cpuStats) recordExit(r vmx.ExitReason) {
	if r.Known() {
		s.exits[r].Add(1)
	} else {
		s.exits[vmx.NumExitReasons].Add(1)
	}
}

// Stats summarizes exit handling.
type Stats struct {

	// Exits counts handled exits by known reason.
	Exits map[vmx.ExitReason]uint64 `json:"exits"`

	// Unknown counts exits whose reason is unknown to the vmx package.
	Unknown uint64 `json:"unknown"`

	// Teardowns counts Teardown verdicts.
	Teardowns uint64 `json:"teardowns"`
}

// Total returns the number of exits handled.
func (s Stats) Total() uint64 {
	n := s.Unknown
	for _, c := range s.Exits {
		n += c
	}

	return n
}

func (s *Stats) add(c *cpuStats) {
	for r := range c.exits[:vmx.NumExitReasons] {
		if n := c.exits[r].Load(); n > 0 {
			s.Exits[vmx.ExitReason(r)] += n
		}
	}

	s.Unknown += c.exits[vmx.NumExitReasons].Load()
	s.Teardowns += c.teardowns.Load()
}

// Stats returns the exit counters of this processor.
func (c *CPUState) Stats() Stats {
	s := Stats{Exits: make(map[vmx.ExitReason]uint64)}
	s.add(&c.stats)
	return s
}

// Stats returns the exit counters summed over every processor. It may be
// called while exits are being handled.
func (s *Session) Stats() Stats {
	st := Stats{Exits: make(map[vmx.ExitReason]uint64)}
	for i := range s.cpus {
		st.add(&s.cpus[i].stats)
	}

	return st
}
