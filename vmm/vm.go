//go:build linux

// Package vmm runs a KVM virtual machine whose exits are handled by a
// vmexit.Dispatcher. Every KVM exit is translated into the VT-x exit it
// stands for, dispatched, and whatever the dispatcher changed is written
// back to the VCPU before it runs again.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"unsafe"

	"github.com/c35s/vtx/kvm"
	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmm/arch"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 16M of memory.
	MemSize int

	// NumCPU is the number of VCPUs. If NumCPU is 0, the VM has one VCPU.
	NumCPU int

	// Loader configures the VM's memory and registers.
	Loader Loader

	// Dispatcher handles every exit. Its session must have at least NumCPU
	// processors; VCPU n is processor n.
	Dispatcher *vmexit.Dispatcher

	// HypercallPort, if non-zero, is an I/O port whose OUT is dispatched as
	// VMCALL. KVM handles the VMCALL instruction itself, so this is how a
	// guest reaches the dispatcher's hypercall path.
	HypercallPort uint16

	// Logger receives VCPU lifecycle messages.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger

	// Arch, if set, is called to do arch-specific setup during VM creation.
	// If Arch is nil, a default implementation is used. Setting Arch is
	// probably only useful for testing, debugging, and development.
	Arch Arch
}

// VMInfo describes a configured VM in a form useful to the Loader.
// It is passed to the Loader's LoadMemory and LoadVCPU methods.
type VMInfo struct {

	// MemSize is the size of the VM's memory in bytes.
	// It is a multiple of the host's page size.
	MemSize int

	// NumCPU is the number of VCPUs attached to the VM.
	NumCPU int
}

type Loader interface {

	// LoadMemory prepares the VM's memory before it boots.
	LoadMemory(info VMInfo, mem []byte) error

	// LoadVCPU prepares a VCPU before the VM boots.
	LoadVCPU(info VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error
}

type Arch interface {

	// SetupVM is called after the VM is created.
	SetupVM(vm *kvm.VM) error

	// SetupMemory is called after the VM's memory is allocated.
	// It partitions the memory into regions.
	SetupMemory(mem []byte) ([]kvm.UserspaceMemoryRegion, error)

	// SetupVCPU is called after the VCPU is created and mmaped.
	SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error
}

type VM struct {
	fd  *kvm.VM
	mem []byte
	cpu []*vcpu
	cfg Config
	log *slog.Logger
}

const (
	MemSizeMin     = 1 << 20  // 1M
	MemSizeDefault = 16 << 20 // 16M
	MemSizeMax     = 1 << 40  // 1T
)

var (
	ErrOpenKVM             = errors.New("vmm: KVM is not available")
	ErrCompat              = errors.New("vmm: incompatible KVM")
	ErrConfig              = errors.New("vmm: invalid config")
	ErrGetVCPUMmapSize     = errors.New("vmm: get VCPU mmap size failed")
	ErrCreate              = errors.New("vmm: create failed")
	ErrSetup               = errors.New("vmm: setup failed")
	ErrAllocMemory         = errors.New("vmm: memory allocation failed")
	ErrSetupMemory         = errors.New("vmm: memory setup failed")
	ErrLoadMemory          = errors.New("vmm: memory load failed")
	ErrSetUserMemoryRegion = errors.New("vmm: set user memory region failed")
	ErrCreateVCPU          = errors.New("vmm: VCPU create failed")
	ErrMmapVCPU            = errors.New("vmm: VCPU mmap failed")
	ErrSetupVCPU           = errors.New("vmm: VCPU setup failed")
	ErrLoadVCPU            = errors.New("vmm: VCPU load failed")
	ErrRun                 = errors.New("vmm: VCPU run failed")
	ErrUnsupportedExit     = errors.New("vmm: unsupported exit")
	ErrFlush               = errors.New("vmm: VCPU state write-back failed")
	ErrShutdown            = errors.New("vmm: guest shut down")
)

// vcpu collects a VCPU fd and its mmaped state.
type vcpu struct {
	slot int
	fd   *kvm.VCPU
	mm   []byte

	// singleStep mirrors the guest debug flag KVM was last given.
	singleStep bool
}

// New creates a new VM.
func New(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	sys, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	defer sys.Close()

	if err := arch.ValidateKVM(sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	// default arch
	if cfg.Arch == nil {
		a, err := arch.New(sys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}

		cfg.Arch = a
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	m := &VM{
		fd:  vm,
		cfg: cfg,
		log: cfg.Logger,
	}

	if err := m.setup(sys); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func (m *VM) setup(sys *kvm.System) error {
	cfg := m.cfg

	// install arch-specific "hardware"
	if err := cfg.Arch.SetupVM(m.fd); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	// create memory
	mem, err := unix.Mmap(-1, 0, cfg.MemSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	m.mem = mem

	// partition memory
	mrs, err := cfg.Arch.SetupMemory(mem)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupMemory, err)
	}

	// install memory
	for _, mr := range mrs {
		if err := kvm.SetUserMemoryRegion(m.fd, &mr); err != nil {
			return fmt.Errorf("%w: %w", ErrSetUserMemoryRegion, err)
		}
	}

	mmsz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGetVCPUMmapSize, err)
	}

	// create VCPUs
	m.cpu = make([]*vcpu, 0, cfg.NumCPU)
	for slot := 0; slot < cfg.NumCPU; slot++ {
		fd, err := kvm.CreateVCPU(m.fd, slot)
		if err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrCreateVCPU, slot, err)
		}

		mm, err := unix.Mmap(int(fd.Fd()), 0, mmsz,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

		if err != nil {
			fd.Close()
			return fmt.Errorf("%w: slot %d: %w", ErrMmapVCPU, slot, err)
		}

		c := &vcpu{slot: slot, fd: fd, mm: mm}
		m.cpu = append(m.cpu, c)

		if err := cfg.Arch.SetupVCPU(slot, c.fd, c.State()); err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrSetupVCPU, slot, err)
		}
	}

	info := VMInfo{
		MemSize: len(m.mem),
		NumCPU:  len(m.cpu),
	}

	// load memory
	if err := cfg.Loader.LoadMemory(info, m.mem); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadMemory, err)
	}

	// load VCPUs
	for slot, c := range m.cpu {
		err := func() error {
			var (
				regs  kvm.Regs
				sregs kvm.Sregs
			)

			if err := kvm.GetRegs(c.fd, &regs); err != nil {
				return fmt.Errorf("get regs: %w", err)
			}

			if err := kvm.GetSregs(c.fd, &sregs); err != nil {
				return fmt.Errorf("get sregs: %w", err)
			}

			if err := cfg.Loader.LoadVCPU(info, slot, &regs, &sregs); err != nil {
				return err
			}

			if err := kvm.SetRegs(c.fd, &regs); err != nil {
				return fmt.Errorf("set regs: %w", err)
			}

			if err := kvm.SetSregs(c.fd, &sregs); err != nil {
				return fmt.Errorf("set sregs: %w", err)
			}

			return nil
		}()

		if err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrLoadVCPU, slot, err)
		}
	}

	return nil
}

// Run runs every VCPU until it is torn down. Each VCPU stops on its own
// Teardown verdict; Run returns once all of them have stopped, or as soon as
// one fails or ctx is done.
func (m *VM) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range m.cpu {
		c := c
		g.Go(func() error {
			return m.runVCPU(ctx, c)
		})
	}

	return g.Wait()
}

func (m *VM) runVCPU(ctx context.Context, c *vcpu) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := m.log.With("cpu", c.slot)
	state := c.State()

	// clear immediate_exit in case it was set
	state.ImmediateExit = 0

	tid := unix.Gettid()
	stop := context.AfterFunc(ctx, func() {
		if err := c.requestImmediateExit(tid); err != nil {
			log.Error("request immediate exit", "err", err)
		}
	})

	defer stop()

	for {
		if err := kvm.Run(c.fd); err != nil {
			if errors.Is(err, unix.EINTR) {
				if ctx.Err() != nil {
					log.Debug("vcpu interrupted", "err", ctx.Err())
					return ctx.Err()
				}

				continue
			}

			return fmt.Errorf("%w: slot %d: %w", ErrRun, c.slot, err)
		}

		verdict, err := m.handleExit(c)
		if err != nil {
			log.Error("vcpu stopped", "exit", state.ExitReason.String(), "err", err)
			return err
		}

		if verdict == vmexit.Teardown {
			log.Info("vcpu torn down")
			return nil
		}
	}
}

// handleExit dispatches the present exit of c and writes the result back.
func (m *VM) handleExit(c *vcpu) (vmexit.Verdict, error) {
	state := c.State()

	switch state.ExitReason {
	case kvm.ExitFailEntry:
		xd := state.FailEntryExitData()
		return vmexit.Continue, fmt.Errorf("%w: slot %d: entry failed: hardware reason %#x",
			ErrRun, c.slot, xd.HardwareEntryFailureReason)

	case kvm.ExitInternalError:
		xd := state.InternalErrorExitData()
		return vmexit.Continue, fmt.Errorf("%w: slot %d: internal error: suberror %d",
			ErrRun, c.slot, xd.Suberror)

	case kvm.ExitSystemEvent:
		xd := state.SystemEventExitData()
		return vmexit.Continue, fmt.Errorf("%w: slot %d: system event %d", ErrShutdown, c.slot, xd.Type)
	}

	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	if err := kvm.GetRegs(c.fd, &regs); err != nil {
		return vmexit.Continue, fmt.Errorf("%w: slot %d: get regs: %w", ErrRun, c.slot, err)
	}

	if err := kvm.GetSregs(c.fd, &sregs); err != nil {
		return vmexit.Continue, fmt.Errorf("%w: slot %d: get sregs: %w", ErrRun, c.slot, err)
	}

	sh, err := newShadow(state, &regs, &sregs, c.singleStep, m.cfg.HypercallPort)
	if err != nil {
		return vmexit.Continue, fmt.Errorf("slot %d: %w", c.slot, err)
	}

	verdict := m.cfg.Dispatcher.HandleExit(c.slot, sh.vmcs, &sh.regs)

	// the VCPU can't be entered again after a triple fault
	if sh.exit == kvm.ExitShutdown {
		return verdict, fmt.Errorf("%w: slot %d: triple fault", ErrShutdown, c.slot)
	}

	if err := m.flush(c, sh); err != nil {
		return verdict, fmt.Errorf("%w: slot %d: %w", ErrFlush, c.slot, err)
	}

	return verdict, nil
}

// flush writes the dispatcher's changes in sh back to KVM.
func (m *VM) flush(c *vcpu, sh *shadow) error {
	sh.complete(c.mm)

	if regs, changed := sh.Regs(); changed {
		if err := kvm.SetRegs(c.fd, &regs); err != nil {
			return fmt.Errorf("set regs: %w", err)
		}
	}

	if info, code, ok := sh.Injection(); ok {
		var ev kvm.VCPUEvents
		if err := kvm.GetVCPUEvents(c.fd, &ev); err != nil {
			return fmt.Errorf("get vcpu events: %w", err)
		}

		if err := inject(&ev, info, code); err != nil {
			return err
		}

		if err := kvm.SetVCPUEvents(c.fd, &ev); err != nil {
			return fmt.Errorf("set vcpu events: %w", err)
		}
	}

	if on := sh.SingleStep(); on != c.singleStep {
		if err := arch.SetSingleStep(c.fd, on); err != nil {
			return fmt.Errorf("set guest debug: %w", err)
		}

		c.singleStep = on
	}

	return nil
}

// Mem returns the VM's memory.
func (m *VM) Mem() []byte {
	return m.mem
}

func (m *VM) Close() error {
	for _, c := range m.cpu {
		c.Close()
	}

	m.cpu = nil

	if m.mem != nil {
		unix.Munmap(m.mem)
		m.mem = nil
	}

	return m.fd.Close()
}

func (c *vcpu) State() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

// requestImmediateExit kicks the VCPU out of KVM_RUN on thread tid.
func (c *vcpu) requestImmediateExit(tid int) error {
	c.State().ImmediateExit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("vmm: request immediate exit: %w", err)
	}

	return nil
}

func (c *vcpu) Close() error {
	c.fd.Close()
	unix.Munmap(c.mm)
	return nil
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.NumCPU < 1 {
		return fmt.Errorf("invalid cpu count: %d", cfg.NumCPU)
	}

	if cfg.Loader == nil {
		return errors.New("loader is not set")
	}

	if cfg.Dispatcher == nil {
		return errors.New("dispatcher is not set")
	}

	if n := cfg.Dispatcher.Session().NumCPU(); n < cfg.NumCPU {
		return fmt.Errorf("dispatcher session has %d processors, need %d", n, cfg.NumCPU)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.NumCPU == 0 {
		cfg.NumCPU = 1
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
