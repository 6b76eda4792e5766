//go:build linux

// Package kvm wraps the subset of the Linux KVM API used to drive a guest
// under the exit dispatcher. Names follow linux/kvm.h and the quoted
// descriptions come from Documentation/virt/kvm/api.rst.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM API version this package supports.
const StableAPIVersion = 12

const (
	kGetAPIVersion          = 0xae00
	kCreateVM               = 0xae01
	kGetMSRIndexList        = 0xc004ae02
	kCheckExtension         = 0xae03
	kGetVCPUMmapSize        = 0xae04
	kGetMSRFeatureIndexList = 0xc004ae0a
	kCreateVCPU             = 0xae41
	kSetUserMemoryRegion    = 0x4020ae46
	kSetTSSAddr             = 0xae47
	kSetIdentityMapAddr     = 0x4008ae48
	kRun                    = 0xae80
	kGetRegs                = 0x8090ae81
	kSetRegs                = 0x4090ae82
	kGetSregs               = 0x8138ae83
	kSetSregs               = 0x4138ae84
	kSetGuestDebug          = 0x4048ae9b
	kGetVCPUEvents          = 0x8040ae9f
	kSetVCPUEvents          = 0x4040aea0
)

// System is an open handle to /dev/kvm.
type System struct{ *os.File }

// VM is a virtual machine created by CreateVM.
type VM struct{ *os.File }

// VCPU is a virtual processor created by CreateVCPU.
type VCPU struct{ *os.File }

// Open opens /dev/kvm.
func Open() (*System, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &System{f}, nil
}

// Vendor modules that can back /dev/kvm.
const (
	BackendIntel = "kvm_intel"
	BackendAMD   = "kvm_amd"
	BackendPVM   = "kvm_pvm"
)

// Backend returns the loaded KVM vendor module, or "" if none is found.
// Only one can be loaded at a time.
func Backend() string {
	for _, m := range []string{BackendIntel, BackendAMD, BackendPVM} {
		if _, err := os.Stat("/sys/module/" + m); err == nil {
			return m
		}
	}

	return ""
}

// HardwareAssisted reports whether the backend runs guests on VT-x or SVM.
// Other backends may not report guest debug exits or triple faults.
func HardwareAssisted() bool {
	b := Backend()
	return b == BackendIntel || b == BackendAMD
}

func ioctl(fd, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return 0, errno
	}

	return r, nil
}

// GetAPIVersion returns the KVM API version. It should always be StableAPIVersion.
func GetAPIVersion(sys *System) (int, error) {
	v, err := ioctl(sys.Fd(), kGetAPIVersion, 0)
	return int(v), err
}

// CheckExtension returns the value of the given capability. Most capabilities
// are 0 (unsupported) or 1 (supported); some carry a count or a mask. f is a
// *System, or a *VM if CheckExtension(sys, CapCheckExtensionVM) returns 1.
func CheckExtension(f interface{ Fd() uintptr }, c Cap) (int, error) {
	v, err := ioctl(f.Fd(), kCheckExtension, uintptr(c))
	return int(v), err
}

// CreateVM creates a new VM with no VCPUs and no memory.
func CreateVM(sys *System) (*VM, error) {
	fd, err := ioctl(sys.Fd(), kCreateVM, 0)
	if err != nil {
		return nil, err
	}

	return &VM{os.NewFile(fd, "kvm-vm")}, nil
}

// GetVCPUMmapSize returns the size of the shared region that holds a
// VCPU's run state (VCPUState).
func GetVCPUMmapSize(sys *System) (int, error) {
	sz, err := ioctl(sys.Fd(), kGetVCPUMmapSize, 0)
	return int(sz), err
}

// CreateVCPU adds a VCPU to vm. id is in [0, CheckExtension(sys, CapMaxVCPUs)).
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	fd, err := ioctl(vm.Fd(), kCreateVCPU, uintptr(id))
	if err != nil {
		return nil, err
	}

	return &VCPU{os.NewFile(fd, fmt.Sprintf("kvm-vcpu:%d", id))}, nil
}

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion creates, modifies or deletes a slot of guest memory
// backed by host memory at region.UserspaceAddr.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

// Run runs the VCPU until it exits. The exit is described by the VCPU's
// mmaped VCPUState. Run returns EINTR when a signal arrives or when the
// state's ImmediateExit flag is set.
func Run(vcpu *VCPU) error {
	_, err := ioctl(vcpu.Fd(), kRun, 0)
	return err
}

// Cap is a KVM capability, checked with CheckExtension.
type Cap int

const (
	CapIRQChip            Cap = 0
	CapHLT                Cap = 1
	CapUserMemory         Cap = 3
	CapSetTSSAddr         Cap = 4
	CapExtCPUID           Cap = 7
	CapNrVCPUs            Cap = 9
	CapNrMemslots         Cap = 10
	CapMPState            Cap = 14
	CapSyncMMU            Cap = 16
	CapSetGuestDebug      Cap = 23
	CapIRQFD              Cap = 32
	CapSetIdentityMapAddr Cap = 37
	CapAdjustClock        Cap = 39
	CapInternalErrorData  Cap = 40
	CapVCPUEvents         Cap = 41
	CapDebugRegs          Cap = 50
	CapXSave              Cap = 55
	CapMaxVCPUs           Cap = 66
	CapOneReg             Cap = 70
	CapReadonlyMem        Cap = 81
	CapCheckExtensionVM   Cap = 105
	CapImmediateExit      Cap = 136
	CapGetMSRFeatures     Cap = 153
	CapExceptionPayload   Cap = 164
	CapExitHypercall      Cap = 201
)

var capNames = map[Cap]string{
	CapIRQChip:            "KVM_CAP_IRQCHIP",
	CapHLT:                "KVM_CAP_HLT",
	CapUserMemory:         "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:         "KVM_CAP_SET_TSS_ADDR",
	CapExtCPUID:           "KVM_CAP_EXT_CPUID",
	CapNrVCPUs:            "KVM_CAP_NR_VCPUS",
	CapNrMemslots:         "KVM_CAP_NR_MEMSLOTS",
	CapMPState:            "KVM_CAP_MP_STATE",
	CapSyncMMU:            "KVM_CAP_SYNC_MMU",
	CapSetGuestDebug:      "KVM_CAP_SET_GUEST_DEBUG",
	CapIRQFD:              "KVM_CAP_IRQFD",
	CapSetIdentityMapAddr: "KVM_CAP_SET_IDENTITY_MAP_ADDR",
	CapAdjustClock:        "KVM_CAP_ADJUST_CLOCK",
	CapInternalErrorData:  "KVM_CAP_INTERNAL_ERROR_DATA",
	CapVCPUEvents:         "KVM_CAP_VCPU_EVENTS",
	CapDebugRegs:          "KVM_CAP_DEBUGREGS",
	CapXSave:              "KVM_CAP_XSAVE",
	CapMaxVCPUs:           "KVM_CAP_MAX_VCPUS",
	CapOneReg:             "KVM_CAP_ONE_REG",
	CapReadonlyMem:        "KVM_CAP_READONLY_MEM",
	CapCheckExtensionVM:   "KVM_CAP_CHECK_EXTENSION_VM",
	CapImmediateExit:      "KVM_CAP_IMMEDIATE_EXIT",
	CapGetMSRFeatures:     "KVM_CAP_GET_MSR_FEATURES",
	CapExceptionPayload:   "KVM_CAP_EXCEPTION_PAYLOAD",
	CapExitHypercall:      "KVM_CAP_EXIT_HYPERCALL",
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", int(c))
}

// AllCaps returns every capability this package names, in ascending order.
func AllCaps() []Cap {
	return []Cap{
		CapIRQChip,
		CapHLT,
		CapUserMemory,
		CapSetTSSAddr,
		CapExtCPUID,
		CapNrVCPUs,
		CapNrMemslots,
		CapMPState,
		CapSyncMMU,
		CapSetGuestDebug,
		CapIRQFD,
		CapSetIdentityMapAddr,
		CapAdjustClock,
		CapInternalErrorData,
		CapVCPUEvents,
		CapDebugRegs,
		CapXSave,
		CapMaxVCPUs,
		CapOneReg,
		CapReadonlyMem,
		CapCheckExtensionVM,
		CapImmediateExit,
		CapGetMSRFeatures,
		CapExceptionPayload,
		CapExitHypercall,
	}
}

// Exit is the reason KVM_RUN returned to userspace.
type Exit uint32

const (
	ExitUnknown       Exit = 0
	ExitException     Exit = 1
	ExitIO            Exit = 2
	ExitHypercall     Exit = 3
	ExitDebug         Exit = 4
	ExitHLT           Exit = 5
	ExitMMIO          Exit = 6
	ExitIRQWindowOpen Exit = 7
	ExitShutdown      Exit = 8
	ExitFailEntry     Exit = 9
	ExitIntr          Exit = 10
	ExitSetTPR        Exit = 11
	ExitTPRAccess     Exit = 12
	ExitNMI           Exit = 16
	ExitInternalError Exit = 17
	ExitSystemEvent   Exit = 24
	ExitIOAPICEOI     Exit = 26
	ExitHyperV        Exit = 27
	ExitX86RDMSR      Exit = 29
	ExitX86WRMSR      Exit = 30
	ExitX86BusLock    Exit = 33
	ExitNotify        Exit = 37
	ExitMemoryFault   Exit = 39
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitNMI:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitIOAPICEOI:     "KVM_EXIT_IOAPIC_EOI",
	ExitHyperV:        "KVM_EXIT_HYPERV",
	ExitX86RDMSR:      "KVM_EXIT_X86_RDMSR",
	ExitX86WRMSR:      "KVM_EXIT_X86_WRMSR",
	ExitX86BusLock:    "KVM_EXIT_X86_BUS_LOCK",
	ExitNotify:        "KVM_EXIT_NOTIFY",
	ExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (e Exit) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}

// System event types reported by ExitSystemEvent.
const (
	SystemEventShutdown = 1
	SystemEventReset    = 2
	SystemEventCrash    = 3
)

// Internal error suberrors reported by ExitInternalError.
const (
	InternalErrorEmulation            = 1
	InternalErrorSimulEx              = 2
	InternalErrorDeliveryEv           = 3
	InternalErrorUnexpectedExitReason = 4
)
