//go:build linux

package kvm

import "unsafe"

const nrInterrupts = 256

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [((nrInterrupts + 63) / 64)]uint64
}

// Segment has the same layout as the C struct kvm_segment.
type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, Avl uint8
	Unusable                       uint8
	_                              byte
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [6]byte
}

// VCPUEvents holds pending and injected events.
// It has the same layout as the C struct kvm_vcpu_events.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}

	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}

	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}

	SIPIVector uint32
	Flags      uint32

	SMI struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		LatchedInit  uint8
	}

	TripleFaultPending  uint8
	_                   [26]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

// Flags for VCPUEvents.Flags.
const (
	VCPUEventValidNMIPending = 1 << 0
	VCPUEventValidSIPIVector = 1 << 1
	VCPUEventValidShadow     = 1 << 2
	VCPUEventValidSMM        = 1 << 3
	VCPUEventValidPayload    = 1 << 4
)

// GuestDebug has the same layout as the C struct kvm_guest_debug.
type GuestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

// Flags for GuestDebug.Control.
const (
	GuestDebugEnable     = 1 << 0
	GuestDebugSingleStep = 1 << 1
	GuestDebugUseSWBP    = 1 << 16
)

// VCPUState has roughly the same layout as struct kvm_run.
type VCPUState struct {
	_/*requestInterruptWindow*/ uint8 // in
	ImmediateExit                     uint8 // in
	_                                 [6]uint8
	ExitReason                        Exit
	_/*readyForInterruptInjection*/ uint8
	_/*ifFlag*/ uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout as the "io"
// member of the union of vmexit data in struct kvm_run.
type IOExitData struct {
	IsOut  bool
	Size   uint8
	Port   uint16
	Count  uint32
	Offset uint64
}

// MMIOExitData is the result of a KVM_EXIT_MMIO vmexit. It has the same layout as the
// "mmio" member of the union of vmexit data in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// DebugExitData is the result of a KVM_EXIT_DEBUG vmexit. It has the same layout as
// struct kvm_debug_exit_arch.
type DebugExitData struct {
	Exception uint32
	_         uint32
	PC        uint64
	DR6       uint64
	DR7       uint64
}

// HypercallExitData is the result of a KVM_EXIT_HYPERCALL vmexit. KVM copies Ret to
// RAX when the VCPU runs again.
type HypercallExitData struct {
	Nr    uint64
	Args  [6]uint64
	Ret   uint64
	Flags uint64
}

// FailEntryExitData is the result of a KVM_EXIT_FAIL_ENTRY vmexit.
type FailEntryExitData struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// InternalErrorExitData is the result of a KVM_EXIT_INTERNAL_ERROR vmexit.
type InternalErrorExitData struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

// SystemEventExitData is the result of a KVM_EXIT_SYSTEM_EVENT vmexit.
type SystemEventExitData struct {
	Type  uint32
	NData uint32
	Data  [16]uint64
}

// kvm_msr_list is similar to the C struct kvm_msr_list, which is used by the
// KVM_GET_MSR_INDEX_LIST and KVM_GET_MSR_FEATURE_INDEX_LIST ioctls. The indices array has
// a fixed size because Go doesn't directly support C flexible array members.
type kvm_msr_list struct {
	nmsrs   uint32
	indices [255]uint32
}

func getMSRList(sys *System, req uintptr) ([]int, error) {
	var l kvm_msr_list
	l.nmsrs = uint32(len(l.indices))

	if _, err := ioctl(sys.Fd(), req, uintptr(unsafe.Pointer(&l))); err != nil {
		return nil, err
	}

	indices := make([]int, l.nmsrs)
	for i := range indices {
		indices[i] = int(l.indices[i])
	}

	return indices, nil
}

// GetMSRIndexList "returns the guest msrs that are supported. The list
// varies by kvm version and host processor, but does not change otherwise."
func GetMSRIndexList(sys *System) ([]int, error) {
	return getMSRList(sys, kGetMSRIndexList)
}

// GetMSRFeatureIndexList "returns the list of MSRs that can be passed to the KVM_GET_MSRS
// system ioctl." This lets userspace probe processor features that are exposed via MSRs,
// such as the VMX capabilities.
//
// This ioctl is available if CheckExtension(CapGetMSRFeatures) returns 1.
func GetMSRFeatureIndexList(sys *System) ([]int, error) {
	return getMSRList(sys, kGetMSRFeatureIndexList)
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, err := ioctl(vcpu.Fd(), kGetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, err := ioctl(vcpu.Fd(), kSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, err := ioctl(vcpu.Fd(), kGetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, err := ioctl(vcpu.Fd(), kSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// GetVCPUEvents "[g]ets currently pending exceptions, interrupts, and NMIs as well as
// related states of the vcpu." This ioctl is available if CheckExtension(CapVCPUEvents)
// returns 1.
func GetVCPUEvents(vcpu *VCPU, events *VCPUEvents) error {
	_, err := ioctl(vcpu.Fd(), kGetVCPUEvents, uintptr(unsafe.Pointer(events)))
	return err
}

// SetVCPUEvents "[s]et pending exceptions, interrupts, and NMIs as well as related
// states of the vcpu." Fields guarded by a VCPUEventValid flag are only written when
// the flag is set.
func SetVCPUEvents(vcpu *VCPU, events *VCPUEvents) error {
	_, err := ioctl(vcpu.Fd(), kSetVCPUEvents, uintptr(unsafe.Pointer(events)))
	return err
}

// SetGuestDebug "[s]ets up the processor specific debug registers and configures vcpu
// for handling guest debug events." With GuestDebugSingleStep set, the VCPU exits with
// ExitDebug after every instruction. With GuestDebugUseSWBP set, INT3 exits with
// ExitDebug instead of reaching the guest.
//
// This ioctl is available if CheckExtension(CapSetGuestDebug) returns 1.
func SetGuestDebug(vcpu *VCPU, dbg *GuestDebug) error {
	_, err := ioctl(vcpu.Fd(), kSetGuestDebug, uintptr(unsafe.Pointer(dbg)))
	return err
}

// SetTSSAddr "defines the physical address of a three-page region in the guest physical
// address space. The region must be within the first 4GB of the guest physical address
// space and must not conflict with any memory slot or any mmio address. The guest may
// malfunction if it accesses this memory region."
//
// This ioctl is required on Intel-based hosts. It is available if
// CheckExtension(CapSetTSSAddr) returns 1.
func SetTSSAddr(vm *VM, addr uint64) error {
	_, err := ioctl(vm.Fd(), kSetTSSAddr, uintptr(addr))
	return err
}

// SetIdentityMapAddr "defines the physical address of a one-page region in the guest
// physical address space." Like SetTSSAddr it is required on Intel-based hosts.
//
// SetIdentityMapAddr fails if it is called after CreateVCPU.
func SetIdentityMapAddr(vm *VM, addr uint64) error {
	_, err := ioctl(vm.Fd(), kSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	return err
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_MMIO.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// DebugExitData returns data describing the present KVM_EXIT_DEBUG vmexit.
func (s *VCPUState) DebugExitData() *DebugExitData {
	return (*DebugExitData)(unsafe.Pointer(&s.exitData[0]))
}

// HypercallExitData returns data describing the present KVM_EXIT_HYPERCALL vmexit.
func (s *VCPUState) HypercallExitData() *HypercallExitData {
	return (*HypercallExitData)(unsafe.Pointer(&s.exitData[0]))
}

// FailEntryExitData returns data describing the present KVM_EXIT_FAIL_ENTRY vmexit.
func (s *VCPUState) FailEntryExitData() *FailEntryExitData {
	return (*FailEntryExitData)(unsafe.Pointer(&s.exitData[0]))
}

// InternalErrorExitData returns data describing the present KVM_EXIT_INTERNAL_ERROR vmexit.
func (s *VCPUState) InternalErrorExitData() *InternalErrorExitData {
	return (*InternalErrorExitData)(unsafe.Pointer(&s.exitData[0]))
}

// SystemEventExitData returns data describing the present KVM_EXIT_SYSTEM_EVENT vmexit.
func (s *VCPUState) SystemEventExitData() *SystemEventExitData {
	return (*SystemEventExitData)(unsafe.Pointer(&s.exitData[0]))
}

// IOData returns the bytes transferred by the present KVM_EXIT_IO vmexit. state is the
// whole mmaped region, since KVM places the data at an offset from its start.
func IOData(state []byte) []byte {
	s := (*VCPUState)(unsafe.Pointer(&state[0]))
	xd := s.IOExitData()

	n := uint64(xd.Size) * uint64(xd.Count)
	if xd.Offset+n > uint64(len(state)) {
		return nil
	}

	return state[xd.Offset : xd.Offset+n]
}
