//go:build linux

package arch

import (
	"unsafe"

	"github.com/c35s/vtx/kvm"
)

// archCaps are the KVM extensions required on amd64.
var archCaps = []kvm.Cap{
	kvm.CapSetTSSAddr,
	kvm.CapSetIdentityMapAddr,
}

type Arch struct{}

const (
	MMIOHoleAddr      = 0x0d0000000
	AfterMMIOHoleAddr = 0x100000000

	// TSSAddr and IdentityMapAddr sit just below the 4G boundary, inside the
	// MMIO hole, where they can't overlap guest memory.
	TSSAddr         = 0xfffbd000
	IdentityMapAddr = 0xfffbc000
)

func New(*kvm.System) (*Arch, error) {
	return &Arch{}, nil
}

// SetupVM places the pages Intel hosts need for real-mode emulation.
func (*Arch) SetupVM(vm *kvm.VM) error {
	if err := kvm.SetIdentityMapAddr(vm, IdentityMapAddr); err != nil {
		return err
	}

	return kvm.SetTSSAddr(vm, TSSAddr)
}

// SetupMemory partitions mem into regions. If mem is larger than 3.25G, it is
// split into two regions with a hole at MMIOHoleAddr.
func (*Arch) SetupMemory(mem []byte) ([]kvm.UserspaceMemoryRegion, error) {
	rr := []kvm.UserspaceMemoryRegion{
		{
			Slot:          0,
			GuestPhysAddr: 0,
			MemorySize:    uint64(cap(mem)),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		},
	}

	if cap(mem) > MMIOHoleAddr {
		rr = []kvm.UserspaceMemoryRegion{
			{
				Slot:          0,
				GuestPhysAddr: 0,
				MemorySize:    MMIOHoleAddr,
				UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
			},
			{
				Slot:          1,
				GuestPhysAddr: AfterMMIOHoleAddr,
				MemorySize:    uint64(cap(mem) - MMIOHoleAddr),
				UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[MMIOHoleAddr]))),
			},
		}
	}

	return rr, nil
}

// SetupVCPU routes the guest's INT3 to userspace so breakpoints reach the
// exit dispatcher.
func (*Arch) SetupVCPU(slot int, vcpu *kvm.VCPU, state *kvm.VCPUState) error {
	return SetSingleStep(vcpu, false)
}

// GuestDebugControl returns the guest debug flags for a VCPU, with or
// without single-stepping.
func GuestDebugControl(singleStep bool) uint32 {
	ctl := uint32(kvm.GuestDebugEnable | kvm.GuestDebugUseSWBP)
	if singleStep {
		ctl |= kvm.GuestDebugSingleStep
	}

	return ctl
}

// SetSingleStep turns single-stepping on or off. Software breakpoints stay
// routed to userspace either way.
func SetSingleStep(vcpu *kvm.VCPU, on bool) error {
	return kvm.SetGuestDebug(vcpu, &kvm.GuestDebug{Control: GuestDebugControl(on)})
}
