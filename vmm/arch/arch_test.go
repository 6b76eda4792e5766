//go:build linux

package arch_test

import (
	"errors"
	"os"
	"testing"

	"github.com/c35s/vtx/kvm"
	"github.com/c35s/vtx/vmm/arch"
)

func openKVM(t *testing.T) *kvm.System {
	t.Helper()

	sys, err := kvm.Open()
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		t.Skipf("KVM is not available: %v", err)
	}

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { sys.Close() })
	return sys
}

func TestValidateKVM(t *testing.T) {
	sys := openKVM(t)

	missing, err := arch.MissingCaps(sys)
	if err != nil {
		t.Fatal(err)
	}

	err = arch.ValidateKVM(sys)
	if len(missing) > 0 {
		if err == nil {
			t.Fatalf("missing %v but ValidateKVM passed", missing)
		}

		t.Skipf("KVM is incompatible: %v", err)
	}

	if err != nil {
		t.Fatal(err)
	}
}

func TestRequiredCaps(t *testing.T) {
	caps := arch.RequiredCaps()

	seen := make(map[kvm.Cap]bool)
	for _, c := range caps {
		if seen[c] {
			t.Errorf("%v is listed twice", c)
		}

		seen[c] = true
	}

	for _, c := range []kvm.Cap{kvm.CapImmediateExit, kvm.CapSetGuestDebug, kvm.CapVCPUEvents} {
		if !seen[c] {
			t.Errorf("%v is not required", c)
		}
	}
}

func TestArch(t *testing.T) {
	sys := openKVM(t)
	if err := arch.ValidateKVM(sys); err != nil {
		t.Skip(err)
	}

	a, err := arch.New(sys)
	if err != nil {
		t.Fatal(err)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	if err := a.SetupVM(vm); err != nil {
		t.Fatal(err)
	}

	mem := make([]byte, 1<<20)
	mrs, err := a.SetupMemory(mem)
	if err != nil {
		t.Fatal(err)
	}

	if len(mrs) == 0 {
		t.Fatal("no memory regions")
	}

	for _, mr := range mrs {
		if err := kvm.SetUserMemoryRegion(vm, &mr); err != nil {
			t.Fatalf("setting memory region @ slot %d: %v", mr.Slot, err)
		}
	}

	vc, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vc.Close()

	if err := a.SetupVCPU(0, vc, nil); err != nil {
		t.Fatal(err)
	}

	if err := arch.SetSingleStep(vc, true); err != nil {
		t.Fatal(err)
	}
}
