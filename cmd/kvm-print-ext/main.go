//go:build linux

// kvm-print-ext prints information about the KVM API and extensions, and
// whether the host has what vmm needs.
package main

import (
	"fmt"

	"github.com/c35s/vtx/kvm"
	"github.com/c35s/vtx/vmm/arch"
)

func main() {
	sys, err := kvm.Open()
	if err != nil {
		panic(err)
	}

	defer sys.Close()

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		panic(err)
	}

	fmt.Printf("KVM API version: %d\n", version)
	fmt.Printf("backend: %q (hardware assisted: %v)\n", kvm.Backend(), kvm.HardwareAssisted())

	fmt.Println("\n# extensions")
	for _, c := range kvm.AllCaps() {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			panic(err)
		}

		fmt.Printf("%v: %v\n", c, v)
	}

	fmt.Println("\n# MSRs")
	if msrs, err := kvm.GetMSRIndexList(sys); err == nil {
		fmt.Printf("index list: %d\n", len(msrs))
	} else {
		fmt.Printf("index list: %v\n", err)
	}

	if v, _ := kvm.CheckExtension(sys, kvm.CapGetMSRFeatures); v > 0 {
		msrs, err := kvm.GetMSRFeatureIndexList(sys)
		if err != nil {
			panic(err)
		}

		fmt.Printf("feature index list: %d\n", len(msrs))
	}

	fmt.Println("\n# vmm requirements")
	missing, err := arch.MissingCaps(sys)
	if err != nil {
		panic(err)
	}

	if len(missing) == 0 {
		fmt.Println("all required extensions are present")
	}

	for _, c := range missing {
		fmt.Printf("missing: %v\n", c)
	}

	if err := arch.ValidateKVM(sys); err != nil {
		fmt.Printf("incompatible: %v\n", err)
	}
}
