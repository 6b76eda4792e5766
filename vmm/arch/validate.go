//go:build linux

package arch

import (
	"fmt"
	"strings"

	"github.com/c35s/vtx/kvm"
)

// requiredCaps are the KVM extensions required for all architectures.
// See archCaps for required arch-specific extensions.
var requiredCaps = []kvm.Cap{
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapCheckExtensionVM,
	kvm.CapImmediateExit,
	kvm.CapSetGuestDebug,
	kvm.CapVCPUEvents,
}

// ValidateKVM returns an error if KVM doesn't support the required extensions.
func ValidateKVM(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	missing, err := MissingCaps(sys)
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		var names []string
		for _, cap := range missing {
			names = append(names, cap.String())
		}

		return fmt.Errorf("missing %s", strings.Join(names, ","))
	}

	return nil
}

// RequiredCaps returns every extension ValidateKVM checks.
func RequiredCaps() []kvm.Cap {
	caps := append([]kvm.Cap(nil), requiredCaps...)
	return append(caps, archCaps...)
}

// MissingCaps returns the required extensions sys doesn't support.
func MissingCaps(sys *kvm.System) ([]kvm.Cap, error) {
	var missing []kvm.Cap
	for _, cap := range RequiredCaps() {
		val, err := kvm.CheckExtension(sys, cap)
		if err != nil {
			return nil, err
		}

		if val < 1 {
			missing = append(missing, cap)
		}
	}

	return missing, nil
}
