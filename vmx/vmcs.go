package vmx

import "sync"

// VMCS reads and writes the fields of the current logical processor's VMCS.
// On hardware these are VMREAD and VMWRITE; an error means VMfail.
type VMCS interface {
	Read(f Field) (uint64, error)
	Write(f Field, val uint64) error
}

// SoftVMCS is a VMCS held in memory. Fields that were never written read
// as zero, like a freshly cleared region.
type SoftVMCS struct {
	mu     sync.Mutex
	fields map[Field]uint64
}

// NewSoftVMCS returns a SoftVMCS preloaded with the given fields.
func NewSoftVMCS(fields map[Field]uint64) *SoftVMCS {
	v := &SoftVMCS{fields: make(map[Field]uint64, len(fields))}
	for f, val := range fields {
		v.fields[f] = val
	}

	return v
}

func (v *SoftVMCS) Read(f Field) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.fields[f], nil
}

func (v *SoftVMCS) Write(f Field, val uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.fields == nil {
		v.fields = make(map[Field]uint64)
	}

	v.fields[f] = val
	return nil
}

// Fields returns a copy of every field written so far.
func (v *SoftVMCS) Fields() map[Field]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	ff := make(map[Field]uint64, len(v.fields))
	for f, val := range v.fields {
		ff[f] = val
	}

	return ff
}

// Reset clears every field.
func (v *SoftVMCS) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.fields = make(map[Field]uint64)
}
