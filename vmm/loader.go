//go:build linux

package vmm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/c35s/vtx/kvm"
)

// RealModeLoader loads a flat code image and starts every VCPU at Addr in
// 16-bit real mode with segment bases of 0.
type RealModeLoader struct {

	// Code is copied into guest memory at Addr.
	Code []byte

	// Addr is the guest physical load and entry address.
	// If Addr is 0, the image is loaded at 0x1000.
	Addr uint64

	// Vectors maps interrupt vectors to handler offsets in segment 0.
	// They are written to the real-mode interrupt vector table.
	Vectors map[uint8]uint16

	// Regs, if set, is called to adjust each VCPU's registers before boot.
	Regs func(slot int, regs *kvm.Regs)
}

const realModeLoadAddr = 0x1000

var ErrCodeTooLarge = errors.New("vmm: code image doesn't fit in memory")

func (l *RealModeLoader) addr() uint64 {
	if l.Addr == 0 {
		return realModeLoadAddr
	}

	return l.Addr
}

func (l *RealModeLoader) LoadMemory(info VMInfo, mem []byte) error {
	addr := l.addr()
	if addr+uint64(len(l.Code)) > uint64(len(mem)) || addr+uint64(len(l.Code)) > 1<<20 {
		return fmt.Errorf("%w: %d bytes at %#x", ErrCodeTooLarge, len(l.Code), addr)
	}

	copy(mem[addr:], l.Code)

	// each IVT entry is offset:segment
	for vec, off := range l.Vectors {
		binary.LittleEndian.PutUint16(mem[int(vec)*4:], off)
		binary.LittleEndian.PutUint16(mem[int(vec)*4+2:], 0)
	}

	return nil
}

func (l *RealModeLoader) LoadVCPU(info VMInfo, slot int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	sregs.CS.Base = 0
	sregs.CS.Selector = 0

	for _, s := range []*kvm.Segment{&sregs.DS, &sregs.ES, &sregs.SS} {
		s.Base = 0
		s.Selector = 0
	}

	*regs = kvm.Regs{
		RIP:    l.addr(),
		RFlags: 0x2,
		RSP:    0x0ffe,
	}

	if l.Regs != nil {
		l.Regs(slot, regs)
	}

	return nil
}
