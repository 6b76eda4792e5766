//go:build linux

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/c35s/vtx/kvm"
	"github.com/c35s/vtx/replay"
	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmm"
	"github.com/c35s/vtx/vmx"
)

// guest makes hypercall 7, halts once, then makes hypercall 1.
var guest = []byte{
	0xb9, 0x07, 0x00, // mov cx, 7
	0xba, 0x00, 0x05, // mov dx, 0x500
	0xee,             // out dx, al
	0xf4,             // hlt
	0xb9, 0x01, 0x00, // mov cx, 1
	0xee,             // out dx, al
	0xf4,             // hlt
}

func main() {
	var d *vmexit.Dispatcher

	rec := replay.NewRecorder(replay.Behavior{VMCallResult: 42})
	rec.OnVMCall = func(cpu int, code uint64) {
		fmt.Printf("cpu %d: hypercall %d\n", cpu, code)
		if code == 1 {
			d.Session().CPU(cpu).RequestTeardown()
		}
	}

	dcfg := rec.Config()
	dcfg.NumCPU = 1

	d, err := vmexit.New(dcfg)
	if err != nil {
		panic(err)
	}

	cfg := vmm.Config{
		Dispatcher:    d,
		HypercallPort: 0x500,

		Loader: &vmm.RealModeLoader{
			Code: guest,
			Regs: func(slot int, regs *kvm.Regs) {
				var g vmx.GuestRegs
				vmexit.DefaultSignature.Put(&g)
				regs.R10, regs.R11, regs.R12 = g.R10, g.R11, g.R12
			},
		},
	}

	m, err := vmm.New(cfg)
	if err != nil {
		panic(err)
	}

	defer m.Close()

	if err := m.Run(context.TODO()); err != nil {
		panic(err)
	}

	st := d.Session().Stats()
	fmt.Fprintf(os.Stdout, "%d exits: %d VMCALL, %d HLT\n", st.Total(), st.Exits[vmx.ExitVMCALL], st.Exits[vmx.ExitHLT])
}
