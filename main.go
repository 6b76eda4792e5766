//go:build linux

// Command vtx runs a flat 16-bit code image in a KVM guest and handles its
// exits with a vmexit.Dispatcher. OUT to the hypercall port is a VMCALL;
// a hypercall whose RCX is the teardown code stops the VCPU that made it.
// Exit statistics are written to stdout as JSON when every VCPU has stopped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/c35s/vtx/kvm"
	"github.com/c35s/vtx/vmexit"
	"github.com/c35s/vtx/vmm"
	"github.com/c35s/vtx/vmx"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {

	var (
		memSize  = flag.Int("mem", 16, "set the VM's memory size in MiB")
		numCPU   = flag.Int("cpus", 1, "set the number of VCPUs")
		codePath = flag.String("code", "guest.bin", "load the code image from file or URL")
		addr     = flag.Uint64("addr", 0x1000, "set the load and entry address")
		port     = flag.Uint("port", 0x500, "set the hypercall I/O port")
		teardown = flag.Uint64("teardown", 1, "set the hypercall code that tears a VCPU down")
		result   = flag.Uint64("result", 0, "set the value hypercalls return in RAX")
		debug    = flag.Bool("debug", false, "log at debug level")
	)

	flag.Parse()

	log := newLogger(os.Stderr, *debug)

	code, err := readURL(*codePath)
	if err != nil {
		log.Error("load code image", "err", err)
		os.Exit(1)
	}

	if *numCPU < 1 {
		log.Error("invalid cpu count", "cpus", *numCPU)
		os.Exit(1)
	}

	hv := &hypervisor{
		session:  vmexit.NewSession(*numCPU),
		result:   *result,
		teardown: *teardown,
		log:      log,
	}

	d, err := vmexit.New(hv.config())
	if err != nil {
		log.Error("create dispatcher", "err", err)
		os.Exit(1)
	}

	cfg := vmm.Config{
		MemSize:       *memSize << 20,
		NumCPU:        *numCPU,
		Dispatcher:    d,
		HypercallPort: uint16(*port),
		Logger:        log,

		Loader: &vmm.RealModeLoader{
			Code: code,
			Addr: *addr,
			Regs: func(slot int, regs *kvm.Regs) {
				var g vmx.GuestRegs
				vmexit.DefaultSignature.Put(&g)
				regs.R10, regs.R11, regs.R12 = g.R10, g.R11, g.R12
			},
		},
	}

	m, err := vmm.New(cfg)
	if err != nil {
		log.Error("create VM", "err", err)
		os.Exit(1)
	}

	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	runErr := m.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("run", "err", runErr)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(d.Session().Stats()); err != nil {
		log.Error("write stats", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}

// newLogger logs text to a terminal and JSON to anything else.
func newLogger(w *os.File, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("vtx: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
