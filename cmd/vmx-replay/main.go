// vmx-replay runs exit scenarios through the exit dispatcher and checks them
// against their expectations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/c35s/vtx/replay"
	"github.com/c35s/vtx/vmx"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errFailed = errors.New("one or more scenarios failed")

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		asJSON bool
		debug  bool
		quiet  bool
	)

	root := &cobra.Command{
		Use:           "vmx-replay scenario.yaml...",
		Short:         "Replay VT-x exit scenarios and check their expectations",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(os.Stderr, debug, quiet)
			failed := false

			for _, path := range args {
				if err := replayFile(cmd.Context(), cmd.OutOrStdout(), path, log, asJSON); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", path, err)
					failed = true
					continue
				}

				fmt.Fprintf(cmd.ErrOrStderr(), "ok   %s\n", path)
			}

			if failed {
				return errFailed
			}

			return nil
		},
	}

	root.Flags().BoolVarP(&asJSON, "json", "j", false, "write results as JSON")
	root.Flags().BoolVar(&debug, "debug", false, "log dispatcher diagnostics at debug level")
	root.Flags().BoolVarP(&quiet, "quiet", "q", false, "discard dispatcher diagnostics")

	root.AddCommand(&cobra.Command{
		Use:   "reasons",
		Short: "List the exit reason names scenarios accept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			for _, r := range vmx.AllExitReasons() {
				fmt.Fprintf(tw, "%d\t%v\n", r, r)
			}

			return tw.Flush()
		},
	})

	return root
}

func replayFile(ctx context.Context, w io.Writer, path string, log *slog.Logger, asJSON bool) error {
	sc, err := replay.LoadFile(path)
	if err != nil {
		return err
	}

	res, err := replay.Run(ctx, sc, replay.Options{Logger: log.With("scenario", sc.Name)})
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printSteps(w, sc.Name, res)
	}

	return res.Check(sc.Expect)
}

func printSteps(w io.Writer, name string, res *replay.Result) {
	fmt.Fprintf(w, "# %s\n", name)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCPU\tREASON\tVERDICT\tRIP\tRFLAGS\tINJECTED\tCALLS")

	for i, s := range res.Steps {
		calls := ""
		for j, c := range s.Calls {
			if j > 0 {
				calls += ","
			}

			calls += c.Name
		}

		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%#x\t%#x\t%v\t%s\n",
			i, s.CPU, s.Reason, s.Verdict, s.RIP, s.RFLAGS, s.Injected, calls)
	}

	tw.Flush()
	fmt.Fprintln(w)
}

// newLogger logs text to a terminal and JSON to anything else.
func newLogger(w *os.File, debug, quiet bool) *slog.Logger {
	if quiet {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(w.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}
