package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"eca/internal/model"
)

// progressPrinter reports training cycles. On a terminal it rewrites one
// status line; otherwise it prints a key=value line per cycle.
type progressPrinter struct {
	out      io.Writer
	total    int
	terminal bool
	started  time.Time
}

func newProgressPrinter(out io.Writer, total int) *progressPrinter {
	terminal := false
	if f, ok := out.(*os.File); ok {
		terminal = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &progressPrinter{out: out, total: total, terminal: terminal, started: time.Now()}
}

func (p *progressPrinter) observe(d model.CycleDiagnostics) {
	if p.terminal {
		fmt.Fprintf(p.out, "\rcycle %d/%d stiffness=%.4f iterations=%s accuracy=%s elapsed=%s   ",
			d.Cycle+1, p.total, d.Stiffness, humanize.Comma(int64(d.Iterations)), formatAccuracy(d.EvalAccuracy),
			time.Since(p.started).Round(time.Millisecond))
		return
	}
	fmt.Fprintf(p.out, "cycle=%d stiffness=%.6f adapt_delta=%.6g converge_delta=%.6g iterations=%d reconst_err=%.6g train_accuracy=%s eval_accuracy=%s\n",
		d.Cycle, d.Stiffness, d.AdaptDelta, d.ConvergeDelta, d.Iterations, d.ReconstErr,
		formatAccuracy(d.TrainAccuracy), formatAccuracy(d.EvalAccuracy))
}

// done ends the rewritten status line.
func (p *progressPrinter) done() {
	if p.terminal {
		fmt.Fprintln(p.out)
	}
}

func formatAccuracy(v float64) string {
	if v < 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

// formatCreated renders an RFC 3339 timestamp relative to now, falling back
// to the raw value when it does not parse.
func formatCreated(raw string, now time.Time) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
