// Package render holds the presentation adapters: an interactive
// terminal top view and a batch writer that serializes the same views as
// plain text.
package render

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/calltrace/calltop/calltop"
)

const batchWidth = 95

// Batch writes one fixed-width text table per render cycle to a
// sequential output stream. It is the degenerate presentation adapter
// used by the non-interactive mode.
type Batch struct {
	logger *zap.SugaredLogger
	out    io.Writer
}

// NewBatch returns a batch renderer writing to out.
func NewBatch(logger *zap.SugaredLogger, out io.Writer) *Batch {
	return &Batch{logger: logger, out: out}
}

// Render serializes the frame.
func (b *Batch) Render(f *calltop.Frame) error {
	var sb strings.Builder

	rule := "|" + strings.Repeat("=", batchWidth-2) + "|\n"

	sb.WriteString(rule)
	fmt.Fprintf(&sb, "|%6s|%17s|%21s|%15s|%15s|%15s|\n",
		"pid", "process name", "function", "latency(us)", "call/s", "total")
	sb.WriteString(rule)

	for _, rollup := range f.Rollups {
		first := true

		for _, call := range rollup.Calls {
			pid, comm := "", ""
			if first {
				pid = fmt.Sprintf("%d", rollup.Pid)
				comm = rollup.Comm
				first = false
			}

			fmt.Fprintf(&sb, "|%6s|%17s|%21s|%15.2f|%15.0f|%15d|\n",
				pid, comm, call.Call,
				float64(call.AvgLat.Microseconds()),
				call.Rate, call.Count)
		}

		sb.WriteString(rule)
	}

	fmt.Fprintf(&sb, "interval=%s processes=%d dropped=%d",
		f.Interval, len(f.Rollups), f.Dropped)

	if !f.Filter.Empty() {
		fmt.Fprintf(&sb, " filter=%q", f.Filter.String())
	}

	for _, notice := range f.Notices {
		fmt.Fprintf(&sb, "\nnotice: %s", notice)
	}

	sb.WriteString("\n\n")

	if _, err := io.WriteString(b.out, sb.String()); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}
