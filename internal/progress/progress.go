// Package progress renders a terminal-friendly view of a scheduler run:
// one redrawn status line per in-flight job when stdout is a TTY (no
// per-job output otherwise), and a final colored failure summary table.
package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/schedule"
)

// Reporter implements schedule.Progress, redrawing one line per
// in-flight job when attached to a terminal.
type Reporter struct {
	out io.Writer

	isTTY bool
	bar   *progressbar.ProgressBar

	mu         sync.Mutex
	lines      map[schedule.JobID]string
	order      []schedule.JobID
	lastDrawn  int
	lastRedraw time.Time
	failures   []schedule.JobError
}

// New constructs a Reporter writing to out (typically os.Stdout), sizing
// an overall progress bar to totalJobs if known (0 disables the bar and
// falls back to status lines only).
func New(out io.Writer, totalJobs int) *Reporter {
	r := &Reporter{
		out:   out,
		isTTY: isTerminal(out),
		lines: make(map[schedule.JobID]string),
	}
	if totalJobs > 0 {
		r.bar = progressbar.NewOptions(totalJobs,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("installing"),
			progressbar.OptionClearOnFinish(),
		)
	}
	return r
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// JobStarted implements schedule.Progress.
func (r *Reporter) JobStarted(id schedule.JobID, typ schedule.TypeTag, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.lines[id]; !seen {
		r.order = append(r.order, id)
	}
	r.lines[id] = fmt.Sprintf("%-10s %s", typ, name)
	r.redrawLocked()
}

// JobFinished implements schedule.Progress.
func (r *Reporter) JobFinished(id schedule.JobID, typ schedule.TypeTag, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lines, id)
	r.order = removeID(r.order, id)
	if err != nil {
		r.failures = append(r.failures, schedule.JobError{Name: name, Type: typ, Err: err})
	}
	if r.bar != nil {
		r.bar.Add(1)
	}
	r.redrawLocked()
}

func removeID(order []schedule.JobID, id schedule.JobID) []schedule.JobID {
	out := order[:0]
	for _, o := range order {
		if o != id {
			out = append(out, o)
		}
	}
	return out
}

// redrawLocked reprints the status-line block, clearing stale characters
// and restoring the cursor to the top of the block.
func (r *Reporter) redrawLocked() {
	if !r.isTTY {
		return
	}
	if time.Since(r.lastRedraw) < 100*time.Millisecond && len(r.order) > 0 {
		return
	}
	r.lastRedraw = time.Now()

	if r.lastDrawn > 0 {
		fmt.Fprintf(r.out, "\033[%dA", r.lastDrawn)
	}
	for _, id := range r.order {
		line := r.lines[id]
		fmt.Fprintln(r.out, padLine(line))
	}
	r.lastDrawn = len(r.order)
}

func padLine(line string) string {
	const minWidth = 60
	if len(line) < minWidth {
		return line + strings.Repeat(" ", minWidth-len(line))
	}
	return line
}

// Summary writes a colored pass/fail summary table after the run
// completes.
func (r *Reporter) Summary(stats schedule.Stats) {
	r.mu.Lock()
	failures := append([]schedule.JobError(nil), r.failures...)
	r.mu.Unlock()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Name < failures[j].Name })

	if len(failures) == 0 {
		color.New(color.FgGreen).Fprintf(r.out, "done: %d installed, 0 failed\n", stats.Done)
		return
	}
	color.New(color.FgRed, color.Bold).Fprintf(r.out, "failed: %d of %d jobs\n", len(failures), stats.Done+stats.Failed)
	for _, f := range failures {
		color.New(color.FgRed).Fprintf(r.out, "  %-10s %-20s %v\n", f.Type, f.Name, f.Err)
		var typed *scint.Error
		if xerrors.As(f.Err, &typed) && typed.Kind == scint.ErrNetwork {
			for k, vs := range typed.ResponseHeaders {
				fmt.Fprintf(r.out, "    %s: %s\n", k, strings.Join(vs, ", "))
			}
			if typed.ResponseBody != "" {
				fmt.Fprintf(r.out, "    %s\n", strings.TrimSpace(typed.ResponseBody))
			}
		}
	}
}
