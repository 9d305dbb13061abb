package sync

import (
	"fmt"
	"io"
	"os"
	gosync "sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// ProgressPrinter reports transfer starts and completions on stderr.
// Parallel transfers interleave, so it prints one line per event rather
// than redrawing a bar. A nil printer is silent; all methods are
// nil-safe.
type ProgressPrinter struct {
	mu  gosync.Mutex
	out io.Writer
}

// NewProgressPrinter returns a printer writing to stderr, or nil when
// progress output is disabled or stderr is not a terminal.
func NewProgressPrinter(enabled bool) *ProgressPrinter {
	if !enabled {
		return nil
	}

	fd := os.Stderr.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return nil
	}

	return &ProgressPrinter{out: os.Stderr}
}

// Start announces a transfer beginning.
func (p *ProgressPrinter) Start(verb, path string, size int64) {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s %s (%s)\n", verb, path, humanize.Bytes(uint64(size)))
}

// Done announces a finished transfer with its effective rate.
func (p *ProgressPrinter) Done(verb, path string, n int64, d time.Duration) {
	if p == nil {
		return
	}

	rate := "-"
	if secs := d.Seconds(); secs > 0 {
		rate = humanize.Bytes(uint64(float64(n)/secs)) + "/s"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s %s done (%s, %s)\n", verb, path, humanize.Bytes(uint64(n)), rate)
}
