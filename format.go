package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drivesync/drivesync/internal/sync"
)

// statusf prints human-facing summary lines to stderr unless --quiet.
// Structured logs go through slog; this is for the short end-of-run text.
func statusf(format string, args ...any) {
	if flagQuiet {
		return
	}

	fmt.Fprintf(os.Stderr, format, args...)
}

func formatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}

// formatTime renders timestamps ls-style: time of day for recent dates,
// year for older ones.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	if time.Since(t) > 180*24*time.Hour {
		return t.Format("Jan _2  2006")
	}

	return t.Format("Jan _2 15:04")
}

// printReport renders the end-of-run summary. Dry runs list the whole
// plan, since nothing was executed; real runs summarize what happened.
func printReport(r *sync.Report) {
	if r.DryRun {
		printPlan(r.Plan)
		return
	}

	if !r.Changed() && len(r.Conflicts) == 0 && len(r.Errors) == 0 {
		statusf("Already in sync.\n")
		return
	}

	var parts []string

	count := func(n int, noun string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, noun))
		}
	}

	count(r.FoldersCreated, "folders created")
	count(r.Moved, "moved")
	count(r.Uploaded, "uploaded")
	count(r.Downloaded, "downloaded")
	count(r.LocalDeleted+r.RemoteDeleted, "deleted")

	if len(parts) > 0 {
		statusf("Synced: %s in %s.\n",
			strings.Join(parts, ", "), r.Duration.Round(time.Millisecond))
	}

	if r.BytesUploaded > 0 || r.BytesDownloaded > 0 {
		statusf("Transferred: %s up, %s down.\n",
			formatBytes(r.BytesUploaded), formatBytes(r.BytesDownloaded))
	}

	for _, c := range r.Conflicts {
		statusf("conflict: %s (%s)\n", c.Path, c.Reason)
	}

	if len(r.Conflicts) > 0 {
		statusf("Conflicted files were left untouched. Re-run with --force to take the remote copy.\n")
	}

	for _, e := range r.Errors {
		statusf("failed: %s %s: %v\n", e.Type, e.Path, e.Err)
	}
}

// printPlan lists every planned action in execution order.
func printPlan(p *sync.SyncPlan) {
	if p.TotalActions() == 0 && len(p.Conflicts) == 0 {
		statusf("Nothing to do.\n")
		return
	}

	order := [][]sync.Action{
		p.FolderCreates, p.Moves, p.Uploads,
		p.Downloads, p.LocalDeletes, p.RemoteDeletes,
	}

	for _, actions := range order {
		for _, a := range actions {
			statusf("would %s\n", describe(a))
		}
	}

	for _, c := range p.Conflicts {
		statusf("conflict: %s (%s)\n", c.Path, c.Reason)
	}

	statusf("Dry run: %d actions planned, nothing changed.\n", p.TotalActions())
}

func describe(a sync.Action) string {
	switch a.Type {
	case sync.ActionCreateLocalFolder:
		return "create local folder " + a.Path
	case sync.ActionCreateRemoteFolder:
		return "create remote folder " + a.Path
	case sync.ActionMoveLocal:
		return fmt.Sprintf("move local %s to %s", a.From, a.Path)
	case sync.ActionMoveRemote:
		return fmt.Sprintf("move remote %s to %s", a.From, a.Path)
	case sync.ActionUpload:
		return fmt.Sprintf("upload %s (%s)", a.Path, formatBytes(a.Local.Size))
	case sync.ActionDownload:
		return fmt.Sprintf("download %s (%s)", a.Path, formatBytes(a.Remote.Size))
	case sync.ActionDeleteLocal:
		return "move to trash " + a.Path
	case sync.ActionDeleteRemote:
		return "trash on Drive " + a.Path
	default:
		return fmt.Sprintf("%s %s", a.Type, a.Path)
	}
}
