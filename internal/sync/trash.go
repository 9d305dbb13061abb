package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	trashDirName = "trash"
	// trashStampLayout names one per-run trash directory, so every sync
	// keeps its removals separate and prunable by age.
	trashStampLayout = "20060102-150405"
)

// TrashDir returns the local trash directory for a sync root.
func TrashDir(syncRoot string) string {
	return filepath.Join(StateDir(syncRoot), trashDirName)
}

// Trash moves deleted local files into a per-run directory under the
// sync root instead of erasing them. Entries keep their relative path,
// so a bad sync can be undone by copying the run's directory back.
type Trash struct {
	root   string // absolute sync root
	runDir string // this run's trash directory
	logger *slog.Logger
}

// NewTrash creates a trash handle for one sync run. The run directory
// is created lazily on the first Put.
func NewTrash(syncRoot string, now time.Time, logger *slog.Logger) *Trash {
	if logger == nil {
		logger = slog.Default()
	}

	return &Trash{
		root:   syncRoot,
		runDir: filepath.Join(TrashDir(syncRoot), now.Format(trashStampLayout)),
		logger: logger,
	}
}

// Put moves the file or directory at relPath (slash-relative to the sync
// root, in on-disk spelling) into this run's trash directory, keeping
// its relative layout. Works on directories too; any children still
// inside come along.
func (t *Trash) Put(relPath string) error {
	src := filepath.Join(t.root, filepath.FromSlash(relPath))
	dest := filepath.Join(t.runDir, filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(dest), dirPermissions); err != nil {
		return fmt.Errorf("preparing trash directory: %w", err)
	}

	dest = uniquePath(dest)

	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("moving %s to trash: %w", relPath, err)
	}

	t.logger.Debug("moved to trash",
		slog.String("path", relPath),
		slog.String("trash_path", dest),
	)

	return nil
}

// uniquePath returns dest, or dest with a numeric suffix if something
// already sits there. Collisions only happen when two runs share a
// second-granularity timestamp.
func uniquePath(dest string) string {
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return dest
	}

	ext := filepath.Ext(dest)
	stem := dest[:len(dest)-len(ext)]

	for i := 2; ; i++ {
		candidate := stem + " " + strconv.Itoa(i) + ext
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Prune removes per-run trash directories older than retentionDays.
// Zero or negative retention keeps everything. Returns the number of
// run directories removed.
func (t *Trash) Prune(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	dir := TrashDir(t.root)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading trash directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		stamp, parseErr := time.ParseInLocation(trashStampLayout, entry.Name(), time.Local)
		if parseErr != nil {
			// Not one of ours; leave it alone.
			continue
		}

		if !stamp.Before(cutoff) {
			continue
		}

		if rmErr := os.RemoveAll(filepath.Join(dir, entry.Name())); rmErr != nil {
			t.logger.Warn("pruning trash run failed",
				slog.String("run", entry.Name()),
				slog.String("error", rmErr.Error()),
			)

			continue
		}

		removed++
	}

	if removed > 0 {
		t.logger.Info("pruned old trash runs",
			slog.Int("removed", removed),
			slog.Int("retention_days", retentionDays),
		)
	}

	return removed, nil
}
