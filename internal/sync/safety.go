package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/drivesync/drivesync/internal/config"
)

// Pre-execution safety sentinels. The CLI surfaces these verbatim.
var (
	// ErrBigDelete blocks a run that would delete more than the
	// configured share of tracked paths.
	ErrBigDelete = errors.New("big-delete protection triggered")

	// ErrLowDiskSpace blocks a run whose downloads would push free
	// space under safety.min_free_space.
	ErrLowDiskSpace = errors.New("not enough free disk space")
)

// bigDeleteMinTracked is the tracked-path count below which the percent
// rule is skipped. On tiny trees a handful of deletions reads as a huge
// percentage; the absolute threshold still applies there.
const bigDeleteMinTracked = 100

// SafetyGate vets a plan before execution. It catches the two ways one
// run can do large-scale damage: mass deletion, which is what syncing
// against an accidentally emptied or unmounted directory plans, and
// downloads that would fill the disk.
type SafetyGate struct {
	cfg      config.SafetyConfig
	syncRoot string
	logger   *slog.Logger

	// diskFree is swapped in tests.
	diskFree func(path string) (uint64, error)
}

// NewSafetyGate builds a gate for the given sync root.
func NewSafetyGate(cfg config.SafetyConfig, syncRoot string, logger *slog.Logger) *SafetyGate {
	if logger == nil {
		logger = slog.Default()
	}

	return &SafetyGate{
		cfg:      cfg,
		syncRoot: syncRoot,
		logger:   logger,
		diskFree: getDiskSpace,
	}
}

// Check validates the plan against the configured thresholds. tracked is
// the number of paths recorded by the previous run. force overrides the
// big-delete block only; a full disk has no override. Dry runs log every
// violation instead of failing, so the plan stays inspectable.
func (g *SafetyGate) Check(plan *SyncPlan, tracked int, force, dryRun bool) error {
	if err := g.checkBigDelete(plan, tracked, force, dryRun); err != nil {
		return err
	}

	return g.checkDiskSpace(plan, dryRun)
}

func (g *SafetyGate) checkBigDelete(plan *SyncPlan, tracked int, force, dryRun bool) error {
	deletes := len(plan.LocalDeletes) + len(plan.RemoteDeletes)
	if deletes == 0 {
		return nil
	}

	countExceeded := g.cfg.BigDeleteThreshold > 0 && deletes > g.cfg.BigDeleteThreshold

	percentExceeded := g.cfg.BigDeletePercent > 0 && tracked >= bigDeleteMinTracked &&
		deletes*100/tracked > g.cfg.BigDeletePercent

	if !countExceeded && !percentExceeded {
		return nil
	}

	detail := fmt.Sprintf("would delete %d of %d tracked paths", deletes, tracked)

	switch {
	case force:
		g.logger.Warn("big-delete threshold exceeded, proceeding on --force",
			slog.String("detail", detail),
		)

		return nil

	case dryRun:
		g.logger.Warn("big-delete protection would block this run",
			slog.String("detail", detail),
		)

		return nil
	}

	return fmt.Errorf("%w: %s (raise safety.big_delete_threshold or re-run with --force)",
		ErrBigDelete, detail)
}

func (g *SafetyGate) checkDiskSpace(plan *SyncPlan, dryRun bool) error {
	minFree, err := config.ParseSize(g.cfg.MinFreeSpace)
	if err != nil {
		return fmt.Errorf("parsing safety.min_free_space: %w", err)
	}

	if minFree == 0 || len(plan.Downloads) == 0 {
		return nil
	}

	var need int64
	for _, a := range plan.Downloads {
		need += a.Remote.Size
	}

	if need == 0 {
		return nil
	}

	free, err := g.diskFree(g.syncRoot)
	if err != nil {
		return fmt.Errorf("checking free space on %s: %w", g.syncRoot, err)
	}

	avail := int64(min(free, uint64(math.MaxInt64)))
	if avail-need >= minFree {
		return nil
	}

	detail := fmt.Sprintf("downloads total %s, disk has %s free, safety.min_free_space is %s",
		humanize.Bytes(uint64(need)), humanize.Bytes(free), humanize.Bytes(uint64(minFree)))

	if dryRun {
		g.logger.Warn("disk-space check would block this run", slog.String("detail", detail))

		return nil
	}

	return fmt.Errorf("%w: %s", ErrLowDiskSpace, detail)
}
