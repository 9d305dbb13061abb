package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drivesync/drivesync/internal/config"
)

// EngineConfig holds the dependencies for NewEngine.
type EngineConfig struct {
	SyncRoot string // absolute path to the local sync directory
	Client   DriveClient
	Config   *config.Config
	Logger   *slog.Logger
}

// Engine drives one complete sync run: scan both sides, reconcile
// against the recorded state, execute the plan, and persist the new
// state in a single transaction. Each Run is self-contained; the engine
// holds no open resources between runs.
type Engine struct {
	client   DriveClient
	cfg      *config.Config
	syncRoot string
	logger   *slog.Logger
}

// NewEngine validates the sync root and returns an engine.
func NewEngine(ec *EngineConfig) (*Engine, error) {
	logger := ec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(ec.SyncRoot)
	if err != nil {
		return nil, fmt.Errorf("sync directory %s: %w", ec.SyncRoot, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("sync directory %s is not a directory", ec.SyncRoot)
	}

	return &Engine{
		client:   ec.Client,
		cfg:      ec.Config,
		syncRoot: ec.SyncRoot,
		logger:   logger,
	}, nil
}

// Run performs one sync pass:
//  1. Load the recorded state.
//  2. Scan the local tree and the remote drive concurrently.
//  3. Reconcile the three views into an ordered plan.
//  4. Execute the plan (skipped on dry run).
//  5. Persist the updated state in one transaction (skipped on dry run).
//
// Conflicts never abort the run; they are reported and left untouched.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()

	e.logger.Info("sync starting",
		slog.String("sync_dir", e.syncRoot),
		slog.String("scope", opts.Scope),
		slog.Bool("dry_run", opts.DryRun),
		slog.Bool("force", opts.Force),
	)

	store, err := OpenStateStore(ctx, StatePath(e.syncRoot), e.logger)
	if err != nil {
		return nil, err
	}

	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			e.logger.Warn("closing state store", slog.String("error", closeErr.Error()))
		}
	}()

	local, remote, rootID, err := e.scanBothSides(ctx, opts.Scope)
	if err != nil {
		return nil, err
	}

	reconciler := NewReconciler(e.cfg.Safety.AlwaysRehash, e.logger)
	plan := reconciler.Plan(local, remote, store, opts)

	// Every log line from here on carries the plan's run id, so one
	// run's output can be picked out of an interleaved log file.
	log := e.logger.With(slog.String("run", plan.RunID))

	report := &Report{
		RunID:     plan.RunID,
		DryRun:    opts.DryRun,
		Plan:      plan,
		Conflicts: plan.Conflicts,
	}

	for _, c := range plan.Conflicts {
		log.Warn("conflict, not syncing",
			slog.String("path", c.Path),
			slog.String("reason", c.Reason),
		)
	}

	// Record this run's conflicts so status can list them. Save persists
	// the listing; the dry-run and nothing-to-do paths never reach Save,
	// so the database keeps the previous run's records.
	store.SetConflicts(conflictRecords(plan.Conflicts, start))

	// Vet the plan before anything touches disk or Drive. store.Len()
	// still reflects the previous run here; entries only mutate during
	// execution.
	gate := NewSafetyGate(e.cfg.Safety, e.syncRoot, log)
	if err := gate.Check(plan, store.Len(), opts.Force, opts.DryRun); err != nil {
		return nil, err
	}

	if plan.IsEmpty() {
		report.Duration = time.Since(start)
		log.Info("sync complete: nothing to do", slog.Duration("duration", report.Duration))

		return report, nil
	}

	if opts.DryRun {
		report.Duration = time.Since(start)
		log.Info("dry run complete: no changes applied",
			slog.Int("planned", plan.TotalActions()),
			slog.Duration("duration", report.Duration),
		)

		return report, nil
	}

	execErr := e.executePlan(ctx, plan, rootID, remote, store, opts, report)

	// Persist whatever completed, even after an aborted run; finished
	// actions already updated their entries and must not be redone.
	if saveErr := store.Save(ctx); saveErr != nil {
		if execErr == nil {
			return report, saveErr
		}

		log.Error("saving state after aborted run", slog.String("error", saveErr.Error()))
	}

	if execErr != nil {
		return report, execErr
	}

	e.pruneTrash()

	report.Duration = time.Since(start)

	log.Info("sync complete",
		slog.Int("uploaded", report.Uploaded),
		slog.Int("downloaded", report.Downloaded),
		slog.Int("conflicts", len(report.Conflicts)),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// conflictRecords converts planned conflicts into persistable records.
func conflictRecords(conflicts []Action, detectedAt time.Time) []ConflictRecord {
	records := make([]ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		records = append(records, ConflictRecord{
			Path:       c.Path,
			Reason:     c.Reason,
			DetectedAt: detectedAt.Unix(),
		})
	}

	return records
}

// scanBothSides walks the local tree and lists the drive concurrently.
// Either failure is fatal: planning against a partial view would plan
// deletions for everything the failed side did not report.
func (e *Engine) scanBothSides(ctx context.Context, scope string) (local, remote *Tree, rootID string, err error) {
	ignore, err := LoadIgnoreFile(e.ignorePath(), e.logger)
	if err != nil {
		return nil, nil, "", err
	}

	e.logger.Debug("ignore rules loaded",
		slog.String("file", e.ignorePath()),
		slog.Int("rules", ignore.RuleCount()),
	)

	localScanner := NewLocalScanner(e.syncRoot, ignore, e.cfg.Filter, e.logger)
	remoteScanner := NewRemoteScanner(e.client, ignore, e.cfg.Filter, e.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var scanErr error

		local, scanErr = localScanner.Scan(gctx, scope)

		return scanErr
	})

	g.Go(func() error {
		var scanErr error

		remote, rootID, scanErr = remoteScanner.Scan(gctx, scope)

		return scanErr
	})

	if err := g.Wait(); err != nil {
		return nil, nil, "", err
	}

	e.logger.Info("scans complete",
		slog.Int("local_entries", local.Len()),
		slog.Int("remote_entries", remote.Len()),
	)

	return local, remote, rootID, nil
}

// executePlan builds the executor for this run and applies the plan.
func (e *Engine) executePlan(
	ctx context.Context,
	plan *SyncPlan,
	rootID string,
	remote *Tree,
	store *StateStore,
	opts Options,
	report *Report,
) error {
	upLimit, downLimit, err := buildTransferLimiters(e.cfg.Transfers, opts, e.logger)
	if err != nil {
		return err
	}

	simpleMax, err := config.ParseSize(e.cfg.Transfers.SimpleUploadMax)
	if err != nil {
		return fmt.Errorf("invalid simple_upload_max: %w", err)
	}

	executor := NewExecutor(&ExecutorConfig{
		Client:          e.client,
		State:           store,
		Trash:           NewTrash(e.syncRoot, time.Now(), e.logger),
		SyncRoot:        e.syncRoot,
		RootID:          rootID,
		Remote:          remote,
		Workers:         e.cfg.Transfers.ParallelTransfers,
		SimpleUploadMax: simpleMax,
		NewRevision:     opts.NewRevision,
		UploadLimiter:   upLimit,
		DownloadLimiter: downLimit,
		Progress:        NewProgressPrinter(opts.Progress),
		Logger:          e.logger,
	})

	return executor.Execute(ctx, plan, report)
}

// ignorePath resolves the configured ignore file against the sync root.
func (e *Engine) ignorePath() string {
	name := e.cfg.Sync.IgnoreFile
	if name == "" {
		return ""
	}

	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(e.syncRoot, name)
}

// pruneTrash drops trash runs past the retention window. Failures only
// warn; the sync itself already succeeded.
func (e *Engine) pruneTrash() {
	trash := NewTrash(e.syncRoot, time.Now(), e.logger)

	if _, err := trash.Prune(e.cfg.Safety.TrashRetentionDays); err != nil {
		e.logger.Warn("pruning trash", slog.String("error", err.Error()))
	}
}
