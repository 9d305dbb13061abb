package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/drivesync/drivesync/internal/drive"
)

// dirPermissions is the Unix permission mode for newly created sync
// directories.
const dirPermissions = 0o755

// defaultTransferWorkers bounds concurrent transfers when no parallelism
// is configured.
const defaultTransferWorkers = 4

// defaultSimpleUploadMax is the fallback cutover size between one-shot
// multipart uploads and resumable sessions (8 MiB).
const defaultSimpleUploadMax = 8 << 20

// ExecutorConfig holds the dependencies and knobs for NewExecutor. A
// struct because the executor touches every other piece of a run.
type ExecutorConfig struct {
	Client          DriveClient
	State           *StateStore
	Trash           *Trash
	SyncRoot        string // absolute path to the local sync directory
	RootID          string // remote root folder ID
	Remote          *Tree  // remote tree from this run's scan, for parent lookups
	Workers         int    // concurrent transfers (<=0 uses the default)
	SimpleUploadMax int64  // multipart/resumable cutover in bytes (<=0 uses the default)
	NewRevision     bool
	UploadLimiter   *RateLimiter
	DownloadLimiter *RateLimiter
	Progress        *ProgressPrinter
	Logger          *slog.Logger
}

// Executor applies a SyncPlan: filesystem operations, Drive API calls,
// and the matching state updates. Folder creates, moves, and deletes run
// sequentially in plan order; transfers run through a bounded pool.
// Every action updates state immediately on success, so an interrupted
// run persists the work it finished.
type Executor struct {
	client    DriveClient
	state     *StateStore
	trash     *Trash
	syncRoot  string
	rootID    string
	remote    *Tree
	workers   int
	simpleMax int64
	chunkSize int64
	newRev    bool
	upLimit   *RateLimiter
	downLimit *RateLimiter
	progress  *ProgressPrinter
	logger    *slog.Logger

	// Remote folders created this run, path -> file ID. Lets later
	// actions resolve parents the scan has never seen.
	created map[string]string
}

// NewExecutor creates an Executor from the given configuration.
func NewExecutor(cfg *ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultTransferWorkers
	}

	simpleMax := cfg.SimpleUploadMax
	if simpleMax <= 0 {
		simpleMax = defaultSimpleUploadMax
	}

	return &Executor{
		client:    cfg.Client,
		state:     cfg.State,
		trash:     cfg.Trash,
		syncRoot:  cfg.SyncRoot,
		rootID:    cfg.RootID,
		remote:    cfg.Remote,
		workers:   workers,
		simpleMax: simpleMax,
		chunkSize: uploadChunkSize,
		newRev:    cfg.NewRevision,
		upLimit:   cfg.UploadLimiter,
		downLimit: cfg.DownloadLimiter,
		progress:  cfg.Progress,
		logger:    logger,
	}
}

// Execute runs the plan phase by phase. A failed action is recorded in
// the report and skipped; its state entry stays untouched so the next
// run retries it. Only context cancellation and authentication failures
// abort the run.
func (e *Executor) Execute(ctx context.Context, plan *SyncPlan, report *Report) error {
	e.logger.Info("applying sync plan", slog.Int("actions", plan.TotalActions()))

	e.created = make(map[string]string)

	phases := []struct {
		name string
		run  func(context.Context, *Report) error
	}{
		{"folder creates", func(c context.Context, r *Report) error {
			return e.dispatchSequential(c, r, plan.FolderCreates, "folder create",
				e.executeFolderCreate,
				func(r2 *Report) { r2.FoldersCreated++ })
		}},
		{"moves", func(c context.Context, r *Report) error {
			return e.dispatchSequential(c, r, plan.Moves, "move",
				e.executeMove,
				func(r2 *Report) { r2.Moved++ })
		}},
		{"transfers", func(c context.Context, r *Report) error {
			return e.runTransfers(c, plan.Downloads, plan.Uploads, r)
		}},
		{"local deletes", func(c context.Context, r *Report) error {
			return e.dispatchSequential(c, r, plan.LocalDeletes, "local delete",
				e.executeLocalDelete,
				func(r2 *Report) { r2.LocalDeleted++ })
		}},
		{"remote deletes", func(c context.Context, r *Report) error {
			return e.dispatchSequential(c, r, plan.RemoteDeletes, "remote delete",
				e.executeRemoteDelete,
				func(r2 *Report) { r2.RemoteDeleted++ })
		}},
		{"state refreshes", func(c context.Context, r *Report) error {
			return e.dispatchSequential(c, r, plan.StateRefreshes, "state refresh",
				e.executeStateRefresh,
				func(r2 *Report) { r2.StateRefreshed++ })
		}},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.logger.Debug("phase starting", slog.String("phase", phase.name))

		if err := phase.run(ctx, report); err != nil {
			return err
		}
	}

	e.logger.Info("sync plan applied",
		slog.Int("uploaded", report.Uploaded),
		slog.Int("downloaded", report.Downloaded),
		slog.Int("errors", len(report.Errors)),
	)

	return nil
}

// dispatchSequential runs handler over actions in plan order. Fatal
// errors propagate immediately; anything else is recorded and the loop
// continues.
func (e *Executor) dispatchSequential(
	ctx context.Context,
	report *Report,
	actions []Action,
	label string,
	handler func(context.Context, *Action) error,
	onSuccess func(*Report),
) error {
	for i := range actions {
		if err := handler(ctx, &actions[i]); err != nil {
			if isFatal(err) {
				return err
			}

			report.Errors = append(report.Errors, ActionError{
				Path: actions[i].Path,
				Type: actions[i].Type,
				Err:  err,
			})
			e.logger.Warn(label+" failed, skipping",
				slog.String("path", actions[i].Path),
				slog.String("error", err.Error()),
			)
		} else {
			onSuccess(report)
		}
	}

	return nil
}

// executeFolderCreate creates a folder locally or on the drive and
// records it in state.
func (e *Executor) executeFolderCreate(ctx context.Context, a *Action) error {
	e.logger.Info("creating folder",
		slog.String("path", a.Path),
		slog.String("action", a.Type.String()),
	)

	if a.Type == ActionCreateLocalFolder {
		localPath := filepath.Join(e.syncRoot, filepath.FromSlash(a.Path))
		if err := os.MkdirAll(localPath, dirPermissions); err != nil {
			return fmt.Errorf("creating local folder %s: %w", a.Path, err)
		}

		e.state.Put(&StateEntry{
			Path:     a.Path,
			Type:     ItemTypeFolder,
			RemoteID: a.Remote.RemoteID,
			Revision: a.Remote.Revision,
		})

		return nil
	}

	parentID, err := e.remoteParentID(a.Path)
	if err != nil {
		return err
	}

	created, err := e.client.CreateFolder(ctx, parentID, baseName(a.Path))
	if err != nil {
		return fmt.Errorf("creating remote folder %s: %w", a.Path, err)
	}

	e.created[a.Path] = created.ID

	e.state.Put(&StateEntry{
		Path:     a.Path,
		Type:     ItemTypeFolder,
		RemoteID: created.ID,
		Revision: created.HeadRevision,
	})

	return nil
}

// executeMove replays a rename on the side that has not seen it yet.
func (e *Executor) executeMove(ctx context.Context, a *Action) error {
	e.logger.Info("moving",
		slog.String("from", a.From),
		slog.String("to", a.Path),
		slog.String("action", a.Type.String()),
	)

	if a.Type == ActionMoveRemote {
		return e.moveRemote(ctx, a)
	}

	return e.moveLocal(a)
}

// moveRemote applies a local rename to the drive.
func (e *Executor) moveRemote(ctx context.Context, a *Action) error {
	parentID, err := e.remoteParentID(a.Path)
	if err != nil {
		return err
	}

	moved, err := e.client.Move(ctx, a.State.RemoteID, parentID, baseName(a.Path))
	if err != nil {
		return fmt.Errorf("moving %s to %s on drive: %w", a.From, a.Path, err)
	}

	e.state.Rename(a.From, a.Path)
	e.state.Put(&StateEntry{
		Path:     a.Path,
		Type:     ItemTypeFile,
		Checksum: a.Checksum,
		Size:     a.Local.Size,
		Mtime:    a.Local.Mtime.Unix(),
		RemoteID: a.State.RemoteID,
		Revision: moved.HeadRevision,
	})

	return nil
}

// moveLocal applies a remote rename to the working tree.
func (e *Executor) moveLocal(a *Action) error {
	src := filepath.Join(e.syncRoot, filepath.FromSlash(a.Local.OSPath))
	dest := filepath.Join(e.syncRoot, filepath.FromSlash(a.Path))

	if err := os.MkdirAll(filepath.Dir(dest), dirPermissions); err != nil {
		return fmt.Errorf("preparing directory for %s: %w", a.Path, err)
	}

	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("moving %s to %s: %w", a.From, a.Path, err)
	}

	e.state.Rename(a.From, a.Path)
	e.state.Put(&StateEntry{
		Path:     a.Path,
		Type:     ItemTypeFile,
		Checksum: a.Checksum,
		Size:     a.Local.Size,
		Mtime:    a.Local.Mtime.Unix(),
		RemoteID: a.Remote.RemoteID,
		Revision: a.Remote.Revision,
	})

	return nil
}

// executeLocalDelete moves a local file or folder into the trash
// directory. Nothing is ever erased in place.
func (e *Executor) executeLocalDelete(_ context.Context, a *Action) error {
	e.logger.Info("deleting locally (to trash)", slog.String("path", a.Path))

	if err := e.trash.Put(a.Local.OSPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Already gone from disk; just drop the entry.
			e.logger.Warn("local file already absent", slog.String("path", a.Path))
			e.state.Delete(a.Path)

			return nil
		}

		return err
	}

	e.state.Delete(a.Path)

	return nil
}

// executeRemoteDelete moves a remote file or folder to the drive trash.
func (e *Executor) executeRemoteDelete(ctx context.Context, a *Action) error {
	e.logger.Info("deleting on drive (to trash)", slog.String("path", a.Path))

	if err := e.client.Trash(ctx, a.State.RemoteID); err != nil {
		if !errors.Is(err, drive.ErrNotFound) {
			return fmt.Errorf("trashing %s on drive: %w", a.Path, err)
		}

		// Already gone on the drive; just drop the entry.
		e.logger.Warn("remote file already absent", slog.String("path", a.Path))
	}

	e.state.Delete(a.Path)

	return nil
}

// executeStateRefresh records or forgets an entry without touching
// either side's content.
func (e *Executor) executeStateRefresh(_ context.Context, a *Action) error {
	if a.Type == ActionDropState {
		e.logger.Debug("dropping stale state entry", slog.String("path", a.Path))
		e.state.Delete(a.Path)

		return nil
	}

	e.logger.Debug("refreshing state entry", slog.String("path", a.Path))

	if a.Local.IsFolder() {
		e.state.Put(&StateEntry{
			Path:     a.Path,
			Type:     ItemTypeFolder,
			RemoteID: a.Remote.RemoteID,
			Revision: a.Remote.Revision,
		})

		return nil
	}

	sum := a.Checksum
	if sum == "" {
		var err error

		sum, err = a.Local.ContentHash()
		if err != nil {
			return fmt.Errorf("hashing %s for state refresh: %w", a.Path, err)
		}
	}

	e.state.Put(&StateEntry{
		Path:     a.Path,
		Type:     ItemTypeFile,
		Checksum: sum,
		Size:     a.Local.Size,
		Mtime:    a.Local.Mtime.Unix(),
		RemoteID: a.Remote.RemoteID,
		Revision: a.Remote.Revision,
	})

	return nil
}

// remoteParentID resolves the drive folder that should hold path.
// Folders created earlier in this run take precedence, then the scanned
// remote tree, then tracked state.
func (e *Executor) remoteParentID(path string) (string, error) {
	parent := parentPath(path)
	if parent == "" {
		return e.rootID, nil
	}

	if id, ok := e.created[parent]; ok {
		return id, nil
	}

	if e.remote != nil {
		if entry := e.remote.Get(parent); entry != nil && entry.IsFolder() {
			return entry.RemoteID, nil
		}
	}

	if st := e.state.Get(parent); st != nil && st.IsFolder() && st.RemoteID != "" {
		return st.RemoteID, nil
	}

	return "", fmt.Errorf("no remote folder for %s", parent)
}

// isFatal reports whether an error must abort the whole run. The drive
// client already retries transient failures internally, so by the time
// an error surfaces here it is either terminal for the run (cancellation,
// authentication) or specific to one path.
func isFatal(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, drive.ErrUnauthorized), errors.Is(err, drive.ErrNotLoggedIn):
		return true
	}

	return false
}
