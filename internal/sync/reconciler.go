package sync

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Reconciler turns three snapshots (local tree, remote tree, and the
// state recorded by the last successful run) into an ordered SyncPlan.
// It performs no I/O beyond triggering the local checksum thunks it
// needs; all decisions are pure functions of the snapshots, so planning
// twice over the same inputs yields the same plan.
type Reconciler struct {
	alwaysRehash bool
	logger       *slog.Logger
}

// NewReconciler creates a Reconciler. alwaysRehash disables the
// size+mtime checksum cache and hashes every local file each run.
func NewReconciler(alwaysRehash bool, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		alwaysRehash: alwaysRehash,
		logger:       logger,
	}
}

// PathView groups the three observations of one path. Any pointer may
// be nil: the path is absent from that snapshot.
type PathView struct {
	Path   string
	Local  *TreeEntry
	Remote *TreeEntry
	State  *StateEntry
}

// Plan classifies every path visible in any of the three snapshots and
// returns the ordered action plan. Move detection runs first and
// consumes its matched paths; everything left is classified through the
// per-path decision table. Paths outside opts.Scope are never looked
// at, so their state entries survive untouched.
func (r *Reconciler) Plan(local, remote *Tree, state *StateStore, opts Options) *SyncPlan {
	views := r.buildViews(local, remote, state, opts.Scope)

	plan := &SyncPlan{RunID: uuid.NewString()}

	r.detectLocalMoves(views, plan)

	if !opts.UploadOnly {
		r.detectRemoteMoves(views, plan)
	}

	for _, path := range sortedViewPaths(views) {
		r.classify(views[path], plan, opts)
	}

	r.orderPlan(plan)

	r.logger.Debug("plan complete",
		slog.String("run", plan.RunID),
		slog.Int("folder_creates", len(plan.FolderCreates)),
		slog.Int("moves", len(plan.Moves)),
		slog.Int("uploads", len(plan.Uploads)),
		slog.Int("downloads", len(plan.Downloads)),
		slog.Int("local_deletes", len(plan.LocalDeletes)),
		slog.Int("remote_deletes", len(plan.RemoteDeletes)),
		slog.Int("state_refreshes", len(plan.StateRefreshes)),
		slog.Int("conflicts", len(plan.Conflicts)),
	)

	return plan
}

// buildViews unions the three snapshots into one view per path.
func (r *Reconciler) buildViews(local, remote *Tree, state *StateStore, scope string) map[string]*PathView {
	views := make(map[string]*PathView)

	view := func(path string) *PathView {
		v, ok := views[path]
		if !ok {
			v = &PathView{Path: path}
			views[path] = v
		}

		return v
	}

	for _, path := range local.Paths() {
		if underScope(path, scope) {
			view(path).Local = local.Get(path)
		}
	}

	for _, path := range remote.Paths() {
		if underScope(path, scope) {
			view(path).Remote = remote.Get(path)
		}
	}

	for _, e := range state.Entries() {
		if underScope(e.Path, scope) {
			view(e.Path).State = e
		}
	}

	return views
}

func sortedViewPaths(views map[string]*PathView) []string {
	paths := make([]string, 0, len(views))
	for p := range views {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// localFileChanged reports whether the local file differs from its
// state entry, and returns the content hash it relied on. When size and
// truncated mtime both match the state, the recorded checksum is
// trusted without rehashing (unless alwaysRehash). hashed tells the
// caller whether a fresh hash was computed.
func (r *Reconciler) localFileChanged(v *PathView) (changed, hashed bool, sum string, err error) {
	l, st := v.Local, v.State

	if !r.alwaysRehash && l.Size == st.Size && l.Mtime.Unix() == st.Mtime {
		return false, false, st.Checksum, nil
	}

	sum, err = l.ContentHash()
	if err != nil {
		return false, false, "", err
	}

	return sum != st.Checksum, true, sum, nil
}

// remoteFileChanged reports whether the remote file's content differs
// from the state entry. The API supplies checksums, so this never
// touches disk.
func remoteFileChanged(v *PathView) bool {
	sum, _ := v.Remote.ContentHash()

	return sum != v.State.Checksum
}

// classify routes one path view through the decision table and appends
// the resulting action, if any, to the plan.
func (r *Reconciler) classify(v *PathView, plan *SyncPlan, opts Options) {
	if v.Local == nil && v.Remote == nil {
		if v.State != nil {
			// Gone from both sides since the last run; forget it.
			r.logDecision(v.Path, ActionDropState, "absent on both sides")
			appendAction(plan, Action{Type: ActionDropState, Path: v.Path, State: v.State})
		}

		return
	}

	if isTypeMismatch(v) {
		// A folder on one side, a file on the other. No automatic
		// resolution is safe here, force included.
		r.logDecision(v.Path, ActionConflict, "folder/file type mismatch")
		appendAction(plan, Action{
			Type: ActionConflict, Path: v.Path,
			Local: v.Local, Remote: v.Remote, State: v.State,
			Reason: "a folder on one side is a file on the other",
		})

		return
	}

	if isFolderView(v) {
		r.classifyFolder(v, plan, opts)

		return
	}

	r.classifyFile(v, plan, opts)
}

// isTypeMismatch reports a folder/file disagreement between the two
// live sides.
func isTypeMismatch(v *PathView) bool {
	return v.Local != nil && v.Remote != nil && v.Local.IsFolder() != v.Remote.IsFolder()
}

// isFolderView reports whether the live sides describe a folder.
func isFolderView(v *PathView) bool {
	if v.Local != nil {
		return v.Local.IsFolder()
	}

	if v.Remote != nil {
		return v.Remote.IsFolder()
	}

	return v.State.IsFolder()
}

// classifyFolder handles paths that are folders on the live sides.
// Folders carry no content, so presence is the whole comparison.
func (r *Reconciler) classifyFolder(v *PathView, plan *SyncPlan, opts Options) {
	switch {
	case v.Local != nil && v.Remote != nil:
		if v.State == nil {
			// Present on both sides but untracked; adopt it.
			r.logDecision(v.Path, ActionRefreshState, "folder on both sides, untracked")
			appendAction(plan, Action{Type: ActionRefreshState, Path: v.Path, Local: v.Local, Remote: v.Remote})
		}

	case v.Local != nil && v.Remote == nil:
		if v.State == nil {
			r.logDecision(v.Path, ActionCreateRemoteFolder, "new local folder")
			appendAction(plan, Action{Type: ActionCreateRemoteFolder, Path: v.Path, Local: v.Local})

			return
		}

		// Tracked folder vanished remotely: the remote side deleted it.
		if opts.UploadOnly {
			r.logSuppressed(v.Path, "upload-only", "local folder delete")

			return
		}

		r.logDecision(v.Path, ActionDeleteLocal, "folder deleted remotely")
		appendAction(plan, Action{Type: ActionDeleteLocal, Path: v.Path, Local: v.Local, State: v.State})

	case v.Local == nil && v.Remote != nil:
		if v.State == nil {
			if opts.NoRemoteNew {
				r.logSuppressed(v.Path, "no-remote-new", "local folder create")

				return
			}

			if opts.UploadOnly {
				r.logSuppressed(v.Path, "upload-only", "local folder create")

				return
			}

			r.logDecision(v.Path, ActionCreateLocalFolder, "new remote folder")
			appendAction(plan, Action{Type: ActionCreateLocalFolder, Path: v.Path, Remote: v.Remote})

			return
		}

		// Tracked folder vanished locally: the local side deleted it.
		r.logDecision(v.Path, ActionDeleteRemote, "folder deleted locally")
		appendAction(plan, Action{Type: ActionDeleteRemote, Path: v.Path, Remote: v.Remote, State: v.State})
	}
}

// classifyFile handles file paths with and without a prior state entry.
func (r *Reconciler) classifyFile(v *PathView, plan *SyncPlan, opts Options) {
	if v.State == nil {
		r.classifyFileNoState(v, plan, opts)

		return
	}

	r.classifyFileWithState(v, plan, opts)
}

// classifyFileNoState covers paths never synced before: fresh creations
// on one or both sides. Move detection has already consumed anything
// that was really a rename.
func (r *Reconciler) classifyFileNoState(v *PathView, plan *SyncPlan, opts Options) {
	switch {
	case v.Local != nil && v.Remote == nil:
		sum, err := v.Local.ContentHash()
		if err != nil {
			r.logHashFailure(v.Path, err)

			return
		}

		r.logDecision(v.Path, ActionUpload, "new local file")
		appendAction(plan, Action{Type: ActionUpload, Path: v.Path, Local: v.Local, Checksum: sum})

	case v.Local == nil && v.Remote != nil:
		if opts.NoRemoteNew {
			r.logSuppressed(v.Path, "no-remote-new", "download")

			return
		}

		if opts.UploadOnly {
			r.logSuppressed(v.Path, "upload-only", "download")

			return
		}

		r.logDecision(v.Path, ActionDownload, "new remote file")
		appendAction(plan, Action{Type: ActionDownload, Path: v.Path, Remote: v.Remote})

	default:
		r.classifyBothNew(v, plan, opts)
	}
}

// classifyBothNew covers a path created independently on both sides.
func (r *Reconciler) classifyBothNew(v *PathView, plan *SyncPlan, opts Options) {
	localSum, err := v.Local.ContentHash()
	if err != nil {
		r.logHashFailure(v.Path, err)

		return
	}

	remoteSum, _ := v.Remote.ContentHash()

	if localSum == remoteSum {
		// Identical content appeared on both sides; just record it.
		r.logDecision(v.Path, ActionRefreshState, "created identically on both sides")
		appendAction(plan, Action{
			Type: ActionRefreshState, Path: v.Path,
			Local: v.Local, Remote: v.Remote, Checksum: localSum,
		})

		return
	}

	r.resolveConflict(v, plan, opts, "created on both sides with different content")
}

// classifyFileWithState covers tracked paths: the full change matrix
// against the recorded state.
func (r *Reconciler) classifyFileWithState(v *PathView, plan *SyncPlan, opts Options) {
	switch {
	case v.Local != nil && v.Remote != nil:
		r.classifyTrackedBothPresent(v, plan, opts)

	case v.Local != nil && v.Remote == nil:
		r.classifyTrackedRemoteGone(v, plan, opts)

	case v.Local == nil && v.Remote != nil:
		r.classifyTrackedLocalGone(v, plan, opts)
	}
}

func (r *Reconciler) classifyTrackedBothPresent(v *PathView, plan *SyncPlan, opts Options) {
	localChanged, hashed, localSum, err := r.localFileChanged(v)
	if err != nil {
		r.logHashFailure(v.Path, err)

		return
	}

	remoteChanged := remoteFileChanged(v)

	switch {
	case !localChanged && !remoteChanged:
		if hashed && v.Local.Mtime.Unix() != v.State.Mtime {
			// Content matches but the mtime moved (touch without edit).
			// Absorb the new mtime so the next run trusts the cache.
			r.logDecision(v.Path, ActionRefreshState, "mtime drift, content unchanged")
			appendAction(plan, Action{
				Type: ActionRefreshState, Path: v.Path,
				Local: v.Local, Remote: v.Remote, State: v.State, Checksum: localSum,
			})
		}

	case localChanged && !remoteChanged:
		r.logDecision(v.Path, ActionUpload, "changed locally")
		appendAction(plan, Action{
			Type: ActionUpload, Path: v.Path,
			Local: v.Local, Remote: v.Remote, State: v.State, Checksum: localSum,
		})

	case !localChanged && remoteChanged:
		if opts.UploadOnly {
			r.logSuppressed(v.Path, "upload-only", "download")

			return
		}

		r.logDecision(v.Path, ActionDownload, "changed remotely")
		appendAction(plan, Action{
			Type: ActionDownload, Path: v.Path,
			Local: v.Local, Remote: v.Remote, State: v.State,
		})

	default:
		remoteSum, _ := v.Remote.ContentHash()
		if localSum == remoteSum {
			// Both sides converged on the same content independently.
			r.logDecision(v.Path, ActionRefreshState, "reconverged on both sides")
			appendAction(plan, Action{
				Type: ActionRefreshState, Path: v.Path,
				Local: v.Local, Remote: v.Remote, State: v.State, Checksum: localSum,
			})

			return
		}

		r.resolveConflict(v, plan, opts, "changed on both sides")
	}
}

func (r *Reconciler) classifyTrackedRemoteGone(v *PathView, plan *SyncPlan, opts Options) {
	localChanged, _, _, err := r.localFileChanged(v)
	if err != nil {
		r.logHashFailure(v.Path, err)

		return
	}

	if opts.UploadOnly {
		r.logSuppressed(v.Path, "upload-only", "local delete")

		return
	}

	if !localChanged {
		r.logDecision(v.Path, ActionDeleteLocal, "deleted remotely")
		appendAction(plan, Action{Type: ActionDeleteLocal, Path: v.Path, Local: v.Local, State: v.State})

		return
	}

	if opts.Force {
		// Remote wins: the deletion stands, local edits land in the
		// trash directory rather than being lost outright.
		r.logDecision(v.Path, ActionDeleteLocal, "changed locally but deleted remotely (forced)")
		appendAction(plan, Action{Type: ActionDeleteLocal, Path: v.Path, Local: v.Local, State: v.State})

		return
	}

	r.logDecision(v.Path, ActionConflict, "changed locally but deleted remotely")
	appendAction(plan, Action{
		Type: ActionConflict, Path: v.Path,
		Local: v.Local, State: v.State,
		Reason: "changed locally but deleted remotely",
	})
}

func (r *Reconciler) classifyTrackedLocalGone(v *PathView, plan *SyncPlan, opts Options) {
	if !remoteFileChanged(v) {
		r.logDecision(v.Path, ActionDeleteRemote, "deleted locally")
		appendAction(plan, Action{Type: ActionDeleteRemote, Path: v.Path, Remote: v.Remote, State: v.State})

		return
	}

	if opts.Force {
		if opts.UploadOnly {
			r.logSuppressed(v.Path, "upload-only", "forced download")

			return
		}

		r.logDecision(v.Path, ActionDownload, "deleted locally but changed remotely (forced)")
		appendAction(plan, Action{Type: ActionDownload, Path: v.Path, Remote: v.Remote, State: v.State})

		return
	}

	r.logDecision(v.Path, ActionConflict, "deleted locally but changed remotely")
	appendAction(plan, Action{
		Type: ActionConflict, Path: v.Path,
		Remote: v.Remote, State: v.State,
		Reason: "deleted locally but changed remotely",
	})
}

// resolveConflict applies the force toggle to a content conflict.
func (r *Reconciler) resolveConflict(v *PathView, plan *SyncPlan, opts Options, reason string) {
	if opts.Force && !opts.UploadOnly {
		r.logDecision(v.Path, ActionDownload, reason+" (forced)")
		appendAction(plan, Action{
			Type: ActionDownload, Path: v.Path,
			Local: v.Local, Remote: v.Remote, State: v.State,
		})

		return
	}

	r.logDecision(v.Path, ActionConflict, reason)
	appendAction(plan, Action{
		Type: ActionConflict, Path: v.Path,
		Local: v.Local, Remote: v.Remote, State: v.State,
		Reason: reason,
	})
}

func (r *Reconciler) logDecision(path string, action ActionType, reason string) {
	r.logger.Debug("planned",
		slog.String("path", path),
		slog.String("action", action.String()),
		slog.String("reason", reason),
	)
}

func (r *Reconciler) logSuppressed(path, toggle, what string) {
	r.logger.Debug("suppressed by option",
		slog.String("path", path),
		slog.String("option", toggle),
		slog.String("action", what),
	)
}

func (r *Reconciler) logHashFailure(path string, err error) {
	r.logger.Warn("cannot hash local file, deferring to next run",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// appendAction distributes an action into its plan bucket.
func appendAction(plan *SyncPlan, a Action) {
	switch a.Type {
	case ActionCreateLocalFolder, ActionCreateRemoteFolder:
		plan.FolderCreates = append(plan.FolderCreates, a)
	case ActionMoveLocal, ActionMoveRemote:
		plan.Moves = append(plan.Moves, a)
	case ActionUpload:
		plan.Uploads = append(plan.Uploads, a)
	case ActionDownload:
		plan.Downloads = append(plan.Downloads, a)
	case ActionDeleteLocal:
		plan.LocalDeletes = append(plan.LocalDeletes, a)
	case ActionDeleteRemote:
		plan.RemoteDeletes = append(plan.RemoteDeletes, a)
	case ActionRefreshState, ActionDropState:
		plan.StateRefreshes = append(plan.StateRefreshes, a)
	case ActionConflict:
		plan.Conflicts = append(plan.Conflicts, a)
	}
}

// orderPlan sorts every bucket into its execution order: folder creates
// shallowest first so parents exist before children, deletes with files
// before folders and folders deepest first so directories empty out
// before they are removed, everything else by path for determinism.
func (r *Reconciler) orderPlan(plan *SyncPlan) {
	sort.SliceStable(plan.FolderCreates, func(i, j int) bool {
		di, dj := pathDepth(plan.FolderCreates[i].Path), pathDepth(plan.FolderCreates[j].Path)
		if di != dj {
			return di < dj
		}

		return plan.FolderCreates[i].Path < plan.FolderCreates[j].Path
	})

	byPath := func(actions []Action) func(int, int) bool {
		return func(i, j int) bool { return actions[i].Path < actions[j].Path }
	}

	sort.SliceStable(plan.Moves, byPath(plan.Moves))
	sort.SliceStable(plan.Uploads, byPath(plan.Uploads))
	sort.SliceStable(plan.Downloads, byPath(plan.Downloads))
	sort.SliceStable(plan.StateRefreshes, byPath(plan.StateRefreshes))
	sort.SliceStable(plan.Conflicts, byPath(plan.Conflicts))

	orderDeletes(plan.LocalDeletes)
	orderDeletes(plan.RemoteDeletes)
}

// orderDeletes puts files before folders, folders deepest first.
func orderDeletes(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		fi, fj := deleteIsFolder(&actions[i]), deleteIsFolder(&actions[j])
		if fi != fj {
			return !fi // files first
		}

		if fi {
			di, dj := pathDepth(actions[i].Path), pathDepth(actions[j].Path)
			if di != dj {
				return di > dj // deepest folders first
			}
		}

		return actions[i].Path < actions[j].Path
	})
}

func deleteIsFolder(a *Action) bool {
	switch {
	case a.Local != nil:
		return a.Local.IsFolder()
	case a.Remote != nil:
		return a.Remote.IsFolder()
	case a.State != nil:
		return a.State.IsFolder()
	default:
		return false
	}
}

// pathDistance counts the tree hops between two relative paths: the
// segments of both minus twice their common prefix. Renames within one
// directory score lowest.
func pathDistance(a, b string) int {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")

	common := 0
	for common < len(as)-1 && common < len(bs)-1 && as[common] == bs[common] {
		common++
	}

	return (len(as) - common) + (len(bs) - common)
}
