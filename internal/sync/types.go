// Package sync implements the drivesync engine: local and remote tree
// scanning, three-way reconciliation against the state recorded by the
// last successful run, and ordered plan execution.
//
// The pipeline, in order:
//   - IgnoreMatcher filters paths on both sides.
//   - LocalScanner and RemoteScanner produce Tree snapshots.
//   - StateStore supplies the last-synced view of every tracked path.
//   - Reconciler turns the three views into an ordered SyncPlan.
//   - Executor applies the plan and mutates the StateStore as actions
//     complete; the store is persisted once at the end of the run.
package sync

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/drivesync/drivesync/internal/drive"
)

// ItemType distinguishes files from folders in trees and state entries.
type ItemType string

// Item types.
const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
)

// TreeEntry is one object in a local or remote tree snapshot. Path is
// slash-separated, relative to the sync root, and NFC-normalized so the
// same name observed on APFS and on Drive compares equal. Name keeps the
// base name exactly as the source reported it; local filesystem I/O must
// go through Name, not the normalized path.
type TreeEntry struct {
	Path  string
	Name  string
	Type  ItemType
	Size  int64
	Mtime time.Time

	// OSPath is the relative path exactly as it exists on disk,
	// un-normalized. Local filesystem access must join the sync root
	// with OSPath; Path may differ on filesystems that store NFD.
	// Empty for remote entries.
	OSPath string

	// Remote-only metadata.
	RemoteID string
	ParentID string
	Revision string

	// Content checksum (MD5, lowercase hex). Remote entries carry the
	// value reported by the API. Local entries compute it on first use
	// via the thunk installed by the scanner.
	checksum string
	hashFn   func() (string, error)
	hashed   bool
	hashErr  error
}

// IsFolder reports whether the entry is a folder.
func (e *TreeEntry) IsFolder() bool {
	return e.Type == ItemTypeFolder
}

// ContentHash returns the entry's MD5 checksum, computing and caching it
// on first call for local entries. Folders have no checksum. Not safe
// for concurrent use on the same entry; the planner resolves every hash
// it needs before execution starts.
func (e *TreeEntry) ContentHash() (string, error) {
	if e.hashed || e.hashFn == nil {
		return e.checksum, e.hashErr
	}

	e.checksum, e.hashErr = e.hashFn()
	e.hashed = true

	return e.checksum, e.hashErr
}

// SetChecksum records a known checksum, bypassing the hash thunk.
func (e *TreeEntry) SetChecksum(sum string) {
	e.checksum = sum
	e.hashed = true
	e.hashErr = nil
}

// Tree is one side's snapshot, keyed by normalized relative path.
type Tree struct {
	entries map[string]*TreeEntry
}

// NewTree returns an empty tree snapshot.
func NewTree() *Tree {
	return &Tree{entries: make(map[string]*TreeEntry)}
}

// Add inserts an entry, replacing any previous entry at the same path.
func (t *Tree) Add(e *TreeEntry) {
	t.entries[e.Path] = e
}

// Get returns the entry at path, or nil when the path is absent.
func (t *Tree) Get(path string) *TreeEntry {
	return t.entries[path]
}

// Len returns the number of entries in the snapshot.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Paths returns every path in the snapshot in lexicographic order.
func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// StateEntry is the persisted record of one path as of the end of the
// last successful sync. Mtime is the local modification time truncated
// to whole seconds; sub-second precision does not survive all
// filesystems, so comparisons never rely on it.
type StateEntry struct {
	Path     string
	Type     ItemType
	Checksum string
	Size     int64
	Mtime    int64
	RemoteID string
	Revision string
}

// IsFolder reports whether the entry records a folder.
func (s *StateEntry) IsFolder() bool {
	return s.Type == ItemTypeFolder
}

// ActionType identifies what an Action does when executed.
type ActionType int

// Action types, in rough execution order.
const (
	ActionCreateLocalFolder  ActionType = iota // mkdir under the sync root
	ActionCreateRemoteFolder                   // create a Drive folder
	ActionMoveLocal                            // rename a local file to follow a remote move
	ActionMoveRemote                           // move a Drive file to follow a local rename
	ActionUpload                               // send local content to Drive
	ActionDownload                             // fetch remote content to disk
	ActionDeleteLocal                          // move a local file to the trash directory
	ActionDeleteRemote                         // move a Drive file to the Drive trash
	ActionConflict                             // both sides changed; reported, never executed
	ActionRefreshState                         // record reconverged metadata, no transfer
	ActionDropState                            // forget a path gone from both sides
)

// String returns the action type as a short verb for logs and reports.
func (a ActionType) String() string {
	switch a {
	case ActionCreateLocalFolder:
		return "create_local_folder"
	case ActionCreateRemoteFolder:
		return "create_remote_folder"
	case ActionMoveLocal:
		return "move_local"
	case ActionMoveRemote:
		return "move_remote"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionDeleteLocal:
		return "delete_local"
	case ActionDeleteRemote:
		return "delete_remote"
	case ActionConflict:
		return "conflict"
	case ActionRefreshState:
		return "refresh_state"
	case ActionDropState:
		return "drop_state"
	default:
		return "unknown"
	}
}

// Action is one planned operation. Path is the path the action applies
// to; From is set only for moves and names the old path. Local, Remote,
// and State carry the views the Reconciler classified from, so the
// Executor never re-derives them. Checksum holds the local content hash
// when the planner already resolved it.
type Action struct {
	Type     ActionType
	Path     string
	From     string
	Local    *TreeEntry
	Remote   *TreeEntry
	State    *StateEntry
	Checksum string
	Reason   string
}

// SyncPlan is the ordered output of reconciliation. Buckets execute in
// field order: folder creates (shallowest first) guarantee parents exist
// before children, moves run before transfers so freed paths are not
// misread, and deletes run last (files before folders, folders deepest
// first). Conflicts are reported but never executed. StateRefreshes
// mutate only the state store.
type SyncPlan struct {
	// RunID tags every log line and record produced from this plan, so
	// one run's output can be pulled out of an interleaved log file.
	RunID string

	FolderCreates  []Action
	Moves          []Action
	Uploads        []Action
	Downloads      []Action
	LocalDeletes   []Action
	RemoteDeletes  []Action
	StateRefreshes []Action
	Conflicts      []Action
}

// TotalActions counts the actions that perform filesystem or remote
// work. State refreshes and conflicts are excluded.
func (p *SyncPlan) TotalActions() int {
	return len(p.FolderCreates) + len(p.Moves) +
		len(p.Uploads) + len(p.Downloads) +
		len(p.LocalDeletes) + len(p.RemoteDeletes)
}

// IsEmpty reports whether the plan contains nothing at all, including
// state-only maintenance and conflicts.
func (p *SyncPlan) IsEmpty() bool {
	return p.TotalActions() == 0 && len(p.StateRefreshes) == 0 && len(p.Conflicts) == 0
}

// Options carries the per-run toggles from the CLI into the Reconciler
// and Executor.
type Options struct {
	// Scope restricts the run to one subtree (slash-relative to the sync
	// root). Empty means the whole tree. State entries outside the scope
	// are never touched.
	Scope string

	// Force resolves every conflict by preferring the remote side.
	Force bool

	// UploadOnly suppresses downloads and local deletes; remote changes
	// are left for a later unrestricted run.
	UploadOnly bool

	// NoRemoteNew suppresses downloads of files that exist remotely but
	// have never been seen locally. Remote changes to already-synced
	// files still download.
	NoRemoteNew bool

	// NewRevision asks the API to keep the previous content as a named
	// revision when uploading over an existing file.
	NewRevision bool

	// DryRun plans and reports without executing or persisting anything.
	DryRun bool

	// UploadRate and DownloadRate cap transfer speed in bytes per
	// second. Zero falls back to the configured limits.
	UploadRate   int64
	DownloadRate int64

	// Progress enables per-transfer progress output on stderr.
	Progress bool
}

// ActionError records one failed action. Failures are isolated: the run
// continues and the path's state entry stays stale so the next run
// retries it.
type ActionError struct {
	Path string
	Type ActionType
	Err  error
}

// Report summarizes one engine run.
type Report struct {
	RunID    string
	DryRun   bool
	Duration time.Duration

	// Plan is the full plan the run was built from, kept so callers can
	// render what a dry run would have done.
	Plan *SyncPlan

	FoldersCreated int
	Moved          int
	Uploaded       int
	Downloaded     int
	LocalDeleted   int
	RemoteDeleted  int
	StateRefreshed int

	BytesUploaded   int64
	BytesDownloaded int64

	Conflicts []Action
	Errors    []ActionError
}

// Changed reports whether the run performed (or, on dry run, planned)
// any work beyond state maintenance.
func (r *Report) Changed() bool {
	return r.FoldersCreated+r.Moved+r.Uploaded+r.Downloaded+
		r.LocalDeleted+r.RemoteDeleted > 0
}

// TreeLister is the remote surface the RemoteScanner consumes.
type TreeLister interface {
	About(ctx context.Context) (*drive.About, error)
	ListAll(ctx context.Context) ([]drive.File, error)
}

// Transferer is the remote surface content transfers consume.
type Transferer interface {
	Download(ctx context.Context, fileID string, w io.Writer) (int64, error)
	InsertFile(ctx context.Context, parentID, name string, mtime time.Time, content io.Reader) (*drive.File, error)
	UpdateFile(ctx context.Context, fileID string, mtime time.Time, newRevision bool, content io.Reader) (*drive.File, error)
	CreateUploadSession(
		ctx context.Context, parentID, fileID, name string, mtime time.Time, size int64, newRevision bool,
	) (*drive.UploadSession, error)
	UploadChunk(
		ctx context.Context, session *drive.UploadSession, chunk io.Reader, offset, length, total int64,
	) (*drive.File, error)
}

// RemoteMutator is the remote surface structural changes consume.
type RemoteMutator interface {
	CreateFolder(ctx context.Context, parentID, name string) (*drive.File, error)
	Move(ctx context.Context, fileID, newParentID, newName string) (*drive.File, error)
	Trash(ctx context.Context, fileID string) error
}

// DriveClient is the full remote collaborator the engine drives.
// Consumers hold the narrowest of the three interfaces they need;
// accept interfaces, return structs.
type DriveClient interface {
	TreeLister
	Transferer
	RemoteMutator
}

var _ DriveClient = (*drive.Client)(nil)

// pathDepth returns 1 for a top-level name and one more per separator.
func pathDepth(path string) int {
	depth := 1
	for _, c := range path {
		if c == '/' {
			depth++
		}
	}

	return depth
}

// parentPath returns the parent of a slash-relative path, or "" for a
// top-level name.
func parentPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return ""
}

// baseName returns the final element of a slash-relative path.
func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}

	return path
}

// underScope reports whether path falls inside scope. An empty scope
// admits everything; the scope path itself is included.
func underScope(path, scope string) bool {
	if scope == "" {
		return true
	}

	if path == scope {
		return true
	}

	return len(path) > len(scope) && path[:len(scope)] == scope && path[len(scope)] == '/'
}
