package sync

import (
	"log/slog"
)

// Move detection runs before per-path classification. A file that
// vanished from one side while an identical file appeared at another
// path is a rename, not an independent delete+create; planning it as a
// Move preserves remote revision history and costs no transfer.
//
// Pairing is exact: checksum and size must both match, one candidate
// consumes at most one counterpart. When several pairings are equally
// valid, the closest path wins (fewest tree hops between old and new
// location), then lexicographic order, so planning is deterministic.

// moveKey is the exact-match pairing key.
type moveKey struct {
	checksum string
	size     int64
}

// detectLocalMoves pairs new local files with tracked files that
// vanished locally but still sit unchanged on the remote. Each pair
// becomes a remote-side Move; both paths are consumed from views.
func (r *Reconciler) detectLocalMoves(views map[string]*PathView, plan *SyncPlan) {
	gone := make(map[moveKey][]string)
	sizes := make(map[int64]bool)

	for _, path := range sortedViewPaths(views) {
		v := views[path]
		if v.Local != nil || v.State == nil || v.State.IsFolder() {
			continue
		}

		// The remote file must still match the old state, otherwise
		// moving it would drag along an unseen remote edit.
		if v.Remote == nil || v.Remote.IsFolder() || remoteFileChanged(v) {
			continue
		}

		key := moveKey{checksum: v.State.Checksum, size: v.State.Size}
		gone[key] = append(gone[key], path)
		sizes[v.State.Size] = true
	}

	if len(gone) == 0 {
		return
	}

	for _, path := range sortedViewPaths(views) {
		v := views[path]
		if v.Local == nil || v.Local.IsFolder() || v.State != nil || v.Remote != nil {
			continue
		}

		// Hash only when some vanished file has the same size; pairing
		// cannot succeed otherwise.
		if !sizes[v.Local.Size] {
			continue
		}

		sum, err := v.Local.ContentHash()
		if err != nil {
			r.logHashFailure(path, err)

			continue
		}

		key := moveKey{checksum: sum, size: v.Local.Size}

		from, ok := takeClosest(gone, key, path)
		if !ok {
			continue
		}

		fromView := views[from]

		r.logger.Debug("detected local rename",
			slog.String("from", from),
			slog.String("to", path),
		)

		appendAction(plan, Action{
			Type:     ActionMoveRemote,
			Path:     path,
			From:     from,
			Local:    v.Local,
			Remote:   fromView.Remote,
			State:    fromView.State,
			Checksum: sum,
		})

		delete(views, path)
		delete(views, from)
	}
}

// detectRemoteMoves pairs new remote files with tracked files that
// vanished remotely but still sit unchanged on disk. Each pair becomes
// a local rename.
func (r *Reconciler) detectRemoteMoves(views map[string]*PathView, plan *SyncPlan) {
	gone := make(map[moveKey][]string)

	for _, path := range sortedViewPaths(views) {
		v := views[path]
		if v.Remote != nil || v.State == nil || v.State.IsFolder() || v.Local == nil || v.Local.IsFolder() {
			continue
		}

		changed, _, _, err := r.localFileChanged(v)
		if err != nil {
			r.logHashFailure(path, err)

			continue
		}

		if changed {
			// The local copy drifted from the old state; renaming it
			// to the new remote location would smuggle the edit along.
			continue
		}

		key := moveKey{checksum: v.State.Checksum, size: v.State.Size}
		gone[key] = append(gone[key], path)
	}

	if len(gone) == 0 {
		return
	}

	for _, path := range sortedViewPaths(views) {
		v := views[path]
		if v.Remote == nil || v.Remote.IsFolder() || v.State != nil || v.Local != nil {
			continue
		}

		sum, _ := v.Remote.ContentHash()
		key := moveKey{checksum: sum, size: v.Remote.Size}

		from, ok := takeClosest(gone, key, path)
		if !ok {
			continue
		}

		fromView := views[from]

		r.logger.Debug("detected remote rename",
			slog.String("from", from),
			slog.String("to", path),
		)

		appendAction(plan, Action{
			Type:     ActionMoveLocal,
			Path:     path,
			From:     from,
			Local:    fromView.Local,
			Remote:   v.Remote,
			State:    fromView.State,
			Checksum: sum,
		})

		delete(views, path)
		delete(views, from)
	}
}

// takeClosest removes and returns the candidate for key closest to
// target: fewest path hops, ties broken lexicographically.
func takeClosest(gone map[moveKey][]string, key moveKey, target string) (string, bool) {
	candidates := gone[key]
	if len(candidates) == 0 {
		return "", false
	}

	best := 0
	bestDist := pathDistance(candidates[0], target)

	for i := 1; i < len(candidates); i++ {
		d := pathDistance(candidates[i], target)
		if d < bestDist || (d == bestDist && candidates[i] < candidates[best]) {
			best = i
			bestDist = d
		}
	}

	chosen := candidates[best]
	gone[key] = append(candidates[:best], candidates[best+1:]...)

	if len(gone[key]) == 0 {
		delete(gone, key)
	}

	return chosen, true
}
