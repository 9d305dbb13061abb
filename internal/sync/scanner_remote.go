package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/drive"
)

// RemoteScanner materializes the Drive file listing into a Tree
// snapshot. The API returns a flat list with parent references; the
// scanner resolves paths by walking parent links down from the root
// folder. Trashed items, Google-native documents (no binary content,
// nothing to sync), and items not reachable from the root (shared
// items without a parent chain) are left out.
//
// A listing failure is fatal for the whole run: planning deletions
// against an incomplete remote view could trash files that still exist.
type RemoteScanner struct {
	client    TreeLister
	ignore    *IgnoreMatcher
	skipFiles []string
	skipDirs  []string
	logger    *slog.Logger
}

// NewRemoteScanner builds a scanner over the given remote client.
func NewRemoteScanner(client TreeLister, ignore *IgnoreMatcher, filter config.FilterConfig, logger *slog.Logger) *RemoteScanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteScanner{
		client:    client,
		ignore:    ignore,
		skipFiles: filter.SkipFiles,
		skipDirs:  filter.SkipDirs,
		logger:    logger,
	}
}

// Scan lists the remote drive and returns the tree under scope (""
// for everything) along with the root folder ID, which later phases
// need as the parent for top-level creates.
func (s *RemoteScanner) Scan(ctx context.Context, scope string) (*Tree, string, error) {
	about, err := s.client.About(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("querying drive metadata: %w", err)
	}

	files, err := s.client.ListAll(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("listing remote tree: %w", err)
	}

	tree := s.buildTree(files, about.RootFolderID, scope)

	s.logger.Debug("remote scan complete",
		slog.String("scope", scope),
		slog.Int("listed", len(files)),
		slog.Int("entries", tree.Len()),
	)

	return tree, about.RootFolderID, nil
}

// buildTree resolves the flat listing into path-keyed entries.
func (s *RemoteScanner) buildTree(files []drive.File, rootID, scope string) *Tree {
	byParent := make(map[string][]drive.File)

	for _, f := range files {
		if f.Trashed {
			continue
		}

		if !f.IsFolder() && f.MD5 == "" {
			s.logger.Debug("skipping remote item without binary content",
				slog.String("name", f.Name),
				slog.String("mime_type", f.MimeType),
			)

			continue
		}

		byParent[f.ParentID] = append(byParent[f.ParentID], f)
	}

	// Deterministic sibling order so duplicate-name resolution is stable
	// across runs.
	for _, siblings := range byParent {
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].Name != siblings[j].Name {
				return siblings[i].Name < siblings[j].Name
			}

			return siblings[i].ID < siblings[j].ID
		})
	}

	tree := NewTree()
	visited := make(map[string]bool)
	s.addChildren(tree, byParent, visited, rootID, "", scope)

	return tree
}

// addChildren records the children of one folder and recurses into
// subfolders. visited guards against malformed parent links forming a
// cycle.
func (s *RemoteScanner) addChildren(
	tree *Tree, byParent map[string][]drive.File, visited map[string]bool, parentID, parentPath, scope string,
) {
	if visited[parentID] {
		s.logger.Warn("remote folder cycle detected, skipping", slog.String("folder_id", parentID))

		return
	}

	visited[parentID] = true

	for i := range byParent[parentID] {
		f := &byParent[parentID][i]

		rel := joinRelPath(parentPath, norm.NFC.String(f.Name))
		if tree.Get(rel) != nil {
			s.logger.Warn("duplicate remote name, keeping first",
				slog.String("path", rel),
				slog.String("dropped_id", f.ID),
			)

			continue
		}

		if s.skipRemote(f, rel) {
			continue
		}

		if underScope(rel, scope) {
			tree.Add(remoteEntry(f, rel))
		}

		if f.IsFolder() {
			s.addChildren(tree, byParent, visited, f.ID, rel, scope)
		}
	}
}

// skipRemote applies the configured skip lists and the ignore matcher.
// Partial-download artifacts are excluded on both sides; the local
// scanner never reports them, so downloading one here would plan its
// remote deletion a run later.
func (s *RemoteScanner) skipRemote(f *drive.File, rel string) bool {
	if !f.IsFolder() && strings.HasSuffix(f.Name, partialSuffix) {
		s.logger.Debug("skipping remote partial artifact", slog.String("path", rel))

		return true
	}

	if f.IsFolder() && matchAnyBase(s.skipDirs, f.Name) {
		s.logger.Debug("skipping remote directory by config pattern", slog.String("path", rel))

		return true
	}

	if !f.IsFolder() && matchAnyBase(s.skipFiles, f.Name) {
		s.logger.Debug("skipping remote file by config pattern", slog.String("path", rel))

		return true
	}

	if s.ignore.Matches(rel) {
		s.logger.Debug("skipping ignored remote path", slog.String("path", rel))

		return true
	}

	return false
}

// remoteEntry converts one listed file into a tree entry at rel.
func remoteEntry(f *drive.File, rel string) *TreeEntry {
	e := &TreeEntry{
		Path:     rel,
		Name:     f.Name,
		Type:     ItemTypeFile,
		Size:     f.Size,
		Mtime:    f.ModifiedAt,
		RemoteID: f.ID,
		ParentID: f.ParentID,
		Revision: f.HeadRevision,
	}

	if f.IsFolder() {
		e.Type = ItemTypeFolder
	} else {
		e.SetChecksum(f.MD5)
	}

	return e
}
