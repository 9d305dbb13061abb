package sync

import (
	"context"
	"crypto/md5" //nolint:gosec // Drive's content checksum is MD5
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/drivesync/drivesync/internal/config"
)

// LocalScanner walks the sync root and produces a Tree snapshot of
// regular files and directories. Symlinks, sockets, devices, and FIFOs
// are skipped, as are the engine's own state directory, the configured
// skip lists, and anything the ignore matcher excludes.
//
// Checksums are not computed during the walk. Each file entry carries a
// thunk; the Reconciler triggers it only for files whose size or mtime
// no longer matches the recorded state.
type LocalScanner struct {
	root      string
	ignore    *IgnoreMatcher
	skipFiles []string
	skipDirs  []string
	logger    *slog.Logger
}

// NewLocalScanner builds a scanner rooted at the absolute sync root.
func NewLocalScanner(root string, ignore *IgnoreMatcher, filter config.FilterConfig, logger *slog.Logger) *LocalScanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalScanner{
		root:      root,
		ignore:    ignore,
		skipFiles: filter.SkipFiles,
		skipDirs:  filter.SkipDirs,
		logger:    logger,
	}
}

// Scan walks the tree under scope ("" for the whole root). The scope
// root being unreadable is fatal; unreadable subdirectories are logged
// and skipped. A scope directory that does not exist locally yields an
// empty tree, since the remote side may be about to supply it.
func (s *LocalScanner) Scan(ctx context.Context, scope string) (*Tree, error) {
	tree := NewTree()

	start := s.root
	if scope != "" {
		start = filepath.Join(s.root, filepath.FromSlash(scope))

		info, err := os.Lstat(start)
		if os.IsNotExist(err) {
			s.logger.Debug("scope directory missing locally", slog.String("scope", scope))

			return tree, nil
		}

		if err != nil {
			return nil, fmt.Errorf("scanning sync scope %s: %w", scope, err)
		}

		if info.IsDir() {
			tree.Add(&TreeEntry{
				Path:   norm.NFC.String(scope),
				Name:   filepath.Base(start),
				Type:   ItemTypeFolder,
				Mtime:  info.ModTime(),
				OSPath: scope,
			})
		}
	}

	if err := s.walkDir(ctx, tree, scope, scope); err != nil {
		return nil, err
	}

	s.logger.Debug("local scan complete",
		slog.String("scope", scope),
		slog.Int("entries", tree.Len()),
	)

	return tree, nil
}

// walkDir enumerates one directory. osRel is the on-disk relative path,
// rel the normalized one; both are "" at the root.
func (s *LocalScanner) walkDir(ctx context.Context, tree *Tree, osRel, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	abs := s.root
	if osRel != "" {
		abs = filepath.Join(s.root, filepath.FromSlash(osRel))
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if osRel == "" {
			return fmt.Errorf("scanning sync root %s: %w", s.root, err)
		}

		s.logger.Warn("skipping unreadable directory",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return nil
	}

	for _, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.processEntry(ctx, tree, osRel, rel, de); err != nil {
			return err
		}
	}

	return nil
}

// processEntry classifies one directory entry and either records it,
// recurses into it, or skips it.
func (s *LocalScanner) processEntry(ctx context.Context, tree *Tree, osParent, parent string, de fs.DirEntry) error {
	name := de.Name()
	if name == stateDirName {
		return nil
	}

	osRel := joinRelPath(osParent, name)
	rel := joinRelPath(parent, norm.NFC.String(name))

	switch {
	case de.Type()&fs.ModeSymlink != 0:
		s.logger.Debug("skipping symlink", slog.String("path", rel))

		return nil

	case de.IsDir():
		return s.processDir(ctx, tree, de, osRel, rel)

	case !de.Type().IsRegular():
		s.logger.Debug("skipping special file", slog.String("path", rel))

		return nil

	default:
		s.processFile(tree, de, osRel, rel)

		return nil
	}
}

func (s *LocalScanner) processDir(ctx context.Context, tree *Tree, de fs.DirEntry, osRel, rel string) error {
	if matchAnyBase(s.skipDirs, de.Name()) {
		s.logger.Debug("skipping directory by config pattern", slog.String("path", rel))

		return nil
	}

	if s.ignore.Matches(rel) {
		s.logger.Debug("skipping ignored directory", slog.String("path", rel))

		return nil
	}

	info, err := de.Info()
	if err != nil {
		s.logger.Warn("skipping unreadable directory entry",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return nil
	}

	tree.Add(&TreeEntry{
		Path:   rel,
		Name:   de.Name(),
		Type:   ItemTypeFolder,
		Mtime:  info.ModTime(),
		OSPath: osRel,
	})

	return s.walkDir(ctx, tree, osRel, rel)
}

func (s *LocalScanner) processFile(tree *Tree, de fs.DirEntry, osRel, rel string) {
	// Leftovers from a crashed download must never be treated as user
	// files, or the next run would upload them.
	if strings.HasSuffix(de.Name(), partialSuffix) {
		s.logger.Debug("skipping stale partial download", slog.String("path", rel))

		return
	}

	if matchAnyBase(s.skipFiles, de.Name()) {
		s.logger.Debug("skipping file by config pattern", slog.String("path", rel))

		return
	}

	if s.ignore.Matches(rel) {
		s.logger.Debug("skipping ignored file", slog.String("path", rel))

		return
	}

	info, err := de.Info()
	if err != nil {
		s.logger.Warn("skipping unreadable file",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return
	}

	abs := filepath.Join(s.root, filepath.FromSlash(osRel))

	tree.Add(&TreeEntry{
		Path:   rel,
		Name:   de.Name(),
		Type:   ItemTypeFile,
		Size:   info.Size(),
		Mtime:  info.ModTime(),
		OSPath: osRel,
		hashFn: func() (string, error) { return fileMD5(abs) },
	})
}

// fileMD5 streams a file through MD5 and returns the lowercase hex sum.
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // content checksum, not crypto
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// joinRelPath joins a parent relative path and a child name with a
// forward slash, handling the empty-parent root case.
func joinRelPath(parent, child string) string {
	if parent == "" {
		return child
	}

	return parent + "/" + child
}
