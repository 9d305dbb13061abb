package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/config"
)

func newTestLocalScanner(t *testing.T, root string, ignoreLines []string) *LocalScanner {
	t.Helper()

	return NewLocalScanner(root, NewIgnoreMatcher(ignoreLines, testLogger()), config.FilterConfig{}, testLogger())
}

func TestLocalScanner_Walk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	writeLocalFile(t, root, "top.txt", "hello", mtime)
	writeLocalFile(t, root, "docs/a.txt", "aaa", mtime)
	writeLocalFile(t, root, "docs/sub/deep.txt", "deep", mtime)

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"docs", "docs/a.txt", "docs/sub", "docs/sub/deep.txt", "top.txt"}, tree.Paths())

	top := tree.Get("top.txt")
	require.NotNil(t, top)
	assert.Equal(t, ItemTypeFile, top.Type)
	assert.Equal(t, int64(5), top.Size)
	assert.Equal(t, mtime.Unix(), top.Mtime.Unix())
	assert.Equal(t, "top.txt", top.OSPath)

	docs := tree.Get("docs")
	require.NotNil(t, docs)
	assert.True(t, docs.IsFolder())
}

func TestLocalScanner_LazyChecksum(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, "a.txt", "content", time.Now())

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	e := tree.Get("a.txt")
	require.NotNil(t, e)

	sum, err := e.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, md5hex("content"), sum)

	// The thunk result is cached: changing the file afterwards must not
	// change the already-computed hash.
	writeLocalFile(t, root, "a.txt", "different", time.Now())

	again, err := e.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, sum, again)
}

func TestLocalScanner_SkipsStateDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, ".drivesync/state.db", "not a real db", time.Now())
	writeLocalFile(t, root, ".drivesync/trash/old/file.txt", "trashed", time.Now())
	writeLocalFile(t, root, "real.txt", "x", time.Now())

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"real.txt"}, tree.Paths())
}

func TestLocalScanner_SkipsPartialDownloads(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, "movie.mp4.partial", "half a movie", time.Now())
	writeLocalFile(t, root, "movie.mp4", "whole movie", time.Now())

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"movie.mp4"}, tree.Paths())
}

func TestLocalScanner_SkipsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, "target.txt", "x", time.Now())
	require.NoError(t, os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "link.txt")))

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Nil(t, tree.Get("link.txt"))
	assert.NotNil(t, tree.Get("target.txt"))
}

func TestLocalScanner_IgnoreRules(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, "keep.log", "k", time.Now())
	writeLocalFile(t, root, "drop.log", "d", time.Now())
	writeLocalFile(t, root, "build/out.bin", "b", time.Now())
	writeLocalFile(t, root, "src/main.go", "m", time.Now())

	tree, err := newTestLocalScanner(t, root, []string{"*.log", "!keep.log", "build"}).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.NotNil(t, tree.Get("keep.log"))
	assert.Nil(t, tree.Get("drop.log"))
	assert.Nil(t, tree.Get("build"), "ignored directory must be pruned")
	assert.Nil(t, tree.Get("build/out.bin"))
	assert.NotNil(t, tree.Get("src/main.go"))
}

func TestLocalScanner_ConfigSkipPatterns(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, "file.swp", "swap", time.Now())
	writeLocalFile(t, root, ".Trash-1000/files/x", "t", time.Now())
	writeLocalFile(t, root, "real.txt", "r", time.Now())

	scanner := NewLocalScanner(root, NewIgnoreMatcher(nil, testLogger()), config.FilterConfig{
		SkipFiles: []string{"*.swp"},
		SkipDirs:  []string{".Trash-*"},
	}, testLogger())

	tree, err := scanner.Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"real.txt"}, tree.Paths())
}

func TestLocalScanner_Scope(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeLocalFile(t, root, "outside.txt", "o", time.Now())
	writeLocalFile(t, root, "sub/inside.txt", "i", time.Now())

	t.Run("existing scope", func(t *testing.T) {
		t.Parallel()

		tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "sub")
		require.NoError(t, err)

		assert.Equal(t, []string{"sub", "sub/inside.txt"}, tree.Paths())
	})

	t.Run("missing scope yields empty tree", func(t *testing.T) {
		t.Parallel()

		tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "no-such-dir")
		require.NoError(t, err)

		assert.Equal(t, 0, tree.Len())
	})
}

func TestLocalScanner_RootUnreadableIsFatal(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "never-created")

	_, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning sync root")
}

func TestLocalScanner_UnreadableSubdirSkipped(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	root := t.TempDir()
	writeLocalFile(t, root, "ok.txt", "x", time.Now())
	writeLocalFile(t, root, "locked/secret.txt", "s", time.Now())
	require.NoError(t, os.Chmod(filepath.Join(root, "locked"), 0o000))

	t.Cleanup(func() { os.Chmod(filepath.Join(root, "locked"), 0o755) }) //nolint:errcheck // best-effort

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.NotNil(t, tree.Get("ok.txt"))
	assert.NotNil(t, tree.Get("locked"), "the directory itself is visible")
	assert.Nil(t, tree.Get("locked/secret.txt"), "children of unreadable dirs are skipped")
}

func TestLocalScanner_NormalizesToNFC(t *testing.T) {
	t.Parallel()

	// "é" as base letter plus combining acute (NFD), as APFS stores it.
	const nfdName = "café.txt"

	const nfcName = "café.txt"

	root := t.TempDir()
	writeLocalFile(t, root, nfdName, "coffee", time.Now())

	tree, err := newTestLocalScanner(t, root, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	e := tree.Get(nfcName)
	require.NotNil(t, e, "tree key must be NFC")
	assert.Equal(t, nfdName, e.OSPath, "disk path keeps the original form")
}
