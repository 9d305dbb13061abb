package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/drive"
)

func newTestRemoteScanner(client TreeLister, ignoreLines []string) *RemoteScanner {
	return NewRemoteScanner(client, NewIgnoreMatcher(ignoreLines, testLogger()), config.FilterConfig{}, testLogger())
}

func TestRemoteScanner_BuildsTree(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	docs := fake.addFolder(fake.rootID, "docs")
	a := fake.addFile(docs.ID, "a.txt", "aaa", mtime)
	fake.addFile(fake.rootID, "top.txt", "top", mtime)

	tree, rootID, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, fake.rootID, rootID)
	assert.Equal(t, []string{"docs", "docs/a.txt", "top.txt"}, tree.Paths())

	folder := tree.Get("docs")
	require.NotNil(t, folder)
	assert.True(t, folder.IsFolder())
	assert.Equal(t, docs.ID, folder.RemoteID)

	file := tree.Get("docs/a.txt")
	require.NotNil(t, file)
	assert.Equal(t, a.ID, file.RemoteID)
	assert.Equal(t, docs.ID, file.ParentID)
	assert.Equal(t, int64(3), file.Size)
	assert.Equal(t, a.HeadRevision, file.Revision)

	sum, err := file.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, md5hex("aaa"), sum)
}

func TestRemoteScanner_SkipsTrashed(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	f := fake.addFile(fake.rootID, "gone.txt", "x", time.Now())
	f.Trashed = true
	fake.addFile(fake.rootID, "here.txt", "y", time.Now())

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"here.txt"}, tree.Paths())
}

func TestRemoteScanner_SkipsGoogleNativeDocs(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	fake.addFile(fake.rootID, "real.bin", "data", time.Now())

	// Google-native documents have no md5Checksum: nothing to download.
	doc := &drive.File{
		ID:       "gdoc-1",
		Name:     "notes",
		MimeType: "application/vnd.google-apps.document",
		ParentID: fake.rootID,
	}
	fake.files[doc.ID] = doc

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"real.bin"}, tree.Paths())
}

func TestRemoteScanner_SkipsPartialArtifacts(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	fake.addFile(fake.rootID, "movie.mp4.partial", "half", time.Now())
	fake.addFile(fake.rootID, "movie.mp4", "whole", time.Now())

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"movie.mp4"}, tree.Paths())
}

func TestRemoteScanner_SkipsOrphans(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	fake.addFile(fake.rootID, "rooted.txt", "r", time.Now())
	fake.addFile("shared-folder-not-in-listing", "orphan.txt", "o", time.Now())

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"rooted.txt"}, tree.Paths())
}

func TestRemoteScanner_DuplicateNamesKeepFirst(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	first := fake.addFile(fake.rootID, "dup.txt", "one", time.Now())
	fake.addFile(fake.rootID, "dup.txt", "two", time.Now())

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	e := tree.Get("dup.txt")
	require.NotNil(t, e)
	assert.Equal(t, first.ID, e.RemoteID, "lower ID wins deterministically")
}

func TestRemoteScanner_IgnoreAndSkipPatterns(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	fake.addFile(fake.rootID, "keep.log", "k", time.Now())
	fake.addFile(fake.rootID, "drop.log", "d", time.Now())
	build := fake.addFolder(fake.rootID, "build")
	fake.addFile(build.ID, "out.bin", "b", time.Now())
	fake.addFile(fake.rootID, "swap.swp", "s", time.Now())

	scanner := NewRemoteScanner(fake,
		NewIgnoreMatcher([]string{"*.log", "!keep.log", "build"}, testLogger()),
		config.FilterConfig{SkipFiles: []string{"*.swp"}},
		testLogger())

	tree, _, err := scanner.Scan(t.Context(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"keep.log"}, tree.Paths())
}

func TestRemoteScanner_Scope(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	docs := fake.addFolder(fake.rootID, "docs")
	fake.addFile(docs.ID, "in.txt", "i", time.Now())
	fake.addFile(fake.rootID, "out.txt", "o", time.Now())

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "docs")
	require.NoError(t, err)

	assert.Equal(t, []string{"docs", "docs/in.txt"}, tree.Paths())
}

func TestRemoteScanner_ListFailureIsFatal(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	fake.listErr = errors.New("backend unavailable")

	_, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing remote tree")
}

func TestRemoteScanner_NormalizesToNFC(t *testing.T) {
	t.Parallel()

	fake := newFakeDrive()
	fake.addFile(fake.rootID, "café.txt", "coffee", time.Now())

	tree, _, err := newTestRemoteScanner(fake, nil).Scan(t.Context(), "")
	require.NoError(t, err)

	assert.NotNil(t, tree.Get("café.txt"))
}
