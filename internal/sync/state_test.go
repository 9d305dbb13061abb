package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, root string) *StateStore {
	t.Helper()

	s, err := OpenStateStore(t.Context(), StatePath(root), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStatePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, filepath.Join("/sync", ".drivesync", "state.db"), StatePath("/sync"))
}

func TestStateStore_OpenEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())

	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Get("anything"))
}

func TestStateStore_SaveAndReload(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s := openTestStore(t, root)
	s.Put(&StateEntry{
		Path:     "docs/a.txt",
		Type:     ItemTypeFile,
		Checksum: md5hex("hello"),
		Size:     5,
		Mtime:    1700000000,
		RemoteID: "id-1",
		Revision: "rev-1",
	})
	s.Put(&StateEntry{Path: "docs", Type: ItemTypeFolder, RemoteID: "id-0"})

	require.NoError(t, s.Save(t.Context()))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, root)
	assert.Equal(t, 2, reopened.Len())

	e := reopened.Get("docs/a.txt")
	require.NotNil(t, e)
	assert.Equal(t, ItemTypeFile, e.Type)
	assert.Equal(t, md5hex("hello"), e.Checksum)
	assert.Equal(t, int64(5), e.Size)
	assert.Equal(t, int64(1700000000), e.Mtime)
	assert.Equal(t, "id-1", e.RemoteID)
	assert.Equal(t, "rev-1", e.Revision)

	folder := reopened.Get("docs")
	require.NotNil(t, folder)
	assert.True(t, folder.IsFolder())
}

func TestStateStore_UnsavedChangesDiscarded(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s := openTestStore(t, root)
	s.Put(&StateEntry{Path: "kept.txt", Type: ItemTypeFile})
	require.NoError(t, s.Save(t.Context()))

	// Mutations after the save must not survive a close without save,
	// mirroring how a dry run leaves the database untouched.
	s.Put(&StateEntry{Path: "discarded.txt", Type: ItemTypeFile})
	s.Delete("kept.txt")
	require.NoError(t, s.Close())

	reopened := openTestStore(t, root)
	assert.Equal(t, 1, reopened.Len())
	assert.NotNil(t, reopened.Get("kept.txt"))
	assert.Nil(t, reopened.Get("discarded.txt"))
}

func TestStateStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	s.Put(&StateEntry{Path: "a.txt", Type: ItemTypeFile, Checksum: "abc"})

	e := s.Get("a.txt")
	e.Checksum = "mutated"

	assert.Equal(t, "abc", s.Get("a.txt").Checksum)
}

func TestStateStore_Rename(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	s.Put(&StateEntry{Path: "old/name.txt", Type: ItemTypeFile, Checksum: "abc", RemoteID: "id-9"})

	s.Rename("old/name.txt", "new/name.txt")

	assert.Nil(t, s.Get("old/name.txt"))

	moved := s.Get("new/name.txt")
	require.NotNil(t, moved)
	assert.Equal(t, "new/name.txt", moved.Path)
	assert.Equal(t, "abc", moved.Checksum)
	assert.Equal(t, "id-9", moved.RemoteID)

	// Renaming an untracked path is a no-op.
	s.Rename("ghost.txt", "still-ghost.txt")
	assert.Nil(t, s.Get("still-ghost.txt"))
}

func TestStateStore_Delete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	s.Put(&StateEntry{Path: "a.txt", Type: ItemTypeFile})

	s.Delete("a.txt")
	s.Delete("never-existed.txt")

	assert.Equal(t, 0, s.Len())
}

func TestStateStore_EntriesSorted(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, t.TempDir())
	s.Put(&StateEntry{Path: "b.txt", Type: ItemTypeFile})
	s.Put(&StateEntry{Path: "a.txt", Type: ItemTypeFile})
	s.Put(&StateEntry{Path: "a/c.txt", Type: ItemTypeFile})

	var paths []string
	for _, e := range s.Entries() {
		paths = append(paths, e.Path)
	}

	assert.Equal(t, []string{"a.txt", "a/c.txt", "b.txt"}, paths)
}

func TestStateStore_SaveIsReplacement(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s := openTestStore(t, root)
	s.Put(&StateEntry{Path: "a.txt", Type: ItemTypeFile})
	s.Put(&StateEntry{Path: "b.txt", Type: ItemTypeFile})
	require.NoError(t, s.Save(t.Context()))

	s.Delete("a.txt")
	require.NoError(t, s.Save(t.Context()))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, root)
	assert.Equal(t, 1, reopened.Len())
	assert.Nil(t, reopened.Get("a.txt"))
	assert.NotNil(t, reopened.Get("b.txt"))
}

func TestStateStore_ConflictsPersist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s := openTestStore(t, root)
	s.SetConflicts([]ConflictRecord{
		{Path: "z.txt", Reason: "modified on both sides", DetectedAt: 1700000000},
		{Path: "a.txt", Reason: "file replaced by folder", DetectedAt: 1700000000},
	})
	require.NoError(t, s.Save(t.Context()))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, root)
	got := reopened.Conflicts()
	require.Len(t, got, 2)
	assert.Equal(t, "a.txt", got[0].Path)
	assert.Equal(t, "file replaced by folder", got[0].Reason)
	assert.Equal(t, "z.txt", got[1].Path)
	assert.Equal(t, int64(1700000000), got[1].DetectedAt)
}

func TestStateStore_ConflictsClearedOnCleanRun(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s := openTestStore(t, root)
	s.SetConflicts([]ConflictRecord{{Path: "a.txt", Reason: "modified on both sides"}})
	require.NoError(t, s.Save(t.Context()))

	s.SetConflicts(nil)
	require.NoError(t, s.Save(t.Context()))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, root)
	assert.Empty(t, reopened.Conflicts())
}
