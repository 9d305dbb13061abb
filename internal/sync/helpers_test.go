package sync

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // Drive's content checksum is MD5
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/drive"
)

// testLogger returns a debug-level logger writing to stderr so failing
// tests show the engine's decision trail.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// md5hex returns the lowercase hex MD5 of s, the same form the Drive
// API reports.
func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // content checksum, not crypto

	return hex.EncodeToString(sum[:])
}

// writeLocalFile creates rel under root (with parents) holding content,
// stamped with mtime.
func writeLocalFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
}

// fakeDrive is an in-memory DriveClient. Files live in maps keyed by ID;
// helper methods seed the remote tree and tests assert against the
// recorded call log.
type fakeDrive struct {
	mu      gosync.Mutex
	rootID  string
	files   map[string]*drive.File
	content map[string][]byte
	nextID  int
	nextRev int
	calls   []string

	listErr       error
	downloadErrID map[string]error
	uploadErrName map[string]error
	trashErrID    map[string]error

	sessions map[string]*fakeSession
}

type fakeSession struct {
	parentID string
	fileID   string
	name     string
	mtime    time.Time
	total    int64
	buf      bytes.Buffer
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		rootID:   "root",
		files:    make(map[string]*drive.File),
		content:  make(map[string][]byte),
		sessions: make(map[string]*fakeSession),
	}
}

func (f *fakeDrive) newID() string {
	f.nextID++

	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeDrive) newRev() string {
	f.nextRev++

	return fmt.Sprintf("rev-%d", f.nextRev)
}

func (f *fakeDrive) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded mutating operations in order.
func (f *fakeDrive) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeDrive) calledWithPrefix(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}

	return false
}

// addFolder seeds a remote folder and returns it.
func (f *fakeDrive) addFolder(parentID, name string) *drive.File {
	f.mu.Lock()
	defer f.mu.Unlock()

	file := &drive.File{
		ID:       f.newID(),
		Name:     name,
		MimeType: drive.MimeTypeFolder,
		ParentID: parentID,
	}
	f.files[file.ID] = file

	return file
}

// addFile seeds a remote file with content and returns it.
func (f *fakeDrive) addFile(parentID, name, content string, mtime time.Time) *drive.File {
	f.mu.Lock()
	defer f.mu.Unlock()

	file := &drive.File{
		ID:           f.newID(),
		Name:         name,
		MimeType:     "application/octet-stream",
		ParentID:     parentID,
		Size:         int64(len(content)),
		MD5:          md5hex(content),
		HeadRevision: f.newRev(),
		ModifiedAt:   mtime,
	}
	f.files[file.ID] = file
	f.content[file.ID] = []byte(content)

	return file
}

func (f *fakeDrive) fileByID(id string) *drive.File {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.files[id]
}

func (f *fakeDrive) About(context.Context) (*drive.About, error) {
	return &drive.About{RootFolderID: f.rootID, UserEmail: "tester@example.com"}, nil
}

func (f *fakeDrive) ListAll(context.Context) ([]drive.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	out := make([]drive.File, 0, len(f.files))
	for _, file := range f.files {
		out = append(out, *file)
	}

	return out, nil
}

func (f *fakeDrive) Download(_ context.Context, fileID string, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.content[fileID]
	err := f.downloadErrID[fileID]
	f.mu.Unlock()

	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, drive.ErrNotFound
	}

	n, werr := w.Write(data)

	return int64(n), werr
}

func (f *fakeDrive) InsertFile(
	_ context.Context, parentID, name string, mtime time.Time, content io.Reader,
) (*drive.File, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if uerr := f.uploadErrName[name]; uerr != nil {
		return nil, uerr
	}

	file := &drive.File{
		ID:           f.newID(),
		Name:         name,
		MimeType:     "application/octet-stream",
		ParentID:     parentID,
		Size:         int64(len(data)),
		MD5:          md5hex(string(data)),
		HeadRevision: f.newRev(),
		ModifiedAt:   mtime,
	}
	f.files[file.ID] = file
	f.content[file.ID] = data
	f.record("insert:%s/%s", parentID, name)

	return file, nil
}

func (f *fakeDrive) UpdateFile(
	_ context.Context, fileID string, mtime time.Time, newRevision bool, content io.Reader,
) (*drive.File, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok {
		return nil, drive.ErrNotFound
	}

	if uerr := f.uploadErrName[file.Name]; uerr != nil {
		return nil, uerr
	}

	file.Size = int64(len(data))
	file.MD5 = md5hex(string(data))
	file.HeadRevision = f.newRev()
	file.ModifiedAt = mtime
	f.content[fileID] = data
	f.record("update:%s:newrev=%t", fileID, newRevision)

	cp := *file

	return &cp, nil
}

func (f *fakeDrive) CreateUploadSession(
	_ context.Context, parentID, fileID, name string, mtime time.Time, size int64, _ bool,
) (*drive.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := fmt.Sprintf("session-%d", len(f.sessions)+1)
	f.sessions[url] = &fakeSession{
		parentID: parentID,
		fileID:   fileID,
		name:     name,
		mtime:    mtime,
		total:    size,
	}
	f.record("session:%s", name)

	return &drive.UploadSession{UploadURL: url}, nil
}

func (f *fakeDrive) UploadChunk(
	_ context.Context, session *drive.UploadSession, chunk io.Reader, _, length, total int64,
) (*drive.File, error) {
	data, err := io.ReadAll(chunk)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[session.UploadURL]
	if !ok {
		return nil, drive.ErrNotFound
	}

	sess.buf.Write(data)

	if int64(sess.buf.Len()) < total {
		return nil, nil //nolint:nilnil // intermediate chunk accepted
	}

	content := sess.buf.String()

	file := &drive.File{
		Name:         sess.name,
		MimeType:     "application/octet-stream",
		ParentID:     sess.parentID,
		Size:         int64(len(content)),
		MD5:          md5hex(content),
		HeadRevision: f.newRev(),
		ModifiedAt:   sess.mtime,
	}

	if sess.fileID != "" {
		file.ID = sess.fileID
	} else {
		file.ID = f.newID()
	}

	f.files[file.ID] = file
	f.content[file.ID] = []byte(content)
	delete(f.sessions, session.UploadURL)
	f.record("chunked:%s", sess.name)

	return file, nil
}

func (f *fakeDrive) CreateFolder(_ context.Context, parentID, name string) (*drive.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file := &drive.File{
		ID:       f.newID(),
		Name:     name,
		MimeType: drive.MimeTypeFolder,
		ParentID: parentID,
	}
	f.files[file.ID] = file
	f.record("mkdir:%s/%s", parentID, name)

	return file, nil
}

func (f *fakeDrive) Move(_ context.Context, fileID, newParentID, newName string) (*drive.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, ok := f.files[fileID]
	if !ok {
		return nil, drive.ErrNotFound
	}

	file.ParentID = newParentID
	file.Name = newName
	f.record("move:%s->%s/%s", fileID, newParentID, newName)

	cp := *file

	return &cp, nil
}

func (f *fakeDrive) Trash(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if terr := f.trashErrID[fileID]; terr != nil {
		return terr
	}

	file, ok := f.files[fileID]
	if !ok {
		return drive.ErrNotFound
	}

	file.Trashed = true
	f.record("trash:%s", fileID)

	return nil
}

var _ DriveClient = (*fakeDrive)(nil)
