package sync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drivesync/drivesync/internal/drive"
)

// partialSuffix marks in-flight downloads. The finished file only
// appears under its real name after the checksum verifies.
const partialSuffix = ".partial"

// uploadChunkSize is the per-request size for resumable uploads.
// 32 x 256 KiB, matching the Drive API chunk granularity.
const uploadChunkSize = 8_388_608

// runTransfers dispatches all downloads and uploads through one bounded
// worker pool. Fatal errors cancel the remaining workers; per-path
// failures are recorded in the report and the rest continue.
func (e *Executor) runTransfers(ctx context.Context, downloads, uploads []Action, report *Report) error {
	if len(downloads)+len(uploads) == 0 {
		return nil
	}

	e.logger.Info("starting transfers",
		slog.Int("downloads", len(downloads)),
		slog.Int("uploads", len(uploads)),
		slog.Int("workers", e.workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	var mu gosync.Mutex

	dispatch := func(a *Action, label string,
		exec func(context.Context, *Action) (int64, error),
		onSuccess func(r *Report, n int64),
	) {
		g.Go(func() error {
			n, err := exec(gctx, a)
			if err != nil {
				if isFatal(err) {
					return err
				}

				mu.Lock()
				report.Errors = append(report.Errors, ActionError{Path: a.Path, Type: a.Type, Err: err})
				mu.Unlock()

				e.logger.Warn(label+" failed, skipping",
					slog.String("path", a.Path),
					slog.String("error", err.Error()),
				)

				return nil
			}

			mu.Lock()
			onSuccess(report, n)
			mu.Unlock()

			return nil
		})
	}

	for i := range downloads {
		dispatch(&downloads[i], "download", e.executeDownload,
			func(r *Report, n int64) { r.Downloaded++; r.BytesDownloaded += n })
	}

	for i := range uploads {
		dispatch(&uploads[i], "upload", e.executeUpload,
			func(r *Report, n int64) { r.Uploaded++; r.BytesUploaded += n })
	}

	return g.Wait()
}

// executeDownload streams a remote file to disk through a .partial temp
// file, verifies the MD5 checksum, restores the remote mtime, and
// renames it into place.
func (e *Executor) executeDownload(ctx context.Context, a *Action) (int64, error) {
	osRel := a.Path
	if a.Local != nil && a.Local.OSPath != "" {
		osRel = a.Local.OSPath
	}

	localPath := filepath.Join(e.syncRoot, filepath.FromSlash(osRel))
	partialPath := localPath + partialSuffix

	e.logger.Info("downloading", slog.String("path", a.Path), slog.Int64("size", a.Remote.Size))
	e.progress.Start("download", a.Path, a.Remote.Size)

	if err := os.MkdirAll(filepath.Dir(localPath), dirPermissions); err != nil {
		return 0, fmt.Errorf("preparing directory for %s: %w", a.Path, err)
	}

	start := time.Now()

	n, sum, err := e.downloadToPartial(ctx, a, partialPath)
	if err != nil {
		_ = os.Remove(partialPath)
		return 0, err
	}

	if want, _ := a.Remote.ContentHash(); want != "" && sum != want {
		_ = os.Remove(partialPath)
		return 0, fmt.Errorf("checksum mismatch for %s: got %s want %s", a.Path, sum, want)
	}

	// Stamp the remote mtime on the partial so the rename publishes the
	// file with its final metadata in one step.
	if !a.Remote.Mtime.IsZero() {
		_ = os.Chtimes(partialPath, time.Now(), a.Remote.Mtime)
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		_ = os.Remove(partialPath)
		return 0, fmt.Errorf("renaming %s into place: %w", a.Path, err)
	}

	// Record the mtime actually on disk; filesystems may round what
	// Chtimes wrote, and the next scan compares against the stored value.
	mtime := a.Remote.Mtime.Unix()
	if info, statErr := os.Lstat(localPath); statErr == nil {
		mtime = info.ModTime().Unix()
	}

	e.state.Put(&StateEntry{
		Path:     a.Path,
		Type:     ItemTypeFile,
		Checksum: sum,
		Size:     n,
		Mtime:    mtime,
		RemoteID: a.Remote.RemoteID,
		Revision: a.Remote.Revision,
	})

	e.progress.Done("download", a.Path, n, time.Since(start))

	return n, nil
}

// downloadToPartial writes the remote content to the partial file and
// returns the byte count and hex MD5 of what was written.
func (e *Executor) downloadToPartial(ctx context.Context, a *Action, partialPath string) (int64, string, error) {
	f, err := os.Create(partialPath)
	if err != nil {
		return 0, "", fmt.Errorf("creating partial file for %s: %w", a.Path, err)
	}

	hasher := md5.New()
	w := e.downLimit.WrapWriter(ctx, io.MultiWriter(f, hasher))

	n, err := e.client.Download(ctx, a.Remote.RemoteID, w)
	if err != nil {
		f.Close()
		return 0, "", fmt.Errorf("downloading %s: %w", a.Path, err)
	}

	// Flush to disk before the rename makes the file visible, so a crash
	// cannot leave a published file with missing tail bytes.
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, "", fmt.Errorf("syncing partial file for %s: %w", a.Path, err)
	}

	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("closing partial file for %s: %w", a.Path, err)
	}

	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// executeUpload sends a local file to the drive, hashing the content
// while it streams. Files at or below the configured cutover go up in
// one multipart request; larger ones use a resumable session.
func (e *Executor) executeUpload(ctx context.Context, a *Action) (int64, error) {
	localPath := filepath.Join(e.syncRoot, filepath.FromSlash(a.Local.OSPath))

	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("opening %s for upload: %w", a.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating %s for upload: %w", a.Path, err)
	}

	size := info.Size()
	mtime := info.ModTime()

	e.logger.Info("uploading", slog.String("path", a.Path), slog.Int64("size", size))
	e.progress.Start("upload", a.Path, size)

	start := time.Now()
	hasher := md5.New()
	src := e.upLimit.WrapReader(ctx, io.TeeReader(f, hasher))

	fileID := ""
	if a.State != nil {
		fileID = a.State.RemoteID
	}

	var uploaded *drive.File
	if size <= e.simpleMax {
		uploaded, err = e.uploadSimple(ctx, a, fileID, src, mtime)
	} else {
		uploaded, err = e.uploadChunked(ctx, a, fileID, src, size, mtime)
	}

	if err != nil {
		return 0, fmt.Errorf("uploading %s: %w", a.Path, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if uploaded.MD5 != "" && uploaded.MD5 != sum {
		// The drive accepted the bytes but reports different content.
		// Keep going; the next run's comparison will surface any real
		// divergence.
		e.logger.Warn("checksum mismatch after upload",
			slog.String("path", a.Path),
			slog.String("local", sum),
			slog.String("remote", uploaded.MD5),
		)
	}

	e.state.Put(&StateEntry{
		Path:     a.Path,
		Type:     ItemTypeFile,
		Checksum: sum,
		Size:     size,
		Mtime:    mtime.Unix(),
		RemoteID: uploaded.ID,
		Revision: uploaded.HeadRevision,
	})

	e.progress.Done("upload", a.Path, size, time.Since(start))

	return size, nil
}

// uploadSimple sends the whole file in one multipart request.
func (e *Executor) uploadSimple(
	ctx context.Context, a *Action, fileID string, src io.Reader, mtime time.Time,
) (*drive.File, error) {
	if fileID == "" {
		parentID, err := e.remoteParentID(a.Path)
		if err != nil {
			return nil, err
		}

		return e.client.InsertFile(ctx, parentID, baseName(a.Path), mtime, src)
	}

	return e.client.UpdateFile(ctx, fileID, mtime, e.newRev, src)
}

// uploadChunked streams the file through a resumable upload session.
func (e *Executor) uploadChunked(
	ctx context.Context, a *Action, fileID string, src io.Reader, size int64, mtime time.Time,
) (*drive.File, error) {
	parentID := ""

	if fileID == "" {
		var err error

		parentID, err = e.remoteParentID(a.Path)
		if err != nil {
			return nil, err
		}
	}

	session, err := e.client.CreateUploadSession(ctx, parentID, fileID, baseName(a.Path), mtime, size, e.newRev)
	if err != nil {
		return nil, fmt.Errorf("creating upload session: %w", err)
	}

	var offset int64

	for offset < size {
		length := e.chunkSize
		if remaining := size - offset; remaining < length {
			length = remaining
		}

		file, err := e.client.UploadChunk(ctx, session, io.LimitReader(src, length), offset, length, size)
		if err != nil {
			return nil, fmt.Errorf("uploading chunk at offset %d: %w", offset, err)
		}

		offset += length

		if file != nil {
			return file, nil
		}
	}

	return nil, fmt.Errorf("upload session for %s ended without a final response", a.Path)
}
