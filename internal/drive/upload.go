package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"
)

// uploadContentType is the content type for file media parts. The API
// sniffs real types server-side; the sync engine never guesses.
const uploadContentType = "application/octet-stream"

// statusResumeIncomplete is returned for intermediate resumable chunks.
const statusResumeIncomplete = 308

// uploadTarget describes where an upload lands: a brand-new file under a
// parent folder, or new content for an existing file.
type uploadTarget struct {
	fileID      string // non-empty for updates
	parentID    string // non-empty for inserts
	name        string
	mtime       time.Time
	newRevision bool // updates only: keep the old head revision
}

// InsertFile uploads a new file under parentID using a single multipart
// request. The file's modification time is set to mtime. Content is
// buffered in memory, so callers must reserve this path for files at or
// below the configured simple upload threshold.
func (c *Client) InsertFile(
	ctx context.Context, parentID, name string, mtime time.Time, content io.Reader,
) (*File, error) {
	c.logger.Debug("multipart insert",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	target := uploadTarget{parentID: parentID, name: name, mtime: mtime}

	return c.multipartUpload(ctx, target, content)
}

// UpdateFile replaces the content of an existing file using a single
// multipart request. When newRevision is true the previous content is kept
// as a named revision instead of being overwritten.
func (c *Client) UpdateFile(
	ctx context.Context, fileID string, mtime time.Time, newRevision bool, content io.Reader,
) (*File, error) {
	c.logger.Debug("multipart update",
		slog.String("file_id", fileID),
		slog.Bool("new_revision", newRevision),
	)

	target := uploadTarget{fileID: fileID, mtime: mtime, newRevision: newRevision}

	return c.multipartUpload(ctx, target, content)
}

// multipartUpload builds a multipart/related body (metadata JSON part plus
// media part) and sends it through the retry loop. The whole body is
// buffered so retries can rewind.
func (c *Client) multipartUpload(ctx context.Context, target uploadTarget, content io.Reader) (*File, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	if err := writeMetadataPart(mw, target); err != nil {
		return nil, err
	}

	media, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {uploadContentType}})
	if err != nil {
		return nil, fmt.Errorf("drive: creating media part: %w", err)
	}

	if _, err := io.Copy(media, content); err != nil {
		return nil, fmt.Errorf("drive: buffering upload content: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("drive: finalizing multipart body: %w", err)
	}

	contentType := "multipart/related; boundary=" + mw.Boundary()

	resp, err := c.doUpload(ctx, target, "multipart", contentType, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeFile(resp.Body, "upload")
}

// writeMetadataPart writes the JSON metadata part of a multipart upload.
func writeMetadataPart(mw *multipart.Writer, target uploadTarget) error {
	meta := fileResource{Title: target.name}

	if target.parentID != "" {
		meta.Parents = []parentRef{{ID: target.parentID}}
	}

	if !target.mtime.IsZero() {
		meta.ModifiedDate = target.mtime.UTC().Format(time.RFC3339Nano)
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return fmt.Errorf("drive: creating metadata part: %w", err)
	}

	if err := json.NewEncoder(part).Encode(&meta); err != nil {
		return fmt.Errorf("drive: encoding upload metadata: %w", err)
	}

	return nil
}

// uploadPath builds the upload URL for a target and upload type.
func (c *Client) uploadPath(target uploadTarget, uploadType string) (method, fullURL string) {
	q := url.Values{}
	q.Set("uploadType", uploadType)

	if target.fileID != "" {
		q.Set("newRevision", strconv.FormatBool(target.newRevision))
		q.Set("setModifiedDate", "true")

		return http.MethodPut, c.uploadURL + "/files/" + url.PathEscape(target.fileID) + "?" + q.Encode()
	}

	return http.MethodPost, c.uploadURL + "/files?" + q.Encode()
}

// doUpload sends an upload request through the retry loop.
func (c *Client) doUpload(
	ctx context.Context, target uploadTarget, uploadType, contentType string, body io.Reader,
) (*http.Response, error) {
	method, fullURL := c.uploadPath(target, uploadType)

	return c.doRetry(ctx, method, fullURL, contentType, body, nil)
}

// CreateUploadSession starts a resumable upload for a target and returns
// the session whose URL accepts content chunks. size is the total content
// length the session will carry.
func (c *Client) CreateUploadSession(
	ctx context.Context, parentID, fileID, name string, mtime time.Time, size int64, newRevision bool,
) (*UploadSession, error) {
	c.logger.Info("creating resumable upload session",
		slog.String("parent_id", parentID),
		slog.String("file_id", fileID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	target := uploadTarget{fileID: fileID, parentID: parentID, name: name, mtime: mtime, newRevision: newRevision}

	meta := fileResource{Title: target.name}
	if target.parentID != "" {
		meta.Parents = []parentRef{{ID: target.parentID}}
	}

	if !target.mtime.IsZero() {
		meta.ModifiedDate = target.mtime.UTC().Format(time.RFC3339Nano)
	}

	bodyBytes, err := json.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling session metadata: %w", err)
	}

	method, fullURL := c.uploadPath(target, "resumable")

	resp, err := c.doRetry(ctx, method, fullURL, "application/json; charset=UTF-8",
		bytes.NewReader(bodyBytes), map[string]string{
			"X-Upload-Content-Type":   uploadContentType,
			"X-Upload-Content-Length": strconv.FormatInt(size, 10),
		})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return nil, fmt.Errorf("drive: draining session response body: %w", drainErr)
	}

	sessionURL := resp.Header.Get("Location")
	if sessionURL == "" {
		return nil, fmt.Errorf("drive: upload session response missing Location header")
	}

	return &UploadSession{UploadURL: sessionURL}, nil
}

// UploadChunk uploads one chunk of a resumable session. Returns the
// completed File on the final chunk, nil for intermediate chunks (308).
// The session URL carries its own authorization; no bearer token is sent.
func (c *Client) UploadChunk(
	ctx context.Context, session *UploadSession, chunk io.Reader, offset, length, total int64,
) (*File, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, chunk)
	if err != nil {
		return nil, fmt.Errorf("drive: creating chunk upload request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	req.Header.Set("Content-Type", uploadContentType)
	req.Header.Set("User-Agent", c.userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive: chunk upload request failed: %w", err)
	}
	defer resp.Body.Close()

	return c.handleChunkResponse(resp)
}

// handleChunkResponse processes the response from an upload chunk request.
// 308 means intermediate chunk accepted; 200/201 means upload complete.
func (c *Client) handleChunkResponse(resp *http.Response) (*File, error) {
	switch resp.StatusCode {
	case statusResumeIncomplete:
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("drive: draining chunk response body: %w", drainErr)
		}

		return nil, nil

	case http.StatusOK, http.StatusCreated:
		f, err := c.decodeFile(resp.Body, "final chunk")
		if err != nil {
			return nil, err
		}

		c.logger.Debug("resumable upload complete",
			slog.String("file_id", f.ID),
			slog.String("name", f.Name),
		)

		return f, nil

	default:
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		reason, message := parseErrorReason(body)

		if message == "" {
			message = string(body)
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Reason:     reason,
			Message:    message,
			Err:        classifyStatus(resp.StatusCode, reason),
		}
	}
}

