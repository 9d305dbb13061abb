package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// listPageSize is the maxResults value for file listing requests.
// 1000 is the maximum the Drive API allows per page.
const listPageSize = 1000

// listFields trims list responses to the fields the sync engine uses.
// Asking for everything roughly triples response size on big drives.
const listFields = "nextPageToken,items(id,title,mimeType,fileSize,md5Checksum,modifiedDate,headRevisionId,parents(id,isRoot),labels(trashed))"

// Timestamp validation bounds. Timestamps outside this range are replaced
// with the current time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// fileResource mirrors the Drive API file JSON exactly. Unexported;
// callers use File via toFile() normalization. fileSize arrives as a
// quoted decimal string, hence the ",string" tag.
type fileResource struct {
	ID           string      `json:"id,omitempty"`
	Title        string      `json:"title,omitempty"`
	MimeType     string      `json:"mimeType,omitempty"`
	FileSize     int64       `json:"fileSize,string,omitempty"`
	MD5Checksum  string      `json:"md5Checksum,omitempty"`
	ModifiedDate string      `json:"modifiedDate,omitempty"`
	HeadRevision string      `json:"headRevisionId,omitempty"`
	Parents      []parentRef `json:"parents,omitempty"`
	Labels       *labels     `json:"labels,omitempty"`
}

type parentRef struct {
	ID     string `json:"id"`
	IsRoot bool   `json:"isRoot,omitempty"`
}

type labels struct {
	Trashed bool `json:"trashed"`
}

type fileListResponse struct {
	Items         []fileResource `json:"items"`
	NextPageToken string         `json:"nextPageToken"`
}

type aboutResponse struct {
	RootFolderID    string `json:"rootFolderId"`
	QuotaBytesTotal int64  `json:"quotaBytesTotal,string,omitempty"`
	QuotaBytesUsed  int64  `json:"quotaBytesUsed,string,omitempty"`
	User            struct {
		EmailAddress string `json:"emailAddress"`
	} `json:"user"`
}

// toFile normalizes a Drive API file resource into our File type.
// Multi-parent files (a legacy Drive feature) keep only the first parent;
// the sync engine maps each remote file to a single tree position.
func (r *fileResource) toFile(logger *slog.Logger) File {
	f := File{
		ID:           r.ID,
		Name:         r.Title,
		MimeType:     r.MimeType,
		Size:         r.FileSize,
		MD5:          r.MD5Checksum,
		HeadRevision: r.HeadRevision,
	}

	if len(r.Parents) > 0 {
		f.ParentID = r.Parents[0].ID
	}

	if r.Labels != nil {
		f.Trashed = r.Labels.Trashed
	}

	f.ModifiedAt = parseTimestamp(r.ModifiedDate, r.ID, logger)

	return f
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
// Invalid or out-of-range timestamps are replaced with time.Now().UTC() and logged.
func parseTimestamp(raw, fileID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid modifiedDate, using current time",
			slog.String("file_id", fileID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("modifiedDate out of valid range, using current time",
			slog.String("file_id", fileID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}

// About fetches drive metadata: the root folder ID and quota numbers.
// The root folder ID anchors remote tree construction; parents(isRoot)
// alone is not reliable for files shared into the drive.
func (c *Client) About(ctx context.Context) (*About, error) {
	c.logger.Info("fetching drive metadata")

	resp, err := c.Do(ctx, http.MethodGet,
		"/about?fields=rootFolderId,quotaBytesTotal,quotaBytesUsed,user(emailAddress)", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ar aboutResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("drive: decoding about response: %w", err)
	}

	return &About{
		RootFolderID:    ar.RootFolderID,
		QuotaBytesTotal: ar.QuotaBytesTotal,
		QuotaBytesUsed:  ar.QuotaBytesUsed,
		UserEmail:       ar.User.EmailAddress,
	}, nil
}

// ListAll returns every non-trashed file and folder in the drive, handling
// pagination automatically. One flat list; the caller reassembles the tree
// from parent IDs.
func (c *Client) ListAll(ctx context.Context) ([]File, error) {
	c.logger.Info("listing remote files")

	var files []File

	pageToken := ""
	page := 1

	for {
		q := url.Values{}
		q.Set("q", "trashed=false")
		q.Set("maxResults", strconv.Itoa(listPageSize))
		q.Set("fields", listFields)

		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		pageFiles, next, err := c.listPage(ctx, "/files?"+q.Encode(), page)
		if err != nil {
			return nil, err
		}

		files = append(files, pageFiles...)
		page++

		if next == "" {
			break
		}

		pageToken = next
	}

	c.logger.Info("listed remote files", slog.Int("total_files", len(files)))

	return files, nil
}

// listPage fetches a single page of the file list.
func (c *Client) listPage(ctx context.Context, path string, page int) ([]File, string, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var flr fileListResponse
	if err := json.NewDecoder(resp.Body).Decode(&flr); err != nil {
		return nil, "", fmt.Errorf("drive: decoding file list response: %w", err)
	}

	files := make([]File, 0, len(flr.Items))
	for i := range flr.Items {
		files = append(files, flr.Items[i].toFile(c.logger))
	}

	c.logger.Debug("fetched file list page",
		slog.Int("page", page),
		slog.Int("count", len(files)),
	)

	return files, flr.NextPageToken, nil
}

// CreateFolder creates a new folder under the given parent and returns it.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*File, error) {
	c.logger.Info("creating remote folder",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	reqBody := fileResource{
		Title:    name,
		MimeType: MimeTypeFolder,
		Parents:  []parentRef{{ID: parentID}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling create folder request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, "/files", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeFile(resp.Body, "create folder")
}

// Move re-parents and/or renames a file. Empty newParentID keeps the
// current parent; empty newName keeps the current title.
func (c *Client) Move(ctx context.Context, fileID, newParentID, newName string) (*File, error) {
	c.logger.Info("moving remote file",
		slog.String("file_id", fileID),
		slog.String("new_parent_id", newParentID),
		slog.String("new_name", newName),
	)

	req := fileResource{Title: newName}
	if newParentID != "" {
		req.Parents = []parentRef{{ID: newParentID}}
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling move request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPatch, "/files/"+url.PathEscape(fileID), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeFile(resp.Body, "move")
}

// Trash moves a file to the Drive trash. The file stays recoverable from
// the web UI; nothing is permanently deleted.
func (c *Client) Trash(ctx context.Context, fileID string) error {
	c.logger.Info("trashing remote file", slog.String("file_id", fileID))

	resp, err := c.Do(ctx, http.MethodPost, "/files/"+url.PathEscape(fileID)+"/trash", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("drive: draining trash response body: %w", copyErr)
	}

	return nil
}

// decodeFile decodes a single file resource from a response body.
func (c *Client) decodeFile(body io.Reader, op string) (*File, error) {
	var fr fileResource
	if err := json.NewDecoder(body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("drive: decoding %s response: %w", op, err)
	}

	f := fr.toFile(c.logger)

	return &f, nil
}
