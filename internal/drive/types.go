package drive

import "time"

// MimeTypeFolder is the MIME type the Drive API assigns to folders.
const MimeTypeFolder = "application/vnd.google-apps.folder"

// File is a normalized Drive file resource. The raw API shape (string
// fileSize, nested labels) is flattened here so callers never touch
// serialization details.
type File struct {
	ID           string
	Name         string
	MimeType     string
	ParentID     string
	Size         int64
	MD5          string
	HeadRevision string
	ModifiedAt   time.Time
	Trashed      bool
}

// IsFolder reports whether the file is a Drive folder.
func (f *File) IsFolder() bool {
	return f.MimeType == MimeTypeFolder
}

// About holds the subset of the about resource the sync engine needs.
type About struct {
	RootFolderID    string
	QuotaBytesTotal int64
	QuotaBytesUsed  int64
	UserEmail       string
}

// UploadSession is an in-progress resumable upload. The session URL is
// pre-authenticated by the API.
type UploadSession struct {
	UploadURL string
}
