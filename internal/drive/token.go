package drive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// Token file permissions: owner-only, the file holds a refresh token.
const (
	tokenFilePerms = 0o600
	tokenDirPerms  = 0o700
)

// tokenFile is the on-disk format. The wrapper leaves room for fields
// beside the token without breaking old files.
type tokenFile struct {
	Token *oauth2.Token `json:"token"`
}

// LoadToken reads a saved token file from disk.
// Returns (nil, nil) if the file does not exist.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("drive: reading token file %s: %w", path, err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("drive: decoding token file %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("drive: token file %s missing token field (re-login required)", path)
	}

	return tf.Token, nil
}

// SaveToken writes a token file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func SaveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tokenFile{Token: tok}, "", "  ")
	if err != nil {
		return fmt.Errorf("drive: encoding token: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, tokenDirPerms); mkErr != nil {
		return fmt.Errorf("drive: creating token directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("drive: creating temp token file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, tokenFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("drive: setting token file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("drive: writing token file: %w", err)
	}

	// Flush to stable storage before rename so a crash between close and
	// rename cannot leave an empty token file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("drive: syncing token file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("drive: closing token file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("drive: renaming token file: %w", err)
	}

	success = true

	return nil
}
