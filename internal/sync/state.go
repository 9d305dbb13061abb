package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Engine-private directory under the sync root. Holds the state
// database, the local trash, and partial downloads' scratch space.
// Scanners never descend into it.
const stateDirName = ".drivesync"

// stateFileName is the SQLite database file inside the state directory.
const stateFileName = "state.db"

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// StateDir returns the engine-private directory for a sync root.
func StateDir(syncRoot string) string {
	return filepath.Join(syncRoot, stateDirName)
}

// StatePath returns the state database path for a sync root.
func StatePath(syncRoot string) string {
	return filepath.Join(StateDir(syncRoot), stateFileName)
}

// StateStore holds the last-synced snapshot of every tracked path. The
// whole table is loaded into memory when the store opens; reconciliation
// reads it and the executor mutates it entry by entry as actions
// succeed. Nothing touches the database again until Save writes the
// complete snapshot back in a single transaction, so an interrupted run
// leaves the previous state intact.
type StateStore struct {
	db        *sql.DB
	logger    *slog.Logger
	mu        gosync.RWMutex
	entries   map[string]*StateEntry
	conflicts []ConflictRecord
}

// ConflictRecord is a path the last run refused to sync, kept so status
// can list it until a later run resolves or re-reports it.
type ConflictRecord struct {
	Path       string
	Reason     string
	DetectedAt int64
}

const stateColumns = "path, item_type, checksum, size, mtime, remote_id, revision"

const (
	sqlSelectEntries = "SELECT " + stateColumns + " FROM state_entries"
	sqlDeleteEntries = "DELETE FROM state_entries"
	sqlInsertEntry   = "INSERT INTO state_entries (" + stateColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)"

	sqlSelectConflicts = "SELECT path, reason, detected_at FROM conflicts ORDER BY path"
	sqlDeleteConflicts = "DELETE FROM conflicts"
	sqlInsertConflict  = "INSERT INTO conflicts (path, reason, detected_at) VALUES (?, ?, ?)"
)

// OpenStateStore opens (creating if needed) the state database at
// dbPath, applies pending migrations, and loads every entry into
// memory.
func OpenStateStore(ctx context.Context, dbPath string, logger *slog.Logger) (*StateStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil { //nolint:mnd // standard dir perms
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state database %s: %w", dbPath, err)
	}

	s := &StateStore{
		db:      db,
		logger:  logger,
		entries: make(map[string]*StateEntry),
	}

	if err := s.setPragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.loadEntries(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.loadConflicts(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("state store opened",
		slog.String("path", dbPath),
		slog.Int("entries", len(s.entries)),
	)

	return s, nil
}

// setPragmas applies connection settings. WAL keeps the previous
// snapshot readable while Save commits; synchronous=FULL makes the
// commit durable before Save returns.
func (s *StateStore) setPragmas(ctx context.Context) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "WAL journal mode"},
		{"PRAGMA synchronous=FULL", "full synchronous"},
		{"PRAGMA foreign_keys=ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit=%d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("setting %s: %w", p.desc, err)
		}
	}

	return nil
}

// loadEntries reads the whole state table into the in-memory map.
func (s *StateStore) loadEntries(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, sqlSelectEntries)
	if err != nil {
		return fmt.Errorf("loading state entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e StateEntry
		if err := rows.Scan(&e.Path, &e.Type, &e.Checksum, &e.Size, &e.Mtime, &e.RemoteID, &e.Revision); err != nil {
			return fmt.Errorf("scanning state entry: %w", err)
		}

		s.entries[e.Path] = &e
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating state entries: %w", err)
	}

	return nil
}

// loadConflicts reads the conflict listing left by the previous run.
func (s *StateStore) loadConflicts(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, sqlSelectConflicts)
	if err != nil {
		return fmt.Errorf("loading conflicts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c ConflictRecord
		if err := rows.Scan(&c.Path, &c.Reason, &c.DetectedAt); err != nil {
			return fmt.Errorf("scanning conflict: %w", err)
		}

		s.conflicts = append(s.conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating conflicts: %w", err)
	}

	return nil
}

// Get returns a copy of the entry at path, or nil if the path was never
// synced.
func (s *StateStore) Get(path string) *StateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[path]
	if !ok {
		return nil
	}

	cp := *e

	return &cp
}

// Put records an entry, replacing any previous entry at the same path.
func (s *StateStore) Put(e *StateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entries[cp.Path] = &cp
}

// Delete forgets the entry at path. Deleting an absent path is a no-op.
func (s *StateStore) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, path)
}

// Rename moves the entry at oldPath to newPath, keeping everything else.
// A no-op when oldPath is not tracked.
func (s *StateStore) Rename(oldPath, newPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[oldPath]
	if !ok {
		return
	}

	delete(s.entries, oldPath)

	cp := *e
	cp.Path = newPath
	s.entries[newPath] = &cp
}

// Len returns the number of tracked paths.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Entries returns copies of all entries sorted by path.
func (s *StateStore) Entries() []*StateEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// SetConflicts replaces the stored conflict listing with this run's.
// Passing an empty slice clears it.
func (s *StateStore) SetConflicts(conflicts []ConflictRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts = make([]ConflictRecord, len(conflicts))
	copy(s.conflicts, conflicts)
	sort.Slice(s.conflicts, func(i, j int) bool { return s.conflicts[i].Path < s.conflicts[j].Path })
}

// Conflicts returns a copy of the conflict listing from the last saved
// run, sorted by path.
func (s *StateStore) Conflicts() []ConflictRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConflictRecord, len(s.conflicts))
	copy(out, s.conflicts)

	return out
}

// Save writes the in-memory snapshot to the database in one
// transaction. Either the whole new snapshot commits or the previous
// one survives untouched.
func (s *StateStore) Save(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning state save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, sqlDeleteEntries); err != nil {
		return fmt.Errorf("clearing state entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, sqlInsertEntry)
	if err != nil {
		return fmt.Errorf("preparing state insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range s.entries {
		if _, err := stmt.ExecContext(ctx, e.Path, e.Type, e.Checksum, e.Size, e.Mtime, e.RemoteID, e.Revision); err != nil {
			return fmt.Errorf("inserting state entry %s: %w", e.Path, err)
		}
	}

	if _, err := tx.ExecContext(ctx, sqlDeleteConflicts); err != nil {
		return fmt.Errorf("clearing conflicts: %w", err)
	}

	for _, c := range s.conflicts {
		if _, err := tx.ExecContext(ctx, sqlInsertConflict, c.Path, c.Reason, c.DetectedAt); err != nil {
			return fmt.Errorf("inserting conflict %s: %w", c.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state save: %w", err)
	}

	s.logger.Debug("state saved",
		slog.Int("entries", len(s.entries)),
		slog.Int("conflicts", len(s.conflicts)),
	)

	return nil
}

// Close checkpoints the WAL and closes the database. The in-memory
// snapshot is discarded; call Save first to persist it.
func (s *StateStore) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("WAL checkpoint failed", slog.String("error", err.Error()))
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing state database: %w", err)
	}

	return nil
}
