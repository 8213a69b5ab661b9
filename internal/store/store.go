// Package store provides the local SQLite datastore for the reading-list
// library and the durable change log the sync engine reads from.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent reads while the sync engine writes.
//
// Architecture:
//   - Tables: books, lists, list_items, change_log, sync_state
//   - Every committed write appends change_log rows in the same transaction,
//     tagged with the originating context ("app", "sync", ...)
//   - sync_state is a key/value table holding checkpoints, the remote change
//     token, the account identity and the enabled flag
//
// Workflow:
//  1. The application writes entities through Store.Do (origin "app")
//  2. Each commit publishes a notification carrying the origin and tx id
//  3. The sync engine reads new change_log transactions, uploads them, and
//     prunes the log once a transaction is confirmed
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entity kinds participating in sync.
const (
	KindBook     = "book"
	KindList     = "list"
	KindListItem = "list_item"
)

// Change types recorded in the change log.
const (
	ChangeInsert = "insert"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// OriginApp is the default originating context for application writes.
const OriginApp = "app"

// Commit describes a committed write transaction, delivered to subscribers.
type Commit struct {
	// TxID is the monotonically increasing transaction token.
	TxID int64
	// Origin is the context that produced the transaction.
	Origin string
}

// Store wraps the SQLite connection with reading-list specific functionality.
//
// A Store carries an originating context name that is stamped on every
// change_log row it writes. Use WithOrigin to obtain a handle writing under
// a different origin while sharing the same connection and subscribers.
type Store struct {
	conn   *sql.DB
	path   string
	origin string

	shared *sharedState
}

// sharedState is common to all origin-scoped handles of one database.
type sharedState struct {
	mu      sync.Mutex
	writeMu sync.Mutex // serializes write transactions; tx id allocation depends on it
	subs    []chan Commit
	closed  bool
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL enabled. Schema is
// created if missing; Open is idempotent. The caller MUST call Close when
// done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dir, "library.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:   conn,
		path:   path,
		origin: OriginApp,
		shared: &sharedState{},
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := st.initSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// WithOrigin returns a handle that writes change_log rows under the given
// originating context. The returned Store shares the underlying connection
// and subscriber list; do not Close it separately.
func (s *Store) WithOrigin(origin string) *Store {
	clone := *s
	clone.origin = origin
	return &clone
}

// Origin returns the originating context this handle writes under.
func (s *Store) Origin() string {
	return s.origin
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
// Subscriber channels are closed as well.
func (s *Store) Close() error {
	s.shared.mu.Lock()
	if !s.shared.closed {
		s.shared.closed = true
		for _, ch := range s.shared.subs {
			close(ch)
		}
		s.shared.subs = nil
	}
	s.shared.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Subscribe returns a channel that receives a Commit for every committed
// write transaction, regardless of origin. The channel is buffered; slow
// consumers drop notifications rather than block writers. It is closed when
// the store is closed.
func (s *Store) Subscribe() <-chan Commit {
	ch := make(chan Commit, 64)
	s.shared.mu.Lock()
	s.shared.subs = append(s.shared.subs, ch)
	s.shared.mu.Unlock()
	return ch
}

// notify publishes a commit to all subscribers without blocking.
func (s *Store) notify(c Commit) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	if s.shared.closed {
		return
	}
	for _, ch := range s.shared.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// initSchema creates all tables and indexes if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,            -- content key: ISBN-13 or provider volume id
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		rating INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		cover_path TEXT NOT NULL DEFAULT '',     -- local only, never uploaded
		last_opened_at TEXT,                     -- local only, never uploaded
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		remote_id TEXT,
		system_fields BLOB
	);

	CREATE TABLE IF NOT EXISTS lists (
		id TEXT PRIMARY KEY,            -- uuid
		name TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		remote_id TEXT,
		system_fields BLOB
	);

	CREATE TABLE IF NOT EXISTS list_items (
		id TEXT PRIMARY KEY,            -- uuid
		list_id TEXT NOT NULL DEFAULT '',
		book_id TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		remote_id TEXT,
		system_fields BLOB,
		-- transient remote references, used to resolve parents that arrive late
		list_remote_id TEXT NOT NULL DEFAULT '',
		book_remote_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_id INTEGER NOT NULL,
		committed_at TEXT NOT NULL,
		origin TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		change TEXT NOT NULL,
		changed_fields TEXT,            -- JSON array of local property names
		tombstone TEXT                  -- JSON key-field snapshot for deletes
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_tx ON change_log(tx_id);
	CREATE INDEX IF NOT EXISTS idx_change_log_origin ON change_log(origin);
	CREATE INDEX IF NOT EXISTS idx_books_remote ON books(remote_id);
	CREATE INDEX IF NOT EXISTS idx_lists_remote ON lists(remote_id);
	CREATE INDEX IF NOT EXISTS idx_items_remote ON list_items(remote_id);
	CREATE INDEX IF NOT EXISTS idx_items_list ON list_items(list_id);
	CREATE INDEX IF NOT EXISTS idx_items_dangling ON list_items(list_id, book_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetMeta returns the sync_state value for key, or "" if absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %q: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a sync_state value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %q: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a sync_state value. Missing keys are not an error.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM sync_state WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete sync state %q: %w", key, err)
	}
	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
