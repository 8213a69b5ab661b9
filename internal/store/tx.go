package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// metaNextTxID is the sync_state key holding the next transaction token.
const metaNextTxID = "next_tx_id"

// Tx is a write transaction. Every mutation appends a change_log row tagged
// with the handle's origin; all rows of one Do call share a tx id, so the
// sync engine sees them as a single transaction.
type Tx struct {
	tx     *sql.Tx
	origin string
	txID   int64
	now    time.Time
}

// TxID returns the transaction token allocated for this transaction.
func (t *Tx) TxID() int64 {
	return t.txID
}

// Do runs fn inside a single write transaction and returns the allocated
// transaction token. Commit notifications are published to subscribers after
// a successful commit.
//
// Write transactions are serialized; tx ids are strictly increasing in
// commit order.
func (s *Store) Do(ctx context.Context, fn func(tx *Tx) error) (int64, error) {
	s.shared.writeMu.Lock()
	defer s.shared.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txID, err := allocateTxID(ctx, tx)
	if err != nil {
		return 0, err
	}

	t := &Tx{
		tx:     tx,
		origin: s.origin,
		txID:   txID,
		now:    time.Now().UTC(),
	}

	if err := fn(t); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(Commit{TxID: txID, Origin: s.origin})
	return txID, nil
}

// NextTxID returns the token the next committed transaction will receive.
// The full-resync path records this as its checkpoint before reading a
// snapshot, so changes committed during the snapshot upload are re-observed.
func (s *Store) NextTxID(ctx context.Context) (int64, error) {
	value, err := s.GetMeta(ctx, metaNextTxID)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 1, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt next_tx_id %q: %w", value, err)
	}
	return id, nil
}

// allocateTxID reads and increments the transaction counter inside tx.
func allocateTxID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var value string
	err := tx.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = ?", metaNextTxID).Scan(&value)
	next := int64(1)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return 0, fmt.Errorf("failed to read tx counter: %w", err)
	default:
		next, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt tx counter %q: %w", value, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaNextTxID, strconv.FormatInt(next+1, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to advance tx counter: %w", err)
	}
	return next, nil
}

// logChange appends one change_log row for this transaction.
func (t *Tx) logChange(kind, entityID, change string, changedFields []string, tomb *Tombstone) error {
	var fieldsJSON sql.NullString
	if changedFields != nil {
		data, err := json.Marshal(changedFields)
		if err != nil {
			return fmt.Errorf("failed to marshal changed fields: %w", err)
		}
		fieldsJSON = sql.NullString{String: string(data), Valid: true}
	}

	var tombJSON sql.NullString
	if tomb != nil {
		data, err := json.Marshal(tomb)
		if err != nil {
			return fmt.Errorf("failed to marshal tombstone: %w", err)
		}
		tombJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := t.tx.Exec(`
		INSERT INTO change_log (tx_id, committed_at, origin, kind, entity_id, change, changed_fields, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.txID, t.now.Format(time.RFC3339Nano), t.origin, kind, entityID, change, fieldsJSON, tombJSON)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

// InsertBook adds a new book and logs an insert change.
func (t *Tx) InsertBook(b *Book) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid book: %w", err)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.now
	}
	b.UpdatedAt = t.now

	_, err := t.tx.Exec(`
		INSERT INTO books (id, title, author, page_count, notes, rating,
			started_at, finished_at, cover_path, last_opened_at,
			created_at, updated_at, remote_id, system_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Title, b.Author, b.PageCount, b.Notes, b.Rating,
		timeToNullString(b.StartedAt), timeToNullString(b.FinishedAt),
		b.CoverPath, timeToNullString(b.LastOpenedAt),
		b.CreatedAt.UTC().Format(time.RFC3339Nano), b.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(b.RemoteID), b.SystemFields)
	if err != nil {
		return fmt.Errorf("failed to insert book %s: %w", b.ID, err)
	}
	return t.logChange(KindBook, b.ID, ChangeInsert, nil, nil)
}

// UpdateBook persists the book and logs an update naming the local
// properties that changed.
func (t *Tx) UpdateBook(b *Book, changed []string) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid book: %w", err)
	}
	b.UpdatedAt = t.now

	_, err := t.tx.Exec(`
		UPDATE books SET title = ?, author = ?, page_count = ?, notes = ?,
			rating = ?, started_at = ?, finished_at = ?, cover_path = ?,
			last_opened_at = ?, updated_at = ?, remote_id = ?, system_fields = ?
		WHERE id = ?`,
		b.Title, b.Author, b.PageCount, b.Notes, b.Rating,
		timeToNullString(b.StartedAt), timeToNullString(b.FinishedAt),
		b.CoverPath, timeToNullString(b.LastOpenedAt),
		b.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(b.RemoteID), b.SystemFields, b.ID)
	if err != nil {
		return fmt.Errorf("failed to update book %s: %w", b.ID, err)
	}
	if changed == nil {
		changed = []string{}
	}
	return t.logChange(KindBook, b.ID, ChangeUpdate, changed, nil)
}

// DeleteBook removes a book, capturing a tombstone with its remote id.
// Deleting a missing book is a no-op and logs nothing.
func (t *Tx) DeleteBook(id string) error {
	tomb, ok, err := t.tombstone("books", id)
	if err != nil || !ok {
		return err
	}
	if _, err := t.tx.Exec("DELETE FROM books WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete book %s: %w", id, err)
	}
	return t.logChange(KindBook, id, ChangeDelete, nil, tomb)
}

// InsertList adds a new list and logs an insert change.
func (t *Tx) InsertList(l *List) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid list: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = t.now
	}
	l.UpdatedAt = t.now

	_, err := t.tx.Exec(`
		INSERT INTO lists (id, name, sort_order, created_at, updated_at, remote_id, system_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.SortOrder,
		l.CreatedAt.UTC().Format(time.RFC3339Nano), l.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(l.RemoteID), l.SystemFields)
	if err != nil {
		return fmt.Errorf("failed to insert list %s: %w", l.ID, err)
	}
	return t.logChange(KindList, l.ID, ChangeInsert, nil, nil)
}

// UpdateList persists the list and logs an update with changed properties.
func (t *Tx) UpdateList(l *List, changed []string) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid list: %w", err)
	}
	l.UpdatedAt = t.now

	_, err := t.tx.Exec(`
		UPDATE lists SET name = ?, sort_order = ?, updated_at = ?, remote_id = ?, system_fields = ?
		WHERE id = ?`,
		l.Name, l.SortOrder, l.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(l.RemoteID), l.SystemFields, l.ID)
	if err != nil {
		return fmt.Errorf("failed to update list %s: %w", l.ID, err)
	}
	if changed == nil {
		changed = []string{}
	}
	return t.logChange(KindList, l.ID, ChangeUpdate, changed, nil)
}

// DeleteList removes a list, capturing a tombstone with its remote id.
func (t *Tx) DeleteList(id string) error {
	tomb, ok, err := t.tombstone("lists", id)
	if err != nil || !ok {
		return err
	}
	if _, err := t.tx.Exec("DELETE FROM lists WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete list %s: %w", id, err)
	}
	return t.logChange(KindList, id, ChangeDelete, nil, tomb)
}

// InsertListItem adds a new list item and logs an insert change.
func (t *Tx) InsertListItem(it *ListItem) error {
	if err := it.Validate(); err != nil {
		return fmt.Errorf("invalid list item: %w", err)
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = t.now
	}
	it.UpdatedAt = t.now

	_, err := t.tx.Exec(`
		INSERT INTO list_items (id, list_id, book_id, position, created_at, updated_at,
			remote_id, system_fields, list_remote_id, book_remote_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ListID, it.BookID, it.Position,
		it.CreatedAt.UTC().Format(time.RFC3339Nano), it.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(it.RemoteID), it.SystemFields, it.ListRemoteID, it.BookRemoteID)
	if err != nil {
		return fmt.Errorf("failed to insert list item %s: %w", it.ID, err)
	}
	return t.logChange(KindListItem, it.ID, ChangeInsert, nil, nil)
}

// UpdateListItem persists the item and logs an update with changed properties.
func (t *Tx) UpdateListItem(it *ListItem, changed []string) error {
	if err := it.Validate(); err != nil {
		return fmt.Errorf("invalid list item: %w", err)
	}
	it.UpdatedAt = t.now

	_, err := t.tx.Exec(`
		UPDATE list_items SET list_id = ?, book_id = ?, position = ?, updated_at = ?,
			remote_id = ?, system_fields = ?, list_remote_id = ?, book_remote_id = ?
		WHERE id = ?`,
		it.ListID, it.BookID, it.Position, it.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullIfEmpty(it.RemoteID), it.SystemFields, it.ListRemoteID, it.BookRemoteID, it.ID)
	if err != nil {
		return fmt.Errorf("failed to update list item %s: %w", it.ID, err)
	}
	if changed == nil {
		changed = []string{}
	}
	return t.logChange(KindListItem, it.ID, ChangeUpdate, changed, nil)
}

// DeleteListItem removes a list item, capturing a tombstone with its remote id.
func (t *Tx) DeleteListItem(id string) error {
	tomb, ok, err := t.tombstone("list_items", id)
	if err != nil || !ok {
		return err
	}
	if _, err := t.tx.Exec("DELETE FROM list_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete list item %s: %w", id, err)
	}
	return t.logChange(KindListItem, id, ChangeDelete, nil, tomb)
}

// tombstone reads the key fields of an entity row before deletion.
// Returns ok=false if the row does not exist.
func (t *Tx) tombstone(table, id string) (*Tombstone, bool, error) {
	var remoteID sql.NullString
	err := t.tx.QueryRow(
		// table names are fixed by the callers, never user input
		fmt.Sprintf("SELECT remote_id FROM %s WHERE id = ?", table), id).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read tombstone for %s/%s: %w", table, id, err)
	}
	return &Tombstone{ID: id, RemoteID: remoteID.String}, true, nil
}

// nullIfEmpty converts an empty string to SQL NULL.
func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
