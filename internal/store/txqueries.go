package store

import (
	"database/sql"
	"fmt"
)

// Read helpers scoped to an open transaction. The sync engine applies a
// downstream batch and persists its checkpoint in a single transaction, and
// lookups must observe rows written earlier in that same transaction (a
// list item can reference a book inserted by the same batch).

// GetMeta reads a sync_state value inside the transaction. Returns "" if
// the key is absent.
func (t *Tx) GetMeta(key string) (string, error) {
	var value string
	err := t.tx.QueryRow("SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync state %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a sync_state value inside the transaction, so checkpoint
// advancement commits atomically with the writes it acknowledges.
func (t *Tx) SetMeta(key, value string) error {
	_, err := t.tx.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write sync state %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a sync_state key inside the transaction.
func (t *Tx) DeleteMeta(key string) error {
	if _, err := t.tx.Exec("DELETE FROM sync_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete sync state %s: %w", key, err)
	}
	return nil
}

// GetBook retrieves a book by its content key. Returns (nil, nil) if absent.
func (t *Tx) GetBook(id string) (*Book, error) {
	row := t.tx.QueryRow("SELECT "+bookColumns+" FROM books WHERE id = ?", id)
	b, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book %s: %w", id, err)
	}
	return b, nil
}

// FindBookByRemoteID retrieves a book by its remote identifier.
// Returns (nil, nil) if absent.
func (t *Tx) FindBookByRemoteID(remoteID string) (*Book, error) {
	row := t.tx.QueryRow("SELECT "+bookColumns+" FROM books WHERE remote_id = ?", remoteID)
	b, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find book by remote id %s: %w", remoteID, err)
	}
	return b, nil
}

// GetList retrieves a list by id. Returns (nil, nil) if absent.
func (t *Tx) GetList(id string) (*List, error) {
	row := t.tx.QueryRow("SELECT "+listColumns+" FROM lists WHERE id = ?", id)
	l, err := scanList(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list %s: %w", id, err)
	}
	return l, nil
}

// FindListByRemoteID retrieves a list by its remote identifier.
// Returns (nil, nil) if absent.
func (t *Tx) FindListByRemoteID(remoteID string) (*List, error) {
	row := t.tx.QueryRow("SELECT "+listColumns+" FROM lists WHERE remote_id = ?", remoteID)
	l, err := scanList(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find list by remote id %s: %w", remoteID, err)
	}
	return l, nil
}

// FindUnsyncedListByName retrieves a not-yet-uploaded list with the given
// name. Returns (nil, nil) if absent.
func (t *Tx) FindUnsyncedListByName(name string) (*List, error) {
	row := t.tx.QueryRow(
		"SELECT "+listColumns+" FROM lists WHERE name = ? AND remote_id IS NULL ORDER BY created_at LIMIT 1", name)
	l, err := scanList(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find list by name %q: %w", name, err)
	}
	return l, nil
}

// GetListItem retrieves a list item by id. Returns (nil, nil) if absent.
func (t *Tx) GetListItem(id string) (*ListItem, error) {
	row := t.tx.QueryRow("SELECT "+itemColumns+" FROM list_items WHERE id = ?", id)
	it, err := scanListItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list item %s: %w", id, err)
	}
	return it, nil
}

// FindListItemByRemoteID retrieves a list item by its remote identifier.
// Returns (nil, nil) if absent.
func (t *Tx) FindListItemByRemoteID(remoteID string) (*ListItem, error) {
	row := t.tx.QueryRow("SELECT "+itemColumns+" FROM list_items WHERE remote_id = ?", remoteID)
	it, err := scanListItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find list item by remote id %s: %w", remoteID, err)
	}
	return it, nil
}

// FindUnsyncedListItemByRefs retrieves a not-yet-uploaded item referencing
// the same list and book records. Returns (nil, nil) if absent.
func (t *Tx) FindUnsyncedListItemByRefs(listRemoteID, bookRemoteID string) (*ListItem, error) {
	row := t.tx.QueryRow(`
		SELECT li.id, li.list_id, li.book_id, li.position, li.created_at, li.updated_at,
			li.remote_id, li.system_fields, li.list_remote_id, li.book_remote_id
		FROM list_items li
		LEFT JOIN lists l ON l.id = li.list_id
		LEFT JOIN books b ON b.id = li.book_id
		WHERE li.remote_id IS NULL
		  AND (li.list_remote_id = ? OR l.remote_id = ?)
		  AND (li.book_remote_id = ? OR b.remote_id = ?)
		LIMIT 1`,
		listRemoteID, listRemoteID, bookRemoteID, bookRemoteID)
	it, err := scanListItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find list item by refs: %w", err)
	}
	return it, nil
}
