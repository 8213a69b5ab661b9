package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const bookColumns = `id, title, author, page_count, notes, rating,
	started_at, finished_at, cover_path, last_opened_at,
	created_at, updated_at, remote_id, system_fields`

func scanBook(row interface{ Scan(...any) error }) (*Book, error) {
	var b Book
	var startedAt, finishedAt, lastOpenedAt, remoteID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.PageCount, &b.Notes, &b.Rating,
		&startedAt, &finishedAt, &b.CoverPath, &lastOpenedAt,
		&createdAt, &updatedAt, &remoteID, &b.SystemFields)
	if err != nil {
		return nil, err
	}
	b.StartedAt = nullStringToTime(startedAt)
	b.FinishedAt = nullStringToTime(finishedAt)
	b.LastOpenedAt = nullStringToTime(lastOpenedAt)
	b.RemoteID = remoteID.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		b.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		b.UpdatedAt = t
	}
	return &b, nil
}

// GetBook retrieves a book by its content key. Returns (nil, nil) if absent.
func (s *Store) GetBook(ctx context.Context, id string) (*Book, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+bookColumns+" FROM books WHERE id = ?", id)
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
func (s *Store) FindBookByRemoteID(ctx context.Context, remoteID string) (*Book, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+bookColumns+" FROM books WHERE remote_id = ?", remoteID)
	b, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find book by remote id %s: %w", remoteID, err)
	}
	return b, nil
}

// AllBooks returns every book, ordered by id for deterministic uploads.
func (s *Store) AllBooks(ctx context.Context) ([]*Book, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+bookColumns+" FROM books ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating books: %w", err)
	}
	return books, nil
}

const listColumns = `id, name, sort_order, created_at, updated_at, remote_id, system_fields`

func scanList(row interface{ Scan(...any) error }) (*List, error) {
	var l List
	var remoteID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&l.ID, &l.Name, &l.SortOrder, &createdAt, &updatedAt, &remoteID, &l.SystemFields)
	if err != nil {
		return nil, err
	}
	l.RemoteID = remoteID.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		l.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		l.UpdatedAt = t
	}
	return &l, nil
}

// GetList retrieves a list by id. Returns (nil, nil) if absent.
func (s *Store) GetList(ctx context.Context, id string) (*List, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+listColumns+" FROM lists WHERE id = ?", id)
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
func (s *Store) FindListByRemoteID(ctx context.Context, remoteID string) (*List, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+listColumns+" FROM lists WHERE remote_id = ?", remoteID)
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
// name, used to reconcile a locally-created list with a record another
// device created for the same thing. Returns (nil, nil) if absent.
func (s *Store) FindUnsyncedListByName(ctx context.Context, name string) (*List, error) {
	row := s.conn.QueryRowContext(ctx,
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

// AllLists returns every list, ordered by id.
func (s *Store) AllLists(ctx context.Context) ([]*List, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+listColumns+" FROM lists ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var lists []*List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lists: %w", err)
	}
	return lists, nil
}

const itemColumns = `id, list_id, book_id, position, created_at, updated_at,
	remote_id, system_fields, list_remote_id, book_remote_id`

func scanListItem(row interface{ Scan(...any) error }) (*ListItem, error) {
	var it ListItem
	var remoteID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&it.ID, &it.ListID, &it.BookID, &it.Position, &createdAt, &updatedAt,
		&remoteID, &it.SystemFields, &it.ListRemoteID, &it.BookRemoteID)
	if err != nil {
		return nil, err
	}
	it.RemoteID = remoteID.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		it.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		it.UpdatedAt = t
	}
	return &it, nil
}

// GetListItem retrieves a list item by id. Returns (nil, nil) if absent.
func (s *Store) GetListItem(ctx context.Context, id string) (*ListItem, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM list_items WHERE id = ?", id)
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
func (s *Store) FindListItemByRemoteID(ctx context.Context, remoteID string) (*ListItem, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM list_items WHERE remote_id = ?", remoteID)
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
// the same list and book records, for natural-key reconciliation.
// Returns (nil, nil) if absent.
func (s *Store) FindUnsyncedListItemByRefs(ctx context.Context, listRemoteID, bookRemoteID string) (*ListItem, error) {
	row := s.conn.QueryRowContext(ctx, `
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

// DanglingListItems returns up to limit items whose parent references are
// not yet resolved to local entities.
func (s *Store) DanglingListItems(ctx context.Context, limit int) ([]*ListItem, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM list_items WHERE list_id = '' OR book_id = '' ORDER BY id LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dangling list items: %w", err)
	}
	defer rows.Close()

	var items []*ListItem
	for rows.Next() {
		it, err := scanListItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating list items: %w", err)
	}
	return items, nil
}

// AllListItems returns every list item, ordered by id.
func (s *Store) AllListItems(ctx context.Context) ([]*ListItem, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM list_items ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query list items: %w", err)
	}
	defer rows.Close()

	var items []*ListItem
	for rows.Next() {
		it, err := scanListItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan list item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating list items: %w", err)
	}
	return items, nil
}

// KindCount holds per-kind diagnostics counts.
type KindCount struct {
	// Local is the number of entities stored locally.
	Local int64
	// Uploaded is the number that carry a remote identifier.
	Uploaded int64
}

// EntityCounts returns per-kind local and uploaded counts.
func (s *Store) EntityCounts(ctx context.Context) (map[string]KindCount, error) {
	counts := make(map[string]KindCount, 3)
	for kind, table := range map[string]string{
		KindBook:     "books",
		KindList:     "lists",
		KindListItem: "list_items",
	} {
		var c KindCount
		query := fmt.Sprintf(
			"SELECT COUNT(*), COUNT(remote_id) FROM %s", table)
		if err := s.conn.QueryRowContext(ctx, query).Scan(&c.Local, &c.Uploaded); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[kind] = c
	}
	return counts, nil
}
