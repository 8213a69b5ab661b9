package store

import (
	"fmt"
	"time"
)

// Book is a library entry. Its ID is the stable content key (ISBN-13 when
// known, otherwise the provider volume id), which is also what the remote
// record name derives from.
//
// CoverPath and LastOpenedAt are local bookkeeping and are never uploaded.
type Book struct {
	ID         string
	Title      string
	Author     string
	PageCount  int64
	Notes      string
	Rating     int64
	StartedAt  *time.Time
	FinishedAt *time.Time

	CoverPath    string
	LastOpenedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// RemoteID is empty until the book has been uploaded once.
	RemoteID string
	// SystemFields is the opaque server metadata blob cached after upload.
	SystemFields []byte
}

// Validate checks required Book fields.
func (b *Book) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.Title == "" {
		return fmt.Errorf("title is required")
	}
	if b.Rating < 0 || b.Rating > 5 {
		return fmt.Errorf("rating must be between 0 and 5 (got %d)", b.Rating)
	}
	return nil
}

// List is a user-created reading list.
type List struct {
	ID        string
	Name      string
	SortOrder int64

	CreatedAt time.Time
	UpdatedAt time.Time

	RemoteID     string
	SystemFields []byte
}

// Validate checks required List fields.
func (l *List) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// ListItem places a Book on a List at a position. It references both parents
// by local id once resolved; ListRemoteID and BookRemoteID hold the remote
// references until the parent entity exists locally (a downstream item can
// arrive before either parent).
type ListItem struct {
	ID       string
	ListID   string
	BookID   string
	Position int64

	CreatedAt time.Time
	UpdatedAt time.Time

	RemoteID     string
	SystemFields []byte

	ListRemoteID string
	BookRemoteID string
}

// Validate checks required ListItem fields.
func (it *ListItem) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("id is required")
	}
	if it.ListID == "" && it.ListRemoteID == "" {
		return fmt.Errorf("list reference is required")
	}
	if it.BookID == "" && it.BookRemoteID == "" {
		return fmt.Errorf("book reference is required")
	}
	return nil
}

// Resolved reports whether both parent references point at local entities.
func (it *ListItem) Resolved() bool {
	return it.ListID != "" && it.BookID != ""
}

// Tombstone is the key-field snapshot captured when an entity is deleted.
// It carries the remote identifier so a remote deletion can be issued after
// the row itself is gone.
type Tombstone struct {
	ID       string `json:"id"`
	RemoteID string `json:"remote_id,omitempty"`
}

// ChangeRecord is one change_log row.
type ChangeRecord struct {
	Seq           int64
	TxID          int64
	CommittedAt   time.Time
	Origin        string
	Kind          string
	EntityID      string
	Change        string
	ChangedFields []string
	Tombstone     *Tombstone
}
