package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testBook(id, title string) *Book {
	return &Book{ID: id, Title: title, Author: "Test Author"}
}

func TestInsertAndGetBook(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := testBook("9780134190440", "The Go Programming Language")
	b.PageCount = 380
	b.Rating = 5
	b.StartedAt = &started

	if _, err := st.Do(ctx, func(tx *Tx) error {
		return tx.InsertBook(b)
	}); err != nil {
		t.Fatalf("InsertBook failed: %v", err)
	}

	got, err := st.GetBook(ctx, "9780134190440")
	if err != nil {
		t.Fatalf("GetBook failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected book, got nil")
	}
	if got.Title != b.Title || got.PageCount != 380 || got.Rating != 5 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("expected started at %v, got %v", started, got.StartedAt)
	}

	missing, err := st.GetBook(ctx, "no-such-book")
	if err != nil {
		t.Fatalf("GetBook failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing book, got %+v", missing)
	}
}

func TestBookValidation(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		book *Book
	}{
		{"missing id", &Book{Title: "No ID"}},
		{"missing title", &Book{ID: "123"}},
		{"rating too high", &Book{ID: "123", Title: "T", Rating: 6}},
		{"rating negative", &Book{ID: "123", Title: "T", Rating: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.Do(ctx, func(tx *Tx) error {
				return tx.InsertBook(tc.book)
			})
			if err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestTxIDsStrictlyIncrease(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		b := testBook(string(rune('a'+i))+"-key", "Book")
		txID, err := st.Do(ctx, func(tx *Tx) error {
			return tx.InsertBook(b)
		})
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		ids = append(ids, txID)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("tx ids not strictly increasing: %v", ids)
		}
	}

	next, err := st.NextTxID(ctx)
	if err != nil {
		t.Fatalf("NextTxID failed: %v", err)
	}
	if next != ids[len(ids)-1]+1 {
		t.Errorf("expected next tx id %d, got %d", ids[len(ids)-1]+1, next)
	}
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	before, err := st.NextTxID(ctx)
	if err != nil {
		t.Fatalf("NextTxID failed: %v", err)
	}

	_, err = st.Do(ctx, func(tx *Tx) error {
		if err := tx.InsertBook(testBook("111", "Doomed")); err != nil {
			return err
		}
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected error from aborted transaction")
	}

	got, err := st.GetBook(ctx, "111")
	if err != nil {
		t.Fatalf("GetBook failed: %v", err)
	}
	if got != nil {
		t.Error("rolled back book is still visible")
	}

	after, err := st.NextTxID(ctx)
	if err != nil {
		t.Fatalf("NextTxID failed: %v", err)
	}
	if after != before {
		t.Errorf("tx counter moved across a rollback: %d -> %d", before, after)
	}
}

func TestChangeLogOriginAndGrouping(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	syncSt := st.WithOrigin("sync")

	txID, err := st.Do(ctx, func(tx *Tx) error {
		if err := tx.InsertBook(testBook("b1", "One")); err != nil {
			return err
		}
		return tx.InsertBook(testBook("b2", "Two"))
	})
	if err != nil {
		t.Fatalf("app write failed: %v", err)
	}
	if _, err := syncSt.Do(ctx, func(tx *Tx) error {
		return tx.InsertBook(testBook("b3", "Three"))
	}); err != nil {
		t.Fatalf("sync write failed: %v", err)
	}

	rows, err := st.RawDB().Query(
		"SELECT tx_id, origin, entity_id FROM change_log ORDER BY seq")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()

	type row struct {
		txID     int64
		origin   string
		entityID string
	}
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.txID, &r.origin, &r.entityID); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 change rows, got %d", len(got))
	}
	if got[0].txID != txID || got[1].txID != txID {
		t.Errorf("rows of one Do call should share a tx id: %+v", got)
	}
	if got[0].origin != OriginApp || got[2].origin != "sync" {
		t.Errorf("origins not stamped per handle: %+v", got)
	}
}

func TestDeleteCapturesTombstone(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	b := testBook("b1", "Doomed")
	b.RemoteID = "book/b1"
	if _, err := st.Do(ctx, func(tx *Tx) error {
		return tx.InsertBook(b)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := st.Do(ctx, func(tx *Tx) error {
		return tx.DeleteBook("b1")
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var tomb string
	err := st.RawDB().QueryRow(
		"SELECT tombstone FROM change_log WHERE change = 'delete'").Scan(&tomb)
	if err != nil {
		t.Fatalf("tombstone row missing: %v", err)
	}
	if tomb == "" || tomb == "null" {
		t.Error("delete logged without a tombstone")
	}

	// Deleting a missing entity is a no-op and logs nothing.
	if _, err := st.Do(ctx, func(tx *Tx) error {
		return tx.DeleteBook("never-existed")
	}); err != nil {
		t.Fatalf("no-op delete failed: %v", err)
	}
	var count int
	if err := st.RawDB().QueryRow(
		"SELECT COUNT(*) FROM change_log WHERE change = 'delete'").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 delete row, got %d", count)
	}
}

func TestSubscribeDeliversCommits(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	commits := st.Subscribe()

	txID, err := st.Do(ctx, func(tx *Tx) error {
		return tx.InsertBook(testBook("b1", "One"))
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	select {
	case c := <-commits:
		if c.TxID != txID || c.Origin != OriginApp {
			t.Errorf("unexpected commit %+v, want tx %d origin %q", c, txID, OriginApp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit notification")
	}
}

func TestMetaRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	got, err := st.GetMeta(ctx, "absent")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty value for absent key, got %q", got)
	}

	if err := st.SetMeta(ctx, "change_token", "tok-1"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := st.SetMeta(ctx, "change_token", "tok-2"); err != nil {
		t.Fatalf("SetMeta overwrite failed: %v", err)
	}
	got, err = st.GetMeta(ctx, "change_token")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got != "tok-2" {
		t.Errorf("expected tok-2, got %q", got)
	}

	if err := st.DeleteMeta(ctx, "change_token"); err != nil {
		t.Fatalf("DeleteMeta failed: %v", err)
	}
	if got, _ = st.GetMeta(ctx, "change_token"); got != "" {
		t.Errorf("expected deleted key to read empty, got %q", got)
	}
}

func TestFindUnsyncedListByName(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	synced := &List{ID: "l1", Name: "Favorites", RemoteID: "list/abc"}
	unsynced := &List{ID: "l2", Name: "Favorites"}
	if _, err := st.Do(ctx, func(tx *Tx) error {
		if err := tx.InsertList(synced); err != nil {
			return err
		}
		return tx.InsertList(unsynced)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := st.FindUnsyncedListByName(ctx, "Favorites")
	if err != nil {
		t.Fatalf("FindUnsyncedListByName failed: %v", err)
	}
	if got == nil || got.ID != "l2" {
		t.Errorf("expected the unsynced list l2, got %+v", got)
	}
}

func TestDanglingListItems(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Do(ctx, func(tx *Tx) error {
		if err := tx.InsertBook(testBook("b1", "One")); err != nil {
			return err
		}
		if err := tx.InsertList(&List{ID: "l1", Name: "Favorites"}); err != nil {
			return err
		}
		resolved := &ListItem{ID: "i1", ListID: "l1", BookID: "b1"}
		if err := tx.InsertListItem(resolved); err != nil {
			return err
		}
		dangling := &ListItem{ID: "i2", ListRemoteID: "list/x", BookRemoteID: "book/y"}
		return tx.InsertListItem(dangling)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	items, err := st.DanglingListItems(ctx, 10)
	if err != nil {
		t.Fatalf("DanglingListItems failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != "i2" {
		t.Errorf("expected only i2 dangling, got %+v", items)
	}
}

func TestFindUnsyncedListItemByRefs(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Do(ctx, func(tx *Tx) error {
		b := testBook("b1", "One")
		b.RemoteID = "book/b1"
		if err := tx.InsertBook(b); err != nil {
			return err
		}
		l := &List{ID: "l1", Name: "Favorites", RemoteID: "list/abc"}
		if err := tx.InsertList(l); err != nil {
			return err
		}
		// Resolved parents but the item itself has never been uploaded.
		return tx.InsertListItem(&ListItem{ID: "i1", ListID: "l1", BookID: "b1"})
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := st.FindUnsyncedListItemByRefs(ctx, "list/abc", "book/b1")
	if err != nil {
		t.Fatalf("FindUnsyncedListItemByRefs failed: %v", err)
	}
	if got == nil || got.ID != "i1" {
		t.Errorf("expected i1 via parent remote ids, got %+v", got)
	}

	got, err = st.FindUnsyncedListItemByRefs(ctx, "list/other", "book/b1")
	if err != nil {
		t.Fatalf("FindUnsyncedListItemByRefs failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected no match for a different list, got %+v", got)
	}
}

func TestEntityCounts(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Do(ctx, func(tx *Tx) error {
		uploaded := testBook("b1", "One")
		uploaded.RemoteID = "book/b1"
		if err := tx.InsertBook(uploaded); err != nil {
			return err
		}
		return tx.InsertBook(testBook("b2", "Two"))
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	counts, err := st.EntityCounts(ctx)
	if err != nil {
		t.Fatalf("EntityCounts failed: %v", err)
	}
	if c := counts[KindBook]; c.Local != 2 || c.Uploaded != 1 {
		t.Errorf("expected books 2/1, got %d/%d", c.Local, c.Uploaded)
	}
	if c := counts[KindList]; c.Local != 0 {
		t.Errorf("expected no lists, got %d", c.Local)
	}
}

func TestResetSyncMetadata(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.Do(ctx, func(tx *Tx) error {
		b := testBook("b1", "One")
		b.RemoteID = "book/b1"
		b.SystemFields = []byte(`{"record_id":"book/b1","change_tag":"ct-1"}`)
		if err := tx.InsertBook(b); err != nil {
			return err
		}
		it := &ListItem{ID: "i1", ListRemoteID: "list/x", BookRemoteID: "book/b1", RemoteID: "list_item/i1"}
		return tx.InsertListItem(it)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.SetMeta(ctx, "upload_checkpoint", "7"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}

	if err := st.ResetSyncMetadata(ctx, "upload_checkpoint"); err != nil {
		t.Fatalf("ResetSyncMetadata failed: %v", err)
	}

	if v, _ := st.GetMeta(ctx, "upload_checkpoint"); v != "" {
		t.Errorf("checkpoint survived reset: %q", v)
	}
	b, err := st.GetBook(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBook failed: %v", err)
	}
	if b.RemoteID != "" || b.SystemFields != nil {
		t.Errorf("cached remote identity survived reset: %+v", b)
	}
	it, err := st.GetListItem(ctx, "i1")
	if err != nil {
		t.Fatalf("GetListItem failed: %v", err)
	}
	if it.RemoteID != "" {
		t.Errorf("item remote id survived reset: %q", it.RemoteID)
	}
	// Transient parent references survive so a re-downloaded item record can
	// still be matched to this row.
	if it.ListRemoteID != "list/x" || it.BookRemoteID != "book/b1" {
		t.Errorf("transient parent references lost in reset: %+v", it)
	}
}
