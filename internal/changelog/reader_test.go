package changelog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertBook(t *testing.T, st *store.Store, id, title string) int64 {
	t.Helper()

	txID, err := st.Do(context.Background(), func(tx *store.Tx) error {
		return tx.InsertBook(&store.Book{ID: id, Title: title})
	})
	if err != nil {
		t.Fatalf("failed to insert book %s: %v", id, err)
	}
	return txID
}

func TestFetchGroupsByTransaction(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	r := New(st, "sync", nil)

	tx1 := insertBook(t, st, "b1", "One")
	tx2, err := st.Do(ctx, func(tx *store.Tx) error {
		if err := tx.InsertBook(&store.Book{ID: "b2", Title: "Two"}); err != nil {
			return err
		}
		return tx.InsertList(&store.List{ID: "l1", Name: "Favorites"})
	})
	if err != nil {
		t.Fatalf("multi-change transaction failed: %v", err)
	}

	txs, err := r.Fetch(ctx, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].TxID != tx1 || txs[1].TxID != tx2 {
		t.Errorf("transactions out of commit order: %d, %d", txs[0].TxID, txs[1].TxID)
	}
	if len(txs[0].Changes) != 1 || len(txs[1].Changes) != 2 {
		t.Errorf("changes not grouped by transaction: %d, %d",
			len(txs[0].Changes), len(txs[1].Changes))
	}
	if txs[1].Changes[0].EntityID != "b2" || txs[1].Changes[1].EntityID != "l1" {
		t.Errorf("changes not in applied order: %+v", txs[1].Changes)
	}
}

func TestFetchHonorsCheckpoint(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	r := New(st, "sync", nil)

	tx1 := insertBook(t, st, "b1", "One")
	tx2 := insertBook(t, st, "b2", "Two")

	txs, err := r.Fetch(ctx, tx1)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(txs) != 1 || txs[0].TxID != tx2 {
		t.Fatalf("expected only the transaction after the checkpoint, got %+v", txs)
	}

	txs, err = r.Fetch(ctx, tx2)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("expected nothing past the last transaction, got %d", len(txs))
	}
}

func TestFetchExcludesEngineOrigin(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	r := New(st, "sync", nil)

	insertBook(t, st, "b1", "App Write")

	syncSt := st.WithOrigin("sync")
	if _, err := syncSt.Do(ctx, func(tx *store.Tx) error {
		return tx.InsertBook(&store.Book{ID: "b2", Title: "Engine Write"})
	}); err != nil {
		t.Fatalf("sync-origin write failed: %v", err)
	}

	txs, err := r.Fetch(ctx, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	if txs[0].Changes[0].EntityID != "b1" {
		t.Errorf("engine-origin write leaked into the upload feed: %+v", txs[0].Changes)
	}
}

func TestFetchParsesFieldsAndTombstones(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	r := New(st, "sync", nil)

	insertBook(t, st, "b1", "One")
	if _, err := st.Do(ctx, func(tx *store.Tx) error {
		b := &store.Book{ID: "b1", Title: "One Revised", RemoteID: "book/b1"}
		return tx.UpdateBook(b, []string{"title"})
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := st.Do(ctx, func(tx *store.Tx) error {
		return tx.DeleteBook("b1")
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	txs, err := r.Fetch(ctx, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(txs))
	}

	update := txs[1].Changes[0]
	if update.Change != store.ChangeUpdate {
		t.Fatalf("expected update, got %q", update.Change)
	}
	if len(update.ChangedFields) != 1 || update.ChangedFields[0] != "title" {
		t.Errorf("changed fields not preserved: %v", update.ChangedFields)
	}

	del := txs[2].Changes[0]
	if del.Change != store.ChangeDelete {
		t.Fatalf("expected delete, got %q", del.Change)
	}
	if del.Tombstone == nil || del.Tombstone.RemoteID != "book/b1" {
		t.Errorf("tombstone not preserved: %+v", del.Tombstone)
	}
}

func TestPrune(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	r := New(st, "sync", nil)

	tx1 := insertBook(t, st, "b1", "One")
	tx2 := insertBook(t, st, "b2", "Two")

	syncSt := st.WithOrigin("sync")
	if _, err := syncSt.Do(ctx, func(tx *store.Tx) error {
		return tx.InsertBook(&store.Book{ID: "b3", Title: "Engine Write"})
	}); err != nil {
		t.Fatalf("sync-origin write failed: %v", err)
	}

	if err := r.Prune(ctx, tx1); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	// Pruning removes confirmed transactions and all engine-origin rows.
	var count int
	if err := st.RawDB().QueryRow("SELECT COUNT(*) FROM change_log").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining change row, got %d", count)
	}

	txs, err := r.Fetch(ctx, 0)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(txs) != 1 || txs[0].TxID != tx2 {
		t.Errorf("expected only the unconfirmed transaction %d, got %+v", tx2, txs)
	}
}
