package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupWatcher(t *testing.T) (*DatabaseWatcher, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "library.db")
	if err := os.WriteFile(dbPath, []byte("seed"), 0o644); err != nil {
		t.Fatalf("failed to create database file: %v", err)
	}

	dw, err := NewDatabaseWatcher(dbPath)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := dw.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	t.Cleanup(func() { dw.Stop() })
	return dw, dbPath
}

func expectSignal(t *testing.T, dw *DatabaseWatcher) {
	t.Helper()

	select {
	case <-dw.Signals():
	case err := <-dw.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no change signal within timeout")
	}
}

func TestWatcherSignalsOnDatabaseWrite(t *testing.T) {
	dw, dbPath := setupWatcher(t)

	if err := os.WriteFile(dbPath, []byte("changed"), 0o644); err != nil {
		t.Fatalf("failed to write database file: %v", err)
	}
	expectSignal(t, dw)
}

func TestWatcherSignalsOnWALWrite(t *testing.T) {
	dw, dbPath := setupWatcher(t)

	// SQLite in WAL mode appends to the sidecar, not the main file.
	if err := os.WriteFile(dbPath+"-wal", []byte("frames"), 0o644); err != nil {
		t.Fatalf("failed to write wal file: %v", err)
	}
	expectSignal(t, dw)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dw, dbPath := setupWatcher(t)

	other := filepath.Join(filepath.Dir(dbPath), "notes.txt")
	if err := os.WriteFile(other, []byte("hi"), 0o644); err != nil {
		t.Fatalf("failed to write unrelated file: %v", err)
	}

	select {
	case <-dw.Signals():
		t.Fatal("unrelated file produced a signal")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherCoalescesSignals(t *testing.T) {
	dw, dbPath := setupWatcher(t)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(dbPath, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("failed to write database file: %v", err)
		}
	}
	expectSignal(t, dw)

	// At most one further signal may be pending; the channel never backs up.
	drained := 0
	for {
		select {
		case <-dw.Signals():
			drained++
			if drained > 1 {
				t.Fatalf("signals not coalesced: %d pending", drained)
			}
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

func TestWatcherLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "library.db")
	dw, err := NewDatabaseWatcher(dbPath)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	if dw.IsRunning() {
		t.Error("watcher running before Start")
	}
	if err := dw.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	if !dw.IsRunning() {
		t.Error("watcher not running after Start")
	}
	if err := dw.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if err := dw.Stop(); err != nil {
		t.Fatalf("failed to stop watcher: %v", err)
	}
	if dw.IsRunning() {
		t.Error("watcher still running after Stop")
	}
	if err := dw.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op: %v", err)
	}
}
