package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DatabaseWatcher watches a SQLite database's directory for writes to the
// database or its WAL file. It is how the daemon notices commits made by a
// separate process (the app UI writes to the same database file); commits
// made in-process arrive through the store's own notification channel and
// do not need the file system.
//
// The watcher monitors the parent directory rather than the files
// themselves: SQLite removes and recreates the -wal file across
// checkpoints, and a watch on the file would be lost with it.
type DatabaseWatcher struct {
	watcher *fsnotify.Watcher
	signals chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dbPath  string
}

// NewDatabaseWatcher creates a watcher for the database at dbPath. The
// watcher must be started with Start() before it emits signals.
func NewDatabaseWatcher(dbPath string) (*DatabaseWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	return &DatabaseWatcher{
		watcher: watcher,
		signals: make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dbPath:  abs,
	}, nil
}

// Start begins watching the database directory.
func (dw *DatabaseWatcher) Start() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(dw.dbPath)
	if err := dw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}

	dw.running = true
	dw.wg.Add(1)
	go dw.processEvents()

	return nil
}

// Stop stops watching and cleans up. It blocks until the event processing
// goroutine has exited.
func (dw *DatabaseWatcher) Stop() error {
	dw.mu.Lock()
	if !dw.running {
		dw.mu.Unlock()
		return nil
	}
	dw.running = false
	dw.mu.Unlock()

	close(dw.done)

	if err := dw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	dw.wg.Wait()
	close(dw.signals)
	close(dw.errors)
	return nil
}

// Signals returns the channel signaled when the database changed on disk.
// Signals are coalesced; the channel carries at most one pending signal.
func (dw *DatabaseWatcher) Signals() <-chan struct{} {
	return dw.signals
}

// Errors returns the channel that emits watcher errors.
func (dw *DatabaseWatcher) Errors() <-chan error {
	return dw.errors
}

// IsRunning reports whether the watcher is currently running.
func (dw *DatabaseWatcher) IsRunning() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.running
}

// processEvents converts fsnotify events on the database files into
// coalesced change signals.
func (dw *DatabaseWatcher) processEvents() {
	defer dw.wg.Done()

	for {
		select {
		case <-dw.done:
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if !dw.isDatabaseFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case dw.signals <- struct{}{}:
			default:
				// A signal is already pending; one wakeup covers both.
			}

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case dw.errors <- err:
			case <-dw.done:
				return
			}
		}
	}
}

// isDatabaseFile reports whether path is the database or one of its
// journal sidecars.
func (dw *DatabaseWatcher) isDatabaseFile(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	switch abs {
	case dw.dbPath, dw.dbPath + "-wal", dw.dbPath + "-journal":
		return true
	}
	return false
}
