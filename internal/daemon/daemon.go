// Package daemon runs the sync engine as a long-lived background process.
//
// The daemon:
//  1. Starts the sync coordinator and keeps it running
//  2. Watches the database files so commits made by a separate app process
//     trigger an upload pass
//  3. Optionally serves the diagnostics dashboard
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/dashboard"
	"github.com/CyberFlameGO/ReadingListV1/internal/engine"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long to wait after a database file event
	// before scheduling an upload pass. Batches rapid writes together.
	DebounceInterval time.Duration

	// FetchInterval is how often to poll the remote store for changes, as
	// a fallback when no push notification arrives.
	FetchInterval time.Duration

	// DashboardPort serves the diagnostics dashboard when > 0.
	DashboardPort int

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		FetchInterval:    5 * time.Minute,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon supervises the sync engine, the database watcher, and the
// optional dashboard.
type Daemon struct {
	st     *store.Store
	coord  *engine.Coordinator
	config *Config

	watcher *DatabaseWatcher
	dash    *dashboard.Server
	monitor *dashboard.Monitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration.
func New(st *store.Store, coord *engine.Coordinator) (*Daemon, error) {
	return NewWithConfig(st, coord, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(st *store.Store, coord *engine.Coordinator, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		st:     st,
		coord:  coord,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start brings up the engine, the database watcher, and the dashboard.
func (d *Daemon) Start() error {
	if err := d.coord.Start(); err != nil {
		return err
	}

	watcher, err := NewDatabaseWatcher(d.st.Path())
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	d.watcher = watcher

	if d.config.DashboardPort > 0 {
		d.dash = dashboard.NewServer(&dashboard.Config{
			Port:   d.config.DashboardPort,
			Logger: d.config.Logger,
		})
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.monitor = dashboard.NewMonitor(d.dash, d.coord, d.st, 0, d.config.Logger)
		d.monitor.Start()
	}

	d.wg.Add(1)
	go d.run()

	d.config.Logger.Printf("daemon started (db %s)", d.st.Path())
	return nil
}

// Stop shuts everything down in reverse start order.
func (d *Daemon) Stop() {
	d.cancel()
	d.wg.Wait()

	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping watcher: %v", err)
		}
	}
	d.coord.Close()
	d.config.Logger.Printf("daemon stopped")
}

// run is the daemon's main loop: debounced database-file signals schedule
// upload passes, and a periodic timer schedules catch-up fetches.
func (d *Daemon) run() {
	defer d.wg.Done()

	fetchTicker := time.NewTicker(d.config.FetchInterval)
	defer fetchTicker.Stop()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Signals():
			if !ok {
				return
			}
			// The signal also fires for this process's own writes; the
			// upload pass is coalesced and reading an empty change log is
			// cheap.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(d.config.DebounceInterval, d.coord.ScheduleUpload)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Warning: watcher error: %v", err)

		case <-fetchTicker.C:
			d.coord.HandleRemoteChangeNotification()
		}
	}
}
