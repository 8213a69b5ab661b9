package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/changelog"
	"github.com/CyberFlameGO/ReadingListV1/internal/queue"
	"github.com/CyberFlameGO/ReadingListV1/internal/remote"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// State is the coordinator lifecycle state.
type State string

// Lifecycle states. Disabled is absorbing: it is reached from any state on
// a terminal error and left only by an explicit Enable.
const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

// Queue step names; a deferred retry re-enqueues a step by name.
const (
	stepPrepare = "prepare"
	stepUpload  = "upload"
	stepFetch   = "fetch"
)

// Config carries coordinator construction parameters.
type Config struct {
	// Zone is the remote zone holding this account's records.
	Zone string
	// Logger receives engine diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// DefaultZone is the zone name used when Config.Zone is empty.
const DefaultZone = "reading-list"

// Coordinator owns the sync engine lifecycle. It supervises the
// initializer and both processors, routes their errors through the shared
// retry policy, reacts to reachability transitions, and exposes the
// application-facing surface: Start, Stop, ForceFullResync, Status,
// HandleRemoteChangeNotification, and the Enable/Disable settings toggle.
type Coordinator struct {
	app    *store.Store
	st     *store.Store
	remote remote.Store
	zone   string
	logger *log.Logger

	queue *queue.Queue
	init  *Initializer
	up    *Upstream
	down  *Downstream

	mu            sync.Mutex
	state         State
	disableReason DisableReason
	lastErr       error
	reachable     bool
	uploadQueued  bool
	fetchQueued   bool
	stopWatch     chan struct{}
	watcherDone   chan struct{}
	retryTimer    *time.Timer
}

// New wires up a coordinator. st is the application's store handle; the
// engine derives its own sync-origin handle from it, so engine writes are
// excluded from the change log it uploads.
func New(st *store.Store, rs remote.Store, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	zone := cfg.Zone
	if zone == "" {
		zone = DefaultZone
	}

	syncSt := st.WithOrigin(OriginSync)
	reader := changelog.New(syncSt, OriginSync, logger)
	up := NewUpstream(syncSt, reader, rs, zone, logger)

	return &Coordinator{
		app:       st,
		st:        syncSt,
		remote:    rs,
		zone:      zone,
		logger:    logger,
		queue:     queue.New(logger),
		init:      NewInitializer(syncSt, rs, zone, logger),
		up:        up,
		down:      NewDownstream(syncSt, rs, zone, up, logger),
		state:     StateStopped,
		reachable: true,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start brings the engine up: it subscribes to local commit notifications
// and enqueues the bootstrap chain — environment prepare, then an initial
// upload, then an initial fetch. The chain is dependency-ordered; canceling
// prepare cancels the rest. Starting a disabled engine is an error; use
// Enable.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateRunning:
		c.mu.Unlock()
		return nil
	case StateDisabled:
		c.mu.Unlock()
		return fmt.Errorf("sync is disabled (%s); re-enable it first", c.disableReason)
	}
	c.state = StateStarting
	c.uploadQueued = true
	c.fetchQueued = true
	c.stopWatch = make(chan struct{})
	c.watcherDone = make(chan struct{})
	c.mu.Unlock()

	go c.watchCommits(c.st.Subscribe(), c.stopWatch, c.watcherDone)

	prepare := c.queue.NewOperation(stepPrepare, queue.PriorityHigh, c.wrap(stepPrepare))
	upload := c.queue.NewOperation(stepUpload, queue.PriorityNormal, c.wrap(stepUpload)).After(prepare)
	fetch := c.queue.NewOperation(stepFetch, queue.PriorityNormal, c.wrap(stepFetch)).After(upload)
	c.queue.AddBatch(prepare, upload, fetch)

	c.logger.Printf("sync starting (zone %s)", c.zone)
	return nil
}

// Stop cancels queued and in-flight remote work and unsubscribes from
// commit notifications. Checkpoints are kept; the next Start resumes where
// this run left off.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	if c.state != StateDisabled {
		c.state = StateStopped
	}
	stopWatch, watcherDone := c.stopWatch, c.watcherDone
	c.stopWatch, c.watcherDone = nil, nil
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.uploadQueued = false
	c.fetchQueued = false
	c.mu.Unlock()

	if stopWatch != nil {
		close(stopWatch)
		<-watcherDone
	}
	c.queue.CancelAll()
	c.up.Reset()
	c.logger.Printf("sync stopped")
}

// Close stops the engine and shuts down its queue.
func (c *Coordinator) Close() {
	c.Stop()
	c.queue.Close()
}

// ForceFullResync erases every cached remote identifier and system-fields
// blob plus both checkpoints, then restarts the engine: the next upload
// pushes a full snapshot and the next fetch replays the zone from the
// beginning. Local entity data is untouched.
func (c *Coordinator) ForceFullResync(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisabled {
		c.mu.Unlock()
		return fmt.Errorf("sync is disabled (%s); re-enable it first", c.disableReason)
	}
	c.mu.Unlock()

	c.Stop()
	if err := c.st.ResetSyncMetadata(ctx, metaCheckpoint, metaChangeToken, metaLastUpload); err != nil {
		return fmt.Errorf("failed to reset sync metadata: %w", err)
	}
	c.logger.Printf("sync metadata reset, forcing full resync")
	return c.Start()
}

// HandleRemoteChangeNotification schedules a downstream fetch. Invoked when
// a push notification reports that remote changes are available.
func (c *Coordinator) HandleRemoteChangeNotification() {
	c.scheduleFetch()
}

// SetReachable reacts to network reachability transitions: unreachable
// suspends the queue (in-flight work finishes, nothing new starts);
// reachable resumes it and immediately fetches to catch up on anything
// missed while offline.
func (c *Coordinator) SetReachable(reachable bool) {
	c.mu.Lock()
	if c.reachable == reachable {
		c.mu.Unlock()
		return
	}
	c.reachable = reachable
	c.mu.Unlock()

	if !reachable {
		c.logger.Printf("network unreachable, suspending sync")
		c.queue.Suspend()
		return
	}
	c.logger.Printf("network reachable, resuming sync")
	c.queue.Resume()
	c.scheduleFetch()
}

// Enable persists the settings flag and starts the engine. It clears a
// disabled state: the user has explicitly chosen to reconcile.
func (c *Coordinator) Enable(ctx context.Context) error {
	if err := c.st.SetMeta(ctx, metaEnabled, "1"); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateDisabled {
		c.state = StateStopped
		c.disableReason = ""
		c.lastErr = nil
	}
	c.mu.Unlock()
	return c.Start()
}

// Disable stops the engine and clears the settings flag. Local data is
// retained.
func (c *Coordinator) Disable(ctx context.Context) error {
	c.Stop()
	return c.st.SetMeta(ctx, metaEnabled, "0")
}

// Enabled reports the persisted settings flag.
func (c *Coordinator) Enabled(ctx context.Context) (bool, error) {
	return SyncEnabled(ctx, c.st)
}

// watchCommits converts app-origin commit notifications into upload
// scheduling. Engine-origin commits are ignored: the engine's own writes
// must never be re-uploaded.
func (c *Coordinator) watchCommits(commits <-chan store.Commit, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case cm, ok := <-commits:
			if !ok {
				return
			}
			if cm.Origin == OriginSync {
				continue
			}
			c.ScheduleUpload()
		case <-stop:
			return
		}
	}
}

// ScheduleUpload enqueues an upload pass unless one is already pending.
func (c *Coordinator) ScheduleUpload() {
	c.enqueue(stepUpload)
}

func (c *Coordinator) scheduleFetch() {
	c.enqueue(stepFetch)
}

// enqueue adds a coalesced step: at most one instance of each step sits in
// the queue at a time.
func (c *Coordinator) enqueue(step string) {
	c.mu.Lock()
	if c.state != StateStarting && c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	switch step {
	case stepUpload:
		if c.uploadQueued {
			c.mu.Unlock()
			return
		}
		c.uploadQueued = true
	case stepFetch:
		if c.fetchQueued {
			c.mu.Unlock()
			return
		}
		c.fetchQueued = true
	}
	c.mu.Unlock()
	c.queue.Add(step, queue.PriorityNormal, c.wrap(step))
}

// wrap binds a step name to its body and routes the outcome through the
// shared error policy.
func (c *Coordinator) wrap(step string) func(context.Context) error {
	return func(ctx context.Context) error {
		c.mu.Lock()
		switch step {
		case stepUpload:
			c.uploadQueued = false
		case stepFetch:
			c.fetchQueued = false
		}
		c.mu.Unlock()

		err := c.runStep(ctx, step)
		c.routeError(step, err)
		return err
	}
}

func (c *Coordinator) runStep(ctx context.Context, step string) error {
	switch step {
	case stepPrepare:
		if err := c.init.Prepare(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		if c.state == StateStarting {
			c.state = StateRunning
		}
		c.mu.Unlock()
		c.logger.Printf("environment ready, sync running")
		return nil
	case stepUpload:
		return c.up.Process(ctx)
	case stepFetch:
		return c.down.Fetch(ctx)
	}
	return fmt.Errorf("unknown step %q", step)
}

// routeError implements the shared error policy: cancellations are silent,
// terminal conditions disable sync, transient and rate-limited conditions
// suspend the queue and re-enqueue the step after the server-supplied (or
// default) delay, and anything else is logged as a stop condition for this
// run.
func (c *Coordinator) routeError(step string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrCanceled) {
		return
	}
	if reason, ok := terminalReason(err); ok {
		c.reportTerminal(reason, err)
		return
	}
	if delay, ok := retryDelay(err); ok {
		c.logger.Printf("%s deferred for %s: %v", step, delay, err)
		c.deferRetry(delay, step)
		return
	}
	c.logger.Printf("Error: %s failed: %v", step, err)
}

// deferRetry suspends the queue, then resumes it and re-enqueues the
// failed step after the delay. One deferral is in effect at a time; a new
// one replaces the pending timer.
func (c *Coordinator) deferRetry(delay time.Duration, step string) {
	c.queue.Suspend()

	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		reachable := c.reachable
		c.mu.Unlock()
		// Stay suspended while offline; SetReachable resumes and fetches.
		if reachable {
			c.queue.Resume()
		}
		if step == stepPrepare {
			c.restartBootstrap()
			return
		}
		c.enqueue(step)
	})
	c.mu.Unlock()
}

// restartBootstrap re-enqueues the prepare chain after a deferred retry.
func (c *Coordinator) restartBootstrap() {
	c.mu.Lock()
	if c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	c.uploadQueued = true
	c.fetchQueued = true
	c.mu.Unlock()

	prepare := c.queue.NewOperation(stepPrepare, queue.PriorityHigh, c.wrap(stepPrepare))
	upload := c.queue.NewOperation(stepUpload, queue.PriorityNormal, c.wrap(stepUpload)).After(prepare)
	fetch := c.queue.NewOperation(stepFetch, queue.PriorityNormal, c.wrap(stepFetch)).After(upload)
	c.queue.AddBatch(prepare, upload, fetch)
}

// reportTerminal transitions to disabled, flips the persisted settings
// flag off, and cancels all remote work. Local data is retained; the user
// must explicitly re-enable and choose how to reconcile.
func (c *Coordinator) reportTerminal(reason DisableReason, err error) {
	c.mu.Lock()
	if c.state == StateDisabled {
		c.mu.Unlock()
		return
	}
	c.state = StateDisabled
	c.disableReason = reason
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Printf("Error: sync disabled (%s): %v", reason, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := c.st.SetMeta(ctx, metaEnabled, "0"); serr != nil {
		c.logger.Printf("Error: failed to persist disabled flag: %v", serr)
	}
	c.queue.CancelAll()
}

// Wait blocks until the queue drains. Used by one-shot runs and tests.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.queue.Wait(ctx)
}
