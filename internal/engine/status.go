package engine

import (
	"context"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// Status is a read-only diagnostic snapshot. Building it never touches the
// remote store and never blocks the operation queue.
type Status struct {
	State         State
	DisableReason DisableReason
	LastError     string

	// Counts holds per-kind local and already-uploaded entity counts.
	Counts map[string]store.KindCount

	// PendingTransactions is the number of buffered, unconfirmed local
	// transactions awaiting upload.
	PendingTransactions int

	// LastUploadAt is the time of the last confirmed upload; zero if none.
	LastUploadAt time.Time

	QueueSuspended bool

	// Resources reports the environment bootstrap state per resource.
	Resources map[string]ResourceState
}

// SyncEnabled reads the persisted settings toggle. It exists for
// diagnostics (the status command) that inspect the local database without
// a remote store configured.
func SyncEnabled(ctx context.Context, st *store.Store) (bool, error) {
	v, err := st.GetMeta(ctx, metaEnabled)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// LastUploadTime reads the persisted time of the last confirmed upload;
// zero if no upload has been confirmed.
func LastUploadTime(ctx context.Context, st *store.Store) (time.Time, error) {
	v, err := st.GetMeta(ctx, metaLastUpload)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// Status assembles a diagnostic snapshot from local state only.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	counts, err := c.app.EntityCounts(ctx)
	if err != nil {
		return nil, err
	}

	lastUpload, err := LastUploadTime(ctx, c.app)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	st := &Status{
		State:         c.state,
		DisableReason: c.disableReason,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	st.Counts = counts
	st.PendingTransactions = c.up.PendingCount()
	st.LastUploadAt = lastUpload
	st.QueueSuspended = c.queue.Suspended()
	st.Resources = c.init.States()
	return st, nil
}
