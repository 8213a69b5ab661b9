// Package engine implements the bidirectional sync engine that keeps the
// local datastore consistent with the remote record store.
//
// Architecture:
//
//	Coordinator ── owns ──> Initializer   (zone/subscription/identity bootstrap)
//	            ── owns ──> Upstream      (change log -> remote mutations)
//	            ── owns ──> Downstream    (remote changes -> local writes)
//	            ── owns ──> queue.Queue   (serial executor for all remote work)
//
// All remote-facing work runs on a single serial queue: one in-flight remote
// operation at a time, so the shared change token is never raced and the
// environment is never provisioned twice. The engine writes to the local
// store through a handle tagged with OriginSync; the change log reader
// excludes that origin, so the engine's own writes are never re-uploaded.
//
// Error routing: transient and conflict conditions are recovered inside the
// processors; rate limits suspend the queue for the server-supplied delay
// and re-enqueue the failed step; terminal conditions (account changed,
// remote data deleted, schema too new) propagate to the Coordinator, which
// disables sync and retains local data.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/remote"
)

// OriginSync tags every local write made by the engine. The change log
// reader excludes this origin to prevent feedback loops.
const OriginSync = "sync"

// sync_state keys owned by the engine.
const (
	// metaCheckpoint is the last transaction token whose upload was
	// confirmed; the change log before it is pruned.
	metaCheckpoint = "upload_checkpoint"

	// metaChangeToken is the remote change token of the last durably
	// applied downstream batch.
	metaChangeToken = "change_token"

	// metaIdentity is the account identity persisted at first successful
	// bootstrap. Sync fails closed if the current identity ever differs.
	metaIdentity = "account_identity"

	// metaSubscriptionID is the change-notification subscription id.
	metaSubscriptionID = "subscription_id"

	// metaLastUpload is the wall-clock time of the last confirmed upload.
	metaLastUpload = "last_upload_at"

	// metaEnabled is the persisted settings toggle ("1" or "0").
	metaEnabled = "sync_enabled"
)

// retryDelayDefault is the backoff for transient failures that carry no
// server-supplied delay.
const retryDelayDefault = 30 * time.Second

// DisableReason explains why the coordinator entered the disabled state.
type DisableReason string

// Disable reasons.
const (
	DisableAccountChanged DisableReason = "account_changed"
	DisableZoneDeleted    DisableReason = "zone_deleted"
	DisableAuthExpired    DisableReason = "auth_expired"
	DisableSchemaTooNew   DisableReason = "schema_too_new"
)

// terminalError marks a condition that must disable sync rather than be
// retried.
type terminalError struct {
	reason DisableReason
	err    error
}

func (e *terminalError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("sync disabled: %s", e.reason)
	}
	return fmt.Sprintf("sync disabled: %s: %v", e.reason, e.err)
}

func (e *terminalError) Unwrap() error { return e.err }

// terminal wraps err as a terminal condition.
func terminal(reason DisableReason, err error) error {
	return &terminalError{reason: reason, err: err}
}

// terminalReason extracts the disable reason from an error chain, mapping
// terminal remote codes to their reasons.
func terminalReason(err error) (DisableReason, bool) {
	var te *terminalError
	if errors.As(err, &te) {
		return te.reason, true
	}
	if remote.HasCode(err, remote.CodeZoneDeleted) {
		return DisableZoneDeleted, true
	}
	if remote.HasCode(err, remote.CodeAuthExpired) {
		return DisableAuthExpired, true
	}
	return "", false
}

// retryDelay reports whether err warrants a suspend-and-retry, and the
// delay to wait. Rate limits use the server-supplied delay exactly; other
// transient conditions use the default.
func retryDelay(err error) (time.Duration, bool) {
	re, ok := remote.AsError(err)
	if !ok {
		return 0, false
	}
	switch re.Code {
	case remote.CodeRateLimited:
		if re.RetryAfter > 0 {
			return re.RetryAfter, true
		}
		return retryDelayDefault, true
	case remote.CodeUnavailable:
		return retryDelayDefault, true
	}
	return 0, false
}
