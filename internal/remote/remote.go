// Package remote defines the contract with the remote record store and its
// typed errors, plus two implementations: an HTTP JSON client and an
// in-memory store used by tests and local development.
//
// The remote store is an opaque multi-device record database. Records live
// in a zone (one logical partition per account), every record carries an
// opaque change tag, and saves are optimistic-concurrency: a record is only
// written if the tag the client presents matches what the server stores.
// Incremental fetches stream changes since an opaque token and issue
// checkpoint tokens mid-stream so very large change sets can be applied and
// committed in bounded batches.
package remote

import (
	"context"

	"github.com/CyberFlameGO/ReadingListV1/internal/record"
)

// ChangeToken is an opaque cursor into a zone's change history. The empty
// token means "from the beginning".
type ChangeToken string

// Identity identifies the signed-in account. Sync must fail closed if it
// ever differs from the identity persisted at first sync.
type Identity string

// SaveRequest is a batch of record saves and deletions.
//
// Every save is optimistic: a record whose ChangeTag does not match the
// server's stored tag fails with CodeConflict; a record with an empty
// ChangeTag is a creation and fails with CodeConflict if it already exists.
// Saves with a restricted field set merge into the stored record; absent
// keys are left untouched.
type SaveRequest struct {
	Saves   []*record.Record
	Deletes []record.ID
	// Atomic makes the whole batch fail if any item fails. Non-atomic
	// batches preserve sibling successes and report per-item failures.
	Atomic bool
}

// SaveResult reports per-item outcomes of a batch save.
type SaveResult struct {
	// Saved holds the server's view of each saved record, including the
	// newly assigned change tag.
	Saved []*record.Record
	// Deleted lists the identifiers whose deletion was applied (deleting an
	// unknown record counts as applied).
	Deleted []record.ID
	// Failed maps each failing identifier to its typed error.
	Failed map[record.ID]error
}

// ChangeBatch is one page of an incremental fetch. Token is a valid
// checkpoint after this batch has been durably applied; Final marks the
// last page of the fetch.
type ChangeBatch struct {
	Changed []*record.Record
	Deleted []record.ID
	Token   ChangeToken
	Final   bool
}

// ChangeFunc receives change batches in order. Returning an error aborts
// the fetch; the caller keeps the token of the last batch it applied.
type ChangeFunc func(ChangeBatch) error

// Store is the remote record store contract consumed by the sync engine.
//
// All failures are reported as *Error where the condition is one the engine
// triages (retry, rate limit, conflict, terminal); see the Code constants.
type Store interface {
	// CurrentUser returns the signed-in account identity.
	CurrentUser(ctx context.Context) (Identity, error)

	// ZoneExists checks whether the zone has been provisioned.
	ZoneExists(ctx context.Context, zone string) (bool, error)

	// CreateZone provisions the zone. Creating an existing zone is not an
	// error.
	CreateZone(ctx context.Context, zone string) error

	// SubscriptionExists checks whether the change-notification
	// subscription has been provisioned.
	SubscriptionExists(ctx context.Context, zone, subscriptionID string) (bool, error)

	// CreateSubscription provisions the change-notification subscription.
	// Creating an existing subscription is not an error.
	CreateSubscription(ctx context.Context, zone, subscriptionID string) error

	// Save executes a batch save with optimistic-concurrency semantics.
	// A non-nil SaveResult is returned whenever the batch itself executed,
	// even if individual items failed.
	Save(ctx context.Context, zone string, req SaveRequest) (*SaveResult, error)

	// Fetch retrieves current server state for specific records. Unknown
	// identifiers are simply absent from the result.
	Fetch(ctx context.Context, zone string, ids []record.ID) ([]*record.Record, error)

	// FetchChanges streams changes committed after since, invoking fn per
	// batch, and returns the final token. The empty token fetches
	// everything.
	FetchChanges(ctx context.Context, zone string, since ChangeToken, fn ChangeFunc) (ChangeToken, error)
}
