package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/CyberFlameGO/ReadingListV1/internal/record"
	"github.com/CyberFlameGO/ReadingListV1/internal/remote"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// repairBatchLimit caps how many dangling list items one sweep examines.
const repairBatchLimit = 500

// pendingSource reports which local properties of an entity still have an
// unconfirmed local edit. Downstream applies exclude them.
type pendingSource interface {
	PendingFields(kind, entityID string) map[string]bool
}

// Downstream pulls remote changes since the persisted change token and
// applies them locally. Each fetch page is applied and committed together
// with its token in a single local transaction, bounding crash-recovery
// replay for large change sets. After the final page, a repair sweep
// resolves list items whose parent records arrived in a later page.
type Downstream struct {
	st      *store.Store
	remote  remote.Store
	zone    string
	pending pendingSource
	logger  *log.Logger
}

// NewDownstream creates the downstream processor. st must be the engine's
// sync-origin store handle.
func NewDownstream(st *store.Store, rs remote.Store, zone string, pending pendingSource, logger *log.Logger) *Downstream {
	if logger == nil {
		logger = log.New(os.Stderr, "[downstream] ", log.LstdFlags)
	}
	return &Downstream{st: st, remote: rs, zone: zone, pending: pending, logger: logger}
}

// Fetch pulls changes since the persisted token and applies them. An empty
// token fetches the zone's full history (first run or post-reset). Remote
// errors are returned for the coordinator to route; the token only ever
// reflects batches that were durably committed.
func (d *Downstream) Fetch(ctx context.Context) error {
	since, err := d.st.GetMeta(ctx, metaChangeToken)
	if err != nil {
		return err
	}

	applied := 0
	_, err = d.remote.FetchChanges(ctx, d.zone, remote.ChangeToken(since), func(batch remote.ChangeBatch) error {
		n, err := d.applyBatch(ctx, batch)
		applied += n
		return err
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		d.logger.Printf("applied %d remote changes", applied)
	}
	return d.repairSweep(ctx)
}

// applyBatch applies one fetch page and persists its token in the same
// local transaction. Records from a newer schema version are terminal: this
// build cannot interpret their fields safely.
func (d *Downstream) applyBatch(ctx context.Context, batch remote.ChangeBatch) (int, error) {
	for _, rec := range batch.Changed {
		if rec.SchemaVersion > record.SchemaVersion {
			return 0, terminal(DisableSchemaTooNew,
				fmt.Errorf("record %s has schema version %d, this build supports %d",
					rec.ID, rec.SchemaVersion, record.SchemaVersion))
		}
	}

	applied := 0
	_, err := d.st.Do(ctx, func(tx *store.Tx) error {
		for _, rec := range batch.Changed {
			// A record that cannot be applied stops the run before the
			// token advances; skipping would drop it permanently.
			if err := d.applyRecord(tx, rec); err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
			applied++
		}
		for _, id := range batch.Deleted {
			if err := d.applyDeletion(tx, id); err != nil {
				return err
			}
			applied++
		}
		return tx.SetMeta(metaChangeToken, string(batch.Token))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply change batch: %w", err)
	}
	return applied, nil
}

// applyRecord merges one remote record into local state: match by remote
// identifier first, then by natural key (reconciling an entity another
// device created for the same thing), otherwise create. Fields with a
// pending local edit are never overwritten. An unchanged change tag means
// the local cache already reflects this record.
func (d *Downstream) applyRecord(tx *store.Tx, rec *record.Record) error {
	switch rec.ID.Kind {
	case record.KindBook:
		return d.applyBook(tx, rec)
	case record.KindList:
		return d.applyList(tx, rec)
	case record.KindListItem:
		return d.applyListItem(tx, rec)
	}
	d.logger.Printf("Warning: ignoring record of unknown kind %q", rec.ID.Kind)
	return nil
}

func (d *Downstream) applyBook(tx *store.Tx, rec *record.Record) error {
	b, err := tx.FindBookByRemoteID(rec.ID.String())
	if err != nil {
		return err
	}
	matched := false
	if b == nil {
		// Book record names derive from the content key, so an unsynced
		// local book with the same key is the same book.
		candidate, err := tx.GetBook(rec.ID.Name)
		if err != nil {
			return err
		}
		if candidate != nil && record.MatchesBook(rec, candidate) {
			b = candidate
			matched = true
		}
	}

	if b == nil {
		b = &store.Book{ID: rec.ID.Name}
		record.ApplyBook(rec, b, nil)
		b.RemoteID = rec.ID.String()
		b.SystemFields = record.EncodeSystemFields(rec.ID, rec.ChangeTag)
		return tx.InsertBook(b)
	}

	if unchanged(b.SystemFields, rec.ChangeTag) {
		return nil
	}
	// A natural-key match is first-sync reconciliation: two records claim to
	// be the same book with no shared history, so fields merge by heuristic
	// instead of the server clobbering local values.
	var applied []string
	if matched {
		applied = record.MergeBook(rec, b)
	} else {
		applied = record.ApplyBook(rec, b, d.pending.PendingFields(store.KindBook, b.ID))
	}
	b.RemoteID = rec.ID.String()
	b.SystemFields = record.EncodeSystemFields(rec.ID, rec.ChangeTag)
	return tx.UpdateBook(b, applied)
}

func (d *Downstream) applyList(tx *store.Tx, rec *record.Record) error {
	l, err := tx.FindListByRemoteID(rec.ID.String())
	if err != nil {
		return err
	}
	matched := false
	if l == nil {
		if name, ok := rec.Fields["name"]; ok {
			candidate, err := tx.FindUnsyncedListByName(name.Str)
			if err != nil {
				return err
			}
			if candidate != nil && record.MatchesList(rec, candidate) {
				l = candidate
				matched = true
			}
		}
	}

	if l == nil {
		l = &store.List{ID: uuid.NewString()}
		record.ApplyList(rec, l, nil)
		l.RemoteID = rec.ID.String()
		l.SystemFields = record.EncodeSystemFields(rec.ID, rec.ChangeTag)
		return tx.InsertList(l)
	}

	if unchanged(l.SystemFields, rec.ChangeTag) {
		return nil
	}
	var applied []string
	if matched {
		applied = record.MergeList(rec, l)
	} else {
		applied = record.ApplyList(rec, l, d.pending.PendingFields(store.KindList, l.ID))
	}
	l.RemoteID = rec.ID.String()
	l.SystemFields = record.EncodeSystemFields(rec.ID, rec.ChangeTag)
	return tx.UpdateList(l, applied)
}

func (d *Downstream) applyListItem(tx *store.Tx, rec *record.Record) error {
	it, err := tx.FindListItemByRemoteID(rec.ID.String())
	if err != nil {
		return err
	}
	if it == nil {
		listRef, okL := rec.Fields["list"]
		bookRef, okB := rec.Fields["book"]
		if okL && okB {
			candidate, err := tx.FindUnsyncedListItemByRefs(listRef.Ref.String(), bookRef.Ref.String())
			if err != nil {
				return err
			}
			if candidate != nil {
				it = candidate
			}
		}
	}

	creating := false
	if it == nil {
		it = &store.ListItem{ID: uuid.NewString()}
		creating = true
	} else if unchanged(it.SystemFields, rec.ChangeTag) {
		return nil
	}

	var exclude map[string]bool
	if !creating {
		exclude = d.pending.PendingFields(store.KindListItem, it.ID)
	}
	applied := record.ApplyListItem(rec, it, exclude)
	it.RemoteID = rec.ID.String()
	it.SystemFields = record.EncodeSystemFields(rec.ID, rec.ChangeTag)

	// Resolve parent references that are already present locally; the rest
	// is the repair sweep's job once later pages have arrived.
	if err := resolveItemRefs(tx, it); err != nil {
		return err
	}
	if creating {
		return tx.InsertListItem(it)
	}
	return tx.UpdateListItem(it, applied)
}

// resolveItemRefs points an item's local parent keys at entities matching
// its remote references, where those entities exist. A key already resolved
// to a parent whose remote id no longer matches the reference is stale (the
// item was moved on another device) and is dropped before re-resolving.
func resolveItemRefs(tx *store.Tx, it *store.ListItem) error {
	if it.ListID != "" && it.ListRemoteID != "" {
		l, err := tx.GetList(it.ListID)
		if err != nil {
			return err
		}
		if l == nil || (l.RemoteID != "" && l.RemoteID != it.ListRemoteID) {
			it.ListID = ""
		}
	}
	if it.ListID == "" && it.ListRemoteID != "" {
		l, err := tx.FindListByRemoteID(it.ListRemoteID)
		if err != nil {
			return err
		}
		if l != nil {
			it.ListID = l.ID
		}
	}
	if it.BookID != "" && it.BookRemoteID != "" {
		b, err := tx.GetBook(it.BookID)
		if err != nil {
			return err
		}
		if b == nil || (b.RemoteID != "" && b.RemoteID != it.BookRemoteID) {
			it.BookID = ""
		}
	}
	if it.BookID == "" && it.BookRemoteID != "" {
		b, err := tx.FindBookByRemoteID(it.BookRemoteID)
		if err != nil {
			return err
		}
		if b != nil {
			it.BookID = b.ID
		}
	}
	return nil
}

// applyDeletion removes the local entity behind a deleted record.
// Already-deleted is not an error.
func (d *Downstream) applyDeletion(tx *store.Tx, id record.ID) error {
	switch id.Kind {
	case record.KindBook:
		b, err := tx.FindBookByRemoteID(id.String())
		if err != nil || b == nil {
			return err
		}
		return tx.DeleteBook(b.ID)
	case record.KindList:
		l, err := tx.FindListByRemoteID(id.String())
		if err != nil || l == nil {
			return err
		}
		return tx.DeleteList(l.ID)
	case record.KindListItem:
		it, err := tx.FindListItemByRemoteID(id.String())
		if err != nil || it == nil {
			return err
		}
		return tx.DeleteListItem(it.ID)
	}
	return nil
}

// unchanged reports whether the cached system fields already carry the
// incoming change tag.
func unchanged(blob []byte, changeTag string) bool {
	sf, err := record.DecodeSystemFields(blob)
	if err != nil {
		return false
	}
	return sf.ChangeTag != "" && sf.ChangeTag == changeTag
}

// neverSynced reports whether an entity has no cached change tag: it has
// never been reconciled with a server record.
func neverSynced(blob []byte) bool {
	sf, err := record.DecodeSystemFields(blob)
	return err == nil && sf.ChangeTag == ""
}

// repairSweep resolves list items whose parent references were still
// dangling when they arrived (the parent record may have come in a later
// page, or not at all yet). Items whose references are malformed can never
// resolve and are collected; items whose parents simply have not arrived
// are left for the next sweep.
func (d *Downstream) repairSweep(ctx context.Context) error {
	items, err := d.st.DanglingListItems(ctx, repairBatchLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	repaired, collected := 0, 0
	_, err = d.st.Do(ctx, func(tx *store.Tx) error {
		for _, it := range items {
			if malformedRef(it.ListRemoteID) || malformedRef(it.BookRemoteID) {
				if err := tx.DeleteListItem(it.ID); err != nil {
					return err
				}
				collected++
				continue
			}
			listBefore, bookBefore := it.ListID, it.BookID
			if err := resolveItemRefs(tx, it); err != nil {
				return err
			}
			if it.ListID != listBefore || it.BookID != bookBefore {
				if err := tx.UpdateListItem(it, nil); err != nil {
					return err
				}
				if it.Resolved() {
					repaired++
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to repair dangling items: %w", err)
	}
	if repaired > 0 || collected > 0 {
		d.logger.Printf("repair sweep resolved %d items, collected %d malformed", repaired, collected)
	}
	return nil
}

// malformedRef reports whether a non-empty parent reference can never
// resolve.
func malformedRef(ref string) bool {
	if ref == "" {
		return false
	}
	_, err := record.ParseID(ref)
	return err != nil
}
