package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/changelog"
	"github.com/CyberFlameGO/ReadingListV1/internal/record"
	"github.com/CyberFlameGO/ReadingListV1/internal/remote"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

const (
	// uploadBatchLimit caps records per save request during full resync.
	uploadBatchLimit = 200

	// maxTriageRounds bounds conflict/unknown-record recovery per batch
	// before the step is given up and retried later.
	maxTriageRounds = 5
)

// kindOrder fixes the upload type precedence: parents before the entities
// that reference them, so remote reference fields resolve wherever possible.
var kindOrder = map[string]int{
	store.KindBook:     0,
	store.KindList:     1,
	store.KindListItem: 2,
}

// Upstream converts confirmed local transactions into remote mutations,
// uploads them head-first in commit order, and reconciles server-assigned
// metadata back into the local store.
//
// The pending buffer holds not-yet-confirmed transactions in commit order.
// It is rebuilt from the durable change log on every Process call using the
// persisted checkpoint, so no local change is lost across restarts. Only
// the head is ever actively uploaded; an entry is removed only after its
// upload and local reconciliation are confirmed.
type Upstream struct {
	st     *store.Store
	reader *changelog.Reader
	remote remote.Store
	zone   string
	logger *log.Logger

	mu     sync.Mutex
	buffer []changelog.Transaction
}

// NewUpstream creates the upstream processor. st must be the engine's
// sync-origin store handle.
func NewUpstream(st *store.Store, reader *changelog.Reader, rs remote.Store, zone string, logger *log.Logger) *Upstream {
	if logger == nil {
		logger = log.New(os.Stderr, "[upstream] ", log.LstdFlags)
	}
	return &Upstream{st: st, reader: reader, remote: rs, zone: zone, logger: logger}
}

// PendingCount returns the number of buffered, unconfirmed transactions.
func (u *Upstream) PendingCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buffer)
}

// Reset drops the in-memory buffer. It is rebuilt from the change log on
// the next Process call.
func (u *Upstream) Reset() {
	u.mu.Lock()
	u.buffer = nil
	u.mu.Unlock()
}

// PendingFields returns the local properties of an entity whose changes are
// still awaiting upload confirmation. Downstream applies exclude these so a
// remote value never clobbers an in-flight local edit; local wins until its
// own upload resolves.
func (u *Upstream) PendingFields(kind, entityID string) map[string]bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out map[string]bool
	add := func(props []string) {
		if out == nil {
			out = make(map[string]bool)
		}
		for _, p := range props {
			out[p] = true
		}
	}
	for _, tx := range u.buffer {
		for _, ch := range tx.Changes {
			if ch.Kind != kind || ch.EntityID != entityID {
				continue
			}
			switch ch.Change {
			case store.ChangeInsert:
				add(record.LocalProps(record.Kind(kind)))
			case store.ChangeUpdate:
				add(ch.ChangedFields)
			}
		}
	}
	return out
}

// Process drains the pending buffer: it reads new transactions from the
// change log, then uploads head-first, one transaction at a time. A missing
// checkpoint triggers a full resync first. Returns nil when the buffer is
// empty; remote errors are returned for the coordinator to route.
func (u *Upstream) Process(ctx context.Context) error {
	cpStr, err := u.st.GetMeta(ctx, metaCheckpoint)
	if err != nil {
		return err
	}
	if cpStr == "" {
		if err := u.fullResync(ctx); err != nil {
			return err
		}
		if cpStr, err = u.st.GetMeta(ctx, metaCheckpoint); err != nil {
			return err
		}
	}
	checkpoint, err := strconv.ParseInt(cpStr, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt upload checkpoint %q: %w", cpStr, err)
	}

	if err := u.fill(ctx, checkpoint); err != nil {
		return err
	}

	for {
		u.mu.Lock()
		if len(u.buffer) == 0 {
			u.mu.Unlock()
			return nil
		}
		head := u.buffer[0]
		u.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		uploaded, err := u.uploadTransaction(ctx, head)
		if err != nil {
			return err
		}
		if err := u.confirm(ctx, head.TxID, uploaded); err != nil {
			return err
		}
	}
}

// fill appends change-log transactions newer than what is already buffered.
func (u *Upstream) fill(ctx context.Context, checkpoint int64) error {
	u.mu.Lock()
	since := checkpoint
	if n := len(u.buffer); n > 0 {
		since = u.buffer[n-1].TxID
	}
	u.mu.Unlock()

	txs, err := u.reader.Fetch(ctx, since)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}
	u.mu.Lock()
	u.buffer = append(u.buffer, txs...)
	u.mu.Unlock()
	return nil
}

// confirm advances the checkpoint past txID, prunes the log, and removes
// the buffer head. The checkpoint write commits before the head is dropped,
// so a crash in between only re-uploads, never loses.
func (u *Upstream) confirm(ctx context.Context, txID int64, uploaded bool) error {
	_, err := u.st.Do(ctx, func(tx *store.Tx) error {
		if err := tx.SetMeta(metaCheckpoint, strconv.FormatInt(txID, 10)); err != nil {
			return err
		}
		if uploaded {
			return tx.SetMeta(metaLastUpload, time.Now().UTC().Format(time.RFC3339Nano))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	if err := u.reader.Prune(ctx, txID); err != nil {
		u.logger.Printf("Warning: failed to prune change log: %v", err)
	}

	u.mu.Lock()
	if len(u.buffer) > 0 && u.buffer[0].TxID == txID {
		u.buffer = u.buffer[1:]
	}
	u.mu.Unlock()
	return nil
}

// entityKey identifies one entity within a transaction plan.
type entityKey struct {
	kind string
	id   string
}

// txPlan is the net effect of one transaction: multiple changes to the same
// entity collapse to their final state.
type txPlan struct {
	inserts []entityKey
	updates map[entityKey][]string
	deletes []record.ID
}

// planChanges collapses a transaction's change records into a plan. An
// insert followed by updates stays an insert (full build); a delete
// overrides everything before it. Deletes of never-uploaded entities (empty
// tombstone remote id) produce nothing.
func planChanges(changes []store.ChangeRecord) *txPlan {
	type netChange struct {
		change string
		fields map[string]bool
		tomb   *store.Tombstone
	}
	state := make(map[entityKey]*netChange)
	var order []entityKey

	for _, ch := range changes {
		k := entityKey{kind: ch.Kind, id: ch.EntityID}
		nc, seen := state[k]
		if !seen {
			nc = &netChange{change: ch.Change, fields: make(map[string]bool)}
			state[k] = nc
			order = append(order, k)
		}
		switch ch.Change {
		case store.ChangeInsert:
			nc.change = store.ChangeInsert
		case store.ChangeUpdate:
			if nc.change != store.ChangeInsert {
				nc.change = store.ChangeUpdate
			}
			for _, f := range ch.ChangedFields {
				nc.fields[f] = true
			}
		case store.ChangeDelete:
			nc.change = store.ChangeDelete
			nc.tomb = ch.Tombstone
		}
	}

	plan := &txPlan{updates: make(map[entityKey][]string)}
	for _, k := range order {
		nc := state[k]
		switch nc.change {
		case store.ChangeInsert:
			plan.inserts = append(plan.inserts, k)
		case store.ChangeUpdate:
			fields := make([]string, 0, len(nc.fields))
			for f := range nc.fields {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			plan.updates[k] = fields
		case store.ChangeDelete:
			if nc.tomb == nil || nc.tomb.RemoteID == "" {
				continue
			}
			id, err := record.ParseID(nc.tomb.RemoteID)
			if err != nil {
				continue
			}
			plan.deletes = append(plan.deletes, id)
		}
	}

	sortKeys := func(keys []entityKey) {
		sort.Slice(keys, func(i, j int) bool {
			if kindOrder[keys[i].kind] != kindOrder[keys[j].kind] {
				return kindOrder[keys[i].kind] < kindOrder[keys[j].kind]
			}
			return keys[i].id < keys[j].id
		})
	}
	sortKeys(plan.inserts)
	// Deletes run dependents-first so remote references never dangle
	// mid-batch.
	sort.Slice(plan.deletes, func(i, j int) bool {
		oi, oj := kindOrder[string(plan.deletes[i].Kind)], kindOrder[string(plan.deletes[j].Kind)]
		if oi != oj {
			return oi > oj
		}
		return plan.deletes[i].Name < plan.deletes[j].Name
	})
	return plan
}

// uploadTransaction pushes one transaction's net changes. Returns whether a
// remote save actually happened: a transaction touching only non-synced
// fields never contacts the remote store, but its checkpoint still
// advances.
func (u *Upstream) uploadTransaction(ctx context.Context, head changelog.Transaction) (bool, error) {
	plan := planChanges(head.Changes)

	keys := append(append([]entityKey(nil), plan.inserts...), sortedUpdateKeys(plan.updates)...)
	if err := u.assignIdentifiers(ctx, keys); err != nil {
		return false, err
	}

	var inserts, updates []*record.Record
	for _, k := range plan.inserts {
		rec, err := u.buildRecord(ctx, k, nil)
		if err != nil {
			u.logger.Printf("Warning: skipping %s/%s: %v", k.kind, k.id, err)
			continue
		}
		if rec != nil {
			inserts = append(inserts, rec)
		}
	}
	for _, k := range sortedUpdateKeys(plan.updates) {
		rec, err := u.buildRecord(ctx, k, plan.updates[k])
		if err != nil {
			u.logger.Printf("Warning: skipping %s/%s: %v", k.kind, k.id, err)
			continue
		}
		if rec != nil {
			updates = append(updates, rec)
		}
	}

	if len(inserts) == 0 && len(updates) == 0 && len(plan.deletes) == 0 {
		return false, nil
	}

	// New records go in a separate non-atomic batch: each creation stands
	// alone, and a conflict on one must not roll back its siblings.
	// Updates and deletes share one atomic batch so a transaction's edits
	// land together.
	if len(inserts) > 0 {
		if err := u.save(ctx, remote.SaveRequest{Saves: inserts}); err != nil {
			return false, err
		}
	}
	if len(updates) > 0 || len(plan.deletes) > 0 {
		req := remote.SaveRequest{Saves: updates, Deletes: plan.deletes, Atomic: true}
		if err := u.save(ctx, req); err != nil {
			return false, err
		}
	}
	return true, nil
}

func sortedUpdateKeys(updates map[entityKey][]string) []entityKey {
	keys := make([]entityKey, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if kindOrder[keys[i].kind] != kindOrder[keys[j].kind] {
			return kindOrder[keys[i].kind] < kindOrder[keys[j].kind]
		}
		return keys[i].id < keys[j].id
	})
	return keys
}

// assignIdentifiers mints remote identifiers for entities that lack one and
// resolves list item parent references, all in one transaction. Lists are
// processed before items so an item can pick up a parent id minted moments
// earlier. These are sync-origin writes; they never feed back into the
// upload buffer.
func (u *Upstream) assignIdentifiers(ctx context.Context, keys []entityKey) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := u.st.Do(ctx, func(tx *store.Tx) error {
		for _, k := range keys {
			switch k.kind {
			case store.KindBook:
				b, err := tx.GetBook(k.id)
				if err != nil {
					return err
				}
				if b == nil || b.RemoteID != "" {
					continue
				}
				b.RemoteID = record.BookID(b).String()
				if err := tx.UpdateBook(b, nil); err != nil {
					return err
				}
			case store.KindList:
				l, err := tx.GetList(k.id)
				if err != nil {
					return err
				}
				if l == nil || l.RemoteID != "" {
					continue
				}
				l.RemoteID = record.NewListID().String()
				if err := tx.UpdateList(l, nil); err != nil {
					return err
				}
			case store.KindListItem:
				it, err := tx.GetListItem(k.id)
				if err != nil {
					return err
				}
				if it == nil {
					continue
				}
				dirty := false
				if it.RemoteID == "" {
					it.RemoteID = record.NewListItemID().String()
					dirty = true
				}
				if it.ListID != "" && it.ListRemoteID == "" {
					l, err := tx.GetList(it.ListID)
					if err != nil {
						return err
					}
					if l != nil && l.RemoteID != "" {
						it.ListRemoteID = l.RemoteID
						dirty = true
					}
				}
				if it.BookID != "" && it.BookRemoteID == "" {
					b, err := tx.GetBook(it.BookID)
					if err != nil {
						return err
					}
					if b != nil && b.RemoteID != "" {
						it.BookRemoteID = b.RemoteID
						dirty = true
					}
				}
				if dirty {
					if err := tx.UpdateListItem(it, nil); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	return err
}

// buildRecord builds the remote record for one entity from current local
// state. changed == nil builds all synced fields. Returns (nil, nil) when
// the entity is gone (a later delete covers it) or when no changed property
// maps to a remote field.
func (u *Upstream) buildRecord(ctx context.Context, k entityKey, changed []string) (*record.Record, error) {
	switch k.kind {
	case store.KindBook:
		b, err := u.st.GetBook(ctx, k.id)
		if err != nil || b == nil {
			return nil, err
		}
		return record.BuildBook(b, changed)
	case store.KindList:
		l, err := u.st.GetList(ctx, k.id)
		if err != nil || l == nil {
			return nil, err
		}
		return record.BuildList(l, changed)
	case store.KindListItem:
		it, err := u.st.GetListItem(ctx, k.id)
		if err != nil || it == nil {
			return nil, err
		}
		return record.BuildListItem(it, changed)
	}
	return nil, fmt.Errorf("unknown entity kind %q", k.kind)
}

// save executes one batch save with per-item triage. Successful items are
// reconciled immediately and never re-sent; conflicted items are refetched
// and merged, unknown items have their cached system fields cleared, and
// the remaining failures are rebuilt from current local state and re-saved.
func (u *Upstream) save(ctx context.Context, req remote.SaveRequest) error {
	for round := 0; ; round++ {
		res, err := u.remote.Save(ctx, u.zone, req)
		if err != nil {
			return fmt.Errorf("failed to save batch: %w", err)
		}
		if err := u.reconcileSaved(ctx, res.Saved); err != nil {
			return err
		}
		if len(res.Failed) == 0 {
			return nil
		}
		if round >= maxTriageRounds {
			return fmt.Errorf("batch still failing after %d triage rounds: %w",
				maxTriageRounds, firstFailure(res.Failed))
		}

		for id, ferr := range res.Failed {
			re, ok := remote.AsError(ferr)
			if !ok {
				return fmt.Errorf("record %s failed: %w", id, ferr)
			}
			switch re.Code {
			case remote.CodeConflict:
				if err := u.resolveConflict(ctx, id, re.ServerRecord); err != nil {
					return err
				}
			case remote.CodeUnknownRecord:
				if err := u.clearSystemFields(ctx, id); err != nil {
					return err
				}
			case remote.CodeBatchRejected:
				// Not attempted; re-sent as-is next round.
			default:
				// Transient and terminal codes abort the step; the
				// coordinator routes them. The buffer head is untouched,
				// so the transaction is retried whole.
				return fmt.Errorf("record %s failed: %w", id, ferr)
			}
		}

		next := remote.SaveRequest{Atomic: req.Atomic}
		for _, rec := range req.Saves {
			if _, failed := res.Failed[rec.ID]; !failed {
				continue
			}
			rebuilt, err := u.rebuildRecord(ctx, rec)
			if err != nil {
				return err
			}
			if rebuilt != nil {
				next.Saves = append(next.Saves, rebuilt)
			}
		}
		for _, id := range req.Deletes {
			if _, failed := res.Failed[id]; failed {
				next.Deletes = append(next.Deletes, id)
			}
		}
		if len(next.Saves) == 0 && len(next.Deletes) == 0 {
			return nil
		}
		req = next
	}
}

func firstFailure(failed map[record.ID]error) error {
	var ids []record.ID
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return failed[ids[0]]
}

// rebuildRecord rebuilds a failed record from current local state,
// restricted to the same field keys as the original attempt. After a
// conflict merge or a system-fields clear, the rebuilt record carries the
// tag the server will now accept.
func (u *Upstream) rebuildRecord(ctx context.Context, orig *record.Record) (*record.Record, error) {
	changed := make([]string, 0, len(orig.Fields))
	for key := range orig.Fields {
		if local, ok := record.LocalProp(orig.ID.Kind, key); ok {
			changed = append(changed, local)
		}
	}
	sort.Strings(changed)

	var (
		rec *record.Record
		err error
	)
	switch orig.ID.Kind {
	case record.KindBook:
		b, berr := u.st.FindBookByRemoteID(ctx, orig.ID.String())
		if berr != nil || b == nil {
			return nil, berr
		}
		rec, err = record.BuildBook(b, changed)
	case record.KindList:
		l, lerr := u.st.FindListByRemoteID(ctx, orig.ID.String())
		if lerr != nil || l == nil {
			return nil, lerr
		}
		rec, err = record.BuildList(l, changed)
	case record.KindListItem:
		it, ierr := u.st.FindListItemByRemoteID(ctx, orig.ID.String())
		if ierr != nil || it == nil {
			return nil, ierr
		}
		rec, err = record.BuildListItem(it, changed)
	default:
		return nil, fmt.Errorf("unknown record kind %q", orig.ID.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild %s: %w", orig.ID, err)
	}
	return rec, nil
}

// resolveConflict refetches the server's record and merges it into local
// state. An entity with no cached change tag is meeting its server
// counterpart for the first time (bootstrap or a natural-key collision);
// neither side's edit history is known, so fields merge by heuristic.
// Otherwise the server values apply, excluding every field with a pending
// local edit — local wins for those until their own upload resolves.
// Either way the local cache adopts the server's change tag so the retried
// save passes the optimistic check.
func (u *Upstream) resolveConflict(ctx context.Context, id record.ID, server *record.Record) error {
	if server == nil {
		recs, err := u.remote.Fetch(ctx, u.zone, []record.ID{id})
		if err != nil {
			return fmt.Errorf("failed to refetch %s: %w", id, err)
		}
		if len(recs) == 0 {
			// Conflict against a record that no longer exists: treat as
			// unknown and re-upload as new.
			return u.clearSystemFields(ctx, id)
		}
		server = recs[0]
	}
	u.logger.Printf("conflict on %s, merging server record", id)

	_, err := u.st.Do(ctx, func(tx *store.Tx) error {
		switch id.Kind {
		case record.KindBook:
			b, err := tx.FindBookByRemoteID(id.String())
			if err != nil || b == nil {
				return err
			}
			var applied []string
			if neverSynced(b.SystemFields) {
				applied = record.MergeBook(server, b)
			} else {
				applied = record.ApplyBook(server, b, u.PendingFields(store.KindBook, b.ID))
			}
			b.SystemFields = record.EncodeSystemFields(id, server.ChangeTag)
			return tx.UpdateBook(b, applied)
		case record.KindList:
			l, err := tx.FindListByRemoteID(id.String())
			if err != nil || l == nil {
				return err
			}
			var applied []string
			if neverSynced(l.SystemFields) {
				applied = record.MergeList(server, l)
			} else {
				applied = record.ApplyList(server, l, u.PendingFields(store.KindList, l.ID))
			}
			l.SystemFields = record.EncodeSystemFields(id, server.ChangeTag)
			return tx.UpdateList(l, applied)
		case record.KindListItem:
			it, err := tx.FindListItemByRemoteID(id.String())
			if err != nil || it == nil {
				return err
			}
			applied := record.ApplyListItem(server, it, u.PendingFields(store.KindListItem, it.ID))
			it.SystemFields = record.EncodeSystemFields(id, server.ChangeTag)
			return tx.UpdateListItem(it, applied)
		}
		return nil
	})
	return err
}

// clearSystemFields drops the cached change tag for a record the server
// does not know, forcing the next save to re-upload it whole as a creation.
func (u *Upstream) clearSystemFields(ctx context.Context, id record.ID) error {
	u.logger.Printf("server does not know %s, clearing cached system fields", id)
	_, err := u.st.Do(ctx, func(tx *store.Tx) error {
		switch id.Kind {
		case record.KindBook:
			b, err := tx.FindBookByRemoteID(id.String())
			if err != nil || b == nil {
				return err
			}
			b.SystemFields = nil
			return tx.UpdateBook(b, nil)
		case record.KindList:
			l, err := tx.FindListByRemoteID(id.String())
			if err != nil || l == nil {
				return err
			}
			l.SystemFields = nil
			return tx.UpdateList(l, nil)
		case record.KindListItem:
			it, err := tx.FindListItemByRemoteID(id.String())
			if err != nil || it == nil {
				return err
			}
			it.SystemFields = nil
			return tx.UpdateListItem(it, nil)
		}
		return nil
	})
	return err
}

// reconcileSaved writes server-assigned system fields back to the local
// entities in one transaction.
func (u *Upstream) reconcileSaved(ctx context.Context, saved []*record.Record) error {
	if len(saved) == 0 {
		return nil
	}
	_, err := u.st.Do(ctx, func(tx *store.Tx) error {
		for _, rec := range saved {
			blob := record.EncodeSystemFields(rec.ID, rec.ChangeTag)
			switch rec.ID.Kind {
			case record.KindBook:
				b, err := tx.FindBookByRemoteID(rec.ID.String())
				if err != nil {
					return err
				}
				if b == nil {
					continue
				}
				b.SystemFields = blob
				if err := tx.UpdateBook(b, nil); err != nil {
					return err
				}
			case record.KindList:
				l, err := tx.FindListByRemoteID(rec.ID.String())
				if err != nil {
					return err
				}
				if l == nil {
					continue
				}
				l.SystemFields = blob
				if err := tx.UpdateList(l, nil); err != nil {
					return err
				}
			case record.KindListItem:
				it, err := tx.FindListItemByRemoteID(rec.ID.String())
				if err != nil {
					return err
				}
				if it == nil {
					continue
				}
				it.SystemFields = blob
				if err := tx.UpdateListItem(it, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile saved records: %w", err)
	}
	return nil
}

// fullResync uploads a full snapshot of every synced entity. Used on first
// start and after a forced resync, when no checkpoint exists and there is
// no delta to compute. The checkpoint is recorded from before the snapshot
// read, so transactions committed during the upload are re-observed.
func (u *Upstream) fullResync(ctx context.Context) error {
	u.logger.Printf("no upload checkpoint, starting full resync")

	mark, err := u.st.NextTxID(ctx)
	if err != nil {
		return err
	}

	books, err := u.st.AllBooks(ctx)
	if err != nil {
		return err
	}
	lists, err := u.st.AllLists(ctx)
	if err != nil {
		return err
	}
	items, err := u.st.AllListItems(ctx)
	if err != nil {
		return err
	}

	var keys []entityKey
	for _, b := range books {
		keys = append(keys, entityKey{kind: store.KindBook, id: b.ID})
	}
	for _, l := range lists {
		keys = append(keys, entityKey{kind: store.KindList, id: l.ID})
	}
	for _, it := range items {
		keys = append(keys, entityKey{kind: store.KindListItem, id: it.ID})
	}
	if err := u.assignIdentifiers(ctx, keys); err != nil {
		return err
	}

	var recs []*record.Record
	for _, k := range keys {
		rec, err := u.buildRecord(ctx, k, nil)
		if err != nil {
			u.logger.Printf("Warning: skipping %s/%s: %v", k.kind, k.id, err)
			continue
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}

	for start := 0; start < len(recs); start += uploadBatchLimit {
		end := start + uploadBatchLimit
		if end > len(recs) {
			end = len(recs)
		}
		if err := u.save(ctx, remote.SaveRequest{Saves: recs[start:end]}); err != nil {
			return err
		}
	}

	_, err = u.st.Do(ctx, func(tx *store.Tx) error {
		if err := tx.SetMeta(metaCheckpoint, strconv.FormatInt(mark-1, 10)); err != nil {
			return err
		}
		if len(recs) > 0 {
			return tx.SetMeta(metaLastUpload, time.Now().UTC().Format(time.RFC3339Nano))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record resync checkpoint: %w", err)
	}
	if err := u.reader.Prune(ctx, mark-1); err != nil {
		u.logger.Printf("Warning: failed to prune change log: %v", err)
	}
	u.logger.Printf("full resync uploaded %d records", len(recs))
	return nil
}
