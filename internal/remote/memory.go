package remote

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/CyberFlameGO/ReadingListV1/internal/record"
)

// MemoryStore is an in-memory Store implementation with full
// optimistic-concurrency, change-log, and zone semantics. It backs the
// engine's tests and the `--remote memory:` development target.
//
// The exported hook fields let tests inject failures; they are consulted
// under the store lock, before the operation is applied.
type MemoryStore struct {
	mu       sync.Mutex
	identity Identity
	zones    map[string]*memoryZone
	tagSeq   int64

	// PageSize bounds how many change events one ChangeBatch carries.
	PageSize int

	// AuthErr, when set, is returned from every call (simulates expired
	// credentials).
	AuthErr error

	// SaveHook, when set, runs before each Save; a non-nil result aborts
	// the batch with that error.
	SaveHook func(req SaveRequest) error

	// ChangesHook, when set, runs before each FetchChanges.
	ChangesHook func() error

	// SaveCount counts executed Save batches (diagnostics for tests).
	SaveCount int
}

type changeEvent struct {
	seq     int64
	rec     *record.Record // nil for deletions
	deleted record.ID
}

type memoryZone struct {
	records       map[string]*record.Record
	subscriptions map[string]bool
	log           []changeEvent
	seq           int64
	deleted       bool
}

// NewMemory creates an empty in-memory store for the given account
// identity.
func NewMemory(identity Identity) *MemoryStore {
	return &MemoryStore{
		identity: identity,
		zones:    make(map[string]*memoryZone),
		PageSize: 50,
	}
}

// SetIdentity switches the signed-in account (simulates an account change).
func (s *MemoryStore) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// DeleteZone marks the zone as deleted by its owner; every subsequent
// operation against it fails with CodeZoneDeleted.
func (s *MemoryStore) DeleteZone(zone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zones[zone]; ok {
		z.deleted = true
	}
}

// Record returns a copy of the stored record, or nil if absent.
// Test helper.
func (s *MemoryStore) Record(zone string, id record.ID) *record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zone]
	if !ok {
		return nil
	}
	rec, ok := z.records[id.String()]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// RecordCount returns the number of records stored in the zone.
// Test helper.
func (s *MemoryStore) RecordCount(zone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zone]
	if !ok {
		return 0
	}
	return len(z.records)
}

// ZoneCount returns how many zones exist. Test helper.
func (s *MemoryStore) ZoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.zones)
}

// SubscriptionCount returns how many subscriptions exist in the zone.
// Test helper.
func (s *MemoryStore) SubscriptionCount(zone string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zone]
	if !ok {
		return 0
	}
	return len(z.subscriptions)
}

func (s *MemoryStore) zone(zone string) (*memoryZone, error) {
	z, ok := s.zones[zone]
	if !ok {
		return nil, &Error{Code: CodeZoneNotFound, Message: zone}
	}
	if z.deleted {
		return nil, &Error{Code: CodeZoneDeleted, Message: zone}
	}
	return z, nil
}

func (s *MemoryStore) nextTag() string {
	s.tagSeq++
	return fmt.Sprintf("ct-%d", s.tagSeq)
}

// CurrentUser implements Store.
func (s *MemoryStore) CurrentUser(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return "", s.AuthErr
	}
	return s.identity, nil
}

// ZoneExists implements Store.
func (s *MemoryStore) ZoneExists(ctx context.Context, zone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return false, s.AuthErr
	}
	z, ok := s.zones[zone]
	if !ok {
		return false, nil
	}
	if z.deleted {
		return false, &Error{Code: CodeZoneDeleted, Message: zone}
	}
	return true, nil
}

// CreateZone implements Store. Idempotent.
func (s *MemoryStore) CreateZone(ctx context.Context, zone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return s.AuthErr
	}
	if z, ok := s.zones[zone]; ok {
		if z.deleted {
			return &Error{Code: CodeZoneDeleted, Message: zone}
		}
		return nil
	}
	s.zones[zone] = &memoryZone{
		records:       make(map[string]*record.Record),
		subscriptions: make(map[string]bool),
	}
	return nil
}

// SubscriptionExists implements Store.
func (s *MemoryStore) SubscriptionExists(ctx context.Context, zone, subscriptionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return false, s.AuthErr
	}
	z, err := s.zone(zone)
	if err != nil {
		return false, err
	}
	return z.subscriptions[subscriptionID], nil
}

// CreateSubscription implements Store. Idempotent.
func (s *MemoryStore) CreateSubscription(ctx context.Context, zone, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return s.AuthErr
	}
	z, err := s.zone(zone)
	if err != nil {
		return err
	}
	z.subscriptions[subscriptionID] = true
	return nil
}

// Save implements Store with full optimistic-concurrency semantics.
func (s *MemoryStore) Save(ctx context.Context, zone string, req SaveRequest) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return nil, s.AuthErr
	}
	if s.SaveHook != nil {
		if err := s.SaveHook(req); err != nil {
			return nil, err
		}
	}
	z, err := s.zone(zone)
	if err != nil {
		return nil, err
	}
	s.SaveCount++

	result := &SaveResult{Failed: make(map[record.ID]error)}

	// Validate every save first so atomic batches can reject cleanly.
	itemErr := func(rec *record.Record) error {
		existing := z.records[rec.ID.String()]
		switch {
		case existing == nil && rec.ChangeTag != "":
			return &Error{Code: CodeUnknownRecord, Message: rec.ID.String()}
		case existing != nil && rec.ChangeTag != existing.ChangeTag:
			return &Error{Code: CodeConflict, Message: rec.ID.String(), ServerRecord: existing.Clone()}
		}
		return nil
	}

	if req.Atomic {
		failed := false
		for _, rec := range req.Saves {
			if err := itemErr(rec); err != nil {
				result.Failed[rec.ID] = err
				failed = true
			}
		}
		if failed {
			for _, rec := range req.Saves {
				if _, ok := result.Failed[rec.ID]; !ok {
					result.Failed[rec.ID] = &Error{Code: CodeBatchRejected, Message: rec.ID.String()}
				}
			}
			for _, id := range req.Deletes {
				result.Failed[id] = &Error{Code: CodeBatchRejected, Message: id.String()}
			}
			return result, nil
		}
	}

	for _, rec := range req.Saves {
		if err := itemErr(rec); err != nil {
			result.Failed[rec.ID] = err
			continue
		}
		stored := z.records[rec.ID.String()]
		if stored == nil {
			stored = record.New(rec.ID)
			stored.SchemaVersion = rec.SchemaVersion
		} else {
			stored = stored.Clone()
			if rec.SchemaVersion > stored.SchemaVersion {
				stored.SchemaVersion = rec.SchemaVersion
			}
		}
		// Restricted saves merge: absent keys stay untouched.
		for k, v := range rec.Fields {
			stored.Fields[k] = v
		}
		stored.ChangeTag = s.nextTag()
		z.records[rec.ID.String()] = stored
		z.seq++
		z.log = append(z.log, changeEvent{seq: z.seq, rec: stored.Clone()})
		result.Saved = append(result.Saved, stored.Clone())
	}

	for _, id := range req.Deletes {
		if _, ok := z.records[id.String()]; ok {
			delete(z.records, id.String())
			z.seq++
			z.log = append(z.log, changeEvent{seq: z.seq, deleted: id})
		}
		result.Deleted = append(result.Deleted, id)
	}

	return result, nil
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(ctx context.Context, zone string, ids []record.ID) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AuthErr != nil {
		return nil, s.AuthErr
	}
	z, err := s.zone(zone)
	if err != nil {
		return nil, err
	}
	var recs []*record.Record
	for _, id := range ids {
		if rec, ok := z.records[id.String()]; ok {
			recs = append(recs, rec.Clone())
		}
	}
	return recs, nil
}

// FetchChanges implements Store, paging events by PageSize and issuing a
// checkpoint token per page.
func (s *MemoryStore) FetchChanges(ctx context.Context, zone string, since ChangeToken, fn ChangeFunc) (ChangeToken, error) {
	s.mu.Lock()
	if s.AuthErr != nil {
		s.mu.Unlock()
		return "", s.AuthErr
	}
	if s.ChangesHook != nil {
		if err := s.ChangesHook(); err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	z, err := s.zone(zone)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	var sinceSeq int64
	if since != "" {
		sinceSeq, err = strconv.ParseInt(string(since), 10, 64)
		if err != nil {
			s.mu.Unlock()
			return "", &Error{Code: CodeBadResponse, Message: fmt.Sprintf("bad change token %q", since)}
		}
	}

	// Snapshot matching events so fn runs without holding the lock.
	var events []changeEvent
	for _, ev := range z.log {
		if ev.seq > sinceSeq {
			events = append(events, ev)
		}
	}
	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	s.mu.Unlock()

	token := since
	for start := 0; start < len(events); start += pageSize {
		end := start + pageSize
		if end > len(events) {
			end = len(events)
		}
		batch := ChangeBatch{Final: end == len(events)}
		for _, ev := range events[start:end] {
			if ev.rec != nil {
				batch.Changed = append(batch.Changed, ev.rec.Clone())
			} else {
				batch.Deleted = append(batch.Deleted, ev.deleted)
			}
		}
		batch.Token = ChangeToken(strconv.FormatInt(events[end-1].seq, 10))
		if err := fn(batch); err != nil {
			return token, err
		}
		token = batch.Token
	}
	return token, nil
}
