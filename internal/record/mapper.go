package record

import (
	"fmt"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// keyPair relates one local property name to its remote field key.
type keyPair struct {
	local  string
	remote string
}

// Static per-kind mapping tables. Local properties absent from a table are
// bookkeeping and never synced.
var (
	bookKeys = []keyPair{
		{"title", "title"},
		{"author", "author"},
		{"page_count", "pageCount"},
		{"notes", "notes"},
		{"rating", "rating"},
		{"started_at", "startedAt"},
		{"finished_at", "finishedAt"},
	}
	listKeys = []keyPair{
		{"name", "name"},
		{"sort_order", "sortOrder"},
	}
	itemKeys = []keyPair{
		{"list_id", "list"},
		{"book_id", "book"},
		{"position", "position"},
	}
)

func keysFor(kind Kind) []keyPair {
	switch kind {
	case KindBook:
		return bookKeys
	case KindList:
		return listKeys
	case KindListItem:
		return itemKeys
	}
	return nil
}

// RemoteKey translates a local property name to its remote field key.
// Returns false for unmapped (non-synced) properties.
func RemoteKey(kind Kind, localProp string) (string, bool) {
	for _, kp := range keysFor(kind) {
		if kp.local == localProp {
			return kp.remote, true
		}
	}
	return "", false
}

// LocalProp translates a remote field key to its local property name.
func LocalProp(kind Kind, remoteKey string) (string, bool) {
	for _, kp := range keysFor(kind) {
		if kp.remote == remoteKey {
			return kp.local, true
		}
	}
	return "", false
}

// AnySyncedKey reports whether any of the changed local properties maps to
// a remote field. Transactions touching only unmapped properties produce no
// record at all.
func AnySyncedKey(kind Kind, changed []string) bool {
	for _, prop := range changed {
		if _, ok := RemoteKey(kind, prop); ok {
			return true
		}
	}
	return false
}

// LocalProps returns every synced local property name for a kind. An
// entity whose insert is still pending upload has all of these pending.
func LocalProps(kind Kind) []string {
	pairs := keysFor(kind)
	props := make([]string, len(pairs))
	for i, kp := range pairs {
		props[i] = kp.local
	}
	return props
}

// BookID derives the stable record identifier for a book from its content
// key. The identifier is the same on every device that has the book.
func BookID(b *store.Book) ID {
	return ID{Kind: KindBook, Name: b.ID}
}

// optionalTime renders a nullable local time as a field value; a nil time
// becomes the zero time, which Apply maps back to nil.
func optionalTime(t *time.Time) FieldValue {
	if t == nil {
		return Time(time.Time{})
	}
	return Time(*t)
}

// fieldValueToTime is the inverse of optionalTime.
func fieldValueToTime(v FieldValue) *time.Time {
	if v.Time.IsZero() {
		return nil
	}
	t := v.Time
	return &t
}

// wantKey reports whether remoteKey belongs in a build restricted to the
// given changed local properties. A nil changed slice means a full build.
func wantKey(kind Kind, changed []string, remoteKey string) bool {
	if changed == nil {
		return true
	}
	local, ok := LocalProp(kind, remoteKey)
	if !ok {
		return false
	}
	for _, prop := range changed {
		if prop == local {
			return true
		}
	}
	return false
}

// BuildBook produces the remote record for a book. With changed == nil all
// synced fields are included; otherwise only the remote keys corresponding
// to the changed local properties are, minimizing the conflict surface.
// Returns nil when a restricted build selects no fields.
//
// The book's RemoteID must be assigned before building.
func BuildBook(b *store.Book, changed []string) (*Record, error) {
	if changed != nil && !AnySyncedKey(KindBook, changed) {
		return nil, nil
	}
	id, err := ParseID(b.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("book %s has no usable remote id: %w", b.ID, err)
	}
	sf, err := DecodeSystemFields(b.SystemFields)
	if err != nil {
		return nil, err
	}

	rec := New(id)
	rec.ChangeTag = sf.ChangeTag
	set := func(key string, v FieldValue) {
		if wantKey(KindBook, changed, key) {
			rec.Fields[key] = v
		}
	}
	set("title", String(b.Title))
	set("author", String(b.Author))
	set("pageCount", Int(b.PageCount))
	set("notes", String(b.Notes))
	set("rating", Int(b.Rating))
	set("startedAt", optionalTime(b.StartedAt))
	set("finishedAt", optionalTime(b.FinishedAt))
	return rec, nil
}

// ApplyBook updates a book from a remote record, skipping excluded local
// properties (those with an unconfirmed local edit). Returns the local
// properties that were set.
func ApplyBook(rec *Record, b *store.Book, exclude map[string]bool) []string {
	var applied []string
	for key, v := range rec.Fields {
		local, ok := LocalProp(KindBook, key)
		if !ok || exclude[local] {
			continue
		}
		switch local {
		case "title":
			b.Title = v.Str
		case "author":
			b.Author = v.Str
		case "page_count":
			b.PageCount = v.Int
		case "notes":
			b.Notes = v.Str
		case "rating":
			b.Rating = v.Int
		case "started_at":
			b.StartedAt = fieldValueToTime(v)
		case "finished_at":
			b.FinishedAt = fieldValueToTime(v)
		}
		applied = append(applied, local)
	}
	return applied
}

// MatchesBook reports whether a never-uploaded local book plausibly is the
// entity behind rec: the record name derives from the content key, so the
// names must agree.
func MatchesBook(rec *Record, b *store.Book) bool {
	return b.RemoteID == "" && rec.ID.Kind == KindBook && rec.ID.Name == b.ID
}

// BuildList produces the remote record for a list; see BuildBook.
func BuildList(l *store.List, changed []string) (*Record, error) {
	if changed != nil && !AnySyncedKey(KindList, changed) {
		return nil, nil
	}
	id, err := ParseID(l.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("list %s has no usable remote id: %w", l.ID, err)
	}
	sf, err := DecodeSystemFields(l.SystemFields)
	if err != nil {
		return nil, err
	}

	rec := New(id)
	rec.ChangeTag = sf.ChangeTag
	if wantKey(KindList, changed, "name") {
		rec.Fields["name"] = String(l.Name)
	}
	if wantKey(KindList, changed, "sortOrder") {
		rec.Fields["sortOrder"] = Int(l.SortOrder)
	}
	return rec, nil
}

// ApplyList updates a list from a remote record; see ApplyBook.
func ApplyList(rec *Record, l *store.List, exclude map[string]bool) []string {
	var applied []string
	for key, v := range rec.Fields {
		local, ok := LocalProp(KindList, key)
		if !ok || exclude[local] {
			continue
		}
		switch local {
		case "name":
			l.Name = v.Str
		case "sort_order":
			l.SortOrder = v.Int
		}
		applied = append(applied, local)
	}
	return applied
}

// MatchesList reports whether a never-uploaded local list plausibly is the
// entity behind rec. Lists have no stable natural key; an equal name is the
// best available signal.
func MatchesList(rec *Record, l *store.List) bool {
	if l.RemoteID != "" || rec.ID.Kind != KindList {
		return false
	}
	name, ok := rec.Fields["name"]
	return ok && name.Kind == FieldString && name.Str == l.Name
}

// BuildListItem produces the remote record for a list item. The parent
// references are expressed as typed record references; both remote ids must
// be resolved on the item before building.
func BuildListItem(it *store.ListItem, changed []string) (*Record, error) {
	if changed != nil && !AnySyncedKey(KindListItem, changed) {
		return nil, nil
	}
	id, err := ParseID(it.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("list item %s has no usable remote id: %w", it.ID, err)
	}
	listRef, err := ParseID(it.ListRemoteID)
	if err != nil {
		return nil, fmt.Errorf("list item %s has no usable list reference: %w", it.ID, err)
	}
	bookRef, err := ParseID(it.BookRemoteID)
	if err != nil {
		return nil, fmt.Errorf("list item %s has no usable book reference: %w", it.ID, err)
	}
	sf, err := DecodeSystemFields(it.SystemFields)
	if err != nil {
		return nil, err
	}

	rec := New(id)
	rec.ChangeTag = sf.ChangeTag
	if wantKey(KindListItem, changed, "list") {
		rec.Fields["list"] = Ref(listRef)
	}
	if wantKey(KindListItem, changed, "book") {
		rec.Fields["book"] = Ref(bookRef)
	}
	if wantKey(KindListItem, changed, "position") {
		rec.Fields["position"] = Int(it.Position)
	}
	return rec, nil
}

// ApplyListItem updates a list item from a remote record. Parent references
// are stored on the transient remote-reference columns; resolving them to
// local entities is the repair sweep's job.
func ApplyListItem(rec *Record, it *store.ListItem, exclude map[string]bool) []string {
	var applied []string
	for key, v := range rec.Fields {
		local, ok := LocalProp(KindListItem, key)
		if !ok || exclude[local] {
			continue
		}
		switch local {
		case "list_id":
			it.ListRemoteID = v.Ref.String()
		case "book_id":
			it.BookRemoteID = v.Ref.String()
		case "position":
			it.Position = v.Int
		}
		applied = append(applied, local)
	}
	return applied
}

// MatchesListItem reports whether a never-uploaded local item plausibly is
// the entity behind rec: it must reference the same list and book records.
func MatchesListItem(rec *Record, it *store.ListItem) bool {
	if it.RemoteID != "" || rec.ID.Kind != KindListItem {
		return false
	}
	list, okL := rec.Fields["list"]
	book, okB := rec.Fields["book"]
	return okL && okB &&
		list.Ref.String() == it.ListRemoteID &&
		book.Ref.String() == it.BookRemoteID
}
