package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

func TestParseID(t *testing.T) {
	id, err := ParseID("book/9780134190440")
	if err != nil {
		t.Fatalf("ParseID failed: %v", err)
	}
	if id.Kind != KindBook || id.Name != "9780134190440" {
		t.Errorf("unexpected id %+v", id)
	}
	if id.String() != "book/9780134190440" {
		t.Errorf("round trip mismatch: %q", id.String())
	}

	for _, bad := range []string{"", "book", "book/", "widget/abc"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSystemFieldsRoundTrip(t *testing.T) {
	id := ID{Kind: KindList, Name: "abc"}
	blob := EncodeSystemFields(id, "ct-42")

	sf, err := DecodeSystemFields(blob)
	if err != nil {
		t.Fatalf("DecodeSystemFields failed: %v", err)
	}
	if sf.RecordID != "list/abc" || sf.ChangeTag != "ct-42" {
		t.Errorf("unexpected system fields %+v", sf)
	}

	// Never-uploaded entities carry no blob; that decodes to the zero value.
	sf, err = DecodeSystemFields(nil)
	if err != nil {
		t.Fatalf("DecodeSystemFields(nil) failed: %v", err)
	}
	if sf.ChangeTag != "" {
		t.Errorf("expected zero value for nil blob, got %+v", sf)
	}

	if _, err := DecodeSystemFields([]byte("not json")); err == nil {
		t.Error("expected error for corrupt blob")
	}
}

func TestKeyMapping(t *testing.T) {
	if key, ok := RemoteKey(KindBook, "page_count"); !ok || key != "pageCount" {
		t.Errorf("RemoteKey(page_count) = %q, %v", key, ok)
	}
	// Local bookkeeping properties have no remote key.
	if _, ok := RemoteKey(KindBook, "cover_path"); ok {
		t.Error("cover_path must not map to a remote field")
	}
	if _, ok := RemoteKey(KindBook, "last_opened_at"); ok {
		t.Error("last_opened_at must not map to a remote field")
	}

	if prop, ok := LocalProp(KindListItem, "list"); !ok || prop != "list_id" {
		t.Errorf("LocalProp(list) = %q, %v", prop, ok)
	}

	if AnySyncedKey(KindBook, []string{"cover_path", "last_opened_at"}) {
		t.Error("bookkeeping-only change set reported as synced")
	}
	if !AnySyncedKey(KindBook, []string{"cover_path", "title"}) {
		t.Error("mixed change set should report synced")
	}
}

func TestBuildBookFullAndRestricted(t *testing.T) {
	started := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	b := &store.Book{
		ID:        "9780134190440",
		Title:     "The Go Programming Language",
		Author:    "Donovan & Kernighan",
		PageCount: 380,
		Rating:    5,
		StartedAt: &started,
		CoverPath: "/covers/gopl.jpg",
		RemoteID:  "book/9780134190440",
	}

	full, err := BuildBook(b, nil)
	if err != nil {
		t.Fatalf("BuildBook failed: %v", err)
	}
	if full.ID.String() != "book/9780134190440" {
		t.Errorf("unexpected record id %s", full.ID)
	}
	if len(full.Fields) != 7 {
		t.Errorf("expected all 7 synced fields, got %d", len(full.Fields))
	}
	if _, ok := full.Fields["coverPath"]; ok {
		t.Error("local-only property leaked into the record")
	}
	if v := full.Fields["startedAt"]; !v.Time.Equal(started) {
		t.Errorf("started at mismatch: %v", v.Time)
	}
	if v := full.Fields["finishedAt"]; !v.Time.IsZero() {
		t.Errorf("nil finished at should encode as zero time, got %v", v.Time)
	}

	restricted, err := BuildBook(b, []string{"title", "cover_path"})
	if err != nil {
		t.Fatalf("restricted BuildBook failed: %v", err)
	}
	if len(restricted.Fields) != 1 {
		t.Errorf("expected only the title field, got %v", restricted.Fields)
	}
	if restricted.Fields["title"].Str != b.Title {
		t.Errorf("title mismatch: %v", restricted.Fields["title"])
	}

	// A change set touching only bookkeeping properties builds no record.
	none, err := BuildBook(b, []string{"cover_path"})
	if err != nil {
		t.Fatalf("BuildBook failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil record for non-synced change set, got %+v", none)
	}
}

func TestApplyBookExcludesPendingEdits(t *testing.T) {
	rec := New(ID{Kind: KindBook, Name: "k1"})
	rec.Fields["title"] = String("Server Title")
	rec.Fields["notes"] = String("Server Notes")

	b := &store.Book{ID: "k1", Title: "Local Title", Notes: "Local Notes"}
	applied := ApplyBook(rec, b, map[string]bool{"title": true})

	if b.Title != "Local Title" {
		t.Errorf("pending local edit was clobbered: %q", b.Title)
	}
	if b.Notes != "Server Notes" {
		t.Errorf("unexcluded field not applied: %q", b.Notes)
	}
	if len(applied) != 1 || applied[0] != "notes" {
		t.Errorf("unexpected applied set %v", applied)
	}
}

func TestBuildListItemRequiresResolvedRefs(t *testing.T) {
	it := &store.ListItem{
		ID:           "i1",
		Position:     3,
		RemoteID:     "list_item/u1",
		ListRemoteID: "list/l1",
		BookRemoteID: "book/b1",
	}
	rec, err := BuildListItem(it, nil)
	if err != nil {
		t.Fatalf("BuildListItem failed: %v", err)
	}
	if rec.Fields["list"].Ref.String() != "list/l1" ||
		rec.Fields["book"].Ref.String() != "book/b1" {
		t.Errorf("parent references not encoded: %+v", rec.Fields)
	}
	if rec.Fields["position"].Int != 3 {
		t.Errorf("position mismatch: %+v", rec.Fields["position"])
	}

	it.BookRemoteID = ""
	if _, err := BuildListItem(it, nil); err == nil {
		t.Error("expected error for an unresolved parent reference")
	}
}

func TestMatching(t *testing.T) {
	bookRec := New(ID{Kind: KindBook, Name: "9780134190440"})
	local := &store.Book{ID: "9780134190440"}
	if !MatchesBook(bookRec, local) {
		t.Error("book with matching content key should match")
	}
	local.RemoteID = "book/9780134190440"
	if MatchesBook(bookRec, local) {
		t.Error("an already-synced book must never natural-key match")
	}

	listRec := New(ID{Kind: KindList, Name: "u1"})
	listRec.Fields["name"] = String("Favorites")
	if !MatchesList(listRec, &store.List{ID: "l1", Name: "Favorites"}) {
		t.Error("unsynced list with equal name should match")
	}
	if MatchesList(listRec, &store.List{ID: "l2", Name: "Other"}) {
		t.Error("different name must not match")
	}

	itemRec := New(ID{Kind: KindListItem, Name: "u2"})
	itemRec.Fields["list"] = Ref(ID{Kind: KindList, Name: "u1"})
	itemRec.Fields["book"] = Ref(ID{Kind: KindBook, Name: "k1"})
	it := &store.ListItem{ID: "i1", ListRemoteID: "list/u1", BookRemoteID: "book/k1"}
	if !MatchesListItem(itemRec, it) {
		t.Error("item referencing the same parents should match")
	}
	it.BookRemoteID = "book/other"
	if MatchesListItem(itemRec, it) {
		t.Error("different book reference must not match")
	}
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := New(ID{Kind: KindBook, Name: "k1"})
	rec.ChangeTag = "ct-9"
	rec.Fields["title"] = String("One")
	rec.Fields["rating"] = Int(4)
	rec.Fields["startedAt"] = Time(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	rec.Fields["list"] = Ref(ID{Kind: KindList, Name: "abc"})

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.ID != rec.ID || got.ChangeTag != "ct-9" || got.SchemaVersion != SchemaVersion {
		t.Errorf("header mismatch: %+v", got)
	}
	for key, want := range rec.Fields {
		if !got.Fields[key].Equal(want) {
			t.Errorf("field %q mismatch: %+v != %+v", key, got.Fields[key], want)
		}
	}
}

func TestMergeDeterministic(t *testing.T) {
	// The bootstrap merge must produce the same outcome regardless of which
	// side is presented as "remote".
	rec := New(ID{Kind: KindBook, Name: "k1"})
	rec.Fields["title"] = String("A Longer Title Wins")
	rec.Fields["rating"] = Int(3)
	rec.Fields["notes"] = String("brief")

	a := &store.Book{ID: "k1", Title: "Short", Rating: 5, Notes: "much longer notes"}
	MergeBook(rec, a)

	// Mirror setup: the record carries what the entity held above, applied to
	// an entity holding the record's original values.
	mirror := New(ID{Kind: KindBook, Name: "k1"})
	mirror.Fields["title"] = String("Short")
	mirror.Fields["rating"] = Int(5)
	mirror.Fields["notes"] = String("much longer notes")
	b := &store.Book{ID: "k1", Title: "A Longer Title Wins", Rating: 3, Notes: "brief"}
	MergeBook(mirror, b)

	if a.Title != b.Title || a.Rating != b.Rating || a.Notes != b.Notes {
		t.Errorf("merge depends on argument order: %+v vs %+v", a, b)
	}
	if a.Title != "A Longer Title Wins" || a.Rating != 5 || a.Notes != "much longer notes" {
		t.Errorf("unexpected merge outcome: %+v", a)
	}
}
