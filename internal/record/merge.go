package record

import (
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

// Field-level merge used only during first-sync reconciliation — a
// bootstrap upload conflict or a natural-key match — when a local entity
// and a remote record claim to be the same thing but neither side's edit
// history is known. Steady-state sync never merges this way; it relies on
// change tags and the pending-edit exclusion instead.

// preferValue picks the winner between two values of the same type:
// the longer string, the later time, the larger number. Ties and
// incomparable pairs are broken lexically so the outcome is independent of
// argument order.
func preferValue(a, b FieldValue) FieldValue {
	if a.Kind != b.Kind {
		// Mixed types should not happen between schema-compatible records;
		// keep a stable winner anyway.
		if a.Kind < b.Kind {
			return a
		}
		return b
	}
	switch a.Kind {
	case FieldString:
		if len(a.Str) != len(b.Str) {
			if len(a.Str) > len(b.Str) {
				return a
			}
			return b
		}
		if a.Str >= b.Str {
			return a
		}
		return b
	case FieldInt:
		if a.Int >= b.Int {
			return a
		}
		return b
	case FieldTime:
		if a.Time.IsZero() {
			return b
		}
		if b.Time.IsZero() {
			return a
		}
		if !a.Time.Before(b.Time) {
			return a
		}
		return b
	case FieldRef:
		if a.Ref.IsZero() {
			return b
		}
		if a.Ref.String() >= b.Ref.String() {
			return a
		}
		return b
	}
	return a
}

// mergeFields resolves each remote field against the local value and
// returns the local properties whose value changed.
func mergeFields(kind Kind, rec *Record, localValue func(localProp string) (FieldValue, bool), setLocal func(localProp string, v FieldValue)) []string {
	var changed []string
	for key, remote := range rec.Fields {
		local, ok := LocalProp(kind, key)
		if !ok {
			continue
		}
		current, ok := localValue(local)
		if !ok {
			continue
		}
		winner := preferValue(remote, current)
		if !winner.Equal(current) {
			setLocal(local, winner)
			changed = append(changed, local)
		}
	}
	return changed
}

// MergeBook combines a remote record into a local book with field-level
// heuristics and returns the changed local properties.
func MergeBook(rec *Record, b *store.Book) []string {
	return mergeFields(KindBook, rec,
		func(prop string) (FieldValue, bool) {
			switch prop {
			case "title":
				return String(b.Title), true
			case "author":
				return String(b.Author), true
			case "page_count":
				return Int(b.PageCount), true
			case "notes":
				return String(b.Notes), true
			case "rating":
				return Int(b.Rating), true
			case "started_at":
				return optionalTime(b.StartedAt), true
			case "finished_at":
				return optionalTime(b.FinishedAt), true
			}
			return FieldValue{}, false
		},
		func(prop string, v FieldValue) {
			switch prop {
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
		})
}

// MergeList combines a remote record into a local list; see MergeBook.
func MergeList(rec *Record, l *store.List) []string {
	return mergeFields(KindList, rec,
		func(prop string) (FieldValue, bool) {
			switch prop {
			case "name":
				return String(l.Name), true
			case "sort_order":
				return Int(l.SortOrder), true
			}
			return FieldValue{}, false
		},
		func(prop string, v FieldValue) {
			switch prop {
			case "name":
				l.Name = v.Str
			case "sort_order":
				l.SortOrder = v.Int
			}
		})
}
