// Package record defines the remote record representation and the
// bidirectional mapping between local entities and remote records.
//
// The set of synced entity kinds is closed: books, lists, and list items.
// Each kind has a static table mapping local property names to remote field
// keys; there is no reflection. Local bookkeeping properties (cover path,
// last-opened time) have no remote key and never produce record fields.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the record schema version this build reads and writes.
// Records carrying a greater version come from a newer app and cannot be
// interpreted safely.
const SchemaVersion = 1

// Kind identifies a synced entity kind.
type Kind string

// The closed set of synced kinds.
const (
	KindBook     Kind = "book"
	KindList     Kind = "list"
	KindListItem Kind = "list_item"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBook, KindList, KindListItem:
		return true
	}
	return false
}

// ID is a remote record identifier: a kind plus a name that is stable across
// devices. Book names derive from the content key; list and list item names
// are UUIDs minted at first upload.
type ID struct {
	Kind Kind
	Name string
}

// String renders the identifier as "kind/name".
func (id ID) String() string {
	return string(id.Kind) + "/" + id.Name
}

// IsZero reports whether the identifier is empty.
func (id ID) IsZero() bool {
	return id.Kind == "" && id.Name == ""
}

// ParseID parses a "kind/name" identifier string.
func ParseID(s string) (ID, error) {
	kind, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return ID{}, fmt.Errorf("malformed record id %q", s)
	}
	id := ID{Kind: Kind(kind), Name: name}
	if !id.Kind.Valid() {
		return ID{}, fmt.Errorf("unknown record kind in id %q", s)
	}
	return id, nil
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NewListID mints a record identifier for a list.
func NewListID() ID {
	return ID{Kind: KindList, Name: uuid.NewString()}
}

// NewListItemID mints a record identifier for a list item.
func NewListItemID() ID {
	return ID{Kind: KindListItem, Name: uuid.NewString()}
}

// FieldKind is the type tag of a record field value.
type FieldKind int

// Field value kinds.
const (
	FieldString FieldKind = iota
	FieldInt
	FieldTime
	FieldRef
)

// FieldValue is a typed record field value. Exactly one payload member is
// meaningful, selected by Kind.
type FieldValue struct {
	Kind FieldKind
	Str  string
	Int  int64
	Time time.Time
	Ref  ID
}

// String creates a string field value.
func String(s string) FieldValue { return FieldValue{Kind: FieldString, Str: s} }

// Int creates an integer field value.
func Int(i int64) FieldValue { return FieldValue{Kind: FieldInt, Int: i} }

// Time creates a timestamp field value.
func Time(t time.Time) FieldValue { return FieldValue{Kind: FieldTime, Time: t.UTC()} }

// Ref creates a typed reference field value.
func Ref(id ID) FieldValue { return FieldValue{Kind: FieldRef, Ref: id} }

// Equal reports whether two field values are identical.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case FieldString:
		return v.Str == o.Str
	case FieldInt:
		return v.Int == o.Int
	case FieldTime:
		return v.Time.Equal(o.Time)
	case FieldRef:
		return v.Ref == o.Ref
	}
	return false
}

// fieldValueJSON is the wire form of a FieldValue.
type fieldValueJSON struct {
	S *string    `json:"s,omitempty"`
	I *int64     `json:"i,omitempty"`
	T *time.Time `json:"t,omitempty"`
	R *string    `json:"r,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	var w fieldValueJSON
	switch v.Kind {
	case FieldString:
		w.S = &v.Str
	case FieldInt:
		w.I = &v.Int
	case FieldTime:
		t := v.Time.UTC()
		w.T = &t
	case FieldRef:
		s := v.Ref.String()
		w.R = &s
	default:
		return nil, fmt.Errorf("unknown field kind %d", v.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	var w fieldValueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.S != nil:
		*v = String(*w.S)
	case w.I != nil:
		*v = Int(*w.I)
	case w.T != nil:
		*v = Time(*w.T)
	case w.R != nil:
		id, err := ParseID(*w.R)
		if err != nil {
			return err
		}
		*v = Ref(id)
	default:
		return fmt.Errorf("field value has no payload")
	}
	return nil
}

// Record is the remote store's unit of storage: an identifier, the server's
// change tag (empty for a record that was never saved), a schema version
// marker, and the synced fields.
type Record struct {
	ID            ID                    `json:"id"`
	ChangeTag     string                `json:"change_tag,omitempty"`
	SchemaVersion int                   `json:"schema_version"`
	Fields        map[string]FieldValue `json:"fields"`
}

// New creates an empty record of the current schema version.
func New(id ID) *Record {
	return &Record{
		ID:            id,
		SchemaVersion: SchemaVersion,
		Fields:        make(map[string]FieldValue),
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]FieldValue, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

// SystemFields is the identity and version metadata cached locally per
// record so an upload does not need a refetch first. It is stored as an
// opaque blob on the local entity.
type SystemFields struct {
	RecordID  string `json:"record_id"`
	ChangeTag string `json:"change_tag"`
}

// EncodeSystemFields serializes system fields for local caching.
func EncodeSystemFields(id ID, changeTag string) []byte {
	data, _ := json.Marshal(SystemFields{RecordID: id.String(), ChangeTag: changeTag})
	return data
}

// DecodeSystemFields parses a cached system fields blob. A nil or empty
// blob decodes to the zero value: the entity was never uploaded.
func DecodeSystemFields(blob []byte) (SystemFields, error) {
	if len(blob) == 0 {
		return SystemFields{}, nil
	}
	var sf SystemFields
	if err := json.Unmarshal(blob, &sf); err != nil {
		return SystemFields{}, fmt.Errorf("corrupt system fields blob: %w", err)
	}
	return sf, nil
}
