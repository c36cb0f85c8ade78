package vibesync

import (
	"fmt"
	"sort"
	"time"
)

// Record is a versioned application record. Fields holds the record body as
// loosely typed key/value pairs; Version is assigned by the server and
// increases monotonically per record ID.
type Record struct {
	ID        string         `json:"id" msgpack:"id"`
	Version   int64          `json:"version" msgpack:"version"`
	UpdatedAt time.Time      `json:"updated_at" msgpack:"updated_at"`
	Fields    map[string]any `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// Clone returns a deep copy of the record. Field values are copied by
// reference; only the field map itself is duplicated.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Field returns the named field value and whether it is present.
func (r Record) Field(name string) (any, bool) {
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// FieldString returns the named field rendered as a string. Missing fields
// return the empty string.
func (r Record) FieldString(name string) string {
	v, ok := r.Field(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// recordKey identifies a record within the local cache.
type recordKey struct {
	table string
	id    string
}

func (k recordKey) String() string {
	return k.table + "/" + k.id
}

// conflictedFields returns the sorted names of fields whose values differ
// between two records. Fields present on only one side count as conflicted.
func conflictedFields(local, remote Record) []string {
	seen := make(map[string]bool, len(local.Fields)+len(remote.Fields))
	var fields []string

	for name, lv := range local.Fields {
		rv, ok := remote.Fields[name]
		if !ok || fmt.Sprint(lv) != fmt.Sprint(rv) {
			fields = append(fields, name)
		}
		seen[name] = true
	}
	for name := range remote.Fields {
		if !seen[name] {
			fields = append(fields, name)
		}
	}

	sort.Strings(fields)
	return fields
}
