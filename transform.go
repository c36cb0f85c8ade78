package vibesync

import (
	"fmt"
	"sort"
	"time"
)

// --- Operational Transform ---

// Field edit operations.
const (
	// EditReplace overwrites the field value.
	EditReplace = "replace"
	// EditAppend inserts text into the current string value at Position.
	EditAppend = "append"
)

// FieldEdit is a single edit to one field of a record.
type FieldEdit struct {
	// Field is the name of the field being edited
	Field string `json:"field"`
	// Op is the edit operation: replace or append
	Op string `json:"operation"`
	// Value is the replacement value, or the text to insert for append
	Value any `json:"value"`
	// Position is the insertion offset for append edits
	Position int `json:"position"`
	// Timestamp orders edits from different sources
	Timestamp time.Time `json:"timestamp"`
}

// ApplyOperationalTransform applies a set of concurrent field edits to a
// record and returns the transformed copy. Edits are applied in timestamp
// order so every participant converges on the same result regardless of
// arrival order. The base record is not modified.
func ApplyOperationalTransform(base Record, edits []FieldEdit) Record {
	result := base.Clone()
	if len(edits) == 0 {
		return result
	}

	ordered := make([]FieldEdit, len(edits))
	copy(ordered, edits)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	if result.Fields == nil {
		result.Fields = make(map[string]any)
	}

	for _, edit := range ordered {
		switch edit.Op {
		case EditAppend:
			current := ""
			if v, ok := result.Fields[edit.Field]; ok {
				current = fmt.Sprint(v)
			}
			insert := fmt.Sprint(edit.Value)
			pos := edit.Position
			if pos < 0 {
				pos = 0
			}
			if pos > len(current) {
				pos = len(current)
			}
			result.Fields[edit.Field] = current[:pos] + insert + current[pos:]
		case EditReplace:
			result.Fields[edit.Field] = edit.Value
		default:
			// Unknown edit ops are skipped rather than guessed at.
			continue
		}
		if edit.Timestamp.After(result.UpdatedAt) {
			result.UpdatedAt = edit.Timestamp
		}
	}

	return result
}
