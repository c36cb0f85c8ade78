package vibesync

import (
	"testing"
	"time"
)

func TestApplyOperationalTransform_Replace(t *testing.T) {
	base := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "draft")

	edits := []FieldEdit{
		{Field: "title", Op: EditReplace, Value: "final", Timestamp: base.UpdatedAt.Add(time.Minute)},
	}

	got := ApplyOperationalTransform(base, edits)
	if got.FieldString("title") != "final" {
		t.Errorf("expected final, got %v", got.FieldString("title"))
	}
	if !got.UpdatedAt.Equal(base.UpdatedAt.Add(time.Minute)) {
		t.Errorf("expected UpdatedAt to advance to the edit timestamp, got %v", got.UpdatedAt)
	}
	if got.Version != base.Version {
		t.Errorf("expected version unchanged, got %d", got.Version)
	}
}

func TestApplyOperationalTransform_AppendAtPosition(t *testing.T) {
	base := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "hello world")

	edits := []FieldEdit{
		{Field: "title", Op: EditAppend, Value: ",", Position: 5, Timestamp: base.UpdatedAt.Add(time.Second)},
	}

	got := ApplyOperationalTransform(base, edits)
	if got.FieldString("title") != "hello, world" {
		t.Errorf("expected hello, world, got %v", got.FieldString("title"))
	}
}

func TestApplyOperationalTransform_ClampsPositions(t *testing.T) {
	base := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "abc")
	at := base.UpdatedAt

	t.Run("Negative", func(t *testing.T) {
		got := ApplyOperationalTransform(base, []FieldEdit{
			{Field: "title", Op: EditAppend, Value: "x", Position: -5, Timestamp: at.Add(time.Second)},
		})
		if got.FieldString("title") != "xabc" {
			t.Errorf("expected xabc, got %v", got.FieldString("title"))
		}
	})

	t.Run("PastEnd", func(t *testing.T) {
		got := ApplyOperationalTransform(base, []FieldEdit{
			{Field: "title", Op: EditAppend, Value: "x", Position: 99, Timestamp: at.Add(time.Second)},
		})
		if got.FieldString("title") != "abcx" {
			t.Errorf("expected abcx, got %v", got.FieldString("title"))
		}
	})

	t.Run("MissingField", func(t *testing.T) {
		got := ApplyOperationalTransform(base, []FieldEdit{
			{Field: "notes", Op: EditAppend, Value: "new", Position: 3, Timestamp: at.Add(time.Second)},
		})
		if got.FieldString("notes") != "new" {
			t.Errorf("expected append to empty field, got %v", got.FieldString("notes"))
		}
	})
}

func TestApplyOperationalTransform_ConvergesAcrossArrivalOrder(t *testing.T) {
	base := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "shared doc")

	edits := []FieldEdit{
		{Field: "title", Op: EditReplace, Value: "doc", Timestamp: base.UpdatedAt.Add(1 * time.Second)},
		{Field: "title", Op: EditAppend, Value: "shared ", Position: 0, Timestamp: base.UpdatedAt.Add(2 * time.Second)},
		{Field: "title", Op: EditAppend, Value: " v2", Position: 99, Timestamp: base.UpdatedAt.Add(3 * time.Second)},
	}
	reversed := []FieldEdit{edits[2], edits[1], edits[0]}

	a := ApplyOperationalTransform(base, edits)
	b := ApplyOperationalTransform(base, reversed)

	if a.FieldString("title") != "shared doc v2" {
		t.Errorf("expected shared doc v2, got %v", a.FieldString("title"))
	}
	if a.FieldString("title") != b.FieldString("title") {
		t.Errorf("expected convergence, got %v vs %v", a.FieldString("title"), b.FieldString("title"))
	}
}

func TestApplyOperationalTransform_SkipsUnknownOps(t *testing.T) {
	base := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "keep")

	got := ApplyOperationalTransform(base, []FieldEdit{
		{Field: "title", Op: "delete-chars", Value: "x", Timestamp: base.UpdatedAt.Add(time.Hour)},
	})

	if got.FieldString("title") != "keep" {
		t.Errorf("expected unknown op to be skipped, got %v", got.FieldString("title"))
	}
	if !got.UpdatedAt.Equal(base.UpdatedAt) {
		t.Errorf("expected UpdatedAt untouched by skipped edit, got %v", got.UpdatedAt)
	}
}

func TestApplyOperationalTransform_BaseUnmodified(t *testing.T) {
	base := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "original")

	_ = ApplyOperationalTransform(base, []FieldEdit{
		{Field: "title", Op: EditReplace, Value: "changed", Timestamp: base.UpdatedAt.Add(time.Second)},
	})

	if base.FieldString("title") != "original" {
		t.Errorf("expected base record untouched, got %v", base.FieldString("title"))
	}
}
