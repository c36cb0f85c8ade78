package vibesync

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

func taskRecord(id string, version int64, updatedAt time.Time, title string) Record {
	return Record{
		ID:        id,
		Version:   version,
		UpdatedAt: updatedAt,
		Fields:    map[string]any{"title": title},
	}
}

func TestConflictResolver_LastWriteWins(t *testing.T) {
	r := NewConflictResolver(DefaultResolverConfig())

	at1001 := time.Date(2026, 3, 14, 10, 1, 0, 0, time.UTC)
	at1002 := time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC)

	local := taskRecord("task-1", 3, at1001, "buy milk")
	remote := taskRecord("task-1", 3, at1002, "buy oat milk")

	res := r.Resolve("tasks", local, remote)
	if res.Winner != "remote" {
		t.Errorf("expected remote winner, got %s", res.Winner)
	}
	if res.Resolved.FieldString("title") != "buy oat milk" {
		t.Errorf("expected remote title, got %v", res.Resolved.FieldString("title"))
	}

	// Swapping sides must flip the winner, not the surviving record.
	res = r.Resolve("tasks", remote, local)
	if res.Winner != "local" {
		t.Errorf("expected local winner after swap, got %s", res.Winner)
	}
	if res.Resolved.FieldString("title") != "buy oat milk" {
		t.Errorf("expected the later edit to survive either way, got %v", res.Resolved.FieldString("title"))
	}
}

func TestConflictResolver_TimestampTieUsesVersion(t *testing.T) {
	r := NewConflictResolver(DefaultResolverConfig())

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	local := taskRecord("task-1", 2, at, "local edit")
	remote := taskRecord("task-1", 5, at, "remote edit")

	res := r.Resolve("tasks", local, remote)
	if res.Winner != "remote" {
		t.Errorf("expected higher version to win tie, got %s", res.Winner)
	}
}

func TestConflictResolver_FullTieKeepsLocal(t *testing.T) {
	r := NewConflictResolver(DefaultResolverConfig())

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	local := taskRecord("task-1", 2, at, "local edit")
	remote := taskRecord("task-1", 2, at, "remote edit")

	res := r.Resolve("tasks", local, remote)
	if res.Winner != "local" {
		t.Errorf("expected local to keep a full tie, got %s", res.Winner)
	}
}

func TestConflictResolver_LocalEditStaysWhenNewer(t *testing.T) {
	r := NewConflictResolver(DefaultResolverConfig())

	local := taskRecord("task-1", 4, time.Date(2026, 3, 14, 10, 2, 0, 0, time.UTC), "newest")
	remote := taskRecord("task-1", 9, time.Date(2026, 3, 14, 10, 1, 0, 0, time.UTC), "older")

	res := r.Resolve("tasks", local, remote)
	if res.Winner != "local" {
		t.Errorf("expected later timestamp to beat higher version, got %s", res.Winner)
	}
}

func TestConflictResolver_FixedStrategies(t *testing.T) {
	local := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "mine")
	remote := taskRecord("task-1", 9, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), "theirs")

	t.Run("LocalWins", func(t *testing.T) {
		r := NewConflictResolver(ResolverConfig{Strategy: StrategyLocalWins})
		res := r.Resolve("tasks", local, remote)
		if res.Winner != "local" {
			t.Errorf("expected local winner, got %s", res.Winner)
		}
	})

	t.Run("RemoteWins", func(t *testing.T) {
		r := NewConflictResolver(ResolverConfig{Strategy: StrategyRemoteWins})
		// Remote wins even when the local copy is newer.
		older := taskRecord("task-1", 1, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), "theirs")
		res := r.Resolve("tasks", local, older)
		if res.Winner != "remote" {
			t.Errorf("expected remote winner, got %s", res.Winner)
		}
	})
}

func TestConflictResolver_ConflictedFields(t *testing.T) {
	r := NewConflictResolver(DefaultResolverConfig())

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	local := Record{
		ID: "task-1", Version: 1, UpdatedAt: at,
		Fields: map[string]any{"title": "a", "done": false, "priority": 2},
	}
	remote := Record{
		ID: "task-1", Version: 2, UpdatedAt: at.Add(time.Minute),
		Fields: map[string]any{"title": "b", "done": false, "assignee": "sam"},
	}

	res := r.Resolve("tasks", local, remote)
	want := []string{"assignee", "priority", "title"}
	if !reflect.DeepEqual(res.Metadata.ConflictedFields, want) {
		t.Errorf("expected conflicted fields %v, got %v", want, res.Metadata.ConflictedFields)
	}
	if res.Metadata.LocalVersion != 1 || res.Metadata.RemoteVersion != 2 {
		t.Errorf("expected versions 1/2, got %d/%d",
			res.Metadata.LocalVersion, res.Metadata.RemoteVersion)
	}
}

func TestConflictResolver_ResolutionDoesNotAliasInputs(t *testing.T) {
	r := NewConflictResolver(DefaultResolverConfig())

	remote := taskRecord("task-1", 2, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), "original")
	local := taskRecord("task-1", 1, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), "stale")

	res := r.Resolve("tasks", local, remote)
	remote.Fields["title"] = "mutated after resolve"

	if res.Resolved.FieldString("title") != "original" {
		t.Errorf("resolution must clone the winner, got %v", res.Resolved.FieldString("title"))
	}
}

func TestConflictResolver_HistoryBounded(t *testing.T) {
	r := NewConflictResolver(ResolverConfig{HistoryLimit: 5})

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("task-%d", i)
		r.Resolve("tasks", taskRecord(id, 1, at, "a"), taskRecord(id, 2, at.Add(time.Second), "b"))
	}

	history := r.History()
	if len(history) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(history))
	}
	if history[len(history)-1].Resolved.ID != "task-11" {
		t.Errorf("expected newest resolution retained, got %s", history[len(history)-1].Resolved.ID)
	}
	if r.ResolvedCount() != 12 {
		t.Errorf("expected 12 resolutions counted, got %d", r.ResolvedCount())
	}
}

func TestConflictStrategyValid(t *testing.T) {
	if !StrategyLastWriteWins.Valid() {
		t.Error("expected last-write-wins to be valid")
	}
	if ConflictStrategy("merge").Valid() {
		t.Error("expected merge to be invalid")
	}
}
