package vibesync

import (
	"testing"
	"time"
)

func TestAdaptiveInterval_TightensOnActivity(t *testing.T) {
	ai := NewAdaptiveInterval(5*time.Second, 500*time.Millisecond, 0.85)

	if ai.Interval() != 5*time.Second {
		t.Fatalf("expected base interval, got %v", ai.Interval())
	}

	ai.RecordActivity("update")
	want := time.Duration(float64(5*time.Second) * 0.85)
	if ai.Interval() != want {
		t.Errorf("expected %v after one activity, got %v", want, ai.Interval())
	}

	ai.RecordActivity("update")
	if ai.Interval() >= want {
		t.Errorf("expected interval to keep shrinking, got %v", ai.Interval())
	}
}

func TestAdaptiveInterval_FloorHolds(t *testing.T) {
	ai := NewAdaptiveInterval(5*time.Second, 500*time.Millisecond, 0.5)

	for i := 0; i < 50; i++ {
		ai.RecordActivity("update")
	}

	if ai.Interval() != 500*time.Millisecond {
		t.Errorf("expected floor 500ms, got %v", ai.Interval())
	}
}

func TestAdaptiveInterval_ResetRestoresBase(t *testing.T) {
	ai := NewAdaptiveInterval(5*time.Second, 500*time.Millisecond, 0.85)

	ai.RecordActivity("insert")
	ai.RecordActivity("delete")
	if ai.Interval() == 5*time.Second {
		t.Fatal("expected interval to have shrunk before reset")
	}

	ai.Reset()
	if ai.Interval() != 5*time.Second {
		t.Errorf("expected exact base after reset, got %v", ai.Interval())
	}
	if len(ai.ActivityCounts()) != 0 {
		t.Errorf("expected counts cleared, got %v", ai.ActivityCounts())
	}
}

func TestAdaptiveInterval_CountsByKind(t *testing.T) {
	ai := NewAdaptiveInterval(time.Second, 100*time.Millisecond, 0.9)

	ai.RecordActivity("insert")
	ai.RecordActivity("insert")
	ai.RecordActivity("delete")

	counts := ai.ActivityCounts()
	if counts["insert"] != 2 {
		t.Errorf("expected 2 inserts, got %d", counts["insert"])
	}
	if counts["delete"] != 1 {
		t.Errorf("expected 1 delete, got %d", counts["delete"])
	}
}

func TestAdaptiveInterval_Defaults(t *testing.T) {
	ai := NewAdaptiveInterval(0, 0, 0)
	if ai.Interval() != 5*time.Second {
		t.Errorf("expected default base 5s, got %v", ai.Interval())
	}

	// A floor above the base clamps to the base.
	clamped := NewAdaptiveInterval(time.Second, time.Minute, 0.85)
	for i := 0; i < 10; i++ {
		clamped.RecordActivity("update")
	}
	if clamped.Interval() != time.Second {
		t.Errorf("expected floor clamped to base, got %v", clamped.Interval())
	}
}
