package vibesync

import (
	"sort"
	"sync"
	"time"
)

// --- Presence Tracking ---

// PresenceStatus is a user's broadcast availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// CursorPosition is an optional cursor location shared for collaborative
// editing.
type CursorPosition struct {
	Line   int `json:"line" msgpack:"line"`
	Column int `json:"column" msgpack:"column"`
	Offset int `json:"offset" msgpack:"offset"`
}

// PresenceRecord is one user's ephemeral presence state. Presence follows
// last-update-wins with no conflict resolution or history.
type PresenceRecord struct {
	// UserID identifies the user
	UserID string `json:"user_id" msgpack:"user_id"`
	// Status is online or offline
	Status PresenceStatus `json:"status" msgpack:"status"`
	// ResourceID is the document or view the user has open, if any
	ResourceID string `json:"resource_id,omitempty" msgpack:"resource_id,omitempty"`
	// Cursor is the user's cursor location, if shared
	Cursor *CursorPosition `json:"cursor,omitempty" msgpack:"cursor,omitempty"`
	// UpdatedAt is when this state was last reported
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// PresenceConfig configures presence tracking.
type PresenceConfig struct {
	// StaleTimeout is how long a record counts as active without an
	// update (default 30s)
	StaleTimeout time.Duration `json:"stale_timeout" yaml:"stale_timeout"`
	// SweepInterval is how often stale records are purged (default 10s)
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultPresenceConfig returns a presence configuration with sensible
// defaults.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		StaleTimeout:  30 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

// PresenceTracker keeps the latest presence record per user. State is
// ephemeral: it lives in memory only and stale entries are swept away.
type PresenceTracker struct {
	config PresenceConfig

	mu      sync.RWMutex
	records map[string]PresenceRecord
	updates int64
	swept   int64
}

// PresenceStats is a snapshot of presence counters.
type PresenceStats struct {
	Tracked int   `json:"tracked"`
	Active  int   `json:"active"`
	Updates int64 `json:"updates"`
	Swept   int64 `json:"swept"`
}

// NewPresenceTracker creates a presence tracker.
func NewPresenceTracker(config PresenceConfig) *PresenceTracker {
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = 30 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Second
	}
	return &PresenceTracker{
		config:  config,
		records: make(map[string]PresenceRecord),
	}
}

// Update stores a presence record, replacing any previous state for the
// user. A zero UpdatedAt is stamped with the current time.
func (t *PresenceTracker) Update(rec PresenceRecord) {
	if rec.UserID == "" {
		return
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	t.mu.Lock()
	t.records[rec.UserID] = rec
	t.updates++
	t.mu.Unlock()
}

// Remove drops a user's presence record.
func (t *PresenceTracker) Remove(userID string) {
	t.mu.Lock()
	delete(t.records, userID)
	t.mu.Unlock()
}

// Get returns the presence record for a user.
func (t *PresenceTracker) Get(userID string) (PresenceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// ActiveUsers returns records that are online and fresher than the stale
// timeout, sorted by user ID.
func (t *PresenceTracker) ActiveUsers() []PresenceRecord {
	cutoff := time.Now().Add(-t.config.StaleTimeout)

	t.mu.RLock()
	out := make([]PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Status == PresenceOnline && rec.UpdatedAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of tracked records, stale or not.
func (t *PresenceTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Sweep removes records older than the stale timeout and returns how many
// were purged.
func (t *PresenceTracker) Sweep() int {
	cutoff := time.Now().Add(-t.config.StaleTimeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, rec := range t.records {
		if !rec.UpdatedAt.After(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	t.swept += int64(removed)
	return removed
}

// ApplyEvent folds a presence event into the tracker.
func (t *PresenceTracker) ApplyEvent(ev PresenceEvent) {
	switch ev.Type {
	case PresenceJoined, PresenceUpdated:
		rec := ev.Record
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = ev.Timestamp
		}
		t.Update(rec)
	case PresenceLeft:
		t.Remove(ev.Record.UserID)
	}
}

// Stats returns a snapshot of presence counters.
func (t *PresenceTracker) Stats() PresenceStats {
	active := len(t.ActiveUsers())

	t.mu.RLock()
	defer t.mu.RUnlock()
	return PresenceStats{
		Tracked: len(t.records),
		Active:  active,
		Updates: t.updates,
		Swept:   t.swept,
	}
}
