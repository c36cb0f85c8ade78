package vibesync

import (
	"fmt"
	"sync"
	"time"
)

// OpType identifies a mutation kind.
type OpType string

const (
	// OpInsert creates a record.
	OpInsert OpType = "insert"
	// OpUpdate modifies an existing record.
	OpUpdate OpType = "update"
	// OpDelete removes a record.
	OpDelete OpType = "delete"
)

// Valid reports whether the operation type is recognized.
func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncEvent is a server-originated record mutation. Record carries the
// authoritative version assigned by the server; events for the same record
// ID arrive in non-decreasing version order.
type SyncEvent struct {
	Type         OpType    `json:"type" msgpack:"type"`
	Table        string    `json:"table" msgpack:"table"`
	Record       Record    `json:"record" msgpack:"record"`
	Timestamp    time.Time `json:"timestamp" msgpack:"timestamp"`
	OriginUserID string    `json:"origin_user_id,omitempty" msgpack:"origin_user_id,omitempty"`
}

// PresenceEventType identifies a presence transition.
type PresenceEventType string

const (
	// PresenceJoined signals a user joining.
	PresenceJoined PresenceEventType = "user-joined"
	// PresenceLeft signals a user leaving.
	PresenceLeft PresenceEventType = "user-left"
	// PresenceUpdated signals a cursor or status change.
	PresenceUpdated PresenceEventType = "user-updated"
)

// PresenceEvent is an ephemeral presence transition for a single user.
type PresenceEvent struct {
	Type      PresenceEventType `json:"type" msgpack:"type"`
	Record    PresenceRecord    `json:"record" msgpack:"record"`
	Timestamp time.Time         `json:"timestamp" msgpack:"timestamp"`
}

// --- EventBus: in-process fan-out for applied events ---

// SyncSubscription receives applied sync events for a table.
type SyncSubscription struct {
	ID     string
	Table  string
	ch     chan SyncEvent
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving sync events.
func (s *SyncSubscription) C() <-chan SyncEvent {
	return s.ch
}

// Close closes the subscription.
func (s *SyncSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// PresenceSubscription receives presence events.
type PresenceSubscription struct {
	ID     string
	ch     chan PresenceEvent
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving presence events.
func (s *PresenceSubscription) C() <-chan PresenceEvent {
	return s.ch
}

// Close closes the subscription.
func (s *PresenceSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventBus fans applied events out to in-process subscribers. Publishing
// never blocks; events are dropped for subscribers with full buffers.
type EventBus struct {
	mu         sync.RWMutex
	syncSubs   map[string]*SyncSubscription
	presSubs   map[string]*PresenceSubscription
	nextID     uint64
	bufferSize int
}

// NewEventBus creates an event bus with the given per-subscription buffer.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		syncSubs:   make(map[string]*SyncSubscription),
		presSubs:   make(map[string]*PresenceSubscription),
		bufferSize: bufferSize,
	}
}

// SubscribeSync creates a subscription for sync events on a table.
// An empty table subscribes to all tables.
func (b *EventBus) SubscribeSync(table string) *SyncSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &SyncSubscription{
		ID:    fmt.Sprintf("sub-%d", b.nextID),
		Table: table,
		ch:    make(chan SyncEvent, b.bufferSize),
		done:  make(chan struct{}),
	}
	b.syncSubs[sub.ID] = sub
	return sub
}

// SubscribePresence creates a subscription for presence events.
func (b *EventBus) SubscribePresence() *PresenceSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &PresenceSubscription{
		ID:   fmt.Sprintf("sub-%d", b.nextID),
		ch:   make(chan PresenceEvent, b.bufferSize),
		done: make(chan struct{}),
	}
	b.presSubs[sub.ID] = sub
	return sub
}

// UnsubscribeSync removes a sync subscription.
func (b *EventBus) UnsubscribeSync(id string) {
	b.mu.Lock()
	sub, ok := b.syncSubs[id]
	if ok {
		delete(b.syncSubs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// UnsubscribePresence removes a presence subscription.
func (b *EventBus) UnsubscribePresence(id string) {
	b.mu.Lock()
	sub, ok := b.presSubs[id]
	if ok {
		delete(b.presSubs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// PublishSync delivers a sync event to matching subscriptions.
func (b *EventBus) PublishSync(ev SyncEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.syncSubs {
		if sub.Table != "" && sub.Table != ev.Table {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event
		}
		sub.mu.Unlock()
	}
}

// PublishPresence delivers a presence event to all presence subscriptions.
func (b *EventBus) PublishPresence(ev PresenceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.presSubs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event
		}
		sub.mu.Unlock()
	}
}

// Count returns the number of active subscriptions.
func (b *EventBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.syncSubs) + len(b.presSubs)
}

// Close closes every active subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	syncSubs := b.syncSubs
	presSubs := b.presSubs
	b.syncSubs = make(map[string]*SyncSubscription)
	b.presSubs = make(map[string]*PresenceSubscription)
	b.mu.Unlock()

	for _, sub := range syncSubs {
		sub.Close()
	}
	for _, sub := range presSubs {
		sub.Close()
	}
}
