// Package vibesync provides an offline-first synchronization engine for
// record-oriented application data.
//
// vibesync keeps a local cache of records that can be edited while
// disconnected, queues every mutation in a durable FIFO offline queue, and
// reconciles concurrent edits deterministically when connectivity returns.
// It is the client-side sync core of a collaborative task dashboard: tasks
// and related records flow through an optimistic local cache, batched HTTP
// uploads, and a WebSocket event stream, with presence tracking and
// connection supervision alongside.
//
// # Basic Usage
//
// Create a client and queue operations; they sync automatically when the
// backend is reachable and queue durably when it is not:
//
//	client, err := vibesync.NewClient(vibesync.Config{
//	    ClientID: "edge-1",
//	    UserID:   "user-1",
//	    Remote:   vibesync.RemoteConfig{Endpoint: "https://sync.example.com"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Insert("tasks", vibesync.Record{
//	    ID:     "task-1",
//	    Fields: map[string]any{"title": "Ship the release", "status": "open"},
//	})
//
// Subscribe to server events for live updates:
//
//	sub := client.Engine().SubscribeSync("tasks")
//	defer sub.Close()
//	for ev := range sub.C() {
//	    fmt.Println(ev.Type, ev.Record.ID)
//	}
//
// # Components
//
// Offline queue:
//   - Durable FIFO queue with per-operation retry budgets
//   - Head-of-line blocking preserves per-record operation order
//   - Dead-letter queue for operations that exhaust their budget
//   - Pluggable persistence (memory, JSON file, SQLite)
//
// Conflict resolution:
//   - Last-write-wins by record timestamp with version tiebreak
//   - Field-level conflict metadata for every resolution
//   - Simplified operational transform for concurrent field edits
//
// Sync engine:
//   - Optimistic local cache with dirty-record tracking
//   - Version-ordered, idempotent application of server events
//   - Operation batching and adaptive sync intervals
//   - Bulk table sync with snappy or gzip compression
//
// Realtime:
//   - WebSocket event stream with JSON or MessagePack framing
//   - Ephemeral presence tracking (join, leave, cursor updates)
//   - Connection supervisor with heartbeat probing and resync-on-recover
//
// # Configuration
//
// Use [Config] to customize behavior, or [DefaultConfig] for sensible
// defaults. Configuration can also be loaded from YAML with [LoadConfig].
package vibesync
