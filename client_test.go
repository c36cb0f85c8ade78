package vibesync

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

// newClientConfig wires a client to the test server with intervals short
// enough for tests.
func newClientConfig(ts *httptest.Server, userID string) Config {
	cfg := DefaultConfig()
	cfg.UserID = userID
	cfg.Remote.Endpoint = ts.URL
	cfg.Realtime.URL = wsURL(ts, "/sync/ws")
	cfg.Realtime.ReconnectBackoff = 10 * time.Millisecond
	cfg.Sync.SyncInterval = 20 * time.Millisecond
	cfg.Sync.MinSyncInterval = 5 * time.Millisecond
	cfg.Queue.InitialBackoff = time.Millisecond
	cfg.Queue.MaxBackoff = 10 * time.Millisecond
	return cfg
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient_Validation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error without user_id")
	}

	cfg = DefaultConfig()
	cfg.UserID = "user-1"
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error without remote endpoint")
	}

	cfg = DefaultConfig()
	cfg.UserID = "user-1"
	cfg.RemoteExecutor = newFakeRemote()
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient with custom executor: %v", err)
	}
	if client.config.ClientID == "" {
		t.Error("expected generated client ID")
	}
	client.Close()
}

func TestClient_EndToEndSync(t *testing.T) {
	srv, ts := newTestServer(t)

	alice := startClient(t, newClientConfig(ts, "alice"))
	bob := startClient(t, newClientConfig(ts, "bob"))

	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		if !waitUntil(t, 2*time.Second, func() bool { return c.Connection().State() == StateConnected }) {
			t.Fatalf("%s never connected", name)
		}
	}

	sub := bob.SubscribeSync("tasks")
	defer sub.Close()

	rec, err := alice.Insert(context.Background(), "tasks", Record{
		Fields: map[string]any{"title": "write the report"},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated record ID")
	}

	// The mutation reaches the server, which assigns version 1.
	if !waitUntil(t, 2*time.Second, func() bool {
		got, ok := srv.Record("tasks", rec.ID)
		return ok && got.Version == 1
	}) {
		t.Fatal("server never received the insert")
	}

	// Bob hears about it over the websocket.
	select {
	case ev := <-sub.C():
		if ev.Record.ID != rec.ID || ev.Record.Version != 1 {
			t.Errorf("expected %s v1, got %s v%d", rec.ID, ev.Record.ID, ev.Record.Version)
		}
		if ev.OriginUserID != "alice" {
			t.Errorf("expected origin alice, got %s", ev.OriginUserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the sync event")
	}

	got, ok := bob.Engine().GetRecord("tasks", rec.ID)
	if !ok || got.FieldString("title") != "write the report" {
		t.Errorf("expected bob's cache populated, got %+v", got)
	}

	// Alice's own echo settles her optimistic record at the server version.
	if !waitUntil(t, 2*time.Second, func() bool {
		got, ok := alice.Engine().GetRecord("tasks", rec.ID)
		return ok && got.Version == 1
	}) {
		t.Error("alice's record never adopted the server version")
	}
}

func TestClient_PresencePropagates(t *testing.T) {
	_, ts := newTestServer(t)

	alice := startClient(t, newClientConfig(ts, "alice"))
	bob := startClient(t, newClientConfig(ts, "bob"))

	for name, c := range map[string]*Client{"alice": alice, "bob": bob} {
		if !waitUntil(t, 2*time.Second, func() bool { return c.Connection().State() == StateConnected }) {
			t.Fatalf("%s never connected", name)
		}
	}

	if err := bob.UpdatePresence(PresenceRecord{
		ResourceID: "board-1",
		Cursor:     &CursorPosition{Line: 4, Column: 2},
	}); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}

	// Alice's tracker learns about bob's cursor via the broadcast.
	if !waitUntil(t, 2*time.Second, func() bool {
		rec, ok := alice.Presence().Get("bob")
		return ok && rec.ResourceID == "board-1"
	}) {
		rec, _ := alice.Presence().Get("bob")
		t.Fatalf("alice never saw bob's presence update, got %+v", rec)
	}

	rec, _ := alice.Presence().Get("bob")
	if rec.Cursor == nil || rec.Cursor.Line != 4 {
		t.Errorf("expected cursor line 4, got %+v", rec.Cursor)
	}
	if rec.Status != PresenceOnline {
		t.Errorf("expected default online status, got %s", rec.Status)
	}
}

func TestClient_OfflineQueueDrainsOnRecovery(t *testing.T) {
	remote := newFakeRemote()

	cfg := DefaultConfig()
	cfg.UserID = "user-1"
	cfg.RemoteExecutor = remote
	cfg.Queue.InitialBackoff = time.Millisecond
	cfg.Queue.MaxBackoff = 10 * time.Millisecond
	cfg.Sync.SyncInterval = 20 * time.Millisecond
	cfg.Sync.MinSyncInterval = 5 * time.Millisecond
	cfg.Sync.ResyncOnConnect = false

	client := startClient(t, cfg)

	// No transport is up yet, so mutations park in the offline queue.
	first, err := client.Insert(context.Background(), "tasks", Record{Fields: map[string]any{"title": "a"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second, err := client.Insert(context.Background(), "tasks", Record{Fields: map[string]any{"title": "b"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if client.Queue().Len() != 2 {
		t.Fatalf("expected 2 queued operations, got %d", client.Queue().Len())
	}

	client.Connection().MarkConnected()

	if !waitUntil(t, 2*time.Second, func() bool {
		return client.Queue().Len() == 0 && len(remote.executedOps()) == 2
	}) {
		t.Fatalf("queue never drained: %d left, %d executed",
			client.Queue().Len(), len(remote.executedOps()))
	}

	ops := remote.executedOps()
	if ops[0].Payload.ID != first.ID || ops[1].Payload.ID != second.ID {
		t.Errorf("expected replay in insertion order, got %s then %s",
			ops[0].Payload.ID, ops[1].Payload.ID)
	}

	stats := client.Stats()
	if stats.Queue.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", stats.Queue.Processed)
	}
	if stats.Realtime != nil {
		t.Error("expected no realtime stats without a realtime URL")
	}
}

func TestClient_PresenceStaysLocalWhileOffline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserID = "user-1"
	cfg.RemoteExecutor = newFakeRemote()

	client := startClient(t, cfg)

	if err := client.UpdatePresence(PresenceRecord{ResourceID: "board-9"}); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}

	rec, ok := client.Presence().Get("user-1")
	if !ok {
		t.Fatal("expected local presence record")
	}
	if rec.ResourceID != "board-9" || rec.Status != PresenceOnline {
		t.Errorf("expected online at board-9, got %s at %s", rec.Status, rec.ResourceID)
	}
}

func TestClient_RealtimeReconnects(t *testing.T) {
	srv, ts := newTestServer(t)

	client := startClient(t, newClientConfig(ts, "alice"))
	if !waitUntil(t, 2*time.Second, func() bool { return client.Connection().State() == StateConnected }) {
		t.Fatal("client never connected")
	}
	if client.Realtime().Stats().Dials != 1 {
		t.Fatalf("expected 1 dial, got %d", client.Realtime().Stats().Dials)
	}

	// Kill the server side of every socket; the handler keeps accepting.
	srv.Close()

	if !waitUntil(t, 2*time.Second, func() bool {
		stats := client.Realtime().Stats()
		return stats.Drops >= 1 && stats.Dials >= 2 && stats.Connected
	}) {
		t.Fatalf("client never redialed: %+v", client.Realtime().Stats())
	}
	if client.Connection().Stats().Recoveries < 2 {
		t.Errorf("expected a second recovery, got %d", client.Connection().Stats().Recoveries)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UserID = "user-1"
	cfg.RemoteExecutor = newFakeRemote()

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := client.Start(); err != ErrClientClosed {
		t.Errorf("expected ErrClientClosed from Start after Close, got %v", err)
	}
}
