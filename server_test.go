package vibesync

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*SyncServer, *httptest.Server) {
	t.Helper()
	srv := NewSyncServer(DefaultServerConfig())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// awaitEnvelope reads frames until one decodes, or the deadline passes.
func awaitEnvelope(t *testing.T, conn *websocket.Conn, codec WireCodec) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

// awaitPresence reads frames until a matching presence event arrives.
func awaitPresence(t *testing.T, conn *websocket.Conn, codec WireCodec, typ PresenceEventType, userID string) PresenceEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := awaitEnvelope(t, conn, codec)
		if env.Channel == ChannelPresence && env.Presence != nil &&
			env.Presence.Type == typ && env.Presence.Record.UserID == userID {
			return *env.Presence
		}
	}
	t.Fatalf("no %s event for %s before deadline", typ, userID)
	return PresenceEvent{}
}

// awaitSync reads frames until a sync event arrives.
func awaitSync(t *testing.T, conn *websocket.Conn, codec WireCodec) SyncEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := awaitEnvelope(t, conn, codec)
		if env.Channel == ChannelSync && env.Sync != nil {
			return *env.Sync
		}
	}
	t.Fatal("no sync event before deadline")
	return SyncEvent{}
}

func TestSyncServer_OpsAssignVersions(t *testing.T) {
	srv, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL, UserID: "user-1"})

	insert := QueuedOperation{
		ID:    "op-1",
		Type:  OpInsert,
		Table: "tasks",
		Payload: Record{
			ID:     "task-1",
			Fields: map[string]any{"title": "buy milk"},
		},
	}
	if err := remote.Execute(context.Background(), insert); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rec, ok := srv.Record("tasks", "task-1")
	if !ok {
		t.Fatal("expected record stored")
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}

	update := QueuedOperation{
		ID:    "op-2",
		Type:  OpUpdate,
		Table: "tasks",
		Payload: Record{
			ID:     "task-1",
			Fields: map[string]any{"done": true},
		},
	}
	if err := remote.Execute(context.Background(), update); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rec, _ = srv.Record("tasks", "task-1")
	if rec.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", rec.Version)
	}
	// Updates merge fields rather than replacing the record.
	if rec.FieldString("title") != "buy milk" {
		t.Errorf("expected title preserved, got %v", rec.FieldString("title"))
	}
	if done, ok := rec.Field("done"); !ok || done != true {
		t.Errorf("expected done merged, got %v", done)
	}
	if srv.Stats().OpsApplied != 2 {
		t.Errorf("expected 2 ops applied, got %d", srv.Stats().OpsApplied)
	}
}

func TestSyncServer_DeduplicatesByOperationID(t *testing.T) {
	srv, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL})

	op := QueuedOperation{
		ID:    "op-1",
		Type:  OpInsert,
		Table: "tasks",
		Payload: Record{
			ID:     "task-1",
			Fields: map[string]any{"title": "once"},
		},
	}

	// An HTTP retry redelivers the same operation ID.
	for i := 0; i < 3; i++ {
		if err := remote.Execute(context.Background(), op); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	rec, _ := srv.Record("tasks", "task-1")
	if rec.Version != 1 {
		t.Errorf("expected version 1 after redeliveries, got %d", rec.Version)
	}
	stats := srv.Stats()
	if stats.OpsApplied != 1 {
		t.Errorf("expected 1 op applied, got %d", stats.OpsApplied)
	}
	if stats.OpsDeduped != 2 {
		t.Errorf("expected 2 ops deduped, got %d", stats.OpsDeduped)
	}
}

func TestSyncServer_DeleteKeepsVersionsMonotonic(t *testing.T) {
	srv, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL})

	ops := []QueuedOperation{
		{ID: "op-1", Type: OpInsert, Table: "tasks", Payload: Record{ID: "task-1", Fields: map[string]any{"title": "a"}}},
		{ID: "op-2", Type: OpDelete, Table: "tasks", Payload: Record{ID: "task-1"}},
		{ID: "op-3", Type: OpInsert, Table: "tasks", Payload: Record{ID: "task-1", Fields: map[string]any{"title": "b"}}},
	}
	for _, op := range ops {
		if err := remote.Execute(context.Background(), op); err != nil {
			t.Fatalf("Execute(%s): %v", op.ID, err)
		}
	}

	// Versions survive the delete so clients can order the recreate after it.
	rec, ok := srv.Record("tasks", "task-1")
	if !ok {
		t.Fatal("expected record recreated")
	}
	if rec.Version != 3 {
		t.Errorf("expected version 3 after insert-delete-insert, got %d", rec.Version)
	}
}

func TestSyncServer_BatchAppliesInOrder(t *testing.T) {
	srv, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL, CompressBatches: true})

	batch := OperationBatch{
		BatchID: "batch-1",
		Operations: []QueuedOperation{
			{ID: "op-1", Type: OpInsert, Table: "tasks", Payload: Record{ID: "task-1", Fields: map[string]any{"title": "a"}}},
			{ID: "op-2", Type: OpUpdate, Table: "tasks", Payload: Record{ID: "task-1", Fields: map[string]any{"title": "b"}}},
		},
	}
	if err := remote.ExecuteBatch(context.Background(), batch); err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}

	rec, _ := srv.Record("tasks", "task-1")
	if rec.Version != 2 || rec.FieldString("title") != "b" {
		t.Errorf("expected both ops applied in order, got v%d %v", rec.Version, rec.FieldString("title"))
	}
	if srv.Stats().Batches != 1 {
		t.Errorf("expected 1 batch counted, got %d", srv.Stats().Batches)
	}
}

func TestSyncServer_BulkIngest(t *testing.T) {
	srv, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL})

	records := []Record{
		{ID: "task-1", Fields: map[string]any{"title": "a"}},
		{ID: "task-2", Fields: map[string]any{"title": "b"}},
	}
	raw, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data, err := Compress(CompressionGzip, raw)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	payload := BulkPayload{
		Table:       "tasks",
		SnapshotID:  "snap-1",
		Codec:       CompressionGzip,
		RecordCount: len(records),
		RawSize:     len(raw),
		Data:        data,
	}
	if err := remote.UploadBulk(context.Background(), payload); err != nil {
		t.Fatalf("UploadBulk: %v", err)
	}

	for _, id := range []string{"task-1", "task-2"} {
		rec, ok := srv.Record("tasks", id)
		if !ok {
			t.Fatalf("expected %s ingested", id)
		}
		if rec.Version != 1 {
			t.Errorf("expected assigned version 1 for %s, got %d", id, rec.Version)
		}
	}
	if srv.Stats().Bulks != 1 {
		t.Errorf("expected 1 bulk counted, got %d", srv.Stats().Bulks)
	}
}

func TestSyncServer_SnapshotSortedByID(t *testing.T) {
	_, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL})

	for i, id := range []string{"zebra", "apple"} {
		op := QueuedOperation{
			ID:      "op-" + id,
			Type:    OpInsert,
			Table:   "tasks",
			Payload: Record{ID: id, Fields: map[string]any{"n": i}},
		}
		if err := remote.Execute(context.Background(), op); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	records, err := remote.PullSnapshot(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("PullSnapshot: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "apple" || records[1].ID != "zebra" {
		t.Errorf("expected records sorted by ID, got %s, %s", records[0].ID, records[1].ID)
	}
}

func TestSyncServer_Health(t *testing.T) {
	_, ts := newTestServer(t)
	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL})

	if err := remote.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSyncServer_WebSocketBroadcast(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sync/ws?user=alice&codec=json"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The subscriber's own join is broadcast first.
	awaitPresence(t, conn, JSONCodec, PresenceJoined, "alice")

	remote := NewHTTPRemote(RemoteConfig{Endpoint: ts.URL, UserID: "bob"})
	op := QueuedOperation{
		ID:    "op-1",
		Type:  OpInsert,
		Table: "tasks",
		Payload: Record{
			ID:     "task-1",
			Fields: map[string]any{"title": "shared"},
		},
	}
	if err := remote.Execute(context.Background(), op); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ev := awaitSync(t, conn, JSONCodec)
	if ev.Type != OpInsert || ev.Table != "tasks" {
		t.Errorf("expected insert on tasks, got %s on %s", ev.Type, ev.Table)
	}
	if ev.Record.ID != "task-1" || ev.Record.Version != 1 {
		t.Errorf("expected task-1 v1, got %s v%d", ev.Record.ID, ev.Record.Version)
	}
	if ev.OriginUserID != "bob" {
		t.Errorf("expected origin bob, got %s", ev.OriginUserID)
	}
}

func TestSyncServer_PresenceLifecycle(t *testing.T) {
	srv, ts := newTestServer(t)

	alice, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sync/ws?user=alice&codec=json"), nil)
	if err != nil {
		t.Fatalf("Dial alice: %v", err)
	}
	defer alice.Close()
	awaitPresence(t, alice, JSONCodec, PresenceJoined, "alice")

	bob, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sync/ws?user=bob&codec=json"), nil)
	if err != nil {
		t.Fatalf("Dial bob: %v", err)
	}

	// The newcomer learns the existing roster, then sees their own join.
	awaitPresence(t, bob, JSONCodec, PresenceJoined, "alice")
	awaitPresence(t, bob, JSONCodec, PresenceJoined, "bob")
	awaitPresence(t, alice, JSONCodec, PresenceJoined, "bob")

	roster := srv.Presence()
	if len(roster) != 2 || roster[0].UserID != "alice" || roster[1].UserID != "bob" {
		t.Fatalf("expected roster [alice bob], got %v", roster)
	}

	// A presence update travels up the socket and fans out.
	update := Envelope{
		Channel: ChannelPresence,
		Presence: &PresenceEvent{
			Type: PresenceUpdated,
			Record: PresenceRecord{
				UserID:     "bob",
				Status:     PresenceOnline,
				ResourceID: "board-7",
				Cursor:     &CursorPosition{Line: 2, Column: 5},
			},
		},
	}
	data, err := JSONCodec.Marshal(&update)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := bob.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ev := awaitPresence(t, alice, JSONCodec, PresenceUpdated, "bob")
	if ev.Record.ResourceID != "board-7" {
		t.Errorf("expected resource board-7, got %s", ev.Record.ResourceID)
	}

	// Disconnecting announces the departure and clears the roster entry.
	bob.Close()
	awaitPresence(t, alice, JSONCodec, PresenceLeft, "bob")

	if !waitUntil(t, time.Second, func() bool { return len(srv.Presence()) == 1 }) {
		t.Errorf("expected bob removed from roster, got %v", srv.Presence())
	}
}

func TestSyncServer_MsgpackClient(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sync/ws?user=carol&codec=msgpack"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frameKind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if frameKind != websocket.BinaryMessage {
		t.Errorf("expected binary frame for msgpack, got %d", frameKind)
	}

	var env Envelope
	if err := MsgpackCodec.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode msgpack envelope: %v", err)
	}
	if env.Channel != ChannelPresence || env.Presence.Record.UserID != "carol" {
		t.Errorf("expected carol join envelope, got %+v", env)
	}
}

func TestSyncServer_RejectsUnknownCodec(t *testing.T) {
	_, ts := newTestServer(t)

	_, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sync/ws?codec=protobuf"), nil)
	if err == nil {
		t.Fatal("expected handshake rejection for unknown codec")
	}
}
