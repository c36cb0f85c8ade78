package vibesync

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// --- Sync Server ---

// ServerConfig configures the reference sync server.
type ServerConfig struct {
	// BufferSize is the per-client outbound frame buffer (default 256)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// PingInterval is how often clients are pinged (default 30s)
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// WriteTimeout bounds a single frame write (default 10s)
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// SeenOpsLimit caps the idempotency window (default 4096 operation IDs)
	SeenOpsLimit int `json:"seen_ops_limit" yaml:"seen_ops_limit"`
}

// DefaultServerConfig returns a server configuration with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		SeenOpsLimit: 4096,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type serverClient struct {
	conn   *websocket.Conn
	codec  WireCodec
	userID string
	send   chan []byte
	done   chan struct{}
}

// SyncServer is an in-memory sync backend: it accepts operations over
// HTTP, assigns authoritative versions, and fans events out to websocket
// subscribers. It backs the examples and integration tests, and documents
// the protocol a production backend must speak.
type SyncServer struct {
	config ServerConfig

	mu        sync.Mutex
	tables    map[string]map[string]Record
	versions  map[recordKey]int64
	seenOps   map[string]bool
	seenOrder []string
	clients   map[*serverClient]bool
	presence  map[string]PresenceRecord

	opsApplied int64
	opsDeduped int64
	batches    int64
	bulks      int64
}

// ServerStats is a snapshot of server counters.
type ServerStats struct {
	Clients       int   `json:"clients"`
	Tables        int   `json:"tables"`
	Records       int   `json:"records"`
	PresenceUsers int   `json:"presence_users"`
	OpsApplied    int64 `json:"ops_applied"`
	OpsDeduped    int64 `json:"ops_deduped"`
	Batches       int64 `json:"batches"`
	Bulks         int64 `json:"bulks"`
}

// NewSyncServer creates an empty sync server.
func NewSyncServer(config ServerConfig) *SyncServer {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.SeenOpsLimit <= 0 {
		config.SeenOpsLimit = 4096
	}
	return &SyncServer{
		config:   config,
		tables:   make(map[string]map[string]Record),
		versions: make(map[recordKey]int64),
		seenOps:  make(map[string]bool),
		clients:  make(map[*serverClient]bool),
		presence: make(map[string]PresenceRecord),
	}
}

// Handler returns the HTTP handler exposing the sync protocol.
func (s *SyncServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/ops", s.handleOps)
	mux.HandleFunc("/sync/batch", s.handleBatch)
	mux.HandleFunc("/sync/bulk", s.handleBulk)
	mux.HandleFunc("/sync/snapshot", s.handleSnapshot)
	mux.HandleFunc("/sync/health", s.handleHealth)
	mux.HandleFunc("/sync/ws", s.handleWS)
	return mux
}

// readBody reads a request body, transparently inflating gzip.
func readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

func (s *SyncServer) handleOps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var op QueuedOperation
	if err := json.Unmarshal(body, &op); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !op.Type.Valid() || op.Table == "" || op.Payload.ID == "" {
		http.Error(w, "invalid operation", http.StatusBadRequest)
		return
	}

	ev, applied := s.applyOperation(op, r.Header.Get("X-Sync-User"))
	if applied {
		s.broadcastSync(ev)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *SyncServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var batch OperationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	origin := r.Header.Get("X-Sync-User")
	for _, op := range batch.Operations {
		if !op.Type.Valid() || op.Table == "" || op.Payload.ID == "" {
			continue
		}
		if ev, applied := s.applyOperation(op, origin); applied {
			s.broadcastSync(ev)
		}
	}

	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *SyncServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload BulkPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}

	raw, err := Decompress(payload.Codec, payload.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	table := s.tables[payload.Table]
	if table == nil {
		table = make(map[string]Record)
		s.tables[payload.Table] = table
	}
	now := time.Now()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		key := recordKey{table: payload.Table, id: rec.ID}
		s.versions[key]++
		rec.Version = s.versions[key]
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		table[rec.ID] = rec
	}
	s.bulks++
	s.mu.Unlock()

	slog.Debug("bulk payload ingested",
		"table", payload.Table,
		"snapshot", payload.SnapshotID,
		"records", len(records))
	w.WriteHeader(http.StatusNoContent)
}

func (s *SyncServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	table := r.URL.Query().Get("table")
	if table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	records := make([]Record, 0, len(s.tables[table]))
	for _, rec := range s.tables[table] {
		records = append(records, rec.Clone())
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SnapshotResponse{
		Table:      table,
		Records:    records,
		ServerTime: time.Now(),
	})
}

func (s *SyncServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// applyOperation folds one operation into server state. Operations are
// deduplicated by ID so HTTP retries never apply twice.
func (s *SyncServer) applyOperation(op QueuedOperation, origin string) (SyncEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenOps[op.ID] {
		s.opsDeduped++
		return SyncEvent{}, false
	}
	s.seenOps[op.ID] = true
	s.seenOrder = append(s.seenOrder, op.ID)
	if len(s.seenOrder) > s.config.SeenOpsLimit {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seenOps, oldest)
	}

	key := recordKey{table: op.Table, id: op.Payload.ID}
	s.versions[key]++
	version := s.versions[key]
	now := time.Now()

	table := s.tables[op.Table]
	if table == nil {
		table = make(map[string]Record)
		s.tables[op.Table] = table
	}

	var rec Record
	switch op.Type {
	case OpInsert, OpUpdate:
		cur, ok := table[op.Payload.ID]
		if !ok {
			cur = Record{ID: op.Payload.ID}
		}
		next := cur.Clone()
		if next.Fields == nil {
			next.Fields = make(map[string]any)
		}
		for k, v := range op.Payload.Fields {
			next.Fields[k] = v
		}
		next.Version = version
		next.UpdatedAt = op.Payload.UpdatedAt
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = now
		}
		table[op.Payload.ID] = next
		rec = next.Clone()
	case OpDelete:
		delete(table, op.Payload.ID)
		rec = Record{ID: op.Payload.ID, Version: version, UpdatedAt: now}
	}

	s.opsApplied++
	return SyncEvent{
		Type:         op.Type,
		Table:        op.Table,
		Record:       rec,
		Timestamp:    now,
		OriginUserID: origin,
	}, true
}

// --- Broadcast ---

func (s *SyncServer) broadcastSync(ev SyncEvent) {
	s.broadcast(&Envelope{Channel: ChannelSync, Sync: &ev})
}

func (s *SyncServer) broadcastPresence(ev PresenceEvent) {
	s.broadcast(&Envelope{Channel: ChannelPresence, Presence: &ev})
}

func (s *SyncServer) broadcast(env *Envelope) {
	s.mu.Lock()
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	// Marshal once per codec, not per client.
	encoded := make(map[string][]byte)
	for _, c := range clients {
		data, ok := encoded[c.codec.Name()]
		if !ok {
			var err error
			data, err = c.codec.Marshal(env)
			if err != nil {
				slog.Warn("failed to encode broadcast", "codec", c.codec.Name(), "error", err)
				continue
			}
			encoded[c.codec.Name()] = data
		}

		select {
		case c.send <- data:
		default:
			// Buffer full, drop the event
		}
	}
}

// --- WebSocket ---

func (s *SyncServer) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = r.Header.Get("X-Sync-User")
	}

	codec, err := CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &serverClient{
		conn:   conn,
		codec:  codec,
		userID: userID,
		send:   make(chan []byte, s.config.BufferSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = true
	var roster []PresenceRecord
	for _, rec := range s.presence {
		roster = append(roster, rec)
	}
	s.mu.Unlock()

	go s.clientWriteLoop(client)

	// Tell the newcomer who is already here.
	for _, rec := range roster {
		if data, err := codec.Marshal(&Envelope{
			Channel:  ChannelPresence,
			Presence: &PresenceEvent{Type: PresenceJoined, Record: rec, Timestamp: time.Now()},
		}); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}

	if userID != "" {
		joined := PresenceRecord{UserID: userID, Status: PresenceOnline, UpdatedAt: time.Now()}
		s.mu.Lock()
		s.presence[userID] = joined
		s.mu.Unlock()
		s.broadcastPresence(PresenceEvent{Type: PresenceJoined, Record: joined, Timestamp: time.Now()})
	}

	s.clientReadLoop(client)

	// Disconnected: unregister and announce the departure.
	s.mu.Lock()
	delete(s.clients, client)
	if userID != "" {
		delete(s.presence, userID)
	}
	s.mu.Unlock()
	close(client.done)
	_ = conn.Close()

	if userID != "" {
		s.broadcastPresence(PresenceEvent{
			Type:      PresenceLeft,
			Record:    PresenceRecord{UserID: userID, Status: PresenceOffline, UpdatedAt: time.Now()},
			Timestamp: time.Now(),
		})
	}
}

func (s *SyncServer) clientReadLoop(client *serverClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := client.codec.Unmarshal(data, &env); err != nil {
			slog.Debug("failed to decode client frame", "error", err)
			continue
		}
		if err := env.Validate(); err != nil {
			slog.Debug("invalid client envelope", "error", err)
			continue
		}

		// Mutations travel over HTTP; the socket only carries presence up.
		if env.Channel != ChannelPresence {
			continue
		}

		ev := *env.Presence
		if ev.Record.UserID == "" {
			ev.Record.UserID = client.userID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if ev.Record.UpdatedAt.IsZero() {
			ev.Record.UpdatedAt = ev.Timestamp
		}

		s.mu.Lock()
		switch ev.Type {
		case PresenceLeft:
			delete(s.presence, ev.Record.UserID)
		default:
			s.presence[ev.Record.UserID] = ev.Record
		}
		s.mu.Unlock()

		s.broadcastPresence(ev)
	}
}

func (s *SyncServer) clientWriteLoop(client *serverClient) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := client.conn.WriteMessage(frameType(client.codec), data); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func frameType(codec WireCodec) int {
	if codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Record returns the server's authoritative copy of a record.
func (s *SyncServer) Record(table, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Presence returns the server's current presence roster.
func (s *SyncServer) Presence() []PresenceRecord {
	s.mu.Lock()
	out := make([]PresenceRecord, 0, len(s.presence))
	for _, rec := range s.presence {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close disconnects all clients.
func (s *SyncServer) Close() {
	s.mu.Lock()
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*serverClient]bool)
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// Stats returns a snapshot of server counters.
func (s *SyncServer) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := 0
	for _, table := range s.tables {
		records += len(table)
	}
	return ServerStats{
		Clients:       len(s.clients),
		Tables:        len(s.tables),
		Records:       records,
		PresenceUsers: len(s.presence),
		OpsApplied:    s.opsApplied,
		OpsDeduped:    s.opsDeduped,
		Batches:       s.batches,
		Bulks:         s.bulks,
	}
}
