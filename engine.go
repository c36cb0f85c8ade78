package vibesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// --- Sync Engine ---

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// UserID identifies the acting user; remote events with this origin
	// are treated as echoes of local operations
	UserID string `json:"user_id" yaml:"user_id"`
	// ClientID identifies this client instance
	ClientID string `json:"client_id" yaml:"client_id"`
	// Tables to pull during resynchronization; empty means every table
	// seen in the cache
	Tables []string `json:"tables" yaml:"tables"`
	// BatchSize is how many pending operations trigger an immediate
	// flush (default 50)
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// SyncInterval is the base interval between sync passes (default 5s)
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`
	// MinSyncInterval is the floor the adaptive interval may reach
	// (default 500ms)
	MinSyncInterval time.Duration `json:"min_sync_interval" yaml:"min_sync_interval"`
	// ActivityDecay shrinks the interval per recorded activity (default 0.85)
	ActivityDecay float64 `json:"activity_decay" yaml:"activity_decay"`
	// BulkCodec compresses bulk uploads (default snappy)
	BulkCodec CompressionCodec `json:"bulk_codec" yaml:"bulk_codec"`
	// ArchiveBulk also writes bulk payloads to the archive
	ArchiveBulk bool `json:"archive_bulk" yaml:"archive_bulk"`
	// ResyncOnConnect pulls fresh snapshots after each recovery
	ResyncOnConnect bool `json:"resync_on_connect" yaml:"resync_on_connect"`
	// EventBufferSize is the per-subscriber event buffer (default 256)
	EventBufferSize int `json:"event_buffer_size" yaml:"event_buffer_size"`
}

// DefaultSyncConfig returns a sync configuration with sensible defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:       50,
		SyncInterval:    5 * time.Second,
		MinSyncInterval: 500 * time.Millisecond,
		ActivityDecay:   0.85,
		BulkCodec:       CompressionSnappy,
		ResyncOnConnect: true,
		EventBufferSize: 256,
	}
}

// BulkResult summarizes one bulk upload.
type BulkResult struct {
	Table          string           `json:"table"`
	SnapshotID     string           `json:"snapshot_id"`
	Codec          CompressionCodec `json:"codec"`
	RecordCount    int              `json:"record_count"`
	RawSize        int              `json:"raw_size"`
	CompressedSize int              `json:"compressed_size"`
	Duration       time.Duration    `json:"duration"`
	Archived       bool             `json:"archived"`
}

// SyncStats is a snapshot of engine counters.
type SyncStats struct {
	Queued        int64         `json:"queued"`
	Flushed       int64         `json:"flushed"`
	Applied       int64         `json:"applied"`
	Ignored       int64         `json:"ignored"`
	Conflicts     int64         `json:"conflicts"`
	Resyncs       int64         `json:"resyncs"`
	BulkSyncs     int64         `json:"bulk_syncs"`
	CachedRecords int           `json:"cached_records"`
	PendingBatch  int           `json:"pending_batch"`
	QueueDepth    int           `json:"queue_depth"`
	SyncInterval  time.Duration `json:"sync_interval"`
}

// SyncEngine keeps an optimistic local cache in step with the backend.
// Local mutations apply to the cache immediately and are delivered in
// batches while connected, or parked in the offline queue while not.
// Remote events apply in version order; concurrent edits to dirty records
// go through the conflict resolver.
//
// The engine is the only writer to its cache, so reads never observe a
// half-applied mutation.
type SyncEngine struct {
	config   SyncConfig
	remote   RemoteExecutor
	queue    *OfflineQueue
	resolver *ConflictResolver
	bus      *EventBus
	interval *AdaptiveInterval
	archive  ArchiveStore

	mu          sync.Mutex
	cache       map[recordKey]Record
	dirty       map[recordKey]bool
	tombstones  map[recordKey]int64
	pending     []QueuedOperation
	connState   ConnectionState
	needsResync bool
	started     bool

	queued    int64
	flushed   int64
	applied   int64
	ignored   int64
	conflicts int64
	resyncs   int64
	bulkSyncs int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncEngine creates a sync engine. The engine starts disconnected;
// wire HandleConnectionChange to a connection supervisor to drive state.
func NewSyncEngine(config SyncConfig, remote RemoteExecutor, queue *OfflineQueue, resolver *ConflictResolver) *SyncEngine {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 5 * time.Second
	}
	if config.MinSyncInterval <= 0 {
		config.MinSyncInterval = 500 * time.Millisecond
	}
	if !config.BulkCodec.Valid() {
		config.BulkCodec = CompressionSnappy
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncEngine{
		config:     config,
		remote:     remote,
		queue:      queue,
		resolver:   resolver,
		bus:        NewEventBus(config.EventBufferSize),
		interval:   NewAdaptiveInterval(config.SyncInterval, config.MinSyncInterval, config.ActivityDecay),
		cache:      make(map[recordKey]Record),
		dirty:      make(map[recordKey]bool),
		tombstones: make(map[recordKey]int64),
		connState:  StateDisconnected,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetArchive attaches cold storage for bulk payloads. Call before Start.
func (e *SyncEngine) SetArchive(archive ArchiveStore) {
	e.archive = archive
}

// --- Local Operations ---

// QueueOperation applies a local mutation optimistically and routes it for
// delivery: into the pending batch while connected, into the offline queue
// otherwise. The mutation's table and type count as user activity, which
// tightens the adaptive sync interval.
func (e *SyncEngine) QueueOperation(ctx context.Context, op QueuedOperation) error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidOperation, op.Type)
	}
	if op.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidOperation)
	}
	if op.Payload.ID == "" {
		if op.Type != OpInsert {
			return fmt.Errorf("%w: record ID is required", ErrInvalidOperation)
		}
		op.Payload.ID = uuid.NewString()
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	if op.Payload.UpdatedAt.IsZero() {
		op.Payload.UpdatedAt = time.Now()
	}

	key := recordKey{table: op.Table, id: op.Payload.ID}

	e.mu.Lock()
	e.applyOptimisticLocked(key, op)
	e.queued++

	var enqueue, flush bool
	if e.connState == StateConnected {
		e.pending = append(e.pending, op)
		flush = len(e.pending) >= e.config.BatchSize
	} else {
		enqueue = true
	}
	e.mu.Unlock()

	e.interval.RecordActivity(string(op.Type))

	if enqueue {
		return e.queue.Enqueue(ctx, op)
	}
	if flush {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.ProcessSyncBatch(e.ctx); err != nil {
				slog.Warn("batch flush failed", "error", err)
			}
		}()
	}
	return nil
}

// applyOptimisticLocked folds a local mutation into the cache. Versions are
// never advanced locally; the backend assigns them and echoes them back.
func (e *SyncEngine) applyOptimisticLocked(key recordKey, op QueuedOperation) {
	switch op.Type {
	case OpInsert, OpUpdate:
		cur, ok := e.cache[key]
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
		next.UpdatedAt = op.Payload.UpdatedAt
		e.cache[key] = next
		e.dirty[key] = true
		delete(e.tombstones, key)
	case OpDelete:
		if cur, ok := e.cache[key]; ok {
			e.tombstones[key] = cur.Version
			delete(e.cache, key)
		} else if op.Payload.Version > 0 {
			e.tombstones[key] = op.Payload.Version
		}
		delete(e.dirty, key)
	}
}

// Insert queues an insert. A record without an ID gets a generated one;
// the returned record carries it.
func (e *SyncEngine) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := e.QueueOperation(ctx, QueuedOperation{Type: OpInsert, Table: table, Payload: rec})
	return rec, err
}

// Update queues an update to an existing record.
func (e *SyncEngine) Update(ctx context.Context, table string, rec Record) error {
	return e.QueueOperation(ctx, QueuedOperation{Type: OpUpdate, Table: table, Payload: rec})
}

// Delete queues a delete by record ID.
func (e *SyncEngine) Delete(ctx context.Context, table, id string) error {
	return e.QueueOperation(ctx, QueuedOperation{Type: OpDelete, Table: table, Payload: Record{ID: id}})
}

// --- Batch Delivery ---

// ProcessSyncBatch delivers all pending operations as one batch. On failure
// the operations move to the offline queue, in order, for later replay.
func (e *SyncEngine) ProcessSyncBatch(ctx context.Context) error {
	e.mu.Lock()
	ops := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	batch := OperationBatch{BatchID: uuid.NewString(), Operations: ops}
	err := e.remote.ExecuteBatch(ctx, batch)
	if err == nil {
		e.mu.Lock()
		e.flushed += int64(len(ops))
		e.mu.Unlock()
		return nil
	}

	slog.Warn("batch delivery failed, queueing operations",
		"batch", batch.BatchID,
		"ops", len(ops),
		"error", err)

	for _, op := range ops {
		if qerr := e.queue.Enqueue(ctx, op); qerr != nil {
			slog.Warn("failed to queue operation after batch failure", "id", op.ID, "error", qerr)
		}
	}
	return err
}

// --- Remote Events ---

// ApplyRemoteEvent folds a backend event into the cache. Events apply in
// version order: an event at or below the cached version is a duplicate or
// out-of-order delivery and is dropped, which makes application idempotent.
// Deleted records leave a version tombstone so a late update cannot
// resurrect them.
func (e *SyncEngine) ApplyRemoteEvent(ev SyncEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidOperation, ev.Type)
	}
	if ev.Table == "" || ev.Record.ID == "" {
		return fmt.Errorf("%w: table and record ID are required", ErrInvalidOperation)
	}

	key := recordKey{table: ev.Table, id: ev.Record.ID}
	ver := ev.Record.Version

	e.mu.Lock()

	if tomb, ok := e.tombstones[key]; ok && ver <= tomb {
		e.ignored++
		e.mu.Unlock()
		return nil
	}

	changed := false

	if ev.Type == OpDelete {
		if cur, ok := e.cache[key]; ok && ver <= cur.Version {
			e.ignored++
		} else {
			delete(e.cache, key)
			delete(e.dirty, key)
			e.tombstones[key] = ver
			e.applied++
			changed = true
		}
	} else {
		cur, exists := e.cache[key]
		switch {
		case exists && ver <= cur.Version:
			e.ignored++
		case ev.OriginUserID != "" && ev.OriginUserID == e.config.UserID:
			// Echo of our own write: the backend confirmed it and
			// assigned the version.
			e.cache[key] = ev.Record.Clone()
			delete(e.dirty, key)
			e.applied++
		case exists && e.dirty[key]:
			resolution := e.resolver.Resolve(ev.Table, cur, ev.Record)
			e.conflicts++
			e.applied++
			if resolution.Winner == "remote" {
				e.cache[key] = resolution.Resolved
				delete(e.dirty, key)
				changed = true
			} else {
				// Local fields win but the record adopts the remote
				// version so later events still order correctly. It
				// stays dirty until our copy is pushed.
				kept := cur.Clone()
				kept.Version = ver
				e.cache[key] = kept
			}
		default:
			e.cache[key] = ev.Record.Clone()
			e.applied++
			changed = true
		}
		delete(e.tombstones, key)
	}

	e.mu.Unlock()

	// Publish outside the lock; subscribers may call back into the engine.
	if changed && ev.OriginUserID != e.config.UserID {
		e.bus.PublishSync(ev)
	}
	return nil
}

// --- Connection Handling ---

// HandleConnectionChange reacts to supervisor transitions. Regaining the
// connection triggers one recovery pass: drain the offline queue, then
// resynchronize from snapshots. Losing it parks the pending batch in the
// offline queue.
func (e *SyncEngine) HandleConnectionChange(state ConnectionState) {
	e.mu.Lock()
	prev := e.connState
	e.connState = state

	var park []QueuedOperation
	if prev == StateConnected && state != StateConnected {
		park = e.pending
		e.pending = nil
	}

	recovered := state == StateConnected && prev != StateConnected
	if recovered && e.config.ResyncOnConnect {
		e.needsResync = true
	}
	e.mu.Unlock()

	for _, op := range park {
		if err := e.queue.Enqueue(context.Background(), op); err != nil {
			slog.Warn("failed to park pending operation", "id", op.ID, "error", err)
		}
	}

	if !recovered {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.DrainOfflineQueue(e.ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			slog.Warn("offline queue drain failed", "error", err)
		}
		if e.NeedsResync() {
			if err := e.Resync(e.ctx); err != nil {
				slog.Warn("resync failed", "error", err)
			}
		}
	}()
}

// DrainOfflineQueue replays queued operations one at a time, in order.
func (e *SyncEngine) DrainOfflineQueue(ctx context.Context) error {
	return e.queue.ProcessQueue(ctx, func(ctx context.Context, op QueuedOperation) error {
		return e.remote.Execute(ctx, op)
	})
}

// Resync pulls fresh snapshots for the configured tables and merges them
// through the normal event path, so local newer edits survive. Returns
// ErrSnapshotUnsupported when the remote cannot serve snapshots.
func (e *SyncEngine) Resync(ctx context.Context) error {
	puller, ok := e.remote.(SnapshotPuller)
	if !ok {
		e.mu.Lock()
		e.needsResync = false
		e.mu.Unlock()
		return ErrSnapshotUnsupported
	}

	tables := e.config.Tables
	if len(tables) == 0 {
		tables = e.Tables()
	}

	now := time.Now()
	for _, table := range tables {
		records, err := puller.PullSnapshot(ctx, table)
		if err != nil {
			return fmt.Errorf("pull snapshot for %s: %w", table, err)
		}
		for _, rec := range records {
			ev := SyncEvent{Type: OpUpdate, Table: table, Record: rec, Timestamp: now}
			if err := e.ApplyRemoteEvent(ev); err != nil {
				slog.Warn("failed to apply snapshot record", "table", table, "id", rec.ID, "error", err)
			}
		}
		slog.Debug("snapshot merged", "table", table, "records", len(records))
	}

	e.mu.Lock()
	e.needsResync = false
	e.resyncs++
	e.mu.Unlock()
	return nil
}

// NeedsResync reports whether a snapshot pull is still owed.
func (e *SyncEngine) NeedsResync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsResync
}

// --- Bulk Sync ---

// SyncBulkData uploads a full dataset in one compressed payload, for
// initial imports and large backfills that would swamp the operation path.
func (e *SyncEngine) SyncBulkData(ctx context.Context, table string, records []Record) (*BulkResult, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: table is required", ErrInvalidOperation)
	}

	start := time.Now()

	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	data, err := Compress(e.config.BulkCodec, raw)
	if err != nil {
		return nil, fmt.Errorf("compress records: %w", err)
	}

	payload := BulkPayload{
		Table:       table,
		SnapshotID:  uuid.NewString(),
		Codec:       e.config.BulkCodec,
		RecordCount: len(records),
		RawSize:     len(raw),
		Data:        data,
	}
	if err := e.remote.UploadBulk(ctx, payload); err != nil {
		return nil, err
	}

	result := &BulkResult{
		Table:          table,
		SnapshotID:     payload.SnapshotID,
		Codec:          payload.Codec,
		RecordCount:    payload.RecordCount,
		RawSize:        payload.RawSize,
		CompressedSize: len(data),
		Duration:       time.Since(start),
	}

	if e.config.ArchiveBulk && e.archive != nil {
		blob, err := json.Marshal(payload)
		if err == nil {
			key := "bulk/" + table + "/" + payload.SnapshotID
			if aerr := e.archive.Write(ctx, key, blob); aerr != nil {
				slog.Warn("failed to archive bulk payload", "key", key, "error", aerr)
			} else {
				result.Archived = true
			}
		}
	}

	e.mu.Lock()
	e.bulkSyncs++
	e.mu.Unlock()

	slog.Info("bulk sync complete",
		"table", table,
		"records", result.RecordCount,
		"raw_bytes", result.RawSize,
		"sent_bytes", result.CompressedSize,
		"codec", result.Codec)
	return result, nil
}

// --- Activity ---

// RecordActivity notes user activity, tightening the adaptive interval.
func (e *SyncEngine) RecordActivity(kind string) {
	e.interval.RecordActivity(kind)
}

// ResetActivity restores the base sync interval.
func (e *SyncEngine) ResetActivity() {
	e.interval.Reset()
}

// SyncInterval returns the current adaptive sync interval.
func (e *SyncEngine) SyncInterval() time.Duration {
	return e.interval.Interval()
}

// --- Cache Access ---

// GetRecord returns a copy of a cached record.
func (e *SyncEngine) GetRecord(table, id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.cache[recordKey{table: table, id: id}]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records returns copies of all cached records in a table, sorted by ID.
func (e *SyncEngine) Records(table string) []Record {
	e.mu.Lock()
	out := make([]Record, 0)
	for key, rec := range e.cache {
		if key.table == table {
			out = append(out, rec.Clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tables returns the distinct tables present in the cache, sorted.
func (e *SyncEngine) Tables() []string {
	e.mu.Lock()
	seen := make(map[string]bool)
	for key := range e.cache {
		seen[key.table] = true
	}
	e.mu.Unlock()

	out := make([]string, 0, len(seen))
	for table := range seen {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}

// --- Events ---

// SubscribeSync returns a subscription to applied remote events. Pass an
// empty table to receive events for every table.
func (e *SyncEngine) SubscribeSync(table string) *SyncSubscription {
	return e.bus.SubscribeSync(table)
}

// SubscribePresence returns a subscription to presence events.
func (e *SyncEngine) SubscribePresence() *PresenceSubscription {
	return e.bus.SubscribePresence()
}

// PublishPresence forwards a presence event to subscribers.
func (e *SyncEngine) PublishPresence(ev PresenceEvent) {
	e.bus.PublishPresence(ev)
}

// --- Lifecycle ---

// Start launches the periodic sync loop.
func (e *SyncEngine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.syncLoop()
}

func (e *SyncEngine) syncLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(e.interval.Interval())
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
			e.tick()
			timer.Reset(e.interval.Interval())
		}
	}
}

// tick runs one sync pass: flush the pending batch, drain the offline
// queue if anything is waiting, and finish an owed resync.
func (e *SyncEngine) tick() {
	e.mu.Lock()
	connected := e.connState == StateConnected
	e.mu.Unlock()
	if !connected {
		return
	}

	if err := e.ProcessSyncBatch(e.ctx); err != nil {
		slog.Warn("periodic batch flush failed", "error", err)
	}
	if e.queue.Len() > 0 {
		if err := e.DrainOfflineQueue(e.ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			slog.Warn("periodic queue drain failed", "error", err)
		}
	}
	if e.NeedsResync() {
		if err := e.Resync(e.ctx); err != nil {
			slog.Warn("periodic resync failed", "error", err)
		}
	}
}

// Stop halts the sync loop and closes event subscriptions. The offline
// queue is left open so owners can flush or close it separately.
func (e *SyncEngine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.bus.Close()
}

// Stats returns a snapshot of engine counters.
func (e *SyncEngine) Stats() SyncStats {
	e.mu.Lock()
	stats := SyncStats{
		Queued:        e.queued,
		Flushed:       e.flushed,
		Applied:       e.applied,
		Ignored:       e.ignored,
		Conflicts:     e.conflicts,
		Resyncs:       e.resyncs,
		BulkSyncs:     e.bulkSyncs,
		CachedRecords: len(e.cache),
		PendingBatch:  len(e.pending),
	}
	e.mu.Unlock()

	stats.QueueDepth = e.queue.Len()
	stats.SyncInterval = e.interval.Interval()
	return stats
}
