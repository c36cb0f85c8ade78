package vibesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// --- Offline Queue ---

// Queue persistence backends.
const (
	QueueBackendMemory = "memory"
	QueueBackendFile   = "file"
	QueueBackendSQLite = "sqlite"
)

// QueueStatus describes what the offline queue is currently doing.
type QueueStatus int

const (
	// QueueIdle means the queue is empty and nothing has been enqueued yet.
	QueueIdle QueueStatus = iota
	// QueueOffline means operations are waiting to be sent.
	QueueOffline
	// QueueSyncing means a drain pass is in progress.
	QueueSyncing
	// QueueSynced means the last drain pass emptied the queue.
	QueueSynced
)

// String returns a human-readable status name.
func (s QueueStatus) String() string {
	switch s {
	case QueueIdle:
		return "idle"
	case QueueOffline:
		return "offline"
	case QueueSyncing:
		return "syncing"
	case QueueSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// QueuedOperation is a mutation captured while offline, waiting for replay.
type QueuedOperation struct {
	// ID uniquely identifies the operation for dedup and idempotent replay
	ID string `json:"id"`
	// Type of mutation
	Type OpType `json:"type"`
	// Table the mutation applies to
	Table string `json:"table"`
	// Payload is the record being mutated
	Payload Record `json:"payload"`
	// EnqueuedAt is when the operation entered the queue
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Retries counts failed delivery attempts so far
	Retries int `json:"retries"`
	// MaxRetries is this operation's attempt budget
	MaxRetries int `json:"max_retries"`
	// LastError records the most recent delivery failure
	LastError string `json:"last_error,omitempty"`
	// NextAttempt is the earliest time the next delivery may run
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// DeadLetterEntry is an operation that exhausted its retry budget.
type DeadLetterEntry struct {
	Operation QueuedOperation `json:"operation"`
	FailedAt  time.Time       `json:"failed_at"`
	LastError string          `json:"last_error"`
	Attempts  int             `json:"attempts"`
}

// OperationExecutor delivers one queued operation to the backend. A nil
// return removes the operation from the queue; an error counts against
// its retry budget.
type OperationExecutor func(ctx context.Context, op QueuedOperation) error

// QueueConfig configures the offline queue.
type QueueConfig struct {
	// Backend selects persistence: memory, file, or sqlite (default memory)
	Backend string `json:"backend" yaml:"backend"`
	// Path is the file or database path for durable backends
	Path string `json:"path" yaml:"path"`
	// MaxRetries is the per-operation attempt budget (default 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// MaxPending caps how many operations may wait in the queue (default 10000)
	MaxPending int `json:"max_pending" yaml:"max_pending"`
	// DeadLetterLimit caps retained dead letters (default 100); overflow is
	// archived when an archive is attached, otherwise the oldest entry is dropped
	DeadLetterLimit int `json:"dead_letter_limit" yaml:"dead_letter_limit"`
	// InitialBackoff is the delay after the first failed attempt (default 1s)
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	// MaxBackoff caps the delay between attempts (default 1m)
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
	// BackoffMultiplier grows the delay after each failure (default 2.0)
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	// Store overrides the backend selection with a caller-provided store
	Store QueueStore `json:"-" yaml:"-"`
	// Archive receives dead letters evicted past DeadLetterLimit
	Archive ArchiveStore `json:"-" yaml:"-"`
}

// DefaultQueueConfig returns a queue configuration with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Backend:           QueueBackendMemory,
		MaxRetries:        3,
		MaxPending:        10000,
		DeadLetterLimit:   100,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// OfflineQueue is a durable FIFO of mutations made while disconnected.
// Operations replay strictly in order: a retryable failure at the head
// stops the drain pass so later operations never overtake earlier ones.
type OfflineQueue struct {
	config QueueConfig
	store  QueueStore

	mu       sync.Mutex
	ops      []QueuedOperation
	dead     []DeadLetterEntry
	status   QueueStatus
	draining bool
	closed   bool

	enqueued     int64
	processed    int64
	failed       int64
	deadLettered int64
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Status       string `json:"status"`
	Pending      int    `json:"pending"`
	DeadLetters  int    `json:"dead_letters"`
	Enqueued     int64  `json:"enqueued"`
	Processed    int64  `json:"processed"`
	Failed       int64  `json:"failed"`
	DeadLettered int64  `json:"dead_lettered"`
}

// NewOfflineQueue creates an offline queue and loads any persisted state.
func NewOfflineQueue(config QueueConfig) (*OfflineQueue, error) {
	if config.Backend == "" {
		config.Backend = QueueBackendMemory
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.MaxPending <= 0 {
		config.MaxPending = 10000
	}
	if config.DeadLetterLimit <= 0 {
		config.DeadLetterLimit = 100
	}
	if config.InitialBackoff < 0 {
		config.InitialBackoff = 0
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Minute
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	store := config.Store
	if store == nil {
		var err error
		store, err = newQueueStore(config, nil)
		if err != nil {
			return nil, err
		}
	}

	ops, dead, err := store.Load(context.Background())
	if err != nil {
		store.Close()
		return nil, err
	}

	q := &OfflineQueue{
		config: config,
		store:  store,
		ops:    ops,
		dead:   dead,
	}
	if len(ops) > 0 {
		q.status = QueueOffline
	}
	return q, nil
}

// newQueueStore builds the store selected by the configuration.
func newQueueStore(config QueueConfig, encryptor *Encryptor) (QueueStore, error) {
	switch config.Backend {
	case "", QueueBackendMemory:
		return NewMemoryQueueStore(), nil
	case QueueBackendFile:
		return NewFileQueueStore(config.Path, encryptor)
	case QueueBackendSQLite:
		return NewSQLiteQueueStore(config.Path, encryptor)
	default:
		return nil, fmt.Errorf("unknown queue backend: %q", config.Backend)
	}
}

// Enqueue adds an operation to the tail of the queue. Missing fields are
// filled in: a generated ID, the enqueue time, and the configured retry
// budget. Returns ErrQueueFull when MaxPending is reached.
func (q *OfflineQueue) Enqueue(ctx context.Context, op QueuedOperation) error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidOperation, op.Type)
	}
	if op.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidOperation)
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.config.MaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClientClosed
	}
	if len(q.ops) >= q.config.MaxPending {
		return fmt.Errorf("%w: %d operations pending", ErrQueueFull, len(q.ops))
	}

	q.ops = append(q.ops, op)
	q.enqueued++
	if !q.draining {
		q.status = QueueOffline
	}

	if err := q.store.Append(ctx, op); err != nil {
		slog.Warn("failed to persist queued operation", "id", op.ID, "error", err)
	}
	return nil
}

// ProcessQueue drains the queue in FIFO order using exec. Only one drain
// pass may run at a time; a concurrent call returns ErrDrainInProgress.
//
// A failed attempt increments the operation's retry count. If the budget
// is exhausted the operation moves to the dead-letter list and the pass
// continues with the next operation. Otherwise the operation stays at the
// head with a backoff stamp and the pass stops, preserving order.
func (q *OfflineQueue) ProcessQueue(ctx context.Context, exec OperationExecutor) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClientClosed
	}
	if q.draining {
		q.mu.Unlock()
		return ErrDrainInProgress
	}
	q.draining = true
	q.status = QueueSyncing
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		if len(q.ops) == 0 {
			q.status = QueueSynced
		} else {
			q.status = QueueOffline
		}
		q.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return nil
		}
		op := q.ops[0]
		q.mu.Unlock()

		if !op.NextAttempt.IsZero() && op.NextAttempt.After(time.Now()) {
			// Head is backing off; order must hold, so the pass ends here.
			return nil
		}

		err := exec(ctx, op)
		if err == nil {
			q.mu.Lock()
			q.popLocked(op.ID)
			q.processed++
			q.mu.Unlock()
			if serr := q.store.Remove(ctx, op.ID); serr != nil {
				slog.Warn("failed to remove processed operation", "id", op.ID, "error", serr)
			}
			continue
		}

		op.Retries++
		op.LastError = err.Error()

		q.mu.Lock()
		q.failed++
		q.mu.Unlock()

		if op.Retries >= op.MaxRetries {
			q.deadLetter(ctx, op)
			continue
		}

		op.NextAttempt = time.Now().Add(computeBackoff(op.Retries,
			q.config.InitialBackoff, q.config.MaxBackoff, q.config.BackoffMultiplier))

		q.mu.Lock()
		if len(q.ops) > 0 && q.ops[0].ID == op.ID {
			q.ops[0] = op
		}
		q.mu.Unlock()
		if serr := q.store.Update(ctx, op); serr != nil {
			slog.Warn("failed to persist retry state", "id", op.ID, "error", serr)
		}

		slog.Debug("operation retry scheduled",
			"id", op.ID,
			"table", op.Table,
			"retries", op.Retries,
			"next_attempt", op.NextAttempt)
		return nil
	}
}

// popLocked removes the operation with the given ID. Callers must hold q.mu.
func (q *OfflineQueue) popLocked(id string) {
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

// deadLetter moves an exhausted operation out of the queue.
func (q *OfflineQueue) deadLetter(ctx context.Context, op QueuedOperation) {
	entry := DeadLetterEntry{
		Operation: op,
		FailedAt:  time.Now(),
		LastError: op.LastError,
		Attempts:  op.Retries,
	}

	q.mu.Lock()
	q.popLocked(op.ID)
	q.dead = append(q.dead, entry)
	q.deadLettered++

	var evicted *DeadLetterEntry
	if len(q.dead) > q.config.DeadLetterLimit {
		evicted = &q.dead[0]
		q.dead = q.dead[1:]
	}
	q.mu.Unlock()

	if serr := q.store.Remove(ctx, op.ID); serr != nil {
		slog.Warn("failed to remove dead-lettered operation", "id", op.ID, "error", serr)
	}
	if serr := q.store.AppendDead(ctx, entry); serr != nil {
		slog.Warn("failed to persist dead letter", "id", op.ID, "error", serr)
	}

	if evicted != nil {
		q.evictDeadLetter(ctx, *evicted)
	}

	slog.Warn("operation dead-lettered",
		"id", op.ID,
		"table", op.Table,
		"attempts", op.Retries,
		"error", op.LastError)
}

// evictDeadLetter spills the oldest dead letter to the archive, or drops it
// when no archive is attached.
func (q *OfflineQueue) evictDeadLetter(ctx context.Context, entry DeadLetterEntry) {
	if serr := q.store.RemoveDead(ctx, entry.Operation.ID); serr != nil {
		slog.Warn("failed to remove evicted dead letter", "id", entry.Operation.ID, "error", serr)
	}

	if q.config.Archive == nil {
		slog.Warn("dead letter dropped, no archive attached", "id", entry.Operation.ID)
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("failed to encode dead letter for archive", "id", entry.Operation.ID, "error", err)
		return
	}
	key := "dead-letter/" + entry.Operation.ID
	if err := q.config.Archive.Write(ctx, key, data); err != nil {
		slog.Warn("failed to archive dead letter", "id", entry.Operation.ID, "error", err)
		return
	}
	slog.Debug("dead letter archived", "id", entry.Operation.ID, "key", key)
}

// RequeueDeadLetter moves a dead-lettered operation back to the tail of the
// queue with a fresh retry budget.
func (q *OfflineQueue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClientClosed
	}

	idx := -1
	for i := range q.dead {
		if q.dead[i].Operation.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return fmt.Errorf("dead letter not found: %s", id)
	}

	op := q.dead[idx].Operation
	op.Retries = 0
	op.LastError = ""
	op.NextAttempt = time.Time{}
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	q.ops = append(q.ops, op)
	if !q.draining {
		q.status = QueueOffline
	}
	q.mu.Unlock()

	if serr := q.store.RemoveDead(ctx, id); serr != nil {
		slog.Warn("failed to remove requeued dead letter", "id", id, "error", serr)
	}
	if serr := q.store.Append(ctx, op); serr != nil {
		slog.Warn("failed to persist requeued operation", "id", id, "error", serr)
	}
	return nil
}

// Len returns the number of pending operations.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Operations returns a copy of the pending operations in queue order.
func (q *OfflineQueue) Operations() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedOperation, len(q.ops))
	copy(out, q.ops)
	return out
}

// DeadLetters returns a copy of the retained dead letters, oldest first.
func (q *OfflineQueue) DeadLetters() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.dead))
	copy(out, q.dead)
	return out
}

// Status returns the queue's current status.
func (q *OfflineQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Stats returns a snapshot of queue counters.
func (q *OfflineQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Status:       q.status.String(),
		Pending:      len(q.ops),
		DeadLetters:  len(q.dead),
		Enqueued:     q.enqueued,
		Processed:    q.processed,
		Failed:       q.failed,
		DeadLettered: q.deadLettered,
	}
}

// Close closes the queue and its store. Pending operations stay persisted.
func (q *OfflineQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.store.Close()
}
