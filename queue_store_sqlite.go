package vibesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// --- SQLite Store ---

// SQLiteQueueStore persists the queue in a SQLite database, one row per
// operation. Rows hold JSON blobs so the schema survives struct evolution,
// and the database stays readable with standard SQLite tools.
type SQLiteQueueStore struct {
	db        *sql.DB
	encryptor *Encryptor

	mu     sync.Mutex
	seq    int64
	closed bool

	// Prepared statements for common operations
	insertStmt     *sql.Stmt
	updateStmt     *sql.Stmt
	deleteStmt     *sql.Stmt
	insertDeadStmt *sql.Stmt
	deleteDeadStmt *sql.Stmt
}

// NewSQLiteQueueStore opens or creates a SQLite-backed queue store at path.
func NewSQLiteQueueStore(path string, encryptor *Encryptor) (*SQLiteQueueStore, error) {
	if path == "" {
		return nil, newStoreError(StoreOpLoad, path, fmt.Errorf("queue store path is required"))
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStoreError(StoreOpLoad, path, err)
	}

	store := &SQLiteQueueStore{db: db, encryptor: encryptor}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreOpLoad, path, err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, newStoreError(StoreOpLoad, path, err)
	}
	if err := store.loadSequence(); err != nil {
		db.Close()
		return nil, newStoreError(StoreOpLoad, path, err)
	}

	return store, nil
}

func (s *SQLiteQueueStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			failed_at INTEGER NOT NULL,
			data BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sync_queue_position ON sync_queue(position);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`INSERT INTO sync_queue (id, position, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.updateStmt, err = s.db.Prepare(`UPDATE sync_queue SET data = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM sync_queue WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.insertDeadStmt, err = s.db.Prepare(`INSERT OR REPLACE INTO dead_letters (id, failed_at, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare dead-letter insert statement: %w", err)
	}

	s.deleteDeadStmt, err = s.db.Prepare(`DELETE FROM dead_letters WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare dead-letter delete statement: %w", err)
	}

	return nil
}

func (s *SQLiteQueueStore) loadSequence() error {
	row := s.db.QueryRow(`SELECT COALESCE(MAX(position), 0) FROM sync_queue`)
	return row.Scan(&s.seq)
}

func (s *SQLiteQueueStore) encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.encryptor != nil {
		return s.encryptor.Encrypt(data)
	}
	return data, nil
}

func (s *SQLiteQueueStore) decode(data []byte, v any) error {
	if s.encryptor != nil {
		plain, err := s.encryptor.Decrypt(data)
		if err != nil {
			return err
		}
		data = plain
	}
	return json.Unmarshal(data, v)
}

func (s *SQLiteQueueStore) Load(ctx context.Context) ([]QueuedOperation, []DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sync_queue ORDER BY position`)
	if err != nil {
		return nil, nil, newStoreError(StoreOpLoad, "sync_queue", err)
	}
	defer rows.Close()

	var ops []QueuedOperation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, nil, newStoreError(StoreOpLoad, "sync_queue", err)
		}
		var op QueuedOperation
		if err := s.decode(data, &op); err != nil {
			return nil, nil, newStoreError(StoreOpLoad, "sync_queue", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, newStoreError(StoreOpLoad, "sync_queue", err)
	}

	deadRows, err := s.db.QueryContext(ctx, `SELECT data FROM dead_letters ORDER BY failed_at`)
	if err != nil {
		return nil, nil, newStoreError(StoreOpLoad, "dead_letters", err)
	}
	defer deadRows.Close()

	var dead []DeadLetterEntry
	for deadRows.Next() {
		var data []byte
		if err := deadRows.Scan(&data); err != nil {
			return nil, nil, newStoreError(StoreOpLoad, "dead_letters", err)
		}
		var entry DeadLetterEntry
		if err := s.decode(data, &entry); err != nil {
			return nil, nil, newStoreError(StoreOpLoad, "dead_letters", err)
		}
		dead = append(dead, entry)
	}
	if err := deadRows.Err(); err != nil {
		return nil, nil, newStoreError(StoreOpLoad, "dead_letters", err)
	}

	return ops, dead, nil
}

func (s *SQLiteQueueStore) Append(ctx context.Context, op QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := s.encode(op)
	if err != nil {
		return newStoreError(StoreOpWrite, op.ID, err)
	}
	s.seq++
	if _, err := s.insertStmt.ExecContext(ctx, op.ID, s.seq, data); err != nil {
		s.seq--
		return newStoreError(StoreOpWrite, op.ID, err)
	}
	return nil
}

func (s *SQLiteQueueStore) Update(ctx context.Context, op QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := s.encode(op)
	if err != nil {
		return newStoreError(StoreOpWrite, op.ID, err)
	}
	if _, err := s.updateStmt.ExecContext(ctx, data, op.ID); err != nil {
		return newStoreError(StoreOpWrite, op.ID, err)
	}
	return nil
}

func (s *SQLiteQueueStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.deleteStmt.ExecContext(ctx, id); err != nil {
		return newStoreError(StoreOpRemove, id, err)
	}
	return nil
}

func (s *SQLiteQueueStore) AppendDead(ctx context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := s.encode(entry)
	if err != nil {
		return newStoreError(StoreOpWrite, entry.Operation.ID, err)
	}
	if _, err := s.insertDeadStmt.ExecContext(ctx, entry.Operation.ID, entry.FailedAt.UnixNano(), data); err != nil {
		return newStoreError(StoreOpWrite, entry.Operation.ID, err)
	}
	return nil
}

func (s *SQLiteQueueStore) RemoveDead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.deleteDeadStmt.ExecContext(ctx, id); err != nil {
		return newStoreError(StoreOpRemove, id, err)
	}
	return nil
}

func (s *SQLiteQueueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.insertStmt, s.updateStmt, s.deleteStmt, s.insertDeadStmt, s.deleteDeadStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

var _ QueueStore = (*SQLiteQueueStore)(nil)
