package vibesync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// --- Queue Persistence ---

// QueueStore persists queued operations and dead letters so the offline
// queue survives restarts. Implementations must be safe for concurrent use.
type QueueStore interface {
	// Load returns all persisted operations in queue order plus dead letters.
	Load(ctx context.Context) ([]QueuedOperation, []DeadLetterEntry, error)
	// Append persists a newly enqueued operation at the tail.
	Append(ctx context.Context, op QueuedOperation) error
	// Update rewrites an operation in place (retry count, next attempt).
	Update(ctx context.Context, op QueuedOperation) error
	// Remove deletes an operation by ID.
	Remove(ctx context.Context, id string) error
	// AppendDead persists a dead-letter entry.
	AppendDead(ctx context.Context, entry DeadLetterEntry) error
	// RemoveDead deletes a dead-letter entry by operation ID.
	RemoveDead(ctx context.Context, id string) error
	// Close releases any resources held by the store.
	Close() error
}

// --- Memory Store ---

// MemoryQueueStore keeps queue state in memory only. Useful for tests and
// for callers that do not need durability.
type MemoryQueueStore struct {
	mu     sync.Mutex
	ops    []QueuedOperation
	dead   []DeadLetterEntry
	closed bool
}

// NewMemoryQueueStore creates an empty in-memory queue store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (s *MemoryQueueStore) Load(ctx context.Context) ([]QueuedOperation, []DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrStoreClosed
	}

	ops := make([]QueuedOperation, len(s.ops))
	copy(ops, s.ops)
	dead := make([]DeadLetterEntry, len(s.dead))
	copy(dead, s.dead)
	return ops, dead, nil
}

func (s *MemoryQueueStore) Append(ctx context.Context, op QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *MemoryQueueStore) Update(ctx context.Context, op QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.ops {
		if s.ops[i].ID == op.ID {
			s.ops[i] = op
			return nil
		}
	}
	return nil
}

func (s *MemoryQueueStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.ops {
		if s.ops[i].ID == id {
			s.ops = append(s.ops[:i], s.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryQueueStore) AppendDead(ctx context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.dead = append(s.dead, entry)
	return nil
}

func (s *MemoryQueueStore) RemoveDead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.dead {
		if s.dead[i].Operation.ID == id {
			s.dead = append(s.dead[:i], s.dead[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryQueueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --- File Store ---

// queueFile is the on-disk layout of a file-backed queue.
type queueFile struct {
	Ops  []QueuedOperation `json:"ops"`
	Dead []DeadLetterEntry `json:"dead"`
}

// FileQueueStore persists the queue as a single JSON file, optionally
// encrypted. Every mutation rewrites the file atomically via a temp file
// and rename, so a crash mid-write never corrupts the previous state.
type FileQueueStore struct {
	path      string
	encryptor *Encryptor

	mu     sync.Mutex
	state  queueFile
	closed bool
}

// NewFileQueueStore opens or creates a file-backed queue store at path.
// A missing file is treated as an empty queue.
func NewFileQueueStore(path string, encryptor *Encryptor) (*FileQueueStore, error) {
	if path == "" {
		return nil, newStoreError(StoreOpLoad, path, fmt.Errorf("queue store path is required"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newStoreError(StoreOpLoad, path, err)
	}

	s := &FileQueueStore{path: path, encryptor: encryptor}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileQueueStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return newStoreError(StoreOpLoad, s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	if s.encryptor != nil {
		data, err = s.encryptor.Decrypt(data)
		if err != nil {
			return newStoreError(StoreOpLoad, s.path, err)
		}
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return newStoreError(StoreOpLoad, s.path, err)
	}
	return nil
}

// persist writes the current state atomically. Callers must hold s.mu.
func (s *FileQueueStore) persist() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return newStoreError(StoreOpWrite, s.path, err)
	}
	if s.encryptor != nil {
		data, err = s.encryptor.Encrypt(data)
		if err != nil {
			return newStoreError(StoreOpWrite, s.path, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return newStoreError(StoreOpWrite, s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return newStoreError(StoreOpWrite, s.path, err)
	}
	return nil
}

func (s *FileQueueStore) Load(ctx context.Context) ([]QueuedOperation, []DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrStoreClosed
	}

	ops := make([]QueuedOperation, len(s.state.Ops))
	copy(ops, s.state.Ops)
	dead := make([]DeadLetterEntry, len(s.state.Dead))
	copy(dead, s.state.Dead)
	return ops, dead, nil
}

func (s *FileQueueStore) Append(ctx context.Context, op QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.state.Ops = append(s.state.Ops, op)
	return s.persist()
}

func (s *FileQueueStore) Update(ctx context.Context, op QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.state.Ops {
		if s.state.Ops[i].ID == op.ID {
			s.state.Ops[i] = op
			return s.persist()
		}
	}
	return nil
}

func (s *FileQueueStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.state.Ops {
		if s.state.Ops[i].ID == id {
			s.state.Ops = append(s.state.Ops[:i], s.state.Ops[i+1:]...)
			return s.persist()
		}
	}
	return nil
}

func (s *FileQueueStore) AppendDead(ctx context.Context, entry DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.state.Dead = append(s.state.Dead, entry)
	return s.persist()
}

func (s *FileQueueStore) RemoveDead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range s.state.Dead {
		if s.state.Dead[i].Operation.ID == id {
			s.state.Dead = append(s.state.Dead[:i], s.state.Dead[i+1:]...)
			return s.persist()
		}
	}
	return nil
}

func (s *FileQueueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ QueueStore = (*MemoryQueueStore)(nil)
	_ QueueStore = (*FileQueueStore)(nil)
)
