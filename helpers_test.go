package vibesync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitUntil polls cond until it returns true or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// fakeRemote is a scripted RemoteExecutor for engine and client tests.
type fakeRemote struct {
	mu        sync.Mutex
	execErr   error
	batchErr  error
	bulkErr   error
	pingErr   error
	executed  []QueuedOperation
	batches   []OperationBatch
	bulks     []BulkPayload
	snapshots map[string][]Record
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{snapshots: make(map[string][]Record)}
}

func (f *fakeRemote) Execute(ctx context.Context, op QueuedOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return f.execErr
	}
	f.executed = append(f.executed, op)
	return nil
}

func (f *fakeRemote) ExecuteBatch(ctx context.Context, batch OperationBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeRemote) UploadBulk(ctx context.Context, payload BulkPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulks = append(f.bulks, payload)
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) PullSnapshot(ctx context.Context, table string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(f.snapshots[table]))
	copy(out, f.snapshots[table])
	return out, nil
}

func (f *fakeRemote) setExecErr(err error) {
	f.mu.Lock()
	f.execErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) setBatchErr(err error) {
	f.mu.Lock()
	f.batchErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) executedOps() []QueuedOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]QueuedOperation, len(f.executed))
	copy(out, f.executed)
	return out
}

func (f *fakeRemote) batchList() []OperationBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OperationBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeRemote) bulkList() []BulkPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]BulkPayload, len(f.bulks))
	copy(out, f.bulks)
	return out
}

var (
	_ RemoteExecutor = (*fakeRemote)(nil)
	_ SnapshotPuller = (*fakeRemote)(nil)
)

// newTestQueue builds a memory-backed queue with millisecond backoffs so
// retry tests run fast.
func newTestQueue(t *testing.T) *OfflineQueue {
	t.Helper()
	q, err := NewOfflineQueue(QueueConfig{
		Backend:        QueueBackendMemory,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOfflineQueue: %v", err)
	}
	return q
}

// newTestEngine builds an engine with a fake remote and fast intervals.
func newTestEngine(t *testing.T, remote RemoteExecutor) *SyncEngine {
	t.Helper()
	queue := newTestQueue(t)
	resolver := NewConflictResolver(DefaultResolverConfig())
	cfg := SyncConfig{
		UserID:          "user-1",
		ClientID:        "client-1",
		BatchSize:       50,
		SyncInterval:    50 * time.Millisecond,
		MinSyncInterval: 5 * time.Millisecond,
		ResyncOnConnect: true,
	}
	engine := NewSyncEngine(cfg, remote, queue, resolver)
	t.Cleanup(func() {
		engine.Stop()
		queue.Close()
	})
	return engine
}
