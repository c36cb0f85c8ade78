package vibesync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- Remote Backend ---

// HTTPDoer is the interface for HTTP clients (allows mocking).
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteExecutor delivers sync operations to the backend. Implementations
// must be safe for concurrent use.
type RemoteExecutor interface {
	// Execute delivers a single operation.
	Execute(ctx context.Context, op QueuedOperation) error
	// ExecuteBatch delivers a batch of operations in order.
	ExecuteBatch(ctx context.Context, batch OperationBatch) error
	// UploadBulk delivers a compressed table snapshot.
	UploadBulk(ctx context.Context, payload BulkPayload) error
	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}

// SnapshotPuller is implemented by remotes that can serve full table
// snapshots for resynchronization after reconnect.
type SnapshotPuller interface {
	PullSnapshot(ctx context.Context, table string) ([]Record, error)
}

// OperationBatch groups pending operations for a single delivery.
type OperationBatch struct {
	// BatchID identifies the batch for idempotent replay
	BatchID string `json:"batch_id"`
	// Operations in submission order
	Operations []QueuedOperation `json:"operations"`
}

// BulkPayload is a compressed table snapshot for bulk upload.
type BulkPayload struct {
	Table       string           `json:"table"`
	SnapshotID  string           `json:"snapshot_id"`
	Codec       CompressionCodec `json:"codec"`
	RecordCount int              `json:"record_count"`
	RawSize     int              `json:"raw_size"`
	Data        []byte           `json:"data"`
}

// SnapshotResponse is the backend's answer to a snapshot pull.
type SnapshotResponse struct {
	Table      string    `json:"table"`
	Records    []Record  `json:"records"`
	ServerTime time.Time `json:"server_time"`
}

// RemoteConfig configures the HTTP remote.
type RemoteConfig struct {
	// Endpoint is the backend base URL, e.g. "https://sync.example.com"
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// UserID identifies the acting user on every request
	UserID string `json:"user_id" yaml:"user_id"`
	// ClientID identifies this client instance
	ClientID string `json:"client_id" yaml:"client_id"`
	// RequestTimeout bounds a single request (default 30s)
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// MaxRetries is the attempt budget per delivery (default 3)
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// CompressBatches gzips batch bodies
	CompressBatches bool `json:"compress_batches" yaml:"compress_batches"`
	// BreakerThreshold is consecutive failures before the circuit opens
	// (default 5)
	BreakerThreshold int `json:"breaker_threshold" yaml:"breaker_threshold"`
	// BreakerReset is how long the circuit stays open (default 30s)
	BreakerReset time.Duration `json:"breaker_reset" yaml:"breaker_reset"`
	// HTTPClient overrides the HTTP client (allows mocking)
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// DefaultRemoteConfig returns a remote configuration with sensible defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		RequestTimeout:   30 * time.Second,
		MaxRetries:       3,
		CompressBatches:  true,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// HTTPRemote delivers sync traffic to an HTTP backend. Deliveries retry
// with backoff on retryable failures, and a circuit breaker sheds load
// once the backend looks down.
type HTTPRemote struct {
	config  RemoteConfig
	client  HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker
}

// NewHTTPRemote creates an HTTP remote for the configured endpoint.
func NewHTTPRemote(config RemoteConfig) *HTTPRemote {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 30 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.RequestTimeout}
	}

	retryCfg := DefaultRetryConfig()
	retryCfg.MaxAttempts = config.MaxRetries
	retryCfg.RetryIf = IsRetryable

	return &HTTPRemote{
		config:  config,
		client:  client,
		retryer: NewRetryer(retryCfg),
		cb:      NewCircuitBreaker(config.BreakerThreshold, config.BreakerReset),
	}
}

// Execute delivers a single operation to POST /sync/ops.
func (r *HTTPRemote) Execute(ctx context.Context, op QueuedOperation) error {
	body, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	headers := map[string]string{"X-Idempotency-Key": op.ID}
	return r.send(ctx, "execute", http.MethodPost, "/sync/ops", body, headers)
}

// ExecuteBatch delivers a batch of operations to POST /sync/batch. The body
// is gzipped when CompressBatches is set.
func (r *HTTPRemote) ExecuteBatch(ctx context.Context, batch OperationBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	headers := map[string]string{"X-Idempotency-Key": batch.BatchID}
	if r.config.CompressBatches {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			gz.Close()
			return fmt.Errorf("compress batch: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("compress batch: %w", err)
		}
		body = buf.Bytes()
		headers["Content-Encoding"] = "gzip"
	}

	return r.send(ctx, "batch", http.MethodPost, "/sync/batch", body, headers)
}

// UploadBulk delivers a compressed snapshot to POST /sync/bulk.
func (r *HTTPRemote) UploadBulk(ctx context.Context, payload BulkPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode bulk payload: %w", err)
	}
	headers := map[string]string{"X-Sync-Codec": string(payload.Codec)}
	return r.send(ctx, "bulk", http.MethodPost, "/sync/bulk", body, headers)
}

// PullSnapshot fetches a full table snapshot from GET /sync/snapshot.
func (r *HTTPRemote) PullSnapshot(ctx context.Context, table string) ([]Record, error) {
	path := "/sync/snapshot?table=" + url.QueryEscape(table)

	var snapshot SnapshotResponse
	err := r.cb.Execute(func() error {
		result := r.retryer.Do(ctx, func() error {
			return r.attemptJSON(ctx, "snapshot", http.MethodGet, path, nil, nil, &snapshot)
		})
		return result.LastErr
	})
	if err != nil {
		return nil, err
	}
	return snapshot.Records, nil
}

// Ping checks GET /sync/health. It bypasses the circuit breaker so a probe
// can observe recovery while the breaker is still open.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	return r.attempt(ctx, "ping", http.MethodGet, "/sync/health", nil, nil)
}

// send delivers a request with circuit breaking and retries.
func (r *HTTPRemote) send(ctx context.Context, opName, method, path string, body []byte, headers map[string]string) error {
	return r.cb.Execute(func() error {
		result := r.retryer.Do(ctx, func() error {
			return r.attempt(ctx, opName, method, path, body, headers)
		})
		return result.LastErr
	})
}

// attempt runs one HTTP round trip. A fresh request is built per attempt so
// retries never reuse a consumed body.
func (r *HTTPRemote) attempt(ctx context.Context, opName, method, path string, body []byte, headers map[string]string) error {
	return r.attemptJSON(ctx, opName, method, path, body, headers, nil)
}

func (r *HTTPRemote) attemptJSON(ctx context.Context, opName, method, path string, body []byte, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.config.Endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.config.UserID != "" {
		req.Header.Set("X-Sync-User", r.config.UserID)
	}
	if r.config.ClientID != "" {
		req.Header.Set("X-Sync-Client", r.config.ClientID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &RemoteError{Op: opName, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return newRemoteError(opName, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

var (
	_ RemoteExecutor = (*HTTPRemote)(nil)
	_ SnapshotPuller = (*HTTPRemote)(nil)
)
