package vibesync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Configuration ---

// Config is the top-level client configuration.
type Config struct {
	// ClientID identifies this client instance; generated when empty
	ClientID string `json:"client_id" yaml:"client_id"`
	// UserID identifies the acting user (required)
	UserID string `json:"user_id" yaml:"user_id"`

	Remote     RemoteConfig     `json:"remote" yaml:"remote"`
	Realtime   RealtimeConfig   `json:"realtime" yaml:"realtime"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Sync       SyncConfig       `json:"sync" yaml:"sync"`
	Resolver   ResolverConfig   `json:"resolver" yaml:"resolver"`
	Presence   PresenceConfig   `json:"presence" yaml:"presence"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Archive enables cold storage for dead letters and bulk payloads
	Archive *ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`
	// Encryption enables encryption at rest for queue and archive data
	Encryption *EncryptionConfig `json:"encryption,omitempty" yaml:"encryption,omitempty"`

	// RemoteExecutor overrides the HTTP remote (allows custom transports)
	RemoteExecutor RemoteExecutor `json:"-" yaml:"-"`
}

// DefaultConfig returns a configuration with sensible defaults. UserID and
// either Remote.Endpoint or RemoteExecutor must still be set.
func DefaultConfig() Config {
	return Config{
		Remote:     DefaultRemoteConfig(),
		Realtime:   DefaultRealtimeConfig(),
		Queue:      DefaultQueueConfig(),
		Sync:       DefaultSyncConfig(),
		Resolver:   DefaultResolverConfig(),
		Presence:   DefaultPresenceConfig(),
		Connection: DefaultConnectionConfig(),
	}
}

// Validate checks the configuration for contradictions before the client
// is built.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Remote.Endpoint == "" && c.RemoteExecutor == nil {
		return fmt.Errorf("remote endpoint is required")
	}
	if (c.Queue.Backend == QueueBackendFile || c.Queue.Backend == QueueBackendSQLite) &&
		c.Queue.Path == "" && c.Queue.Store == nil {
		return fmt.Errorf("queue backend %q requires a path", c.Queue.Backend)
	}
	if c.Resolver.Strategy != "" && !c.Resolver.Strategy.Valid() {
		return fmt.Errorf("unknown conflict strategy: %q", c.Resolver.Strategy)
	}
	if c.Sync.BulkCodec != "" && !c.Sync.BulkCodec.Valid() {
		return fmt.Errorf("unknown bulk codec: %q", c.Sync.BulkCodec)
	}
	if c.Realtime.Codec != "" {
		if _, err := CodecByName(c.Realtime.Codec); err != nil {
			return err
		}
	}
	if c.Archive != nil {
		switch c.Archive.Backend {
		case "", ArchiveBackendMemory:
		case ArchiveBackendFile:
			if c.Archive.Path == "" {
				return fmt.Errorf("file archive requires a path")
			}
		case ArchiveBackendS3:
			if c.Archive.S3 == nil || c.Archive.S3.Bucket == "" {
				return fmt.Errorf("s3 archive requires a bucket")
			}
		default:
			return fmt.Errorf("unknown archive backend: %q", c.Archive.Backend)
		}
	}
	if c.Encryption != nil && c.Encryption.Enabled &&
		len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return fmt.Errorf("encryption enabled but no key or password provided")
	}
	return nil
}

// --- File Loading ---

// fileConfig is the YAML-facing schema. Durations are strings ("30s",
// "5m") so config files stay readable.
type fileConfig struct {
	ClientID string `yaml:"client_id"`
	UserID   string `yaml:"user_id"`

	Remote struct {
		Endpoint         string `yaml:"endpoint"`
		RequestTimeout   string `yaml:"request_timeout"`
		MaxRetries       int    `yaml:"max_retries"`
		CompressBatches  *bool  `yaml:"compress_batches"`
		BreakerThreshold int    `yaml:"breaker_threshold"`
		BreakerReset     string `yaml:"breaker_reset"`
	} `yaml:"remote"`

	Realtime struct {
		URL                 string `yaml:"url"`
		Codec               string `yaml:"codec"`
		HandshakeTimeout    string `yaml:"handshake_timeout"`
		WriteTimeout        string `yaml:"write_timeout"`
		PingInterval        string `yaml:"ping_interval"`
		ReconnectBackoff    string `yaml:"reconnect_backoff"`
		MaxReconnectBackoff string `yaml:"max_reconnect_backoff"`
		SendBuffer          int    `yaml:"send_buffer"`
	} `yaml:"realtime"`

	Queue struct {
		Backend           string  `yaml:"backend"`
		Path              string  `yaml:"path"`
		MaxRetries        int     `yaml:"max_retries"`
		MaxPending        int     `yaml:"max_pending"`
		DeadLetterLimit   int     `yaml:"dead_letter_limit"`
		InitialBackoff    string  `yaml:"initial_backoff"`
		MaxBackoff        string  `yaml:"max_backoff"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	} `yaml:"queue"`

	Sync struct {
		Tables          []string `yaml:"tables"`
		BatchSize       int      `yaml:"batch_size"`
		SyncInterval    string   `yaml:"sync_interval"`
		MinSyncInterval string   `yaml:"min_sync_interval"`
		ActivityDecay   float64  `yaml:"activity_decay"`
		BulkCodec       string   `yaml:"bulk_codec"`
		ArchiveBulk     *bool    `yaml:"archive_bulk"`
		ResyncOnConnect *bool    `yaml:"resync_on_connect"`
		EventBufferSize int      `yaml:"event_buffer_size"`
	} `yaml:"sync"`

	Resolver struct {
		Strategy     string `yaml:"strategy"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"resolver"`

	Presence struct {
		StaleTimeout  string `yaml:"stale_timeout"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"presence"`

	Connection struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		ProbeTimeout      string `yaml:"probe_timeout"`
		FailureThreshold  int    `yaml:"failure_threshold"`
	} `yaml:"connection"`

	Archive *struct {
		Backend string           `yaml:"backend"`
		Path    string           `yaml:"path"`
		S3      *S3ArchiveConfig `yaml:"s3"`
	} `yaml:"archive"`

	Encryption *struct {
		Enabled     bool   `yaml:"enabled"`
		KeyPassword string `yaml:"key_password"`
	} `yaml:"encryption"`
}

// LoadConfig reads a YAML configuration file and overlays it on the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("invalid YAML: %w", err)
	}

	cfg.ClientID = fc.ClientID
	cfg.UserID = fc.UserID

	cfg.Remote.Endpoint = fc.Remote.Endpoint
	if err := setDuration(&cfg.Remote.RequestTimeout, fc.Remote.RequestTimeout, "remote.request_timeout"); err != nil {
		return cfg, err
	}
	if fc.Remote.MaxRetries > 0 {
		cfg.Remote.MaxRetries = fc.Remote.MaxRetries
	}
	if fc.Remote.CompressBatches != nil {
		cfg.Remote.CompressBatches = *fc.Remote.CompressBatches
	}
	if fc.Remote.BreakerThreshold > 0 {
		cfg.Remote.BreakerThreshold = fc.Remote.BreakerThreshold
	}
	if err := setDuration(&cfg.Remote.BreakerReset, fc.Remote.BreakerReset, "remote.breaker_reset"); err != nil {
		return cfg, err
	}

	cfg.Realtime.URL = fc.Realtime.URL
	if fc.Realtime.Codec != "" {
		cfg.Realtime.Codec = fc.Realtime.Codec
	}
	if err := setDuration(&cfg.Realtime.HandshakeTimeout, fc.Realtime.HandshakeTimeout, "realtime.handshake_timeout"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Realtime.WriteTimeout, fc.Realtime.WriteTimeout, "realtime.write_timeout"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Realtime.PingInterval, fc.Realtime.PingInterval, "realtime.ping_interval"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Realtime.ReconnectBackoff, fc.Realtime.ReconnectBackoff, "realtime.reconnect_backoff"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Realtime.MaxReconnectBackoff, fc.Realtime.MaxReconnectBackoff, "realtime.max_reconnect_backoff"); err != nil {
		return cfg, err
	}
	if fc.Realtime.SendBuffer > 0 {
		cfg.Realtime.SendBuffer = fc.Realtime.SendBuffer
	}

	if fc.Queue.Backend != "" {
		cfg.Queue.Backend = fc.Queue.Backend
	}
	cfg.Queue.Path = fc.Queue.Path
	if fc.Queue.MaxRetries > 0 {
		cfg.Queue.MaxRetries = fc.Queue.MaxRetries
	}
	if fc.Queue.MaxPending > 0 {
		cfg.Queue.MaxPending = fc.Queue.MaxPending
	}
	if fc.Queue.DeadLetterLimit > 0 {
		cfg.Queue.DeadLetterLimit = fc.Queue.DeadLetterLimit
	}
	if err := setDuration(&cfg.Queue.InitialBackoff, fc.Queue.InitialBackoff, "queue.initial_backoff"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Queue.MaxBackoff, fc.Queue.MaxBackoff, "queue.max_backoff"); err != nil {
		return cfg, err
	}
	if fc.Queue.BackoffMultiplier > 0 {
		cfg.Queue.BackoffMultiplier = fc.Queue.BackoffMultiplier
	}

	cfg.Sync.Tables = fc.Sync.Tables
	if fc.Sync.BatchSize > 0 {
		cfg.Sync.BatchSize = fc.Sync.BatchSize
	}
	if err := setDuration(&cfg.Sync.SyncInterval, fc.Sync.SyncInterval, "sync.sync_interval"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Sync.MinSyncInterval, fc.Sync.MinSyncInterval, "sync.min_sync_interval"); err != nil {
		return cfg, err
	}
	if fc.Sync.ActivityDecay > 0 {
		cfg.Sync.ActivityDecay = fc.Sync.ActivityDecay
	}
	if fc.Sync.BulkCodec != "" {
		cfg.Sync.BulkCodec = CompressionCodec(fc.Sync.BulkCodec)
	}
	if fc.Sync.ArchiveBulk != nil {
		cfg.Sync.ArchiveBulk = *fc.Sync.ArchiveBulk
	}
	if fc.Sync.ResyncOnConnect != nil {
		cfg.Sync.ResyncOnConnect = *fc.Sync.ResyncOnConnect
	}
	if fc.Sync.EventBufferSize > 0 {
		cfg.Sync.EventBufferSize = fc.Sync.EventBufferSize
	}

	if fc.Resolver.Strategy != "" {
		cfg.Resolver.Strategy = ConflictStrategy(fc.Resolver.Strategy)
	}
	if fc.Resolver.HistoryLimit > 0 {
		cfg.Resolver.HistoryLimit = fc.Resolver.HistoryLimit
	}

	if err := setDuration(&cfg.Presence.StaleTimeout, fc.Presence.StaleTimeout, "presence.stale_timeout"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Presence.SweepInterval, fc.Presence.SweepInterval, "presence.sweep_interval"); err != nil {
		return cfg, err
	}

	if err := setDuration(&cfg.Connection.HeartbeatInterval, fc.Connection.HeartbeatInterval, "connection.heartbeat_interval"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Connection.ProbeTimeout, fc.Connection.ProbeTimeout, "connection.probe_timeout"); err != nil {
		return cfg, err
	}
	if fc.Connection.FailureThreshold > 0 {
		cfg.Connection.FailureThreshold = fc.Connection.FailureThreshold
	}

	if fc.Archive != nil {
		cfg.Archive = &ArchiveConfig{
			Backend: fc.Archive.Backend,
			Path:    fc.Archive.Path,
			S3:      fc.Archive.S3,
		}
	}
	if fc.Encryption != nil {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     fc.Encryption.Enabled,
			KeyPassword: fc.Encryption.KeyPassword,
		}
	}

	return cfg, cfg.Validate()
}

func setDuration(dst *time.Duration, value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = d
	return nil
}
