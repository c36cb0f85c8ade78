package vibesync

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// --- Realtime Transport ---

// RealtimeConfig configures the websocket client.
type RealtimeConfig struct {
	// URL is the websocket endpoint, e.g. "wss://sync.example.com/sync/ws"
	URL string `json:"url" yaml:"url"`
	// Codec is the wire codec: json (default) or msgpack
	Codec string `json:"codec" yaml:"codec"`
	// UserID identifies the acting user
	UserID string `json:"user_id" yaml:"user_id"`
	// ClientID identifies this client instance
	ClientID string `json:"client_id" yaml:"client_id"`
	// HandshakeTimeout bounds the websocket upgrade (default 10s)
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	// WriteTimeout bounds a single frame write (default 10s)
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// PingInterval is how often pings keep the connection alive (default 30s)
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// ReconnectBackoff is the initial delay between dial attempts (default 1s)
	ReconnectBackoff time.Duration `json:"reconnect_backoff" yaml:"reconnect_backoff"`
	// MaxReconnectBackoff caps the delay between dial attempts (default 30s)
	MaxReconnectBackoff time.Duration `json:"max_reconnect_backoff" yaml:"max_reconnect_backoff"`
	// SendBuffer is the outbound frame buffer (default 64)
	SendBuffer int `json:"send_buffer" yaml:"send_buffer"`
}

// DefaultRealtimeConfig returns a realtime configuration with sensible
// defaults.
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		Codec:               "json",
		HandshakeTimeout:    10 * time.Second,
		WriteTimeout:        10 * time.Second,
		PingInterval:        30 * time.Second,
		ReconnectBackoff:    time.Second,
		MaxReconnectBackoff: 30 * time.Second,
		SendBuffer:          64,
	}
}

// RealtimeClient maintains a websocket connection to the backend, feeding
// inbound sync and presence events to handlers and reporting connectivity
// to the supervisor. Dropped connections redial with exponential backoff.
type RealtimeClient struct {
	config     RealtimeConfig
	codec      WireCodec
	supervisor *ConnectionSupervisor

	onSync     func(SyncEvent)
	onPresence func(PresenceEvent)

	mu    sync.Mutex
	conn  *websocket.Conn
	dials int64
	drops int64

	send    chan *Envelope
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// RealtimeStats is a snapshot of transport counters.
type RealtimeStats struct {
	Connected bool   `json:"connected"`
	Dials     int64  `json:"dials"`
	Drops     int64  `json:"drops"`
	Codec     string `json:"codec"`
}

// NewRealtimeClient creates a websocket client. State transitions are
// reported to the supervisor; event handlers are set with OnSyncEvent and
// OnPresenceEvent before Start.
func NewRealtimeClient(config RealtimeConfig, supervisor *ConnectionSupervisor) (*RealtimeClient, error) {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.MaxReconnectBackoff <= 0 {
		config.MaxReconnectBackoff = 30 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	codec, err := CodecByName(config.Codec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeClient{
		config:     config,
		codec:      codec,
		supervisor: supervisor,
		send:       make(chan *Envelope, config.SendBuffer),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// OnSyncEvent sets the handler for inbound sync events. Call before Start.
func (c *RealtimeClient) OnSyncEvent(fn func(SyncEvent)) {
	c.onSync = fn
}

// OnPresenceEvent sets the handler for inbound presence events. Call
// before Start.
func (c *RealtimeClient) OnPresenceEvent(fn func(PresenceEvent)) {
	c.onPresence = fn
}

// Start launches the connect loop.
func (c *RealtimeClient) Start() {
	c.mu.Lock()
	if c.started || c.config.URL == "" {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

func (c *RealtimeClient) run() {
	defer c.wg.Done()

	backoff := c.config.ReconnectBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.supervisor.MarkReconnecting()

		conn, err := c.dial()
		if err != nil {
			slog.Debug("realtime dial failed", "url", c.config.URL, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.MaxReconnectBackoff {
				backoff = c.config.MaxReconnectBackoff
			}
			continue
		}

		backoff = c.config.ReconnectBackoff
		c.mu.Lock()
		c.conn = conn
		c.dials++
		c.mu.Unlock()
		c.supervisor.MarkConnected()

		done := make(chan struct{})
		c.wg.Add(1)
		go c.writeLoop(conn, done)

		c.readLoop(conn)

		close(done)
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.drops++
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		c.supervisor.MarkDisconnected()
	}
}

func (c *RealtimeClient) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if c.config.UserID != "" {
		q.Set("user", c.config.UserID)
	}
	q.Set("codec", c.codec.Name())
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.config.UserID != "" {
		header.Set("X-Sync-User", c.config.UserID)
	}
	if c.config.ClientID != "" {
		header.Set("X-Sync-Client", c.config.ClientID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	ctx, cancel := context.WithTimeout(c.ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	return conn, err
}

// readLoop blocks until the connection fails or closes.
func (c *RealtimeClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := c.codec.Unmarshal(data, &env); err != nil {
			slog.Warn("failed to decode realtime frame", "error", err)
			continue
		}
		if err := env.Validate(); err != nil {
			slog.Warn("invalid realtime envelope", "error", err)
			continue
		}

		switch env.Channel {
		case ChannelSync:
			if c.onSync != nil {
				c.onSync(*env.Sync)
			}
		case ChannelPresence:
			if c.onPresence != nil {
				c.onPresence(*env.Presence)
			}
		}
	}
}

// writeLoop owns all writes for one connection: outbound envelopes plus
// keepalive pings.
func (c *RealtimeClient) writeLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case env := <-c.send:
			data, err := c.codec.Marshal(env)
			if err != nil {
				slog.Warn("failed to encode realtime frame", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PublishPresence sends a presence event to the backend. Presence is lossy:
// if the send buffer is full the event is dropped. Returns ErrNotConnected
// while no connection is up.
func (c *RealtimeClient) PublishPresence(ev PresenceEvent) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case c.send <- &Envelope{Channel: ChannelPresence, Presence: &ev}:
	default:
		// Buffer full, drop the event
	}
	return nil
}

// Connected reports whether a connection is currently up.
func (c *RealtimeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Stop closes the connection and halts the connect loop.
func (c *RealtimeClient) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Stats returns a snapshot of transport counters.
func (c *RealtimeClient) Stats() RealtimeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RealtimeStats{
		Connected: c.conn != nil,
		Dials:     c.dials,
		Drops:     c.drops,
		Codec:     c.codec.Name(),
	}
}
