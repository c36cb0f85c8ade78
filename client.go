package vibesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// --- Client ---

// Client assembles the full sync stack: offline queue, conflict resolver,
// sync engine, presence tracker, connection supervisor, and the HTTP and
// websocket transports. Most applications interact with the Client only.
type Client struct {
	config Config

	queue      *OfflineQueue
	resolver   *ConflictResolver
	engine     *SyncEngine
	tracker    *PresenceTracker
	supervisor *ConnectionSupervisor
	realtime   *RealtimeClient
	archive    ArchiveStore
	remote     RemoteExecutor

	removeListener func()

	mu      sync.Mutex
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientStats aggregates snapshots from every component.
type ClientStats struct {
	Queue      QueueStats      `json:"queue"`
	Sync       SyncStats       `json:"sync"`
	Presence   PresenceStats   `json:"presence"`
	Connection ConnectionStats `json:"connection"`
	Realtime   *RealtimeStats  `json:"realtime,omitempty"`
}

// NewClient builds a client from the configuration. Nothing runs until
// Start is called.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	var encryptor *Encryptor
	if cfg.Encryption != nil {
		var err error
		encryptor, err = NewEncryptor(*cfg.Encryption)
		if err != nil {
			return nil, err
		}
	}

	var archive ArchiveStore
	if cfg.Archive != nil {
		var err error
		archive, err = NewArchive(*cfg.Archive, encryptor)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Queue.Store == nil {
		store, err := newQueueStore(cfg.Queue, encryptor)
		if err != nil {
			return nil, err
		}
		cfg.Queue.Store = store
	}
	cfg.Queue.Archive = archive

	queue, err := NewOfflineQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}

	resolver := NewConflictResolver(cfg.Resolver)

	remote := cfg.RemoteExecutor
	if remote == nil {
		rc := cfg.Remote
		rc.UserID = cfg.UserID
		rc.ClientID = cfg.ClientID
		remote = NewHTTPRemote(rc)
	}

	cc := cfg.Connection
	if cc.Probe == nil {
		cc.Probe = remote.Ping
	}
	supervisor := NewConnectionSupervisor(cc)

	sc := cfg.Sync
	sc.UserID = cfg.UserID
	sc.ClientID = cfg.ClientID
	engine := NewSyncEngine(sc, remote, queue, resolver)
	engine.SetArchive(archive)

	tracker := NewPresenceTracker(cfg.Presence)

	var realtime *RealtimeClient
	if cfg.Realtime.URL != "" {
		rt := cfg.Realtime
		rt.UserID = cfg.UserID
		rt.ClientID = cfg.ClientID
		realtime, err = NewRealtimeClient(rt, supervisor)
		if err != nil {
			queue.Close()
			return nil, err
		}
		realtime.OnSyncEvent(func(ev SyncEvent) {
			if err := engine.ApplyRemoteEvent(ev); err != nil {
				slog.Warn("failed to apply remote event", "table", ev.Table, "error", err)
			}
		})
		realtime.OnPresenceEvent(func(ev PresenceEvent) {
			tracker.ApplyEvent(ev)
			engine.PublishPresence(ev)
		})
	}

	removeListener := supervisor.OnConnectionChange(engine.HandleConnectionChange)

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:         cfg,
		queue:          queue,
		resolver:       resolver,
		engine:         engine,
		tracker:        tracker,
		supervisor:     supervisor,
		realtime:       realtime,
		archive:        archive,
		remote:         remote,
		removeListener: removeListener,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start launches the engine, supervisor, realtime transport, and the
// presence sweep loop.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.engine.Start()
	c.supervisor.Start()
	if c.realtime != nil {
		c.realtime.Start()
	}

	c.wg.Add(1)
	go c.sweepLoop()

	slog.Info("sync client started",
		"user", c.config.UserID,
		"client", c.config.ClientID,
		"queue_backend", c.config.Queue.Backend)
	return nil
}

func (c *Client) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Presence.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.tracker.Sweep(); n > 0 {
				slog.Debug("stale presence swept", "records", n)
			}
		}
	}
}

// Close stops every component and closes the queue store. Queued
// operations stay persisted for the next run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.removeListener()
	c.cancel()
	if started {
		c.wg.Wait()
	}
	if c.realtime != nil {
		c.realtime.Stop()
	}
	c.supervisor.Stop()
	c.engine.Stop()

	err := c.queue.Close()
	if c.archive != nil {
		if aerr := c.archive.Close(); err == nil {
			err = aerr
		}
	}
	return err
}

// --- Convenience Operations ---

// Insert queues an insert into table. A record without an ID gets a
// generated one; the returned record carries it.
func (c *Client) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	return c.engine.Insert(ctx, table, rec)
}

// Update queues an update to an existing record.
func (c *Client) Update(ctx context.Context, table string, rec Record) error {
	return c.engine.Update(ctx, table, rec)
}

// Delete queues a delete by record ID.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.engine.Delete(ctx, table, id)
}

// UpdatePresence records this user's presence locally and broadcasts it
// when the realtime connection is up. Presence is best-effort: while
// offline the update stays local and no error is returned.
func (c *Client) UpdatePresence(rec PresenceRecord) error {
	if rec.UserID == "" {
		rec.UserID = c.config.UserID
	}
	if rec.Status == "" {
		rec.Status = PresenceOnline
	}
	c.tracker.Update(rec)

	if c.realtime == nil {
		return nil
	}
	err := c.realtime.PublishPresence(PresenceEvent{
		Type:      PresenceUpdated,
		Record:    rec,
		Timestamp: time.Now(),
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SubscribeSync returns a subscription to applied remote events. Pass an
// empty table to receive events for every table.
func (c *Client) SubscribeSync(table string) *SyncSubscription {
	return c.engine.SubscribeSync(table)
}

// SubscribePresence returns a subscription to presence events.
func (c *Client) SubscribePresence() *PresenceSubscription {
	return c.engine.SubscribePresence()
}

// --- Component Access ---

// Engine returns the sync engine.
func (c *Client) Engine() *SyncEngine { return c.engine }

// Queue returns the offline queue.
func (c *Client) Queue() *OfflineQueue { return c.queue }

// Presence returns the presence tracker.
func (c *Client) Presence() *PresenceTracker { return c.tracker }

// Connection returns the connection supervisor.
func (c *Client) Connection() *ConnectionSupervisor { return c.supervisor }

// Resolver returns the conflict resolver.
func (c *Client) Resolver() *ConflictResolver { return c.resolver }

// Realtime returns the websocket transport, or nil when no realtime URL
// is configured.
func (c *Client) Realtime() *RealtimeClient { return c.realtime }

// Stats aggregates snapshots from every component.
func (c *Client) Stats() ClientStats {
	stats := ClientStats{
		Queue:      c.queue.Stats(),
		Sync:       c.engine.Stats(),
		Presence:   c.tracker.Stats(),
		Connection: c.supervisor.Stats(),
	}
	if c.realtime != nil {
		rt := c.realtime.Stats()
		stats.Realtime = &rt
	}
	return stats
}
