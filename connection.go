package vibesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// --- Connection Supervisor ---

// ConnectionState is the supervisor's view of backend reachability.
type ConnectionState int

const (
	// StateDisconnected means the backend is unreachable. This is the
	// initial state.
	StateDisconnected ConnectionState = iota
	// StateConnected means the backend is reachable.
	StateConnected
	// StateReconnecting means recovery attempts are in progress.
	StateReconnecting
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionListener is notified on every state transition.
type ConnectionListener func(state ConnectionState)

// ConnectionConfig configures the connection supervisor.
type ConnectionConfig struct {
	// HeartbeatInterval is how often the probe runs (default 15s)
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	// ProbeTimeout bounds a single probe (default 5s)
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	// FailureThreshold is how many consecutive probe failures demote a
	// connected supervisor to disconnected (default 3)
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Probe checks backend reachability. When nil, no heartbeat runs and
	// state changes only through the Mark methods.
	Probe func(ctx context.Context) error `json:"-" yaml:"-"`
}

// DefaultConnectionConfig returns a connection configuration with sensible
// defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HeartbeatInterval: 15 * time.Second,
		ProbeTimeout:      5 * time.Second,
		FailureThreshold:  3,
	}
}

type connectionListener struct {
	id uint64
	fn ConnectionListener
}

// ConnectionSupervisor tracks connection state and notifies listeners of
// transitions. Repeated reports of the current state are dropped, so each
// recovery produces exactly one connected notification no matter how many
// times the transport confirms it.
type ConnectionSupervisor struct {
	config ConnectionConfig

	// notifyMu serializes transitions so listeners observe them in order.
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       ConnectionState
	listeners   []connectionListener
	nextID      uint64
	failures    int
	transitions int64
	recoveries  int64
	lastChange  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// ConnectionStats is a snapshot of supervisor counters.
type ConnectionStats struct {
	State               string    `json:"state"`
	Transitions         int64     `json:"transitions"`
	Recoveries          int64     `json:"recoveries"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChange          time.Time `json:"last_change"`
}

// NewConnectionSupervisor creates a supervisor in the disconnected state.
func NewConnectionSupervisor(config ConnectionConfig) *ConnectionSupervisor {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionSupervisor{
		config: config,
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnConnectionChange registers a listener called synchronously on every
// transition, in registration order. The returned function removes it.
func (s *ConnectionSupervisor) OnConnectionChange(fn ConnectionListener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, connectionListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range s.listeners {
			if s.listeners[i].id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// MarkConnected reports that the backend is reachable.
func (s *ConnectionSupervisor) MarkConnected() { s.setState(StateConnected) }

// MarkDisconnected reports that the backend is unreachable.
func (s *ConnectionSupervisor) MarkDisconnected() { s.setState(StateDisconnected) }

// MarkReconnecting reports that recovery attempts are underway.
func (s *ConnectionSupervisor) MarkReconnecting() { s.setState(StateReconnecting) }

func (s *ConnectionSupervisor) setState(next ConnectionState) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.transitions++
	if next == StateConnected {
		s.recoveries++
	}
	s.lastChange = time.Now()
	listeners := make([]connectionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	slog.Info("connection state changed", "from", prev.String(), "to", next.String())

	// Listeners run outside the state lock so they may query the supervisor.
	for _, l := range listeners {
		l.fn(next)
	}
}

// State returns the current connection state.
func (s *ConnectionSupervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the heartbeat loop when a probe is configured.
func (s *ConnectionSupervisor) Start() {
	s.mu.Lock()
	if s.started || s.config.Probe == nil {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.heartbeatLoop()
}

func (s *ConnectionSupervisor) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.probe()
		}
	}
}

func (s *ConnectionSupervisor) probe() {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.ProbeTimeout)
	err := s.config.Probe(ctx)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		s.MarkConnected()
		return
	}

	s.mu.Lock()
	s.failures++
	failures := s.failures
	state := s.state
	s.mu.Unlock()

	slog.Debug("heartbeat probe failed", "failures", failures, "error", err)

	switch state {
	case StateConnected:
		if failures >= s.config.FailureThreshold {
			s.MarkDisconnected()
		}
	case StateDisconnected:
		s.MarkReconnecting()
	case StateReconnecting:
		// Stay put until a probe succeeds.
	}
}

// Stop halts the heartbeat loop. The supervisor keeps its state and
// listeners; Mark methods continue to work.
func (s *ConnectionSupervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Stats returns a snapshot of supervisor counters.
func (s *ConnectionSupervisor) Stats() ConnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionStats{
		State:               s.state.String(),
		Transitions:         s.transitions,
		Recoveries:          s.recoveries,
		ConsecutiveFailures: s.failures,
		LastChange:          s.lastChange,
	}
}
