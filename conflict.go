package vibesync

import (
	"log/slog"
	"sync"
	"time"
)

// --- Conflict Resolution ---

// ConflictStrategy determines how conflicting edits to the same record
// are reconciled.
type ConflictStrategy string

const (
	// StrategyLastWriteWins picks the side with the later update timestamp.
	StrategyLastWriteWins ConflictStrategy = "last-write-wins"
	// StrategyLocalWins always keeps the local record.
	StrategyLocalWins ConflictStrategy = "local-wins"
	// StrategyRemoteWins always adopts the remote record.
	StrategyRemoteWins ConflictStrategy = "remote-wins"
)

// Valid reports whether the strategy is one of the supported values.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyLocalWins, StrategyRemoteWins:
		return true
	}
	return false
}

// ConflictMetadata describes what was in conflict when a resolution was made.
type ConflictMetadata struct {
	// ConflictedFields lists field names whose values differed, sorted.
	ConflictedFields []string `json:"conflicted_fields,omitempty"`
	// LocalVersion is the version of the local record at resolution time.
	LocalVersion int64 `json:"local_version"`
	// RemoteVersion is the version of the remote record at resolution time.
	RemoteVersion int64 `json:"remote_version"`
}

// ConflictResolution is the outcome of resolving one conflict.
type ConflictResolution struct {
	// Table the conflicting record belongs to
	Table string `json:"table"`
	// Resolved is the record that won
	Resolved Record `json:"resolved"`
	// Strategy used for this resolution
	Strategy ConflictStrategy `json:"strategy"`
	// Winner is "local" or "remote"
	Winner string `json:"winner"`
	// Metadata about the conflict
	Metadata ConflictMetadata `json:"metadata"`
	// ResolvedAt is when the resolution was made
	ResolvedAt time.Time `json:"resolved_at"`
}

// ResolverConfig configures conflict resolution.
type ResolverConfig struct {
	// Strategy selects the resolution policy (default last-write-wins)
	Strategy ConflictStrategy `json:"strategy" yaml:"strategy"`
	// HistoryLimit caps how many past resolutions are retained (default 100)
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
}

// DefaultResolverConfig returns a resolver configuration with sensible defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Strategy:     StrategyLastWriteWins,
		HistoryLimit: 100,
	}
}

// ConflictResolver reconciles concurrent edits to the same record. Resolution
// itself is deterministic: the same pair of records always produces the same
// winner regardless of which side observed the conflict.
type ConflictResolver struct {
	config ResolverConfig

	mu       sync.Mutex
	history  []ConflictResolution
	resolved int64
}

// NewConflictResolver creates a resolver with the given configuration.
func NewConflictResolver(config ResolverConfig) *ConflictResolver {
	if config.Strategy == "" {
		config.Strategy = StrategyLastWriteWins
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 100
	}
	return &ConflictResolver{config: config}
}

// Resolve reconciles a local and a remote copy of the same record and
// returns the resolution. Neither input is modified.
func (r *ConflictResolver) Resolve(table string, local, remote Record) ConflictResolution {
	winner := "local"
	resolved := local

	switch r.config.Strategy {
	case StrategyRemoteWins:
		winner = "remote"
		resolved = remote
	case StrategyLocalWins:
		// resolved already local
	default:
		if remoteWinsLWW(local, remote) {
			winner = "remote"
			resolved = remote
		}
	}

	resolution := ConflictResolution{
		Table:    table,
		Resolved: resolved.Clone(),
		Strategy: r.config.Strategy,
		Winner:   winner,
		Metadata: ConflictMetadata{
			ConflictedFields: conflictedFields(local, remote),
			LocalVersion:     local.Version,
			RemoteVersion:    remote.Version,
		},
		ResolvedAt: time.Now(),
	}

	r.mu.Lock()
	r.resolved++
	r.history = append(r.history, resolution)
	if len(r.history) > r.config.HistoryLimit {
		r.history = r.history[len(r.history)-r.config.HistoryLimit:]
	}
	r.mu.Unlock()

	slog.Debug("conflict resolved",
		"table", table,
		"record", local.ID,
		"winner", winner,
		"fields", len(resolution.Metadata.ConflictedFields))

	return resolution
}

// remoteWinsLWW decides last-write-wins: the remote record wins only when
// its timestamp is strictly later; on equal timestamps the higher version
// wins, and the local record keeps a full tie.
func remoteWinsLWW(local, remote Record) bool {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return true
	}
	if remote.UpdatedAt.Equal(local.UpdatedAt) {
		return remote.Version > local.Version
	}
	return false
}

// History returns a copy of the retained resolutions, oldest first.
func (r *ConflictResolver) History() []ConflictResolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConflictResolution, len(r.history))
	copy(out, r.history)
	return out
}

// ResolvedCount returns the total number of conflicts resolved.
func (r *ConflictResolver) ResolvedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Strategy returns the configured resolution strategy.
func (r *ConflictResolver) Strategy() ConflictStrategy {
	return r.config.Strategy
}
