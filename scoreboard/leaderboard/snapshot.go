package leaderboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// SnapshotEntry is one row of the externally visible top-N view.
type SnapshotEntry struct {
	Rank        int       `json:"rank"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Score       int64     `json:"score"`
	ReachedAt   time.Time `json:"last_updated"`
}

// Snapshot is a versioned top-N view. Version increases by one per refresh
// so subscribers can tell a fresh snapshot from a stale one.
type Snapshot struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Entries   []SnapshotEntry `json:"entries"`
}

// NameResolver maps a user id to its display name, usually backed by the
// ledger's user table.
type NameResolver func(ctx context.Context, userID string) (string, error)

// SnapshotCache holds the current top-N snapshot. It is refreshed on every
// accepted update, so the published view is never more than one update
// cycle behind the index. Display names go through a bounded LRU so the
// refresh path rarely touches the database.
type SnapshotCache struct {
	mu      sync.RWMutex
	current Snapshot
	size    int
	names   *lru.Cache
	resolve NameResolver
}

func NewSnapshotCache(size, nameCacheSize int, resolve NameResolver) (*SnapshotCache, error) {
	names, err := lru.New(nameCacheSize)
	if err != nil {
		return nil, err
	}
	return &SnapshotCache{
		size:    size,
		names:   names,
		resolve: resolve,
	}, nil
}

// Size returns the configured top-N width.
func (s *SnapshotCache) Size() int {
	return s.size
}

// Refresh rebuilds the snapshot from the given top entries and publishes it
// as the new current version.
func (s *SnapshotCache) Refresh(ctx context.Context, entries []Entry) Snapshot {
	rows := make([]SnapshotEntry, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, SnapshotEntry{
			Rank:        i + 1,
			UserID:      e.UserID,
			DisplayName: s.displayName(ctx, e.UserID),
			Score:       e.Score,
			ReachedAt:   e.ReachedAt,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Snapshot{
		Version:   s.current.Version + 1,
		UpdatedAt: time.Now(),
		Entries:   rows,
	}
	return s.current
}

// Current returns the latest published snapshot.
func (s *SnapshotCache) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// RememberName primes the name cache, called when an update already knows
// the user's display name.
func (s *SnapshotCache) RememberName(userID, displayName string) {
	if displayName != "" {
		s.names.Add(userID, displayName)
	}
}

func (s *SnapshotCache) displayName(ctx context.Context, userID string) string {
	if cached, ok := s.names.Get(userID); ok {
		return cached.(string)
	}
	name, err := s.resolve(ctx, userID)
	if err != nil {
		slog.Warn("Failed to resolve display name",
			slog.String("type", "score"),
			slog.String("user_id", userID),
			slog.Any("error", err))
		return userID
	}
	s.names.Add(userID, name)
	return name
}
