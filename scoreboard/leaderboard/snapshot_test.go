package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSnapshotCache_RefreshAndVersion(t *testing.T) {
	resolves := 0
	cache, err := NewSnapshotCache(10, 16, func(_ context.Context, userID string) (string, error) {
		resolves++
		return "name-" + userID, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{UserID: "a", Score: 500, ReachedAt: baseTime},
		{UserID: "b", Score: 300, ReachedAt: baseTime},
	}

	first := cache.Refresh(context.Background(), entries)
	if first.Version != 1 {
		t.Errorf("first snapshot version = %d, want 1", first.Version)
	}
	if len(first.Entries) != 2 {
		t.Fatalf("snapshot entries = %d, want 2", len(first.Entries))
	}
	if first.Entries[0].Rank != 1 || first.Entries[0].DisplayName != "name-a" {
		t.Errorf("first entry = %+v, want rank 1 with resolved name", first.Entries[0])
	}

	second := cache.Refresh(context.Background(), entries)
	if second.Version != 2 {
		t.Errorf("second snapshot version = %d, want 2", second.Version)
	}
	if resolves != 2 {
		t.Errorf("resolver called %d times, want 2 (names cached on refresh)", resolves)
	}

	if got := cache.Current(); got.Version != 2 {
		t.Errorf("Current() version = %d, want 2", got.Version)
	}
}

func TestSnapshotCache_RememberNameSkipsResolver(t *testing.T) {
	cache, err := NewSnapshotCache(10, 16, func(_ context.Context, _ string) (string, error) {
		t.Fatal("resolver should not be called for a primed name")
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	cache.RememberName("a", "Alice")
	snap := cache.Refresh(context.Background(), []Entry{{UserID: "a", Score: 1, ReachedAt: baseTime}})
	if snap.Entries[0].DisplayName != "Alice" {
		t.Errorf("display name = %q, want primed %q", snap.Entries[0].DisplayName, "Alice")
	}
}

func TestSnapshotCache_ResolverFailureFallsBackToID(t *testing.T) {
	cache, err := NewSnapshotCache(10, 16, func(_ context.Context, _ string) (string, error) {
		return "", errors.New("store unavailable")
	})
	if err != nil {
		t.Fatal(err)
	}

	snap := cache.Refresh(context.Background(), []Entry{{UserID: "u42", Score: 1, ReachedAt: time.Now()}})
	if snap.Entries[0].DisplayName != "u42" {
		t.Errorf("display name = %q, want fallback to user id", snap.Entries[0].DisplayName)
	}
}
