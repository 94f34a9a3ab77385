package broadcast

import (
	"log/slog"
	"sync"

	"github.com/luminagames/scoreboard/scoreboard/leaderboard"
)

const (
	MessageTypeSnapshot    = "leaderboard_snapshot"
	MessageTypeUpdate      = "leaderboard_update"
	MessageTypeScoreUpdate = "score_update"
)

// Conn is the write side of one live subscriber connection. The websocket
// handler owns the read loop; the hub only ever writes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Message is one frame pushed to a subscriber.
type Message struct {
	Type     string                  `json:"type"`
	Version  int64                   `json:"version,omitempty"`
	Snapshot *leaderboard.Snapshot   `json:"snapshot,omitempty"`
	Deltas   []leaderboard.RankDelta `json:"deltas,omitempty"`
	Personal *PersonalUpdate         `json:"personal,omitempty"`
}

// PersonalUpdate tells the acting user what their own update did.
type PersonalUpdate struct {
	UserID   string `json:"user_id"`
	OldRank  int    `json:"old_rank"`
	NewRank  int    `json:"new_rank"`
	Delta    int64  `json:"delta"`
	NewScore int64  `json:"new_score"`
}

type subscriber struct {
	id     string
	userID string
	conn   Conn
	send   chan Message
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Hub fans incremental leaderboard updates out to live subscribers. Each
// connection gets its own bounded queue drained by its own goroutine; a
// subscriber that cannot keep up is dropped rather than allowed to stall
// the broadcast for everyone else. Delivery is at-least-once while
// connected; a reconnecting client must re-fetch a fresh snapshot.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	byUser    map[string]map[string]*subscriber
	snapshots *leaderboard.SnapshotCache
	queueSize int
}

func NewHub(snapshots *leaderboard.SnapshotCache, queueSize int) *Hub {
	if queueSize < 1 {
		// The queue must at least hold the initial snapshot.
		queueSize = 1
	}
	return &Hub{
		subs:      make(map[string]*subscriber),
		byUser:    make(map[string]map[string]*subscriber),
		snapshots: snapshots,
		queueSize: queueSize,
	}
}

// Subscribe registers a connection and immediately queues the current
// top-N snapshot for it, so a fresh subscriber has no staleness window.
func (h *Hub) Subscribe(id, userID string, conn Conn) {
	sub := &subscriber{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan Message, h.queueSize),
	}

	// Queue the snapshot before the subscriber is visible to Publish, so
	// the first frame is always the snapshot and no overflow drop can
	// close the channel under this send.
	snapshot := h.snapshots.Current()
	sub.send <- Message{
		Type:     MessageTypeSnapshot,
		Version:  snapshot.Version,
		Snapshot: &snapshot,
	}

	h.mu.Lock()
	h.subs[id] = sub
	if userID != "" {
		if h.byUser[userID] == nil {
			h.byUser[userID] = make(map[string]*subscriber)
		}
		h.byUser[userID][id] = sub
	}
	h.mu.Unlock()

	go sub.writePump()

	slog.Debug("Subscriber connected",
		slog.String("type", "ws"),
		slog.String("connection_id", id),
		slog.String("user_id", userID))
}

// Unsubscribe removes a connection. Other connections and leaderboard
// state are unaffected.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		if sub.userID != "" {
			delete(h.byUser[sub.userID], id)
			if len(h.byUser[sub.userID]) == 0 {
				delete(h.byUser, sub.userID)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		sub.close()
		slog.Debug("Subscriber disconnected",
			slog.String("type", "ws"),
			slog.String("connection_id", id))
	}
}

// Publish delivers the changed entries of one accepted update to every
// subscriber, limited to deltas that touch the published top-N scope, and
// a personal notification to the acting user's own connections. An update
// with no delta in scope produces no broadcast frame at all.
func (h *Hub) Publish(deltas []leaderboard.RankDelta, version int64, personal *PersonalUpdate) {
	scoped := make([]leaderboard.RankDelta, 0, len(deltas))
	topN := h.snapshots.Size()
	for _, d := range deltas {
		if d.NewRank <= topN || (d.OldRank > 0 && d.OldRank <= topN) {
			scoped = append(scoped, d)
		}
	}

	var overflowed []string

	h.mu.RLock()
	if len(scoped) > 0 {
		msg := Message{
			Type:    MessageTypeUpdate,
			Version: version,
			Deltas:  scoped,
		}
		for id, sub := range h.subs {
			select {
			case sub.send <- msg:
			default:
				overflowed = append(overflowed, id)
			}
		}
	}
	if personal != nil {
		msg := Message{
			Type:     MessageTypeScoreUpdate,
			Version:  version,
			Personal: personal,
		}
		for id, sub := range h.byUser[personal.UserID] {
			select {
			case sub.send <- msg:
			default:
				overflowed = append(overflowed, id)
			}
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		slog.Warn("Dropping slow subscriber",
			slog.String("type", "ws"),
			slog.String("connection_id", id))
		h.Unsubscribe(id)
	}
}

// SubscriberCount reports the number of live connections.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Shutdown closes every connection, used on process exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*subscriber)
	h.byUser = make(map[string]map[string]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			slog.Debug("Subscriber write failed",
				slog.String("type", "ws"),
				slog.String("connection_id", s.id),
				slog.Any("error", err))
			return
		}
	}
}
