package leaderboard

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

var ErrNotRanked = errors.New("user is not in the leaderboard index")

const (
	maxLevel    = 32
	probability = 0.25
)

// Entry is one ranked user. Ordering is score descending, then the earlier
// ReachedAt, then UserID as a final deterministic tie-break.
type Entry struct {
	UserID    string
	Score     int64
	ReachedAt time.Time
}

// RankDelta records one entry whose rank changed as a result of an update.
// OldRank is 0 for a user that was not ranked before.
type RankDelta struct {
	UserID  string `json:"user_id"`
	OldRank int    `json:"old_rank"`
	NewRank int    `json:"new_rank"`
	Score   int64  `json:"score"`
}

type level struct {
	next *node
	span int
}

type node struct {
	entry  Entry
	levels []level
}

// Index is the in-memory ranked view over all users. It is a cache derived
// from the ledger, never the source of truth, and can always be rebuilt
// from it. A skip list with per-link spans gives O(log U) point updates and
// rank queries plus ordered iteration; the byUser map locates a user's
// current key so the old node can be removed before the new one goes in.
//
// Writers serialize on the mutex (rank shifts depend on the total order
// across all users); readers of Top and RankOf share the read lock.
type Index struct {
	mu       sync.RWMutex
	head     *node
	level    int
	length   int
	byUser   map[string]*node
	scoreSum int64
	rng      *rand.Rand
}

func NewIndex() *Index {
	return &Index{
		head:   &node{levels: make([]level, maxLevel)},
		level:  1,
		byUser: make(map[string]*node),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// before reports whether a ranks ahead of b.
func before(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.ReachedAt.Equal(b.ReachedAt) {
		return a.ReachedAt.Before(b.ReachedAt)
	}
	return a.UserID < b.UserID
}

// Update incorporates one user's new score and returns the user's new rank
// together with the deltas of every entry whose rank changed. The affected
// range is bounded by the user's old and new rank, so the walk stays
// sublinear in the user count for an existing user moving within the board.
//
// ReachedAt only advances when the ledger total changes, so an update whose
// ReachedAt is older than the indexed entry lost the apply/reindex race
// against a newer total and is ignored.
func (ix *Index) Update(userID string, newScore int64, reachedAt time.Time) (int, []RankDelta) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry := Entry{UserID: userID, Score: newScore, ReachedAt: reachedAt}

	oldRank := 0
	if existing, ok := ix.byUser[userID]; ok {
		if existing.entry.Score == newScore && existing.entry.ReachedAt.Equal(reachedAt) {
			// Same key, same position; nothing moved.
			return ix.rankOfLocked(existing.entry), nil
		}
		if reachedAt.Before(existing.entry.ReachedAt) {
			// Superseded by an already-indexed newer total.
			return ix.rankOfLocked(existing.entry), nil
		}
		oldRank = ix.rankOfLocked(existing.entry)
		ix.removeLocked(existing.entry)
		ix.scoreSum -= existing.entry.Score
	}

	newRank := ix.insertLocked(entry)
	ix.scoreSum += newScore

	return newRank, ix.deltasLocked(userID, oldRank, newRank, newScore)
}

// deltasLocked walks the shifted rank range and emits one delta per moved
// entry. For a newly ranked user everyone below the insertion point shifted.
func (ix *Index) deltasLocked(userID string, oldRank, newRank int, newScore int64) []RankDelta {
	lo, hi := oldRank, newRank
	if oldRank == 0 {
		lo, hi = newRank, ix.length
	} else if lo > hi {
		lo, hi = hi, lo
	}
	if oldRank != 0 && oldRank == newRank {
		return nil
	}

	movedUp := oldRank == 0 || newRank < oldRank

	deltas := make([]RankDelta, 0, hi-lo+1)
	n := ix.nodeAtRankLocked(lo)
	for r := lo; r <= hi && n != nil; r++ {
		if n.entry.UserID == userID {
			deltas = append(deltas, RankDelta{
				UserID:  userID,
				OldRank: oldRank,
				NewRank: newRank,
				Score:   newScore,
			})
		} else if movedUp {
			deltas = append(deltas, RankDelta{
				UserID:  n.entry.UserID,
				OldRank: r - 1,
				NewRank: r,
				Score:   n.entry.Score,
			})
		} else {
			deltas = append(deltas, RankDelta{
				UserID:  n.entry.UserID,
				OldRank: r + 1,
				NewRank: r,
				Score:   n.entry.Score,
			})
		}
		n = n.levels[0].next
	}
	return deltas
}

// Top returns the n highest-ranked entries.
func (ix *Index) Top(n int) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if n > ix.length {
		n = ix.length
	}
	entries := make([]Entry, 0, n)
	x := ix.head.levels[0].next
	for i := 0; i < n && x != nil; i++ {
		entries = append(entries, x.entry)
		x = x.levels[0].next
	}
	return entries
}

// RankOf returns the user's current 1-based rank.
func (ix *Index) RankOf(userID string) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n, ok := ix.byUser[userID]
	if !ok {
		return 0, ErrNotRanked
	}
	return ix.rankOfLocked(n.entry), nil
}

// Score returns the user's score as known to the index.
func (ix *Index) Score(userID string) (int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n, ok := ix.byUser[userID]
	if !ok {
		return 0, ErrNotRanked
	}
	return n.entry.Score, nil
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.length
}

// SumScores is the running sum of all indexed scores, kept for cheap
// consistency checks against the ledger.
func (ix *Index) SumScores() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.scoreSum
}

// Rebuild discards the current structure and reindexes the given entries,
// used at startup and for recovery. An index rebuilt from the ledger must
// rank identically to one maintained incrementally.
func (ix *Index) Rebuild(entries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.head = &node{levels: make([]level, maxLevel)}
	ix.level = 1
	ix.length = 0
	ix.byUser = make(map[string]*node, len(entries))
	ix.scoreSum = 0

	for _, e := range entries {
		ix.insertLocked(e)
		ix.scoreSum += e.Score
	}
}

func (ix *Index) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && ix.rng.Float64() < probability {
		lvl++
	}
	return lvl
}

// insertLocked inserts a new entry and returns its 1-based rank.
func (ix *Index) insertLocked(e Entry) int {
	var update [maxLevel]*node
	var rank [maxLevel]int

	x := ix.head
	for i := ix.level - 1; i >= 0; i-- {
		if i == ix.level-1 {
			rank[i] = 0
		} else {
			rank[i] = rank[i+1]
		}
		for x.levels[i].next != nil && before(x.levels[i].next.entry, e) {
			rank[i] += x.levels[i].span
			x = x.levels[i].next
		}
		update[i] = x
	}

	lvl := ix.randomLevel()
	if lvl > ix.level {
		for i := ix.level; i < lvl; i++ {
			rank[i] = 0
			update[i] = ix.head
			update[i].levels[i].span = ix.length
		}
		ix.level = lvl
	}

	n := &node{entry: e, levels: make([]level, lvl)}
	for i := 0; i < lvl; i++ {
		n.levels[i].next = update[i].levels[i].next
		update[i].levels[i].next = n
		n.levels[i].span = update[i].levels[i].span - (rank[0] - rank[i])
		update[i].levels[i].span = (rank[0] - rank[i]) + 1
	}
	for i := lvl; i < ix.level; i++ {
		update[i].levels[i].span++
	}

	ix.length++
	ix.byUser[e.UserID] = n
	return rank[0] + 1
}

func (ix *Index) removeLocked(e Entry) {
	var update [maxLevel]*node

	x := ix.head
	for i := ix.level - 1; i >= 0; i-- {
		for x.levels[i].next != nil && before(x.levels[i].next.entry, e) {
			x = x.levels[i].next
		}
		update[i] = x
	}

	x = x.levels[0].next
	if x == nil || x.entry.UserID != e.UserID {
		return
	}

	for i := 0; i < ix.level; i++ {
		if update[i].levels[i].next == x {
			update[i].levels[i].span += x.levels[i].span - 1
			update[i].levels[i].next = x.levels[i].next
		} else {
			update[i].levels[i].span--
		}
	}
	for ix.level > 1 && ix.head.levels[ix.level-1].next == nil {
		ix.level--
	}

	ix.length--
	delete(ix.byUser, e.UserID)
}

func (ix *Index) rankOfLocked(e Entry) int {
	rank := 0
	x := ix.head
	for i := ix.level - 1; i >= 0; i-- {
		for x.levels[i].next != nil && !before(e, x.levels[i].next.entry) {
			rank += x.levels[i].span
			x = x.levels[i].next
			if x.entry.UserID == e.UserID {
				return rank
			}
		}
	}
	return rank
}

func (ix *Index) nodeAtRankLocked(r int) *node {
	if r < 1 || r > ix.length {
		return nil
	}
	x := ix.head
	traversed := 0
	for i := ix.level - 1; i >= 0; i-- {
		for x.levels[i].next != nil && traversed+x.levels[i].span <= r {
			traversed += x.levels[i].span
			x = x.levels[i].next
		}
		if traversed == r {
			return x
		}
	}
	return nil
}
