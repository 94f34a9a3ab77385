package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ScoreEvent is one accepted score update. Rows are append-only and never
// mutated; together they form the audit trail the leaderboard index can be
// rebuilt from.
type ScoreEvent struct {
	bun.BaseModel `bun:"table:score_events,alias:se"`

	ID         int64     `bun:"id,pk,autoincrement"`
	UserID     string    `bun:"user_id,notnull"`
	TokenID    string    `bun:"token_id,notnull"`
	ActionType string    `bun:"action_type,notnull"`
	Delta      int64     `bun:"delta,notnull"`
	TotalAfter int64     `bun:"total_after,notnull"`
	ClientIP   string    `bun:"client_ip"`
	UserAgent  string    `bun:"user_agent"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}
