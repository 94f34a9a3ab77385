package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UserScore is the authoritative per-user total. ScoreReachedAt records the
// moment the current total was reached and only advances when the total
// changes; the leaderboard uses it to break ties in favor of the earlier user.
type UserScore struct {
	bun.BaseModel `bun:"table:user_scores,alias:us"`

	UserID         string    `bun:"user_id,pk"`
	DisplayName    string    `bun:"display_name,notnull"`
	TotalScore     int64     `bun:"total_score,notnull,default:0"`
	ScoreReachedAt time.Time `bun:"score_reached_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}
