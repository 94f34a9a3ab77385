package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TokenStatus string

const (
	TokenStatusUnused TokenStatus = "unused"
	TokenStatusUsed   TokenStatus = "used"
)

// ActionToken is the durable record behind a signed action token. The row
// is the single-use register: consuming a token is a conditional update of
// Status from unused to used, so the transition survives restarts and is
// atomic across concurrent verifiers.
type ActionToken struct {
	bun.BaseModel `bun:"table:action_tokens,alias:at"`

	ID         string      `bun:"id,pk"`
	UserID     string      `bun:"user_id,notnull"`
	ActionType string      `bun:"action_type,notnull"`
	Delta      int64       `bun:"delta,notnull"`
	Status     TokenStatus `bun:"status,notnull,default:'unused'"`
	IssuedAt   time.Time   `bun:"issued_at,notnull"`
	ExpiresAt  time.Time   `bun:"expires_at,notnull"`
	UsedAt     time.Time   `bun:"used_at,nullzero"`
}
