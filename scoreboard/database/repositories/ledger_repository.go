package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/luminagames/scoreboard/scoreboard/database/models"
	"github.com/luminagames/scoreboard/scoreboard/logger"
	"github.com/uptrace/bun"
)

var (
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidScoreState is returned when a delta would drive a total
	// negative. Scores only grow through actions, so hitting this is an
	// attack signal or a bug, not an expected path.
	ErrInvalidScoreState = errors.New("score update would produce a negative total")
)

// EventMeta carries the client metadata recorded on every accepted event.
type EventMeta struct {
	TokenID    string
	ActionType string
	ClientIP   string
	UserAgent  string
}

// ApplyResult reports the durable outcome of one accepted score update.
type ApplyResult struct {
	NewTotal  int64
	ReachedAt time.Time
	Event     *models.ScoreEvent
}

type LedgerRepository interface {
	// Apply updates one user's total and appends the matching event in a
	// single transaction. The row lock serializes concurrent applies for
	// the same user; different users do not block each other.
	Apply(ctx context.Context, userID, displayName string, delta int64, meta EventMeta) (*ApplyResult, error)
	CurrentScore(ctx context.Context, userID string) (int64, error)
	GetUser(ctx context.Context, userID string) (*models.UserScore, error)
	AllScores(ctx context.Context) ([]*models.UserScore, error)
	Events(ctx context.Context) ([]*models.ScoreEvent, error)
	SumScores(ctx context.Context) (int64, error)
}

type ledgerRepository struct {
	db *bun.DB
}

func NewLedgerRepository(db *bun.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) Apply(ctx context.Context, userID, displayName string, delta int64, meta EventMeta) (*ApplyResult, error) {
	var result *ApplyResult

	start := time.Now()
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := time.Now()

		// Make sure the row exists before locking it. ON CONFLICT DO
		// NOTHING keeps concurrent first-time applies for the same user
		// from failing; both then contend on the row lock below.
		seed := &models.UserScore{
			UserID:         userID,
			DisplayName:    displayName,
			TotalScore:     0,
			ScoreReachedAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := tx.NewInsert().
			Model(seed).
			On("CONFLICT (user_id) DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to seed user score row: %w", err)
		}

		us := new(models.UserScore)
		if err := tx.NewSelect().
			Model(us).
			Where("user_id = ?", userID).
			For("UPDATE").
			Scan(ctx); err != nil {
			return fmt.Errorf("failed to lock user score row: %w", err)
		}

		newTotal := us.TotalScore + delta
		if newTotal < 0 {
			return ErrInvalidScoreState
		}

		us.UpdatedAt = now
		if newTotal != us.TotalScore {
			us.TotalScore = newTotal
			us.ScoreReachedAt = now
		}
		if displayName != "" && us.DisplayName != displayName {
			us.DisplayName = displayName
		}
		if _, err := tx.NewUpdate().
			Model(us).
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to update user score: %w", err)
		}

		event := &models.ScoreEvent{
			UserID:     userID,
			TokenID:    meta.TokenID,
			ActionType: meta.ActionType,
			Delta:      delta,
			TotalAfter: newTotal,
			ClientIP:   meta.ClientIP,
			UserAgent:  meta.UserAgent,
			CreatedAt:  now,
		}
		if _, err := tx.NewInsert().
			Model(event).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to append score event: %w", err)
		}

		result = &ApplyResult{
			NewTotal:  newTotal,
			ReachedAt: us.ScoreReachedAt,
			Event:     event,
		}
		return nil
	})
	logger.LogQuery("ledger_apply", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ledgerRepository) CurrentScore(ctx context.Context, userID string) (int64, error) {
	us, err := r.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return us.TotalScore, nil
}

func (r *ledgerRepository) GetUser(ctx context.Context, userID string) (*models.UserScore, error) {
	us := new(models.UserScore)
	err := r.db.NewSelect().
		Model(us).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return us, nil
}

func (r *ledgerRepository) AllScores(ctx context.Context) ([]*models.UserScore, error) {
	var scores []*models.UserScore
	start := time.Now()
	err := r.db.NewSelect().
		Model(&scores).
		Order("total_score DESC", "score_reached_at ASC", "user_id ASC").
		Scan(ctx)
	logger.LogQuery("ledger_all_scores", time.Since(start), err)
	return scores, err
}

func (r *ledgerRepository) Events(ctx context.Context) ([]*models.ScoreEvent, error) {
	var events []*models.ScoreEvent
	err := r.db.NewSelect().
		Model(&events).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	return events, err
}

func (r *ledgerRepository) SumScores(ctx context.Context) (int64, error) {
	var sum sql.NullInt64
	err := r.db.NewSelect().
		Model((*models.UserScore)(nil)).
		ColumnExpr("COALESCE(SUM(total_score), 0)").
		Scan(ctx, &sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
