package repositories

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/luminagames/scoreboard/scoreboard/database/models"
	"github.com/uptrace/bun"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenConsumed = errors.New("token already consumed")
)

type TokenRepository interface {
	Insert(ctx context.Context, token *models.ActionToken) error
	Get(ctx context.Context, id string) (*models.ActionToken, error)
	// Consume flips the token from unused to used in one conditional
	// update. Exactly one of N concurrent callers gets the row back;
	// the rest get ErrTokenConsumed (or ErrTokenNotFound for an id that
	// was never issued or already swept).
	Consume(ctx context.Context, id string, now time.Time) (*models.ActionToken, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type tokenRepository struct {
	db *bun.DB
}

func NewTokenRepository(db *bun.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) Insert(ctx context.Context, token *models.ActionToken) error {
	_, err := r.db.NewInsert().Model(token).Exec(ctx)
	return err
}

func (r *tokenRepository) Get(ctx context.Context, id string) (*models.ActionToken, error) {
	token := new(models.ActionToken)
	err := r.db.NewSelect().
		Model(token).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

func (r *tokenRepository) Consume(ctx context.Context, id string, now time.Time) (*models.ActionToken, error) {
	token := new(models.ActionToken)
	res, err := r.db.NewUpdate().
		Model(token).
		Set("status = ?", models.TokenStatusUsed).
		Set("used_at = ?", now).
		Where("id = ? AND status = ?", id, models.TokenStatusUnused).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race or never issued; look at the row to tell which.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTokenConsumed
	}

	slog.Debug("Token consumed",
		slog.String("type", "db"),
		slog.String("token_id", id),
		slog.String("user_id", token.UserID))

	return token, nil
}

func (r *tokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*models.ActionToken)(nil)).
		Where("expires_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
