package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/luminagames/scoreboard/scoreboard/database/models"
	"github.com/luminagames/scoreboard/scoreboard/database/repositories"
)

var (
	ErrInvalidActionType = errors.New("action type is not allowed")
	ErrInvalidDelta      = errors.New("delta is outside the bounds for this action type")
	ErrTokenExpired      = errors.New("token has expired")
	ErrTokenAlreadyUsed  = errors.New("token has already been used")
	ErrTokenInvalid      = errors.New("token is unknown or has an invalid signature")
)

// Bounds is the delta range a trusted issuer may grant for one action type.
type Bounds struct {
	MinDelta int64
	MaxDelta int64
}

// Grant is what a successfully consumed token authorizes.
type Grant struct {
	TokenID    string
	UserID     string
	ActionType string
	Delta      int64
}

type payload struct {
	ID         string `json:"id"`
	UserID     string `json:"uid"`
	ActionType string `json:"act"`
	Delta      int64  `json:"d"`
	ExpiresAt  int64  `json:"exp"`
}

// Authority issues and consumes single-use action tokens. The signed wire
// value makes a token self-describing; the database row makes it single-use.
type Authority struct {
	repo       repositories.TokenRepository
	secret     []byte
	defaultTTL time.Duration
	bounds     map[string]Bounds
	now        func() time.Time
}

func NewAuthority(repo repositories.TokenRepository, secret string, defaultTTL time.Duration, bounds map[string]Bounds) *Authority {
	return &Authority{
		repo:       repo,
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		bounds:     bounds,
		now:        time.Now,
	}
}

// Issue validates the action type and delta against the configured bounds,
// durably records the token as unused and returns the signed wire value.
func (a *Authority) Issue(ctx context.Context, userID, actionType string, delta int64, ttl time.Duration) (string, error) {
	b, ok := a.bounds[actionType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidActionType, actionType)
	}
	if delta < b.MinDelta || delta > b.MaxDelta {
		return "", fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidDelta, delta, b.MinDelta, b.MaxDelta)
	}
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	id, err := newTokenID()
	if err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}

	now := a.now()
	record := &models.ActionToken{
		ID:         id,
		UserID:     userID,
		ActionType: actionType,
		Delta:      delta,
		Status:     models.TokenStatusUnused,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := a.repo.Insert(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record token: %w", err)
	}

	value, err := a.sign(payload{
		ID:         id,
		UserID:     userID,
		ActionType: actionType,
		Delta:      delta,
		ExpiresAt:  record.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}

	slog.Debug("Token issued",
		slog.String("type", "score"),
		slog.String("token_id", id),
		slog.String("user_id", userID),
		slog.String("action", actionType),
		slog.Int64("delta", delta))

	return value, nil
}

// VerifyAndConsume checks the signature and expiry of a presented token and
// flips its durable state from unused to used. Under concurrent calls on the
// same token exactly one caller gets the grant; every other caller gets
// ErrTokenAlreadyUsed. A consumed token is never refunded even if a later
// pipeline step rejects the request.
func (a *Authority) VerifyAndConsume(ctx context.Context, value string) (*Grant, error) {
	p, err := a.verify(value)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if now.After(time.Unix(p.ExpiresAt, 0)) {
		return nil, ErrTokenExpired
	}

	record, err := a.repo.Consume(ctx, p.ID, now)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrTokenConsumed):
			return nil, ErrTokenAlreadyUsed
		case errors.Is(err, repositories.ErrTokenNotFound):
			return nil, ErrTokenInvalid
		default:
			return nil, fmt.Errorf("failed to consume token: %w", err)
		}
	}

	// The row is authoritative for the grant; the payload only routed us
	// to it.
	return &Grant{
		TokenID:    record.ID,
		UserID:     record.UserID,
		ActionType: record.ActionType,
		Delta:      record.Delta,
	}, nil
}

// StartSweeper reclaims expired tokens in the background, keeping cleanup
// off the verification hot path. Rows are kept for the grace period past
// expiry so the audit trail can still resolve recent token ids.
func (a *Authority) StartSweeper(ctx context.Context, interval, grace time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				deleted, err := a.repo.DeleteExpiredBefore(sweepCtx, a.now().Add(-grace))
				cancel()
				if err != nil {
					slog.Error("Token sweep failed",
						slog.String("type", "error"),
						slog.Any("error", err))
					continue
				}
				if deleted > 0 {
					slog.Info("Expired tokens reclaimed",
						slog.String("type", "sys"),
						slog.Int64("deleted", deleted))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *Authority) sign(p payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(data) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (a *Authority) verify(value string) (*payload, error) {
	encodedData, encodedSig, ok := strings.Cut(value, ".")
	if !ok {
		return nil, ErrTokenInvalid
	}

	data, err := base64.RawURLEncoding.DecodeString(encodedData)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTokenInvalid
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrTokenInvalid
	}
	if p.ID == "" || p.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return &p, nil
}

func newTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
