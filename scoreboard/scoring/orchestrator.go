package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/luminagames/scoreboard/scoreboard/auth"
	"github.com/luminagames/scoreboard/scoreboard/broadcast"
	"github.com/luminagames/scoreboard/scoreboard/database/repositories"
	"github.com/luminagames/scoreboard/scoreboard/leaderboard"
	"github.com/luminagames/scoreboard/scoreboard/logger"
	"github.com/luminagames/scoreboard/scoreboard/ratelimit"
	"github.com/luminagames/scoreboard/scoreboard/token"
	"golang.org/x/sync/singleflight"
)

// Reason classifies why an update request was aborted. The values double
// as the stable client-facing error codes.
type Reason string

const (
	ReasonUnauthorized      Reason = "UNAUTHORIZED"
	ReasonTokenExpired      Reason = "TOKEN_EXPIRED"
	ReasonTokenAlreadyUsed  Reason = "TOKEN_ALREADY_USED"
	ReasonTokenInvalid      Reason = "TOKEN_INVALID"
	ReasonRateLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"
	ReasonUserSuspended     Reason = "USER_SUSPENDED"
	ReasonInvalidScoreState Reason = "INVALID_SCORE_STATE"
	ReasonInternal          Reason = "INTERNAL"
)

// AbortError is the terminal failure of one pipeline run.
type AbortError struct {
	Reason Reason
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("score update aborted (%s): %v", e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

func abort(reason Reason, err error) *AbortError {
	return &AbortError{Reason: reason, Err: err}
}

// Request carries one score update attempt through the pipeline.
type Request struct {
	Credential string
	TokenValue string
	ClientIP   string
	UserAgent  string
}

// Result is the successful response to the caller.
type Result struct {
	UserID        string `json:"user_id"`
	NewScore      int64  `json:"new_score"`
	NewRank       int    `json:"new_rank"`
	ScoreIncrease int64  `json:"score_increase"`
}

// TokenVerifier is the slice of the token authority the pipeline needs.
type TokenVerifier interface {
	VerifyAndConsume(ctx context.Context, value string) (*token.Grant, error)
}

// Admitter is the rate limiter's admission gate.
type Admitter interface {
	Admit(userID string) error
}

// Publisher is the broadcast fan-out the pipeline pushes into.
type Publisher interface {
	Publish(deltas []leaderboard.RankDelta, version int64, personal *broadcast.PersonalUpdate)
}

// Orchestrator runs the score update pipeline: authenticate, consume the
// token, admit against the rate limit, apply durably, reindex, broadcast.
// The gate order is fixed; in particular the token is consumed before rate
// admission, and a token spent on a rate-limited request stays spent.
type Orchestrator struct {
	auth     auth.Authenticator
	tokens   TokenVerifier
	limiter  Admitter
	ledger   repositories.LedgerRepository
	index    *leaderboard.Index
	snapshot *leaderboard.SnapshotCache
	hub      Publisher

	rebuilds singleflight.Group
}

func NewOrchestrator(
	authenticator auth.Authenticator,
	tokens TokenVerifier,
	limiter Admitter,
	ledger repositories.LedgerRepository,
	index *leaderboard.Index,
	snapshot *leaderboard.SnapshotCache,
	hub Publisher,
) *Orchestrator {
	return &Orchestrator{
		auth:     authenticator,
		tokens:   tokens,
		limiter:  limiter,
		ledger:   ledger,
		index:    index,
		snapshot: snapshot,
		hub:      hub,
	}
}

// ProcessScoreUpdate drives one request through every pipeline state and
// returns the caller-facing result or an AbortError with a stable reason.
func (o *Orchestrator) ProcessScoreUpdate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	// Received -> Authenticated
	identity, err := o.auth.Authenticate(ctx, req.Credential)
	if err != nil {
		return nil, abort(ReasonUnauthorized, err)
	}

	// Authenticated -> TokenVerified. The consume is atomic; losing here
	// can never leave the token half-spent.
	grant, err := o.tokens.VerifyAndConsume(ctx, req.TokenValue)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrTokenExpired):
			return nil, abort(ReasonTokenExpired, err)
		case errors.Is(err, token.ErrTokenAlreadyUsed):
			return nil, abort(ReasonTokenAlreadyUsed, err)
		case errors.Is(err, token.ErrTokenInvalid):
			return nil, abort(ReasonTokenInvalid, err)
		default:
			return nil, abort(ReasonInternal, err)
		}
	}
	if grant.UserID != identity.UserID {
		// A token is bound to one user; presenting someone else's is
		// treated the same as a forged one.
		return nil, abort(ReasonTokenInvalid,
			fmt.Errorf("token issued to a different user"))
	}

	// TokenVerified -> RateAdmitted. A request rejected here has already
	// spent its token; refunding would reopen the double-spend race.
	if err := o.limiter.Admit(identity.UserID); err != nil {
		logger.LogUpdate(identity.UserID, grant.ActionType, time.Since(start), err)
		if errors.Is(err, ratelimit.ErrUserSuspended) {
			return nil, abort(ReasonUserSuspended, err)
		}
		return nil, abort(ReasonRateLimitExceeded, err)
	}

	// RateAdmitted -> Applied. The delta comes from the token grant, never
	// from the client. One internal retry for transient store failures.
	meta := repositories.EventMeta{
		TokenID:    grant.TokenID,
		ActionType: grant.ActionType,
		ClientIP:   req.ClientIP,
		UserAgent:  req.UserAgent,
	}
	applied, err := o.applyWithRetry(ctx, identity, grant.Delta, meta)
	if err != nil {
		if errors.Is(err, repositories.ErrInvalidScoreState) {
			logger.LogError("Score update hit invariant violation", err,
				slog.String("user_id", identity.UserID),
				slog.String("token_id", grant.TokenID))
			return nil, abort(ReasonInvalidScoreState, err)
		}
		return nil, abort(ReasonInternal, err)
	}

	// Applied -> Reindexed. In-memory, cannot fail; an index that
	// disagrees afterwards is rebuilt from the ledger and retried. A
	// higher indexed total is fine: it means a concurrent request for the
	// same user applied a newer total and its reindex already landed.
	newRank, deltas := o.index.Update(identity.UserID, applied.NewTotal, applied.ReachedAt)
	if indexed, ierr := o.index.Score(identity.UserID); ierr != nil || indexed < applied.NewTotal {
		slog.Warn("Leaderboard index inconsistent after update, rebuilding",
			slog.String("type", "score"),
			slog.String("user_id", identity.UserID))
		if rerr := o.RebuildFromLedger(ctx); rerr != nil {
			return nil, abort(ReasonInternal, rerr)
		}
		newRank, deltas = o.index.Update(identity.UserID, applied.NewTotal, applied.ReachedAt)
	}

	// Reindexed -> Broadcast. Best-effort relative to the durable apply:
	// nothing past this point may fail the request.
	o.snapshot.RememberName(identity.UserID, identity.DisplayName)
	snap := o.snapshot.Refresh(ctx, o.index.Top(o.snapshot.Size()))

	oldRank := newRank
	for _, d := range deltas {
		if d.UserID == identity.UserID {
			oldRank = d.OldRank
			break
		}
	}
	o.hub.Publish(deltas, snap.Version, &broadcast.PersonalUpdate{
		UserID:   identity.UserID,
		OldRank:  oldRank,
		NewRank:  newRank,
		Delta:    grant.Delta,
		NewScore: applied.NewTotal,
	})

	logger.LogUpdate(identity.UserID, grant.ActionType, time.Since(start), nil)

	// Broadcast -> Responded
	return &Result{
		UserID:        identity.UserID,
		NewScore:      applied.NewTotal,
		NewRank:       newRank,
		ScoreIncrease: grant.Delta,
	}, nil
}

func (o *Orchestrator) applyWithRetry(ctx context.Context, identity *auth.Identity, delta int64, meta repositories.EventMeta) (*repositories.ApplyResult, error) {
	applied, err := o.ledger.Apply(ctx, identity.UserID, identity.DisplayName, delta, meta)
	if err == nil || errors.Is(err, repositories.ErrInvalidScoreState) {
		return applied, err
	}

	slog.Warn("Ledger apply failed, retrying once",
		slog.String("type", "db"),
		slog.String("user_id", identity.UserID),
		slog.Any("error", err))

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return o.ledger.Apply(ctx, identity.UserID, identity.DisplayName, delta, meta)
}

// RebuildFromLedger recomputes the index and snapshot from the durable
// store. Concurrent callers share one rebuild.
func (o *Orchestrator) RebuildFromLedger(ctx context.Context) error {
	_, err, _ := o.rebuilds.Do("rebuild", func() (interface{}, error) {
		scores, err := o.ledger.AllScores(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load scores for rebuild: %w", err)
		}

		entries := make([]leaderboard.Entry, 0, len(scores))
		for _, s := range scores {
			entries = append(entries, leaderboard.Entry{
				UserID:    s.UserID,
				Score:     s.TotalScore,
				ReachedAt: s.ScoreReachedAt,
			})
			o.snapshot.RememberName(s.UserID, s.DisplayName)
		}

		o.index.Rebuild(entries)
		o.snapshot.Refresh(ctx, o.index.Top(o.snapshot.Size()))

		logger.LogSystem("Leaderboard index rebuilt from ledger",
			slog.Int("users", len(entries)))
		return nil, nil
	})
	return err
}

// StartReconciler periodically compares the index against the ledger and
// rebuilds on divergence. This catches updates whose request timed out
// after the durable apply but before reindexing.
func (o *Orchestrator) StartReconciler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				o.reconcile(checkCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	ledgerSum, err := o.ledger.SumScores(ctx)
	if err != nil {
		logger.LogError("Reconciliation sum query failed", err)
		return
	}

	if indexSum := o.index.SumScores(); indexSum != ledgerSum {
		slog.Warn("Index diverged from ledger, rebuilding",
			slog.String("type", "score"),
			slog.Int64("index_sum", indexSum),
			slog.Int64("ledger_sum", ledgerSum))
		if err := o.RebuildFromLedger(ctx); err != nil {
			logger.LogError("Index rebuild failed", err)
		}
	}
}
