package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luminagames/scoreboard/scoreboard/auth"
	"github.com/luminagames/scoreboard/scoreboard/broadcast"
	"github.com/luminagames/scoreboard/scoreboard/database/models"
	"github.com/luminagames/scoreboard/scoreboard/database/repositories"
	"github.com/luminagames/scoreboard/scoreboard/leaderboard"
	"github.com/luminagames/scoreboard/scoreboard/ratelimit"
	"github.com/luminagames/scoreboard/scoreboard/token"
)

type fakeAuth struct {
	identity *auth.Identity
	err      error
}

func (f *fakeAuth) Authenticate(_ context.Context, _ string) (*auth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

type fakeTokens struct {
	mu       sync.Mutex
	grant    *token.Grant
	err      error
	consumed int
}

func (f *fakeTokens) VerifyAndConsume(_ context.Context, _ string) (*token.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.consumed++
	return f.grant, nil
}

func (f *fakeTokens) consumedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed
}

type fakeLimiter struct {
	err    error
	admits int
}

func (f *fakeLimiter) Admit(_ string) error {
	if f.err != nil {
		return f.err
	}
	f.admits++
	return nil
}

// fakeLedger is an in-memory ledger that can be primed to fail the next
// N applies, either transiently or with an invariant violation.
type fakeLedger struct {
	mu        sync.Mutex
	totals    map[string]int64
	reached   map[string]time.Time
	applies   int
	allScores int
	failNext  int
	failWith  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		totals:  make(map[string]int64),
		reached: make(map[string]time.Time),
	}
}

func (f *fakeLedger) Apply(_ context.Context, userID, _ string, delta int64, _ repositories.EventMeta) (*repositories.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.failNext > 0 {
		f.failNext--
		return nil, f.failWith
	}
	if f.totals[userID]+delta < 0 {
		return nil, repositories.ErrInvalidScoreState
	}
	if delta != 0 {
		f.totals[userID] += delta
		f.reached[userID] = time.Now()
	}
	return &repositories.ApplyResult{
		NewTotal:  f.totals[userID],
		ReachedAt: f.reached[userID],
	}, nil
}

func (f *fakeLedger) CurrentScore(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, ok := f.totals[userID]
	if !ok {
		return 0, repositories.ErrUserNotFound
	}
	return total, nil
}

func (f *fakeLedger) GetUser(_ context.Context, userID string) (*models.UserScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, ok := f.totals[userID]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	return &models.UserScore{UserID: userID, DisplayName: userID, TotalScore: total}, nil
}

func (f *fakeLedger) AllScores(_ context.Context) ([]*models.UserScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allScores++
	out := make([]*models.UserScore, 0, len(f.totals))
	for id, total := range f.totals {
		out = append(out, &models.UserScore{
			UserID:         id,
			DisplayName:    id,
			TotalScore:     total,
			ScoreReachedAt: f.reached[id],
		})
	}
	return out, nil
}

func (f *fakeLedger) Events(_ context.Context) ([]*models.ScoreEvent, error) {
	return nil, nil
}

func (f *fakeLedger) SumScores(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, total := range f.totals {
		sum += total
	}
	return sum, nil
}

func (f *fakeLedger) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}

func (f *fakeLedger) allScoresCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allScores
}

type publishCall struct {
	deltas   []leaderboard.RankDelta
	version  int64
	personal *broadcast.PersonalUpdate
}

type fakeHub struct {
	mu    sync.Mutex
	calls []publishCall
}

func (f *fakeHub) Publish(deltas []leaderboard.RankDelta, version int64, personal *broadcast.PersonalUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{deltas: deltas, version: version, personal: personal})
}

func (f *fakeHub) published() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type pipelineFixture struct {
	orch    *Orchestrator
	auth    *fakeAuth
	tokens  *fakeTokens
	limiter *fakeLimiter
	ledger  *fakeLedger
	index   *leaderboard.Index
	hub     *fakeHub
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()

	identity := &auth.Identity{
		UserID:      "alice",
		DisplayName: "Alice",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	grant := &token.Grant{
		TokenID:    "tok-1",
		UserID:     "alice",
		ActionType: "match_win",
		Delta:      300,
	}

	fx := &pipelineFixture{
		auth:    &fakeAuth{identity: identity},
		tokens:  &fakeTokens{grant: grant},
		limiter: &fakeLimiter{},
		ledger:  newFakeLedger(),
		index:   leaderboard.NewIndex(),
		hub:     &fakeHub{},
	}

	snapshots, err := leaderboard.NewSnapshotCache(10, 16, func(_ context.Context, userID string) (string, error) {
		return userID, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fx.orch = NewOrchestrator(fx.auth, fx.tokens, fx.limiter, fx.ledger, fx.index, snapshots, fx.hub)
	return fx
}

func TestOrchestrator_SuccessfulUpdate(t *testing.T) {
	fx := newPipeline(t)

	result, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{
		Credential: "cred",
		TokenValue: "tok",
		ClientIP:   "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("ProcessScoreUpdate() error = %v", err)
	}

	if result.UserID != "alice" || result.NewScore != 300 || result.NewRank != 1 || result.ScoreIncrease != 300 {
		t.Errorf("result = %+v, want alice score 300 rank 1 increase 300", result)
	}
	if got, _ := fx.ledger.CurrentScore(context.Background(), "alice"); got != 300 {
		t.Errorf("ledger total = %d, want 300", got)
	}
	if rank, err := fx.index.RankOf("alice"); err != nil || rank != 1 {
		t.Errorf("index rank = %d, %v, want 1", rank, err)
	}

	calls := fx.hub.published()
	if len(calls) != 1 {
		t.Fatalf("Publish calls = %d, want 1", len(calls))
	}
	personal := calls[0].personal
	if personal == nil || personal.UserID != "alice" || personal.NewScore != 300 || personal.Delta != 300 {
		t.Errorf("personal update = %+v", personal)
	}
}

func TestOrchestrator_DeltaComesFromGrantOnly(t *testing.T) {
	fx := newPipeline(t)
	fx.tokens.grant.Delta = 42

	// Nothing in the request carries an amount; the applied increase must
	// be the token's granted delta.
	result, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	if err != nil {
		t.Fatalf("ProcessScoreUpdate() error = %v", err)
	}
	if result.ScoreIncrease != 42 || result.NewScore != 42 {
		t.Errorf("result = %+v, want increase 42", result)
	}
}

func TestOrchestrator_UnauthorizedSkipsTokenConsume(t *testing.T) {
	fx := newPipeline(t)
	fx.auth.err = auth.ErrUnauthorized

	_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "bad", TokenValue: "tok"})
	assertAbort(t, err, ReasonUnauthorized)

	if fx.tokens.consumedCount() != 0 {
		t.Errorf("token consumed on unauthorized request")
	}
	if fx.ledger.applyCount() != 0 {
		t.Errorf("ledger touched on unauthorized request")
	}
}

func TestOrchestrator_TokenErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		tokenErr error
		want     Reason
	}{
		{"expired", token.ErrTokenExpired, ReasonTokenExpired},
		{"already used", token.ErrTokenAlreadyUsed, ReasonTokenAlreadyUsed},
		{"invalid", token.ErrTokenInvalid, ReasonTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newPipeline(t)
			fx.tokens.err = tt.tokenErr

			_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
			assertAbort(t, err, tt.want)

			if fx.ledger.applyCount() != 0 {
				t.Errorf("ledger touched after token rejection")
			}
		})
	}
}

func TestOrchestrator_TokenForDifferentUserRejected(t *testing.T) {
	fx := newPipeline(t)
	fx.tokens.grant.UserID = "mallory"

	_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	assertAbort(t, err, ReasonTokenInvalid)
}

func TestOrchestrator_RateLimitedAfterTokenSpent(t *testing.T) {
	fx := newPipeline(t)
	fx.limiter.err = ratelimit.ErrRateLimitExceeded

	_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	assertAbort(t, err, ReasonRateLimitExceeded)

	// The token is consumed before rate admission and stays consumed.
	if fx.tokens.consumedCount() != 1 {
		t.Errorf("token consumed count = %d, want 1", fx.tokens.consumedCount())
	}
	if fx.ledger.applyCount() != 0 {
		t.Errorf("ledger touched on rate-limited request")
	}
}

func TestOrchestrator_SuspendedUser(t *testing.T) {
	fx := newPipeline(t)
	fx.limiter.err = ratelimit.ErrUserSuspended

	_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	assertAbort(t, err, ReasonUserSuspended)
}

func TestOrchestrator_RetriesTransientApplyFailure(t *testing.T) {
	fx := newPipeline(t)
	fx.ledger.failNext = 1
	fx.ledger.failWith = errors.New("connection reset")

	result, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	if err != nil {
		t.Fatalf("ProcessScoreUpdate() error = %v, want retry to succeed", err)
	}
	if result.NewScore != 300 {
		t.Errorf("NewScore = %d, want 300", result.NewScore)
	}
	if fx.ledger.applyCount() != 2 {
		t.Errorf("apply count = %d, want 2 (one failure, one retry)", fx.ledger.applyCount())
	}
}

func TestOrchestrator_NoRetryOnInvariantViolation(t *testing.T) {
	fx := newPipeline(t)
	fx.tokens.grant.Delta = -50

	_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	assertAbort(t, err, ReasonInvalidScoreState)

	if fx.ledger.applyCount() != 1 {
		t.Errorf("apply count = %d, want 1 (invariant failures are not retried)", fx.ledger.applyCount())
	}
}

func TestOrchestrator_PersistentFailureIsInternal(t *testing.T) {
	fx := newPipeline(t)
	fx.ledger.failNext = 2
	fx.ledger.failWith = errors.New("connection reset")

	_, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	assertAbort(t, err, ReasonInternal)
}

func TestOrchestrator_PersonalUpdateCarriesOldRank(t *testing.T) {
	fx := newPipeline(t)

	// Pre-seed the board: alice holds rank 4 with 1000 points.
	base := time.Now()
	seed := map[string]int64{"u1": 2000, "u2": 1250, "u3": 1100, "alice": 1000}
	for id, score := range seed {
		fx.ledger.totals[id] = score
		fx.ledger.reached[id] = base
		fx.index.Update(id, score, base)
	}

	result, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"})
	if err != nil {
		t.Fatalf("ProcessScoreUpdate() error = %v", err)
	}
	if result.NewScore != 1300 || result.NewRank != 2 {
		t.Errorf("result = %+v, want score 1300 rank 2", result)
	}

	calls := fx.hub.published()
	if len(calls) != 1 {
		t.Fatalf("Publish calls = %d, want 1", len(calls))
	}
	personal := calls[0].personal
	if personal.OldRank != 4 || personal.NewRank != 2 {
		t.Errorf("personal ranks = %d -> %d, want 4 -> 2", personal.OldRank, personal.NewRank)
	}
	if len(calls[0].deltas) != 3 {
		t.Errorf("delta count = %d, want 3 (alice plus the two displaced users)", len(calls[0].deltas))
	}
}

func TestOrchestrator_IndexSumMatchesLedgerAfterUpdates(t *testing.T) {
	fx := newPipeline(t)

	for i := 0; i < 3; i++ {
		if _, err := fx.orch.ProcessScoreUpdate(context.Background(), Request{Credential: "cred", TokenValue: "tok"}); err != nil {
			t.Fatalf("update %d failed: %v", i+1, err)
		}
	}

	ledgerSum, err := fx.ledger.SumScores(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := fx.index.SumScores(); got != ledgerSum {
		t.Errorf("index sum = %d, ledger sum = %d, want equal", got, ledgerSum)
	}
	if ledgerSum != 900 {
		t.Errorf("ledger sum = %d, want 900 after three 300-point updates", ledgerSum)
	}
}

func TestOrchestrator_ReconcileRebuildsOnDivergence(t *testing.T) {
	fx := newPipeline(t)
	fx.ledger.totals["u1"] = 500
	fx.ledger.reached["u1"] = time.Now()

	// The index missed the applied event; sums disagree.
	fx.orch.reconcile(context.Background())

	if got := fx.index.SumScores(); got != 500 {
		t.Errorf("index sum after reconcile = %d, want 500", got)
	}
	if rank, err := fx.index.RankOf("u1"); err != nil || rank != 1 {
		t.Errorf("RankOf(u1) = %d, %v, want 1 after rebuild", rank, err)
	}
}

func TestOrchestrator_ReconcileLeavesConsistentIndexAlone(t *testing.T) {
	fx := newPipeline(t)
	now := time.Now()
	fx.ledger.totals["u1"] = 500
	fx.ledger.reached["u1"] = now
	fx.index.Update("u1", 500, now)

	fx.orch.reconcile(context.Background())

	if got := fx.ledger.allScoresCount(); got != 0 {
		t.Errorf("reconcile rebuilt a consistent index (%d ledger scans)", got)
	}
}

func TestOrchestrator_RebuildFromLedger(t *testing.T) {
	fx := newPipeline(t)
	fx.ledger.totals["u1"] = 500
	fx.ledger.totals["u2"] = 900
	fx.ledger.reached["u1"] = time.Now()
	fx.ledger.reached["u2"] = time.Now()

	if err := fx.orch.RebuildFromLedger(context.Background()); err != nil {
		t.Fatalf("RebuildFromLedger() error = %v", err)
	}

	if fx.index.Len() != 2 {
		t.Errorf("index length = %d, want 2", fx.index.Len())
	}
	if rank, _ := fx.index.RankOf("u2"); rank != 1 {
		t.Errorf("u2 rank = %d, want 1", rank)
	}
}

func assertAbort(t *testing.T, err error, want Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected abort with reason %s, got nil error", want)
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("error %v is not an AbortError", err)
	}
	if abortErr.Reason != want {
		t.Fatalf("abort reason = %s, want %s", abortErr.Reason, want)
	}
}
