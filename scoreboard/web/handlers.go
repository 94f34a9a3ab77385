package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/luminagames/scoreboard/scoreboard/database/repositories"
	"github.com/luminagames/scoreboard/scoreboard/leaderboard"
	"github.com/luminagames/scoreboard/scoreboard/scoring"
	"github.com/luminagames/scoreboard/scoreboard/token"
)

type UpdateScoreRequest struct {
	Token      string `json:"token"`
	ActionType string `json:"action_type"`
	Timestamp  int64  `json:"timestamp"`
}

// UpdateScore runs one request through the score update pipeline. The
// pipeline does its own authentication so that the auth, token, rate and
// apply gates always run in their fixed order.
func UpdateScore(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req UpdateScoreRequest
		if err := c.BodyParser(&req); err != nil {
			return SendBadRequest(c, "Invalid request body")
		}
		if req.Token == "" {
			return SendBadRequest(c, "Missing action token")
		}

		result, err := s.Orchestrator.ProcessScoreUpdate(c.Context(), scoring.Request{
			Credential: ExtractCredential(c),
			TokenValue: req.Token,
			ClientIP:   GetIPAddress(c),
			UserAgent:  c.Get("User-Agent"),
		})
		if err != nil {
			var abortErr *scoring.AbortError
			if errors.As(err, &abortErr) {
				return SendError(c, abortStatus(abortErr.Reason), string(abortErr.Reason), abortMessage(abortErr.Reason))
			}
			return SendInternalServerError(c, "Score update failed")
		}

		return SendSuccess(c, result, "Score updated")
	}
}

func abortStatus(reason scoring.Reason) int {
	switch reason {
	case scoring.ReasonUnauthorized:
		return http.StatusUnauthorized
	case scoring.ReasonTokenExpired, scoring.ReasonTokenAlreadyUsed, scoring.ReasonTokenInvalid:
		return http.StatusForbidden
	case scoring.ReasonRateLimitExceeded, scoring.ReasonUserSuspended:
		return http.StatusTooManyRequests
	case scoring.ReasonInvalidScoreState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func abortMessage(reason scoring.Reason) string {
	switch reason {
	case scoring.ReasonUnauthorized:
		return "Missing or invalid credential"
	case scoring.ReasonTokenExpired:
		return "Action token has expired"
	case scoring.ReasonTokenAlreadyUsed:
		return "Action token has already been used"
	case scoring.ReasonTokenInvalid:
		return "Action token is invalid"
	case scoring.ReasonRateLimitExceeded:
		return "Too many score updates, slow down"
	case scoring.ReasonUserSuspended:
		return "Score updates temporarily suspended for this user"
	case scoring.ReasonInvalidScoreState:
		return "Score update rejected"
	default:
		return "Temporary failure, please retry"
	}
}

// GetLeaderboard returns the current top-N snapshot.
func GetLeaderboard(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snapshot := s.Snapshots.Current()
		return SendSuccess(c, snapshot, "")
	}
}

type rankResponse struct {
	UserID string `json:"user_id"`
	Rank   int    `json:"rank"`
	Score  int64  `json:"score"`
}

// GetRank returns one user's current rank and score.
func GetRank(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Params("userID")

		rank, err := s.Index.RankOf(userID)
		if err != nil {
			if errors.Is(err, leaderboard.ErrNotRanked) {
				return SendNotFound(c, "User is not ranked")
			}
			return SendInternalServerError(c, "Rank lookup failed")
		}
		score, err := s.Index.Score(userID)
		if err != nil {
			return SendInternalServerError(c, "Rank lookup failed")
		}

		return SendSuccess(c, rankResponse{UserID: userID, Rank: rank, Score: score}, "")
	}
}

type IssueTokenRequest struct {
	UserID     string `json:"user_id"`
	ActionType string `json:"action_type"`
	Delta      int64  `json:"delta"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// IssueToken mints an action token for a user, exposed to trusted game
// services behind the admin guard.
func IssueToken(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req IssueTokenRequest
		if err := c.BodyParser(&req); err != nil {
			return SendBadRequest(c, "Invalid request body")
		}
		if req.UserID == "" || req.ActionType == "" {
			return SendBadRequest(c, "user_id and action_type are required")
		}

		value, err := s.Authority.Issue(c.Context(), req.UserID, req.ActionType, req.Delta, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrInvalidActionType):
				return SendError(c, http.StatusBadRequest, "INVALID_ACTION_TYPE", err.Error())
			case errors.Is(err, token.ErrInvalidDelta):
				return SendError(c, http.StatusBadRequest, "INVALID_DELTA", err.Error())
			default:
				return SendInternalServerError(c, "Token issuance failed")
			}
		}

		return SendSuccess(c, fiber.Map{"token": value}, "Token issued")
	}
}

// GetScore returns a user's durable total from the ledger.
func GetScore(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Params("userID")

		score, err := s.Ledger.CurrentScore(c.Context(), userID)
		if err != nil {
			if errors.Is(err, repositories.ErrUserNotFound) {
				return SendNotFound(c, "User not found")
			}
			return SendInternalServerError(c, "Score lookup failed")
		}

		return SendSuccess(c, fiber.Map{"user_id": userID, "score": score}, "")
	}
}

// GetEvents returns the append-only score event log, exposed for audit
// behind the admin guard.
func GetEvents(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		events, err := s.Ledger.Events(c.Context())
		if err != nil {
			return SendInternalServerError(c, "Event log lookup failed")
		}
		return SendSuccess(c, fiber.Map{"events": events, "count": len(events)}, "")
	}
}

// HealthCheck reports process and database health.
func HealthCheck(s *Server) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := s.DB.Ping(c.Context()); err != nil {
			return SendError(c, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE", "Database ping failed")
		}
		return SendSuccess(c, fiber.Map{
			"status":      "ok",
			"subscribers": s.Hub.SubscriberCount(),
			"ranked":      s.Index.Len(),
		}, "")
	}
}
