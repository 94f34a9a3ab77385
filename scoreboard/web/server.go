package web

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/luminagames/scoreboard/scoreboard/auth"
	"github.com/luminagames/scoreboard/scoreboard/broadcast"
	"github.com/luminagames/scoreboard/scoreboard/database"
	"github.com/luminagames/scoreboard/scoreboard/database/repositories"
	"github.com/luminagames/scoreboard/scoreboard/leaderboard"
	"github.com/luminagames/scoreboard/scoreboard/scoring"
	"github.com/luminagames/scoreboard/scoreboard/token"
)

// Server bundles the HTTP surface over the leaderboard core.
type Server struct {
	Orchestrator  *scoring.Orchestrator
	Authority     *token.Authority
	Authenticator auth.Authenticator
	Ledger        repositories.LedgerRepository
	Index         *leaderboard.Index
	Snapshots     *leaderboard.SnapshotCache
	Hub           *broadcast.Hub
	DB            *database.DB

	HeartbeatInterval time.Duration

	app *fiber.App
}

// BuildApp sets up the fiber application and its routes.
func (s *Server) BuildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "scoreboard",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(cors.New())
	app.Use(RequestLogger())

	api := app.Group("/api")
	api.Get("/health", HealthCheck(s))
	api.Get("/leaderboard", GetLeaderboard(s))
	api.Get("/rank/:userID", GetRank(s))
	api.Get("/scores/:userID", GetScore(s))
	api.Post("/scores", UpdateScore(s))
	api.Post("/tokens", AuthRequired(s.Authenticator), AdminRequired(), IssueToken(s))
	api.Get("/events", AuthRequired(s.Authenticator), AdminRequired(), GetEvents(s))

	app.Get("/ws", UpgradeRequired(), LiveUpdates(s))

	s.app = app
	return app
}

// Listen serves until the listener fails or Shutdown is called.
func (s *Server) Listen(host string, port int) error {
	if s.app == nil {
		s.BuildApp()
	}
	return s.app.Listen(fmt.Sprintf("%s:%d", host, port))
}

// Shutdown drains the fiber app.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}
