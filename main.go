package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luminagames/scoreboard/scoreboard"
	"github.com/luminagames/scoreboard/scoreboard/auth"
	"github.com/luminagames/scoreboard/scoreboard/broadcast"
	"github.com/luminagames/scoreboard/scoreboard/database"
	"github.com/luminagames/scoreboard/scoreboard/database/repositories"
	"github.com/luminagames/scoreboard/scoreboard/leaderboard"
	"github.com/luminagames/scoreboard/scoreboard/logger"
	"github.com/luminagames/scoreboard/scoreboard/ratelimit"
	"github.com/luminagames/scoreboard/scoreboard/scoring"
	"github.com/luminagames/scoreboard/scoreboard/token"
	"github.com/luminagames/scoreboard/scoreboard/web"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	customHandler := logger.NewHandler("scoreboard")
	slog.SetDefault(slog.New(customHandler))

	slog.Info("Starting scoreboard service",
		slog.String("version", version),
		slog.String("commit", commit))

	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := scoreboard.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	customHandler.SetLevel(cfg.Log.Level)
	slog.Info("Configuration loaded successfully")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	dbStartTime := time.Now()
	db, err := database.New(ctx, database.DBConfig{
		Host:         cfg.DB.Host,
		Port:         cfg.DB.Port,
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Database:     cfg.DB.Database,
		PoolSize:     cfg.DB.PoolSize,
		MaxIdleConns: cfg.DB.MaxIdleConns,
		MaxLifetime:  cfg.DB.MaxLifetime,
	})
	if err != nil {
		cancel()
		slog.Error("Database connection failed",
			slog.String("error", err.Error()),
			slog.Duration("attempted_for", time.Since(dbStartTime)))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitializeSchema(ctx); err != nil {
		cancel()
		slog.Error("Failed to initialize database schema", slog.Any("error", err))
		os.Exit(1)
	}
	cancel()
	slog.Info("Database ready",
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStartTime)))

	ledgerRepo := repositories.NewLedgerRepository(db.BunDB())
	tokenRepo := repositories.NewTokenRepository(db.BunDB())

	bounds := make(map[string]token.Bounds, len(cfg.Token.Bounds))
	for action, b := range cfg.Token.Bounds {
		bounds[action] = token.Bounds{MinDelta: b.MinDelta, MaxDelta: b.MaxDelta}
	}
	authority := token.NewAuthority(tokenRepo, cfg.Token.Secret, cfg.Token.TTL.Std(), bounds)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:              cfg.RateLimit.Window.Std(),
		Limit:               cfg.RateLimit.Limit,
		SuspensionThreshold: cfg.RateLimit.SuspensionThreshold,
		SuspensionCooldown:  cfg.RateLimit.SuspensionCooldown.Std(),
	})

	index := leaderboard.NewIndex()
	snapshots, err := leaderboard.NewSnapshotCache(
		cfg.Leaderboard.SnapshotSize,
		cfg.Leaderboard.NameCacheSize,
		func(ctx context.Context, userID string) (string, error) {
			user, err := ledgerRepo.GetUser(ctx, userID)
			if err != nil {
				return "", err
			}
			return user.DisplayName, nil
		},
	)
	if err != nil {
		slog.Error("Failed to build snapshot cache", slog.Any("error", err))
		os.Exit(1)
	}

	hub := broadcast.NewHub(snapshots, cfg.Broadcast.QueueSize)
	authenticator := auth.NewHMACAuthenticator(cfg.Auth.SessionSecret)

	orchestrator := scoring.NewOrchestrator(authenticator, authority, limiter, ledgerRepo, index, snapshots, hub)

	// Warm the index from the ledger before serving.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := orchestrator.RebuildFromLedger(warmCtx); err != nil {
		warmCancel()
		slog.Error("Failed to build leaderboard index", slog.Any("error", err))
		os.Exit(1)
	}
	warmCancel()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter.StartCleanup(runCtx)
	authority.StartSweeper(runCtx, cfg.Token.SweepInterval.Std(), cfg.Token.RetentionGrace.Std())
	orchestrator.StartReconciler(runCtx, cfg.Leaderboard.ReconcileInterval.Std())

	server := &web.Server{
		Orchestrator:      orchestrator,
		Authority:         authority,
		Authenticator:     authenticator,
		Ledger:            ledgerRepo,
		Index:             index,
		Snapshots:         snapshots,
		Hub:               hub,
		DB:                db,
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval.Std(),
	}
	server.BuildApp()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.LogSystem("Serving",
			slog.String("host", cfg.Server.Host),
			slog.Int("port", cfg.Server.Port))
		return server.Listen(cfg.Server.Host, cfg.Server.Port)
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Shutdown()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.LogError("Service exited with error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
