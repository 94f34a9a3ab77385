package logger

import (
	"log/slog"
	"time"
)

// LogUpdate logs one pass through the score update pipeline.
func LogUpdate(userID string, actionType string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("type", "score"),
		slog.String("user_id", userID),
		slog.String("action", actionType),
		slog.Duration("took", duration),
	}

	if err != nil {
		slog.Warn("Score update rejected", append(attrs, slog.Any("error", err))...)
	} else {
		slog.Info("Score update applied", attrs...)
	}
}

// LogQuery logs database operations.
func LogQuery(operation string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("type", "db"),
		slog.String("operation", operation),
		slog.Duration("took", duration),
	}

	if err != nil {
		slog.Error("Query failed", append(attrs, slog.Any("error", err))...)
	} else {
		slog.Debug("Query executed", attrs...)
	}
}

// LogSystem logs system events.
func LogSystem(msg string, attrs ...any) {
	baseAttrs := []any{slog.String("type", "sys")}
	slog.Info(msg, append(baseAttrs, attrs...)...)
}

// LogError logs error events.
func LogError(msg string, err error, attrs ...any) {
	baseAttrs := []any{
		slog.String("type", "error"),
		slog.Any("error", err),
	}
	slog.Error(msg, append(baseAttrs, attrs...)...)
}
