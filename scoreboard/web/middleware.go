package web

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/luminagames/scoreboard/scoreboard/auth"
)

const identityLocal = "identity"

// RequestLogger logs HTTP requests in a structured format.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		statusCode := c.Response().StatusCode()
		logLevel := slog.LevelInfo
		if statusCode >= 400 && statusCode < 500 {
			logLevel = slog.LevelWarn
		} else if statusCode >= 500 {
			logLevel = slog.LevelError
		}

		logger := slog.With(
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", statusCode),
			slog.Duration("duration", time.Since(start)),
			slog.String("ip", GetIPAddress(c)),
		)
		if identity := IdentityFromCtx(c); identity != nil {
			logger = logger.With(slog.String("user_id", identity.UserID))
		}
		if err != nil {
			logger = logger.With(slog.String("error", err.Error()))
		}

		message := "HTTP request processed"
		if err != nil {
			message = "HTTP request failed"
		}
		logger.Log(c.Context(), logLevel, message)

		return err
	}
}

// AuthRequired validates the caller's signed credential and stores the
// verified identity on the request context.
func AuthRequired(authenticator auth.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		credential := ExtractCredential(c)
		if credential == "" {
			return SendUnauthorized(c, "Missing credential")
		}

		identity, err := authenticator.Authenticate(c.Context(), credential)
		if err != nil {
			slog.Debug("Credential rejected",
				slog.String("type", "sys"),
				slog.String("ip", GetIPAddress(c)),
				slog.Any("error", err))
			return SendUnauthorized(c, "Invalid or expired credential")
		}

		c.Locals(identityLocal, identity)
		return c.Next()
	}
}

// AdminRequired ensures the authenticated identity carries the admin flag.
// Must run after AuthRequired.
func AdminRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity := IdentityFromCtx(c)
		if identity == nil || !identity.IsAdmin {
			return SendForbidden(c, "Admin access required")
		}

		slog.Info("Admin operation attempted",
			slog.String("type", "sys"),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("user_id", identity.UserID),
			slog.String("ip", GetIPAddress(c)))

		return c.Next()
	}
}

// IdentityFromCtx returns the verified identity set by AuthRequired, or nil.
func IdentityFromCtx(c *fiber.Ctx) *auth.Identity {
	identity, _ := c.Locals(identityLocal).(*auth.Identity)
	return identity
}

// ExtractCredential pulls the signed credential from the Authorization
// header or, failing that, the session cookie.
func ExtractCredential(c *fiber.Ctx) string {
	if header := c.Get("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Cookies("scoreboard_session")
}
