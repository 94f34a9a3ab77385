package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUserSuspended     = errors.New("user admission suspended")
)

// Limiter is a per-user sliding-window admission gate. Each user carries an
// ordered list of admitted-event timestamps; admission counts the entries
// inside [now-window, now]. Repeated violations escalate to a timed
// suspension that overrides the window entirely until the cooldown elapses.
type Limiter struct {
	mu             sync.Mutex
	windows        map[string][]time.Time
	violations     map[string]int
	suspendedUntil map[string]time.Time

	window    time.Duration
	limit     int
	threshold int
	cooldown  time.Duration

	now func() time.Time
}

type Config struct {
	Window              time.Duration
	Limit               int
	SuspensionThreshold int
	SuspensionCooldown  time.Duration
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		windows:        make(map[string][]time.Time),
		violations:     make(map[string]int),
		suspendedUntil: make(map[string]time.Time),
		window:         cfg.Window,
		limit:          cfg.Limit,
		threshold:      cfg.SuspensionThreshold,
		cooldown:       cfg.SuspensionCooldown,
		now:            time.Now,
	}
}

// Admit decides whether one more event for userID may proceed. It returns
// nil and records the event, or ErrRateLimitExceeded / ErrUserSuspended.
// The single mutex makes the check-and-record atomic, so two concurrent
// requests for a user at the limit cannot both pass.
func (l *Limiter) Admit(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if until, ok := l.suspendedUntil[userID]; ok {
		if now.Before(until) {
			return ErrUserSuspended
		}
		// Cooldown elapsed; suspension and penalty history clear together.
		delete(l.suspendedUntil, userID)
		delete(l.violations, userID)
	}

	cutoff := now.Add(-l.window)
	valid := l.windows[userID][:0]
	for _, ts := range l.windows[userID] {
		// Window is inclusive on both ends: an event exactly window-old
		// still counts.
		if !ts.Before(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= l.limit {
		l.windows[userID] = valid
		l.violations[userID]++
		if l.threshold > 0 && l.violations[userID] >= l.threshold {
			l.suspendedUntil[userID] = now.Add(l.cooldown)
			slog.Warn("User suspended after repeated rate violations",
				slog.String("type", "score"),
				slog.String("user_id", userID),
				slog.Int("violations", l.violations[userID]),
				slog.Duration("cooldown", l.cooldown))
			return ErrUserSuspended
		}
		return ErrRateLimitExceeded
	}

	l.windows[userID] = append(valid, now)
	delete(l.violations, userID)
	return nil
}

// Suspended reports whether the user is currently under escalated suspension.
func (l *Limiter) Suspended(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.suspendedUntil[userID]
	return ok && l.now().Before(until)
}

// StartCleanup prunes idle windows and elapsed suspensions in the
// background so the maps do not grow with every user ever seen.
func (l *Limiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window * 2) // keep some buffer

	for userID, requests := range l.windows {
		valid := requests[:0]
		for _, ts := range requests {
			if ts.After(cutoff) {
				valid = append(valid, ts)
			}
		}
		if len(valid) == 0 {
			delete(l.windows, userID)
		} else {
			l.windows[userID] = valid
		}
	}

	for userID, until := range l.suspendedUntil {
		if now.After(until) {
			delete(l.suspendedUntil, userID)
			delete(l.violations, userID)
		}
	}
}
