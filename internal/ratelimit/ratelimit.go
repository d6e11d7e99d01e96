// ABOUTME: Sliding-window rate limiter for tool calls, keyed by user and server config.
// ABOUTME: Counts recent calls from the audit log and fails open when storage is unavailable.

package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/toolhost/internal/store"
)

// Default quota: calls allowed per config per user within the window.
const (
	DefaultLimit  = 100
	DefaultWindow = time.Hour
)

// RemainingUnknown is the remaining-count hint when the store could not be
// consulted and the call was allowed anyway.
const RemainingUnknown = -1

// Limiter enforces a per-(user, config) sliding-window quota backed by the
// call log. It deliberately has no in-memory state: the window is recomputed
// from storage on every check, so restarts cannot reset a user's quota.
type Limiter struct {
	store  store.CallLogStore
	limit  int
	window time.Duration
	logger *slog.Logger
}

// New creates a limiter over the given call log. Non-positive limit or
// window fall back to the defaults.
func New(st store.CallLogStore, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  st,
		limit:  limit,
		window: window,
		logger: logger.With("component", "ratelimit"),
	}
}

// Limit returns the configured quota.
func (l *Limiter) Limit() int {
	return l.limit
}

// Window returns the configured window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check reports whether the user may invoke a tool on the given config now,
// and how many calls remain in the window. A storage failure fails open:
// the call is allowed with RemainingUnknown, and the failure is logged.
// Checking never consumes quota; only recorded calls count.
func (l *Limiter) Check(ctx context.Context, userID, configID string) (bool, int) {
	since := time.Now().UTC().Add(-l.window)

	count, err := l.store.CountCallsSince(ctx, userID, configID, since)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing call",
			"user_id", userID,
			"config_id", configID,
			"error", err,
		)
		return true, RemainingUnknown
	}

	remaining := l.limit - count
	if remaining <= 0 {
		l.logger.Info("rate limit exceeded",
			"user_id", userID,
			"config_id", configID,
			"count", count,
			"limit", l.limit,
		)
		return false, 0
	}
	return true, remaining
}

// Record persists one call outcome to the audit log. Storage failures are
// logged, never returned: recording must not break an execution that
// already happened.
func (l *Limiter) Record(ctx context.Context, rec *store.ToolCallRecord) {
	if err := l.store.RecordCall(ctx, rec); err != nil {
		l.logger.Error("failed to record tool call",
			"user_id", rec.UserID,
			"config_id", rec.ConfigID,
			"tool", rec.ToolName,
			"error", err,
		)
	}
}
