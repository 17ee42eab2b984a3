// Package ratelimit implements per-(subject, channel) sliding window admission
// over a shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/domain"
)

const keyPrefix = "ratelimit:"

// WindowState is what the store reports about one key after pruning.
type WindowState struct {
	// Admitted is set when the call inserted a token.
	Admitted bool
	// Count is the number of surviving tokens before any insert.
	Count int
	// Oldest is the timestamp of the oldest surviving token, the new one
	// included. Zero when the window is empty.
	Oldest time.Time
}

// Store is the atomic counter store backing the limiter. Tokens with a
// timestamp at or before windowStart are pruned.
type Store interface {
	// Admit prunes, counts and, when the count is below limit, inserts member
	// at now, then refreshes the key expiry to ttl. All in one atomic step.
	Admit(ctx context.Context, key string, now, windowStart time.Time, limit int, member string, ttl time.Duration) (WindowState, error)
	// Peek prunes and counts without inserting.
	Peek(ctx context.Context, key string, windowStart time.Time) (WindowState, error)
	Reset(ctx context.Context, key string) error
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Remaining int           `json:"remaining"`
	ResetAt   time.Time     `json:"resetAt"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
	// Degraded marks a fail-open decision taken while the store was unreachable.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Err converts a rejected decision into the taxonomy error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.RateLimitedError{Limit: d.Limit, Window: d.Window, ResetAt: d.ResetAt}
}

type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

func NewLimiter(store Store, limit int, window time.Duration, clk clock.Clock, logger *slog.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		store:  store,
		limit:  limit,
		window: window,
		clock:  clk,
		logger: logger,
	}
}

// Key returns the counter store key for a subject and channel.
func Key(subjectID string, channel domain.Channel) string {
	return keyPrefix + subjectID + ":" + string(channel)
}

// Admit consumes one token for (subjectID, channel) when the window allows it.
// Store failures fail open.
func (l *Limiter) Admit(ctx context.Context, subjectID string, channel domain.Channel) Decision {
	now := l.clock.Now()
	key := Key(subjectID, channel)

	state, err := l.store.Admit(ctx, key, now, now.Add(-l.window), l.limit, member(now), l.window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			"subject_id", subjectID,
			"channel", channel,
			"error", err,
		)
		return l.degraded(now, err)
	}

	d := Decision{
		Allowed: state.Admitted,
		Limit:   l.limit,
		Window:  l.window,
		ResetAt: l.resetAt(now, state.Oldest),
	}
	if state.Admitted {
		d.Remaining = l.limit - state.Count - 1
	}
	return d
}

// Status reports the current window for (subjectID, channel) without consuming a token.
func (l *Limiter) Status(ctx context.Context, subjectID string, channel domain.Channel) (Decision, error) {
	now := l.clock.Now()

	state, err := l.store.Peek(ctx, Key(subjectID, channel), now.Add(-l.window))
	if err != nil {
		return Decision{}, domain.StoreUnavailableError{Store: "ratelimit", Op: "peek", Err: err}
	}

	remaining := l.limit - state.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     l.limit,
		Window:    l.window,
		ResetAt:   l.resetAt(now, state.Oldest),
	}, nil
}

// Reset drops every token for (subjectID, channel).
func (l *Limiter) Reset(ctx context.Context, subjectID string, channel domain.Channel) error {
	if err := l.store.Reset(ctx, Key(subjectID, channel)); err != nil {
		return domain.StoreUnavailableError{Store: "ratelimit", Op: "reset", Err: err}
	}
	return nil
}

func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) resetAt(now, oldest time.Time) time.Time {
	if oldest.IsZero() {
		return now.Add(l.window)
	}
	return oldest.Add(l.window)
}

func (l *Limiter) degraded(now time.Time, err error) Decision {
	return Decision{
		Allowed:   true,
		Remaining: l.limit,
		Limit:     l.limit,
		Window:    l.window,
		ResetAt:   now.Add(l.window),
		Degraded:  true,
		Reason:    fmt.Sprintf("store unavailable: %v", err),
	}
}

// member is unique per call even for identical timestamps.
func member(now time.Time) string {
	return strconv.FormatInt(now.UnixMicro(), 10) + "-" + ulid.Make().String()
}
