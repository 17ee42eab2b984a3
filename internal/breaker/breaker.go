// Package breaker implements a process-local three-state circuit breaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/domain"
)

// State is the position of a breaker in its CLOSED, OPEN, HALF_OPEN cycle.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	ReasonOpen             = "circuit open"
	ReasonHalfOpenSaturate = "half-open trial quota exhausted"
)

// Settings configures a Breaker. Zero values fall back to the defaults below.
type Settings struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
	HistorySize      int
	Clock            clock.Clock
	Logger           *slog.Logger
	// IsFailure decides whether an operation error counts against the
	// breaker. Errors it rejects are recorded but never move the state.
	IsFailure func(err error) bool
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, t Transition)
}

func (s *Settings) applyDefaults() {
	if s.Name == "" {
		s.Name = "provider"
	}
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 60 * time.Second
	}
	if s.HalfOpenMaxCalls < 1 {
		s.HalfOpenMaxCalls = 1
	}
	if s.HistorySize < 1 {
		s.HistorySize = 5
	}
	if s.Clock == nil {
		s.Clock = clock.Real()
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return err != nil }
	}
}

// Transition records one state change and why it happened.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Stats counts calls since the breaker was created. Resets do not clear them.
type Stats struct {
	TotalCalls      int64 `json:"totalCalls"`
	SuccessfulCalls int64 `json:"successfulCalls"`
	FailedCalls     int64 `json:"failedCalls"`
	RejectedCalls   int64 `json:"rejectedCalls"`
}

// Snapshot is a point-in-time copy of a breaker for diagnostics.
type Snapshot struct {
	Name             string       `json:"name"`
	State            State        `json:"state"`
	FailureCount     int          `json:"failureCount"`
	SuccessCount     int          `json:"successCount"`
	HalfOpenAttempts int          `json:"halfOpenAttempts"`
	NextAttemptAt    *time.Time   `json:"nextAttemptAt,omitempty"`
	FailureThreshold int          `json:"failureThreshold"`
	ResetTimeout     string       `json:"resetTimeout"`
	HalfOpenMaxCalls int          `json:"halfOpenMaxCalls"`
	Stats            Stats        `json:"stats"`
	History          []Transition `json:"history"`
}

// Breaker guards calls to one downstream resource. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	settings Settings

	state            State
	failureCount     int
	successCount     int
	halfOpenAttempts int
	nextAttemptAt    time.Time
	// generation changes on every transition; results of calls admitted in
	// an earlier generation do not move the state.
	generation uint64
	stats      Stats
	history    []Transition
	pending    []Transition
}

// New returns a closed breaker. Zero settings take their defaults.
func New(settings Settings) *Breaker {
	settings.applyDefaults()
	return &Breaker{
		settings: settings,
		state:    StateClosed,
	}
}

func (b *Breaker) Name() string { return b.settings.Name }

// Execute runs op unless the breaker rejects it, and records the outcome.
// A rejection returns domain.CircuitOpenError without invoking op. A failure
// caused by cancellation of ctx itself is neutral.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	err = op(ctx)
	b.record(ctx, gen, err)
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.flush()

	b.stats.TotalCalls++

	if b.state == StateOpen {
		if b.settings.Clock.Now().Before(b.nextAttemptAt) {
			b.stats.RejectedCalls++
			return 0, b.rejection(ReasonOpen)
		}
		b.transition(StateHalfOpen, "reset timeout elapsed")
	}

	if b.state == StateHalfOpen {
		if b.halfOpenAttempts >= b.settings.HalfOpenMaxCalls {
			b.stats.RejectedCalls++
			return 0, b.rejection(ReasonHalfOpenSaturate)
		}
		b.halfOpenAttempts++
	}

	return b.generation, nil
}

func (b *Breaker) record(ctx context.Context, gen uint64, err error) {
	b.mu.Lock()
	defer b.flush()

	if err == nil {
		b.stats.SuccessfulCalls++
	} else {
		b.stats.FailedCalls++
	}

	if gen != b.generation {
		return
	}

	if err != nil && (isCancellation(ctx, err) || !b.settings.IsFailure(err)) {
		if b.state == StateHalfOpen {
			b.halfOpenAttempts--
		}
		return
	}

	switch b.state {
	case StateClosed:
		if err == nil {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.transition(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		if err != nil {
			b.transition(StateOpen, "trial call failed")
			return
		}
		b.successCount++
		if b.successCount >= b.settings.HalfOpenMaxCalls {
			b.transition(StateClosed, "trial calls succeeded")
		}
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.flush()

	if b.state != StateClosed {
		b.transition(StateClosed, "manual reset")
		return
	}
	b.failureCount = 0
	b.successCount = 0
}

// State returns the current state without triggering the OPEN to HALF_OPEN move.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:             b.settings.Name,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		HalfOpenAttempts: b.halfOpenAttempts,
		FailureThreshold: b.settings.FailureThreshold,
		ResetTimeout:     b.settings.ResetTimeout.String(),
		HalfOpenMaxCalls: b.settings.HalfOpenMaxCalls,
		Stats:            b.stats,
		History:          append([]Transition(nil), b.history...),
	}
	if b.state == StateOpen {
		next := b.nextAttemptAt
		s.NextAttemptAt = &next
	}
	return s
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, reason string) {
	now := b.settings.Clock.Now()
	t := Transition{From: b.state, To: to, At: now, Reason: reason}

	b.state = to
	b.generation++
	b.successCount = 0
	b.halfOpenAttempts = 0

	switch to {
	case StateOpen:
		b.nextAttemptAt = now.Add(b.settings.ResetTimeout)
	case StateClosed:
		b.failureCount = 0
		b.nextAttemptAt = time.Time{}
	}

	b.history = append(b.history, t)
	if over := len(b.history) - b.settings.HistorySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
	b.pending = append(b.pending, t)
}

// flush releases mu and reports transitions queued while it was held.
func (b *Breaker) flush() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, t := range pending {
		b.settings.Logger.Info("circuit breaker state changed",
			"breaker", b.settings.Name,
			"from", t.From,
			"to", t.To,
			"reason", t.Reason,
		)
		if b.settings.OnStateChange != nil {
			b.settings.OnStateChange(b.settings.Name, t)
		}
	}
}

func (b *Breaker) rejection(reason string) error {
	return domain.CircuitOpenError{Breaker: b.settings.Name, State: string(b.state), Reason: reason}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}
