package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/delay"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/repository/memory"
)

// MockDispatcher is a mock implementation of domain.Dispatcher
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, msg *domain.Message) (*domain.ProviderResponse, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProviderResponse), args.Error(1)
}

type harness struct {
	clk        *clock.Fake
	transport  *memory.Transport
	logs       *memory.LogStore
	templates  *memory.TemplateStore
	dispatcher *MockDispatcher
	breakers   *breaker.Set
	cache      *IdempotencyCache
	delays     *delay.Queue
	notifier   *memory.Notifier
	orch       *Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultOptions() Options {
	return Options{
		Concurrency:     1,
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        5 * time.Minute,
		CircuitCooldown: 5 * time.Second,
		PublishTimeout:  time.Second,
		StopTimeout:     time.Second,
	}
}

func newHarness(t *testing.T, opts Options, failureThreshold int) *harness {
	t.Helper()

	clk := clock.NewFake(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	logger := testLogger()
	h := &harness{
		clk:        clk,
		transport:  memory.NewTransport(clk, time.Minute, 10*time.Millisecond),
		logs:       memory.NewLogStore(),
		templates:  memory.NewTemplateStore(),
		dispatcher: &MockDispatcher{},
		cache:      NewIdempotencyCache(10*time.Minute, 100, clk),
		delays:     delay.New(clk, logger),
		notifier:   &memory.Notifier{},
	}
	h.breakers = breaker.NewSet(breaker.Settings{
		Name:             "provider",
		FailureThreshold: failureThreshold,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 1,
		Clock:            clk,
		Logger:           logger,
		IsFailure:        domain.Retryable,
	}, false)
	h.orch = NewOrchestrator(Dependencies{
		Transport:  h.transport,
		Logs:       h.logs,
		Templates:  h.templates,
		Dispatcher: h.dispatcher,
		Breakers:   h.breakers,
		Cache:      h.cache,
		Delays:     h.delays,
		Notifier:   h.notifier,
		Clock:      clk,
	}, opts, logger)
	return h
}

// enqueue inserts the queued log entry and publishes its first message.
func (h *harness) enqueue(t *testing.T, channel domain.Channel, templateID *int64) *domain.Message {
	t.Helper()
	ctx := context.Background()

	entry := domain.NewLogEntry(uuid.New(), "u1", channel, "user@example.com", "Hi", "Hello there")
	entry.TemplateID = templateID
	require.NoError(t, h.logs.Insert(ctx, entry))

	msg := domain.NewMessage(entry, h.clk.Now())
	require.NoError(t, h.transport.Publish(ctx, msg))
	return msg
}

func (h *harness) next(t *testing.T) *domain.Delivery {
	t.Helper()
	d := h.transport.Next()
	require.NotNil(t, d, "expected a ready delivery")
	return d
}

func (h *harness) handle(t *testing.T) Outcome {
	t.Helper()
	outcome, err := h.orch.Handle(context.Background(), h.next(t))
	require.NoError(t, err)
	return outcome
}

func (h *harness) status(t *testing.T, id uuid.UUID) *domain.LogEntry {
	t.Helper()
	e, err := h.logs.GetByCorrelationID(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) inFlight(t *testing.T) int64 {
	t.Helper()
	stats, err := h.transport.Stats(context.Background())
	require.NoError(t, err)
	return stats.InFlight
}

func accepted() *domain.ProviderResponse {
	return &domain.ProviderResponse{MessageID: "prov-1", Status: "accepted"}
}

func TestOrchestrator_Sent(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	msg := h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(accepted(), nil).Once()

	assert.Equal(t, OutcomeSent, h.handle(t))

	e := h.status(t, msg.CorrelationID)
	assert.Equal(t, domain.StatusSent, e.Status)
	require.NotNil(t, e.SentAt)
	assert.Equal(t, h.clk.Now(), *e.SentAt)
	assert.Equal(t, "prov-1", *e.ProviderMessageID)
	assert.True(t, h.cache.Seen(msg.CorrelationID))
	assert.Zero(t, h.inFlight(t))
	assert.Equal(t, []domain.Status{domain.StatusSent}, h.notifier.Statuses())
	h.dispatcher.AssertExpectations(t)
}

func TestOrchestrator_RetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t, defaultOptions(), 100)
	msg := h.enqueue(t, domain.ChannelSMS, nil)
	providerErr := domain.ProviderHTTPError{StatusCode: 500, Message: "boom"}
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil, providerErr)

	var seenRetryCounts []int
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		d := h.next(t)
		seenRetryCounts = append(seenRetryCounts, d.Message.RetryCount)

		outcome, err := h.orch.Handle(context.Background(), d)
		require.NoError(t, err)
		require.Equal(t, OutcomeRetried, outcome, "attempt %d", i+1)

		pending := h.delays.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, want, pending[0].DueAt.Sub(h.clk.Now()))
		assert.Equal(t, "retry", pending[0].Kind)

		assert.Nil(t, h.transport.Next(), "republish must wait for the backoff")
		h.clk.Advance(want)
	}

	d := h.next(t)
	seenRetryCounts = append(seenRetryCounts, d.Message.RetryCount)
	outcome, err := h.orch.Handle(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	assert.Equal(t, []int{0, 1, 2, 3}, seenRetryCounts)
	assert.Equal(t, []domain.Status{
		domain.StatusQueued,
		domain.StatusRetried,
		domain.StatusRetried,
		domain.StatusRetried,
		domain.StatusFailed,
	}, h.logs.History(msg.CorrelationID))

	dls := h.transport.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, msg.CorrelationID, dls[0].Message.CorrelationID)
	assert.Equal(t, providerErr.Error(), dls[0].Reason)
	assert.Equal(t, 4, dls[0].Attempts)

	e := h.status(t, msg.CorrelationID)
	assert.Equal(t, 3, e.RetryCount)
	require.NotNil(t, e.ErrorDetails)
	assert.Contains(t, *e.ErrorDetails, "attempt 1: provider error (status 500): boom")
	assert.Contains(t, *e.ErrorDetails, "attempt 4:")
	assert.Zero(t, h.inFlight(t))
	assert.Zero(t, h.delays.Len())
}

func TestOrchestrator_TemplateMissing(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	missing := int64(999)
	msg := h.enqueue(t, domain.ChannelEmail, &missing)

	assert.Equal(t, OutcomeFailed, h.handle(t))

	h.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	assert.Equal(t, domain.StatusFailed, h.status(t, msg.CorrelationID).Status)

	dls := h.transport.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, domain.ReasonTemplateMissing, dls[0].Reason)
	assert.Zero(t, h.inFlight(t))
}

func TestOrchestrator_TemplatePresent(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	tmpl := domain.NewTemplate("welcome", domain.ChannelEmail, "Hi", "Hello")
	require.NoError(t, h.templates.Create(context.Background(), tmpl))
	h.enqueue(t, domain.ChannelEmail, &tmpl.ID)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(accepted(), nil).Once()

	assert.Equal(t, OutcomeSent, h.handle(t))
}

func TestOrchestrator_CircuitOpenRepublishesSameAttempt(t *testing.T) {
	h := newHarness(t, defaultOptions(), 1)
	msg := h.enqueue(t, domain.ChannelPush, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, domain.ProviderUnreachableError{Err: errors.New("refused")}).Once()

	// First failure trips the breaker and schedules a normal retry.
	require.Equal(t, OutcomeRetried, h.handle(t))
	require.Equal(t, breaker.StateOpen, h.breakers.For(domain.ChannelPush).State())
	h.clk.Advance(time.Second)

	for cycle := 1; cycle <= 3; cycle++ {
		d := h.next(t)
		assert.Equal(t, 1, d.Message.RetryCount)
		assert.Equal(t, cycle-1, d.Message.CircuitRetries)

		outcome, err := h.orch.Handle(context.Background(), d)
		require.NoError(t, err)
		require.Equal(t, OutcomeCircuitOpen, outcome)
		assert.Equal(t, domain.StatusCircuitOpen, h.status(t, msg.CorrelationID).Status)

		pending := h.delays.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, "circuit", pending[0].Kind)
		assert.Equal(t, 5*time.Second, pending[0].DueAt.Sub(h.clk.Now()))
		h.clk.Advance(5 * time.Second)
	}

	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
	assert.Empty(t, h.transport.DeadLetters())
	assert.Zero(t, h.inFlight(t))

	// Once the breaker lets a trial through the message finishes normally.
	h.clk.Advance(60 * time.Second)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(accepted(), nil).Once()
	assert.Equal(t, OutcomeSent, h.handle(t))
	assert.Equal(t, breaker.StateClosed, h.breakers.For(domain.ChannelPush).State())
}

func TestOrchestrator_CircuitRetriesBounded(t *testing.T) {
	opts := defaultOptions()
	opts.MaxCircuitRetries = 1
	opts.MaxRetries = 0
	h := newHarness(t, opts, 1)

	// Trip the breaker with another message.
	h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, domain.ProviderTimeoutError{Timeout: time.Second}).Once()
	require.Equal(t, OutcomeFailed, h.handle(t))

	msg := h.enqueue(t, domain.ChannelEmail, nil)
	require.Equal(t, OutcomeCircuitOpen, h.handle(t))
	h.clk.Advance(5 * time.Second)
	require.Equal(t, OutcomeFailed, h.handle(t))

	dls := h.transport.DeadLetters()
	require.Len(t, dls, 2)
	assert.Equal(t, msg.CorrelationID, dls[1].Message.CorrelationID)
	assert.Equal(t, domain.ReasonCircuitOpenExhausted, dls[1].Reason)
	assert.Equal(t, domain.StatusFailed, h.status(t, msg.CorrelationID).Status)
}

func TestOrchestrator_DuplicateCorrelationID(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	msg := h.enqueue(t, domain.ChannelEmail, nil)
	require.NoError(t, h.transport.Publish(context.Background(), msg))
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(accepted(), nil).Once()

	assert.Equal(t, OutcomeSent, h.handle(t))
	assert.Equal(t, OutcomeDuplicate, h.handle(t))

	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
	assert.Equal(t, []domain.Status{domain.StatusQueued, domain.StatusSent}, h.logs.History(msg.CorrelationID))
	assert.Zero(t, h.inFlight(t))
}

func TestOrchestrator_DuplicateAfterRestart(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	msg := h.enqueue(t, domain.ChannelSMS, nil)
	require.NoError(t, h.transport.Publish(context.Background(), msg))
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(accepted(), nil).Once()
	require.Equal(t, OutcomeSent, h.handle(t))

	// A fresh process has an empty cache; the log still settles it.
	restarted := NewOrchestrator(Dependencies{
		Transport:  h.transport,
		Logs:       h.logs,
		Templates:  h.templates,
		Dispatcher: h.dispatcher,
		Breakers:   h.breakers,
		Cache:      NewIdempotencyCache(time.Minute, 10, h.clk),
		Delays:     delay.New(h.clk, testLogger()),
		Clock:      h.clk,
	}, defaultOptions(), testLogger())

	outcome, err := restarted.Handle(context.Background(), h.next(t))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestOrchestrator_StaleRetryCopy(t *testing.T) {
	h := newHarness(t, defaultOptions(), 100)
	msg := h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, domain.ProviderHTTPError{StatusCode: 502}).Once()
	require.Equal(t, OutcomeRetried, h.handle(t))

	// An old copy of attempt 0 shows up again.
	require.NoError(t, h.transport.Publish(context.Background(), msg))
	assert.Equal(t, OutcomeStale, h.handle(t))
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestOrchestrator_InFlightCopyIsNoop(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	msg := h.enqueue(t, domain.ChannelEmail, nil)

	require.True(t, h.orch.acquire(msg.CorrelationID))
	assert.Equal(t, OutcomeDuplicate, h.handle(t))
	h.orch.release(msg.CorrelationID)

	h.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	assert.Equal(t, domain.StatusQueued, h.status(t, msg.CorrelationID).Status)
}

func TestOrchestrator_LogStoreUnavailable(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	msg := h.enqueue(t, domain.ChannelEmail, nil)
	h.logs.Err = errors.New("connection reset")

	outcome, err := h.orch.Handle(context.Background(), h.next(t))
	require.Error(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, domain.KindStoreUnavailable, domain.KindOf(err))
	assert.Equal(t, int64(1), h.inFlight(t))

	// The lease lapses and the transport hands the message out again.
	h.logs.Err = nil
	n, err := h.transport.Reclaim(context.Background(), h.clk.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(accepted(), nil).Once()
	assert.Equal(t, OutcomeSent, h.handle(t))
	assert.Equal(t, domain.StatusSent, h.status(t, msg.CorrelationID).Status)
}

func TestOrchestrator_UpdateFailureAfterDispatchIsNotAcked(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { h.logs.Err = errors.New("db down") }).
		Return(accepted(), nil).Once()

	_, err := h.orch.Handle(context.Background(), h.next(t))
	assert.Equal(t, domain.KindStoreUnavailable, domain.KindOf(err))
	assert.Equal(t, int64(1), h.inFlight(t))
}

func TestOrchestrator_UnsupportedChannel(t *testing.T) {
	h := newHarness(t, defaultOptions(), 1)
	msg := h.enqueue(t, domain.Channel("fax"), nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, domain.UnsupportedChannelError{Channel: "fax"}).Once()

	assert.Equal(t, OutcomeFailed, h.handle(t))

	dls := h.transport.DeadLetters()
	require.Len(t, dls, 1)
	assert.Equal(t, domain.ReasonUnsupportedChannel, dls[0].Reason)
	assert.Equal(t, domain.StatusFailed, h.status(t, msg.CorrelationID).Status)
	assert.Equal(t, breaker.StateClosed, h.breakers.For(domain.ChannelEmail).State())
}

func TestOrchestrator_NonRetryableErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil, errors.New("bad payload")).Once()

	assert.Equal(t, OutcomeFailed, h.handle(t))
	require.Len(t, h.transport.DeadLetters(), 1)
	assert.Equal(t, "bad payload", h.transport.DeadLetters()[0].Reason)
}

// racingLogStore runs before ahead of every Update, standing in for another
// worker that settles the entry first.
type racingLogStore struct {
	*memory.LogStore
	before func(id uuid.UUID)
}

func (s *racingLogStore) Update(ctx context.Context, id uuid.UUID, u domain.LogUpdate) (*domain.LogEntry, error) {
	if s.before != nil {
		s.before(id)
		s.before = nil
	}
	return s.LogStore.Update(ctx, id, u)
}

func TestOrchestrator_DeadLetterAfterConcurrentSendIsReported(t *testing.T) {
	opts := defaultOptions()
	opts.MaxRetries = 0
	h := newHarness(t, opts, 100)
	msg := h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil, domain.ProviderHTTPError{StatusCode: 500}).Once()

	h.orch.deps.Logs = &racingLogStore{LogStore: h.logs, before: func(id uuid.UUID) {
		sentAt := h.clk.Now()
		_, err := h.logs.Update(context.Background(), id, domain.LogUpdate{Status: domain.StatusSent, SentAt: &sentAt, At: sentAt})
		require.NoError(t, err)
	}}
	var buf bytes.Buffer
	h.orch.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	assert.Equal(t, OutcomeDuplicate, h.handle(t))
	assert.Equal(t, domain.StatusSent, h.status(t, msg.CorrelationID).Status)
	assert.Len(t, h.transport.DeadLetters(), 1)
	assert.Contains(t, buf.String(), `"dead_letter_superseded":true`)
	assert.Zero(t, h.inFlight(t))
}

func TestOrchestrator_LogEntryMissing(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	msg := &domain.Message{CorrelationID: uuid.New(), Channel: domain.ChannelEmail}
	require.NoError(t, h.transport.Publish(context.Background(), msg))

	assert.Equal(t, OutcomeFailed, h.handle(t))
	require.Len(t, h.transport.DeadLetters(), 1)
	assert.Equal(t, reasonLogMissing, h.transport.DeadLetters()[0].Reason)
}

func TestOrchestrator_DeadLetterFailureLeavesDeliveryUnacked(t *testing.T) {
	opts := defaultOptions()
	opts.MaxRetries = 0
	h := newHarness(t, opts, 100)
	msg := h.enqueue(t, domain.ChannelEmail, nil)
	h.transport.DeadLetterErr = errors.New("dlq down")
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil, domain.ProviderHTTPError{StatusCode: 500}).Once()

	outcome, err := h.orch.Handle(context.Background(), h.next(t))
	require.Error(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, domain.StatusQueued, h.status(t, msg.CorrelationID).Status)
	assert.Equal(t, int64(1), h.inFlight(t))
}

func TestOrchestrator_RepublishAfterDelayQueueStopped(t *testing.T) {
	h := newHarness(t, defaultOptions(), 100)
	h.enqueue(t, domain.ChannelEmail, nil)
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil, domain.ProviderHTTPError{StatusCode: 503}).Once()
	h.delays.Stop()

	assert.Equal(t, OutcomeRetried, h.handle(t))
	d := h.next(t)
	assert.Equal(t, 1, d.Message.RetryCount)
}

// gatedDispatcher blocks every call until released and tracks peak concurrency.
type gatedDispatcher struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (g *gatedDispatcher) Dispatch(ctx context.Context, _ *domain.Message) (*domain.ProviderResponse, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return accepted(), nil
}

func TestOrchestrator_ConcurrencyLimit(t *testing.T) {
	opts := defaultOptions()
	opts.Concurrency = 2
	h := newHarness(t, opts, 5)
	gate := &gatedDispatcher{release: make(chan struct{})}
	h.orch.deps.Dispatcher = gate

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, h.enqueue(t, domain.ChannelEmail, nil).CorrelationID)
	}

	require.NoError(t, h.orch.Start(context.Background()))

	require.Eventually(t, func() bool { return gate.active.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	// Give the consume loop time to overreach if it were going to.
	time.Sleep(50 * time.Millisecond)
	stats, err := h.transport.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(opts.Concurrency), stats.InFlight, "only handled deliveries are unacknowledged")
	assert.Equal(t, int64(3), stats.Ready)

	close(gate.release)

	require.Eventually(t, func() bool { return gate.calls.Load() == 5 && gate.active.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			e, err := h.logs.GetByCorrelationID(context.Background(), id)
			if err != nil || e.Status != domain.StatusSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, h.orch.Stop())
	assert.Equal(t, int32(2), gate.peak.Load())
}

func TestOrchestrator_SingleSlotLeavesRestQueued(t *testing.T) {
	h := newHarness(t, defaultOptions(), 5)
	gate := &gatedDispatcher{release: make(chan struct{})}
	h.orch.deps.Dispatcher = gate

	for i := 0; i < 4; i++ {
		h.enqueue(t, domain.ChannelSMS, nil)
	}

	require.NoError(t, h.orch.Start(context.Background()))
	require.Eventually(t, func() bool { return gate.active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats, err := h.transport.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Ready: 3, InFlight: 1}, stats)

	close(gate.release)
	require.Eventually(t, func() bool { return gate.calls.Load() == 4 && gate.active.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.orch.Stop())
	assert.Equal(t, int32(1), gate.peak.Load())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name  string
		retry int
		base  time.Duration
		max   time.Duration
		want  time.Duration
	}{
		{"first retry", 0, time.Second, time.Minute, time.Second},
		{"second retry", 1, time.Second, time.Minute, 2 * time.Second},
		{"third retry", 2, time.Second, time.Minute, 4 * time.Second},
		{"capped", 10, time.Second, time.Minute, time.Minute},
		{"uncapped", 10, time.Millisecond, 0, 1024 * time.Millisecond},
		{"negative retry", -1, time.Second, time.Minute, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.retry, tt.base, tt.max))
		})
	}
}
