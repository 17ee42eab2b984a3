package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/config"
	"github.com/insider-one/notification-pipeline/internal/delay"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/metrics"
)

// Outcome names what the orchestrator did with one delivery.
type Outcome string

const (
	OutcomeSent        Outcome = metrics.OutcomeSent
	OutcomeRetried     Outcome = metrics.OutcomeRetried
	OutcomeFailed      Outcome = metrics.OutcomeFailed
	OutcomeCircuitOpen Outcome = metrics.OutcomeCircuitOpen
	OutcomeDuplicate   Outcome = metrics.OutcomeDuplicate
	OutcomeStale       Outcome = metrics.OutcomeStale
	// OutcomeRequeued means the delivery was left unacknowledged for the
	// transport to deliver again.
	OutcomeRequeued Outcome = metrics.OutcomeRequeued
)

const reasonLogMissing = "log_entry_missing"

type Options struct {
	Concurrency     int
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	CircuitCooldown time.Duration
	// MaxCircuitRetries bounds same-attempt circuit republishes; zero is unbounded.
	MaxCircuitRetries int
	PublishTimeout    time.Duration
	StopTimeout       time.Duration
	ConsumeBackoff    time.Duration
}

func OptionsFromConfig(w config.WorkerConfig, r config.RetryConfig) Options {
	return Options{
		Concurrency:       w.Concurrency,
		MaxRetries:        r.MaxCount,
		BaseDelay:         r.BaseDelay,
		MaxDelay:          r.MaxDelay,
		CircuitCooldown:   w.CircuitCooldown,
		MaxCircuitRetries: w.MaxCircuitRetries,
		PublishTimeout:    w.PublishTimeout,
		StopTimeout:       w.StopTimeout,
		ConsumeBackoff:    time.Second,
	}
}

// Dependencies are the collaborators owned by the worker's startup code.
type Dependencies struct {
	Transport  domain.Transport
	Logs       domain.LogStore
	Templates  domain.TemplateStore
	Dispatcher domain.Dispatcher
	Breakers   *breaker.Set
	Cache      *IdempotencyCache
	Delays     *delay.Queue
	Notifier   domain.StatusNotifier
	Metrics    *metrics.Metrics
	Clock      clock.Clock
}

// Orchestrator consumes deliveries and drives each notification to sent,
// a scheduled republish, or the dead-letter destination. Every handled
// delivery is acknowledged; retries are republished explicitly.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}

	mu            sync.Mutex
	running       bool
	wg            sync.WaitGroup
	cancelFunc    context.CancelFunc
	cancelHandles context.CancelFunc
}

func NewOrchestrator(deps Dependencies, opts Options, logger *slog.Logger) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.ConsumeBackoff <= 0 {
		opts.ConsumeBackoff = time.Second
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		tracer:   otel.Tracer("notification-pipeline/worker"),
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start launches the consume loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	o.running = true

	// Handlers outlive the consume loop until StopTimeout so in-flight work can finish.
	handleCtx, cancelHandles := context.WithCancel(context.WithoutCancel(ctx))
	consumeCtx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel
	o.cancelHandles = cancelHandles

	o.wg.Add(1)
	go o.run(consumeCtx, handleCtx)

	o.logger.Info("orchestrator started",
		"concurrency", o.opts.Concurrency,
		"max_retries", o.opts.MaxRetries,
		"base_delay", o.opts.BaseDelay,
		"circuit_cooldown", o.opts.CircuitCooldown,
	)
	return nil
}

// Stop stops consuming, waits for in-flight handlers and drops pending
// republishes. It returns the number of republishes lost.
func (o *Orchestrator) Stop() int {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return 0
	}
	o.running = false
	o.mu.Unlock()

	o.cancelFunc()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped gracefully")
	case <-time.After(o.opts.StopTimeout):
		o.logger.Warn("orchestrator stop timed out, abandoning in-flight deliveries")
		o.cancelHandles()
		<-done
	}
	o.cancelHandles()

	return o.deps.Delays.Stop()
}

func (o *Orchestrator) run(consumeCtx, handleCtx context.Context) {
	defer o.wg.Done()

	// A slot is taken before Consume, so at most Concurrency deliveries are
	// ever unacknowledged.
	slots := semaphore.NewWeighted(int64(o.opts.Concurrency))
	var g errgroup.Group

	for consumeCtx.Err() == nil {
		if err := slots.Acquire(consumeCtx, 1); err != nil {
			break
		}

		d, err := o.deps.Transport.Consume(consumeCtx)
		if err != nil {
			slots.Release(1)
			if consumeCtx.Err() != nil {
				break
			}
			o.logger.Error("failed to consume delivery", "error", err)
			select {
			case <-consumeCtx.Done():
			case <-time.After(o.opts.ConsumeBackoff):
			}
			continue
		}
		if d == nil {
			slots.Release(1)
			continue
		}

		g.Go(func() error {
			defer slots.Release(1)
			if _, err := o.Handle(handleCtx, d); err != nil {
				o.logger.Error("delivery left unacknowledged", "delivery_id", d.ID, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	o.logger.Info("consume loop stopped")
}

// Handle processes one delivery. A non-nil error means the delivery was not
// acknowledged and will be delivered again by the transport.
func (o *Orchestrator) Handle(ctx context.Context, d *domain.Delivery) (Outcome, error) {
	msg := d.Message
	if msg == nil {
		o.logger.Error("delivery without message, dropping", "delivery_id", d.ID)
		return OutcomeFailed, o.ack(ctx, d)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.correlation_id", msg.CorrelationID.String()),
		attribute.String("notification.channel", string(msg.Channel)),
		attribute.Int("notification.retry_count", msg.RetryCount),
	)

	logger := o.logger.With(
		"correlation_id", msg.CorrelationID,
		"channel", msg.Channel,
		"retry_count", msg.RetryCount,
		"circuit_retries", msg.CircuitRetries,
	)

	outcome, err := o.handle(ctx, d, logger)
	span.SetAttributes(attribute.String("notification.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.deps.Metrics.RecordOutcome(string(msg.Channel), string(outcome))
	return outcome, err
}

func (o *Orchestrator) handle(ctx context.Context, d *domain.Delivery, logger *slog.Logger) (Outcome, error) {
	msg := d.Message
	id := msg.CorrelationID

	if !o.acquire(id) {
		logger.Info("concurrent delivery of in-flight message, skipping")
		return OutcomeDuplicate, o.ack(ctx, d)
	}
	defer o.release(id)

	if o.deps.Cache.Seen(id) {
		logger.Info("duplicate delivery suppressed by idempotency cache")
		return OutcomeDuplicate, o.ack(ctx, d)
	}

	entry, err := o.deps.Logs.GetByCorrelationID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Error("no log entry for message, dead-lettering")
			return o.deadLetterOnly(ctx, d, reasonLogMissing, logger)
		}
		return OutcomeRequeued, storeUnavailable("get", err)
	}

	if outcome, skip := o.suppress(entry, msg); skip {
		logger.Info("delivery suppressed by log state", "status", entry.Status, "outcome", outcome)
		if outcome == OutcomeDuplicate && entry.Status.IsTerminal() {
			o.deps.Cache.Remember(id)
		}
		return outcome, o.ack(ctx, d)
	}

	if msg.TemplateID != nil {
		if _, err := o.deps.Templates.GetByID(ctx, *msg.TemplateID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				cause := domain.TemplateMissingError{TemplateID: *msg.TemplateID}
				return o.fail(ctx, d, entry, domain.ReasonTemplateMissing, cause, logger)
			}
			return OutcomeRequeued, storeUnavailable("template lookup", err)
		}
	}

	b := o.deps.Breakers.For(msg.Channel)
	started := o.deps.Clock.Now()
	resp, err := breaker.Call(ctx, b, func(ctx context.Context) (*domain.ProviderResponse, error) {
		return o.deps.Dispatcher.Dispatch(ctx, msg)
	})
	kind := domain.KindOf(err)
	if kind != domain.KindCircuitOpen {
		o.deps.Metrics.ObserveDispatch(string(msg.Channel), dispatchResult(err), o.deps.Clock.Now().Sub(started))
	}

	switch {
	case err == nil:
		return o.markSent(ctx, d, resp, logger)
	case kind == domain.KindCircuitOpen:
		return o.circuitOpen(ctx, d, entry, err, logger)
	case ctx.Err() != nil:
		logger.Warn("dispatch abandoned", "error", err)
		return OutcomeRequeued, fmt.Errorf("dispatch abandoned: %w", err)
	case kind == domain.KindUnsupportedChannel:
		return o.fail(ctx, d, entry, domain.ReasonUnsupportedChannel, err, logger)
	case domain.Retryable(err) && msg.RetryCount < o.opts.MaxRetries:
		return o.retry(ctx, d, entry, err, logger)
	default:
		return o.fail(ctx, d, entry, err.Error(), err, logger)
	}
}

// suppress decides whether the durable log already settles this delivery.
func (o *Orchestrator) suppress(entry *domain.LogEntry, msg *domain.Message) (Outcome, bool) {
	switch {
	case entry.Status.IsTerminal():
		return OutcomeDuplicate, true
	case entry.Status == domain.StatusCircuitOpen && msg.CircuitRetries == 0:
		// Another copy is parked behind the circuit and owns the next attempt.
		return OutcomeDuplicate, true
	case msg.RetryCount < entry.RetryCount:
		return OutcomeStale, true
	}
	return "", false
}

func (o *Orchestrator) markSent(ctx context.Context, d *domain.Delivery, resp *domain.ProviderResponse, logger *slog.Logger) (Outcome, error) {
	msg := d.Message
	now := o.deps.Clock.Now().UTC()
	update := domain.LogUpdate{
		Status:            domain.StatusSent,
		SentAt:            &now,
		ProviderMessageID: &resp.MessageID,
		At:                now,
	}

	if outcome, settled, err := o.update(ctx, d, update, logger); settled {
		return outcome, err
	}

	o.deps.Cache.Remember(msg.CorrelationID)
	logger.Info("notification sent", "outcome", OutcomeSent, "provider_message_id", resp.MessageID)
	return OutcomeSent, o.ack(ctx, d)
}

func (o *Orchestrator) circuitOpen(ctx context.Context, d *domain.Delivery, entry *domain.LogEntry, cause error, logger *slog.Logger) (Outcome, error) {
	msg := d.Message
	if o.opts.MaxCircuitRetries > 0 && msg.CircuitRetries >= o.opts.MaxCircuitRetries {
		return o.fail(ctx, d, entry, domain.ReasonCircuitOpenExhausted, cause, logger)
	}

	now := o.deps.Clock.Now().UTC()
	details := appendError(entry.ErrorDetails, msg.RetryCount, cause)
	update := domain.LogUpdate{Status: domain.StatusCircuitOpen, ErrorDetails: &details, At: now}
	if outcome, settled, err := o.update(ctx, d, update, logger); settled {
		return outcome, err
	}

	o.republish(msg.CircuitRetry(), "circuit", o.opts.CircuitCooldown, logger)
	logger.Warn("circuit open, republish scheduled",
		"outcome", OutcomeCircuitOpen,
		"delay", o.opts.CircuitCooldown,
		"error", cause,
	)
	return OutcomeCircuitOpen, o.ack(ctx, d)
}

func (o *Orchestrator) retry(ctx context.Context, d *domain.Delivery, entry *domain.LogEntry, cause error, logger *slog.Logger) (Outcome, error) {
	msg := d.Message
	next := msg.Retry()
	wait := Backoff(msg.RetryCount, o.opts.BaseDelay, o.opts.MaxDelay)

	now := o.deps.Clock.Now().UTC()
	details := appendError(entry.ErrorDetails, msg.RetryCount, cause)
	update := domain.LogUpdate{
		Status:       domain.StatusRetried,
		RetryCount:   &next.RetryCount,
		ErrorDetails: &details,
		At:           now,
	}
	if outcome, settled, err := o.update(ctx, d, update, logger); settled {
		return outcome, err
	}

	o.republish(next, "retry", wait, logger)
	logger.Warn("dispatch failed, retry scheduled",
		"outcome", OutcomeRetried,
		"next_retry_count", next.RetryCount,
		"delay", wait,
		"error", cause,
	)
	return OutcomeRetried, o.ack(ctx, d)
}

// fail dead-letters the message and marks its log entry failed. The dead
// letter is written first: a redelivery may repeat it but never lose it.
func (o *Orchestrator) fail(ctx context.Context, d *domain.Delivery, entry *domain.LogEntry, reason string, cause error, logger *slog.Logger) (Outcome, error) {
	msg := d.Message
	if err := o.deadLetter(ctx, msg, reason); err != nil {
		return OutcomeRequeued, err
	}

	now := o.deps.Clock.Now().UTC()
	details := appendError(entry.ErrorDetails, msg.RetryCount, cause)
	update := domain.LogUpdate{Status: domain.StatusFailed, ErrorDetails: &details, At: now}
	if outcome, settled, err := o.update(ctx, d, update, logger); settled {
		if outcome == OutcomeDuplicate {
			// The record stays on the dead-letter destination; operators reconcile it
			// against the durable status.
			logger.Error("dead letter superseded by a concurrent outcome",
				"reason", reason,
				"dead_letter_superseded", true,
			)
		}
		return outcome, err
	}

	o.deps.Cache.Remember(msg.CorrelationID)
	logger.Error("notification dead-lettered",
		"outcome", OutcomeFailed,
		"reason", reason,
		"attempts", msg.RetryCount+1,
		"error", cause,
	)
	return OutcomeFailed, o.ack(ctx, d)
}

func (o *Orchestrator) deadLetterOnly(ctx context.Context, d *domain.Delivery, reason string, logger *slog.Logger) (Outcome, error) {
	if err := o.deadLetter(ctx, d.Message, reason); err != nil {
		return OutcomeRequeued, err
	}
	logger.Error("notification dead-lettered", "outcome", OutcomeFailed, "reason", reason)
	return OutcomeFailed, o.ack(ctx, d)
}

func (o *Orchestrator) deadLetter(ctx context.Context, msg *domain.Message, reason string) error {
	dl := &domain.DeadLetter{
		Message:  msg,
		Reason:   reason,
		Attempts: msg.RetryCount + 1,
		FailedAt: o.deps.Clock.Now().UTC(),
	}
	if err := o.deps.Transport.DeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	o.deps.Metrics.RecordDeadLetter(string(msg.Channel), metricReason(reason))
	return nil
}

// update applies u to the log entry of d. settled is true when handling must
// stop here: the store is unavailable, or another copy already moved the
// entry somewhere u cannot follow.
func (o *Orchestrator) update(ctx context.Context, d *domain.Delivery, u domain.LogUpdate, logger *slog.Logger) (Outcome, bool, error) {
	updated, err := o.deps.Logs.Update(ctx, d.Message.CorrelationID, u)
	switch {
	case err == nil:
		if o.deps.Notifier != nil {
			o.deps.Notifier.NotifyStatus(ctx, updated)
		}
		return "", false, nil
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		logger.Warn("log entry settled by another delivery", "target_status", u.Status, "error", err)
		return OutcomeDuplicate, true, o.ack(ctx, d)
	default:
		return OutcomeRequeued, true, storeUnavailable("update", err)
	}
}

// republish schedules msg onto the transport after wait. When the delay queue
// has stopped the message is published at once.
func (o *Orchestrator) republish(msg *domain.Message, kind string, wait time.Duration, logger *slog.Logger) {
	publish := func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.PublishTimeout)
		defer cancel()
		msg.EnqueuedAt = o.deps.Clock.Now().UTC()
		if err := o.deps.Transport.Publish(ctx, msg); err != nil {
			logger.Error("failed to republish message", "kind", kind, "error", err)
		}
	}

	if _, err := o.deps.Delays.Schedule(msg.CorrelationID.String(), kind, wait, publish); err != nil {
		logger.Warn("delay queue unavailable, republishing immediately", "kind", kind, "error", err)
		publish()
	}
}

func (o *Orchestrator) ack(ctx context.Context, d *domain.Delivery) error {
	if err := o.deps.Transport.Ack(ctx, d); err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", d.ID, err)
	}
	return nil
}

func (o *Orchestrator) acquire(id uuid.UUID) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.inflightMu.Lock()
	delete(o.inflight, id)
	o.inflightMu.Unlock()
}

// Backoff returns base * 2^retryCount, capped at max when max is positive.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && d >= max {
			return max
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func appendError(prev *string, retryCount int, cause error) string {
	line := fmt.Sprintf("attempt %d: %v", retryCount+1, cause)
	if prev == nil || *prev == "" {
		return line
	}
	return *prev + "\n" + line
}

func storeUnavailable(op string, err error) error {
	var su domain.StoreUnavailableError
	if errors.As(err, &su) {
		return err
	}
	return domain.StoreUnavailableError{Store: "log", Op: op, Err: err}
}

func dispatchResult(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.KindOf(err); kind != domain.KindUnknown {
		return string(kind)
	}
	return "error"
}

// metricReason keeps label cardinality bounded: free-form provider errors
// collapse to their kind.
func metricReason(reason string) string {
	switch reason {
	case domain.ReasonTemplateMissing, domain.ReasonUnsupportedChannel, domain.ReasonCircuitOpenExhausted, reasonLogMissing:
		return reason
	}
	return "retries_exhausted"
}
