package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/metrics"
	"github.com/insider-one/notification-pipeline/internal/ratelimit"
)

// Intake results recorded on notification_intake_total.
const (
	intakeQueued      = "queued"
	intakeRateLimited = "rate_limited"
	intakeInvalid     = "invalid"
	intakeDuplicate   = "duplicate"
	intakeError       = "error"
)

const minRecipientLength = 3

// Publisher enqueues messages for the orchestrator.
type Publisher interface {
	Publish(ctx context.Context, msg *domain.Message) error
}

// NotificationService accepts notification requests and exposes their status.
type NotificationService struct {
	logs      domain.LogStore
	templates domain.TemplateStore
	publisher Publisher
	limiter   *ratelimit.Limiter
	notifier  domain.StatusNotifier
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *slog.Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(
	logs domain.LogStore,
	templates domain.TemplateStore,
	publisher Publisher,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *NotificationService {
	return &NotificationService{
		logs:      logs,
		templates: templates,
		publisher: publisher,
		limiter:   limiter,
		metrics:   metrics.New(nil),
		clock:     clock.Real(),
		logger:    logger,
	}
}

// SetStatusNotifier sets where status changes made during intake are published.
func (s *NotificationService) SetStatusNotifier(n domain.StatusNotifier) {
	s.notifier = n
}

func (s *NotificationService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *NotificationService) SetClock(clk clock.Clock) {
	s.clock = clk
}

// SendRequest represents a request to send a notification
type SendRequest struct {
	// CorrelationID is used when it parses as a UUID; otherwise one is generated.
	CorrelationID string
	SubjectID     string
	Channel       domain.Channel
	Recipient     string
	Subject       string
	Body          string
	TemplateID    *int64
	TemplateVars  map[string]string
}

// SendResult is returned for accepted and rate-limited requests alike.
type SendResult struct {
	ID            int64         `json:"id"`
	CorrelationID uuid.UUID     `json:"correlationId"`
	Status        domain.Status `json:"status"`
	// RateLimit carries the admission decision for response headers.
	RateLimit ratelimit.Decision `json:"-"`
}

// Send validates, admits, resolves the template, logs and enqueues one
// notification. A rate-limited request returns both a result and a
// domain.RateLimitedError.
func (s *NotificationService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validateSend(req); err != nil {
		s.metrics.RecordIntake(string(req.Channel), intakeInvalid)
		return nil, err
	}

	decision := s.limiter.Admit(ctx, req.SubjectID, req.Channel)
	s.metrics.RecordRateLimit(string(req.Channel), decisionLabel(decision))
	if !decision.Allowed {
		return s.rejectRateLimited(ctx, req, decision)
	}

	subject, body, err := s.resolveContent(ctx, req)
	if err != nil {
		s.metrics.RecordIntake(string(req.Channel), intakeInvalid)
		return nil, err
	}

	entry := domain.NewLogEntry(correlationID(req.CorrelationID), req.SubjectID, req.Channel, req.Recipient, subject, body)
	entry.TemplateID = req.TemplateID
	if err := s.logs.Insert(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicateCorrelationID) {
			s.metrics.RecordIntake(string(req.Channel), intakeDuplicate)
			return nil, fmt.Errorf("correlation id %s: %w", entry.CorrelationID, err)
		}
		s.metrics.RecordIntake(string(req.Channel), intakeError)
		return nil, domain.StoreUnavailableError{Store: "log", Op: "insert", Err: err}
	}

	if err := s.publisher.Publish(ctx, domain.NewMessage(entry, s.clock.Now())); err != nil {
		s.markEnqueueFailed(ctx, entry, err)
		s.metrics.RecordIntake(string(req.Channel), intakeError)
		return nil, domain.StoreUnavailableError{Store: "queue", Op: "publish", Err: err}
	}

	s.notify(ctx, entry)
	s.metrics.RecordIntake(string(req.Channel), intakeQueued)
	s.logger.Info("notification queued",
		"correlation_id", entry.CorrelationID,
		"log_id", entry.ID,
		"subject_id", entry.SubjectID,
		"channel", entry.Channel,
		"rate_limit_degraded", decision.Degraded,
	)

	return &SendResult{
		ID:            entry.ID,
		CorrelationID: entry.CorrelationID,
		Status:        entry.Status,
		RateLimit:     decision,
	}, nil
}

// rejectRateLimited records the refusal as a rate_limited log entry under a
// fresh correlation id. Recording failures do not change the answer.
func (s *NotificationService) rejectRateLimited(ctx context.Context, req SendRequest, decision ratelimit.Decision) (*SendResult, error) {
	s.metrics.RecordIntake(string(req.Channel), intakeRateLimited)

	entry := domain.NewLogEntry(uuid.New(), req.SubjectID, req.Channel, req.Recipient, req.Subject, req.Body)
	entry.TemplateID = req.TemplateID
	entry.Status = domain.StatusRateLimited
	details := fmt.Sprintf("rate limit exceeded, resets at %s", decision.ResetAt.UTC().Format(time.RFC3339))
	entry.ErrorDetails = &details

	if err := s.logs.Insert(ctx, entry); err != nil {
		s.logger.Warn("failed to record rate limited request",
			"subject_id", req.SubjectID,
			"channel", req.Channel,
			"error", err,
		)
	} else {
		s.notify(ctx, entry)
	}

	s.logger.Info("notification rate limited",
		"subject_id", req.SubjectID,
		"channel", req.Channel,
		"reset_at", decision.ResetAt,
	)

	return &SendResult{
		ID:            entry.ID,
		CorrelationID: entry.CorrelationID,
		Status:        domain.StatusRateLimited,
		RateLimit:     decision,
	}, decision.Err()
}

func (s *NotificationService) resolveContent(ctx context.Context, req SendRequest) (string, string, error) {
	subject, body := req.Subject, req.Body

	if req.TemplateID != nil {
		tmpl, err := s.templates.GetByID(ctx, *req.TemplateID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", "", domain.TemplateMissingError{TemplateID: *req.TemplateID}
			}
			return "", "", domain.StoreUnavailableError{Store: "template", Op: "get", Err: err}
		}
		if tmpl.Channel != req.Channel {
			return "", "", domain.NewValidationError("templateId",
				fmt.Sprintf("template %d is for channel %s, not %s", tmpl.ID, tmpl.Channel, req.Channel))
		}

		if subject == "" || body == "" {
			if missing := tmpl.Missing(req.TemplateVars); len(missing) > 0 {
				return "", "", fmt.Errorf("%w: %s", domain.ErrMissingVariables, strings.Join(missing, ", "))
			}
			renderedSubject, renderedBody := tmpl.Render(req.TemplateVars)
			if subject == "" {
				subject = renderedSubject
			}
			if body == "" {
				body = renderedBody
			}
		}
	}

	if body == "" {
		return "", "", domain.NewValidationError("body", "body is required")
	}
	if max := req.Channel.MaxBodyLength(); len(body) > max {
		return "", "", domain.NewValidationError("body",
			fmt.Sprintf("body exceeds maximum length of %d characters for %s channel", max, req.Channel))
	}
	return subject, body, nil
}

func (s *NotificationService) markEnqueueFailed(ctx context.Context, entry *domain.LogEntry, cause error) {
	details := "enqueue failed: " + cause.Error()
	updated, err := s.logs.Update(ctx, entry.CorrelationID, domain.LogUpdate{
		Status:       domain.StatusFailed,
		ErrorDetails: &details,
		At:           s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to mark unpublished notification failed",
			"correlation_id", entry.CorrelationID,
			"error", err,
		)
		return
	}
	s.logger.Error("failed to enqueue notification",
		"correlation_id", entry.CorrelationID,
		"error", cause,
	)
	s.notify(ctx, updated)
}

// GetByID retrieves a log entry by its numeric id
func (s *NotificationService) GetByID(ctx context.Context, id int64) (*domain.LogEntry, error) {
	return s.logs.GetByID(ctx, id)
}

// GetByCorrelationID retrieves a log entry by correlation id
func (s *NotificationService) GetByCorrelationID(ctx context.Context, id uuid.UUID) (*domain.LogEntry, error) {
	return s.logs.GetByCorrelationID(ctx, id)
}

// List lists log entries with filters
func (s *NotificationService) List(ctx context.Context, filter domain.LogFilter) (*domain.LogListResult, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, domain.NewValidationError("status", "invalid status")
	}
	if filter.Channel != nil && !filter.Channel.IsValid() {
		return nil, domain.NewValidationError("channel", "invalid channel")
	}
	filter.Normalize()
	return s.logs.List(ctx, filter)
}

// RateLimitStatus reports the window for a subject and channel without consuming it.
func (s *NotificationService) RateLimitStatus(ctx context.Context, subjectID string, channel domain.Channel) (ratelimit.Decision, error) {
	if !channel.IsValid() {
		return ratelimit.Decision{}, domain.NewValidationError("channel", "invalid channel")
	}
	return s.limiter.Status(ctx, subjectID, channel)
}

// ResetRateLimit clears the window for a subject and channel.
func (s *NotificationService) ResetRateLimit(ctx context.Context, subjectID string, channel domain.Channel) error {
	if !channel.IsValid() {
		return domain.NewValidationError("channel", "invalid channel")
	}
	if err := s.limiter.Reset(ctx, subjectID, channel); err != nil {
		return err
	}
	s.logger.Info("rate limit reset", "subject_id", subjectID, "channel", channel)
	return nil
}

func (s *NotificationService) notify(ctx context.Context, e *domain.LogEntry) {
	if s.notifier != nil {
		s.notifier.NotifyStatus(ctx, e)
	}
}

func validateSend(req SendRequest) error {
	var errs []domain.ValidationError

	if strings.TrimSpace(req.SubjectID) == "" {
		errs = append(errs, domain.NewValidationError("subjectId", "subjectId is required"))
	}
	if !req.Channel.IsValid() {
		errs = append(errs, domain.NewValidationError("channel", "channel must be one of email, sms, push"))
	}
	if len(strings.TrimSpace(req.Recipient)) < minRecipientLength {
		errs = append(errs, domain.NewValidationError("recipient",
			fmt.Sprintf("recipient must be at least %d characters", minRecipientLength)))
	}
	if req.TemplateID != nil && *req.TemplateID <= 0 {
		errs = append(errs, domain.NewValidationError("templateId", "templateId must be positive"))
	}
	if req.TemplateID == nil && req.Body == "" {
		errs = append(errs, domain.NewValidationError("body", "body is required"))
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return domain.ValidationErrors{Errors: errs}
}

func correlationID(raw string) uuid.UUID {
	if id, err := uuid.Parse(raw); err == nil && id != uuid.Nil {
		return id
	}
	return uuid.New()
}

func decisionLabel(d ratelimit.Decision) string {
	switch {
	case d.Degraded:
		return "degraded"
	case d.Allowed:
		return "allowed"
	}
	return "rejected"
}
