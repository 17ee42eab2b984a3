package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/middleware"
	"github.com/insider-one/notification-pipeline/internal/service"
)

// NotificationHandler handles notification HTTP requests
type NotificationHandler struct {
	service  *service.NotificationService
	validate *validator.Validate
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(service *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{
		service:  service,
		validate: newValidator(),
	}
}

// RegisterRoutes registers notification routes
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/send", h.Send)
	r.Get("/", h.List)
	r.Get("/status/{id}", h.GetByID)
	r.Get("/correlation/{correlationId}", h.GetByCorrelationID)
}

// RegisterRateLimitRoutes registers rate limit inspection routes
func (h *NotificationHandler) RegisterRateLimitRoutes(r chi.Router) {
	r.Get("/{subjectId}/{channel}", h.RateLimitStatus)
	r.Delete("/{subjectId}/{channel}", h.ResetRateLimit)
}

// SendNotificationRequest represents a request to send a notification
// @Description Request to send a notification
type SendNotificationRequest struct {
	SubjectID    string            `json:"subjectId" validate:"required" example:"user-42"`
	Channel      domain.Channel    `json:"channel" validate:"required,oneof=email sms push" example:"sms"`
	Recipient    string            `json:"recipient" validate:"required,min=3" example:"+905551234567"`
	Subject      string            `json:"subject,omitempty" example:"Welcome"`
	Body         string            `json:"body,omitempty" example:"Your verification code is 123456"`
	TemplateID   *int64            `json:"templateId,omitempty" validate:"omitempty,gt=0" example:"1"`
	TemplateVars map[string]string `json:"templateVars,omitempty"`
}

// Send accepts a notification for asynchronous delivery
// @Summary Send notification
// @Description Rate-limit, log and enqueue a notification. The X-Correlation-ID header is used as the correlation id when it is a UUID.
// @Tags notifications
// @Accept json
// @Produce json
// @Param X-Correlation-ID header string false "Correlation id (UUID)"
// @Param notification body SendNotificationRequest true "Notification request"
// @Success 202 {object} Response{data=service.SendResult}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Failure 429 {object} Response
// @Failure 503 {object} Response
// @Router /api/v1/notifications/send [post]
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if err := DecodeJSON(r, &req); err != nil {
		HandleError(w, err)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		HandleError(w, validationFailed(err))
		return
	}

	result, err := h.service.Send(r.Context(), service.SendRequest{
		CorrelationID: middleware.GetCorrelationID(r.Context()),
		SubjectID:     req.SubjectID,
		Channel:       req.Channel,
		Recipient:     req.Recipient,
		Subject:       req.Subject,
		Body:          req.Body,
		TemplateID:    req.TemplateID,
		TemplateVars:  req.TemplateVars,
	})
	if result != nil {
		setRateLimitHeaders(w, result.RateLimit)
		w.Header().Set(middleware.CorrelationIDHeader, result.CorrelationID.String())
	}
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusAccepted, result)
}

// GetByID retrieves a notification log entry by ID
// @Summary Get notification status
// @Description Get a notification log entry by its numeric ID
// @Tags notifications
// @Produce json
// @Param id path int true "Log entry ID"
// @Success 200 {object} Response{data=domain.LogEntry}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/notifications/status/{id} [get]
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		JSONError(w, http.StatusBadRequest, "INVALID_ID", "Invalid notification ID", nil)
		return
	}

	entry, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, entry)
}

// GetByCorrelationID retrieves a notification log entry by correlation ID
// @Summary Get notification by correlation id
// @Tags notifications
// @Produce json
// @Param correlationId path string true "Correlation ID"
// @Success 200 {object} Response{data=domain.LogEntry}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/v1/notifications/correlation/{correlationId} [get]
func (h *NotificationHandler) GetByCorrelationID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "correlationId"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "INVALID_ID", "Invalid correlation ID", nil)
		return
	}

	entry, err := h.service.GetByCorrelationID(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, entry)
}

// List lists notification log entries with filters
// @Summary List notifications
// @Description List notification log entries, newest first
// @Tags notifications
// @Produce json
// @Param status query string false "Filter by status" Enums(queued, sent, failed, retried, rate_limited, circuit_open)
// @Param channel query string false "Filter by channel" Enums(email, sms, push)
// @Param subjectId query string false "Filter by subject"
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Page size" default(20)
// @Success 200 {object} Response{data=domain.LogListResult}
// @Failure 400 {object} Response
// @Router /api/v1/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		HandleError(w, err)
		return
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, result)
}

// RateLimitStatus reports a subject's window without consuming it
// @Summary Rate limit status
// @Tags ratelimit
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Param channel path string true "Channel" Enums(email, sms, push)
// @Success 200 {object} Response{data=ratelimit.Decision}
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /api/v1/ratelimit/{subjectId}/{channel} [get]
func (h *NotificationHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectId")
	channel := domain.Channel(chi.URLParam(r, "channel"))

	decision, err := h.service.RateLimitStatus(r.Context(), subjectID, channel)
	if err != nil {
		HandleError(w, err)
		return
	}

	setRateLimitHeaders(w, decision)
	JSON(w, http.StatusOK, decision)
}

// ResetRateLimit clears a subject's window
// @Summary Reset rate limit
// @Tags ratelimit
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Param channel path string true "Channel" Enums(email, sms, push)
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /api/v1/ratelimit/{subjectId}/{channel} [delete]
func (h *NotificationHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectId")
	channel := domain.Channel(chi.URLParam(r, "channel"))

	if err := h.service.ResetRateLimit(r.Context(), subjectID, channel); err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"message": "Rate limit reset",
	})
}

func parseLogFilter(r *http.Request) (domain.LogFilter, error) {
	q := r.URL.Query()
	filter := domain.LogFilter{}

	if status := q.Get("status"); status != "" {
		s := domain.Status(status)
		filter.Status = &s
	}
	if channel := q.Get("channel"); channel != "" {
		c := domain.Channel(channel)
		filter.Channel = &c
	}
	if subject := q.Get("subjectId"); subject != "" {
		filter.SubjectID = &subject
	}

	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		return filter, domain.NewValidationError("page", "page must be a number")
	}
	if filter.PageSize, err = intParam(q.Get("page_size")); err != nil {
		return filter, domain.NewValidationError("page_size", "page_size must be a number")
	}

	return filter, nil
}

var errNotNumber = errors.New("not a number")

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errNotNumber
	}
	return n, nil
}
