package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/ratelimit"
)

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

// JSONError writes an error response
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// HandleError maps domain errors and error kinds to responses
func HandleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		JSONError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
		return

	case errors.Is(err, domain.ErrAlreadyExists):
		JSONError(w, http.StatusConflict, "ALREADY_EXISTS", "Resource already exists", nil)
		return

	case errors.Is(err, domain.ErrDuplicateCorrelationID):
		JSONError(w, http.StatusConflict, "DUPLICATE_CORRELATION_ID", "Correlation id already used", nil)
		return

	case errors.Is(err, domain.ErrInvalidTransition):
		JSONError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
		return

	case errors.Is(err, domain.ErrMissingVariables):
		JSONError(w, http.StatusBadRequest, "MISSING_VARIABLES", err.Error(), nil)
		return
	}

	var validationErr domain.ValidationError
	if errors.As(err, &validationErr) {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Message, map[string]string{
			"field": validationErr.Field,
		})
		return
	}

	var validationErrs domain.ValidationErrors
	if errors.As(err, &validationErrs) {
		JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", validationErrs.Errors)
		return
	}

	var rateLimited domain.RateLimitedError
	if errors.As(err, &rateLimited) {
		retryAfter := rateLimited.RetryAfter(time.Now())
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
		JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded", map[string]any{
			"limit":         rateLimited.Limit,
			"windowSeconds": int(rateLimited.Window / time.Second),
			"resetAt":       rateLimited.ResetAt.UTC(),
		})
		return
	}

	switch domain.KindOf(err) {
	case domain.KindTemplateMissing:
		JSONError(w, http.StatusNotFound, "TEMPLATE_NOT_FOUND", err.Error(), nil)
	case domain.KindStoreUnavailable:
		slog.Error("store unavailable", "error", err)
		JSONError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "A backing store is unavailable, try again later", nil)
	case domain.KindCircuitOpen:
		JSONError(w, http.StatusServiceUnavailable, "CIRCUIT_OPEN", err.Error(), nil)
	case domain.KindProviderHTTP, domain.KindProviderUnreachable, domain.KindProviderTimeout:
		JSONError(w, http.StatusBadGateway, "PROVIDER_ERROR", err.Error(), nil)
	default:
		slog.Error("internal error", "error", err)
		JSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred", nil)
	}
}

// DecodeJSON decodes JSON request body
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return domain.NewValidationError("body", "request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		return domain.NewValidationError("body", "invalid JSON: "+err.Error())
	}

	return nil
}

// newValidator reports fields under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationFailed converts validator errors into the domain shape.
func validationFailed(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.NewValidationError("body", err.Error())
	}

	out := domain.ValidationErrors{Errors: make([]domain.ValidationError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out.Errors = append(out.Errors, domain.NewValidationError(fe.Field(), msg))
	}
	return out
}

// setRateLimitHeaders writes the admission decision as X-RateLimit-* headers.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
}
