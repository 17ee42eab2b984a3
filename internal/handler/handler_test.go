package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/delay"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/metrics"
	"github.com/insider-one/notification-pipeline/internal/middleware"
	"github.com/insider-one/notification-pipeline/internal/ratelimit"
	"github.com/insider-one/notification-pipeline/internal/repository/memory"
	"github.com/insider-one/notification-pipeline/internal/service"
)

type apiFixture struct {
	router    http.Handler
	logs      *memory.LogStore
	transport *memory.Transport
	counters  *memory.CounterStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &apiFixture{
		logs:      memory.NewLogStore(),
		transport: memory.NewTransport(nil, time.Minute, 10*time.Millisecond),
		counters:  memory.NewCounterStore(),
	}
	templates := memory.NewTemplateStore()
	limiter := ratelimit.NewLimiter(f.counters, 2, time.Minute, nil, logger)

	notifications := NewNotificationHandler(service.NewNotificationService(f.logs, templates, f.transport, limiter, logger))
	templateHandler := NewTemplateHandler(service.NewTemplateService(templates, logger))

	r := chi.NewRouter()
	r.Use(middleware.Correlation)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", notifications.RegisterRoutes)
		r.Route("/ratelimit", notifications.RegisterRateLimitRoutes)
		r.Route("/templates", templateHandler.RegisterRoutes)
	})
	f.router = r
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

const sendBody = `{"subjectId":"u1","channel":"email","recipient":"a@b.co","subject":"Hi","body":"Hello"}`

func TestNotificationHandler_Send(t *testing.T) {
	f := newAPIFixture(t)
	cid := uuid.NewString()

	rec, resp := f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, map[string]string{
		middleware.CorrelationIDHeader: cid,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, cid, data["correlationId"])
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Len(t, f.transport.Published(), 1)

	// Same correlation id again.
	rec, resp = f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, map[string]string{
		middleware.CorrelationIDHeader: cid,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_CORRELATION_ID", resp.Error.Code)
	assert.Len(t, f.transport.Published(), 1)
}

func TestNotificationHandler_SendRateLimited(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec, resp := f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, f.transport.Published(), 2)
}

func TestNotificationHandler_SendDegraded(t *testing.T) {
	f := newAPIFixture(t)
	f.counters.Err = errors.New("redis down")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-RateLimit-Degraded"))
}

func TestNotificationHandler_SendValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"subjectId":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", `{"subjectId":"u1","priority":"high"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad channel", `{"subjectId":"u1","channel":"fax","recipient":"abc","body":"x"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"short recipient", `{"subjectId":"u1","channel":"sms","recipient":"ab","body":"x"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing body", `{"subjectId":"u1","channel":"sms","recipient":"abc"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown template", `{"subjectId":"u1","channel":"sms","recipient":"abc","templateId":9}`, http.StatusNotFound, "TEMPLATE_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			rec, resp := f.do(t, http.MethodPost, "/api/v1/notifications/send", tt.body, nil)

			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Empty(t, f.transport.Published())
		})
	}
}

func TestNotificationHandler_SendStoreUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.transport.PublishErr = errors.New("queue down")

	rec, resp := f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
}

func TestNotificationHandler_Lookup(t *testing.T) {
	f := newAPIFixture(t)
	cid := uuid.NewString()
	_, _ = f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, map[string]string{
		middleware.CorrelationIDHeader: cid,
	})

	rec, resp := f.do(t, http.MethodGet, "/api/v1/notifications/correlation/"+cid, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := resp.Data.(map[string]any)
	assert.Equal(t, "queued", entry["status"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/notifications/status/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = f.do(t, http.MethodGet, "/api/v1/notifications/status/42", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/notifications/status/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = f.do(t, http.MethodGet, "/api/v1/notifications?channel=email&page_size=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := resp.Data.(map[string]any)
	assert.Equal(t, float64(1), list["total"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/notifications?page=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationHandler_RateLimitRoutes(t *testing.T) {
	f := newAPIFixture(t)
	_, _ = f.do(t, http.MethodPost, "/api/v1/notifications/send", sendBody, nil)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/ratelimit/u1/email", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), resp.Data.(map[string]any)["remaining"])

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/ratelimit/u1/email", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, resp = f.do(t, http.MethodGet, "/api/v1/ratelimit/u1/email", "", nil)
	assert.Equal(t, float64(2), resp.Data.(map[string]any)["remaining"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/ratelimit/u1/fax", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.counters.Err = errors.New("redis down")
	rec, _ = f.do(t, http.MethodGet, "/api/v1/ratelimit/u1/email", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTemplateHandler_CRUD(t *testing.T) {
	f := newAPIFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/templates",
		`{"name":"welcome","channel":"email","subjectTemplate":"Hi {{name}}","bodyTemplate":"Welcome {{name}}"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := resp.Data.(map[string]any)
	assert.Equal(t, []any{"name"}, created["variables"])

	rec, resp = f.do(t, http.MethodPost, "/api/v1/templates",
		`{"name":"welcome","channel":"email","bodyTemplate":"x"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_EXISTS", resp.Error.Code)

	rec, resp = f.do(t, http.MethodPost, "/api/v1/templates", `{"name":"x","channel":"fax","bodyTemplate":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	details := resp.Error.Details.([]any)
	assert.Equal(t, "channel", details[0].(map[string]any)["field"])

	rec, resp = f.do(t, http.MethodPost, "/api/v1/templates/1/render", `{"variables":{"name":"Ada"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome Ada", resp.Data.(map[string]any)["body"])

	rec, resp = f.do(t, http.MethodPost, "/api/v1/templates/1/render", `{"variables":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_VARIABLES", resp.Error.Code)

	rec, _ = f.do(t, http.MethodPut, "/api/v1/templates/1", `{"bodyTemplate":"Bye {{name}}"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/templates/name/welcome", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/templates/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/templates/1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/templates/zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendWithTemplate(t *testing.T) {
	f := newAPIFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/v1/templates", `{"name":"otp","channel":"sms","bodyTemplate":"Code {{code}}"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/notifications/send",
		`{"subjectId":"u1","channel":"sms","recipient":"+90555","templateId":1,"templateVars":{"code":"7"}}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	published := f.transport.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "Code 7", published[0].Body)
	require.NotNil(t, published[0].TemplateID)
	assert.Equal(t, int64(1), *published[0].TemplateID)
}

func TestAdminHandler(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	breakers := breaker.NewSet(breaker.Settings{Name: "provider", FailureThreshold: 1, Clock: clk}, true)
	delays := delay.New(clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := delays.Schedule(uuid.NewString(), "retry", time.Minute, func() {})
	require.NoError(t, err)

	_ = breakers.For(domain.ChannelSMS).Execute(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})
	require.Equal(t, breaker.StateOpen, breakers.For(domain.ChannelSMS).State())

	r := chi.NewRouter()
	NewAdminHandler(breakers, delays).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	snapshots := resp.Data.([]any)
	assert.Len(t, snapshots, 3)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breakers/provider:sms/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, breakers.For(domain.ChannelSMS).State())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breakers/nope/reset", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scheduled", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp.Data.(map[string]any)["count"])
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler()
	h.AddChecker("postgres", HealthFunc(func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddChecker("redis", HealthFunc(func(context.Context) error { return errors.New("down") }))

	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report struct {
		Data HealthStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unhealthy", report.Data.Status)
	assert.Equal(t, "healthy", report.Data.Components["postgres"].Status)
	assert.Equal(t, "down", report.Data.Components["redis"].Message)

	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"down"`)
	assert.NotContains(t, rec.Body.String(), "postgres")

	rec = httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsHandler_Realtime(t *testing.T) {
	transport := memory.NewTransport(nil, time.Minute, time.Millisecond)
	require.NoError(t, transport.Publish(context.Background(), &domain.Message{CorrelationID: uuid.New()}))
	hub := NewWebSocketHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := NewMetricsHandler(metrics.New(nil), transport, hub)

	rec := httptest.NewRecorder()
	h.Realtime(rec, httptest.NewRequest(http.MethodGet, "/metrics/realtime", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	queue := resp.Data.(map[string]any)["queue"].(map[string]any)
	assert.Equal(t, float64(1), queue["ready"])
}

func TestClientFilter_Matches(t *testing.T) {
	id := uuid.New()
	entry := &domain.LogEntry{CorrelationID: id, SubjectID: "u1", Channel: domain.ChannelSMS}

	tests := []struct {
		name   string
		filter *ClientFilter
		want   bool
	}{
		{"nil filter", nil, true},
		{"empty filter", &ClientFilter{}, true},
		{"correlation match", &ClientFilter{CorrelationIDs: []uuid.UUID{id}}, true},
		{"subject match", &ClientFilter{SubjectIDs: []string{"u1"}}, true},
		{"channel mismatch", &ClientFilter{Channels: []domain.Channel{domain.ChannelEmail}}, false},
		{"any list matches", &ClientFilter{SubjectIDs: []string{"u2"}, Channels: []domain.Channel{domain.ChannelSMS}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(entry))
		})
	}
}
