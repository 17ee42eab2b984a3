package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/insider-one/notification-pipeline/internal/config"
	"github.com/insider-one/notification-pipeline/internal/domain"
)

const (
	maxErrorBody = 512
	// maxResponseBody bounds how much of a provider response is read.
	maxResponseBody = 1 << 20
)

var endpoints = map[domain.Channel]string{
	domain.ChannelEmail: "/send-email",
	domain.ChannelSMS:   "/send-sms",
	domain.ChannelPush:  "/send-push",
}

// HTTPDispatcher implements domain.Dispatcher against the provider's
// per-channel HTTP endpoints.
type HTTPDispatcher struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewHTTPDispatcher(cfg config.ProviderConfig, logger *slog.Logger) *HTTPDispatcher {
	d := &HTTPDispatcher{
		// The per-call deadline comes from the request context. The transport
		// opens the client span and injects trace context into the headers.
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		tracer:  otel.Tracer("notification-pipeline/provider"),
		logger:  logger,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return d
}

// Dispatch posts msg to the endpoint of its channel.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg *domain.Message) (*domain.ProviderResponse, error) {
	path, ok := endpoints[msg.Channel]
	if !ok {
		return nil, domain.UnsupportedChannelError{Channel: msg.Channel}
	}
	endpoint := d.baseURL + path

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to wait for provider rate limit: %w", err)
		}
	}

	ctx, span := d.tracer.Start(ctx, "provider.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.correlation_id", msg.CorrelationID.String()),
		attribute.String("notification.channel", string(msg.Channel)),
		attribute.String("http.url", endpoint),
	)

	resp, err := d.post(ctx, endpoint, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, err
	}
	return resp, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, endpoint string, msg *domain.Message) (*domain.ProviderResponse, error) {
	body, err := json.Marshal(domain.ProviderRequest{
		CorrelationID: msg.CorrelationID.String(),
		SubjectID:     msg.SubjectID,
		Recipient:     msg.Recipient,
		Body:          msg.Body,
		Subject:       msg.Subject,
		Channel:       msg.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", msg.CorrelationID.String())

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, d.classify(ctx, callCtx, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, d.classify(ctx, callCtx, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.ProviderHTTPError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Status, respBody)}
	}

	var providerResp domain.ProviderResponse
	if err := json.Unmarshal(respBody, &providerResp); err != nil || providerResp.MessageID == "" {
		d.logger.Debug("provider returned no message id, generating one",
			"correlation_id", msg.CorrelationID,
			"status", resp.StatusCode,
		)
		providerResp.MessageID = "msg-" + ulid.Make().String()
	}
	if providerResp.Status == "" {
		providerResp.Status = "accepted"
	}
	if providerResp.Timestamp.IsZero() {
		providerResp.Timestamp = time.Now().UTC()
	}

	return &providerResp, nil
}

// classify maps a transport failure into the provider error taxonomy.
// Cancellation of the caller's own context is passed through untouched.
func (d *HTTPDispatcher) classify(parent, call context.Context, endpoint string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("provider call abandoned: %w", parent.Err())
	}

	var netErr net.Error
	if errors.Is(call.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.ProviderTimeoutError{Endpoint: endpoint, Timeout: d.timeout}
	}
	return domain.ProviderUnreachableError{Endpoint: endpoint, Err: err}
}

// errorMessage prefers the provider's JSON error text over the raw body.
func errorMessage(status string, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return status
	}
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}
