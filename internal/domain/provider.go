package domain

import (
	"context"
	"time"
)

// ProviderRequest is the JSON body sent to the external provider.
type ProviderRequest struct {
	CorrelationID string  `json:"correlationId"`
	SubjectID     string  `json:"subjectId"`
	Recipient     string  `json:"recipient"`
	Body          string  `json:"body"`
	Subject       string  `json:"subject,omitempty"`
	Channel       Channel `json:"channel"`
}

// ProviderResponse represents a response from the external notification provider
type ProviderResponse struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher delivers one message to the external provider. Failures are one
// of ProviderHTTPError, ProviderUnreachableError, ProviderTimeoutError or
// UnsupportedChannelError.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) (*ProviderResponse, error)
}
