package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of work published by intake and consumed by the worker.
// Only RetryCount and CircuitRetries change across republishes.
type Message struct {
	CorrelationID  uuid.UUID `json:"correlationId"`
	SubjectID      string    `json:"subjectId"`
	Channel        Channel   `json:"channel"`
	Recipient      string    `json:"recipient"`
	Body           string    `json:"body"`
	Subject        string    `json:"subject,omitempty"`
	TemplateID     *int64    `json:"templateId,omitempty"`
	LogID          int64     `json:"logId"`
	RetryCount     int       `json:"retryCount"`
	CircuitRetries int       `json:"circuitRetries,omitempty"`
	EnqueuedAt     time.Time `json:"enqueueTimestamp"`
}

// NewMessage builds the first-attempt message for a freshly inserted log entry.
func NewMessage(e *LogEntry, now time.Time) *Message {
	return &Message{
		CorrelationID: e.CorrelationID,
		SubjectID:     e.SubjectID,
		Channel:       e.Channel,
		Recipient:     e.Recipient,
		Body:          e.Body,
		Subject:       e.Subject,
		TemplateID:    e.TemplateID,
		LogID:         e.ID,
		EnqueuedAt:    now.UTC(),
	}
}

// Retry returns a copy for the next attempt.
func (m Message) Retry() *Message {
	m.RetryCount++
	return &m
}

// CircuitRetry returns a copy for a same-attempt republish after a circuit rejection.
func (m Message) CircuitRetry() *Message {
	m.CircuitRetries++
	return &m
}

// Delivery is one received copy of a Message. ID is transport specific and
// identifies the copy for Ack.
type Delivery struct {
	ID      string
	Message *Message
}

// Dead-letter reason tags that are not provider error texts.
const (
	ReasonTemplateMissing      = "template_missing"
	ReasonUnsupportedChannel   = "unsupported_channel"
	ReasonCircuitOpenExhausted = "circuit_open_exhausted"
	ReasonMalformed            = "malformed_message"
)

// DeadLetter is the record written to the dead-letter destination.
type DeadLetter struct {
	Message  *Message  `json:"message"`
	Reason   string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"dlqTimestamp"`
}

type QueueStats struct {
	Ready      int64 `json:"ready"`
	InFlight   int64 `json:"inFlight"`
	DeadLetter int64 `json:"deadLetter"`
}

// Transport is an at-least-once, explicitly acknowledged queue with a
// dead-letter destination.
type Transport interface {
	Publish(ctx context.Context, msg *Message) error
	// Consume blocks for at most the transport's poll timeout. It returns
	// (nil, nil) when nothing arrived.
	Consume(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, dl *DeadLetter) error
	Stats(ctx context.Context) (QueueStats, error)
}

// Reclaimer is implemented by transports whose unacknowledged deliveries must
// be returned to the queue explicitly once their lease lapses.
type Reclaimer interface {
	Reclaim(ctx context.Context, now time.Time) (int, error)
}
