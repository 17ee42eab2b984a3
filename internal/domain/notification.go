package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Channel represents the notification delivery channel
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// MaxBodyLength is the largest body accepted for the channel.
func (c Channel) MaxBodyLength() int {
	switch c {
	case ChannelSMS:
		return 160 * 4 // up to 4 SMS segments
	case ChannelPush:
		return 4096
	case ChannelEmail:
		return 100000
	}
	return 0
}

type Status string

const (
	StatusQueued      Status = "queued"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusRetried     Status = "retried"
	StatusRateLimited Status = "rate_limited"
	StatusCircuitOpen Status = "circuit_open"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusFailed, StatusRetried, StatusRateLimited, StatusCircuitOpen:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
// rate_limited entries never enter the pipeline, so they are terminal too.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusRateLimited
}

// transitions maps a status to the statuses an update may move it to.
// In-flight states (retried, circuit_open) may repeat; nothing returns to queued.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusSent, StatusFailed, StatusRetried, StatusCircuitOpen},
	StatusRetried:     {StatusSent, StatusFailed, StatusRetried, StatusCircuitOpen},
	StatusCircuitOpen: {StatusSent, StatusFailed, StatusRetried, StatusCircuitOpen},
}

// CanTransitionTo reports whether a log entry in status s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf returns every status from which next is reachable. Stores use it
// to express conditional updates.
func SourcesOf(next Status) []Status {
	sources := make([]Status, 0, len(transitions))
	for _, from := range []Status{StatusQueued, StatusRetried, StatusCircuitOpen} {
		if from.CanTransitionTo(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// LogEntry is the durable record of one notification, keyed by CorrelationID.
type LogEntry struct {
	ID                int64      `json:"id"`
	CorrelationID     uuid.UUID  `json:"correlationId"`
	SubjectID         string     `json:"subjectId"`
	Channel           Channel    `json:"channel"`
	Recipient         string     `json:"recipient"`
	Subject           string     `json:"subject,omitempty"`
	Body              string     `json:"body"`
	TemplateID        *int64     `json:"templateId,omitempty"`
	Status            Status     `json:"status"`
	RetryCount        int        `json:"retryCount"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	ErrorDetails      *string    `json:"errorDetails,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// NewLogEntry builds a queued entry for a fresh correlation id.
func NewLogEntry(correlationID uuid.UUID, subjectID string, channel Channel, recipient, subject, body string) *LogEntry {
	now := time.Now().UTC()
	return &LogEntry{
		CorrelationID: correlationID,
		SubjectID:     subjectID,
		Channel:       channel,
		Recipient:     recipient,
		Subject:       subject,
		Body:          body,
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// LogUpdate is a single-row conditional status change keyed by correlation id.
// The store applies it only when the current status can transition to Status.
type LogUpdate struct {
	Status            Status
	RetryCount        *int
	SentAt            *time.Time
	ErrorDetails      *string
	ClearError        bool
	ProviderMessageID *string
	At                time.Time
}

// Apply mutates e according to u. Callers must have checked the transition.
func (u LogUpdate) Apply(e *LogEntry) {
	e.Status = u.Status
	if u.RetryCount != nil {
		e.RetryCount = *u.RetryCount
	}
	if u.SentAt != nil {
		t := *u.SentAt
		e.SentAt = &t
	}
	if u.ClearError {
		e.ErrorDetails = nil
	}
	if u.ErrorDetails != nil {
		msg := *u.ErrorDetails
		e.ErrorDetails = &msg
	}
	if u.ProviderMessageID != nil {
		id := *u.ProviderMessageID
		e.ProviderMessageID = &id
	}
	if !u.At.IsZero() {
		e.UpdatedAt = u.At
	}
}

type LogFilter struct {
	Status    *Status
	Channel   *Channel
	SubjectID *string
	Page      int
	PageSize  int
}

// Normalize clamps pagination to sane bounds.
func (f *LogFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
}

type LogListResult struct {
	Entries    []*LogEntry `json:"entries"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// LogStore is the durable append/lookup/update log of notifications.
type LogStore interface {
	// Insert stores e and fills its ID. A second insert with the same
	// correlation id fails with ErrDuplicateCorrelationID.
	Insert(ctx context.Context, e *LogEntry) error
	GetByID(ctx context.Context, id int64) (*LogEntry, error)
	GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*LogEntry, error)
	// Update applies u when the entry's current status allows it. It returns
	// ErrNotFound for an unknown id and ErrInvalidTransition otherwise.
	Update(ctx context.Context, correlationID uuid.UUID, u LogUpdate) (*LogEntry, error)
	List(ctx context.Context, filter LogFilter) (*LogListResult, error)
}

// StatusNotifier fans status changes out to interested observers.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, e *LogEntry)
}
