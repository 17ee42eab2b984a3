package redis

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

// DefaultStatusChannel is the pub/sub channel carrying log entry status changes.
const DefaultStatusChannel = "notification:status"

// StatusPublisher implements domain.StatusNotifier over Redis pub/sub.
// Publishing is best effort: a lost update never fails the caller.
type StatusPublisher struct {
	client  *Client
	channel string
	logger  *slog.Logger
}

func NewStatusPublisher(client *Client, channel string, logger *slog.Logger) *StatusPublisher {
	if channel == "" {
		channel = DefaultStatusChannel
	}
	return &StatusPublisher{client: client, channel: channel, logger: logger}
}

func (p *StatusPublisher) NotifyStatus(ctx context.Context, e *domain.LogEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to marshal status update", "error", err)
		return
	}
	if err := p.client.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("failed to publish status update",
			"correlation_id", e.CorrelationID,
			"status", e.Status,
			"error", err,
		)
	}
}

// StatusSubscriber relays published status changes to a local notifier,
// typically the websocket hub.
type StatusSubscriber struct {
	client  *Client
	channel string
	sink    domain.StatusNotifier
	logger  *slog.Logger
}

func NewStatusSubscriber(client *Client, channel string, sink domain.StatusNotifier, logger *slog.Logger) *StatusSubscriber {
	if channel == "" {
		channel = DefaultStatusChannel
	}
	return &StatusSubscriber{client: client, channel: channel, sink: sink, logger: logger}
}

// Run blocks until ctx is done.
func (s *StatusSubscriber) Run(ctx context.Context) error {
	sub := s.client.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info("subscribed to status updates", "channel", s.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var entry domain.LogEntry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				s.logger.Warn("dropping malformed status update", "error", err)
				continue
			}
			s.sink.NotifyStatus(ctx, &entry)
		}
	}
}
