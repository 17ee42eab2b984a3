package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/domain"
)

// messageReader is the consumer group surface of *kafka.Reader the transport uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// messageWriter is the surface of *kafka.Writer the transport uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a Transport.
type Options struct {
	Brokers           []string
	Topic             string
	DeadLetterTopic   string
	GroupID           string
	PollTimeout       time.Duration
	// VisibilityTimeout is how long a fetched message may stay unacknowledged
	// before Reclaim republishes it.
	VisibilityTimeout time.Duration
	Clock             clock.Clock
}

// Producer publishes messages and dead letters without joining the consumer
// group. The intake process uses it on its own.
type Producer struct {
	writer messageWriter
	opts   Options
}

func NewProducer(opts Options) *Producer {
	if opts.DeadLetterTopic == "" {
		opts.DeadLetterTopic = opts.Topic + ".dlq"
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		opts: opts,
	}
}

// Transport implements domain.Transport and domain.Reclaimer over a consumer
// group. Offsets are committed explicitly, and only up to the contiguous
// acknowledged prefix of each partition. The broker does not redeliver a
// skipped offset while the member keeps its partitions, so Reclaim republishes
// deliveries left unacknowledged past the visibility timeout and releases
// their offsets.
type Transport struct {
	*Producer
	reader  messageReader
	tracker *offsetTracker
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]fetched
}

type fetched struct {
	msg       kafka.Message
	fetchedAt time.Time
}

func NewTransport(opts Options, logger *slog.Logger) *Transport {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return newTransport(opts, reader, NewProducer(opts), logger)
}

func newTransport(opts Options, reader messageReader, producer *Producer, logger *slog.Logger) *Transport {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	producer.opts.PollTimeout = opts.PollTimeout
	producer.opts.VisibilityTimeout = opts.VisibilityTimeout
	producer.opts.Clock = opts.Clock

	return &Transport{
		Producer: producer,
		reader:   reader,
		tracker:  newOffsetTracker(),
		logger:   logger.With("component", "kafka_transport", "topic", opts.Topic),
		inflight: make(map[string]fetched),
	}
}

func deliveryID(partition int, offset int64) string {
	return strconv.Itoa(partition) + ":" + strconv.FormatInt(offset, 10)
}

// Publish writes msg keyed by correlation id so every copy of one
// notification lands on the same partition.
func (p *Producer) Publish(ctx context.Context, msg *domain.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.opts.Topic,
		Key:   []byte(msg.CorrelationID.String()),
		Value: value,
	}); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume fetches the next message, waiting at most the poll timeout.
func (t *Transport) Consume(ctx context.Context) (*domain.Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, t.opts.PollTimeout)
	defer cancel()

	m, err := t.reader.FetchMessage(fetchCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}

	t.tracker.Track(m.Partition, m.Offset)
	id := deliveryID(m.Partition, m.Offset)

	var msg domain.Message
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		t.logger.Error("dead-lettering malformed payload", "delivery_id", id, "error", err)
		if err := t.writeDeadLetter(ctx, m.Key, malformedRecord(m.Value)); err != nil {
			return nil, err
		}
		return nil, t.commit(ctx, m)
	}

	t.mu.Lock()
	t.inflight[id] = fetched{msg: m, fetchedAt: t.opts.Clock.Now()}
	t.mu.Unlock()

	return &domain.Delivery{ID: id, Message: &msg}, nil
}

// Ack marks the delivery done and commits when the partition prefix advanced.
func (t *Transport) Ack(ctx context.Context, d *domain.Delivery) error {
	t.mu.Lock()
	f, ok := t.inflight[d.ID]
	delete(t.inflight, d.ID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delivery %s", d.ID)
	}
	return t.commit(ctx, f.msg)
}

// Reclaim republishes every delivery fetched before now minus the visibility
// timeout and then releases its offset. A republish failure keeps the
// delivery in flight for the next pass.
func (t *Transport) Reclaim(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-t.opts.VisibilityTimeout)

	t.mu.Lock()
	var expired []string
	for id, f := range t.inflight {
		if !f.fetchedAt.After(cutoff) {
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	reclaimed := 0
	var errs []error
	for _, id := range expired {
		t.mu.Lock()
		f, ok := t.inflight[id]
		delete(t.inflight, id)
		t.mu.Unlock()
		if !ok {
			continue // acked meanwhile
		}

		if err := t.writer.WriteMessages(ctx, kafka.Message{
			Topic: t.opts.Topic,
			Key:   f.msg.Key,
			Value: f.msg.Value,
		}); err != nil {
			t.mu.Lock()
			t.inflight[id] = f
			t.mu.Unlock()
			errs = append(errs, fmt.Errorf("failed to republish delivery %s: %w", id, err))
			continue
		}
		reclaimed++
		t.logger.Warn("republished unacknowledged delivery", "delivery_id", id, "fetched_at", f.fetchedAt)

		if err := t.commit(ctx, f.msg); err != nil {
			errs = append(errs, err)
		}
	}
	return reclaimed, errors.Join(errs...)
}

func (t *Transport) commit(ctx context.Context, m kafka.Message) error {
	offset, advanced := t.tracker.Ack(m.Partition, m.Offset)
	if !advanced {
		return nil
	}

	if err := t.reader.CommitMessages(ctx, kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    offset,
	}); err != nil {
		return fmt.Errorf("failed to commit offset %d on partition %d: %w", offset, m.Partition, err)
	}
	return nil
}

// DeadLetter writes the record to the dead-letter topic
func (p *Producer) DeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	var key []byte
	if dl.Message != nil {
		key = []byte(dl.Message.CorrelationID.String())
	}
	return p.writeDeadLetter(ctx, key, value)
}

func (p *Producer) writeDeadLetter(ctx context.Context, key, value []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.opts.DeadLetterTopic,
		Key:   key,
		Value: value,
	}); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return nil
}

// Stats reports consumer lag as ready and uncommitted fetches as in flight.
// Dead-letter topic depth is not observable from a consumer and reads zero.
func (t *Transport) Stats(context.Context) (domain.QueueStats, error) {
	return domain.QueueStats{
		Ready:    t.reader.Stats().Lag,
		InFlight: int64(t.tracker.Pending()),
	}, nil
}

// Stats of a bare producer are always zero. Depth is observable from the worker.
func (p *Producer) Stats(context.Context) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (t *Transport) Close() error {
	return errors.Join(t.reader.Close(), t.Producer.Close())
}

func malformedRecord(payload []byte) []byte {
	data, _ := json.Marshal(map[string]any{
		"payload":      string(payload),
		"error":        domain.ReasonMalformed,
		"dlqTimestamp": time.Now().UTC(),
	})
	return data
}
