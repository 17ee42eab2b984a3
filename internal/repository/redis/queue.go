package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/domain"
)

// ackScript removes one delivery from the processing list and its lease.
//
// KEYS[1] processing list, KEYS[2] lease set
// ARGV[1] payload
var ackScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)

// reclaimScript moves deliveries whose lease expired back to the consuming end
// of the ready list. Processing entries without a lease (a consumer died between
// BLMOVE and ZADD) get one, so they are reclaimed on a later pass.
//
// KEYS[1] processing list, KEYS[2] lease set, KEYS[3] ready list
// ARGV[1] now (unix ms), ARGV[2] lease deadline for orphans (unix ms)
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local moved = 0
for _, payload in ipairs(expired) do
	redis.call('ZREM', KEYS[2], payload)
	if redis.call('LREM', KEYS[1], 1, payload) > 0 then
		redis.call('RPUSH', KEYS[3], payload)
		moved = moved + 1
	end
end

for _, payload in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	if not redis.call('ZSCORE', KEYS[2], payload) then
		redis.call('ZADD', KEYS[2], ARGV[2], payload)
	end
end
return moved
`)

// envelope is the list item. ID makes identical messages distinct list members.
type envelope struct {
	ID      string          `json:"id"`
	Message *domain.Message `json:"message"`
}

// malformedRecord is dead-lettered for payloads that do not decode.
type malformedRecord struct {
	Payload  string    `json:"payload"`
	Reason   string    `json:"error"`
	FailedAt time.Time `json:"dlqTimestamp"`
}

// QueueOptions names the keys and timings of a Queue.
type QueueOptions struct {
	Name              string
	DeadLetterName    string
	VisibilityTimeout time.Duration
	PollTimeout       time.Duration
	Clock             clock.Clock
}

// Queue implements domain.Transport and domain.Reclaimer as a reliable list:
// producers LPUSH onto the ready list, consumers BLMOVE into a processing list
// and hold a lease in a sorted set until Ack.
type Queue struct {
	client *Client
	opts   QueueOptions
	logger *slog.Logger

	mu       sync.Mutex
	payloads map[string]string
}

// NewQueue creates a new Queue
func NewQueue(client *Client, opts QueueOptions, logger *slog.Logger) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.DeadLetterName == "" {
		opts.DeadLetterName = opts.Name + ":dlq"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &Queue{
		client:   client,
		opts:     opts,
		logger:   logger.With("component", "redis_queue", "queue", opts.Name),
		payloads: make(map[string]string),
	}
}

func (q *Queue) readyKey() string      { return q.opts.Name }
func (q *Queue) processingKey() string { return q.opts.Name + ":processing" }
func (q *Queue) leaseKey() string      { return q.opts.Name + ":leases" }

// Publish adds a message to the ready list
func (q *Queue) Publish(ctx context.Context, msg *domain.Message) error {
	payload, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}

	if err := q.client.client.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Consume waits up to the poll timeout for the next message and leases it.
func (q *Queue) Consume(ctx context.Context) (*domain.Delivery, error) {
	payload, err := q.client.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}

	deadline := q.opts.Clock.Now().Add(q.opts.VisibilityTimeout)
	if err := q.client.client.ZAdd(ctx, q.leaseKey(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		// The entry stays in the processing list; Reclaim leases it later.
		q.logger.Warn("failed to lease delivery", "error", err)
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		q.logger.Error("dead-lettering malformed payload", "error", err)
		return nil, q.deadLetterMalformed(ctx, payload)
	}

	q.mu.Lock()
	q.payloads[env.ID] = payload
	q.mu.Unlock()

	return &domain.Delivery{ID: env.ID, Message: env.Message}, nil
}

// Ack removes the delivery from the processing list and drops its lease
func (q *Queue) Ack(ctx context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	payload, ok := q.payloads[d.ID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown delivery %s", d.ID)
	}

	removed, err := ackScript.Run(ctx, q.client.client, []string{q.processingKey(), q.leaseKey()}, payload).Int64()
	if err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}

	q.mu.Lock()
	delete(q.payloads, d.ID)
	q.mu.Unlock()

	if removed == 0 {
		// Reclaimed and redelivered before this ack; the other copy will ack itself.
		q.logger.Warn("acked delivery was no longer in processing", "delivery_id", d.ID)
	}
	return nil
}

// DeadLetter appends a record to the dead-letter list
func (q *Queue) DeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := q.client.client.LPush(ctx, q.opts.DeadLetterName, data).Err(); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	return nil
}

func (q *Queue) deadLetterMalformed(ctx context.Context, payload string) error {
	data, err := json.Marshal(malformedRecord{
		Payload:  payload,
		Reason:   domain.ReasonMalformed,
		FailedAt: q.opts.Clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal malformed record: %w", err)
	}

	pipe := q.client.client.TxPipeline()
	pipe.LPush(ctx, q.opts.DeadLetterName, data)
	pipe.LRem(ctx, q.processingKey(), 1, payload)
	pipe.ZRem(ctx, q.leaseKey(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter malformed payload: %w", err)
	}
	return nil
}

// Reclaim returns every delivery whose lease expired before now to the ready list.
func (q *Queue) Reclaim(ctx context.Context, now time.Time) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client.client,
		[]string{q.processingKey(), q.leaseKey(), q.readyKey()},
		now.UnixMilli(),
		now.Add(q.opts.VisibilityTimeout).UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", err)
	}
	return n, nil
}

// Stats returns the length of each list
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := q.client.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.LLen(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.opts.DeadLetterName)

	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("failed to get queue depths: %w", err)
	}

	return domain.QueueStats{
		Ready:      ready.Val(),
		InFlight:   processing.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

func encodeEnvelope(msg *domain.Message) (string, error) {
	data, err := json.Marshal(envelope{ID: ulid.Make().String(), Message: msg})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return string(data), nil
}

func decodeEnvelope(payload string) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.ID == "" || env.Message == nil {
		return nil, errors.New("envelope without id or message")
	}
	return &env, nil
}
