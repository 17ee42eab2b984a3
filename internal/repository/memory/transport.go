package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/domain"
)

type lease struct {
	msg      *domain.Message
	deadline time.Time
}

// Transport is an in-process domain.Transport with lease based redelivery.
type Transport struct {
	mu          sync.Mutex
	clock       clock.Clock
	visibility  time.Duration
	pollTimeout time.Duration
	seq         int64
	ready       []*domain.Message
	inflight    map[string]lease
	deadLetters []*domain.DeadLetter
	published   []*domain.Message
	signal      chan struct{}

	// PublishErr and DeadLetterErr, when set, fail the matching calls.
	PublishErr    error
	DeadLetterErr error
}

func NewTransport(clk clock.Clock, visibility, pollTimeout time.Duration) *Transport {
	if clk == nil {
		clk = clock.Real()
	}
	return &Transport{
		clock:       clk,
		visibility:  visibility,
		pollTimeout: pollTimeout,
		inflight:    make(map[string]lease),
		signal:      make(chan struct{}, 1),
	}
}

func (t *Transport) Publish(_ context.Context, msg *domain.Message) error {
	t.mu.Lock()
	if t.PublishErr != nil {
		t.mu.Unlock()
		return t.PublishErr
	}
	cp := *msg
	t.ready = append(t.ready, &cp)
	t.published = append(t.published, &cp)
	t.mu.Unlock()

	t.wake()
	return nil
}

func (t *Transport) Consume(ctx context.Context) (*domain.Delivery, error) {
	if d := t.pop(); d != nil {
		return d, nil
	}

	timer := time.NewTimer(t.pollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-t.signal:
	}
	return t.pop(), nil
}

func (t *Transport) pop() *domain.Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ready) == 0 {
		return nil
	}
	msg := t.ready[0]
	t.ready = t.ready[1:]

	t.seq++
	id := strconv.FormatInt(t.seq, 10)
	t.inflight[id] = lease{msg: msg, deadline: t.clock.Now().Add(t.visibility)}

	cp := *msg
	return &domain.Delivery{ID: id, Message: &cp}
}

func (t *Transport) Ack(_ context.Context, d *domain.Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[d.ID]; !ok {
		return fmt.Errorf("unknown delivery %s", d.ID)
	}
	delete(t.inflight, d.ID)
	return nil
}

func (t *Transport) DeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.DeadLetterErr != nil {
		return t.DeadLetterErr
	}
	cp := *dl
	t.deadLetters = append(t.deadLetters, &cp)
	return nil
}

func (t *Transport) Stats(context.Context) (domain.QueueStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.QueueStats{
		Ready:      int64(len(t.ready)),
		InFlight:   int64(len(t.inflight)),
		DeadLetter: int64(len(t.deadLetters)),
	}, nil
}

// Reclaim returns deliveries whose lease expired at now to the ready queue.
func (t *Transport) Reclaim(_ context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	reclaimed := 0
	for id, l := range t.inflight {
		if now.Before(l.deadline) {
			continue
		}
		delete(t.inflight, id)
		t.ready = append(t.ready, l.msg)
		reclaimed++
	}
	t.mu.Unlock()

	if reclaimed > 0 {
		t.wake()
	}
	return reclaimed, nil
}

// DeadLetters returns a copy of everything dead-lettered so far.
func (t *Transport) DeadLetters() []*domain.DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.DeadLetter(nil), t.deadLetters...)
}

// Published returns every message ever published, in order.
func (t *Transport) Published() []*domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.Message(nil), t.published...)
}

// Next pops the next ready message as a delivery without waiting.
func (t *Transport) Next() *domain.Delivery {
	return t.pop()
}

func (t *Transport) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}
