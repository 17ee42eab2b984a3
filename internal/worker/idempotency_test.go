package worker

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/insider-one/notification-pipeline/internal/clock"
)

func TestIdempotencyCache_SeenWithinTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewIdempotencyCache(time.Minute, 0, clk)
	id := uuid.New()

	assert.False(t, c.Seen(id))
	c.Remember(id)
	assert.True(t, c.Seen(id))

	clk.Advance(59 * time.Second)
	assert.True(t, c.Seen(id))

	clk.Advance(time.Second)
	assert.False(t, c.Seen(id), "expired at exactly ttl")
	assert.Zero(t, c.Len())
}

func TestIdempotencyCache_RememberRefreshesTTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewIdempotencyCache(time.Minute, 0, clk)
	id := uuid.New()

	c.Remember(id)
	clk.Advance(40 * time.Second)
	c.Remember(id)
	clk.Advance(40 * time.Second)

	assert.True(t, c.Seen(id))
	assert.Equal(t, 1, c.Len())
}

func TestIdempotencyCache_EvictsOldest(t *testing.T) {
	c := NewIdempotencyCache(time.Hour, 2, clock.NewFake(time.Unix(0, 0)))
	a, b, d := uuid.New(), uuid.New(), uuid.New()

	c.Remember(a)
	c.Remember(b)
	c.Remember(a) // a becomes newest
	c.Remember(d)

	assert.True(t, c.Seen(a))
	assert.False(t, c.Seen(b))
	assert.True(t, c.Seen(d))
	assert.Equal(t, 2, c.Len())
}

func TestIdempotencyCache_Sweep(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewIdempotencyCache(time.Minute, 0, clk)

	c.Remember(uuid.New())
	c.Remember(uuid.New())
	clk.Advance(30 * time.Second)
	keep := uuid.New()
	c.Remember(keep)
	clk.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen(keep))
	assert.Zero(t, c.Sweep())
}
