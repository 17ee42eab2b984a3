package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/delay"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/metrics"
	"github.com/insider-one/notification-pipeline/internal/repository/memory"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if label == "" {
				return m.GetGauge().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestJanitor_Reclaim(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	transport := memory.NewTransport(clk, 30*time.Second, 10*time.Millisecond)
	j := NewJanitor(JanitorDependencies{Transport: transport, Reclaimer: transport, Clock: clk}, Schedules{}, testLogger())

	require.NoError(t, transport.Publish(context.Background(), &domain.Message{CorrelationID: uuid.New()}))
	require.NotNil(t, transport.Next())

	assert.Zero(t, j.Reclaim(context.Background()))
	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, j.Reclaim(context.Background()))
	assert.NotNil(t, transport.Next())
}

func TestJanitor_ReclaimWithoutReclaimer(t *testing.T) {
	j := NewJanitor(JanitorDependencies{}, Schedules{}, testLogger())
	assert.Zero(t, j.Reclaim(context.Background()))
}

func TestJanitor_SweepAndGauges(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	transport := memory.NewTransport(clk, time.Minute, 10*time.Millisecond)
	cache := NewIdempotencyCache(time.Minute, 0, clk)
	delays := delay.New(clk, testLogger())
	breakers := breaker.NewSet(breaker.Settings{Name: "provider", Clock: clk}, false)

	for i := 0; i < 3; i++ {
		require.NoError(t, transport.Publish(context.Background(), &domain.Message{CorrelationID: uuid.New()}))
	}
	require.NotNil(t, transport.Next())
	_, err := delays.Schedule("k", "retry", time.Hour, func() {})
	require.NoError(t, err)

	cache.Remember(uuid.New())
	clk.Advance(2 * time.Minute)
	cache.Remember(uuid.New())

	j := NewJanitor(JanitorDependencies{
		Transport: transport,
		Cache:     cache,
		Breakers:  breakers,
		Delays:    delays,
		Metrics:   m,
		Clock:     clk,
	}, Schedules{}, testLogger())

	assert.Equal(t, 1, j.Sweep())
	j.RefreshGauges(context.Background())

	assert.Equal(t, 2.0, gaugeValue(t, reg, "notification_queue_depth", "ready"))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "notification_queue_depth", "in_flight"))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "notification_queue_depth", "dead_letter"))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "notification_scheduled_republishes", ""))
	assert.Equal(t, 1.0, gaugeValue(t, reg, "notification_idempotency_cache_entries", ""))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "notification_circuit_breaker_state", "provider"))
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(JanitorDependencies{Cache: NewIdempotencyCache(time.Minute, 0, nil)}, Schedules{Sweep: "not a schedule"}, testLogger())
	assert.Error(t, j.Start(context.Background()))
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(JanitorDependencies{Cache: NewIdempotencyCache(time.Minute, 0, nil)}, Schedules{Sweep: "@every 1m", Gauges: "@every 10s"}, testLogger())
	require.NoError(t, j.Start(context.Background()))
	require.NoError(t, j.Start(context.Background()))
	j.Stop()
	j.Stop()
}
