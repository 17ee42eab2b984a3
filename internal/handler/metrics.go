package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/metrics"
)

// QueueStatsSource reports queue depth by segment.
type QueueStatsSource interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// MetricsHandler handles metrics endpoints
type MetricsHandler struct {
	metrics *metrics.Metrics
	queue   QueueStatsSource
	hub     *WebSocketHub
}

// NewMetricsHandler creates a new MetricsHandler. hub may be nil.
func NewMetricsHandler(m *metrics.Metrics, queue QueueStatsSource, hub *WebSocketHub) *MetricsHandler {
	return &MetricsHandler{
		metrics: m,
		queue:   queue,
		hub:     hub,
	}
}

// Handler returns the Prometheus HTTP handler
func (h *MetricsHandler) Handler() http.Handler {
	return h.metrics.Handler()
}

// RealtimeMetrics represents real-time queue metrics
type RealtimeMetrics struct {
	Queue            domain.QueueStats `json:"queue"`
	WebSocketClients int               `json:"websocketClients"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Realtime handles real-time metrics requests
// @Summary Real-time metrics
// @Description Get real-time queue depths and connected status stream clients
// @Tags metrics
// @Produce json
// @Success 200 {object} Response{data=RealtimeMetrics}
// @Failure 503 {object} Response
// @Router /metrics/realtime [get]
func (h *MetricsHandler) Realtime(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		JSONError(w, http.StatusServiceUnavailable, "METRICS_ERROR", "Failed to get queue depths", nil)
		return
	}

	h.metrics.SetQueueDepth("ready", stats.Ready)
	h.metrics.SetQueueDepth("in_flight", stats.InFlight)
	h.metrics.SetQueueDepth("dead_letter", stats.DeadLetter)

	out := RealtimeMetrics{Queue: stats, Timestamp: time.Now().UTC()}
	if h.hub != nil {
		out.WebSocketClients = h.hub.GetClientCount()
	}

	JSON(w, http.StatusOK, out)
}
