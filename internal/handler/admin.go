package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/delay"
)

// AdminHandler exposes worker internals: breaker state and pending republishes.
type AdminHandler struct {
	breakers *breaker.Set
	delays   *delay.Queue
}

func NewAdminHandler(breakers *breaker.Set, delays *delay.Queue) *AdminHandler {
	return &AdminHandler{breakers: breakers, delays: delays}
}

// RegisterRoutes registers admin routes
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/breakers", h.Breakers)
	r.Post("/breakers/{name}/reset", h.ResetBreaker)
	r.Get("/scheduled", h.Scheduled)
}

// Breakers lists breaker snapshots
// @Summary Circuit breaker status
// @Description State, counters, recent transitions and next attempt time of every breaker
// @Tags admin
// @Produce json
// @Success 200 {object} Response{data=[]breaker.Snapshot}
// @Router /breakers [get]
func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.breakers.Snapshots())
}

// ResetBreaker forces a breaker closed
// @Summary Reset circuit breaker
// @Tags admin
// @Produce json
// @Param name path string true "Breaker name"
// @Success 200 {object} Response{data=breaker.Snapshot}
// @Failure 404 {object} Response
// @Router /breakers/{name}/reset [post]
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.breakers.Reset(name); err != nil {
		HandleError(w, err)
		return
	}

	b, _ := h.breakers.Get(name)
	JSON(w, http.StatusOK, b.Snapshot())
}

// ScheduledResponse lists delayed republishes waiting in memory
type ScheduledResponse struct {
	Count int         `json:"count"`
	Jobs  []delay.Job `json:"jobs"`
}

// Scheduled lists pending delayed republishes
// @Summary Pending republishes
// @Description Retry and circuit-open republishes waiting for their delay
// @Tags admin
// @Produce json
// @Success 200 {object} Response{data=ScheduledResponse}
// @Router /scheduled [get]
func (h *AdminHandler) Scheduled(w http.ResponseWriter, r *http.Request) {
	jobs := h.delays.Pending()
	JSON(w, http.StatusOK, ScheduledResponse{Count: len(jobs), Jobs: jobs})
}
