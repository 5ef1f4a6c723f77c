// Scheduler status HTTP handler.
//
// This file exposes the read-only status endpoint:
//   - GET /status   (last successful tick time, delivery queue depth)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-backend/internal/services"
)

// StatusResponse reports scheduler health for dashboards and probes.
type StatusResponse struct {
	// LastTickAt is the completion time of the most recent successful
	// orchestrator pass, nil when no pass has completed yet.
	LastTickAt *time.Time `json:"last_tick_at"`
	// QueueDepth is the number of delivery tasks currently buffered.
	QueueDepth int `json:"queue_depth"`
}

// Status returns the last successful tick time from the shared KV store
// plus the current delivery queue depth.
func (h *Handlers) Status(c *gin.Context) {
	last, err := services.LastTickAt(c.Request.Context(), h.db)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatusFailed, err.Error())
		return
	}

	resp := StatusResponse{QueueDepth: h.queueDepth()}
	if !last.IsZero() {
		resp.LastTickAt = &last
	}
	ok(c, http.StatusOK, resp)
}
