// Tick HTTP handlers.
//
// This file exposes the operational endpoint that triggers one
// orchestrator pass:
//   - POST /tick   (run a scan-insert-advance pass, report summary)
//
// Handlers are transport-thin: they call the application service and
// translate results into HTTP responses. Concurrency control lives in
// the service (database lease), not here; a pass already running
// elsewhere surfaces as 409.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// TickRunner executes one orchestrator pass.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type TickRunner interface {
	// Run performs one pass and reports what it did.
	Run(ctx context.Context) (*services.TickSummary, error)
}

//
// Handler wiring
//

// Handlers groups the operational HTTP endpoints: tick trigger, ledger
// queries, and status. It depends on abstract contracts to keep
// transport concerns separate from business logic.
type Handlers struct {
	db         *gorm.DB
	tick       TickRunner
	queueDepth func() int
}

// New constructs a Handlers instance bound to the given dependencies.
// queueDepth may be nil when no delivery queue is wired (depth reports 0).
func New(db *gorm.DB, tick TickRunner, queueDepth func() int) *Handlers {
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	return &Handlers{db: db, tick: tick, queueDepth: queueDepth}
}

//
// Handlers
//

// RunTick triggers one orchestrator pass.
//
// Responses:
//   - 200 with the tick summary JSON
//   - 409 {"status":"already_running"} when another pass holds the lock
//   - 500 when the pass could not complete
func (h *Handlers) RunTick(c *gin.Context) {
	sum, err := h.tick.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrTickInProgress) {
			c.JSON(http.StatusConflict, gin.H{"status": "already_running"})
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeTickFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, sum)
}
