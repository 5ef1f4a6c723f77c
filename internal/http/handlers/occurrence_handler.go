// Occurrence ledger HTTP handlers.
//
// This file exposes the read-only ledger query endpoint:
//   - GET /occurrences   (list, paginated, optional user_id/status filters)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/repo"
	"github.com/tbourn/go-reminder-backend/internal/utils"
)

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListOccurrencesResponse wraps a page of ledger rows and pagination
// information.
type ListOccurrencesResponse struct {
	Occurrences []domain.Occurrence `json:"occurrences"`
	Pagination  Pagination          `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

//
// Handlers
//

// ListOccurrences returns a page of ledger rows, most recently due first.
//
// Query parameters:
//   - user_id:   restrict to one user
//   - status:    queued|sent|failed|skipped
//   - page, page_size: standard pagination
func (h *Handlers) ListOccurrences(c *gin.Context) {
	ctx := c.Request.Context()

	filter := repo.OccurrenceFilter{UserID: c.Query("user_id")}
	if raw := c.Query("status"); raw != "" {
		st := domain.OccurrenceStatus(raw)
		switch st {
		case domain.StatusQueued, domain.StatusSent, domain.StatusFailed, domain.StatusSkipped:
			filter.Status = st
		default:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be one of: queued, sent, failed, skipped")
			return
		}
	}

	page, pageSize := clampPagination(c)

	total, err := repo.CountOccurrences(ctx, h.db, filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	items, err := repo.ListOccurrencesPage(ctx, h.db, filter, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListOccurrencesResponse{
		Occurrences: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
