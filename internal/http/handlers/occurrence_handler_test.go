package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/repo"
)

func seedLedger(t *testing.T, db *gorm.DB) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, time.February, 2, 12, 0, 0, 0, time.UTC)

	for _, userID := range []string{"u1", "u2"} {
		if err := db.Create(&domain.User{ID: userID}).Error; err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	mk := func(userID, bucket string, due time.Time, status domain.OccurrenceStatus) {
		occ, err := repo.CreateOccurrence(ctx, db, userID, bucket, due)
		if err != nil {
			t.Fatalf("seed occurrence: %v", err)
		}
		if status != domain.StatusQueued {
			if err := db.Model(occ).Update("status", status).Error; err != nil {
				t.Fatalf("set status: %v", err)
			}
		}
	}
	mk("u1", "hourly:2026-02-02T06", base.Add(-6*time.Hour), domain.StatusSent)
	mk("u1", "hourly:2026-02-02T07", base.Add(-5*time.Hour), domain.StatusFailed)
	mk("u1", "hourly:2026-02-02T08", base.Add(-4*time.Hour), domain.StatusQueued)
	mk("u2", "hourly:2026-02-02T08", base.Add(-4*time.Hour), domain.StatusSent)
}

func listOccurrences(t *testing.T, db *gorm.DB, query string) (*httptest.ResponseRecorder, ListOccurrencesResponse) {
	t.Helper()
	r := newTickRouter(t, db, &stubTick{}, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/occurrences"+query, nil))

	var resp ListOccurrencesResponse
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("body not JSON: %v", err)
		}
	}
	return w, resp
}

func TestListOccurrences_All(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db)

	w, resp := listOccurrences(t, db, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if resp.Pagination.Total != 4 || len(resp.Occurrences) != 4 {
		t.Fatalf("total = %d, rows = %d, want 4/4", resp.Pagination.Total, len(resp.Occurrences))
	}
	// Most recently due first.
	for i := 1; i < len(resp.Occurrences); i++ {
		if resp.Occurrences[i].DueAt.After(resp.Occurrences[i-1].DueAt) {
			t.Fatalf("rows not ordered by due_at desc")
		}
	}
}

func TestListOccurrences_Filters(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db)

	w, resp := listOccurrences(t, db, "?user_id=u1")
	if w.Code != http.StatusOK || resp.Pagination.Total != 3 {
		t.Fatalf("user filter: status %d total %d, want 200/3", w.Code, resp.Pagination.Total)
	}

	w, resp = listOccurrences(t, db, "?status=sent")
	if w.Code != http.StatusOK || resp.Pagination.Total != 2 {
		t.Fatalf("status filter: status %d total %d, want 200/2", w.Code, resp.Pagination.Total)
	}

	w, resp = listOccurrences(t, db, "?user_id=u1&status=sent")
	if w.Code != http.StatusOK || resp.Pagination.Total != 1 {
		t.Fatalf("combined filter: status %d total %d, want 200/1", w.Code, resp.Pagination.Total)
	}
}

func TestListOccurrences_InvalidStatus(t *testing.T) {
	db := newTestDB(t)
	w, _ := listOccurrences(t, db, "?status=exploded")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListOccurrences_Pagination(t *testing.T) {
	db := newTestDB(t)
	seedLedger(t, db)

	w, resp := listOccurrences(t, db, "?page=1&page_size=3")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(resp.Occurrences) != 3 || !resp.Pagination.HasNext || resp.Pagination.TotalPages != 2 {
		t.Fatalf("page 1 unexpected: %+v", resp.Pagination)
	}

	w, resp = listOccurrences(t, db, "?page=2&page_size=3")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(resp.Occurrences) != 1 || resp.Pagination.HasNext {
		t.Fatalf("page 2 unexpected: %+v", resp.Pagination)
	}

	// Garbage paging params fall back to sane defaults.
	w, resp = listOccurrences(t, db, "?page=-2&page_size=junk")
	if w.Code != http.StatusOK || resp.Pagination.Page != 1 || resp.Pagination.PageSize != 20 {
		t.Fatalf("clamping unexpected: %+v", resp.Pagination)
	}
}
