package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateOccurrence_DuplicateBucket(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	due := time.Date(2026, time.February, 2, 17, 0, 0, 0, time.UTC)

	occ, err := CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T11", due)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if occ.Status != domain.StatusQueued {
		t.Fatalf("status = %q, want queued", occ.Status)
	}

	// Same (user, bucket) again: the uniqueness barrier must trip.
	if _, err := CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T11", due); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Same bucket for a DIFFERENT user is a distinct occurrence.
	if _, err := CreateOccurrence(ctx, db, "u2", "hourly:2026-02-02T11", due); err != nil {
		t.Fatalf("other user insert: %v", err)
	}
}

func TestGetOccurrence_NotFound(t *testing.T) {
	db := newTestDB(t)

	if _, err := GetOccurrence(context.Background(), db, "u1", "daily:2026-02-02"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimOccurrence_FirstWriteWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	due := time.Date(2026, time.February, 2, 17, 0, 0, 0, time.UTC)

	occ, err := CreateOccurrence(ctx, db, "u1", "daily:2026-02-02", due)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := due.Add(5 * time.Second)
	won, err := ClaimOccurrence(ctx, db, occ.ID, now)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}

	// A second claim must lose: claimed_at is written exactly once.
	won, err = ClaimOccurrence(ctx, db, occ.ID, now.Add(time.Second))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatalf("second claim won; want first-write-wins")
	}

	got, err := GetOccurrence(ctx, db, "u1", "daily:2026-02-02")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ClaimedAt == nil || !got.ClaimedAt.Equal(now) {
		t.Fatalf("claimed_at = %v, want %v", got.ClaimedAt, now)
	}
}

func TestCompleteOccurrence_MutateOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	due := time.Date(2026, time.February, 2, 17, 0, 0, 0, time.UTC)

	occ, err := CreateOccurrence(ctx, db, "u1", "daily:2026-02-02", due)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	now := due.Add(10 * time.Second)
	done, err := CompleteOccurrence(ctx, db, occ.ID, OccurrenceOutcome{
		Status:           domain.StatusSent,
		DevicesTargeted:  3,
		DevicesSucceeded: 1,
		DevicesFailed:    2,
	}, now)
	if err != nil || !done {
		t.Fatalf("complete: done=%v err=%v", done, err)
	}

	// Terminal rows never mutate again.
	reason := domain.ReasonAllFailed
	done, err = CompleteOccurrence(ctx, db, occ.ID, OccurrenceOutcome{
		Status:        domain.StatusFailed,
		FailureReason: &reason,
	}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if done {
		t.Fatalf("second complete succeeded; want guarded no-op")
	}

	got, err := GetOccurrence(ctx, db, "u1", "daily:2026-02-02")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.StatusSent || got.DevicesTargeted != 3 || got.DevicesFailed != 2 {
		t.Fatalf("row mutated after terminal status: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("completed_at = %v, want %v", got.CompletedAt, now)
	}
}

func TestReapStaleOccurrences_OnlyUnclaimedAndOverdue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, time.February, 2, 17, 5, 0, 0, time.UTC)
	cutoff := now.Add(-2 * time.Minute)

	stale, err := CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T10", now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	fresh, err := CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T11", now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	claimed, err := CreateOccurrence(ctx, db, "u2", "hourly:2026-02-02T10", now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("seed claimed: %v", err)
	}
	if won, err := ClaimOccurrence(ctx, db, claimed.ID, now.Add(-9*time.Minute)); err != nil || !won {
		t.Fatalf("claim seed: won=%v err=%v", won, err)
	}

	n, err := ReapStaleOccurrences(ctx, db, cutoff, now)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d rows, want 1", n)
	}

	got, _ := GetOccurrence(ctx, db, "u1", "hourly:2026-02-02T10")
	if got.Status != domain.StatusFailed || got.FailureReason == nil || *got.FailureReason != domain.ReasonStaleQueued {
		t.Fatalf("stale row = %+v, want failed/stale_queued", got)
	}
	// The fresh and claimed rows are untouched.
	if got, _ := GetOccurrence(ctx, db, "u1", "hourly:2026-02-02T11"); got.Status != domain.StatusQueued {
		t.Fatalf("fresh row reaped: %+v", got)
	}
	if got, _ := GetOccurrence(ctx, db, "u2", "hourly:2026-02-02T10"); got.Status != domain.StatusQueued {
		t.Fatalf("claimed row reaped: %+v", got)
	}
	_ = stale
	_ = fresh
}

func TestListOccurrencesPage_Filters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, time.February, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := CreateOccurrence(ctx, db, "u1", fmt.Sprintf("hourly:2026-02-02T%02d", i), base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("seed u1 #%d: %v", i, err)
		}
	}
	occ, err := CreateOccurrence(ctx, db, "u2", "daily:2026-02-02", base)
	if err != nil {
		t.Fatalf("seed u2: %v", err)
	}
	if _, err := CompleteOccurrence(ctx, db, occ.ID, OccurrenceOutcome{Status: domain.StatusSent, DevicesTargeted: 1, DevicesSucceeded: 1}, base.Add(time.Minute)); err != nil {
		t.Fatalf("complete u2: %v", err)
	}

	total, err := CountOccurrences(ctx, db, OccurrenceFilter{UserID: "u1"})
	if err != nil || total != 3 {
		t.Fatalf("count u1 = %d err=%v, want 3", total, err)
	}

	page, err := ListOccurrencesPage(ctx, db, OccurrenceFilter{UserID: "u1"}, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	// Most recently due first.
	if !page[0].DueAt.After(page[1].DueAt) {
		t.Fatalf("ordering wrong: %v then %v", page[0].DueAt, page[1].DueAt)
	}

	sent, err := ListOccurrencesPage(ctx, db, OccurrenceFilter{Status: domain.StatusSent}, 0, 10)
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sent) != 1 || sent[0].UserID != "u2" {
		t.Fatalf("sent filter = %+v, want the one u2 row", sent)
	}
}

func Test_isUniqueViolation(t *testing.T) {
	if !isUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("gorm.ErrDuplicatedKey not detected")
	}
	if !isUniqueViolation(errors.New("UNIQUE constraint failed: occurrences.user_id, occurrences.bucket_key")) {
		t.Fatalf("sqlite message not detected")
	}
	if !isUniqueViolation(errors.New("duplicate key value violates unique constraint \"ux_occurrence_user_bucket\"")) {
		t.Fatalf("postgres message not detected")
	}
	if isUniqueViolation(errors.New("some other error")) {
		t.Fatalf("unrelated error misclassified")
	}
}
