package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/domain"
	"github.com/tbourn/go-reminder-backend/internal/repo"
)

// recordQueue captures enqueued tasks without running anything.
type recordQueue struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (q *recordQueue) Enqueue(userID, bucketKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, userID+"|"+bucketKey)
	return nil
}

func (q *recordQueue) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.tasks...)
}

// tickNow is 11:00:05 in America/Chicago (UTC-6 on this date).
var tickNow = time.Date(2026, time.February, 2, 17, 0, 5, 0, time.UTC)

func newTick(t *testing.T, db *gorm.DB, q DeliveryQueue) *TickService {
	t.Helper()
	svc := NewTickService(db, q, zerolog.Nop())
	svc.Now = func() time.Time { return tickNow }
	return svc
}

func seedTickPref(t *testing.T, db *gorm.DB, userID string, mutate func(*domain.NotificationPreference)) *domain.NotificationPreference {
	t.Helper()
	if err := db.Create(&domain.User{ID: userID}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	due := time.Date(2026, time.February, 2, 17, 0, 0, 0, time.UTC)
	pref := &domain.NotificationPreference{
		ID:        uuid.NewString(),
		UserID:    userID,
		Enabled:   true,
		Cadence:   domain.CadenceHourly,
		Timezone:  "America/Chicago",
		NextDueAt: &due,
	}
	if mutate != nil {
		mutate(pref)
	}
	if err := db.Create(pref).Error; err != nil {
		t.Fatalf("seed pref: %v", err)
	}
	return pref
}

func TestRun_DispatchesAndAdvancesPointer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTickPref(t, db, "u1", nil)

	q := &recordQueue{}
	svc := newTick(t, db, q)

	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Due != 1 || sum.Dispatched != 1 || sum.Duplicates != 0 {
		t.Fatalf("summary = %+v, want due=1 dispatched=1", sum)
	}

	wantKey := "hourly:2026-02-02T11"
	if got := q.all(); len(got) != 1 || got[0] != "u1|"+wantKey {
		t.Fatalf("enqueued = %v, want [u1|%s]", got, wantKey)
	}

	occ, err := repo.GetOccurrence(ctx, db, "u1", wantKey)
	if err != nil {
		t.Fatalf("occurrence missing after dispatch: %v", err)
	}
	if occ.Status != domain.StatusQueued {
		t.Fatalf("status = %q, want queued", occ.Status)
	}

	// 12:00 Chicago on the same day.
	wantNext := time.Date(2026, time.February, 2, 18, 0, 0, 0, time.UTC)
	got, _ := repo.GetPreferenceByUser(ctx, db, "u1")
	if got.NextDueAt == nil || !got.NextDueAt.Equal(wantNext) {
		t.Fatalf("next_due_at = %v, want %v", got.NextDueAt, wantNext)
	}
	if !got.NextDueAt.After(tickNow) {
		t.Fatalf("due pointer did not move strictly past the current tick")
	}

	// Shared bookkeeping was recorded.
	last, err := LastTickAt(ctx, db)
	if err != nil {
		t.Fatalf("last tick: %v", err)
	}
	if !last.Equal(tickNow.Truncate(time.Second)) {
		t.Fatalf("last_tick_at = %v, want %v", last, tickNow.Truncate(time.Second))
	}
}

func TestRun_DuplicateBucketStillAdvances(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pref := seedTickPref(t, db, "u1", nil)

	// Another orchestrator instance already inserted this bucket.
	if _, err := repo.CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T11", *pref.NextDueAt); err != nil {
		t.Fatalf("pre-insert: %v", err)
	}

	q := &recordQueue{}
	svc := newTick(t, db, q)
	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Duplicates != 1 || sum.Dispatched != 0 {
		t.Fatalf("summary = %+v, want duplicates=1 dispatched=0", sum)
	}
	if got := q.all(); len(got) != 0 {
		t.Fatalf("duplicate bucket was enqueued: %v", got)
	}

	// The pointer advances anyway; a duplicate must not wedge the schedule.
	got, _ := repo.GetPreferenceByUser(ctx, db, "u1")
	if got.NextDueAt == nil || !got.NextDueAt.After(tickNow) {
		t.Fatalf("next_due_at = %v, want strictly after %v", got.NextDueAt, tickNow)
	}
}

func TestRun_BackfillsMissingPointer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTickPref(t, db, "u1", func(p *domain.NotificationPreference) { p.NextDueAt = nil })

	svc := newTick(t, db, &recordQueue{})
	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Backfilled != 1 {
		t.Fatalf("backfilled = %d, want 1", sum.Backfilled)
	}

	wantNext := time.Date(2026, time.February, 2, 18, 0, 0, 0, time.UTC)
	got, _ := repo.GetPreferenceByUser(ctx, db, "u1")
	if got.NextDueAt == nil || !got.NextDueAt.Equal(wantNext) {
		t.Fatalf("next_due_at = %v, want %v", got.NextDueAt, wantNext)
	}
}

func TestRun_UnschedulablePointerCleared(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	// Daily cadence without a time of day cannot be rescheduled.
	seedTickPref(t, db, "u1", func(p *domain.NotificationPreference) {
		p.Cadence = domain.CadenceDaily
		p.DailyTime = nil
	})

	q := &recordQueue{}
	svc := newTick(t, db, q)
	if _, err := svc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The due occurrence itself is still dispatched once.
	if got := q.all(); len(got) != 1 {
		t.Fatalf("enqueued = %v, want one task", got)
	}
	got, _ := repo.GetPreferenceByUser(ctx, db, "u1")
	if got.NextDueAt != nil {
		t.Fatalf("next_due_at = %v, want cleared", got.NextDueAt)
	}
}

func TestRun_LeaseHeldSkipsTick(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTickPref(t, db, "u1", nil)

	if err := repo.AcquireLease(ctx, db, tickLeaseName, "other-instance", time.Minute, tickNow); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	q := &recordQueue{}
	svc := newTick(t, db, q)
	if _, err := svc.Run(ctx); !errors.Is(err, ErrTickInProgress) {
		t.Fatalf("err = %v, want ErrTickInProgress", err)
	}
	if got := q.all(); len(got) != 0 {
		t.Fatalf("tasks enqueued while lease held: %v", got)
	}
	if _, err := repo.GetOccurrence(ctx, db, "u1", "hourly:2026-02-02T11"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("occurrence written while lease held")
	}
}

func TestRun_LeaseReleasedAfterPass(t *testing.T) {
	db := newTestDB(t)
	svc := newTick(t, db, &recordQueue{})

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Immediately running again must not see a held lease.
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestRun_ReapsStaleQueuedOccurrences(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Create(&domain.User{ID: "u1"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	stale, err := repo.CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T08", tickNow.Add(-3*time.Minute))
	if err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	fresh, err := repo.CreateOccurrence(ctx, db, "u1", "hourly:2026-02-02T10", tickNow.Add(-time.Minute))
	if err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	svc := newTick(t, db, &recordQueue{})
	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.StaleFailed != 1 {
		t.Fatalf("stale_failed = %d, want 1", sum.StaleFailed)
	}

	var got domain.Occurrence
	if err := db.First(&got, "id = ?", stale.ID).Error; err != nil {
		t.Fatalf("reload stale: %v", err)
	}
	if got.Status != domain.StatusFailed || got.FailureReason == nil || *got.FailureReason != domain.ReasonStaleQueued {
		t.Fatalf("stale row = %q/%v, want failed/stale_queued", got.Status, got.FailureReason)
	}

	// Inside the grace window, untouched.
	var gotFresh domain.Occurrence
	if err := db.First(&gotFresh, "id = ?", fresh.ID).Error; err != nil {
		t.Fatalf("reload fresh: %v", err)
	}
	if gotFresh.Status != domain.StatusQueued {
		t.Fatalf("fresh row reaped early: %q", gotFresh.Status)
	}
}

func TestRun_DisabledOwnerNotDispatched(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTickPref(t, db, "u1", nil)
	if err := db.Model(&domain.User{}).Where("id = ?", "u1").Update("disabled", true).Error; err != nil {
		t.Fatalf("disable user: %v", err)
	}

	q := &recordQueue{}
	svc := newTick(t, db, q)
	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Due != 0 || len(q.all()) != 0 {
		t.Fatalf("disabled owner dispatched: %+v %v", sum, q.all())
	}
}

func TestRun_EnqueueFailureLeavesRowForReaper(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedTickPref(t, db, "u1", nil)

	q := &recordQueue{err: errors.New("queue full")}
	svc := newTick(t, db, q)
	sum, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0 on enqueue failure", sum.Dispatched)
	}

	// The ledger row survives so the stale reaper can surface the loss.
	occ, err := repo.GetOccurrence(ctx, db, "u1", "hourly:2026-02-02T11")
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if occ.Status != domain.StatusQueued {
		t.Fatalf("status = %q, want queued", occ.Status)
	}
	// And the pointer still advanced.
	pref, _ := repo.GetPreferenceByUser(ctx, db, "u1")
	if pref.NextDueAt == nil || !pref.NextDueAt.After(tickNow) {
		t.Fatalf("next_due_at = %v, want strictly after %v", pref.NextDueAt, tickNow)
	}
}
