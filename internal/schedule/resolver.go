// Package schedule implements the recurrence resolver: pure functions that
// decide, for a notification preference and a current instant, when the
// next reminder occurrence is due and which canonical bucket it belongs to.
//
// Two rules hold everywhere:
//   - All cadence arithmetic happens in the preference's local zone, using
//     calendar units (AddDate), so daylight-saving transitions resolve to
//     the intended local wall-clock time rather than a fixed UTC offset.
//   - Every instant returned or embedded in a bucket key is derived from
//     UTC storage; persisted due times are always UTC.
//
// The bucket key is the idempotency key of the occurrence ledger: any
// process computing "this occurrence" for the same preference must arrive
// at the identical string, which is what makes the ledger's uniqueness
// constraint an effective dedup barrier.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-reminder-backend/internal/domain"
)

// weeklySearchDays bounds the weekly scan; any weekday is reachable within
// seven calendar days of the starting candidate.
const weeklySearchDays = 7

// NextDue computes the next due instant (UTC) for the preference evaluated
// at now. The second return value is false when no occurrence can be
// scheduled: unknown cadence, a missing required field for the cadence, an
// unparseable daily time, or an unloadable timezone.
//
// When TestOverrideSeconds is set it replaces all cadence logic and the
// preference is due that many seconds from now.
func NextDue(pref *domain.NotificationPreference, now time.Time) (time.Time, bool) {
	if pref.TestOverrideSeconds != nil {
		n := *pref.TestOverrideSeconds
		if n <= 0 {
			return time.Time{}, false
		}
		return now.UTC().Add(time.Duration(n) * time.Second), true
	}

	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)

	switch pref.Cadence {
	case domain.CadenceHourly:
		return nextHourly(local), true
	case domain.CadenceDaily:
		return nextDaily(pref, local, loc)
	case domain.CadenceWeekly:
		return nextWeekly(pref, local, loc)
	default:
		return time.Time{}, false
	}
}

// nextHourly rounds local up to the next top-of-hour.
func nextHourly(local time.Time) time.Time {
	top := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
	return top.Add(time.Hour).UTC()
}

// nextDaily returns today's DailyTime in the local calendar, or tomorrow's
// when that instant is not strictly after local.
func nextDaily(pref *domain.NotificationPreference, local time.Time, loc *time.Location) (time.Time, bool) {
	hh, mm, ok := clockOf(pref)
	if !ok {
		return time.Time{}, false
	}
	cand := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	if !cand.After(local) {
		// Calendar-day addition, not 24h: keeps the local wall-clock time
		// across DST transitions.
		cand = cand.AddDate(0, 0, 1)
	}
	return cand.UTC(), true
}

// nextWeekly starts from today's DailyTime and advances one calendar day at
// a time until the weekday matches WeeklyDay and the instant is strictly
// after local.
func nextWeekly(pref *domain.NotificationPreference, local time.Time, loc *time.Location) (time.Time, bool) {
	hh, mm, ok := clockOf(pref)
	if !ok || pref.WeeklyDay == nil {
		return time.Time{}, false
	}
	day := *pref.WeeklyDay
	if day < 0 || day > 6 {
		return time.Time{}, false
	}
	cand := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	for i := 0; i <= weeklySearchDays; i++ {
		if int(cand.Weekday()) == day && cand.After(local) {
			return cand.UTC(), true
		}
		cand = cand.AddDate(0, 0, 1)
	}
	// Unreachable: every weekday occurs within the bounded scan.
	return time.Time{}, false
}

// BucketKey derives the canonical bucket identifier for an occurrence of
// pref due at dueAt (UTC). The key embeds the local calendar truncation of
// the due instant at the cadence's granularity:
//
//	hourly: "hourly:2026-02-02T11"  (local date + hour)
//	daily:  "daily:2026-02-02"      (local date)
//	weekly: "weekly:2026-02-02"     (local date; the weekday gate already
//	                                 disambiguates which week)
//
// Test-override occurrences get a full-precision key ("test:<RFC3339>") so
// every test occurrence is its own bucket.
func BucketKey(pref *domain.NotificationPreference, dueAt time.Time) string {
	if pref.TestOverrideSeconds != nil {
		return "test:" + dueAt.UTC().Format(time.RFC3339)
	}

	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := dueAt.In(loc)

	switch pref.Cadence {
	case domain.CadenceHourly:
		return "hourly:" + local.Format("2006-01-02T15")
	case domain.CadenceDaily:
		return "daily:" + local.Format("2006-01-02")
	case domain.CadenceWeekly:
		return "weekly:" + local.Format("2006-01-02")
	default:
		// Unreachable given NextDue's nil-return rule for unknown cadences;
		// minute precision keeps even this path collision-safe.
		return fmt.Sprintf("%s:%s", pref.Cadence, local.Format("2006-01-02T15:04"))
	}
}

// clockOf parses the preference's DailyTime ("HH:MM", 24h).
func clockOf(pref *domain.NotificationPreference) (hour, minute int, ok bool) {
	if pref.DailyTime == nil {
		return 0, 0, false
	}
	parts := strings.SplitN(*pref.DailyTime, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
