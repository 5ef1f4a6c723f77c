package domain

// Cadence is the recurrence family governing how often a preference
// produces occurrences. It is a closed set: anything outside the three
// constants below cannot be scheduled, and the resolver treats it as
// "no occurrence" rather than guessing.
type Cadence string

// The supported recurrence families.
const (
	CadenceHourly Cadence = "hourly"
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

// Known reports whether c is one of the supported cadence constants.
func (c Cadence) Known() bool {
	switch c {
	case CadenceHourly, CadenceDaily, CadenceWeekly:
		return true
	}
	return false
}

// OccurrenceStatus is the lifecycle state of a ledger row.
type OccurrenceStatus string

// Occurrence lifecycle states. StatusQueued is the only non-terminal one.
const (
	StatusQueued  OccurrenceStatus = "queued"
	StatusSent    OccurrenceStatus = "sent"
	StatusFailed  OccurrenceStatus = "failed"
	StatusSkipped OccurrenceStatus = "skipped"
)

// Failure/skip reasons recorded on terminal occurrences. These are a
// closed taxonomy inspected operationally, never shown to end users.
const (
	// ReasonStaleQueued marks an occurrence that was never claimed within
	// the grace window and was reaped by the orchestrator.
	ReasonStaleQueued = "stale_queued"
	// ReasonAlreadyAttempted marks an executor re-entry after a claim was
	// already made; the occurrence is skipped to prevent double delivery.
	ReasonAlreadyAttempted = "already_attempted"
	// ReasonUserMissing marks a target user that no longer exists.
	ReasonUserMissing = "user_missing"
	// ReasonNoSubscriptions marks a target with zero registered endpoints.
	ReasonNoSubscriptions = "no_subscriptions"
	// ReasonAllExpired marks a fan-out where every targeted endpoint was
	// reported expired by the transport.
	ReasonAllExpired = "all_expired"
	// ReasonAllFailed marks a fan-out with zero successes that was not
	// expiry-only.
	ReasonAllFailed = "all_failed"
)
