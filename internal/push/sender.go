// Package push implements the fan-out delivery boundary of the reminder
// engine. The executor hands it a user and a payload; the sender targets
// every registered endpoint of that user, tallies per-endpoint outcomes,
// and deregisters endpoints the transport reports as gone.
//
// The per-endpoint transport (encryption, push-service protocol) stays
// behind the narrow Transport interface; nothing in this package depends
// on how bytes actually reach a device.
package push

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-reminder-backend/internal/repo"
)

// ErrEndpointGone is returned by a Transport when the push service reports
// the endpoint permanently invalid (HTTP 404/410). The sender deregisters
// such endpoints and counts them as expired.
var ErrEndpointGone = errors.New("endpoint gone")

// Message is the reminder payload fanned out to every endpoint of a user.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Report tallies per-endpoint outcomes of one fan-out call.
type Report struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// Targeted returns the number of endpoints the fan-out attempted.
func (r Report) Targeted() int { return r.Succeeded + r.Failed + r.Expired }

// Sender is the capability the delivery executor depends on. Send attempts
// delivery of msg to every registered endpoint of userID and reports the
// per-endpoint tallies. A user without endpoints yields a zero Report and
// no error; the caller decides what that means.
type Sender interface {
	Send(ctx context.Context, userID string, msg Message) (Report, error)
}

// Transport delivers one encoded payload to one endpoint. Implementations
// return ErrEndpointGone when the push service reports the endpoint
// permanently invalid, any other error for transient or fatal delivery
// failures, and nil on success.
type Transport interface {
	Push(ctx context.Context, endpoint, p256dh, auth string, payload []byte) error
}

// Fanout is the Sender backed by the subscription store and a Transport.
type Fanout struct {
	// DB is the GORM handle for subscription lookups and deregistration.
	DB *gorm.DB
	// Transport performs the per-endpoint delivery.
	Transport Transport
	// Log receives per-endpoint delivery decisions.
	Log zerolog.Logger
}

// NewFanout constructs a Fanout sender.
func NewFanout(db *gorm.DB, tr Transport, log zerolog.Logger) *Fanout {
	return &Fanout{DB: db, Transport: tr, Log: log.With().Str("component", "push").Logger()}
}

// Send fans msg out to every registered endpoint of userID.
//
// Per endpoint: success increments Succeeded; ErrEndpointGone increments
// Expired and deregisters the endpoint; any other error increments Failed.
// One bad endpoint never aborts delivery to the rest. The only error Send
// itself returns is a failure to load the subscription list (before any
// delivery side effect has happened).
func (f *Fanout) Send(ctx context.Context, userID string, msg Message) (Report, error) {
	subs, err := repo.ListSubscriptions(ctx, f.DB, userID)
	if err != nil {
		return Report{}, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, sub := range subs {
		err := f.Transport.Push(ctx, sub.Endpoint, sub.P256dh, sub.Auth, payload)
		switch {
		case err == nil:
			rep.Succeeded++
		case errors.Is(err, ErrEndpointGone):
			rep.Expired++
			// Deregistration is best effort: a failed delete just means the
			// endpoint is retried (and expires again) next occurrence.
			if derr := repo.DeleteSubscriptionByEndpoint(ctx, f.DB, sub.Endpoint); derr != nil {
				f.Log.Warn().Err(derr).Str("user_id", userID).Msg("deregister expired endpoint")
			} else {
				f.Log.Info().Str("user_id", userID).Msg("expired endpoint deregistered")
			}
		default:
			rep.Failed++
			f.Log.Warn().Err(err).Str("user_id", userID).Msg("endpoint delivery failed")
		}
	}
	return rep, nil
}
