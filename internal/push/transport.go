package push

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport posts payloads directly to endpoint URLs. It is the
// default wiring for deployments where a separate push gateway terminates
// the web-push protocol (key exchange, payload encryption) and this
// service only needs to hand the payload over HTTP.
type HTTPTransport struct {
	// Client is the HTTP client used for delivery. A nil Client falls back
	// to a client with a 10s timeout.
	Client *http.Client
	// TTL is sent as the push service TTL header, in seconds.
	TTL int
}

// Push delivers one payload to one endpoint. Responses 404 and 410 map to
// ErrEndpointGone; any other non-2xx status is a delivery failure.
func (t *HTTPTransport) Push(ctx context.Context, endpoint, p256dh, auth string, payload []byte) error {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", fmt.Sprintf("%d", t.TTL))

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrEndpointGone
	default:
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
}
