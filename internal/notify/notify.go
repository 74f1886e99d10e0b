// Package notify delivers user-facing sync events. Delivery is best effort:
// a failing notifier never fails the operation that produced the event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pysugar/ledgersync/internal/logging"
)

// Event types.
const (
	SyncCompleted        = "sync.completed"
	SyncFailed           = "sync.failed"
	DriftExceeded        = "reconciliation.drift_exceeded"
	ReauthRequired       = "connection.reauth_required"
	ConnectionRevoked    = "connection.revoked"
	ConnectionAuthorized = "connection.authorized"
)

// Event is one notification. Data holds the event-specific payload, e.g.
// counts for sync.completed or the drift for reconciliation.drift_exceeded.
type Event struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	AccountID    string         `json:"accountId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	At           time.Time      `json:"at"`
}

// Notifier receives events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Emit sends ev through n and swallows any failure after logging it.
func Emit(ctx context.Context, n Notifier, ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [%s] notifier panicked on %s: %v", logging.Tag(ctx), ev.Type, r)
		}
	}()
	if err := n.Notify(ctx, ev); err != nil {
		log.Printf("⚠️ [%s] failed to deliver %s event: %v", logging.Tag(ctx), ev.Type, err)
	}
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	switch ev.Type {
	case SyncFailed, DriftExceeded, ReauthRequired:
		log.Printf("⚠️ [%s] event %s connection=%s account=%s %v", logging.Tag(ctx), ev.Type, ev.ConnectionID, ev.AccountID, ev.Data)
	default:
		log.Printf("📣 [%s] event %s connection=%s account=%s %v", logging.Tag(ctx), ev.Type, ev.ConnectionID, ev.AccountID, ev.Data)
	}
	return nil
}

// WebhookNotifier POSTs each event as JSON to a fixed URL.
type WebhookNotifier struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewWebhookNotifier returns a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{URL: url, Timeout: timeout, Client: &http.Client{}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	// The event outlives a cancelled sync; only the notifier timeout applies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logging.Tag(ctx); id != "-" {
		req.Header.Set("X-Request-ID", id)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post event: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. It is used by tests and the operator CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
