// Package notify delivers best-effort outbound gate events (approval
// requests, guard verdicts) to external channels. Delivery failure is the
// caller's to log or audit; notifiers never retry forever.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Notifier pushes one event with a JSON-serializable payload.
type Notifier interface {
	Notify(ctx context.Context, event string, payload interface{}) error
}

// envelope is the wire form shared by all channels.
type envelope struct {
	Event     string      `json:"event"`
	Request   interface{} `json:"request"`
	Timestamp time.Time   `json:"timestamp"`
}

func encode(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(envelope{
		Event:     event,
		Request:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// Multi fans one event out to several channels; every channel is attempted
// and the errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event string, payload interface{}) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop swallows events. Used when no channel is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string, interface{}) error { return nil }

func validEndpoint(url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("webhook url must be http(s): %q", url)
	}
	return nil
}
