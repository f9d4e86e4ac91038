// Package notify dispatches run lifecycle events to configured notification
// channels.
//
// Channels are optional: a service with no channels is a no-op. The built-in
// webhook driver posts the event as JSON with an HMAC-SHA256 signature when
// a secret is configured. Additional drivers register via RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventTokenAlert   EventType = "token_alert"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventStageEntered EventType = "stage_entered"
)

// Event is the notification payload posted to channels.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	Persona   string         `json:"persona,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(eventType EventType, runID, workflow, persona string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Workflow:  workflow,
		Persona:   persona,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ── Channels ─────────────────────────────────────────────────

// ChannelKind identifies a channel driver.
type ChannelKind string

// ChannelWebhook is the built-in HTTP POST driver.
const ChannelWebhook ChannelKind = "webhook"

// Channel is one configured notification destination.
type Channel struct {
	Name   string      `json:"name" yaml:"name"`
	Kind   ChannelKind `json:"kind" yaml:"kind"`
	URL    string      `json:"url" yaml:"url"`
	Secret string      `json:"-" yaml:"secret"`
	// Events filters the types this channel receives; empty means all.
	Events []string `json:"events,omitempty" yaml:"events"`
	Active bool     `json:"active" yaml:"active"`
}

func (c *Channel) subscribes(eventType EventType) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == string(eventType) || e == "*" {
			return true
		}
	}
	return false
}

// ChannelDriver sends one event to one channel.
type ChannelDriver interface {
	Kind() ChannelKind
	Send(ctx context.Context, channel *Channel, event Event) error
}

// ── Service ──────────────────────────────────────────────────

// Service fans events out to all subscribed channels.
type Service struct {
	channels []Channel
	client   *http.Client

	drvMu   sync.RWMutex
	drivers map[ChannelKind]ChannelDriver
}

// NewService creates a service over the given channels with the built-in
// webhook driver registered.
func NewService(channels []Channel) *Service {
	svc := &Service{
		channels: channels,
		client:   &http.Client{Timeout: 15 * time.Second},
		drivers:  make(map[ChannelKind]ChannelDriver),
	}
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client})
	return svc
}

// RegisterDriver adds or replaces a channel driver for the given kind.
func (s *Service) RegisterDriver(driver ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
}

func (s *Service) driver(kind ChannelKind) ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Publish sends the event to every active, subscribed channel concurrently
// and waits for delivery attempts to finish. Failures are logged, never
// returned; notification problems must not fail a run.
func (s *Service) Publish(ctx context.Context, event Event) {
	if s == nil || len(s.channels) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range s.channels {
		ch := &s.channels[i]
		if !ch.Active || !ch.subscribes(event.Type) {
			continue
		}
		driver := s.driver(ch.Kind)
		if driver == nil {
			log.Warn().Str("kind", string(ch.Kind)).Str("channel", ch.Name).Msg("No channel driver")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := driver.Send(ctx, ch, event); err != nil {
				log.Warn().
					Err(err).
					Str("channel", ch.Name).
					Str("event", string(event.Type)).
					Msg("Channel notification failed")
				return
			}
			log.Debug().
				Str("channel", ch.Name).
				Str("event", string(event.Type)).
				Str("run", event.RunID).
				Msg("Channel notification dispatched")
		}()
	}
	wg.Wait()
}

// ── Webhook Channel Driver ───────────────────────────────────

// WebhookChannelDriver sends notifications via HTTP POST to a webhook URL
// with optional HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	client *http.Client
	// backoff overridden in tests
	backoff func(attempt int) time.Duration
}

// Kind returns ChannelWebhook.
func (d *WebhookChannelDriver) Kind() ChannelKind {
	return ChannelWebhook
}

// Send posts the event as JSON to the channel's URL with up to 3 attempts
// and exponential backoff.
func (d *WebhookChannelDriver) Send(ctx context.Context, channel *Channel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	sig := ""
	if channel.Secret != "" {
		mac := hmac.New(sha256.New, []byte(channel.Secret))
		mac.Write(body)
		sig = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	backoff := d.backoff
	if backoff == nil {
		backoff = func(attempt int) time.Duration {
			return time.Duration(attempt*2) * time.Second
		}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		// A consumed body cannot be resent, so build a fresh request per attempt.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Lectern-Webhook/1.0")
		req.Header.Set("X-Lectern-Event", string(event.Type))
		if sig != "" {
			req.Header.Set("X-Lectern-Signature", sig)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
