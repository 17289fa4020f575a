// Package alert decides when a human gets notified. The Throttler owns
// the alert timer state and applies the cooldown, daily-heartbeat, and
// inter-message-gap rules; actual delivery goes through a Notifier.
//
// The Throttler keeps no clock of its own: every entry point takes an
// explicit now, so the policy is testable without sleeping. It is not
// safe for concurrent use; the monitor's serialized event loop is the
// only caller.
package alert

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/freezewatch/internal/telemetry"
)

// Kind classifies an outbound message.
type Kind string

const (
	KindWarning   Kind = "warning"
	KindHeartbeat Kind = "heartbeat"
	KindRecovery  Kind = "recovery"
	KindLoss      Kind = "loss"
)

// Message is a single outbound notification.
type Message struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
}

// Notifier delivers a message. Delivery is fire-and-forget from the
// throttler's perspective: errors are logged, never retried, and the
// timer state advances regardless.
type Notifier interface {
	Send(msg Message) error
}

// Options configures a Throttler.
type Options struct {
	WarningThresholdC float64       // readings above this trigger warnings
	Cooldown          time.Duration // min spacing between warning messages
	MessageGap        time.Duration // min spacing between a heartbeat and any other message
	HeartbeatHour     int           // local time-of-day the daily heartbeat is due
	HeartbeatMinute   int
	Destination       string
}

// Throttler applies the alert rate-limit policy.
type Throttler struct {
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	// Alert timer state. lastSentAt starts at the zero instant so the
	// first qualifying warning is never suppressed.
	lastSentAt      time.Time
	nextHeartbeatAt time.Time
}

// NewThrottler creates a Throttler. The first heartbeat is due at the
// next local occurrence of the configured time-of-day after now.
func NewThrottler(notifier Notifier, opts Options, logger *slog.Logger, now time.Time) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttler{
		notifier:        notifier,
		opts:            opts,
		logger:          logger,
		nextHeartbeatAt: nextOccurrence(now, opts.HeartbeatHour, opts.HeartbeatMinute),
	}
}

// HandleReading applies the decision policy to a decoded temperature
// sample. Warnings take priority over the heartbeat, but a warning
// suppressed by the cooldown still lets a due heartbeat through, so a
// sustained breach cannot starve the daily heartbeat. At most one
// message is emitted per reading.
func (t *Throttler) HandleReading(r *telemetry.Reading, now time.Time) {
	if r.Celsius > t.opts.WarningThresholdC && now.Sub(t.lastSentAt) >= t.opts.Cooldown {
		t.send(KindWarning, fmt.Sprintf("Freezer temperature warning: %.1f°C (threshold %.1f°C)",
			r.Celsius, t.opts.WarningThresholdC), now)
		return
	}

	if !now.Before(t.nextHeartbeatAt) && now.Sub(t.lastSentAt) >= t.opts.MessageGap {
		t.send(KindHeartbeat, fmt.Sprintf("Freezer heartbeat: %.1f°C", r.Celsius), now)
		t.nextHeartbeatAt = dayAhead(now, t.opts.HeartbeatHour, t.opts.HeartbeatMinute)
	}
}

// HandleLinkRestored emits a recovery message. Connectivity changes are
// rare and high-value, so this bypasses all throttling.
func (t *Throttler) HandleLinkRestored(now time.Time) {
	t.send(KindRecovery, "Freezer sensor link restored", now)
}

// HandleLinkLost emits a loss message, bypassing all throttling.
func (t *Throttler) HandleLinkLost(now time.Time) {
	t.send(KindLoss, "Freezer sensor link lost", now)
}

// HandleResync makes the next qualifying reading immediately eligible
// for a heartbeat. No message is emitted.
func (t *Throttler) HandleResync(now time.Time) {
	t.nextHeartbeatAt = now
	t.logger.Info("heartbeat schedule resynced", "next_heartbeat_at", t.nextHeartbeatAt)
}

// NextHeartbeatAt reports when the next heartbeat becomes due.
func (t *Throttler) NextHeartbeatAt() time.Time {
	return t.nextHeartbeatAt
}

// send delivers one message and advances lastSentAt. Every outbound
// message counts against the inter-message gap, including recovery and
// loss messages, so a reading arriving just after a connectivity event
// cannot produce an overlapping heartbeat.
func (t *Throttler) send(kind Kind, text string, now time.Time) {
	msg := Message{
		ID:          uuid.NewString(),
		Kind:        kind,
		Destination: t.opts.Destination,
		Text:        text,
		SentAt:      now,
	}
	t.lastSentAt = now

	if err := t.notifier.Send(msg); err != nil {
		// Fire-and-forget contract: the gateway owns delivery. Log and move on.
		t.logger.Error("failed to send alert message", "kind", kind, "id", msg.ID, "error", err)
		return
	}
	t.logger.Info("alert message sent", "kind", kind, "id", msg.ID, "text", text)
}

// nextOccurrence returns the first instant at hour:minute local time
// that is not before now.
func nextOccurrence(now time.Time, hour, minute int) time.Time {
	due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if due.Before(now) {
		due = due.AddDate(0, 0, 1)
	}
	return due
}

// dayAhead returns hour:minute local time one calendar day after now.
func dayAhead(now time.Time, hour, minute int) time.Time {
	next := now.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, now.Location())
}
