// FILE: notifier.go
// Package main – Notifier event bus (SPEC_FULL.md "Notifier"; spec §9 design
// note: the presentation layer is just another subscriber outside the core).
//
// The Circuit Breaker (pauses) and the Order Executor (manual intervention)
// publish events here; the bridge ships
// with exactly one subscriber (a logger) since email/dashboard delivery are
// out of scope (spec §1) but must be able to attach without touching core
// logic.
package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind discriminates NotificationEvent payloads.
type EventKind string

const (
	EventPause          EventKind = "PAUSE"
	EventResume         EventKind = "RESUME"
	EventRequiresManual EventKind = "REQUIRES_MANUAL"
)

// NotificationEvent is published on pause and on manual intervention.
// EventResume is defined, but no component publishes it.
type NotificationEvent struct {
	Kind    EventKind
	Reason  string
	At      time.Time
	Details string
}

// Notifier is a bounded, non-blocking publish/subscribe bus.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []chan NotificationEvent
}

// NewNotifier creates an empty bus.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a new bounded channel and returns it for the caller to
// range over.
func (n *Notifier) Subscribe(buffer int) <-chan NotificationEvent {
	ch := make(chan NotificationEvent, buffer)
	n.mu.Lock()
	n.subscribers = append(n.subscribers, ch)
	n.mu.Unlock()
	return ch
}

// Publish fans an event out to every subscriber. A full subscriber buffer
// drops the event for that subscriber rather than blocking the publisher —
// protection trips must never stall on a slow consumer.
func (n *Notifier) Publish(ev NotificationEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// LoggingSubscriber runs until ch is closed, logging every event at Info.
func LoggingSubscriber(ch <-chan NotificationEvent, log zerolog.Logger) {
	for ev := range ch {
		log.Info().Str("kind", string(ev.Kind)).Str("reason", ev.Reason).Str("details", ev.Details).Msg("notifier: event")
	}
}
