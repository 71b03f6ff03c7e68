// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans out job lifecycle notifications to in-process
// subscribers (API status polling, log sinks, test assertions).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an event.
type Type string

const (
	// TypeJobState fires on every job status transition.
	TypeJobState Type = "job.state"

	// TypeJobProgress fires as processed counts advance.
	TypeJobProgress Type = "job.progress"

	// TypeJobBatch fires after each drained write wave.
	TypeJobBatch Type = "job.batch"

	// TypeJobWarning fires for non-fatal anomalies (skipped items,
	// failed file transfers).
	TypeJobWarning Type = "job.warning"
)

// Event is one notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler consumes events. Handlers must not block; slow consumers
// should buffer on their own side.
type Handler func(Event)

// Emitter publishes job events.
type Emitter interface {
	Emit(t Type, jobID string, data map[string]any)
}

// replayCap bounds the in-memory event history.
const replayCap = 256

// subscription pairs a handler with its type filter.
type subscription struct {
	handler Handler
	types   map[Type]bool // nil means all types
}

// Bus is a synchronous fan-out emitter with a bounded replay buffer.
//
// Thread Safety: Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]subscription
	recent   []Event
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string]subscription),
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Subscribe registers a handler for every event type and returns its
// subscription ID.
func (b *Bus) Subscribe(h Handler) string {
	return b.SubscribeTypes(h)
}

// SubscribeTypes registers a handler for the given types only. No types
// means all types.
func (b *Bus) SubscribeTypes(h Handler, types ...Type) string {
	sub := subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.handlers[id] = sub
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a handler. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

// Emit delivers one event to every subscriber.
//
// A panicking handler is logged and skipped; it cannot take the job
// runner down with it.
func (b *Bus) Emit(t Type, jobID string, data map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		JobID:     jobID,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > replayCap {
		b.recent = b.recent[len(b.recent)-replayCap:]
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if sub.types == nil || sub.types[t] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

// Recent returns buffered events for a job, oldest first. An empty
// jobID returns the whole buffer. The buffer holds the last 256 events
// process-wide; it is a convenience view, not durable history.
func (b *Bus) Recent(jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.recent))
	for _, ev := range b.recent {
		if jobID == "" || ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(ev.Type)),
				slog.String("job_id", ev.JobID),
				slog.Any("panic", r),
			)
		}
	}()
	h(ev)
}

// Recorder is an Emitter that captures events for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(t Type, jobID string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		ID:        uuid.NewString(),
		Type:      t,
		JobID:     jobID,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters captured events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(Type, string, map[string]any) {}
