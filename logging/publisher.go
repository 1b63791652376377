package logging

import (
	"context"
	"time"
)

type EventType string

// Event types emitted by the server core.
const (
	EventClientBound      EventType = "client_bound"
	EventClientRejected   EventType = "client_rejected"
	EventClientTerminated EventType = "client_terminated"
	EventTurnStarted      EventType = "turn_started"
	EventTurnOverrun      EventType = "turn_overrun"
	EventGameFinished     EventType = "game_finished"
	EventOutputDropped    EventType = "output_dropped"
	EventOutputOverflow   EventType = "output_overflow"
	EventTerminalCommand  EventType = "terminal_command"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Event categories.
const (
	CategoryNetwork   = "network"
	CategoryTurn      = "turn"
	CategoryOutput    = "output"
	CategoryLifecycle = "lifecycle"
)

// Event is a structured record of something the server did or observed.
// Slot is the client slot index where that applies, -1 otherwise.
type Event struct {
	Type     EventType      `json:"type"`
	Turn     uint64         `json:"turn"`
	Time     time.Time      `json:"time"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Slot     int            `json:"slot,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

func cloneEvent(event Event) Event {
	cloned := event
	if event.Extra != nil {
		copied := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			copied[k] = v
		}
		cloned.Extra = copied
	}
	return cloned
}

func (e Event) WithExtra(key string, value any) Event {
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}
