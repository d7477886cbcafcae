// Package pubsub provides a generic publish/subscribe event system for
// in-process observers. Durable cross-process delivery goes through the
// message queue; this broker only fans out to subscribers in the same
// process (log streaming, CLI tails, tests).
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	MessageSentEvent    EventType = "message.sent"
	MessageClaimedEvent EventType = "message.claimed"
	MessageDoneEvent    EventType = "message.done"
	TaskClaimedEvent    EventType = "task.claimed"
	VoteOpenedEvent     EventType = "vote.opened"
	VoteClosedEvent     EventType = "vote.closed"
	LogEvent            EventType = "log"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
