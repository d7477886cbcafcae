// Package queue implements the durable, priority-ordered message queue:
// direct and broadcast delivery, atomic claims, request/response
// correlation, TTL expiry, and the dead-letter queue.
package queue

import (
	"time"
)

// Status tracks a message through its lifecycle.
type Status string

const (
	// StatusPending means the message is visible to receivers.
	StatusPending Status = "pending"

	// StatusProcessing means a direct message has been claimed.
	StatusProcessing Status = "processing"

	// StatusDone means processing finished successfully.
	StatusDone Status = "done"

	// StatusFailed means processing finished with an error.
	StatusFailed Status = "failed"
)

// Reserved message types emitted by the engine's own broadcasts.
const (
	TypeVoteInitiate = "vote.initiate"
	TypeVoteRecorded = "vote.recorded"
	TypeVoteResult   = "vote.result"
	TypeTaskClaimed  = "task.claimed"
	TypeTaskUpdate   = "task.update"
)

// DefaultChannel is used when the sender does not name a channel.
const DefaultChannel = "general"

// Priority bounds; 10 is most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// maxDeliveryAttempts is the failure count at which a message is moved to
// the dead-letter queue instead of staying in the active table.
const maxDeliveryAttempts = 3

// Payload is the opaque structured body of a message. It must marshal to
// self-contained JSON; the engine never interprets it.
type Payload map[string]any

// Message is the canonical envelope stored in the messages table.
// A message with an empty To is a broadcast, delivered once per subscriber
// of its channel; otherwise it is a direct message claimed by exactly one
// agent ever.
type Message struct {
	// ID is a unique identifier for this message (uuid).
	ID string `json:"id"`

	// Type is the dotted message type, e.g. "context.query" or "vote.cast".
	// A request of type "x.y" is answered with type "x.response".
	Type string `json:"type"`

	// Version is the protocol version the message was written under.
	Version string `json:"version"`

	// Timestamp orders the message within its priority band.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID links a response to its request. The store enforces a
	// single successful *.response message per correlation id.
	CorrelationID string `json:"correlation_id,omitempty"`

	// From identifies the sender.
	From string `json:"from_agent"`

	// To identifies the recipient; empty means broadcast.
	To string `json:"to_agent,omitempty"`

	// Channel is the routing bucket. Broadcast visibility is scoped to
	// channel subscribers; direct messages carry the label but are matched
	// on To alone.
	Channel string `json:"channel"`

	// Priority is in [1,10], 10 highest.
	Priority int `json:"priority"`

	// Payload is the decoded message body. If the stored payload fails to
	// decode, Payload carries an error marker and the row is not mutated.
	Payload Payload `json:"payload"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the soft delivery deadline; nil means no TTL.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// DeliveryCount counts claim attempts on a direct message.
	DeliveryCount int `json:"delivery_count"`

	// LastDeliveredAt is stamped on each successful direct claim.
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`

	// Error holds the failure reason recorded by Complete.
	Error string `json:"error,omitempty"`
}

// Broadcast reports whether the message has no recipient.
func (m Message) Broadcast() bool {
	return m.To == ""
}

// ResponseType derives the reply type for a request type: the last dotted
// segment is replaced with "response" ("context.query" -> "context.response").
// A type without dots answers with plain "response".
func ResponseType(requestType string) string {
	for i := len(requestType) - 1; i >= 0; i-- {
		if requestType[i] == '.' {
			return requestType[:i] + ".response"
		}
	}
	return "response"
}

// Event is published on the in-process broker as messages move through the
// queue. It carries routing metadata only, never the payload.
type Event struct {
	MessageID string
	Type      string
	From      string
	To        string
	Channel   string
	Agent     string // claiming or completing agent, when known
}
