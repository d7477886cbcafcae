package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/pubsub"
	"github.com/zjrosen/agentbus/internal/store"
	"github.com/zjrosen/agentbus/internal/tracing"
)

var tracer = otel.Tracer("agentbus/queue")

// messageColumns is the list of columns to select for message queries.
const messageColumns = `id, type, version, timestamp, correlation_id, from_agent, to_agent,
	channel, priority, payload, status, created_at, expires_at, delivery_count,
	last_delivered_at, error`

// Queue is the durable message queue over the shared store.
// All methods are safe for concurrent use from any number of goroutines;
// writes serialize on the store's immediate-mode transactions.
type Queue struct {
	db     *store.DB
	events *pubsub.Broker[Event]
}

// New creates a queue over the store. The broker is optional; when set,
// queue lifecycle events are published to in-process subscribers.
func New(db *store.DB, events *pubsub.Broker[Event]) *Queue {
	return &Queue{db: db, events: events}
}

// SendOptions carries the optional parameters of Send.
type SendOptions struct {
	// To is the recipient agent; empty sends a broadcast.
	To string

	// Channel defaults to "general".
	Channel string

	// Priority defaults to 5; must be in [1,10].
	Priority int

	// CorrelationID links this message to a request/response exchange.
	CorrelationID string

	// TTL sets a soft delivery deadline; zero means no expiry.
	TTL time.Duration
}

// Send durably enqueues a message and returns its id.
// The insert and the recipient's pending-counter bump happen in one write
// transaction. Fails with ErrPriorityOutOfRange, ErrPayloadNotSerializable,
// or ErrDuplicateCorrelation.
func (q *Queue) Send(ctx context.Context, from, msgType string, payload Payload, opts SendOptions) (string, error) {
	_, span := tracer.Start(ctx, "queue.send")
	defer span.End()

	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	if opts.Priority < MinPriority || opts.Priority > MaxPriority {
		return "", fmt.Errorf("%w: got %d", ErrPriorityOutOfRange, opts.Priority)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadNotSerializable, err)
	}

	messageID := uuid.NewString()
	now := store.Now()

	var expiresAt any
	if opts.TTL > 0 {
		expiresAt = store.FormatTime(time.Now().Add(opts.TTL))
	}

	var toAgent any
	if opts.To != "" {
		toAgent = opts.To
	}
	var correlationID any
	if opts.CorrelationID != "" {
		correlationID = opts.CorrelationID
	}

	span.SetAttributes(
		attribute.String(tracing.AttrMessageID, messageID),
		attribute.String(tracing.AttrMessageType, msgType),
		attribute.String(tracing.AttrChannel, opts.Channel),
		attribute.Int(tracing.AttrPriority, opts.Priority),
	)

	err = q.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO messages (
				id, type, version, timestamp, correlation_id,
				from_agent, to_agent, channel, priority, payload,
				status, created_at, expires_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			messageID, msgType, store.ProtocolVersion, now, correlationID,
			from, toAgent, opts.Channel, opts.Priority, string(payloadJSON),
			now, expiresAt,
		)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, opts.CorrelationID)
			}
			return fmt.Errorf("insert message: %w", err)
		}

		// Direct message: bump the recipient's pending counter in the same
		// transaction so the board stays consistent with the queue.
		if opts.To != "" {
			if _, err := tx.Exec(
				`UPDATE agent_status
				 SET messages_pending = messages_pending + 1
				 WHERE agent_id = ?`,
				opts.To,
			); err != nil {
				return fmt.Errorf("bump pending counter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return "", err
	}

	log.Debug(log.CatQueue, "Message sent",
		"id", messageID, "type", msgType, "from", from, "to", opts.To, "channel", opts.Channel)
	q.publish(pubsub.MessageSentEvent, Event{
		MessageID: messageID, Type: msgType, From: from, To: opts.To, Channel: opts.Channel,
	})
	return messageID, nil
}

// Receive returns up to limit pending messages visible to agentID: direct
// messages addressed to it, plus broadcasts on subscribed channels it has
// not yet claimed. Expired messages are filtered out. Results are value
// snapshots ordered by priority (descending) then timestamp.
func (q *Queue) Receive(ctx context.Context, agentID string, channels []string, limit int, typeFilter string) ([]Message, error) {
	_, span := tracer.Start(ctx, "queue.receive")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrAgentID, agentID))

	if limit <= 0 {
		limit = 10
	}

	var sb strings.Builder
	args := []any{agentID}

	sb.WriteString(`SELECT ` + messageColumns + ` FROM messages m
		WHERE m.status = 'pending'
		  AND (m.to_agent = ?`)

	if len(channels) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(channels)), ",")
		sb.WriteString(`
		   OR (m.to_agent IS NULL
		       AND m.channel IN (` + placeholders + `)
		       AND EXISTS (
		           SELECT 1 FROM channel_subscriptions cs
		           WHERE cs.channel_name = m.channel AND cs.agent_id = ?
		       )
		       AND NOT EXISTS (
		           SELECT 1 FROM message_deliveries md
		           WHERE md.message_id = m.id AND md.agent_id = ?
		       ))`)
		for _, ch := range channels {
			args = append(args, ch)
		}
		args = append(args, agentID, agentID)
	}
	sb.WriteString(`)`)

	if typeFilter != "" {
		sb.WriteString(` AND m.type = ?`)
		args = append(args, typeFilter)
	}

	sb.WriteString(` AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY m.priority DESC, m.timestamp ASC
		LIMIT ?`)
	args = append(args, store.Now(), limit)

	rows, err := q.db.Conn().Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// Claim atomically takes responsibility for processing a message.
// Direct messages flip pending->processing with a conditional update, so
// exactly one contender wins; broadcasts insert a per-agent delivery row,
// so each subscriber claims at most once while the row stays pending for
// the rest. Losing the race returns false, not an error.
func (q *Queue) Claim(ctx context.Context, agentID, messageID string) (bool, error) {
	_, span := tracer.Start(ctx, "queue.claim")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrMessageID, messageID),
		attribute.String(tracing.AttrAgentID, agentID),
	)

	var claimed bool
	err := q.db.WithTx(func(tx *sql.Tx) error {
		var toAgent sql.NullString
		var status string
		err := tx.QueryRow(
			`SELECT to_agent, status FROM messages WHERE id = ?`, messageID,
		).Scan(&toAgent, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return &MessageNotFoundError{ID: messageID}
		}
		if err != nil {
			return fmt.Errorf("look up message: %w", err)
		}

		if !toAgent.Valid {
			// Broadcast: the delivery row's primary key is the claim.
			_, err := tx.Exec(
				`INSERT INTO message_deliveries (message_id, agent_id, delivered_at)
				 VALUES (?, ?, ?)`,
				messageID, agentID, store.Now(),
			)
			if err != nil {
				if store.IsUniqueViolation(err) {
					return nil // already claimed by this agent
				}
				return fmt.Errorf("record delivery: %w", err)
			}
			claimed = true
			return nil
		}

		// Direct: the status guard makes the update succeed exactly once.
		res, err := tx.Exec(
			`UPDATE messages
			 SET status = 'processing',
			     last_delivered_at = ?,
			     delivery_count = delivery_count + 1
			 WHERE id = ? AND status = 'pending'`,
			store.Now(), messageID,
		)
		if err != nil {
			return fmt.Errorf("claim message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected != 1 {
			return nil // lost the race
		}

		if _, err := tx.Exec(
			`UPDATE agent_status
			 SET messages_pending = messages_pending - 1
			 WHERE agent_id = ?`,
			agentID,
		); err != nil {
			return fmt.Errorf("drop pending counter: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return false, err
	}

	if claimed {
		log.Debug(log.CatQueue, "Message claimed", "id", messageID, "agent", agentID)
		q.publish(pubsub.MessageClaimedEvent, Event{MessageID: messageID, Agent: agentID})
	}
	return claimed, nil
}

// Complete marks a message done, or failed when procErr is non-empty.
// A message failing its third delivery is snapshotted into the dead-letter
// queue and removed from the active table. Sender and recipient counters
// are updated in the same transaction.
func (q *Queue) Complete(ctx context.Context, messageID, procErr string) error {
	_, span := tracer.Start(ctx, "queue.complete")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrMessageID, messageID))

	newStatus := StatusDone
	if procErr != "" {
		newStatus = StatusFailed
	}

	err := q.db.WithTx(func(tx *sql.Tx) error {
		var deliveryCount int
		var fromAgent, msgType, payload string
		var toAgent sql.NullString
		err := tx.QueryRow(
			`SELECT delivery_count, from_agent, to_agent, type, payload
			 FROM messages WHERE id = ?`, messageID,
		).Scan(&deliveryCount, &fromAgent, &toAgent, &msgType, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return &MessageNotFoundError{ID: messageID}
		}
		if err != nil {
			return fmt.Errorf("look up message: %w", err)
		}

		var errVal any
		if procErr != "" {
			errVal = procErr
		}
		if _, err := tx.Exec(
			`UPDATE messages SET status = ?, error = ? WHERE id = ?`,
			string(newStatus), errVal, messageID,
		); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}

		// Third failed attempt: archive to the DLQ and drop the live row.
		if procErr != "" && deliveryCount >= maxDeliveryAttempts {
			snapshot, err := json.Marshal(map[string]any{
				"id":         messageID,
				"from_agent": fromAgent,
				"to_agent":   nullableString(toAgent),
				"type":       msgType,
				"payload":    payload,
			})
			if err != nil {
				return fmt.Errorf("snapshot message for dlq: %w", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO dead_letter_queue (id, original_message, error, moved_at, retry_count)
				 VALUES (?, ?, ?, ?, ?)`,
				uuid.NewString(), string(snapshot), procErr, store.Now(), deliveryCount,
			); err != nil {
				return fmt.Errorf("insert dead letter: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, messageID); err != nil {
				return fmt.Errorf("remove dead message: %w", err)
			}
			log.Warn(log.CatQueue, "Message moved to DLQ",
				"id", messageID, "retries", deliveryCount, "error", procErr)
		}

		errInc := 0
		if procErr != "" {
			errInc = 1
		}
		parties := []string{fromAgent}
		if toAgent.Valid {
			parties = append(parties, toAgent.String)
		}
		for _, agent := range parties {
			if _, err := tx.Exec(
				`UPDATE agent_status
				 SET messages_processed = messages_processed + 1,
				     error_count = error_count + ?
				 WHERE agent_id = ?`,
				errInc, agent,
			); err != nil {
				return fmt.Errorf("update agent counters: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}

	log.Debug(log.CatQueue, "Message completed", "id", messageID, "status", newStatus)
	q.publish(pubsub.MessageDoneEvent, Event{MessageID: messageID})
	return nil
}

// SendResponse answers a request message. The response goes from the
// request's recipient back to its sender, on the same channel and priority,
// carrying the same correlation id; the store's partial unique index allows
// only one successful response per correlation id. An artifact path, when
// given, is injected into the payload for out-of-band blobs.
func (q *Queue) SendResponse(ctx context.Context, original Message, payload Payload, artifactPath string) (string, error) {
	if original.CorrelationID == "" {
		return "", ErrNoCorrelationID
	}

	if artifactPath != "" {
		if payload == nil {
			payload = Payload{}
		}
		payload["artifact_path"] = artifactPath
	}

	return q.Send(ctx, original.To, ResponseType(original.Type), payload, SendOptions{
		To:            original.From,
		Channel:       original.Channel,
		Priority:      original.Priority,
		CorrelationID: original.CorrelationID,
	})
}

// CleanupExpired deletes messages whose TTL has passed and returns the
// count. Intended to run periodically from a caller-side loop.
func (q *Queue) CleanupExpired(ctx context.Context) (int, error) {
	_, span := tracer.Start(ctx, "queue.cleanup_expired")
	defer span.End()

	var deleted int64
	err := q.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`DELETE FROM messages
			 WHERE expires_at IS NOT NULL AND expires_at <= ?`,
			store.Now(),
		)
		if err != nil {
			return fmt.Errorf("delete expired messages: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return 0, err
	}

	if deleted > 0 {
		log.Info(log.CatQueue, "Expired messages cleaned up", "count", deleted)
	}
	return int(deleted), nil
}

// Get returns a value snapshot of a single message by id.
func (q *Queue) Get(ctx context.Context, messageID string) (*Message, error) {
	row := q.db.Conn().QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &MessageNotFoundError{ID: messageID}
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// DeadLetters returns up to limit archived dead-letter entries, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.Conn().Query(
		`SELECT id, original_message, error, moved_at, retry_count
		 FROM dead_letter_queue ORDER BY moved_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var movedAt string
		if err := rows.Scan(&dl.ID, &dl.OriginalMessage, &dl.Error, &movedAt, &dl.RetryCount); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if t, err := store.ParseTime(movedAt); err == nil {
			dl.MovedAt = t
		}
		entries = append(entries, dl)
	}
	return entries, rows.Err()
}

// DeadLetter is an archived failed-message snapshot. Informational only;
// the engine writes it and never reads it back.
type DeadLetter struct {
	ID              string    `json:"id"`
	OriginalMessage string    `json:"original_message"`
	Error           string    `json:"error"`
	MovedAt         time.Time `json:"moved_at"`
	RetryCount      int       `json:"retry_count"`
}

func (q *Queue) publish(eventType pubsub.EventType, event Event) {
	if q.events != nil {
		q.events.Publish(eventType, event)
	}
}

// scanMessage scans a row into a Message, decoding the payload.
// A payload that fails to decode is surfaced as an error marker without
// mutating the row.
func scanMessage(scanner interface{ Scan(...any) error }) (*Message, error) {
	var (
		msg                        Message
		timestamp, createdAt       string
		correlationID, toAgent     sql.NullString
		expiresAt, lastDeliveredAt sql.NullString
		errStr                     sql.NullString
		payload                    string
	)
	err := scanner.Scan(
		&msg.ID, &msg.Type, &msg.Version, &timestamp, &correlationID, &msg.From,
		&toAgent, &msg.Channel, &msg.Priority, &payload, &msg.Status, &createdAt,
		&expiresAt, &msg.DeliveryCount, &lastDeliveredAt, &errStr,
	)
	if err != nil {
		return nil, err
	}

	msg.CorrelationID = correlationID.String
	msg.To = toAgent.String
	msg.Error = errStr.String

	if t, err := store.ParseTime(timestamp); err == nil {
		msg.Timestamp = t
	}
	if t, err := store.ParseTime(createdAt); err == nil {
		msg.CreatedAt = t
	}
	if expiresAt.Valid {
		if t, err := store.ParseTime(expiresAt.String); err == nil {
			msg.ExpiresAt = &t
		}
	}
	if lastDeliveredAt.Valid {
		if t, err := store.ParseTime(lastDeliveredAt.String); err == nil {
			msg.LastDeliveredAt = &t
		}
	}

	if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
		msg.Payload = Payload{"error": "invalid JSON payload"}
	}
	return &msg, nil
}

func nullableString(s sql.NullString) any {
	if s.Valid {
		return s.String
	}
	return nil
}
