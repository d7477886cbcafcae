package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/agentbus/internal/store"
	"github.com/zjrosen/agentbus/internal/testutil"
)

func newQueue(t *testing.T) (*Queue, *store.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	return New(db, nil), db
}

func subscribeAgent(t *testing.T, db *store.DB, agentID, channel string) {
	t.Helper()
	_, err := db.Conn().Exec(
		`INSERT OR IGNORE INTO channel_subscriptions (channel_name, agent_id, subscribed_at)
		 VALUES (?, ?, ?)`, channel, agentID, store.Now(),
	)
	require.NoError(t, err)
}

func heartbeatAgent(t *testing.T, db *store.DB, agentID string) {
	t.Helper()
	_, err := db.Conn().Exec(
		`INSERT OR IGNORE INTO agent_status (agent_id, status, last_heartbeat)
		 VALUES (?, 'active', ?)`, agentID, store.Now(),
	)
	require.NoError(t, err)
}

func TestSendValidatesPriority(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{Priority: 11})
	require.ErrorIs(t, err, ErrPriorityOutOfRange)

	_, err = q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{Priority: -1})
	require.ErrorIs(t, err, ErrPriorityOutOfRange)

	// Zero means default.
	id, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{})
	require.NoError(t, err)

	msg, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, DefaultPriority, msg.Priority)
	require.Equal(t, DefaultChannel, msg.Channel)
	require.Equal(t, StatusPending, msg.Status)
}

func TestSendRejectsUnserializablePayload(t *testing.T) {
	q, _ := newQueue(t)

	_, err := q.Send(context.Background(), "sender", "test.msg",
		Payload{"bad": func() {}}, SendOptions{})
	require.ErrorIs(t, err, ErrPayloadNotSerializable)
}

func TestSendBumpsPendingCounter(t *testing.T) {
	q, db := newQueue(t)
	ctx := context.Background()
	heartbeatAgent(t, db, "receiver")

	_, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "receiver"})
	require.NoError(t, err)

	var pending int
	require.NoError(t, db.Conn().QueryRow(
		`SELECT messages_pending FROM agent_status WHERE agent_id = 'receiver'`,
	).Scan(&pending))
	require.Equal(t, 1, pending)
}

func TestReceiveOrdersByPriorityThenTime(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	low, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "r", Priority: 2})
	require.NoError(t, err)
	high, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "r", Priority: 9})
	require.NoError(t, err)
	mid, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "r", Priority: 5})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "r", nil, 10, "")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{high, mid, low}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestReceiveMatchesDirectByRecipientOnly(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	// Direct messages carry a channel label but are matched on to_agent
	// alone; the recipient needs no subscription.
	_, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "r", Channel: "technical"})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "r", nil, 10, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Not visible to anyone else.
	msgs, err = q.Receive(ctx, "other", nil, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestReceiveTypeFilter(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "sender", "context.query", Payload{}, SendOptions{To: "r"})
	require.NoError(t, err)
	_, err = q.Send(ctx, "sender", "status.report", Payload{}, SendOptions{To: "r"})
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "r", nil, 10, "context.query")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "context.query", msgs[0].Type)
}

func TestDirectClaimExactlyOnce(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "receiver"})
	require.NoError(t, err)

	const contenders = 10
	results := make([]bool, contenders)
	errs := make([]error, contenders)

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.Claim(ctx, fmt.Sprintf("agent-%d", i), id)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < contenders; i++ {
		require.NoError(t, errs[i])
		if results[i] {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	msg, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, msg.Status)
	require.Equal(t, 1, msg.DeliveryCount)
}

func TestBroadcastFanOut(t *testing.T) {
	q, db := newQueue(t)
	ctx := context.Background()
	agents := []string{"agent-1", "agent-2", "agent-3"}
	for _, a := range agents {
		subscribeAgent(t, db, a, "general")
	}

	id, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{Channel: "general"})
	require.NoError(t, err)

	// Every subscriber sees and claims the broadcast once.
	for _, a := range agents {
		msgs, err := q.Receive(ctx, a, []string{"general"}, 10, "")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.True(t, msgs[0].Broadcast())

		claimed, err := q.Claim(ctx, a, id)
		require.NoError(t, err)
		require.True(t, claimed, "first claim by %s", a)
	}

	// Second claims lose; the claimed broadcast disappears from receive.
	for _, a := range agents {
		claimed, err := q.Claim(ctx, a, id)
		require.NoError(t, err)
		require.False(t, claimed, "second claim by %s", a)

		msgs, err := q.Receive(ctx, a, []string{"general"}, 10, "")
		require.NoError(t, err)
		require.Empty(t, msgs)
	}

	// The message row itself stays pending for any future subscriber.
	msg, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, msg.Status)
}

func TestSubscriptionFiltering(t *testing.T) {
	q, db := newQueue(t)
	ctx := context.Background()
	subscribeAgent(t, db, "agent-1", "technical")
	subscribeAgent(t, db, "agent-2", "general")
	subscribeAgent(t, db, "agent-3", "technical")
	subscribeAgent(t, db, "agent-3", "general")

	_, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{Channel: "technical"})
	require.NoError(t, err)

	for agent, channels := range map[string][]string{
		"agent-1": {"technical"},
		"agent-3": {"technical", "general"},
	} {
		msgs, err := q.Receive(ctx, agent, channels, 10, "")
		require.NoError(t, err)
		require.Len(t, msgs, 1, "agent %s", agent)
	}

	msgs, err := q.Receive(ctx, "agent-2", []string{"general"}, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)

	// Naming the channel without a subscription is not enough.
	msgs, err = q.Receive(ctx, "agent-2", []string{"technical"}, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestResponseUniqueness(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	reqID, err := q.Send(ctx, "asker", "context.query", Payload{"q": "state?"},
		SendOptions{To: "answerer", CorrelationID: "corr-1"})
	require.NoError(t, err)

	req, err := q.Get(ctx, reqID)
	require.NoError(t, err)

	respID, err := q.SendResponse(ctx, *req, Payload{"a": "ok"}, "")
	require.NoError(t, err)

	resp, err := q.Get(ctx, respID)
	require.NoError(t, err)
	require.Equal(t, "context.response", resp.Type)
	require.Equal(t, "answerer", resp.From)
	require.Equal(t, "asker", resp.To)
	require.Equal(t, "corr-1", resp.CorrelationID)
	require.Equal(t, req.Priority, resp.Priority)

	_, err = q.SendResponse(ctx, *req, Payload{"a": "again"}, "")
	require.ErrorIs(t, err, ErrDuplicateCorrelation)
}

func TestSendResponseRequiresCorrelation(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, "asker", "context.query", Payload{}, SendOptions{To: "answerer"})
	require.NoError(t, err)
	req, err := q.Get(ctx, id)
	require.NoError(t, err)

	_, err = q.SendResponse(ctx, *req, Payload{}, "")
	require.ErrorIs(t, err, ErrNoCorrelationID)
}

func TestSendResponseInjectsArtifactPath(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, "asker", "context.query", Payload{},
		SendOptions{To: "answerer", CorrelationID: "corr-9"})
	require.NoError(t, err)
	req, err := q.Get(ctx, id)
	require.NoError(t, err)

	respID, err := q.SendResponse(ctx, *req, nil, ".claude/artifacts/blob.json")
	require.NoError(t, err)

	resp, err := q.Get(ctx, respID)
	require.NoError(t, err)
	require.Equal(t, ".claude/artifacts/blob.json", resp.Payload["artifact_path"])
}

func TestTTLExpiry(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "sender", "test.msg", Payload{},
		SendOptions{To: "r", TTL: 50 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// Expired messages are invisible even before cleanup runs.
	msgs, err := q.Receive(ctx, "r", nil, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)

	removed, err := q.CleanupExpired(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, removed, 1)

	msgs, err = q.Receive(ctx, "r", nil, 10, "")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCompleteUpdatesCountersAndStatus(t *testing.T) {
	q, db := newQueue(t)
	ctx := context.Background()
	heartbeatAgent(t, db, "sender")
	heartbeatAgent(t, db, "receiver")

	id, err := q.Send(ctx, "sender", "test.msg", Payload{}, SendOptions{To: "receiver"})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "receiver", id)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, q.Complete(ctx, id, ""))

	msg, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusDone, msg.Status)

	for _, agent := range []string{"sender", "receiver"} {
		var processed, errCount int
		require.NoError(t, db.Conn().QueryRow(
			`SELECT messages_processed, error_count FROM agent_status WHERE agent_id = ?`, agent,
		).Scan(&processed, &errCount))
		require.Equal(t, 1, processed, "agent %s", agent)
		require.Equal(t, 0, errCount, "agent %s", agent)
	}
}

func TestCompleteWithErrorPromotesToDLQ(t *testing.T) {
	q, db := newQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, "sender", "test.msg", Payload{"n": 1}, SendOptions{To: "receiver"})
	require.NoError(t, err)

	// First two failures keep the message in the active table.
	require.NoError(t, q.Complete(ctx, id, "transient failure"))
	msg, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, msg.Status)
	require.Equal(t, "transient failure", msg.Error)

	// Third delivery attempt failing moves it to the DLQ.
	_, err = db.Conn().Exec(`UPDATE messages SET delivery_count = 3 WHERE id = ?`, id)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, "gave up"))

	var notFound *MessageNotFoundError
	_, err = q.Get(ctx, id)
	require.ErrorAs(t, err, &notFound)

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "gave up", letters[0].Error)
	require.Equal(t, 3, letters[0].RetryCount)
	require.Contains(t, letters[0].OriginalMessage, id)
}

func TestClaimUnknownMessage(t *testing.T) {
	q, _ := newQueue(t)

	var notFound *MessageNotFoundError
	_, err := q.Claim(context.Background(), "agent", "no-such-id")
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "no-such-id", notFound.ID)
}

func TestUndecodablePayloadSurfacesMarker(t *testing.T) {
	q, db := newQueue(t)
	ctx := context.Background()

	now := store.Now()
	_, err := db.Conn().Exec(
		`INSERT INTO messages (id, type, version, timestamp, from_agent, channel, priority, payload, status, created_at)
		 VALUES ('bad-payload', 'test.msg', '1.0', ?, 'sender', 'general', 5, 'not json{', 'pending', ?)`,
		now, now,
	)
	require.NoError(t, err)

	msg, err := q.Get(ctx, "bad-payload")
	require.NoError(t, err)
	require.Equal(t, Payload{"error": "invalid JSON payload"}, msg.Payload)

	// The stored row is untouched.
	var raw string
	require.NoError(t, db.Conn().QueryRow(
		`SELECT payload FROM messages WHERE id = 'bad-payload'`,
	).Scan(&raw))
	require.Equal(t, "not json{", raw)
}

func TestConcurrentSendsAllLand(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	const senders = 10
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Send(ctx, fmt.Sprintf("agent-%d", i), "test.msg",
				Payload{"i": i}, SendOptions{To: "collector"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "sender %d", i)
	}

	msgs, err := q.Receive(ctx, "collector", nil, senders, "")
	require.NoError(t, err)
	require.Len(t, msgs, senders)
}
