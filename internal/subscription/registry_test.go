package subscription

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/agentbus/internal/testutil"
)

func TestSubscribeIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	r := New(db)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "agent-1", "technical"))
	require.NoError(t, r.Subscribe(ctx, "agent-1", "technical"))

	var count int
	require.NoError(t, db.Conn().QueryRow(
		`SELECT COUNT(*) FROM channel_subscriptions WHERE agent_id = 'agent-1' AND channel_name = 'technical'`,
	).Scan(&count))
	require.Equal(t, 1, count)

	// One unsubscribe removes the row regardless of how many subscribes ran.
	require.NoError(t, r.Unsubscribe(ctx, "agent-1", "technical"))
	require.NoError(t, db.Conn().QueryRow(
		`SELECT COUNT(*) FROM channel_subscriptions WHERE agent_id = 'agent-1' AND channel_name = 'technical'`,
	).Scan(&count))
	require.Equal(t, 0, count)

	// Unsubscribing again is a no-op.
	require.NoError(t, r.Unsubscribe(ctx, "agent-1", "technical"))
}

func TestChannelsOfIsSorted(t *testing.T) {
	db := testutil.NewTestDB(t)
	r := New(db)
	ctx := context.Background()

	for _, ch := range []string{"urgent", "general", "technical"} {
		require.NoError(t, r.Subscribe(ctx, "agent-1", ch))
	}

	channels, err := r.ChannelsOf(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"general", "technical", "urgent"}, channels)
}

func TestChannelsOfCacheInvalidatedOnWrites(t *testing.T) {
	db := testutil.NewTestDB(t)
	r := New(db)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "agent-1", "general"))
	channels, err := r.ChannelsOf(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"general"}, channels)

	// The cached entry must not mask the new subscription.
	require.NoError(t, r.Subscribe(ctx, "agent-1", "urgent"))
	channels, err = r.ChannelsOf(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"general", "urgent"}, channels)

	require.NoError(t, r.Unsubscribe(ctx, "agent-1", "general"))
	channels, err = r.ChannelsOf(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, []string{"urgent"}, channels)
}

func TestSubscribers(t *testing.T) {
	db := testutil.NewTestDB(t)
	r := New(db)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "b-agent", "ops"))
	require.NoError(t, r.Subscribe(ctx, "a-agent", "ops"))

	subs, err := r.Subscribers(ctx, "ops")
	require.NoError(t, err)
	require.Equal(t, []string{"a-agent", "b-agent"}, subs)
}

// TestSubscriptionModel drives random subscribe/unsubscribe sequences
// against an in-memory model and checks ChannelsOf matches the model
// after every step.
func TestSubscriptionModel(t *testing.T) {
	db := testutil.NewTestDB(t)
	r := New(db)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		model := make(map[string]bool)
		agent := "model-agent"
		channels := []string{"general", "urgent", "technical", "review", "ops"}

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			ch := rapid.SampledFrom(channels).Draw(rt, "channel")
			if rapid.Bool().Draw(rt, "subscribe") {
				if err := r.Subscribe(ctx, agent, ch); err != nil {
					rt.Fatalf("subscribe: %v", err)
				}
				model[ch] = true
			} else {
				if err := r.Unsubscribe(ctx, agent, ch); err != nil {
					rt.Fatalf("unsubscribe: %v", err)
				}
				delete(model, ch)
			}

			got, err := r.ChannelsOf(ctx, agent)
			if err != nil {
				rt.Fatalf("channels of: %v", err)
			}
			want := make([]string, 0, len(model))
			for ch := range model {
				want = append(want, ch)
			}
			sort.Strings(want)
			if len(got) != len(want) {
				rt.Fatalf("got %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					rt.Fatalf("got %v, want %v", got, want)
				}
			}
		}

		// Reset for the next rapid iteration.
		for ch := range model {
			if err := r.Unsubscribe(ctx, agent, ch); err != nil {
				rt.Fatalf("cleanup: %v", err)
			}
		}
	})
}
