package voting

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/agentbus/internal/agents"
	"github.com/zjrosen/agentbus/internal/paths"
	"github.com/zjrosen/agentbus/internal/queue"
	"github.com/zjrosen/agentbus/internal/store"
	"github.com/zjrosen/agentbus/internal/testutil"
)

func newVoting(t *testing.T) (*Voting, *queue.Queue, *agents.Registry, *store.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	q := queue.New(db, nil)
	reg := agents.New(db)
	layout := paths.Resolve(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.VotesDir(), 0700))
	return New(layout, q, reg, nil), q, reg, db
}

func TestInitiateOpensBallotAndBroadcasts(t *testing.T) {
	v, q, reg, db := newVoting(t)
	ctx := context.Background()

	for _, agent := range []string{"agent-1", "agent-2", "agent-3"} {
		require.NoError(t, reg.Heartbeat(ctx, agent, agents.StatusActive, ""))
	}

	voteID, err := v.Initiate(ctx, "agent-1", "Adopt the new schema?",
		[]string{"yes", "no"}, SimpleMajority, InitiateOptions{Timeout: time.Hour})
	require.NoError(t, err)
	require.Regexp(t, `^vote-[0-9a-f]{8}$`, voteID)

	ballot, err := v.Status(ctx, voteID)
	require.NoError(t, err)
	require.Equal(t, BallotOpen, ballot.Status)
	require.Equal(t, "agent-1", ballot.ProposedBy)
	require.ElementsMatch(t, []string{"agent-1", "agent-2", "agent-3"}, ballot.EligibleVoters)
	require.WithinDuration(t, time.Now().Add(time.Hour), ballot.Deadline, 5*time.Second)

	// vote.initiate lands on general at priority 9.
	_, err = db.Conn().Exec(
		`INSERT INTO channel_subscriptions (channel_name, agent_id, subscribed_at)
		 VALUES ('general', 'observer', ?)`, store.Now(),
	)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "observer", []string{"general"}, 10, queue.TypeVoteInitiate)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 9, msgs[0].Priority)
	require.Equal(t, voteID, msgs[0].Payload["vote_id"])
}

func TestInitiateDefaultsVotersToSystem(t *testing.T) {
	v, _, _, _ := newVoting(t)

	voteID, err := v.Initiate(context.Background(), "proposer", "anything?",
		[]string{"yes"}, SimpleMajority, InitiateOptions{})
	require.NoError(t, err)

	ballot, err := v.Status(context.Background(), voteID)
	require.NoError(t, err)
	require.Equal(t, []string{"system"}, ballot.EligibleVoters)
}

func TestInitiateValidation(t *testing.T) {
	v, _, _, _ := newVoting(t)
	ctx := context.Background()

	_, err := v.Initiate(ctx, "p", "t", nil, SimpleMajority, InitiateOptions{})
	require.ErrorIs(t, err, ErrNoOptions)

	_, err = v.Initiate(ctx, "p", "t", []string{"yes"}, Mechanism("ranked_choice"), InitiateOptions{})
	require.ErrorIs(t, err, ErrUnknownMechanism)
}

func TestCastValidation(t *testing.T) {
	v, _, _, _ := newVoting(t)
	ctx := context.Background()

	voteID, err := v.Initiate(ctx, "p", "t", []string{"yes", "no"}, SimpleMajority,
		InitiateOptions{EligibleVoters: []string{"agent-1", "agent-2", "agent-3"}})
	require.NoError(t, err)

	require.ErrorIs(t, v.Cast(ctx, "outsider", voteID, "yes", ""), ErrNotEligible)
	require.ErrorIs(t, v.Cast(ctx, "agent-1", voteID, "maybe", ""), ErrInvalidChoice)

	require.NoError(t, v.Cast(ctx, "agent-1", voteID, "yes", "looks right"))
	require.ErrorIs(t, v.Cast(ctx, "agent-1", voteID, "no", ""), ErrAlreadyVoted)

	ballot, err := v.Status(ctx, voteID)
	require.NoError(t, err)
	require.Equal(t, "yes", ballot.VotesCast["agent-1"].Choice)
	require.Equal(t, "looks right", ballot.VotesCast["agent-1"].Reasoning)

	// Close the ballot; further casts are refused.
	_, err = v.Tally(ctx, voteID, true)
	require.NoError(t, err)
	require.ErrorIs(t, v.Cast(ctx, "agent-2", voteID, "yes", ""), ErrVoteClosed)
}

func TestCastUnknownVote(t *testing.T) {
	v, _, _, _ := newVoting(t)

	var notFound *VoteNotFoundError
	err := v.Cast(context.Background(), "agent-1", "vote-missing", "yes", "")
	require.ErrorAs(t, err, &notFound)
}

func TestTallyLifecycle(t *testing.T) {
	v, q, _, db := newVoting(t)
	ctx := context.Background()
	voters := []string{"agent-1", "agent-2", "agent-3"}

	voteID, err := v.Initiate(ctx, "agent-1", "Merge?", []string{"yes", "no"},
		SimpleMajority, InitiateOptions{EligibleVoters: voters, Timeout: time.Hour})
	require.NoError(t, err)

	require.NoError(t, v.Cast(ctx, "agent-1", voteID, "yes", ""))
	require.NoError(t, v.Cast(ctx, "agent-2", voteID, "yes", ""))
	require.NoError(t, v.Cast(ctx, "agent-3", voteID, "no", ""))

	// Deadline is an hour out; tallying needs force.
	_, err = v.Tally(ctx, voteID, false)
	require.ErrorIs(t, err, ErrVoteStillOpen)

	result, err := v.Tally(ctx, voteID, true)
	require.NoError(t, err)
	require.Equal(t, "yes", result.Outcome)
	require.Equal(t, 3, result.TotalVotes)

	// Second tally fails; the ballot is closed with the result persisted.
	_, err = v.Tally(ctx, voteID, true)
	require.ErrorIs(t, err, ErrVoteClosed)

	ballot, err := v.Status(ctx, voteID)
	require.NoError(t, err)
	require.Equal(t, BallotClosed, ballot.Status)
	require.NotNil(t, ballot.Result)
	require.Equal(t, "yes", ballot.Result.Outcome)

	// vote.result broadcast at priority 8.
	_, err = db.Conn().Exec(
		`INSERT INTO channel_subscriptions (channel_name, agent_id, subscribed_at)
		 VALUES ('general', 'observer', ?)`, store.Now(),
	)
	require.NoError(t, err)
	msgs, err := q.Receive(ctx, "observer", []string{"general"}, 10, queue.TypeVoteResult)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 8, msgs[0].Priority)
	require.Equal(t, "yes", msgs[0].Payload["outcome"])
}

func TestOpenVotesNewestFirst(t *testing.T) {
	v, _, _, _ := newVoting(t)
	ctx := context.Background()
	opts := InitiateOptions{EligibleVoters: []string{"a", "b", "c"}}

	first, err := v.Initiate(ctx, "p", "first", []string{"yes"}, SimpleMajority, opts)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := v.Initiate(ctx, "p", "second", []string{"yes"}, SimpleMajority, opts)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	closed, err := v.Initiate(ctx, "p", "closed", []string{"yes"}, SimpleMajority, opts)
	require.NoError(t, err)
	_, err = v.Tally(ctx, closed, true)
	require.NoError(t, err)

	open, err := v.OpenVotes(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	require.Equal(t, second, open[0].VoteID)
	require.Equal(t, first, open[1].VoteID)
}
