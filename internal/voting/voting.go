package voting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zjrosen/agentbus/internal/agents"
	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/paths"
	"github.com/zjrosen/agentbus/internal/pubsub"
	"github.com/zjrosen/agentbus/internal/queue"
	"github.com/zjrosen/agentbus/internal/tracing"
)

var tracer = otel.Tracer("agentbus/voting")

// minRecommendedVoters is advisory only: smaller ballots are accepted
// with a warning.
const minRecommendedVoters = 3

// Voting runs ballots on top of the queue and the agent registry.
// Ballot state lives in JSON documents, one per vote id; a process-wide
// mutex serializes document writes, matching the single-writer contract
// of the votes directory.
type Voting struct {
	layout paths.Layout
	queue  *queue.Queue
	agents *agents.Registry
	events *pubsub.Broker[queue.Event]

	mu sync.Mutex
}

// New creates the voting layer. The queue carries lifecycle broadcasts;
// the agent registry enumerates default eligible voters.
func New(layout paths.Layout, q *queue.Queue, reg *agents.Registry, events *pubsub.Broker[queue.Event]) *Voting {
	return &Voting{layout: layout, queue: q, agents: reg, events: events}
}

// InitiateOptions carries the optional parameters of Initiate.
type InitiateOptions struct {
	// Description elaborates on the topic.
	Description string

	// EligibleVoters defaults to every agent known to the registry, or
	// ["system"] when the registry is empty.
	EligibleVoters []string

	// Timeout sets the voting deadline; defaults to 24h.
	Timeout time.Duration
}

// Initiate opens a ballot and broadcasts vote.initiate on the general
// channel at priority 9. Returns the new vote id.
func (v *Voting) Initiate(ctx context.Context, proposer, topic string, options []string, mechanism Mechanism, opts InitiateOptions) (string, error) {
	_, span := tracer.Start(ctx, "vote.initiate")
	defer span.End()

	if len(options) == 0 {
		return "", ErrNoOptions
	}
	switch mechanism {
	case SimpleMajority, Weighted, Consensus:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMechanism, mechanism)
	}

	voters := opts.EligibleVoters
	if len(voters) == 0 {
		known, err := v.agents.All(ctx)
		if err != nil {
			return "", fmt.Errorf("enumerate voters: %w", err)
		}
		for _, a := range known {
			voters = append(voters, a.AgentID)
		}
	}
	if len(voters) == 0 {
		voters = []string{"system"}
	}
	if len(voters) < minRecommendedVoters {
		log.Warn(log.CatVote, "Ballot has fewer than three eligible voters",
			"topic", topic, "voters", len(voters))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	voteID := "vote-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	now := time.Now().UTC()
	ballot := &Ballot{
		VoteID:         voteID,
		Topic:          topic,
		Description:    opts.Description,
		Options:        options,
		Mechanism:      mechanism,
		ProposedBy:     proposer,
		ProposedAt:     now,
		Deadline:       now.Add(timeout),
		EligibleVoters: voters,
		VotesCast:      make(map[string]CastVote),
		Status:         BallotOpen,
	}

	span.SetAttributes(
		attribute.String(tracing.AttrVoteID, voteID),
		attribute.String(tracing.AttrVoteMechanism, string(mechanism)),
	)

	v.mu.Lock()
	err := saveBallot(v.layout.VotePath(voteID), ballot)
	v.mu.Unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return "", err
	}

	if _, err := v.queue.Send(ctx, proposer, queue.TypeVoteInitiate, queue.Payload{
		"vote_id":      voteID,
		"topic":        topic,
		"options":      options,
		"mechanism":    string(mechanism),
		"deadline":     ballot.Deadline.Format(time.RFC3339),
		"instructions": fmt.Sprintf("Cast your vote on %s by choosing one of the listed options before the deadline", voteID),
	}, queue.SendOptions{Priority: 9}); err != nil {
		log.ErrorErr(log.CatVote, "Failed to broadcast vote.initiate", err, "vote", voteID)
	}

	log.Info(log.CatVote, "Vote initiated",
		"id", voteID, "topic", topic, "mechanism", mechanism, "voters", len(voters))
	if v.events != nil {
		v.events.Publish(pubsub.VoteOpenedEvent, queue.Event{MessageID: voteID, From: proposer})
	}
	return voteID, nil
}

// Cast records agentID's vote. Fails with ErrNotEligible, ErrVoteClosed,
// ErrInvalidChoice or ErrAlreadyVoted; on success a vote.recorded message
// is broadcast.
func (v *Voting) Cast(ctx context.Context, agentID, voteID, choice, reasoning string) error {
	_, span := tracer.Start(ctx, "vote.cast")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrVoteID, voteID),
		attribute.String(tracing.AttrAgentID, agentID),
	)

	v.mu.Lock()
	received, needed, err := func() (int, int, error) {
		ballot, err := v.load(voteID)
		if err != nil {
			return 0, 0, err
		}
		if ballot.Status != BallotOpen {
			return 0, 0, fmt.Errorf("%w: %s", ErrVoteClosed, voteID)
		}
		if !ballot.eligible(agentID) {
			return 0, 0, fmt.Errorf("%w: %s on %s", ErrNotEligible, agentID, voteID)
		}
		if !ballot.validOption(choice) {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
		}
		if _, voted := ballot.VotesCast[agentID]; voted {
			return 0, 0, fmt.Errorf("%w: %s on %s", ErrAlreadyVoted, agentID, voteID)
		}

		ballot.VotesCast[agentID] = CastVote{
			Choice:    choice,
			Reasoning: reasoning,
			Timestamp: time.Now().UTC(),
		}
		if err := saveBallot(v.layout.VotePath(voteID), ballot); err != nil {
			return 0, 0, err
		}
		return len(ballot.VotesCast), len(ballot.EligibleVoters), nil
	}()
	v.mu.Unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}

	if _, err := v.queue.Send(ctx, agentID, queue.TypeVoteRecorded, queue.Payload{
		"vote_id":        voteID,
		"voter":          agentID,
		"votes_received": received,
		"votes_needed":   needed,
	}, queue.SendOptions{}); err != nil {
		log.ErrorErr(log.CatVote, "Failed to broadcast vote.recorded", err, "vote", voteID)
	}

	log.Info(log.CatVote, "Vote cast", "id", voteID, "agent", agentID)
	return nil
}

// Tally closes the ballot and computes its outcome. Refused with
// ErrVoteClosed when already closed, or ErrVoteStillOpen when the
// deadline has not passed and force is false. The result is persisted
// and broadcast as vote.result at priority 8.
func (v *Voting) Tally(ctx context.Context, voteID string, force bool) (*Result, error) {
	_, span := tracer.Start(ctx, "vote.tally")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrVoteID, voteID))

	v.mu.Lock()
	result, proposer, topic, err := func() (*Result, string, string, error) {
		ballot, err := v.load(voteID)
		if err != nil {
			return nil, "", "", err
		}
		if ballot.Status != BallotOpen {
			return nil, "", "", fmt.Errorf("%w: %s", ErrVoteClosed, voteID)
		}
		if !force && time.Now().UTC().Before(ballot.Deadline) {
			return nil, "", "", fmt.Errorf("%w: %s", ErrVoteStillOpen, voteID)
		}

		result, err := tally(ballot)
		if err != nil {
			return nil, "", "", err
		}
		ballot.Status = BallotClosed
		ballot.Result = result
		if err := saveBallot(v.layout.VotePath(voteID), ballot); err != nil {
			return nil, "", "", err
		}
		return result, ballot.ProposedBy, ballot.Topic, nil
	}()
	v.mu.Unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}

	if _, err := v.queue.Send(ctx, proposer, queue.TypeVoteResult, queue.Payload{
		"vote_id":     voteID,
		"topic":       topic,
		"outcome":     result.Outcome,
		"mechanism":   string(result.Mechanism),
		"tally":       result.Counts,
		"total_votes": result.TotalVotes,
	}, queue.SendOptions{Priority: 8}); err != nil {
		log.ErrorErr(log.CatVote, "Failed to broadcast vote.result", err, "vote", voteID)
	}

	log.Info(log.CatVote, "Vote tallied", "id", voteID, "outcome", result.Outcome)
	if v.events != nil {
		v.events.Publish(pubsub.VoteClosedEvent, queue.Event{MessageID: voteID})
	}
	return result, nil
}

// Status returns a value snapshot of the ballot.
func (v *Voting) Status(ctx context.Context, voteID string) (*Ballot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.load(voteID)
}

// OpenVotes returns all open ballots, newest first.
func (v *Voting) OpenVotes(ctx context.Context) ([]Ballot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := os.ReadDir(v.layout.VotesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read votes directory: %w", err)
	}

	var open []Ballot
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		ballot, err := loadBallot(filepath.Join(v.layout.VotesDir(), entry.Name()))
		if err != nil {
			log.ErrorErr(log.CatVote, "Skipping unreadable ballot", err, "file", entry.Name())
			continue
		}
		if ballot.Status == BallotOpen {
			open = append(open, *ballot)
		}
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].ProposedAt.After(open[j].ProposedAt)
	})
	return open, nil
}

func (v *Voting) load(voteID string) (*Ballot, error) {
	ballot, err := loadBallot(v.layout.VotePath(voteID))
	if os.IsNotExist(err) {
		return nil, &VoteNotFoundError{ID: voteID}
	}
	if err != nil {
		return nil, fmt.Errorf("load ballot: %w", err)
	}
	return ballot, nil
}
