// Package voting implements structured votes among agents: JSON ballot
// documents on disk, lifecycle broadcasts through the message queue, and
// three tally mechanisms.
package voting

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Mechanism selects how a ballot is tallied.
type Mechanism string

const (
	// SimpleMajority takes the option with the most votes.
	SimpleMajority Mechanism = "simple_majority"

	// Weighted doubles the weight of specialist, expert and senior agents.
	Weighted Mechanism = "weighted"

	// Consensus requires the top option to hold at least 80% of votes cast.
	Consensus Mechanism = "consensus"
)

// BallotStatus is a ballot's lifecycle state.
type BallotStatus string

const (
	BallotOpen   BallotStatus = "open"
	BallotClosed BallotStatus = "closed"
)

// NoConsensus is the tally outcome when a consensus ballot's top option
// falls short of the threshold.
const NoConsensus = "no_consensus"

// NoVotes is the tally outcome of a ballot closed with no votes cast.
const NoVotes = "no_votes"

// consensusThreshold is the vote share the top option needs under the
// consensus mechanism.
const consensusThreshold = 0.8

// CastVote is one voter's entry in a ballot.
type CastVote struct {
	Choice    string    `json:"choice"`
	Reasoning string    `json:"reasoning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the recorded outcome of a tallied ballot.
type Result struct {
	Outcome    string         `json:"outcome"`
	Mechanism  Mechanism      `json:"mechanism"`
	Counts     map[string]int `json:"counts"`
	TotalVotes int            `json:"total_votes"`
	TalliedAt  time.Time      `json:"tallied_at"`
}

// Ballot is the full voting record, persisted as one JSON document per
// vote id under .claude/votes/.
type Ballot struct {
	VoteID         string              `json:"vote_id"`
	Topic          string              `json:"topic"`
	Description    string              `json:"description,omitempty"`
	Options        []string            `json:"options"`
	Mechanism      Mechanism           `json:"mechanism"`
	ProposedBy     string              `json:"proposed_by"`
	ProposedAt     time.Time           `json:"proposed_at"`
	Deadline       time.Time           `json:"deadline"`
	EligibleVoters []string            `json:"eligible_voters"`
	VotesCast      map[string]CastVote `json:"votes_cast"`
	Status         BallotStatus        `json:"status"`
	Result         *Result             `json:"result,omitempty"`
}

// validOption reports whether choice is one of the ballot's options.
func (b *Ballot) validOption(choice string) bool {
	for _, opt := range b.Options {
		if opt == choice {
			return true
		}
	}
	return false
}

// eligible reports whether agentID may cast a vote on this ballot.
func (b *Ballot) eligible(agentID string) bool {
	for _, voter := range b.EligibleVoters {
		if voter == agentID {
			return true
		}
	}
	return false
}

// loadBallot reads a ballot document from path.
func loadBallot(path string) (*Ballot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derived from the vote id
	if err != nil {
		return nil, err
	}
	var ballot Ballot
	if err := json.Unmarshal(data, &ballot); err != nil {
		return nil, fmt.Errorf("decode ballot: %w", err)
	}
	if ballot.VotesCast == nil {
		ballot.VotesCast = make(map[string]CastVote)
	}
	return &ballot, nil
}

// saveBallot writes the ballot document to path via a same-directory
// temp file and rename, so readers never see a torn document.
func saveBallot(path string, ballot *Ballot) error {
	data, err := json.MarshalIndent(ballot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ballot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write ballot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace ballot: %w", err)
	}
	return nil
}
