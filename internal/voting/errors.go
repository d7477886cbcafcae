package voting

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMechanism means the mechanism is not one of the three
	// supported tally mechanisms.
	ErrUnknownMechanism = errors.New("unknown voting mechanism")

	// ErrNoOptions means a ballot was initiated without options.
	ErrNoOptions = errors.New("ballot requires at least one option")

	// ErrNotEligible means the agent is not on the eligible-voter list.
	ErrNotEligible = errors.New("agent not eligible to vote")

	// ErrAlreadyVoted means the agent has already cast on this ballot.
	ErrAlreadyVoted = errors.New("agent already voted")

	// ErrInvalidChoice means the choice is not one of the ballot options.
	ErrInvalidChoice = errors.New("choice is not a ballot option")

	// ErrVoteClosed means the ballot no longer accepts votes.
	ErrVoteClosed = errors.New("vote is closed")

	// ErrVoteStillOpen means the tally was refused because the deadline
	// has not passed and force was not set.
	ErrVoteStillOpen = errors.New("vote deadline has not passed")
)

// VoteNotFoundError indicates no ballot document exists for the id.
type VoteNotFoundError struct {
	ID string
}

func (e *VoteNotFoundError) Error() string {
	return fmt.Sprintf("vote not found: %s", e.ID)
}
