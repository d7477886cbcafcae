package voting

import (
	"fmt"
	"strings"
	"time"
)

// voterWeight returns the weight of a vote under the weighted mechanism:
// agents whose id marks them as specialist, expert or senior count twice.
func voterWeight(agentID string) int {
	id := strings.ToLower(agentID)
	for _, marker := range []string{"specialist", "expert", "senior"} {
		if strings.Contains(id, marker) {
			return 2
		}
	}
	return 1
}

// tally computes a ballot's outcome under its mechanism.
// Ties break in ballot option order: the first option to reach the
// maximum count wins.
func tally(ballot *Ballot) (*Result, error) {
	counts := make(map[string]int, len(ballot.Options))
	for voter, cast := range ballot.VotesCast {
		weight := 1
		if ballot.Mechanism == Weighted {
			weight = voterWeight(voter)
		}
		counts[cast.Choice] += weight
	}

	outcome := ""
	best := 0
	for _, option := range ballot.Options {
		if counts[option] > best {
			best = counts[option]
			outcome = option
		}
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	switch ballot.Mechanism {
	case SimpleMajority, Weighted:
		if total == 0 {
			outcome = NoVotes
		}
	case Consensus:
		if total == 0 {
			outcome = NoVotes
		} else if float64(best)/float64(total) < consensusThreshold {
			outcome = NoConsensus
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, ballot.Mechanism)
	}

	return &Result{
		Outcome:    outcome,
		Mechanism:  ballot.Mechanism,
		Counts:     counts,
		TotalVotes: len(ballot.VotesCast),
		TalliedAt:  time.Now().UTC(),
	}, nil
}
