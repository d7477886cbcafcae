package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/agentbus/internal/engine"
	"github.com/zjrosen/agentbus/internal/voting"
)

var (
	voteDescription string
	voteOptions     []string
	voteMechanism   string
	voteVoters      []string
	voteTimeout     time.Duration
	voteReasoning   string
	voteForce       bool
)

var votesCmd = &cobra.Command{
	Use:   "votes",
	Short: "Run structured votes among agents",
}

var votesInitiateCmd = &cobra.Command{
	Use:   "initiate <topic>",
	Short: "Open a ballot and broadcast vote.initiate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			voteID, err := e.Voting.Initiate(ctx, agentID(), args[0], voteOptions,
				voting.Mechanism(voteMechanism), voting.InitiateOptions{
					Description:    voteDescription,
					EligibleVoters: voteVoters,
					Timeout:        voteTimeout,
				})
			if err != nil {
				return err
			}
			cmd.Println(voteID)
			return nil
		})
	},
}

var votesCastCmd = &cobra.Command{
	Use:   "cast <vote-id> <choice>",
	Short: "Cast a vote on an open ballot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Voting.Cast(ctx, agentID(), args[0], args[1], voteReasoning)
		})
	},
}

var votesTallyCmd = &cobra.Command{
	Use:   "tally <vote-id>",
	Short: "Close a ballot and compute its outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			result, err := e.Voting.Tally(ctx, args[0], voteForce)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var votesStatusCmd = &cobra.Command{
	Use:   "status <vote-id>",
	Short: "Show a ballot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			ballot, err := e.Voting.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(ballot)
		})
	},
}

var votesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open ballots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			open, err := e.Voting.OpenVotes(ctx)
			if err != nil {
				return err
			}
			return printJSON(open)
		})
	},
}

func init() {
	votesInitiateCmd.Flags().StringVar(&voteDescription, "description", "", "ballot description")
	votesInitiateCmd.Flags().StringSliceVar(&voteOptions, "options", nil, "ballot options (required)")
	votesInitiateCmd.Flags().StringVar(&voteMechanism, "mechanism", string(voting.SimpleMajority),
		"tally mechanism: simple_majority, weighted, consensus")
	votesInitiateCmd.Flags().StringSliceVar(&voteVoters, "voters", nil,
		"eligible voters (default: every known agent)")
	votesInitiateCmd.Flags().DurationVar(&voteTimeout, "timeout", 24*time.Hour, "voting deadline")
	_ = votesInitiateCmd.MarkFlagRequired("options")

	votesCastCmd.Flags().StringVar(&voteReasoning, "reasoning", "", "rationale for the choice")
	votesTallyCmd.Flags().BoolVar(&voteForce, "force", false, "tally before the deadline")

	votesCmd.AddCommand(votesInitiateCmd, votesCastCmd, votesTallyCmd, votesStatusCmd, votesListCmd)
	rootCmd.AddCommand(votesCmd)
}
