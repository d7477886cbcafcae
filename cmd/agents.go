package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zjrosen/agentbus/internal/agents"
	"github.com/zjrosen/agentbus/internal/engine"
)

var heartbeatTask string

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <status>",
	Short: "Report agent liveness (active, idle, degraded, failed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Agents.Heartbeat(ctx, agentID(), agents.Status(args[0]), heartbeatTask)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [agent-id]",
	Short: "Show an agent's registry row (default: this agent)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			target := agentID()
			if len(args) == 1 {
				target = args[0]
			}
			health, err := e.Agents.Health(ctx, target)
			if err != nil {
				return err
			}
			return printJSON(health)
		})
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>",
	Short: "Subscribe this agent to a broadcast channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Subscriptions.Subscribe(ctx, agentID(), args[0])
		})
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <channel>",
	Short: "Unsubscribe this agent from a broadcast channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Subscriptions.Unsubscribe(ctx, agentID(), args[0])
		})
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List this agent's channel subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			channels, err := e.Subscriptions.ChannelsOf(ctx, agentID())
			if err != nil {
				return err
			}
			return printJSON(channels)
		})
	},
}

func init() {
	heartbeatCmd.Flags().StringVar(&heartbeatTask, "task", "", "current task label")
	rootCmd.AddCommand(heartbeatCmd, statusCmd, subscribeCmd, unsubscribeCmd, channelsCmd)
}
