package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/agentbus/internal/engine"
	"github.com/zjrosen/agentbus/internal/poll"
	"github.com/zjrosen/agentbus/internal/queue"
)

var (
	sendTo          string
	sendChannel     string
	sendPriority    int
	sendCorrelation string
	sendTTL         time.Duration
	sendPayload     string

	recvChannels []string
	recvLimit    int
	recvType     string
	recvWait     time.Duration

	completeError string

	respondPayload  string
	respondArtifact string

	dlqLimit int
)

var sendCmd = &cobra.Command{
	Use:   "send <type>",
	Short: "Send a message (broadcast unless --to is given)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			payload, err := parsePayload(sendPayload)
			if err != nil {
				return err
			}
			id, err := e.Queue.Send(ctx, agentID(), args[0], payload, queue.SendOptions{
				To:            sendTo,
				Channel:       sendChannel,
				Priority:      sendPriority,
				CorrelationID: sendCorrelation,
				TTL:           sendTTL,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "List pending messages visible to this agent",
	Long: `Lists direct messages addressed to the agent plus unclaimed
broadcasts on its channels. With --wait, polls with backoff (woken early
by store changes) until at least one message arrives.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			channels := recvChannels
			if len(channels) == 0 {
				var err error
				channels, err = e.Subscriptions.ChannelsOf(ctx, agentID())
				if err != nil {
					return err
				}
			}

			var msgs []queue.Message
			var err error
			if recvWait > 0 {
				w, changes, werr := e.Watch()
				if werr != nil {
					return werr
				}
				defer func() { _ = w.Stop() }()

				waitCtx, cancel := context.WithTimeout(ctx, recvWait)
				defer cancel()
				p := poll.New(e.Queue, cfg.Poll, changes)
				msgs, err = p.WaitForMessages(waitCtx, agentID(), channels, recvLimit, recvType)
				if errors.Is(err, context.DeadlineExceeded) {
					err = nil
				}
			} else {
				msgs, err = e.Queue.Receive(ctx, agentID(), channels, recvLimit, recvType)
			}
			if err != nil {
				return err
			}
			return printJSON(msgs)
		})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <message-id>",
	Short: "Atomically claim a message for processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			claimed, err := e.Queue.Claim(ctx, agentID(), args[0])
			if err != nil {
				return err
			}
			if !claimed {
				fmt.Println("already claimed")
				return nil
			}
			fmt.Println("claimed")
			return nil
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <message-id>",
	Short: "Mark a claimed message done (or failed with --error)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Queue.Complete(ctx, args[0], completeError)
		})
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <message-id>",
	Short: "Send the response to a request message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			original, err := e.Queue.Get(ctx, args[0])
			if err != nil {
				return err
			}
			payload, err := parsePayload(respondPayload)
			if err != nil {
				return err
			}
			id, err := e.Queue.SendResponse(ctx, *original, payload, respondArtifact)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			n, err := e.Queue.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired message(s)\n", n)
			return nil
		})
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-letter queue entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			entries, err := e.Queue.DeadLetters(ctx, dlqLimit)
			if err != nil {
				return err
			}
			return printJSON(entries)
		})
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient agent (empty = broadcast)")
	sendCmd.Flags().StringVar(&sendChannel, "channel", "", "channel (default: general)")
	sendCmd.Flags().IntVar(&sendPriority, "priority", 0, "priority 1-10 (default: 5)")
	sendCmd.Flags().StringVar(&sendCorrelation, "correlation-id", "", "correlation id for request/response")
	sendCmd.Flags().DurationVar(&sendTTL, "ttl", 0, "soft delivery deadline (e.g. 30s)")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "{}", "JSON payload")

	receiveCmd.Flags().StringSliceVar(&recvChannels, "channels", nil,
		"channels to read broadcasts from (default: the agent's subscriptions)")
	receiveCmd.Flags().IntVar(&recvLimit, "limit", 10, "maximum messages")
	receiveCmd.Flags().StringVar(&recvType, "type", "", "filter by message type")
	receiveCmd.Flags().DurationVar(&recvWait, "wait", 0, "poll up to this long for a message")

	completeCmd.Flags().StringVar(&completeError, "error", "", "failure reason; marks the message failed")

	respondCmd.Flags().StringVar(&respondPayload, "payload", "{}", "JSON payload")
	respondCmd.Flags().StringVar(&respondArtifact, "artifact", "", "artifact path injected into the payload")

	dlqCmd.Flags().IntVar(&dlqLimit, "limit", 20, "maximum entries")

	rootCmd.AddCommand(sendCmd, receiveCmd, claimCmd, completeCmd, respondCmd, cleanupCmd, dlqCmd)
}

func parsePayload(raw string) (queue.Payload, error) {
	if raw == "" {
		return queue.Payload{}, nil
	}
	var payload queue.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	return payload, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
