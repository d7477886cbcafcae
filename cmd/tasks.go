package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/agentbus/internal/board"
	"github.com/zjrosen/agentbus/internal/engine"
)

var (
	taskDescription  string
	taskPriority     int
	taskDependencies []string
	taskResult       string
	taskListLimit    int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage the shared job board",
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create <task-id> <title>",
	Short: "Post an open task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Board.CreateTask(ctx, args[0], args[1], taskDescription, taskPriority, taskDependencies)
		})
	},
}

var tasksClaimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Atomically claim an open task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			claimed, err := e.Board.ClaimTask(ctx, agentID(), args[0])
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

var tasksUpdateCmd = &cobra.Command{
	Use:   "update <task-id> <status>",
	Short: "Set a task's status (in-progress, done, failed, blocked)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Board.UpdateTaskStatus(ctx, agentID(), args[0], board.Status(args[1]), taskResult)
		})
	},
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open tasks, highest priority first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			tasks, err := e.Board.OpenTasks(ctx, taskListLimit)
			if err != nil {
				return err
			}
			return printJSON(tasks)
		})
	},
}

func init() {
	tasksCreateCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	tasksCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "priority 1-10 (default: 5)")
	tasksCreateCmd.Flags().StringSliceVar(&taskDependencies, "depends-on", nil, "prerequisite task ids")
	tasksUpdateCmd.Flags().StringVar(&taskResult, "result", "", "task result")
	tasksListCmd.Flags().IntVar(&taskListLimit, "limit", 20, "maximum tasks")

	tasksCmd.AddCommand(tasksCreateCmd, tasksClaimCmd, tasksUpdateCmd, tasksListCmd)
	rootCmd.AddCommand(tasksCmd)
}
