package board

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/agentbus/internal/queue"
	"github.com/zjrosen/agentbus/internal/store"
	"github.com/zjrosen/agentbus/internal/testutil"
)

func newBoard(t *testing.T) (*Board, *queue.Queue, *store.DB) {
	t.Helper()
	db := testutil.NewTestDB(t)
	q := queue.New(db, nil)
	return New(db, q, nil), q, db
}

func TestCreateAndGetTask(t *testing.T) {
	b, _, _ := newBoard(t)
	ctx := context.Background()

	err := b.CreateTask(ctx, "task-001", "Review design", "look at the doc", 7,
		[]string{"task-000"})
	require.NoError(t, err)

	task, err := b.Get(ctx, "task-001")
	require.NoError(t, err)
	require.Equal(t, "Review design", task.Title)
	require.Equal(t, StatusOpen, task.Status)
	require.Equal(t, 7, task.Priority)
	require.Equal(t, []string{"task-000"}, task.Dependencies)
	require.Empty(t, task.AssignedTo)
}

func TestCreateTaskValidatesPriority(t *testing.T) {
	b, _, _ := newBoard(t)

	err := b.CreateTask(context.Background(), "task-001", "t", "", 11, nil)
	require.ErrorIs(t, err, queue.ErrPriorityOutOfRange)
}

func TestClaimTaskExactlyOnce(t *testing.T) {
	b, _, _ := newBoard(t)
	ctx := context.Background()
	require.NoError(t, b.CreateTask(ctx, "task-001", "contended", "", 5, nil))

	const workers = 10
	results := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.ClaimTask(ctx, fmt.Sprintf("worker-%d", i), "task-001")
		}(i)
	}
	wg.Wait()

	winner := ""
	wins := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i] {
			wins++
			winner = fmt.Sprintf("worker-%d", i)
		}
	}
	require.Equal(t, 1, wins)

	task, err := b.Get(ctx, "task-001")
	require.NoError(t, err)
	require.Equal(t, StatusAssigned, task.Status)
	require.Equal(t, winner, task.AssignedTo)
}

func TestClaimTaskAnnouncesBroadcast(t *testing.T) {
	b, q, db := newBoard(t)
	ctx := context.Background()
	require.NoError(t, b.CreateTask(ctx, "task-001", "announced", "", 5, nil))

	claimed, err := b.ClaimTask(ctx, "worker-1", "task-001")
	require.NoError(t, err)
	require.True(t, claimed)

	// The claim broadcast lands on general for any subscriber.
	_, err = db.Conn().Exec(
		`INSERT INTO channel_subscriptions (channel_name, agent_id, subscribed_at)
		 VALUES ('general', 'observer', ?)`, store.Now(),
	)
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "observer", []string{"general"}, 10, queue.TypeTaskClaimed)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "task-001", msgs[0].Payload["task_id"])
	require.Equal(t, "worker-1", msgs[0].Payload["claimed_by"])
}

func TestUpdateTaskStatus(t *testing.T) {
	b, _, _ := newBoard(t)
	ctx := context.Background()
	require.NoError(t, b.CreateTask(ctx, "task-001", "progressing", "", 5, nil))

	claimed, err := b.ClaimTask(ctx, "worker-1", "task-001")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, b.UpdateTaskStatus(ctx, "worker-1", "task-001", StatusInProgress, ""))
	require.NoError(t, b.UpdateTaskStatus(ctx, "worker-1", "task-001", StatusDone, "merged in abc123"))

	task, err := b.Get(ctx, "task-001")
	require.NoError(t, err)
	require.Equal(t, StatusDone, task.Status)
	require.Equal(t, "merged in abc123", task.Result)

	// Updating without a result keeps the previous one.
	require.NoError(t, b.UpdateTaskStatus(ctx, "worker-1", "task-001", StatusDone, ""))
	task, err = b.Get(ctx, "task-001")
	require.NoError(t, err)
	require.Equal(t, "merged in abc123", task.Result)
}

func TestUpdateUnknownTask(t *testing.T) {
	b, _, _ := newBoard(t)

	var notFound *TaskNotFoundError
	err := b.UpdateTaskStatus(context.Background(), "worker-1", "no-such-task", StatusDone, "")
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "no-such-task", notFound.ID)
}

func TestOpenTasksOrdering(t *testing.T) {
	b, _, _ := newBoard(t)
	ctx := context.Background()

	require.NoError(t, b.CreateTask(ctx, "task-low", "low", "", 2, nil))
	require.NoError(t, b.CreateTask(ctx, "task-high", "high", "", 9, nil))
	require.NoError(t, b.CreateTask(ctx, "task-mid", "mid", "", 5, nil))

	// Claimed tasks drop out of the open list.
	claimed, err := b.ClaimTask(ctx, "worker-1", "task-mid")
	require.NoError(t, err)
	require.True(t, claimed)

	tasks, err := b.OpenTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "task-high", tasks[0].ID)
	require.Equal(t, "task-low", tasks[1].ID)
}
