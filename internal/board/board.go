package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/pubsub"
	"github.com/zjrosen/agentbus/internal/queue"
	"github.com/zjrosen/agentbus/internal/store"
	"github.com/zjrosen/agentbus/internal/tracing"
)

var tracer = otel.Tracer("agentbus/board")

const taskColumns = `task_id, title, description, status, assigned_to, priority,
	created_at, updated_at, dependencies, result`

// Board is the job board over the shared store. Claims use the same
// conditional-update technique as direct message claims: exactly one
// contender wins the open->assigned transition.
//
// The board depends on the queue one-way, to announce claims and status
// changes as broadcasts; the queue never calls back into the board.
type Board struct {
	db     *store.DB
	queue  *queue.Queue
	events *pubsub.Broker[queue.Event]
}

// New creates a board over the store. The queue is optional; when set,
// successful claims and status updates are broadcast as task.claimed and
// task.update messages on the general channel.
func New(db *store.DB, q *queue.Queue, events *pubsub.Broker[queue.Event]) *Board {
	return &Board{db: db, queue: q, events: events}
}

// CreateTask posts a task with status open. Dependencies are stored as
// metadata only; ClaimTask does not enforce them.
func (b *Board) CreateTask(ctx context.Context, taskID, title, description string, priority int, dependencies []string) error {
	_, span := tracer.Start(ctx, "board.create_task")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrTaskID, taskID))

	if priority == 0 {
		priority = queue.DefaultPriority
	}
	if priority < queue.MinPriority || priority > queue.MaxPriority {
		return fmt.Errorf("%w: got %d", queue.ErrPriorityOutOfRange, priority)
	}

	var depsJSON any
	if len(dependencies) > 0 {
		data, err := json.Marshal(dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies: %w", err)
		}
		depsJSON = string(data)
	}

	now := store.Now()
	err := b.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO job_board (task_id, title, description, status, priority, created_at, updated_at, dependencies)
			 VALUES (?, ?, ?, 'open', ?, ?, ?, ?)`,
			taskID, title, description, priority, now, now, depsJSON,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}

	log.Info(log.CatBoard, "Task created", "id", taskID, "title", title, "priority", priority)
	return nil
}

// ClaimTask atomically takes an open task for agentID. The status guard
// on the update makes the open->assigned transition happen exactly once;
// losing the race returns false, not an error.
func (b *Board) ClaimTask(ctx context.Context, agentID, taskID string) (bool, error) {
	_, span := tracer.Start(ctx, "board.claim_task")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrAgentID, agentID),
	)

	var claimed bool
	err := b.db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE job_board
			 SET status = 'assigned', assigned_to = ?, updated_at = ?
			 WHERE task_id = ? AND status = 'open'`,
			agentID, store.Now(), taskID,
		)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		claimed = affected == 1
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return false, err
	}

	if !claimed {
		return false, nil
	}

	log.Info(log.CatBoard, "Task claimed", "id", taskID, "agent", agentID)
	if b.events != nil {
		b.events.Publish(pubsub.TaskClaimedEvent, queue.Event{MessageID: taskID, Agent: agentID})
	}
	b.announce(ctx, agentID, queue.TypeTaskClaimed, queue.Payload{
		"task_id":    taskID,
		"claimed_by": agentID,
	})
	return true, nil
}

// UpdateTaskStatus sets a task's status and, optionally, its result.
// The transition itself is not validated; callers own the state machine
// above the board. Returns TaskNotFoundError for an unknown id.
func (b *Board) UpdateTaskStatus(ctx context.Context, agentID, taskID string, status Status, result string) error {
	_, span := tracer.Start(ctx, "board.update_task_status")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrTaskID, taskID),
		attribute.String(tracing.AttrTaskStatus, string(status)),
	)

	err := b.db.WithTx(func(tx *sql.Tx) error {
		var resultVal any
		if result != "" {
			resultVal = result
		}
		res, err := tx.Exec(
			`UPDATE job_board
			 SET status = ?, result = COALESCE(?, result), updated_at = ?
			 WHERE task_id = ?`,
			string(status), resultVal, store.Now(), taskID,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return &TaskNotFoundError{ID: taskID}
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}

	log.Info(log.CatBoard, "Task updated", "id", taskID, "status", status)
	b.announce(ctx, agentID, queue.TypeTaskUpdate, queue.Payload{
		"task_id": taskID,
		"status":  string(status),
	})
	return nil
}

// OpenTasks returns up to limit open tasks ordered by priority
// (descending) then creation time.
func (b *Board) OpenTasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.db.Conn().Query(
		`SELECT `+taskColumns+` FROM job_board
		 WHERE status = 'open'
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Get returns a value snapshot of a single task by id.
func (b *Board) Get(ctx context.Context, taskID string) (*Task, error) {
	row := b.db.Conn().QueryRow(
		`SELECT `+taskColumns+` FROM job_board WHERE task_id = ?`, taskID,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &TaskNotFoundError{ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// announce broadcasts a task lifecycle message. Announcement failures
// are logged, not returned: the task mutation already committed.
func (b *Board) announce(ctx context.Context, agentID, msgType string, payload queue.Payload) {
	if b.queue == nil {
		return
	}
	if _, err := b.queue.Send(ctx, agentID, msgType, payload, queue.SendOptions{}); err != nil {
		log.ErrorErr(log.CatBoard, "Failed to broadcast task event", err, "type", msgType)
	}
}

func scanTask(scanner interface{ Scan(...any) error }) (*Task, error) {
	var (
		task                 Task
		description          sql.NullString
		assignedTo           sql.NullString
		createdAt, updatedAt string
		dependencies, result sql.NullString
	)
	err := scanner.Scan(
		&task.ID, &task.Title, &description, &task.Status, &assignedTo,
		&task.Priority, &createdAt, &updatedAt, &dependencies, &result,
	)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.AssignedTo = assignedTo.String
	task.Result = result.String

	if t, err := store.ParseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := store.ParseTime(updatedAt); err == nil {
		task.UpdatedAt = t
	}
	if dependencies.Valid && dependencies.String != "" {
		if err := json.Unmarshal([]byte(dependencies.String), &task.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	return &task, nil
}
