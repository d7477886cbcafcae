// Package board implements the shared job board: task entities with an
// atomic open->assigned claim and caller-policed status transitions.
package board

import (
	"fmt"
	"time"
)

// Status tracks a task through its lifecycle. The open->assigned edge is
// the only transition the board enforces; the rest are caller-policed.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Task is a unit of claimable work. Task ids are externally supplied.
type Task struct {
	ID          string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	// AssignedTo is set atomically with the open->assigned transition.
	AssignedTo string `json:"assigned_to,omitempty"`

	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Dependencies lists prerequisite task ids. Stored but not enforced
	// by ClaimTask; callers pre-check via OpenTasks when they care.
	Dependencies []string `json:"dependencies,omitempty"`

	Result string `json:"result,omitempty"`
}

// Terminal reports whether the status admits no further transitions
// other than amending the result.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// TaskNotFoundError indicates the task id does not exist on the board.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.ID)
}
