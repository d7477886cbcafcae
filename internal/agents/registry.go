// Package agents tracks agent liveness and aggregate counters.
// Agents report in with heartbeats; the queue updates the counters from
// its own transactions.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/store"
)

// Status is an agent's self-reported condition.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// AgentStatus is the registry row for one agent.
type AgentStatus struct {
	AgentID       string    `json:"agent_id"`
	Status        Status    `json:"status"`
	CurrentTask   string    `json:"current_task,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Counters maintained by queue transactions, not by heartbeats.
	MessagesPending   int `json:"messages_pending"`
	MessagesProcessed int `json:"messages_processed"`
	ErrorCount        int `json:"error_count"`
}

// AgentNotFoundError indicates the agent has never heartbeated.
type AgentNotFoundError struct {
	ID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.ID)
}

// Registry is the agent status registry over the shared store.
type Registry struct {
	db *store.DB
}

func New(db *store.DB) *Registry {
	return &Registry{db: db}
}

// Heartbeat upserts the agent's status row. Status, current task and the
// heartbeat timestamp are last-write-wins; counters are left untouched.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status Status, currentTask string) error {
	var taskVal any
	if currentTask != "" {
		taskVal = currentTask
	}
	err := r.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO agent_status (agent_id, status, current_task, last_heartbeat)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET
			     status = excluded.status,
			     current_task = excluded.current_task,
			     last_heartbeat = excluded.last_heartbeat`,
			agentID, string(status), taskVal, store.Now(),
		)
		if err != nil {
			return fmt.Errorf("upsert heartbeat: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug(log.CatAgent, "Heartbeat", "agent", agentID, "status", status, "task", currentTask)
	return nil
}

// Health returns the agent's registry row.
func (r *Registry) Health(ctx context.Context, agentID string) (*AgentStatus, error) {
	row := r.db.Conn().QueryRow(
		`SELECT agent_id, status, current_task, last_heartbeat,
		        messages_pending, messages_processed, error_count
		 FROM agent_status WHERE agent_id = ?`, agentID,
	)
	status, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &AgentNotFoundError{ID: agentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent status: %w", err)
	}
	return status, nil
}

// All returns every known agent, ordered by id. Used by the voting layer
// to enumerate eligible voters.
func (r *Registry) All(ctx context.Context) ([]AgentStatus, error) {
	rows, err := r.db.Conn().Query(
		`SELECT agent_id, status, current_task, last_heartbeat,
		        messages_pending, messages_processed, error_count
		 FROM agent_status ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []AgentStatus
	for rows.Next() {
		status, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		all = append(all, *status)
	}
	return all, rows.Err()
}

func scanAgent(scanner interface{ Scan(...any) error }) (*AgentStatus, error) {
	var (
		status        AgentStatus
		currentTask   sql.NullString
		lastHeartbeat string
	)
	err := scanner.Scan(
		&status.AgentID, &status.Status, &currentTask, &lastHeartbeat,
		&status.MessagesPending, &status.MessagesProcessed, &status.ErrorCount,
	)
	if err != nil {
		return nil, err
	}
	status.CurrentTask = currentTask.String
	if t, err := store.ParseTime(lastHeartbeat); err == nil {
		status.LastHeartbeat = t
	}
	return &status, nil
}
