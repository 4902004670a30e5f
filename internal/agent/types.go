// Package agent implements the background task scheduler: a registry
// of instantiable agent types and a bounded pool of concurrently
// running tasks. Task failures are isolated at the scheduler boundary;
// gated actions must clear the approval engine before they execute.
package agent

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an AgentTask.
// queued → running → {completed, failed}; terminal once completed or
// failed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrUnknownAgentType is returned by Dispatch for unregistered types.
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSchedulerClosed is returned by Dispatch after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

// Task is one unit of autonomous work tracked by the scheduler.
type Task struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// EventKind identifies a task lifecycle event.
type EventKind string

const (
	EventTaskStart    EventKind = "task_start"
	EventTaskProgress EventKind = "task_progress"
	EventTaskFinished EventKind = "task_finished"
)

// Event is one task lifecycle notification, consumed by the
// interactive message orchestrator for display.
type Event struct {
	Kind        EventKind `json:"kind"`
	TaskID      string    `json:"task_id"`
	AgentType   string    `json:"agent_type"`
	Description string    `json:"description"`
	Percent     int       `json:"percent,omitempty"`
	Status      Status    `json:"status,omitempty"`
}

// Stats aggregates scheduler counters for observability.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Running    int64 `json:"running"`
	Queued     int64 `json:"queued"`
}
