package tasks

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/NeuralCoder007/aws-a2a/protocol"
)

// Status represents the current state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting to be assigned.
	StatusPending Status = "pending"

	// StatusInProgress indicates the task has been assigned to an agent.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the assignee finished the task.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the assignee gave up on the task.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the task was withdrawn.
	StatusCancelled Status = "cancelled"
)

// transitions is the task state graph.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state graph has an edge from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Priority orders pending work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the scheduling weight: low 1, normal 2, high 3, urgent 4.
// Unknown priorities weigh as low.
func (p Priority) Weight() int {
	switch p {
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority converts s to a Priority, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q (valid: low, normal, high, urgent)", s)
	}
	return p, nil
}

// HistoryEntry records one status change.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	Actor     string    `json:"actor"`
	Note      string    `json:"note,omitempty"`
}

// Task is a unit of work routed to an agent by capability.
type Task struct {
	TaskID               string                    `json:"task_id"`
	Title                string                    `json:"title"`
	Description          string                    `json:"description"`
	RequiredCapabilities []protocol.CapabilityType `json:"required_capabilities"`
	Parameters           map[string]any            `json:"parameters,omitempty"`
	Priority             Priority                  `json:"priority"`
	Deadline             *time.Time                `json:"deadline,omitempty"`
	CreatedBy            string                    `json:"created_by"`

	// AssignedTo is set from in_progress onwards. Cancellation keeps
	// whatever assignment existed.
	AssignedTo string `json:"assigned_to,omitempty"`

	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	// IdempotencyKey deduplicates submissions. Empty means no dedup.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	History []HistoryEntry `json:"history"`
}

// IsOverdue reports whether the deadline has passed on a live task.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.Deadline != nil && t.Deadline.Before(now) && !t.Status.IsTerminal()
}

// Age returns how long ago the task was created.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// Clone creates a deep copy of the task.
func (t *Task) Clone() *Task {
	clone := *t
	clone.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	clone.Parameters = maps.Clone(t.Parameters)
	clone.Result = maps.Clone(t.Result)
	clone.History = slices.Clone(t.History)
	if t.Deadline != nil {
		d := *t.Deadline
		clone.Deadline = &d
	}
	return &clone
}

// NewTask holds the caller-supplied fields of a task to create.
type NewTask struct {
	// TaskID is optional; a UUID is generated when empty.
	TaskID               string
	Title                string
	Description          string
	RequiredCapabilities []protocol.CapabilityType
	CreatedBy            string
	Parameters           map[string]any

	// Priority defaults to normal.
	Priority       Priority
	Deadline       *time.Time
	IdempotencyKey string
}

// Validate returns every rule the request violates.
func (n NewTask) Validate(catalog *protocol.Catalog) []string {
	var violations []string
	if strings.TrimSpace(n.Title) == "" {
		violations = append(violations, "Task title is required")
	}
	if strings.TrimSpace(n.Description) == "" {
		violations = append(violations, "Task description is required")
	}
	if len(n.RequiredCapabilities) == 0 {
		violations = append(violations, "At least one required capability is needed")
	}
	if strings.TrimSpace(n.CreatedBy) == "" {
		violations = append(violations, "Task creator ID is required")
	}
	for _, c := range n.RequiredCapabilities {
		if !catalog.Known(c) {
			violations = append(violations, fmt.Sprintf("Invalid capability type: %s", c))
		}
	}
	if n.Priority != "" && !n.Priority.Valid() {
		violations = append(violations, fmt.Sprintf("Invalid priority: %s", n.Priority))
	}
	return violations
}
