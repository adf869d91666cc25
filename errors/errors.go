package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Error is a structured error with a code, a category and optional context
// about the agent and task involved.
type Error struct {
	code       ErrorCode
	category   ErrorCategory
	message    string
	cause      error
	metadata   map[string]string
	violations []string
	retryable  *bool // nil means use default based on category
	timestamp  time.Time
	agentID    string
	taskID     string
}

var _ json.Marshaler = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	msg := e.message
	if len(e.violations) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.violations, "; "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Message returns the message without cause or violations.
func (e *Error) Message() string {
	return e.message
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Violations returns every rule the input violated, for validation errors.
func (e *Error) Violations() []string {
	return append([]string(nil), e.violations...)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// AgentID returns the agent ID, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// TaskID returns the task ID, if set.
func (e *Error) TaskID() string {
	return e.taskID
}

type errorJSON struct {
	Code       ErrorCode         `json:"code"`
	Category   ErrorCategory     `json:"category"`
	Message    string            `json:"message"`
	Cause      string            `json:"cause,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Violations []string          `json:"violations,omitempty"`
	Retryable  bool              `json:"retryable"`
	Timestamp  string            `json:"timestamp,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:       e.code,
		Category:   e.category,
		Message:    e.message,
		Metadata:   e.metadata,
		Violations: e.violations,
		Retryable:  e.Retryable(),
		AgentID:    e.agentID,
		TaskID:     e.taskID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID sets the agent ID.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithTaskID sets the task ID.
func WithTaskID(id string) Option {
	return func(e *Error) {
		e.taskID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// WithViolations attaches the list of violated rules.
func WithViolations(v []string) Option {
	return func(e *Error) {
		e.violations = append([]string(nil), v...)
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Validation creates an INVALID_INPUT error listing every violation.
func Validation(message string, violations []string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, append(opts, WithViolations(violations))...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// Store wraps a backend failure.
func Store(op string, cause error, opts ...Option) *Error {
	return New(ErrCodeStore, op, append(opts, WithCause(cause))...)
}

// InvalidTransition reports a task state machine violation.
func InvalidTransition(taskID string, from, to string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID), WithMetadata("from", from), WithMetadata("to", to)}, opts...)
	return New(ErrCodeInvalidTransition, fmt.Sprintf("task %s cannot move from %s to %s", taskID, from, to), opts...)
}

// NotAssigned reports that an agent acted on a task it does not own.
func NotAssigned(taskID, agentID string, opts ...Option) *Error {
	opts = append([]Option{WithTaskID(taskID), WithAgentID(agentID)}, opts...)
	return New(ErrCodeNotAssigned, fmt.Sprintf("task %s is not assigned to %s", taskID, agentID), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
