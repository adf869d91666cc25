package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed,
	// such as a store or queue that is briefly unreachable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help,
	// such as invalid input or an illegal task transition.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation or task execution timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Dependency temporarily unavailable
	ErrCodeStore       ErrorCode = "STORE"       // Backing store failure
	ErrCodeConflict    ErrorCode = "CONFLICT"    // Concurrent modification, retry with fresh state

	// Permanent errors
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"      // Validation failed
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Record does not exist
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"     // Record already exists
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION" // Task state machine rejects the edge
	ErrCodeNotAssigned       ErrorCode = "NOT_ASSIGNED"       // Actor is not the task assignee
	ErrCodeCapabilityMissing ErrorCode = "CAPABILITY_MISSING" // No handler or agent for a capability
	ErrCodeCanceled          ErrorCode = "CANCELED"           // Operation was canceled
	ErrCodeClosed            ErrorCode = "CLOSED"             // Component already closed

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeStore, ErrCodeConflict:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeInvalidTransition,
		ErrCodeNotAssigned, ErrCodeCapabilityMissing, ErrCodeCanceled, ErrCodeClosed:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeStore:             "store operation failed",
	ErrCodeConflict:          "concurrent modification",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeNotFound:          "resource not found",
	ErrCodeAlreadyExists:     "resource already exists",
	ErrCodeInvalidTransition: "invalid task transition",
	ErrCodeNotAssigned:       "task not assigned to agent",
	ErrCodeCapabilityMissing: "required capability missing",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeClosed:            "component closed",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
