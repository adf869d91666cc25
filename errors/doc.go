// Package errors provides the structured error taxonomy shared by the
// registry, the task store, the scheduler and the agent runtime.
//
// Every error carries a code and a category. Callers branch on the code:
//
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // agent is gone
//	}
//
// Validation failures collect every violated rule instead of stopping at the
// first one:
//
//	err := errors.Validation("agent record rejected", violations)
//	for _, v := range errors.Violations(err) {
//	    fmt.Println(v)
//	}
//
// Backend failures are wrapped with ErrCodeStore and are retryable. Task
// state machine failures use ErrCodeInvalidTransition and ErrCodeNotAssigned.
package errors
