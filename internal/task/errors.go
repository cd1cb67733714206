package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task lookup fails because the requested
// ID does not exist in the registry.
var ErrNotFound = errors.New("task not found")

// ValidationError rejects a malformed submission before any registry entry
// is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ConflictError rejects an illegal state transition. The registry is left
// unchanged; the second writer in a completion race receives this.
type ConflictError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: task %s cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

// WorkerError wraps a failure raised by the opaque agent function or by a
// dead worker process. It becomes the task's terminal error.
type WorkerError struct {
	TaskID string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker: task %s: %v", e.TaskID, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// OrphanError marks a task recovered as non-terminal after a restart with no
// live worker. Distinguishable from an ordinary worker failure so clients can
// tell "the server restarted" from "the agent crashed".
type OrphanError struct {
	TaskID string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("orphan: task %s was orphaned on restart", e.TaskID)
}

// TransportError is a push-channel failure. It is local to the client and
// never affects task state on the server.
type TransportError struct {
	Err       error
	CloseCode int
}

func (e *TransportError) Error() string {
	if e.CloseCode != 0 {
		return fmt.Sprintf("transport: connection closed with code %d: %v", e.CloseCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is a client-local polling timeout. The server task may still
// complete later and remains re-fetchable.
type TimeoutError struct {
	TaskID  string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: task %s did not reach a terminal state after %s", e.TaskID, e.Elapsed)
}

// IsValidation checks if an error is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict checks if an error is an illegal-transition rejection.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound checks if an error means the task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransport checks if an error is a push-channel failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTimeout checks if an error is a client-local polling timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
