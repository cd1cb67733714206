package task

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	conflict := &ConflictError{TaskID: "task-1", From: StatusCompleted, To: StatusFailed}
	assert.True(t, IsConflict(conflict))
	assert.True(t, IsConflict(fmt.Errorf("transition: %w", conflict)))
	assert.False(t, IsConflict(errors.New("other")))

	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", ErrNotFound)))

	transport := &TransportError{Err: errors.New("broken pipe"), CloseCode: 1006}
	assert.True(t, IsTransport(transport))
	assert.Contains(t, transport.Error(), "1006")

	timeout := &TimeoutError{TaskID: "task-1", Elapsed: "10m"}
	assert.True(t, IsTimeout(timeout))
	assert.False(t, IsTimeout(transport))
}

func TestWorkerErrorUnwraps(t *testing.T) {
	inner := errors.New("agent crashed")
	err := &WorkerError{TaskID: "task-1", Err: inner}
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "task-1")
}
