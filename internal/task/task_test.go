package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge.from, edge.to), "%s -> %s should be legal", edge.from, edge.to)
	}

	// Everything else is a conflict, including self-loops and any edge out
	// of a terminal state.
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
	legalSet := make(map[[2]Status]bool)
	for _, edge := range legal {
		legalSet[[2]Status{edge.from, edge.to}] = true
	}
	for _, from := range all {
		for _, to := range all {
			if legalSet[[2]Status{from, to}] {
				continue
			}
			assert.False(t, CanTransition(from, to), "%s -> %s should be illegal", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		require.True(t, s.IsTerminal())
		for _, to := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, CanTransition(s, to))
		}
	}
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestStatusIsValid(t *testing.T) {
	assert.True(t, StatusPending.IsValid())
	assert.True(t, StatusCancelled.IsValid())
	assert.False(t, Status("done").IsValid())
	assert.False(t, Status("").IsValid())
}

func TestNew(t *testing.T) {
	task := New(TypeQuery, Params{Query: "what is 2+2"})

	assert.NotEmpty(t, task.ID)
	assert.Contains(t, task.ID, "task-")
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, TypeQuery, task.Type)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.Result)

	other := New(TypeQuery, Params{Query: "what is 2+2"})
	assert.NotEqual(t, task.ID, other.ID)
}

func TestCloneIsDeep(t *testing.T) {
	started := time.Now()
	original := &Task{
		ID:        "task-1",
		Status:    StatusCompleted,
		StartedAt: &started,
		Result: &Result{
			Answer:     "4",
			Transcript: []Message{{Role: "user", Content: "2+2"}},
		},
		Error:      &TaskError{Message: "boom", Kind: ErrorKindWorker},
		SubtaskIDs: []string{"task-2"},
	}

	clone := original.Clone()
	clone.Result.Answer = "5"
	clone.Result.Transcript[0].Content = "mutated"
	clone.Error.Message = "mutated"
	clone.SubtaskIDs[0] = "mutated"
	*clone.StartedAt = time.Time{}

	assert.Equal(t, "4", original.Result.Answer)
	assert.Equal(t, "2+2", original.Result.Transcript[0].Content)
	assert.Equal(t, "boom", original.Error.Message)
	assert.Equal(t, "task-2", original.SubtaskIDs[0])
	assert.Equal(t, started, *original.StartedAt)
}

func TestParamsValidate(t *testing.T) {
	assert.Error(t, Params{}.Validate())
	assert.True(t, IsValidation(Params{Module: "run"}.Validate()))
	assert.NoError(t, Params{Query: "hello"}.Validate())
}

func TestTypeForModule(t *testing.T) {
	assert.Equal(t, TypeQuery, TypeForModule(""))
	assert.Equal(t, TypeQuery, TypeForModule("run"))
	assert.Equal(t, TypeBrowser, TypeForModule("run_mini"))
	assert.Equal(t, TypeBrowser, TypeForModule("run_browser"))
	assert.Equal(t, TypeBrowser, TypeForModule("Browser_Agent"))
}
