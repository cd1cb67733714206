package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

func newTestRegistry() *Registry {
	return New(nil)
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry()

	created, err := r.Create(task.TypeQuery, task.Params{Query: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, task.StatusPending, created.Status)

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	// Mutating the snapshot must not leak into the registry.
	got.Status = task.StatusFailed
	again, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, again.Status)
}

func TestCreateRejectsEmptyQuery(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(task.TypeQuery, task.Params{})
	assert.True(t, task.IsValidation(err))
	assert.Equal(t, 0, r.Len())
}

func TestGetUnknownID(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Get("task-missing")
	assert.True(t, task.IsNotFound(err))
}

func TestTransitionLifecycle(t *testing.T) {
	r := newTestRegistry()
	created, err := r.Create(task.TypeQuery, task.Params{Query: "q"})
	require.NoError(t, err)

	running, err := r.Transition(created.ID, task.StatusRunning, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, running.StartedAt)
	assert.Nil(t, running.CompletedAt)

	done, err := r.Transition(created.ID, task.StatusCompleted, &task.Result{Answer: "42"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "42", done.Result.Answer)
	assert.Nil(t, done.Error)
	assert.NotNil(t, done.CompletedAt)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	r := newTestRegistry()
	created, _ := r.Create(task.TypeQuery, task.Params{Query: "q"})

	_, err := r.Transition(created.ID, task.StatusCompleted, nil, nil)
	assert.True(t, task.IsConflict(err), "pending -> completed must be rejected")

	snapshot, _ := r.Get(created.ID)
	assert.Equal(t, task.StatusPending, snapshot.Status, "rejected transition must leave state unchanged")
}

func TestTerminalStateIsImmutable(t *testing.T) {
	r := newTestRegistry()
	created, _ := r.Create(task.TypeQuery, task.Params{Query: "q"})
	_, err := r.Transition(created.ID, task.StatusCancelled, nil, nil)
	require.NoError(t, err)

	for _, next := range []task.Status{task.StatusRunning, task.StatusCompleted, task.StatusFailed} {
		_, err := r.Transition(created.ID, next, nil, nil)
		assert.True(t, task.IsConflict(err), "cancelled -> %s must be rejected", next)
	}

	snapshot, _ := r.Get(created.ID)
	assert.Equal(t, task.StatusCancelled, snapshot.Status)
}

func TestResultAndErrorMutuallyExclusive(t *testing.T) {
	r := newTestRegistry()
	created, _ := r.Create(task.TypeQuery, task.Params{Query: "q"})
	_, _ = r.Transition(created.ID, task.StatusRunning, nil, nil)

	_, err := r.Transition(created.ID, task.StatusCompleted,
		&task.Result{Answer: "a"}, &task.TaskError{Message: "b"})
	assert.True(t, task.IsValidation(err))
}

// Two callbacks race to finish the same running task. Exactly one must win;
// the loser gets a conflict and the stored terminal state never flips.
func TestCompletionRaceHasOneWinner(t *testing.T) {
	r := newTestRegistry()
	created, _ := r.Create(task.TypeQuery, task.Params{Query: "q"})
	_, err := r.Transition(created.ID, task.StatusRunning, nil, nil)
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		status := task.StatusCompleted
		if i%2 == 1 {
			status = task.StatusFailed
		}
		go func(s task.Status) {
			defer wg.Done()
			var err error
			if s == task.StatusCompleted {
				_, err = r.Transition(created.ID, s, &task.Result{Answer: "a"}, nil)
			} else {
				_, err = r.Transition(created.ID, s, nil, &task.TaskError{Message: "x", Kind: task.ErrorKindWorker})
			}
			mu.Lock()
			if err == nil {
				wins++
			} else if task.IsConflict(err) {
				conflicts++
			}
			mu.Unlock()
		}(status)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)

	snapshot, _ := r.Get(created.ID)
	assert.True(t, snapshot.Status.IsTerminal())
	if snapshot.Status == task.StatusCompleted {
		assert.NotNil(t, snapshot.Result)
		assert.Nil(t, snapshot.Error)
	} else {
		assert.NotNil(t, snapshot.Error)
		assert.Nil(t, snapshot.Result)
	}
}

func TestListOrderFilterAndPagination(t *testing.T) {
	r := newTestRegistry()
	var ids []string
	for i := 0; i < 5; i++ {
		created, err := r.Create(task.TypeQuery, task.Params{Query: "q"})
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	_, _ = r.Transition(ids[1], task.StatusCancelled, nil, nil)
	_, _ = r.Transition(ids[3], task.StatusCancelled, nil, nil)

	all := r.List("", 0, 0)
	require.Len(t, all, 5)
	for i, snapshot := range all {
		assert.Equal(t, ids[i], snapshot.ID, "insertion order must be preserved")
	}

	cancelled := r.List(task.StatusCancelled, 0, 0)
	require.Len(t, cancelled, 2)
	assert.Equal(t, ids[1], cancelled[0].ID)
	assert.Equal(t, ids[3], cancelled[1].ID)

	page := r.List("", 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)
}

func TestCleanupPurgesOldTerminalOnly(t *testing.T) {
	r := newTestRegistry()
	oldDone, _ := r.Create(task.TypeQuery, task.Params{Query: "old"})
	_, _ = r.Transition(oldDone.ID, task.StatusCancelled, nil, nil)
	pending, _ := r.Create(task.TypeQuery, task.Params{Query: "pending"})

	// Backdate the terminal task's completion.
	r.mu.RLock()
	e := r.entries[oldDone.ID]
	r.mu.RUnlock()
	past := time.Now().Add(-2 * time.Hour)
	e.mu.Lock()
	e.task.CompletedAt = &past
	e.mu.Unlock()

	removed := r.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	_, err := r.Get(oldDone.ID)
	assert.True(t, task.IsNotFound(err))
	_, err = r.Get(pending.ID)
	assert.NoError(t, err)
	assert.Len(t, r.List("", 0, 0), 1)
}
