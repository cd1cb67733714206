package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	r := newTestRegistry()
	done, _ := r.Create(task.TypeQuery, task.Params{Query: "finished"})
	_, _ = r.Transition(done.ID, task.StatusRunning, nil, nil)
	_, err := r.Transition(done.ID, task.StatusCompleted, &task.Result{Answer: "42"}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Save(path))

	restored := newTestRegistry()
	require.NoError(t, restored.Load(path))
	require.Equal(t, 1, restored.Len())

	got, err := restored.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "42", got.Result.Answer)
}

// Non-terminal tasks in a snapshot have no worker anymore; recovery must fail
// them rather than leave clients polling a state that can never advance.
func TestLoadOrphansNonTerminalTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	r := newTestRegistry()
	pending, _ := r.Create(task.TypeQuery, task.Params{Query: "pending"})
	running, _ := r.Create(task.TypeQuery, task.Params{Query: "running"})
	_, _ = r.Transition(running.ID, task.StatusRunning, nil, nil)
	cancelled, _ := r.Create(task.TypeQuery, task.Params{Query: "done"})
	_, _ = r.Transition(cancelled.ID, task.StatusCancelled, nil, nil)

	require.NoError(t, r.Save(path))

	restored := newTestRegistry()
	require.NoError(t, restored.Load(path))

	for _, id := range []string{pending.ID, running.ID} {
		got, err := restored.Get(id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, task.ErrorKindOrphan, got.Error.Kind)
		assert.NotNil(t, got.CompletedAt)
	}

	got, err := restored.Get(cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status, "terminal tasks recover unchanged")
	assert.Nil(t, got.Error)
}

func TestLoadSkipsWhenNotEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	r := newTestRegistry()
	_, _ = r.Create(task.TypeQuery, task.Params{Query: "saved"})
	require.NoError(t, r.Save(path))

	live := newTestRegistry()
	existing, _ := live.Create(task.TypeQuery, task.Params{Query: "live"})
	require.NoError(t, live.Load(path))

	assert.Equal(t, 1, live.Len(), "load must be a no-op on a non-empty registry")
	_, err := live.Get(existing.ID)
	assert.NoError(t, err)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	r := newTestRegistry()
	assert.NoError(t, r.Load(filepath.Join(t.TempDir(), "absent.json")))
	assert.Equal(t, 0, r.Len())
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	r := newTestRegistry()
	assert.Error(t, r.Load(path))
}

func TestSaveDoesNotLeaveTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	r := newTestRegistry()
	_, _ = r.Create(task.TypeQuery, task.Params{Query: "q"})
	require.NoError(t, r.Save(path))

	_, err := os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
