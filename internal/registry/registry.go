package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// entry pairs a task with its own mutex so concurrent transitions on the same
// id are serialized without unrelated tasks ever contending.
type entry struct {
	mu   sync.Mutex
	task *task.Task
}

// Registry is the single source of truth for all tasks. Workers never own
// tasks; the dispatcher is the only writer, and both transports read from
// here, which is what keeps push and poll from disagreeing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	dirty  atomic.Bool
	logger logging.Logger
}

// New returns an empty registry. Construct one per process and pass it by
// reference; there is deliberately no package-level singleton.
func New(logger logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logging.OrNop(logger),
	}
}

// Create allocates a pending task and stores it atomically. The returned
// value is a copy; callers cannot mutate registry state through it.
func (r *Registry) Create(taskType task.Type, params task.Params) (*task.Task, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	t := task.New(taskType, params)

	r.mu.Lock()
	r.entries[t.ID] = &entry{task: t}
	r.order = append(r.order, t.ID)
	r.mu.Unlock()

	r.dirty.Store(true)
	r.logger.Debug("created task %s type=%s", t.ID, t.Type)
	return t.Clone(), nil
}

// Get retrieves a snapshot of a task by ID.
func (r *Registry) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// List returns task snapshots in insertion order. statusFilter narrows the
// result when non-empty; limit <= 0 means no limit.
func (r *Registry) List(statusFilter task.Status, limit, offset int) []*task.Task {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	out := make([]*task.Task, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		snapshot, err := r.Get(id)
		if err != nil {
			continue
		}
		if statusFilter != "" && snapshot.Status != statusFilter {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, snapshot)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Transition applies an edge of the state machine. Result and taskErr are
// mutually exclusive and only consulted when newStatus is terminal. An
// illegal edge returns a ConflictError and leaves the registry unchanged:
// the second of two racing completion callbacks loses deterministically.
func (r *Registry) Transition(id string, newStatus task.Status, result *task.Result, taskErr *task.TaskError) (*task.Task, error) {
	if !newStatus.IsValid() {
		return nil, &task.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", newStatus)}
	}
	if result != nil && taskErr != nil {
		return nil, &task.ValidationError{Field: "result", Message: "result and error are mutually exclusive"}
	}

	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task
	if !task.CanTransition(t.Status, newStatus) {
		r.logger.Warn("rejected transition %s -> %s for task %s", t.Status, newStatus, id)
		return nil, &task.ConflictError{TaskID: id, From: t.Status, To: newStatus}
	}

	now := time.Now()
	switch newStatus {
	case task.StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case task.StatusCompleted:
		t.Result = result
		t.CompletedAt = &now
	case task.StatusFailed:
		t.Error = taskErr
		if t.Error == nil {
			t.Error = &task.TaskError{Message: "unknown failure", Kind: task.ErrorKindWorker}
		}
		t.CompletedAt = &now
	case task.StatusCancelled:
		t.CompletedAt = &now
	}
	t.Status = newStatus

	r.dirty.Store(true)
	r.logger.Info("task %s -> %s", id, newStatus)
	return t.Clone(), nil
}

// Cleanup removes terminal tasks whose completion is older than maxAge and
// returns how many were purged.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.order[:0]
	for _, id := range r.order {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		purge := e.task.Status.IsTerminal() && e.task.CompletedAt != nil && e.task.CompletedAt.Before(cutoff)
		e.mu.Unlock()
		if purge {
			delete(r.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept

	if removed > 0 {
		r.dirty.Store(true)
		r.logger.Info("cleanup purged %d terminal tasks", removed)
	}
	return removed
}

// Len reports how many tasks are currently stored.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// insert places an already-built task into the registry, used by snapshot
// recovery. Existing entries are not overwritten.
func (r *Registry) insert(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.ID]; exists {
		return
	}
	r.entries[t.ID] = &entry{task: t}
	r.order = append(r.order, t.ID)
}
