package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/observability"
	"github.com/sammrl/owl-redesign-prototype/internal/pool"
	"github.com/sammrl/owl-redesign-prototype/internal/registry"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// Publisher receives committed state changes for fan-out to push channels.
// Publication always happens after the registry transition so no client can
// see a pushed state the poll endpoint doesn't reflect yet.
type Publisher interface {
	PublishStatus(t *task.Task)
	PublishLog(taskID, message string)
}

// Dispatcher accepts submissions, routes them to the pool matching the task
// type, and is the only writer of task state.
type Dispatcher struct {
	registry *registry.Registry
	logger   logging.Logger
	metrics  *observability.Metrics

	mu        sync.RWMutex
	pools     map[task.Type]pool.Pool
	publisher Publisher
}

// New wires a dispatcher onto the registry. Pools and publisher are attached
// afterwards so startup order stays flexible.
func New(reg *registry.Registry, metrics *observability.Metrics, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		pools:    make(map[task.Type]pool.Pool),
	}
}

// RegisterPool binds a pool to a task type.
func (d *Dispatcher) RegisterPool(taskType task.Type, p pool.Pool) {
	d.mu.Lock()
	d.pools[taskType] = p
	d.mu.Unlock()
}

// SetPublisher attaches the push-side observer.
func (d *Dispatcher) SetPublisher(pub Publisher) {
	d.mu.Lock()
	d.publisher = pub
	d.mu.Unlock()
}

func (d *Dispatcher) pool(taskType task.Type) (pool.Pool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pools[taskType]
	return p, ok
}

// Submit validates, creates the task, and enqueues it. It returns the task
// id immediately and never blocks on completion.
func (d *Dispatcher) Submit(params task.Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	taskType := task.TypeForModule(params.Module)
	p, ok := d.pool(taskType)
	if !ok {
		return "", &task.ValidationError{Field: "module", Message: "no pool registered for type " + string(taskType)}
	}

	t, err := d.registry.Create(taskType, params)
	if err != nil {
		return "", err
	}
	if d.metrics != nil {
		d.metrics.TasksSubmitted.WithLabelValues(string(taskType)).Inc()
	}

	if err := p.Submit(t); err != nil {
		failed, terr := d.registry.Transition(t.ID, task.StatusFailed, nil, &task.TaskError{
			Message: err.Error(),
			Kind:    task.ErrorKindWorker,
		})
		if terr == nil {
			d.publishStatus(failed)
		}
		return t.ID, nil
	}

	d.logger.Info("submitted task %s type=%s module=%s", t.ID, taskType, params.Module)
	return t.ID, nil
}

// Cancel requests cancellation. Terminal tasks are a no-op success; pending
// tasks transition immediately since no worker is bound yet; running tasks
// transition once the owning pool confirms the interrupt via TaskFinished.
func (d *Dispatcher) Cancel(taskID, reason string) (bool, error) {
	t, err := d.registry.Get(taskID)
	if err != nil {
		return false, err
	}
	if t.Status.IsTerminal() {
		return true, nil
	}

	p, _ := d.pool(t.Type)

	if t.Status == task.StatusPending {
		if p != nil {
			p.Cancel(taskID)
		}
		cancelled, terr := d.registry.Transition(taskID, task.StatusCancelled, nil, nil)
		if terr != nil {
			if task.IsConflict(terr) {
				// Raced with the worker assignment; the pool interrupt
				// below still applies.
				return true, nil
			}
			return false, terr
		}
		d.logger.Info("cancelled pending task %s (%s)", taskID, reason)
		d.publishStatus(cancelled)
		return true, nil
	}

	if p == nil {
		return false, &task.ValidationError{Field: "type", Message: "no pool registered for type " + string(t.Type)}
	}
	d.logger.Info("interrupting running task %s (%s)", taskID, reason)
	return p.Cancel(taskID), nil
}

// TaskStarted implements pool.Events.
func (d *Dispatcher) TaskStarted(taskID string) {
	t, err := d.registry.Transition(taskID, task.StatusRunning, nil, nil)
	if err != nil {
		// A cancellation won the race; make sure the worker stops.
		if task.IsConflict(err) {
			if snapshot, gerr := d.registry.Get(taskID); gerr == nil {
				if p, ok := d.pool(snapshot.Type); ok {
					p.Cancel(taskID)
				}
			}
			return
		}
		d.logger.Error("start transition for %s failed: %v", taskID, err)
		return
	}
	if d.metrics != nil {
		d.metrics.BusyWorkers.WithLabelValues(string(t.Type)).Inc()
	}
	d.publishStatus(t)
}

// TaskFinished implements pool.Events. Exactly one terminal transition wins;
// a duplicate callback loses with a conflict and changes nothing.
func (d *Dispatcher) TaskFinished(taskID string, result *task.Result, err error) {
	var (
		t    *task.Task
		terr error
	)
	switch {
	case err == nil:
		t, terr = d.registry.Transition(taskID, task.StatusCompleted, result, nil)
	case errors.Is(err, context.Canceled):
		t, terr = d.registry.Transition(taskID, task.StatusCancelled, nil, nil)
	default:
		kind := task.ErrorKindWorker
		t, terr = d.registry.Transition(taskID, task.StatusFailed, nil, &task.TaskError{
			Message: err.Error(),
			Kind:    kind,
		})
	}

	if terr != nil {
		if task.IsConflict(terr) {
			d.logger.Warn("duplicate completion for %s rejected: %v", taskID, terr)
			if d.metrics != nil {
				d.metrics.TransitionDrops.Inc()
			}
			return
		}
		d.logger.Error("finish transition for %s failed: %v", taskID, terr)
		return
	}

	if d.metrics != nil {
		d.metrics.ObserveTerminal(string(t.Status))
		// Only tasks that actually held a worker slot were counted busy.
		if t.StartedAt != nil {
			d.metrics.BusyWorkers.WithLabelValues(string(t.Type)).Dec()
		}
	}
	d.publishStatus(t)
}

// TaskLog implements pool.Events.
func (d *Dispatcher) TaskLog(taskID, message string) {
	d.mu.RLock()
	pub := d.publisher
	d.mu.RUnlock()
	if pub != nil {
		pub.PublishLog(taskID, message)
	}
}

func (d *Dispatcher) publishStatus(t *task.Task) {
	if t == nil {
		return
	}
	d.mu.RLock()
	pub := d.publisher
	d.mu.RUnlock()
	if pub != nil {
		pub.PublishStatus(t)
	}
}
