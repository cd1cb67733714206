package pool

import (
	"context"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// cancelTTL bounds the skip markers left behind by Cancel calls for ids that
// never surface in a queue, so they cannot accumulate forever.
const cancelTTL = time.Minute

func pruneCancelled(marks map[string]time.Time, now time.Time) {
	for id, at := range marks {
		if now.Sub(at) > cancelTTL {
			delete(marks, id)
		}
	}
}

// Events receives worker lifecycle callbacks. The dispatcher implements this;
// pools never touch the registry themselves.
type Events interface {
	// TaskStarted fires the instant a worker slot is bound to the task.
	TaskStarted(taskID string)
	// TaskFinished fires exactly once per executed task. err == nil means
	// result carries the payload; context.Canceled means the task was
	// interrupted by a cancellation request.
	TaskFinished(taskID string, result *task.Result, err error)
	// TaskLog carries best-effort progress text. It is not task state and
	// may be dropped without consequence.
	TaskLog(taskID, message string)
}

// Pool executes task payloads. Two implementations share this contract: an
// in-process pool for ordinary queries and a process-isolated pool for
// browser automation.
type Pool interface {
	// Submit enqueues the task for execution and returns immediately.
	Submit(t *task.Task) error
	// Cancel best-effort interrupts the task. Returns false when the pool
	// does not know the id.
	Cancel(id string) bool
	// Shutdown stops accepting work, drains every queue, and joins every
	// worker. Leaked processes or goroutines here are correctness bugs,
	// not cosmetic ones.
	Shutdown(ctx context.Context) error
}
