package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sammrl/owl-redesign-prototype/internal/agent"
	"github.com/sammrl/owl-redesign-prototype/internal/async"
	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("pool is shut down")

// InProcessConfig sizes the in-process pool.
type InProcessConfig struct {
	Slots     int // concurrent execution slots
	QueueSize int // FIFO overflow capacity
}

func (c InProcessConfig) withDefaults() InProcessConfig {
	out := c
	if out.Slots <= 0 {
		out.Slots = 4
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 64
	}
	return out
}

// InProcessPool runs ordinary query tasks on a bounded set of goroutine
// slots with FIFO overflow. Cancellation is cooperative: the per-task
// context is cancelled and the agent function stops at its next safe point.
type InProcessPool struct {
	cfg    InProcessConfig
	runner agent.Runner
	events Events
	logger logging.Logger

	queue chan *task.Task
	sem   *semaphore.Weighted

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]time.Time
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewInProcess builds and starts the scheduler loop.
func NewInProcess(cfg InProcessConfig, runner agent.Runner, events Events, logger logging.Logger) *InProcessPool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &InProcessPool{
		cfg:       cfg,
		runner:    runner,
		events:    events,
		logger:    logging.OrNop(logger),
		queue:     make(chan *task.Task, cfg.QueueSize),
		sem:       semaphore.NewWeighted(int64(cfg.Slots)),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	async.Go(p.logger, "inprocess-scheduler", p.schedule)
	return p
}

// Submit queues the task FIFO. It never blocks on task completion; a full
// overflow queue is a submission error, not a stall.
func (p *InProcessPool) Submit(t *task.Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.queue <- t.Clone():
		return nil
	default:
		return fmt.Errorf("queue full (%d pending)", p.cfg.QueueSize)
	}
}

// Cancel interrupts a queued or running task. Queued tasks are skipped when
// they surface; running tasks get their context cancelled.
func (p *InProcessPool) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		return true
	}
	if p.closed {
		return false
	}
	now := time.Now()
	pruneCancelled(p.cancelled, now)
	p.cancelled[id] = now
	return true
}

// Shutdown stops the scheduler, fails any still-queued tasks, and waits for
// in-flight slots to unwind off their cancelled contexts.
func (p *InProcessPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Cancel before waiting for the scheduler: with every slot busy it sits
	// in the semaphore acquire, and only the context can unpark it.
	p.cancel()
	close(p.queue)
	<-p.done

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule pops FIFO and binds each task to a free slot.
func (p *InProcessPool) schedule() {
	defer close(p.done)
	for t := range p.queue {
		p.mu.Lock()
		_, skip := p.cancelled[t.ID]
		delete(p.cancelled, t.ID)
		p.mu.Unlock()
		if skip {
			// Cancelled before a worker was bound; the dispatcher has
			// already transitioned the task.
			continue
		}

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Shutdown began while this task was still queued.
			p.events.TaskFinished(t.ID, nil, ErrPoolClosed)
			continue
		}

		runCtx, runCancel := context.WithCancel(p.ctx)
		p.mu.Lock()
		p.cancels[t.ID] = runCancel
		p.mu.Unlock()

		p.wg.Add(1)
		current := t
		async.Go(p.logger, "inprocess-slot", func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer func() {
				p.mu.Lock()
				delete(p.cancels, current.ID)
				p.mu.Unlock()
				runCancel()
			}()

			p.events.TaskStarted(current.ID)
			result, err := p.runner.Run(runCtx, current.Params.Query, current.Params.Module)
			p.events.TaskFinished(current.ID, result, err)
		})
	}
}
