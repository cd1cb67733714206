package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/async"
	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// ProcessConfig sizes the process-isolated pool.
type ProcessConfig struct {
	Workers         int           // number of worker processes
	QueueSize       int           // per-worker pending queue
	WorkerBinary    string        // path to the owl-worker executable
	WorkerArgs      []string      // extra arguments for the worker binary
	HeartbeatWindow time.Duration // silence longer than this kills the process
	StopGrace       time.Duration // how long to wait after stop before SIGKILL
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	out := c
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 16
	}
	if out.WorkerBinary == "" {
		out.WorkerBinary = "owl-worker"
	}
	if out.HeartbeatWindow <= 0 {
		out.HeartbeatWindow = 15 * time.Second
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 3 * time.Second
	}
	return out
}

// procHandle is one live child process plus its two unidirectional queues:
// requests go down stdin, responses come back up stdout, one JSON object
// per line.
type procHandle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	enc       *json.Encoder
	responses chan WorkerResponse
	lastBeat  atomic.Int64 // unix nanos of the most recent heartbeat
	dead      chan struct{}
	deadOnce  sync.Once
}

func (h *procHandle) markDead() {
	h.deadOnce.Do(func() { close(h.dead) })
}

func (h *procHandle) alive() bool {
	select {
	case <-h.dead:
		return false
	default:
		return true
	}
}

// ProcessPool runs browser-automation tasks in separate OS processes. Each
// slot owns exactly one child at a time and executes one task at a time; a
// hung or crashed child is killed, its in-flight task failed, and a fresh
// child spawned so the slot returns to the idle set instead of leaking.
type ProcessPool struct {
	cfg    ProcessConfig
	events Events
	logger logging.Logger

	queues []chan *task.Task

	mu        sync.Mutex
	sessions  map[string]int       // session_id -> slot, for affinity
	running   map[string]int       // task_id -> slot while in flight
	cancelled map[string]time.Time // cancel requested before/while running
	handles   []*procHandle   // current child per slot
	nextSlot  int
	closed    bool

	wg sync.WaitGroup
}

// NewProcess starts the slot coordinators. Children are spawned lazily on
// the first task each slot receives.
func NewProcess(cfg ProcessConfig, events Events, logger logging.Logger) *ProcessPool {
	cfg = cfg.withDefaults()
	p := &ProcessPool{
		cfg:       cfg,
		events:    events,
		logger:    logging.OrNop(logger),
		queues:    make([]chan *task.Task, cfg.Workers),
		sessions:  make(map[string]int),
		running:   make(map[string]int),
		cancelled: make(map[string]time.Time),
		handles:   make([]*procHandle, cfg.Workers),
	}
	for slot := 0; slot < cfg.Workers; slot++ {
		p.queues[slot] = make(chan *task.Task, cfg.QueueSize)
		p.wg.Add(1)
		s := slot
		async.Go(p.logger, fmt.Sprintf("proc-slot-%d", s), func() {
			defer p.wg.Done()
			p.runSlot(s)
		})
	}
	return p
}

// Submit routes the task to a slot. Tasks sharing a session_id always land
// on the same slot so multi-step browser interactions keep their state.
func (p *ProcessPool) Submit(t *task.Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	slot := p.pickSlotLocked(t.Params.SessionID)
	p.mu.Unlock()

	select {
	case p.queues[slot] <- t.Clone():
		return nil
	default:
		return fmt.Errorf("worker %d queue full", slot)
	}
}

func (p *ProcessPool) pickSlotLocked(sessionID string) int {
	if sessionID != "" {
		if slot, ok := p.sessions[sessionID]; ok {
			return slot
		}
	}
	slot := p.nextSlot
	p.nextSlot = (p.nextSlot + 1) % p.cfg.Workers
	if sessionID != "" {
		p.sessions[sessionID] = slot
	}
	return slot
}

// CloseSession releases the session's worker back to general rotation.
func (p *ProcessPool) CloseSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// Cancel interrupts the task. A queued task is skipped when it surfaces; a
// running one gets its process killed, which is the one interruption
// guarantee isolation buys us.
func (p *ProcessPool) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	now := time.Now()
	pruneCancelled(p.cancelled, now)
	p.cancelled[id] = now
	if slot, ok := p.running[id]; ok {
		if h := p.handles[slot]; h != nil && h.alive() {
			p.logger.Info("killing worker %d to cancel task %s", slot, id)
			_ = h.cmd.Process.Kill()
			h.markDead()
		}
	}
	return true
}

// Shutdown closes every request queue, stops every child, and joins every
// coordinator. Nothing returns until all pipes and processes are gone.
func (p *ProcessPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, q := range p.queues {
		close(q)
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for _, h := range p.handles {
			if h != nil && h.alive() {
				_ = h.cmd.Process.Kill()
			}
		}
		p.mu.Unlock()
		<-finished
		return ctx.Err()
	}
}

// runSlot drains the slot's queue, owning process spawn, task execution,
// death detection, and respawn.
func (p *ProcessPool) runSlot(slot int) {
	var h *procHandle
	defer func() {
		if h != nil {
			p.stopWorker(slot, h)
		}
	}()

	for t := range p.queues[slot] {
		p.mu.Lock()
		_, skip := p.cancelled[t.ID]
		delete(p.cancelled, t.ID)
		p.mu.Unlock()
		if skip {
			continue
		}

		if h == nil || !h.alive() {
			spawned, err := p.spawn(slot)
			if err != nil {
				p.events.TaskFinished(t.ID, nil, &task.WorkerError{TaskID: t.ID, Err: err})
				continue
			}
			h = spawned
		}

		p.execOn(slot, h, t)
		if !h.alive() {
			h = nil
		}
	}
}

// execOn runs one task on the slot's child and blocks until a terminal
// response, a missed heartbeat, or process death.
func (p *ProcessPool) execOn(slot int, h *procHandle, t *task.Task) {
	p.mu.Lock()
	p.running[t.ID] = slot
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, t.ID)
		delete(p.cancelled, t.ID)
		p.mu.Unlock()
	}()

	req := WorkerRequest{
		Type:      RequestTask,
		TaskID:    t.ID,
		Query:     t.Params.Query,
		Module:    t.Params.Module,
		SessionID: t.Params.SessionID,
	}
	if err := h.enc.Encode(req); err != nil {
		h.markDead()
		p.events.TaskFinished(t.ID, nil, &task.WorkerError{TaskID: t.ID, Err: fmt.Errorf("send to worker: %w", err)})
		return
	}

	p.events.TaskStarted(t.ID)
	p.events.TaskLog(t.ID, fmt.Sprintf("assigned to isolated worker %d", slot))

	watchdog := time.NewTicker(p.cfg.HeartbeatWindow / 3)
	defer watchdog.Stop()
	h.lastBeat.Store(time.Now().UnixNano())

	for {
		select {
		case resp, ok := <-h.responses:
			if !ok {
				p.finishDead(slot, h, t.ID)
				return
			}
			switch resp.Type {
			case ResponseHeartbeat:
				h.lastBeat.Store(time.Now().UnixNano())
			case ResponseLog:
				if resp.TaskID == t.ID {
					p.events.TaskLog(t.ID, resp.Message)
				}
			case ResponseResult:
				if resp.TaskID != t.ID {
					p.logger.Warn("worker %d answered for unexpected task %s", slot, resp.TaskID)
					continue
				}
				p.events.TaskFinished(t.ID, resp.Result, nil)
				return
			case ResponseError:
				if resp.TaskID != t.ID {
					continue
				}
				p.events.TaskFinished(t.ID, nil, &task.WorkerError{TaskID: t.ID, Err: errors.New(resp.Error)})
				return
			}
		case <-h.dead:
			p.finishDead(slot, h, t.ID)
			return
		case <-watchdog.C:
			silence := time.Since(time.Unix(0, h.lastBeat.Load()))
			if silence > p.cfg.HeartbeatWindow {
				p.logger.Error("worker %d missed heartbeat window (%s silent), killing", slot, silence)
				_ = h.cmd.Process.Kill()
				h.markDead()
				p.finishDead(slot, h, t.ID)
				return
			}
		}
	}
}

// finishDead reports the in-flight task of a dead child. Cancellation kills
// are reported as cancelled, everything else as a worker failure.
func (p *ProcessPool) finishDead(slot int, h *procHandle, taskID string) {
	h.markDead()
	_ = h.cmd.Wait()

	p.mu.Lock()
	_, wasCancelled := p.cancelled[taskID]
	p.handles[slot] = nil
	p.mu.Unlock()

	if wasCancelled {
		p.events.TaskFinished(taskID, nil, context.Canceled)
		return
	}
	p.events.TaskFinished(taskID, nil, &task.WorkerError{TaskID: taskID, Err: errors.New("worker process died")})
}

// spawn starts a child and its response reader.
func (p *ProcessPool) spawn(slot int) (*procHandle, error) {
	cmd := exec.Command(p.cfg.WorkerBinary, p.cfg.WorkerArgs...) // #nosec G204 -- binary path comes from server config
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h := &procHandle{
		cmd:       cmd,
		stdin:     stdin,
		enc:       json.NewEncoder(stdin),
		responses: make(chan WorkerResponse, 32),
		dead:      make(chan struct{}),
	}
	h.lastBeat.Store(time.Now().UnixNano())
	p.logger.Info("spawned isolated worker %d pid=%d", slot, cmd.Process.Pid)

	p.mu.Lock()
	p.handles[slot] = h
	p.mu.Unlock()

	async.Go(p.logger, fmt.Sprintf("proc-reader-%d", slot), func() {
		defer close(h.responses)
		defer h.markDead()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var resp WorkerResponse
			if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
				p.logger.Warn("worker %d emitted unparsable line: %v", slot, err)
				continue
			}
			select {
			case h.responses <- resp:
			case <-h.dead:
				return
			}
		}
	})
	return h, nil
}

// stopWorker sends the stop sentinel, closes the request stream, and waits
// for the child, escalating to SIGKILL after the grace period.
func (p *ProcessPool) stopWorker(slot int, h *procHandle) {
	if h.alive() {
		_ = h.enc.Encode(WorkerRequest{Type: RequestStop})
	}
	_ = h.stdin.Close()

	waited := make(chan struct{})
	go func() {
		_, _ = h.cmd.Process.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(p.cfg.StopGrace):
		p.logger.Warn("worker %d did not stop within %s, killing", slot, p.cfg.StopGrace)
		_ = h.cmd.Process.Kill()
		<-waited
	}
	h.markDead()

	// Drain the response channel so the reader goroutine can exit.
	for range h.responses {
	}
	p.logger.Info("worker %d stopped", slot)
}
