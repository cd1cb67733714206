// owl-worker is the process-isolated worker. The server speaks to it over
// two unidirectional queues: JSON-line requests on stdin and JSON-line
// responses plus heartbeats on stdout. It holds all browser-automation
// state so a crash here can never corrupt the host process.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/agent"
	"github.com/sammrl/owl-redesign-prototype/internal/observability"
	"github.com/sammrl/owl-redesign-prototype/internal/pool"
)

func main() {
	var (
		heartbeatInterval = flag.Duration("heartbeat", 3*time.Second, "Interval between heartbeat messages")
		taskDelay         = flag.Duration("task-delay", 0, "Artificial per-task latency, for testing")
		logLevel          = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	)
	flag.Parse()

	logger := observability.NewLogger(observability.LogConfig{Level: *logLevel, Format: "text", Output: os.Stderr})
	runner := &agent.LocalRunner{Delay: *taskDelay}

	out := &responseWriter{enc: json.NewEncoder(os.Stdout)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Heartbeats keep flowing even while a task blocks in the agent
	// function; the server treats silence as process death.
	go func() {
		ticker := time.NewTicker(*heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				out.send(pool.WorkerResponse{Type: pool.ResponseHeartbeat, Time: time.Now()})
			}
		}
	}()

	logger.Info("worker started", "pid", os.Getpid())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req pool.WorkerRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn("unparsable request line", "error", err)
			continue
		}

		switch req.Type {
		case pool.RequestStop:
			logger.Info("stop requested, shutting down")
			return
		case pool.RequestTask:
			execute(ctx, runner, out, req)
		default:
			logger.Warn("unknown request type", "type", req.Type)
		}
	}
	// stdin closed: the server is gone, exit with it.
	logger.Info("request stream closed, exiting")
}

func execute(ctx context.Context, runner agent.Runner, out *responseWriter, req pool.WorkerRequest) {
	out.send(pool.WorkerResponse{
		Type:    pool.ResponseLog,
		TaskID:  req.TaskID,
		Message: fmt.Sprintf("executing module %q", req.Module),
	})

	result, err := runner.Run(ctx, req.Query, req.Module)
	if err != nil {
		out.send(pool.WorkerResponse{Type: pool.ResponseError, TaskID: req.TaskID, Error: err.Error()})
		return
	}
	out.send(pool.WorkerResponse{Type: pool.ResponseResult, TaskID: req.TaskID, Result: result})
}

// responseWriter serializes stdout writes so heartbeats and task responses
// never interleave within a line.
type responseWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *responseWriter) send(resp pool.WorkerResponse) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(resp)
}
