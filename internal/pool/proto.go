package pool

import (
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// Wire messages exchanged with an isolated worker process. Requests travel
// on the child's stdin, responses on its stdout, one JSON object per line.
// The two streams are the only channel between the processes; no memory is
// shared.

const (
	// RequestTask asks the worker to execute a payload.
	RequestTask = "task"
	// RequestStop tells the worker to exit after its current task.
	RequestStop = "stop"

	// ResponseHeartbeat proves the process is alive, sent on an interval
	// even while the agent function blocks.
	ResponseHeartbeat = "heartbeat"
	// ResponseLog is droppable progress text for the client.
	ResponseLog = "log"
	// ResponseResult carries a completed payload.
	ResponseResult = "result"
	// ResponseError carries a worker failure.
	ResponseError = "error"
)

// WorkerRequest is one message on the request queue (server -> worker).
type WorkerRequest struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id,omitempty"`
	Query     string `json:"query,omitempty"`
	Module    string `json:"module,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// WorkerResponse is one message on the response queue (worker -> server).
type WorkerResponse struct {
	Type    string       `json:"type"`
	TaskID  string       `json:"task_id,omitempty"`
	Message string       `json:"message,omitempty"`
	Result  *task.Result `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
	Time    time.Time    `json:"time,omitempty"`
}
