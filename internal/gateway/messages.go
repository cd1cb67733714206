package gateway

import (
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// Server -> client push message types.
const (
	// MessageSystem marks connection lifecycle notices.
	MessageSystem = "system"
	// MessageAck confirms a submission and carries the assigned id.
	MessageAck = "ack"
	// MessageStatus carries a task transition; the full snapshot rides
	// along when the state is terminal.
	MessageStatus = "status"
	// MessageLog is best-effort progress text, droppable.
	MessageLog = "log"
	// MessageError reports a transport-level failure, distinct from a
	// task's own error field.
	MessageError = "error"
	// MessagePong answers a client keepalive ping.
	MessagePong = "pong"
)

// Client -> server push message types.
const (
	ClientQuery  = "query"
	ClientCancel = "cancel"
	ClientPing   = "ping"
)

// ServerMessage is the single envelope for everything pushed to a client.
type ServerMessage struct {
	Type     string      `json:"type"`
	TaskID   string      `json:"task_id,omitempty"`
	Status   task.Status `json:"status,omitempty"`
	Task     *task.Task  `json:"task,omitempty"`
	Message  string      `json:"message,omitempty"`
	ClientID string      `json:"client_id,omitempty"`
	Time     float64     `json:"time,omitempty"`
}

// ClientMessage is what a connected client may send.
type ClientMessage struct {
	Type   string  `json:"type"`
	Query  string  `json:"query,omitempty"`
	Module string  `json:"module,omitempty"`
	TaskID string  `json:"task_id,omitempty"`
	Time   float64 `json:"time,omitempty"`
}

// SubmitRequest is the polling submission body.
type SubmitRequest struct {
	Query     string `json:"query" binding:"required"`
	Module    string `json:"module"`
	SessionID string `json:"session_id,omitempty"`
}

// SubmitResponse acknowledges a polling submission.
type SubmitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TaskSummary is the truncated form used by the list endpoint.
type TaskSummary struct {
	TaskID string      `json:"task_id"`
	Query  string      `json:"query"`
	Module string      `json:"module"`
	Status task.Status `json:"status"`
}

// Summarize truncates long queries the way the list endpoint presents them.
func Summarize(t *task.Task) TaskSummary {
	query := t.Params.Query
	if len(query) > 100 {
		query = query[:100] + "..."
	}
	return TaskSummary{
		TaskID: t.ID,
		Query:  query,
		Module: t.Params.Module,
		Status: t.Status,
	}
}
