package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal returns true once no further transition can leave the state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// legalEdges is the full transition table. Any edge not listed here is a
// conflict and must be rejected, never overwritten.
var legalEdges = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Type selects which worker pool executes a task.
type Type string

const (
	// TypeQuery runs inside the host process.
	TypeQuery Type = "query"
	// TypeBrowser runs in a process-isolated worker so automation state
	// never shares memory with the host.
	TypeBrowser Type = "browser"
)

// Params is the opaque payload handed to a worker.
type Params struct {
	Query     string `json:"query"`
	Module    string `json:"module,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// TokenUsage accounts for tokens consumed by the agent function.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Message is one entry of a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the opaque structured payload produced by a completed task.
type Result struct {
	Answer     string     `json:"answer"`
	TokenUsage TokenUsage `json:"token_usage"`
	Transcript []Message  `json:"transcript,omitempty"`
}

// ErrorKind distinguishes internal failure classes on a failed task.
type ErrorKind string

const (
	ErrorKindWorker  ErrorKind = "worker"
	ErrorKindOrphan  ErrorKind = "orphan"
	ErrorKindTimeout ErrorKind = "timeout"
)

// TaskError is the terminal error recorded on a failed task. It is distinct
// from transport-level errors, which never touch task state.
type TaskError struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// Task is the unit of work: immutable identity plus mutable lifecycle state.
// Only the registry mutates a task; workers receive a copy of Params and
// hand results back through the dispatcher.
type Task struct {
	ID          string     `json:"task_id"`
	Type        Type       `json:"type"`
	Params      Params     `json:"params"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	SubtaskIDs  []string   `json:"subtask_ids,omitempty"`
}

// New builds a pending task with a fresh identity.
func New(taskType Type, params Params) *Task {
	return &Task{
		ID:        fmt.Sprintf("task-%s", uuid.New().String()),
		Type:      taskType,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep copy so callers can never mutate registry state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	if t.Result != nil {
		result := *t.Result
		if t.Result.Transcript != nil {
			result.Transcript = make([]Message, len(t.Result.Transcript))
			copy(result.Transcript, t.Result.Transcript)
		}
		out.Result = &result
	}
	if t.Error != nil {
		taskErr := *t.Error
		out.Error = &taskErr
	}
	if t.SubtaskIDs != nil {
		out.SubtaskIDs = make([]string, len(t.SubtaskIDs))
		copy(out.SubtaskIDs, t.SubtaskIDs)
	}
	return &out
}

// Validate checks the minimum required fields for a submission.
func (p Params) Validate() error {
	if p.Query == "" {
		return &ValidationError{Field: "query", Message: "query is required"}
	}
	return nil
}

// TypeForModule maps a module selector to the pool that must execute it.
// Browser modules need OS-level isolation; everything else runs in-process.
func TypeForModule(module string) Type {
	if module == "run_mini" || strings.Contains(strings.ToLower(module), "browser") {
		return TypeBrowser
	}
	return TypeQuery
}
