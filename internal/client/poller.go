package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/gateway"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// askPoll is the degraded path: submit over REST, then poll until terminal.
// It never needs the push channel, which makes it the floor the client can
// always fall back to.
func (m *Manager) askPoll(ctx context.Context, query, module string) (*task.Task, error) {
	taskID, err := m.SubmitHTTP(ctx, query, module)
	if err != nil {
		return nil, err
	}
	return m.pollUntilTerminal(ctx, taskID)
}

// SubmitHTTP posts a task over REST and returns its id.
func (m *Manager) SubmitHTTP(ctx context.Context, query, module string) (string, error) {
	body, err := json.Marshal(gateway.SubmitRequest{Query: query, Module: module})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.BaseURL+"/run/async", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return "", &task.ValidationError{Field: "query", Message: readError(resp.Body)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}

	var out gateway.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	return out.TaskID, nil
}

// Fetch retrieves one task snapshot.
func (m *Manager) Fetch(ctx context.Context, taskID string) (*task.Task, error) {
	return m.fetch(ctx, taskID)
}

func (m *Manager) fetch(ctx context.Context, taskID string) (*task.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		m.cfg.BaseURL+"/run/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, task.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", taskID, resp.StatusCode)
	}

	var t task.Task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("fetch %s: decode: %w", taskID, err)
	}
	return &t, nil
}

// CancelHTTP requests cancellation over REST.
func (m *Manager) CancelHTTP(ctx context.Context, taskID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		m.cfg.BaseURL+"/run/task/"+taskID, nil)
	if err != nil {
		return false, err
	}

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, task.ErrNotFound
	}

	var out gateway.CancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("cancel %s: decode: %w", taskID, err)
	}
	return out.Success, nil
}

// ListHTTP fetches task summaries with optional status filter.
func (m *Manager) ListHTTP(ctx context.Context, status string, limit, offset int) ([]gateway.TaskSummary, error) {
	url := fmt.Sprintf("%s/run/tasks?limit=%d&offset=%d", m.cfg.BaseURL, limit, offset)
	if status != "" {
		url += "&status=" + status
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list: unexpected status %d (%s)", resp.StatusCode, readError(resp.Body))
	}

	var out []gateway.TaskSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list: decode: %w", err)
	}
	return out, nil
}

// pollUntilTerminal polls the status endpoint until the task settles or the
// client-local timeout elapses. The timeout is purely a UX bound: the server
// keeps running the task and a later poll can still find the result.
func (m *Manager) pollUntilTerminal(ctx context.Context, taskID string) (*task.Task, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()

	var lastStatus task.Status
	for {
		select {
		case <-ticker.C:
			t, err := m.fetch(ctx, taskID)
			if err != nil {
				if task.IsNotFound(err) {
					return nil, err
				}
				m.logger.Debug("poll %s: %v", taskID, err)
				continue
			}
			if t.Status != lastStatus {
				lastStatus = t.Status
				m.emit(Update{Type: "status", TaskID: taskID, Status: t.Status})
			}
			if t.Status.IsTerminal() {
				return t, nil
			}
		case <-deadline.C:
			return nil, &task.TimeoutError{TaskID: taskID, Elapsed: m.cfg.PollTimeout.String()}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func readError(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil || body.Error == "" {
		return "request failed"
	}
	return body.Error
}
