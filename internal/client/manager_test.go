package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammrl/owl-redesign-prototype/internal/gateway"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// fakeServer is a minimal REST-only gateway for polling-path tests.
type fakeServer struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	polled map[string]int
	ts     *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		tasks:  make(map[string]*task.Task),
		polled: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run/async", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "query is required"})
			return
		}
		tk := task.New(task.TypeForModule(req.Module), task.Params{Query: req.Query, Module: req.Module})
		f.mu.Lock()
		f.tasks[tk.ID] = tk
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(gateway.SubmitResponse{TaskID: tk.ID, Status: task.StatusPending})
	})
	mux.HandleFunc("GET /run/task/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		tk, ok := f.tasks[id]
		f.polled[id]++
		polls := f.polled[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "task not found"})
			return
		}
		// Simulate progress: pending, then running, then completed.
		snapshot := *tk
		switch {
		case polls == 1:
			snapshot.Status = task.StatusPending
		case polls == 2:
			snapshot.Status = task.StatusRunning
		default:
			snapshot.Status = task.StatusCompleted
			snapshot.Result = &task.Result{Answer: "42"}
		}
		_ = json.NewEncoder(w).Encode(&snapshot)
	})
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func newPollingManager(t *testing.T, baseURL string, pollTimeout time.Duration) *Manager {
	m := NewManager(Config{
		BaseURL:      baseURL,
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  pollTimeout,
	}, nil)
	t.Cleanup(func() {
		m.cancel()
	})
	return m
}

func TestAskPollingFallback(t *testing.T) {
	f := newFakeServer(t)
	m := newPollingManager(t, f.ts.URL, 5*time.Second)

	result, err := m.Ask(context.Background(), "what is 6*7", "run")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)
	assert.Equal(t, "42", result.Result.Answer)
}

func TestAskPollingEmitsStatusUpdates(t *testing.T) {
	f := newFakeServer(t)
	m := newPollingManager(t, f.ts.URL, 5*time.Second)

	_, err := m.Ask(context.Background(), "q", "run")
	require.NoError(t, err)

	var statuses []task.Status
	for {
		select {
		case u := <-m.Updates():
			if u.Type == "status" {
				statuses = append(statuses, u.Status)
			}
			continue
		default:
		}
		break
	}
	assert.Contains(t, statuses, task.StatusRunning)
	assert.Contains(t, statuses, task.StatusCompleted)
}

// A push submission whose connection dies right after the ack never sees a
// status message again; the task must still come back through the poll
// endpoint well before the overall deadline.
func TestAskPushRecoversWhenPushGoesSilent(t *testing.T) {
	f := newFakeServer(t)
	m := newPollingManager(t, f.ts.URL, 5*time.Second)

	// Register a task the server knows about, then hand its id to the push
	// path as if the ack had arrived over the (now dead) websocket.
	taskID, err := m.SubmitHTTP(context.Background(), "what is 6*7", "run")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.ackCh <- taskID
	}()

	start := time.Now()
	result, err := m.askPush(context.Background(), "what is 6*7", "run")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)
	assert.Equal(t, "42", result.Result.Answer)
	assert.Less(t, time.Since(start), 2*time.Second, "recovery must not wait out the full deadline")
}

// The polling timeout is client-local: it returns a TimeoutError without
// cancelling anything server-side.
func TestPollTimeoutIsLocal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /run/task/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&task.Task{ID: r.PathValue("id"), Status: task.StatusRunning})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	m := newPollingManager(t, ts.URL, 50*time.Millisecond)
	_, err := m.pollUntilTerminal(context.Background(), "task-stuck")
	assert.True(t, task.IsTimeout(err))
}

func TestSubmitHTTPValidation(t *testing.T) {
	f := newFakeServer(t)
	m := newPollingManager(t, f.ts.URL, time.Second)

	_, err := m.SubmitHTTP(context.Background(), "", "run")
	assert.True(t, task.IsValidation(err))
}

func TestFetchUnknownTask(t *testing.T) {
	f := newFakeServer(t)
	m := newPollingManager(t, f.ts.URL, time.Second)

	_, err := m.Fetch(context.Background(), "task-missing")
	assert.True(t, task.IsNotFound(err))
}

// Errors before the first successful connection stay quiet; after a success
// each failure surfaces exactly once until the next connect clears it.
func TestTransportErrorSuppression(t *testing.T) {
	m := NewManager(Config{BaseURL: "http://localhost:0"}, nil)
	defer m.cancel()

	m.surfaceTransportError(&task.TransportError{Err: errors.New("pre-connect failure")})
	select {
	case u := <-m.updates:
		t.Fatalf("unexpected update before first connect: %+v", u)
	default:
	}

	// First success recorded; now failures are user-visible.
	m.mu.Lock()
	m.everConnected = true
	m.mu.Unlock()

	m.surfaceTransportError(&task.TransportError{Err: errors.New("boom"), CloseCode: 1006})
	m.surfaceTransportError(&task.TransportError{Err: errors.New("boom again"), CloseCode: 1006})

	var surfaced []Update
	for {
		select {
		case u := <-m.updates:
			surfaced = append(surfaced, u)
			continue
		default:
		}
		break
	}
	require.Len(t, surfaced, 1, "repeat failures collapse into one visible error")
	assert.Equal(t, "transport_error", surfaced[0].Type)
	assert.True(t, task.IsTransport(surfaced[0].Err))

	// Reconnect retracts the error and re-arms the suppression.
	m.mu.Lock()
	m.errorShown = false
	m.mu.Unlock()
	m.surfaceTransportError(&task.TransportError{Err: errors.New("third")})
	select {
	case u := <-m.updates:
		assert.Equal(t, "transport_error", u.Type)
	default:
		t.Fatal("error after reconnect should surface again")
	}
}

func TestNextBackoffCaps(t *testing.T) {
	limit := 8 * time.Second
	b := time.Second
	steps := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for _, want := range steps {
		b = nextBackoff(b, limit)
		assert.Equal(t, want, b)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BaseURL: "http://example.test/"}.withDefaults()
	assert.Equal(t, "http://example.test", cfg.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.PongWindow)
	assert.NotNil(t, cfg.HTTPClient)
	assert.NotNil(t, cfg.Dialer)
}
