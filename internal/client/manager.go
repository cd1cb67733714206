package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sammrl/owl-redesign-prototype/internal/gateway"
	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// ConnState is the push-channel connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Update is one event delivered to the UI layer, via either transport.
type Update struct {
	Type    string // "connected", "ack", "status", "log", "transport_error"
	TaskID  string
	Status  task.Status
	Task    *task.Task
	Message string
	Err     error
}

// Config tunes the transport manager.
type Config struct {
	BaseURL      string        // e.g. http://localhost:8000
	PingInterval time.Duration // keepalive cadence while connected
	PongWindow   time.Duration // missing pong for this long means dead
	ReconnectMin time.Duration // initial reconnect backoff
	ReconnectMax time.Duration // backoff cap
	PollInterval time.Duration // polling-fallback cadence
	PollTimeout  time.Duration // client-local UX timeout, server unaffected
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
}

func (c Config) withDefaults() Config {
	out := c
	if out.BaseURL == "" {
		out.BaseURL = "http://localhost:8000"
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.PingInterval <= 0 {
		out.PingInterval = 15 * time.Second
	}
	if out.PongWindow <= 0 {
		out.PongWindow = 2 * out.PingInterval
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = 500 * time.Millisecond
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = 30 * time.Second
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 10 * time.Minute
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Manager consumes the gateway over both transports. It prefers push, falls
// back to polling, and reconciles everything into the single Updates stream
// without duplicating or losing terminal states. It is event-driven: all
// waits happen in its own goroutines, never on the caller's thread.
type Manager struct {
	cfg    Config
	logger logging.Logger

	updates chan Update

	mu            sync.Mutex
	state         ConnState
	everConnected bool
	errorShown    bool
	conn          *websocket.Conn
	writeMu       sync.Mutex
	lastPong      time.Time
	subs          map[string]chan Update // task id -> push status feed
	ackCh         chan string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager; call Start to begin the connect loop.
func NewManager(cfg Config, logger logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logging.OrNop(logger),
		updates: make(chan Update, 128),
		subs:    make(map[string]chan Update),
		ackCh:   make(chan string, 8),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Updates is the single ordered stream of everything the UI should show.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

// State reports the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start runs the reconnect loop in the background.
func (m *Manager) Start() {
	go m.connectLoop()
}

// Close tears down the connection and stops the loop.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	<-m.done
}

// connectLoop is the explicit FSM: Disconnected -> Connecting -> Connected,
// back to Disconnected on close or error, with capped exponential backoff.
func (m *Manager) connectLoop() {
	defer close(m.done)
	backoff := m.cfg.ReconnectMin

	for {
		if m.ctx.Err() != nil {
			return
		}
		m.setState(StateConnecting)

		conn, err := m.dial()
		if err != nil {
			// Failures before the first successful open are expected
			// negotiation noise, not user-facing errors.
			m.surfaceTransportError(&task.TransportError{Err: err})
			m.setState(StateDisconnected)
			if !m.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.cfg.ReconnectMax)
			continue
		}

		backoff = m.cfg.ReconnectMin
		m.onConnected(conn)

		closeCode := m.runConnection(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		m.setState(StateDisconnected)

		if m.ctx.Err() != nil {
			return
		}
		if closeCode != websocket.CloseNormalClosure {
			m.surfaceTransportError(&task.TransportError{
				Err:       errors.New("push channel closed"),
				CloseCode: closeCode,
			})
		}
		if !m.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.cfg.ReconnectMax)
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	wsURL := strings.Replace(m.cfg.BaseURL, "http", "ws", 1) + "/run/ws"
	conn, _, err := m.cfg.Dialer.DialContext(m.ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return conn, nil
}

// onConnected records the first success and retracts any displayed error so
// stale banners never outlive a live connection.
func (m *Manager) onConnected(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.everConnected = true
	m.lastPong = time.Now()
	m.errorShown = false
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.Info("push channel connected")
	// The "connected" update doubles as the retraction signal for any
	// transport error currently on display.
	m.emit(Update{Type: "connected"})
}

// runConnection pumps messages until the connection dies and returns the
// close code (CloseAbnormalClosure when unknown).
func (m *Manager) runConnection(conn *websocket.Conn) int {
	readDone := make(chan int, 1)
	go func() {
		readDone <- m.readLoop(conn)
	}()

	pinger := time.NewTicker(m.cfg.PingInterval)
	defer pinger.Stop()

	for {
		select {
		case code := <-readDone:
			return code
		case <-m.ctx.Done():
			_ = conn.Close()
			return <-readDone
		case <-pinger.C:
			m.mu.Lock()
			stale := time.Since(m.lastPong) > m.cfg.PongWindow
			m.mu.Unlock()
			if stale {
				m.logger.Warn("no pong within %s, treating connection as dead", m.cfg.PongWindow)
				_ = conn.Close()
				return <-readDone
			}
			m.send(gateway.ClientMessage{Type: gateway.ClientPing, Time: float64(time.Now().UnixMilli())})
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) int {
	for {
		var msg gateway.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}

		switch msg.Type {
		case gateway.MessagePong:
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		case gateway.MessageAck:
			select {
			case m.ackCh <- msg.TaskID:
			default:
			}
			m.emit(Update{Type: "ack", TaskID: msg.TaskID, Message: msg.Message})
		case gateway.MessageStatus:
			update := Update{Type: "status", TaskID: msg.TaskID, Status: msg.Status, Task: msg.Task}
			m.deliver(msg.TaskID, update)
			m.emit(update)
		case gateway.MessageLog:
			m.emit(Update{Type: "log", TaskID: msg.TaskID, Message: msg.Message})
		case gateway.MessageError:
			m.emit(Update{Type: "log", TaskID: msg.TaskID, Message: "server: " + msg.Message})
		case gateway.MessageSystem:
			m.logger.Debug("system: %s", msg.Message)
		}
	}
}

// surfaceTransportError shows at most one error per failure, and only after
// the connection has ever succeeded.
func (m *Manager) surfaceTransportError(terr *task.TransportError) {
	m.mu.Lock()
	suppress := !m.everConnected || m.errorShown
	if !suppress {
		m.errorShown = true
	}
	m.mu.Unlock()

	if suppress {
		m.logger.Debug("suppressed transport error: %v", terr)
		return
	}
	m.logger.Warn("transport error: %v", terr)
	m.emit(Update{Type: "transport_error", Err: terr})
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) emit(u Update) {
	select {
	case m.updates <- u:
	default:
		// The UI stream is full; drop rather than block the event loop.
	}
}

func (m *Manager) send(msg gateway.ClientMessage) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}

func (m *Manager) subscribe(taskID string) chan Update {
	ch := make(chan Update, 16)
	m.mu.Lock()
	m.subs[taskID] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) unsubscribe(taskID string) {
	m.mu.Lock()
	delete(m.subs, taskID)
	m.mu.Unlock()
}

func (m *Manager) deliver(taskID string, u Update) {
	m.mu.Lock()
	ch := m.subs[taskID]
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- u:
	default:
	}
}

// Ask submits a query and blocks until the task is terminal, using push when
// the channel is live and falling back to polling otherwise. The returned
// snapshot always comes from (or is confirmed by) the poll endpoint, so a
// dropped push message can delay but never lose the result.
func (m *Manager) Ask(ctx context.Context, query, module string) (*task.Task, error) {
	if m.State() == StateConnected {
		t, err := m.askPush(ctx, query, module)
		if err == nil || task.IsTimeout(err) || task.IsValidation(err) {
			return t, err
		}
		m.logger.Warn("push submission failed (%v), falling back to polling", err)
	}
	return m.askPoll(ctx, query, module)
}

func (m *Manager) askPush(ctx context.Context, query, module string) (*task.Task, error) {
	// Drain stale acks from a previous attempt.
	for {
		select {
		case <-m.ackCh:
			continue
		default:
		}
		break
	}

	m.send(gateway.ClientMessage{Type: gateway.ClientQuery, Query: query, Module: module})

	var taskID string
	select {
	case taskID = <-m.ackCh:
	case <-time.After(10 * time.Second):
		return nil, &task.TransportError{Err: errors.New("no ack for submission")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	feed := m.subscribe(taskID)
	defer m.unsubscribe(taskID)

	deadline := time.NewTimer(m.cfg.PollTimeout)
	defer deadline.Stop()

	// Push is best-effort: the connection can die mid-task and the server
	// forgets the interest set with it. A slow poll underneath guarantees
	// the terminal state is recovered even when no status push ever lands.
	backstop := time.NewTicker(m.cfg.PollInterval)
	defer backstop.Stop()

	for {
		select {
		case u := <-feed:
			if !u.Status.IsTerminal() {
				continue
			}
			if u.Task != nil {
				return u.Task, nil
			}
			// Terminal push without a snapshot: confirm via polling.
			return m.fetch(ctx, taskID)
		case <-backstop.C:
			if t, err := m.fetch(ctx, taskID); err == nil && t.Status.IsTerminal() {
				return t, nil
			}
		case <-deadline.C:
			return nil, &task.TimeoutError{TaskID: taskID, Elapsed: m.cfg.PollTimeout.String()}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.ctx.Done():
			// Channel torn down mid-task; the task is still running
			// server-side, recover through the poll endpoint.
			return m.pollUntilTerminal(ctx, taskID)
		}
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.ctx.Done():
		return false
	}
}
