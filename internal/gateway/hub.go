package gateway

import (
	"sync"

	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/observability"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// channel is one live push subscription. It is a notification mechanism,
// never state: if it is gone when a transition happens, the client recovers
// the final status via polling.
type channel struct {
	clientID string
	send     chan ServerMessage

	mu        sync.Mutex
	interests map[string]bool
	closed    bool
}

func (c *channel) subscribe(taskID string) {
	c.mu.Lock()
	c.interests[taskID] = true
	c.mu.Unlock()
}

func (c *channel) interested(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interests[taskID]
}

// trySend queues a message without ever blocking a publisher. Returns false
// when the buffer is full or the channel is closed.
func (c *channel) trySend(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub fans committed task transitions out to interested push channels. The
// registry stays the only source of truth; the hub only ever observes.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel

	logger  logging.Logger
	metrics *observability.Metrics
}

// NewHub returns an empty hub.
func NewHub(metrics *observability.Metrics, logger logging.Logger) *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		logger:   logging.OrNop(logger),
		metrics:  metrics,
	}
}

func (h *Hub) register(clientID string) *channel {
	c := &channel{
		clientID:  clientID,
		send:      make(chan ServerMessage, 64),
		interests: make(map[string]bool),
	}
	h.mu.Lock()
	h.channels[clientID] = c
	total := len(h.channels)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveChannels.Inc()
	}
	h.logger.Info("client %s connected, %d active channels", clientID, total)
	return c
}

func (h *Hub) unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.channels[clientID]
	delete(h.channels, clientID)
	remaining := len(h.channels)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	if h.metrics != nil {
		h.metrics.ActiveChannels.Dec()
	}
	h.logger.Info("client %s disconnected, %d remaining", clientID, remaining)
}

// PublishStatus implements dispatcher.Publisher. One message per transition
// per interested channel; the full snapshot rides along on terminal states.
func (h *Hub) PublishStatus(t *task.Task) {
	msg := ServerMessage{
		Type:   MessageStatus,
		TaskID: t.ID,
		Status: t.Status,
	}
	if t.Status.IsTerminal() {
		msg.Task = t
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels {
		if !c.interested(t.ID) {
			continue
		}
		if !c.trySend(msg) {
			h.logger.Warn("status for %s dropped on slow channel %s, client must poll", t.ID, c.clientID)
		}
	}
}

// PublishLog implements dispatcher.Publisher. Logs are droppable by
// definition, so a full buffer is not even worth a warning.
func (h *Hub) PublishLog(taskID, message string) {
	msg := ServerMessage{Type: MessageLog, TaskID: taskID, Message: message}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels {
		if c.interested(taskID) {
			c.trySend(msg)
		}
	}
}
