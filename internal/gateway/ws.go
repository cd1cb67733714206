package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sammrl/owl-redesign-prototype/internal/async"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// handleWS upgrades the connection and runs the push channel: the client can
// submit queries, cancel tasks, and exchange keepalive pings; the server
// pushes every subsequent status event for the client's tasks.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.New().String()
	ch := s.hub.register(clientID)

	writerDone := make(chan struct{})
	async.Go(s.logger, "ws-writer", func() {
		defer close(writerDone)
		for msg := range ch.send {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		// Hub closed the channel; say goodbye cleanly.
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	ch.trySend(ServerMessage{
		Type:     MessageSystem,
		Message:  "connected",
		ClientID: clientID,
	})

	s.readLoop(conn, ch)

	s.hub.unregister(clientID)
	_ = conn.Close()
	<-writerDone
}

func (s *Server) readLoop(conn *websocket.Conn, ch *channel) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.trySend(ServerMessage{Type: MessageError, Message: "invalid JSON in message"})
			continue
		}

		switch msg.Type {
		case ClientQuery:
			s.handleWSQuery(ch, msg)
		case ClientCancel:
			s.handleWSCancel(ch, msg)
		case ClientPing:
			ch.trySend(ServerMessage{Type: MessagePong, Time: msg.Time})
		default:
			ch.trySend(ServerMessage{Type: MessageError, Message: "unknown message type: " + msg.Type})
		}
	}
}

func (s *Server) handleWSQuery(ch *channel, msg ClientMessage) {
	taskID, err := s.dispatcher.Submit(task.Params{Query: msg.Query, Module: msg.Module})
	if err != nil {
		ch.trySend(ServerMessage{Type: MessageError, Message: err.Error()})
		return
	}

	// Subscribe before acking so no transition can slip between the two.
	ch.subscribe(taskID)
	ch.trySend(ServerMessage{
		Type:    MessageAck,
		TaskID:  taskID,
		Message: "query received and processing started",
	})

	// The task may already have moved on while the subscription didn't
	// exist yet, most notably when the pool rejected it and Submit left it
	// failed. Replay the current state; a duplicate status push is harmless.
	if t, err := s.registry.Get(taskID); err == nil && t.Status != task.StatusPending {
		msg := ServerMessage{Type: MessageStatus, TaskID: taskID, Status: t.Status}
		if t.Status.IsTerminal() {
			msg.Task = t
		}
		ch.trySend(msg)
	}
}

func (s *Server) handleWSCancel(ch *channel, msg ClientMessage) {
	if msg.TaskID == "" {
		ch.trySend(ServerMessage{Type: MessageError, Message: "task_id is required for cancellation"})
		return
	}
	ok, err := s.dispatcher.Cancel(msg.TaskID, "client request")
	if err != nil || !ok {
		ch.trySend(ServerMessage{Type: MessageError, TaskID: msg.TaskID, Message: "cancellation failed"})
		return
	}
	// The status push arrives through the hub once the transition commits.
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
