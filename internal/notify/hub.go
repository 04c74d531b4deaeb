package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/csarunner/internal/csa"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected websocket. An empty taskID follows every task.
type wsClient struct {
	id     uuid.UUID
	taskID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

// Hub streams task responses to websocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
	logger  *zap.Logger
}

// NewHub creates a hub with no client
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[uuid.UUID]*wsClient), logger: logger}
}

// ServeWS upgrades the request and follows the task named by the task_id
// query parameter, or every task when absent.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:     uuid.New(),
		taskID: r.URL.Query().Get("task_id"),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)
}

// Notify implements Notifier. Slow clients miss messages instead of blocking the run.
func (h *Hub) Notify(ctx context.Context, resp csa.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.taskID != "" && client.taskID != resp.ID {
			continue
		}
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("dropping response for slow websocket client",
				zap.String("client_id", client.id.String()),
				zap.String("task_id", resp.ID))
		}
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.conn.Close()
	}
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// clients only listen, anything they send is discarded
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.conn.Close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.conn.Close()
				return
			}
		case <-client.done:
			return
		}
	}
}
