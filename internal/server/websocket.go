package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is one message pushed to WebSocket clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ProgressPayload reports the progress of a simulation.
type ProgressPayload struct {
	RequestID string  `json:"requestId"`
	Message   string  `json:"message"`
	Progress  float64 `json:"progress"` // 0.0 to 1.0
	Batch     int     `json:"batch"`
	Batches   int     `json:"batches"`
	BER       float64 `json:"ber"`
}

// WSHub manages WebSocket connections.
type WSHub struct {
	clients  map[*websocket.Conn]bool
	mu       sync.RWMutex
	writeMu  sync.Mutex
	onChange func(n int)
}

// NewWSHub creates a hub. onChange, if not nil, is called with the number of
// clients whenever a client connects or disconnects.
func NewWSHub(onChange func(n int)) *WSHub {
	return &WSHub{
		clients:  make(map[*websocket.Conn]bool),
		onChange: onChange,
	}
}

// AddClient registers a new WebSocket connection.
func (h *WSHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("WebSocket client connected (%d total)", n)
	h.changed(n)
}

// RemoveClient removes a WebSocket connection.
func (h *WSHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	if !h.clients[conn] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	log.Printf("WebSocket client disconnected (%d remaining)", n)
	h.changed(n)
}

// NumClients returns the number of connected clients.
func (h *WSHub) NumClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) changed(n int) {
	if h.onChange != nil {
		h.onChange(n)
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WebSocket marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// gorilla connections allow one concurrent writer
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.RemoveClient(conn)
		}
	}
}

// BroadcastProgress sends a simulation progress update to all clients.
func (h *WSHub) BroadcastProgress(p ProgressPayload) {
	h.Broadcast(WSMessage{Type: "progress", Payload: p})
}

// BroadcastResult sends the final result of a simulation or payload run.
func (h *WSHub) BroadcastResult(kind string, result interface{}) {
	h.Broadcast(WSMessage{Type: kind, Payload: result})
}

// BroadcastStatus sends a status update to all clients.
func (h *WSHub) BroadcastStatus(status, message string) {
	h.Broadcast(WSMessage{
		Type: "status",
		Payload: map[string]string{
			"status":  status,
			"message": message,
		},
	})
}
