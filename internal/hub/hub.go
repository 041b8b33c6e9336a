// Package hub provides connection management for WebSocket clients.
package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
)

// ErrBufferFull is returned when the send buffer of a connection is full.
var ErrBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection represents a single WebSocket connection.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	hub    *Hub
	mu     sync.Mutex
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Tickets maps a ticket to the set of connections that opened it
	tickets map[domain.TicketID]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	stop       chan struct{}
	stopOnce   sync.Once

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		tickets:     make(map[domain.TicketID]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
		logger:      logging.OrNop(logger),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.logger.Debug("connection_registered", zap.String("conn_id", conn.ID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				for ticket, conns := range h.tickets {
					delete(conns, conn.ID)
					if len(conns) == 0 {
						delete(h.tickets, ticket)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Debug("connection_unregistered", zap.String("conn_id", conn.ID))

		case <-h.stop:
			return
		}
	}
}

// Stop ends the main loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// NewConnection creates a new connection. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn, bufferSize int) *Connection {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, bufferSize),
		hub:  h,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.stop:
	}
}

// Unregister unregisters a connection and closes its send buffer.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.stop:
	}
}

// BindTicket records that conn has ticket open.
func (h *Hub) BindTicket(conn *Connection, ticket domain.TicketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tickets[ticket] == nil {
		h.tickets[ticket] = make(map[string]bool)
	}
	h.tickets[ticket][conn.ID] = true
}

// UnbindTicket forgets that conn has ticket open.
func (h *Hub) UnbindTicket(conn *Connection, ticket domain.TicketID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns := h.tickets[ticket]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(h.tickets, ticket)
		}
	}
}

// SendToConnection queues data for conn without blocking.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.connections[conn.ID] != conn {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetTicketCount returns the number of tickets open on any connection.
func (h *Hub) GetTicketCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tickets)
}

// HasActiveConnections checks if a ticket is open on any connection.
func (h *Hub) HasActiveConnections(ticket domain.TicketID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.tickets[ticket]
	return ok && len(conns) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
