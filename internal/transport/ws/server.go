// Package ws provides the WebSocket surface of the ticket chat service.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Almonaabdo/landLorkLinkAI/internal/broker"
	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/config"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/hub"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/protocol"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
	"github.com/Almonaabdo/landLorkLinkAI/internal/service"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	service  *service.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		logger:  logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// session is the chat state of one connection.
type session struct {
	conn    *hub.Connection
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	// wg tracks forwarders and in-flight sends.
	wg sync.WaitGroup

	mu         sync.Mutex
	userID     string
	handles    map[domain.TicketID]*channel.Handle
	forwarders map[domain.TicketID]chan struct{}
}

func (s *session) handle(ticket domain.TicketID) (*channel.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[ticket]
	return h, ok
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func subscriberID(conn *hub.Connection, ticket domain.TicketID) string {
	return conn.ID + ":" + string(ticket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return err
	}

	conn := s.hub.NewConnection(ws, s.cfg.SubscriberBuffer*4)
	s.hub.Register(conn)

	limit := rate.Inf
	if s.cfg.SendRatePerSec > 0 {
		limit = rate.Limit(s.cfg.SendRatePerSec)
	}
	burst := s.cfg.SendRateBurst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
		handles:    make(map[domain.TicketID]*channel.Handle),
		forwarders: make(map[domain.TicketID]chan struct{}),
	}

	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(sess)

	return nil
}

// readPump reads frames until the socket fails, then releases everything
// the connection holds.
func (s *Server) readPump(sess *session) {
	conn := sess.conn
	defer s.cleanup(sess)

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("ws_read_failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			break
		}

		s.handleMessage(sess, message)
	}
}

func (s *Server) cleanup(sess *session) {
	sess.cancel()

	sess.mu.Lock()
	handles := sess.handles
	sess.handles = map[domain.TicketID]*channel.Handle{}
	sess.mu.Unlock()

	for ticket := range handles {
		s.detach(sess, ticket)
	}
	sess.wg.Wait()
	for _, h := range handles {
		s.service.Close(h)
	}

	s.hub.Unregister(sess.conn)
	sess.conn.Close()
	s.logger.Debug("ws_connection_closed", zap.String("conn_id", sess.conn.ID), zap.Int("tickets", len(handles)))
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("ws_write_failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming frames to the matching handler.
func (s *Server) handleMessage(sess *session, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(sess, "", "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if base.Type != protocol.TypeHello && sess.user() == "" {
		s.sendError(sess, base.RequestID, base.TicketID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(sess, data)
	case protocol.TypeOpen:
		s.handleOpen(sess, base)
	case protocol.TypeAttach:
		s.handleAttach(sess, data)
	case protocol.TypeDetach:
		s.handleDetach(sess, base)
	case protocol.TypeSend:
		s.handleSend(sess, data)
	case protocol.TypeRetry:
		s.handleRetry(sess, data)
	case protocol.TypeClose:
		s.handleClose(sess, base)
	default:
		s.sendError(sess, base.RequestID, base.TicketID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello handles the hello handshake message.
func (s *Server) handleHello(sess *session, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess, "", "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(sess, msg.RequestID, "", protocol.ErrorCodeUnauthorized, "invalid api_key")
		return
	}
	if msg.UserID == "" {
		s.sendError(sess, msg.RequestID, "", protocol.ErrorCodeInvalidMessage, "user_id is required")
		return
	}

	sess.mu.Lock()
	sess.userID = msg.UserID
	sess.mu.Unlock()
	sess.conn.UserID = msg.UserID

	ack := protocol.HelloAckMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeHelloAck, ""),
		ConnectionID: sess.conn.ID,
	}
	ack.RequestID = msg.RequestID
	s.sendJSON(sess, ack)

	s.logger.Info("ws_hello", zap.String("conn_id", sess.conn.ID), zap.String("user_id", msg.UserID))
}

// handleOpen opens the ticket channel for this connection. Reopening an
// already open ticket repeats the snapshot without taking another reference.
func (s *Server) handleOpen(sess *session, base protocol.BaseMessage) {
	h, ok := sess.handle(base.TicketID)
	if !ok {
		var err error
		h, err = s.service.Open(sess.ctx, base.TicketID)
		if err != nil {
			s.sendDomainError(sess, base, err)
			return
		}
		sess.mu.Lock()
		sess.handles[base.TicketID] = h
		sess.mu.Unlock()
		s.hub.BindTicket(sess.conn, base.TicketID)
	} else if !h.Seeded() {
		// Another open gives an unseeded channel its next seed attempt.
		if again, err := s.service.Open(sess.ctx, base.TicketID); err == nil {
			s.service.Close(again)
		}
	}

	opened := protocol.OpenedMessage{
		BaseMessage: protocol.NewBase(protocol.TypeOpened, base.TicketID),
		Seeded:      h.Seeded(),
		Messages:    h.Snapshot(),
	}
	opened.RequestID = base.RequestID
	s.sendJSON(sess, opened)
}

// handleAttach subscribes the connection to an open ticket and forwards
// the broker events as frames.
func (s *Server) handleAttach(sess *session, data []byte) {
	var msg protocol.AttachMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess, "", "", protocol.ErrorCodeInvalidMessage, "invalid attach message")
		return
	}
	h, ok := sess.handle(msg.TicketID)
	if !ok {
		s.sendError(sess, msg.RequestID, msg.TicketID, protocol.ErrorCodeNotOpen, "ticket is not open")
		return
	}

	var resume *domain.Cursor
	if msg.Cursor != "" {
		c, err := domain.ParseCursor(msg.Cursor)
		if err != nil {
			s.sendError(sess, msg.RequestID, msg.TicketID, protocol.ErrorCodeInvalidMessage, err.Error())
			return
		}
		resume = &c
	}

	// A previous subscription must stop forwarding before the new one starts.
	s.detach(sess, msg.TicketID)

	sub, err := s.service.Attach(sess.ctx, h, subscriberID(sess.conn, msg.TicketID), resume)
	if err != nil {
		s.sendDomainError(sess, msg.BaseMessage, err)
		return
	}

	done := make(chan struct{})
	sess.mu.Lock()
	sess.forwarders[msg.TicketID] = done
	sess.mu.Unlock()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		defer close(done)
		s.forward(sess, msg.TicketID, sub)
	}()
}

// detach ends the ticket subscription of the connection and waits for its
// forwarder to exit, so no frame of it follows.
func (s *Server) detach(sess *session, ticket domain.TicketID) {
	s.service.Detach(subscriberID(sess.conn, ticket))

	sess.mu.Lock()
	done, ok := sess.forwarders[ticket]
	delete(sess.forwarders, ticket)
	sess.mu.Unlock()
	if ok {
		<-done
	}
}

// forward drains sub until the broker closes it. A connection that cannot
// keep up is dropped; the client resumes from its cursor.
func (s *Server) forward(sess *session, ticket domain.TicketID, sub *broker.Subscription) {
	healthy := true
	for ev := range sub.Events() {
		if !healthy {
			continue
		}
		var frame interface{}
		switch ev.Kind {
		case broker.EventMessage:
			frame = protocol.ChatMessage{
				BaseMessage: protocol.NewBase(protocol.TypeMessage, ticket),
				Message:     ev.Message,
				Cursor:      ev.Message.Cursor().String(),
			}
		case broker.EventState:
			st := protocol.StateMessage{
				BaseMessage: protocol.NewBase(protocol.TypeState, ticket),
				State:       string(ev.State),
			}
			if ev.Err != nil {
				st.Error = ev.Err.Error()
			}
			frame = st
		}
		if err := s.hub.SendJSONToConnection(sess.conn, frame); err != nil {
			healthy = false
			if errors.Is(err, hub.ErrBufferFull) {
				s.logger.Warn("ws_slow_consumer", zap.String("conn_id", sess.conn.ID), zap.String("ticket", string(ticket)))
				sess.conn.Close()
			}
		}
	}
}

func (s *Server) handleDetach(sess *session, base protocol.BaseMessage) {
	s.detach(sess, base.TicketID)
}

// handleSend submits a message. Progress is reported through pending,
// reconciled and failed frames.
func (s *Server) handleSend(sess *session, data []byte) {
	var msg protocol.SendMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess, "", "", protocol.ErrorCodeInvalidMessage, "invalid send message")
		return
	}
	h, ok := sess.handle(msg.TicketID)
	if !ok {
		s.sendError(sess, msg.RequestID, msg.TicketID, protocol.ErrorCodeNotOpen, "ticket is not open")
		return
	}
	if !sess.limiter.Allow() {
		s.sendError(sess, msg.RequestID, msg.TicketID, protocol.ErrorCodeRateLimited, "too many messages")
		return
	}

	draft := send.Draft{LocalID: msg.LocalID, Sender: sess.user(), Text: msg.Text}
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		if _, err := s.service.Send(sess.ctx, h, draft, s.sendSink(sess, msg.BaseMessage)); err != nil {
			s.sendDomainError(sess, msg.BaseMessage, err)
		}
	}()
}

func (s *Server) handleRetry(sess *session, data []byte) {
	var msg protocol.RetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(sess, "", "", protocol.ErrorCodeInvalidMessage, "invalid retry message")
		return
	}
	h, ok := sess.handle(msg.TicketID)
	if !ok {
		s.sendError(sess, msg.RequestID, msg.TicketID, protocol.ErrorCodeNotOpen, "ticket is not open")
		return
	}

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		if _, err := s.service.Retry(sess.ctx, h, sess.user(), msg.LocalID, s.sendSink(sess, msg.BaseMessage)); err != nil {
			s.sendDomainError(sess, msg.BaseMessage, err)
		}
	}()
}

func (s *Server) sendSink(sess *session, base protocol.BaseMessage) send.Sink {
	return func(ev send.Event) {
		typ := protocol.TypePending
		switch ev.Kind {
		case send.EventReconciled:
			typ = protocol.TypeReconciled
		case send.EventFailed:
			typ = protocol.TypeFailed
		}
		frame := protocol.SendStatusMessage{
			BaseMessage: protocol.NewBase(typ, base.TicketID),
			LocalID:     ev.LocalID,
			Message:     ev.Message,
		}
		frame.RequestID = base.RequestID
		if ev.Err != nil {
			frame.Error = ev.Err.Error()
		}
		s.sendJSON(sess, frame)
	}
}

// handleClose releases the ticket for this connection.
func (s *Server) handleClose(sess *session, base protocol.BaseMessage) {
	sess.mu.Lock()
	h, ok := sess.handles[base.TicketID]
	delete(sess.handles, base.TicketID)
	sess.mu.Unlock()
	if !ok {
		return
	}
	s.detach(sess, base.TicketID)
	s.service.Close(h)
	s.hub.UnbindTicket(sess.conn, base.TicketID)
}

func (s *Server) sendJSON(sess *session, v interface{}) {
	if err := s.hub.SendJSONToConnection(sess.conn, v); err != nil {
		s.logger.Debug("ws_send_dropped", zap.String("conn_id", sess.conn.ID), zap.Error(err))
	}
}

func (s *Server) sendDomainError(sess *session, base protocol.BaseMessage, err error) {
	s.sendJSON(sess, protocol.NewError(base.RequestID, base.TicketID, err))
}

// sendError sends an error message to a connection.
func (s *Server) sendError(sess *session, requestID string, ticket domain.TicketID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError, ticket),
		Code:        code,
		Message:     message,
	}
	errMsg.RequestID = requestID
	s.sendJSON(sess, errMsg)
}
