// Package protocol defines the WebSocket frames exchanged between chat
// clients and the server.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// Frame types from client to server
const (
	TypeHello  = "hello"
	TypeOpen   = "open"
	TypeAttach = "attach"
	TypeDetach = "detach"
	TypeSend   = "send"
	TypeRetry  = "retry"
	TypeClose  = "close"
)

// Frame types from server to client
const (
	TypeHelloAck   = "hello_ack"
	TypeOpened     = "opened"
	TypeMessage    = "message"
	TypePending    = "pending"
	TypeReconciled = "reconciled"
	TypeFailed     = "failed"
	TypeState      = "state"
	TypeError      = "error"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type      string          `json:"type"`
	Ts        int64           `json:"ts"`
	RequestID string          `json:"request_id,omitempty"`
	TicketID  domain.TicketID `json:"ticket_id,omitempty"`
}

// NewBase stamps a server frame of the given type.
func NewBase(typ string, ticket domain.TicketID) BaseMessage {
	return BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), TicketID: ticket}
}

// HelloMessage is sent by the client to establish its identity.
type HelloMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
	APIKey string `json:"api_key,omitempty"`
}

// HelloAckMessage is sent after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string `json:"connection_id"`
}

// OpenMessage asks the server to open the ticket channel.
type OpenMessage struct {
	BaseMessage
}

// OpenedMessage carries the messages already known for the ticket.
type OpenedMessage struct {
	BaseMessage
	Seeded   bool             `json:"seeded"`
	Messages []domain.Message `json:"messages"`
}

// AttachMessage starts a subscription. Cursor is the last rendered
// position, empty for a full replay.
type AttachMessage struct {
	BaseMessage
	Cursor string `json:"cursor,omitempty"`
}

// DetachMessage ends the subscription for the ticket.
type DetachMessage struct {
	BaseMessage
}

// SendMessage submits a new chat message.
type SendMessage struct {
	BaseMessage
	Text    string `json:"text"`
	LocalID string `json:"local_id,omitempty"`
}

// RetryMessage resubmits a failed send.
type RetryMessage struct {
	BaseMessage
	LocalID string `json:"local_id"`
}

// CloseMessage releases the ticket channel.
type CloseMessage struct {
	BaseMessage
}

// ChatMessage delivers one durable message of the log.
type ChatMessage struct {
	BaseMessage
	Message domain.Message `json:"message"`
	Cursor  string         `json:"cursor"`
}

// SendStatusMessage reports the progress of a send. Type is one of
// pending, reconciled or failed.
type SendStatusMessage struct {
	BaseMessage
	LocalID string         `json:"local_id"`
	Message domain.Message `json:"message"`
	Error   string         `json:"error,omitempty"`
}

// StateMessage reports the connection state of a subscription.
type StateMessage struct {
	BaseMessage
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ErrorMessage is sent when a frame cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage   = "invalid_message"
	ErrorCodeInvalidTicket    = "invalid_ticket"
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeHelloRequired    = "hello_required"
	ErrorCodeNotOpen          = "channel_not_open"
	ErrorCodeSendDenied       = "send_denied"
	ErrorCodeNotFound         = "not_found"
	ErrorCodeDiscarded        = "channel_discarded"
	ErrorCodeStoreUnavailable = "store_unavailable"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeInternalError    = "internal_error"
)

// CodeFor maps a domain error to its wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		return ErrorCodeInvalidMessage
	case errors.Is(err, domain.ErrInvalidTicket):
		return ErrorCodeInvalidTicket
	case errors.Is(err, domain.ErrSendDenied):
		return ErrorCodeSendDenied
	case errors.Is(err, domain.ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, domain.ErrChannelDiscarded):
		return ErrorCodeDiscarded
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrSubscriptionLost):
		return ErrorCodeStoreUnavailable
	default:
		return ErrorCodeInternalError
	}
}

// NewError builds an error frame for err.
func NewError(requestID string, ticket domain.TicketID, err error) ErrorMessage {
	base := NewBase(TypeError, ticket)
	base.RequestID = requestID
	return ErrorMessage{BaseMessage: base, Code: CodeFor(err), Message: err.Error()}
}

// RawMessage is used for parsing incoming frames before type dispatch.
type RawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}
