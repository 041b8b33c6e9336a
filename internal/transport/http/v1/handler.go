// Package v1 provides the REST handlers of the ticket chat service.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/protocol"
	"github.com/Almonaabdo/landLorkLinkAI/internal/service"
)

// ConnectionStats reports live websocket connections. The hub
// implements it.
type ConnectionStats interface {
	GetConnectionCount() int
	GetTicketCount() int
	HasActiveConnections(ticket domain.TicketID) bool
}

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	conns   ConnectionStats
}

// NewHandler creates a new handler. conns may be nil when no websocket
// server runs alongside.
func NewHandler(service *service.Service, conns ConnectionStats) *Handler {
	return &Handler{
		service: service,
		conns:   conns,
	}
}

// RegisterRoutes registers the ticket routes with the echo server.
// Routes under /v1 go through the optional api key middleware.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	g := e.Group("/v1", mw...)
	g.POST("/tickets/:ticket_id/open", h.OpenTicket)
	g.GET("/tickets/:ticket_id/messages", h.GetTicketMessages)
	g.POST("/tickets/:ticket_id/messages", h.PostTicketMessage)
	g.GET("/tickets/:ticket_id/failed", h.GetFailedSends)
	g.POST("/tickets/:ticket_id/failed/:local_id/retry", h.RetryFailedSend)
	g.DELETE("/tickets/:ticket_id/failed/:local_id", h.DiscardFailedSend)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{
		"status":        "healthy",
		"version":       "0.1.0",
		"open_channels": h.service.OpenChannels(),
		"subscribers":   h.service.Subscribers(),
	}
	if h.conns != nil {
		body["connections"] = h.conns.GetConnectionCount()
		body["open_tickets"] = h.conns.GetTicketCount()
	}
	return c.JSON(http.StatusOK, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage), errors.Is(err, domain.ErrInvalidTicket):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSendDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrChannelDiscarded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrSubscriptionLost):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{
		"error": err.Error(),
		"code":  protocol.CodeFor(err),
	})
}
