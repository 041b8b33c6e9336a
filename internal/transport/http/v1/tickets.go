package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/protocol"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
)

// PostMessageRequest is the body of a message post.
type PostMessageRequest struct {
	Sender  string `json:"sender"`
	Text    string `json:"text"`
	LocalID string `json:"local_id,omitempty"`
}

// OpenTicket opens the channel of a ticket, seeding it when empty, and
// returns its messages.
// POST /v1/tickets/:ticket_id/open
func (h *Handler) OpenTicket(c echo.Context) error {
	ticket := domain.TicketID(c.Param("ticket_id"))
	ctx := c.Request().Context()

	handle, err := h.service.Open(ctx, ticket)
	if err != nil {
		return writeError(c, err)
	}
	defer h.service.Close(handle)

	messages, err := h.service.Messages(ctx, ticket, domain.Cursor{})
	if err != nil {
		// The handle may still hold what the seed step saw.
		messages = handle.Snapshot()
	}

	watched := false
	if h.conns != nil {
		watched = h.conns.HasActiveConnections(ticket)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ticket_id": ticket,
		"seeded":    handle.Seeded(),
		"watched":   watched,
		"messages":  messages,
	})
}

// GetTicketMessages lists the messages of a ticket after an optional
// (after_ts, after_id) cursor.
// GET /v1/tickets/:ticket_id/messages
func (h *Handler) GetTicketMessages(c echo.Context) error {
	ticket := domain.TicketID(c.Param("ticket_id"))
	if err := domain.KeyFor(ticket).Validate(); err != nil {
		return writeError(c, err)
	}

	var after domain.Cursor
	if t := c.QueryParam("after_ts"); t != "" {
		val, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_ts", "code": "invalid_cursor"})
		}
		after.Timestamp = val
	}
	after.ID = c.QueryParam("after_id")

	messages, err := h.service.Messages(c.Request().Context(), ticket, after)
	if err != nil {
		return writeError(c, err)
	}

	next := after
	if len(messages) > 0 {
		next = messages[len(messages)-1].Cursor()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
		"cursor":   next,
	})
}

// PostTicketMessage appends a message to a ticket.
// POST /v1/tickets/:ticket_id/messages
func (h *Handler) PostTicketMessage(c echo.Context) error {
	ticket := domain.TicketID(c.Param("ticket_id"))
	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": protocol.ErrorCodeInvalidMessage})
	}

	ctx := c.Request().Context()
	handle, err := h.service.Open(ctx, ticket)
	if err != nil {
		return writeError(c, err)
	}
	defer h.service.Close(handle)

	res, err := h.service.Send(ctx, handle, send.Draft{LocalID: req.LocalID, Sender: req.Sender, Text: req.Text}, nil)
	if err != nil {
		return writeError(c, err)
	}
	return writeSendResult(c, res)
}

func writeSendResult(c echo.Context, res send.Result) error {
	if res.Status == send.StatusFailed {
		return c.JSON(statusFor(res.Err), map[string]interface{}{
			"error":    res.Err.Error(),
			"code":     protocol.CodeFor(res.Err),
			"local_id": res.LocalID,
		})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"local_id": res.LocalID,
		"message":  res.Message,
	})
}

// GetFailedSends lists the sends of a ticket that failed and can be
// retried.
// GET /v1/tickets/:ticket_id/failed
func (h *Handler) GetFailedSends(c echo.Context) error {
	ticket := domain.TicketID(c.Param("ticket_id"))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": h.service.FailedSends(ticket),
	})
}

// RetryFailedSendRequest names the sender retrying a failed send.
type RetryFailedSendRequest struct {
	Sender string `json:"sender"`
}

// RetryFailedSend re-sends a failed message. Only its sender can retry it.
// POST /v1/tickets/:ticket_id/failed/:local_id/retry
func (h *Handler) RetryFailedSend(c echo.Context) error {
	ticket := domain.TicketID(c.Param("ticket_id"))
	var req RetryFailedSendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": protocol.ErrorCodeInvalidMessage})
	}

	ctx := c.Request().Context()
	handle, err := h.service.Open(ctx, ticket)
	if err != nil {
		return writeError(c, err)
	}
	defer h.service.Close(handle)

	res, err := h.service.Retry(ctx, handle, req.Sender, c.Param("local_id"), nil)
	if err != nil {
		return writeError(c, err)
	}
	return writeSendResult(c, res)
}

// DiscardFailedSend drops a failed message of the sender given in the
// sender query parameter.
// DELETE /v1/tickets/:ticket_id/failed/:local_id
func (h *Handler) DiscardFailedSend(c echo.Context) error {
	ticket := domain.TicketID(c.Param("ticket_id"))
	if err := h.service.DiscardFailed(ticket, c.QueryParam("sender"), c.Param("local_id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
