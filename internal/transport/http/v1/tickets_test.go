package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Almonaabdo/landLorkLinkAI/internal/config"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/policy"
	"github.com/Almonaabdo/landLorkLinkAI/internal/service"
	"github.com/Almonaabdo/landLorkLinkAI/tests/helpers"
)

func newTestHandler(t *testing.T) (*Handler, *helpers.FaultyStore) {
	cfg := &config.Config{
		SeedMaxAttempts:    3,
		SeedInitialBackoff: time.Millisecond,
		AppendMaxAttempts:  2,
		SubscriberBuffer:   16,
	}
	db := helpers.NewFaultyStore(helpers.NewTestSQLiteStore(t))
	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	svc := service.New(db, cfg, policyEngine, nil, nil)
	t.Cleanup(svc.Shutdown)
	return NewHandler(svc, nil), db
}

func ticketContext(e *echo.Echo, method, target, body, ticket string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("ticket_id")
	c.SetParamValues(ticket)
	return c, rec
}

type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
	Seeded   bool             `json:"seeded"`
	Cursor   domain.Cursor    `json:"cursor"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) messagesResponse {
	var resp messagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestOpenTicketSeeds(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/42/open", "", "42")
	if err := h.OpenTicket(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if !resp.Seeded || len(resp.Messages) != 1 || resp.Messages[0].Sender != domain.SystemSender {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// A second open must not seed again.
	c, rec = ticketContext(e, http.MethodPost, "/v1/tickets/42/open", "", "42")
	if err := h.OpenTicket(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp := decode(t, rec); len(resp.Messages) != 1 {
		t.Fatalf("expected 1 message after reopen, got %d", len(resp.Messages))
	}
}

func TestOpenTicketInvalid(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/%20/open", "", " ")
	if err := h.OpenTicket(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPostAndListMessages(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/42/messages", `{"sender":"tenant-1","text":"AC broken","local_id":"draft-1"}`, "42")
	if err := h.PostTicketMessage(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"local_id":"draft-1"`) {
		t.Fatalf("local id not echoed: %s", rec.Body.String())
	}

	c, rec = ticketContext(e, http.MethodGet, "/v1/tickets/42/messages", "", "42")
	if err := h.GetTicketMessages(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	resp := decode(t, rec)
	if len(resp.Messages) != 2 || resp.Messages[1].Text != "AC broken" {
		t.Fatalf("unexpected messages: %+v", resp.Messages)
	}
	if resp.Cursor != resp.Messages[1].Cursor() {
		t.Fatalf("cursor %v does not point at last message", resp.Cursor)
	}

	first := resp.Messages[0].Cursor()
	target := "/v1/tickets/42/messages?after_ts=" + strconv.FormatInt(first.Timestamp, 10) + "&after_id=" + first.ID
	c, rec = ticketContext(e, http.MethodGet, target, "", "42")
	if err := h.GetTicketMessages(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp := decode(t, rec); len(resp.Messages) != 1 {
		t.Fatalf("expected 1 message after cursor, got %d", len(resp.Messages))
	}
}

func TestGetTicketMessagesBadCursor(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	c, rec := ticketContext(e, http.MethodGet, "/v1/tickets/42/messages?after_ts=abc", "", "42")
	if err := h.GetTicketMessages(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPostMessageRejections(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"empty text", `{"sender":"tenant-1","text":"  "}`, http.StatusBadRequest},
		{"missing sender", `{"text":"hi"}`, http.StatusBadRequest},
		{"system sender", `{"sender":"system","text":"hi"}`, http.StatusForbidden},
		{"malformed", `{"sender":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/42/messages", tc.body, "42")
			if err := h.PostTicketMessage(c); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPostMessageStoreFailure(t *testing.T) {
	e := echo.New()
	h, db := newTestHandler(t)

	c, _ := ticketContext(e, http.MethodPost, "/v1/tickets/42/open", "", "42")
	if err := h.OpenTicket(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	db.FailCreates(2)
	c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/42/messages", `{"sender":"tenant-1","text":"AC broken"}`, "42")
	if err := h.PostTicketMessage(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}

	c, rec = ticketContext(e, http.MethodGet, "/v1/tickets/42/failed", "", "42")
	if err := h.GetFailedSends(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp := decode(t, rec); len(resp.Messages) != 1 || resp.Messages[0].Text != "AC broken" {
		t.Fatalf("unexpected failed sends: %+v", resp.Messages)
	}
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := h.Health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "connections") {
		t.Fatalf("connection counts reported without a hub: %s", rec.Body.String())
	}
}

type fakeConns struct {
	conns   int
	tickets map[domain.TicketID]bool
}

func (f fakeConns) GetConnectionCount() int { return f.conns }
func (f fakeConns) GetTicketCount() int { return len(f.tickets) }
func (f fakeConns) HasActiveConnections(ticket domain.TicketID) bool {
	return f.tickets[ticket]
}

func TestHealthReportsConnections(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	h.conns = fakeConns{conns: 3, tickets: map[domain.TicketID]bool{"42": true, "7": true}}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := h.Health(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body struct {
		Connections int `json:"connections"`
		OpenTickets int `json:"open_tickets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Connections != 3 || body.OpenTickets != 2 {
		t.Fatalf("unexpected counts: %+v", body)
	}

	c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/42/open", "", "42")
	if err := h.OpenTicket(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"watched":true`) {
		t.Fatalf("ticket 42 not reported as watched: %s", rec.Body.String())
	}
}

func failedSendContext(e *echo.Echo, method, target, body, ticket, localID string) (echo.Context, *httptest.ResponseRecorder) {
	c, rec := ticketContext(e, method, target, body, ticket)
	c.SetParamNames("ticket_id", "local_id")
	c.SetParamValues(ticket, localID)
	return c, rec
}

func TestRetryFailedSendOnlyBySender(t *testing.T) {
	e := echo.New()
	h, db := newTestHandler(t)

	c, _ := ticketContext(e, http.MethodPost, "/v1/tickets/42/open", "", "42")
	if err := h.OpenTicket(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	db.FailCreates(4)
	for _, sender := range []string{"tenant-A", "tenant-B"} {
		c, rec := ticketContext(e, http.MethodPost, "/v1/tickets/42/messages", `{"sender":"`+sender+`","text":"from `+sender+`","local_id":"x"}`, "42")
		if err := h.PostTicketMessage(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	c, rec := ticketContext(e, http.MethodGet, "/v1/tickets/42/failed", "", "42")
	if err := h.GetFailedSends(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp := decode(t, rec); len(resp.Messages) != 2 {
		t.Fatalf("expected both failed sends, got %+v", resp.Messages)
	}

	c, rec = failedSendContext(e, http.MethodPost, "/v1/tickets/42/failed/x/retry", `{"sender":"tenant-C"}`, "42", "x")
	if err := h.RetryFailedSend(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another sender, got %d: %s", rec.Code, rec.Body.String())
	}

	c, rec = failedSendContext(e, http.MethodPost, "/v1/tickets/42/failed/x/retry", `{"sender":"tenant-A"}`, "42", "x")
	if err := h.RetryFailedSend(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"sender":"tenant-A"`) {
		t.Fatalf("unexpected retry response: %d %s", rec.Code, rec.Body.String())
	}

	c, rec = failedSendContext(e, http.MethodDelete, "/v1/tickets/42/failed/x?sender=tenant-B", "", "42", "x")
	if err := h.DiscardFailedSend(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	c, rec = failedSendContext(e, http.MethodDelete, "/v1/tickets/42/failed/x?sender=tenant-B", "", "42", "x")
	if err := h.DiscardFailedSend(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a second discard, got %d", rec.Code)
	}
}
