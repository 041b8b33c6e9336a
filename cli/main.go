// Package main provides a terminal chat client for one ticket channel.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/protocol"
	"github.com/Almonaabdo/landLorkLinkAI/internal/timeline"
)

// Client represents a WebSocket client bound to one ticket.
type Client struct {
	addr   string
	apiKey string
	userID string
	ticket domain.TicketID

	tl *timeline.Timeline

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client. Nothing is dialled until Run.
func NewClient(addr, apiKey, userID string, ticket domain.TicketID) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		addr:   addr,
		apiKey: apiKey,
		userID: userID,
		ticket: ticket,
		tl:     timeline.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) base(typ string) protocol.BaseMessage {
	b := protocol.NewBase(typ, c.ticket)
	b.RequestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	return b
}

// connect dials, says hello, opens the ticket and attaches from the last
// rendered message.
func (c *Client) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	hello := protocol.HelloMessage{
		BaseMessage: c.base(protocol.TypeHello),
		UserID:      c.userID,
		APIKey:      c.apiKey,
	}
	hello.TicketID = ""
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("write hello: %w", err)
	}

	// Wait for hello_ack
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello_ack: %w", err)
	}
	var ack protocol.BaseMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		conn.Close()
		return fmt.Errorf("unmarshal hello_ack: %w", err)
	}
	if ack.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		json.Unmarshal(data, &errMsg)
		conn.Close()
		return backoff.Permanent(fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message))
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	attach := protocol.AttachMessage{BaseMessage: c.base(protocol.TypeAttach)}
	if last := c.tl.Last(); !last.IsZero() {
		attach.Cursor = last.String()
	}
	for _, frame := range []interface{}{protocol.OpenMessage{BaseMessage: c.base(protocol.TypeOpen)}, attach} {
		if err := c.write(frame); err != nil {
			conn.Close()
			return err
		}
	}
	return nil
}

// Send submits text as a new message.
func (c *Client) Send(text string) error {
	msg := protocol.SendMessage{
		BaseMessage: c.base(protocol.TypeSend),
		Text:        text,
		LocalID:     uuid.NewString(),
	}
	return c.write(msg)
}

// Retry resubmits a failed message.
func (c *Client) Retry(localID string) error {
	return c.write(protocol.RetryMessage{BaseMessage: c.base(protocol.TypeRetry), LocalID: localID})
}

// Run keeps the client connected, rendering frames until Close.
func (c *Client) Run() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 10 * time.Second

	for {
		err := backoff.RetryNotify(c.connect, backoff.WithContext(policy, c.ctx), func(err error, d time.Duration) {
			log.Printf("Connect failed: %v (retrying in %s)", err, d.Round(time.Millisecond))
		})
		if err != nil {
			log.Printf("Giving up: %v", err)
			return
		}
		policy.Reset()

		c.readMessages()

		if c.ctx.Err() != nil {
			return
		}
		fmt.Println("\n[disconnected, reconnecting...]")
	}
}

// readMessages reads frames until the connection fails.
func (c *Client) readMessages() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return
		}
		if err := c.render(data); err != nil {
			log.Printf("Unmarshal error: %v", err)
		}
	}
}

// render folds one frame into the timeline and prints what changed.
func (c *Client) render(data []byte) error {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}

	switch base.Type {
	case protocol.TypeOpened:
		var msg protocol.OpenedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		for _, m := range msg.Messages {
			c.tl.Delivered(m)
		}

	case protocol.TypeMessage:
		var msg protocol.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		before := c.tl.Len()
		c.tl.Delivered(msg.Message)
		if c.tl.Len() > before {
			printMessage(msg.Message)
		}

	case protocol.TypePending, protocol.TypeReconciled, protocol.TypeFailed:
		var msg protocol.SendStatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		switch base.Type {
		case protocol.TypePending:
			c.tl.Pending(msg.LocalID, msg.Message)
		case protocol.TypeReconciled:
			c.tl.Reconciled(msg.LocalID, msg.Message)
		case protocol.TypeFailed:
			c.tl.Failed(msg.LocalID, msg.Message, errors.New(msg.Error))
			fmt.Printf("\n[not sent: %s] type /retry %s\n", msg.Error, msg.LocalID)
		}

	case protocol.TypeState:
		var msg protocol.StateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		fmt.Printf("\n[%s]\n", msg.State)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		fmt.Printf("\n[error %s] %s\n", msg.Code, msg.Message)
	}
	return nil
}

func printMessage(m domain.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	fmt.Printf("\n%s %s: %s\n", ts, m.Sender, m.Text)
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "WebSocket server address")
	apiKey := flag.String("api-key", "", "API key for authentication")
	user := flag.String("user", "", "User ID to chat as")
	ticket := flag.String("ticket", "", "Ticket ID to open")
	flag.Parse()

	log.SetFlags(log.Ltime)

	if *user == "" || *ticket == "" {
		log.Fatalf("-user and -ticket are required")
	}

	client := NewClient(*addr, *apiKey, *user, domain.TicketID(*ticket))
	defer client.Close()

	fmt.Printf("Connecting to %s as %s (ticket %s)...\n", *addr, *user, *ticket)
	go client.Run()

	fmt.Println("Type a message and press Enter to send.")
	fmt.Println("Commands: /retry <local_id>, /quit to exit")

	// Handle Ctrl+C
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "":
				continue
			case input == "/quit":
				fmt.Println("Bye!")
				return
			case strings.HasPrefix(input, "/retry "):
				if err := client.Retry(strings.TrimSpace(strings.TrimPrefix(input, "/retry "))); err != nil {
					log.Printf("Retry error: %v", err)
				}
			default:
				if err := client.Send(input); err != nil {
					log.Printf("Send error: %v", err)
				}
			}
		}
	}
}
