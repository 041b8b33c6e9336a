// Package domain defines the core types of the ticket chat channel.
package domain

import (
	"strings"
)

// SystemSender marks synthetic messages such as the welcome seed.
const SystemSender = "system"

// TicketID identifies a maintenance request. It is supplied by the
// surrounding application and never generated here.
type TicketID string

// ChannelKey addresses the message log of one ticket.
type ChannelKey struct {
	Ticket TicketID
}

// KeyFor returns the channel key for a ticket.
func KeyFor(ticket TicketID) ChannelKey {
	return ChannelKey{Ticket: ticket}
}

// Path is the per-ticket collection path used by the document store.
// The "Ticket" prefix keeps the layout readable next to other collections.
func (k ChannelKey) Path() string {
	return "Ticket" + string(k.Ticket)
}

func (k ChannelKey) String() string {
	return k.Path()
}

// Validate rejects keys that cannot address a log.
func (k ChannelKey) Validate() error {
	if strings.TrimSpace(string(k.Ticket)) == "" {
		return ErrInvalidTicket
	}
	return nil
}

// Message is one entry of a channel log.
type Message struct {
	ID        string   `json:"id"`
	ChannelID TicketID `json:"channel_id"`
	Text      string   `json:"text"`
	Sender    string   `json:"sender"`
	Timestamp int64    `json:"timestamp"`

	// LocalID correlates an optimistic entry with its durable copy.
	// It is never persisted.
	LocalID string `json:"local_id,omitempty"`
}

// Cursor returns the ordering position of the message.
func (m Message) Cursor() Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// IsSystem reports whether the message was written by the system sender.
func (m Message) IsSystem() bool {
	return m.Sender == SystemSender
}

// Persisted reports whether the store has assigned an id to the message.
func (m Message) Persisted() bool {
	return m.ID != ""
}

// ValidateText rejects empty or whitespace-only content.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Validate checks a message before it is handed to the store.
func (m Message) Validate() error {
	if err := ValidateText(m.Text); err != nil {
		return err
	}
	if strings.TrimSpace(m.Sender) == "" {
		return ErrInvalidMessage
	}
	return nil
}
