package broker

import (
	"context"
	"sync"

	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// Subscription is one subscriber's attachment to a channel. Its event
// channel is closed when delivery stops. A detached subscription's channel
// is also emptied.
type Subscription struct {
	id     string
	handle *channel.Handle
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	releaseOnce sync.Once

	mu     sync.Mutex
	cursor domain.Cursor
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Handle() *channel.Handle { return s.handle }

func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cursor is the position of the last delivered message.
func (s *Subscription) Cursor() domain.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// advance moves the cursor forward; it never regresses.
func (s *Subscription) advance(c domain.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor.Less(c) {
		s.cursor = c
	}
}

func (s *Subscription) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
