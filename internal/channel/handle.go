// Package channel keeps one ref-counted live handle per open ticket.
package channel

import (
	"sort"
	"sync"

	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
)

// State is the lifecycle state of a handle. A handle normally moves
// CREATED, SEEDING, READY, DISCARDED. READY is not final for an unseeded
// handle: when its seed failed, the next Open moves it back to SEEDING
// and tries again.
type State int

const (
	StateCreated State = iota
	StateSeeding
	StateReady
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSeeding:
		return "SEEDING"
	case StateReady:
		return "READY"
	case StateDiscarded:
		return "DISCARDED"
	default:
		return "UNKNOWN"
	}
}

// Handle is the in-process view over one ticket's log.
type Handle struct {
	key domain.ChannelKey

	mu      sync.Mutex
	state   State
	refs    int
	seeded  bool
	cache   []domain.Message
	cancels map[string]func()
	done    chan struct{}

	// seedMu serializes seeding so one process seeds a ticket once.
	seedMu sync.Mutex
}

func newHandle(key domain.ChannelKey) *Handle {
	return &Handle{
		key:     key,
		state:   StateCreated,
		cancels: make(map[string]func()),
		done:    make(chan struct{}),
	}
}

func (h *Handle) Key() domain.ChannelKey { return h.key }

func (h *Handle) Ticket() domain.TicketID { return h.key.Ticket }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Seeded reports whether the log was confirmed non-empty or seeded.
func (h *Handle) Seeded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seeded
}

func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Done is closed when the handle is discarded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Remember merges persisted messages into the ordered cache, keyed by id.
func (h *Handle) Remember(msgs ...domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if !m.Persisted() {
			continue
		}
		m.LocalID = ""
		c := m.Cursor()
		i := sort.Search(len(h.cache), func(i int) bool {
			return !h.cache[i].Cursor().Less(c)
		})
		if i < len(h.cache) && h.cache[i].ID == m.ID {
			continue
		}
		h.cache = append(h.cache, domain.Message{})
		copy(h.cache[i+1:], h.cache[i:])
		h.cache[i] = m
	}
}

// Snapshot returns a copy of the cached messages in log order.
func (h *Handle) Snapshot() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Message, len(h.cache))
	copy(out, h.cache)
	return out
}

// Track registers a cancel func run when the handle is discarded.
func (h *Handle) Track(id string, cancel func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDiscarded {
		return domain.ErrChannelDiscarded
	}
	h.cancels[id] = cancel
	return nil
}

// Untrack removes a cancel func registered with Track.
func (h *Handle) Untrack(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cancels, id)
}

// Subscribers returns the number of tracked subscriptions.
func (h *Handle) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cancels)
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateDiscarded {
		h.state = s
	}
}

func (h *Handle) markSeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seeded = true
}

// discard moves the handle to its terminal state and hands back the
// cancel funcs for the caller to run outside any lock.
func (h *Handle) discard() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDiscarded {
		return nil
	}
	h.state = StateDiscarded
	close(h.done)
	cancels := make([]func(), 0, len(h.cancels))
	for _, c := range h.cancels {
		cancels = append(cancels, c)
	}
	h.cancels = make(map[string]func())
	return cancels
}
