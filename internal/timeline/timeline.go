// Package timeline is the UI-facing list of a channel's messages. It
// merges optimistic sends with broker deliveries so each message is shown
// exactly once.
package timeline

import (
	"sort"
	"sync"

	"github.com/Almonaabdo/landLorkLinkAI/internal/broker"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
)

// Entry is one visible bubble.
type Entry struct {
	LocalID string
	Message domain.Message
	Status  send.Status
	Err     error
}

// Timeline is safe for concurrent use.
type Timeline struct {
	mu sync.Mutex
	// durable is ordered by cursor; pending keeps send order.
	durable    []Entry
	pending    []Entry
	reconciled map[string]string
}

func New() *Timeline {
	return &Timeline{reconciled: make(map[string]string)}
}

// ApplySend applies a send pipeline event.
func (t *Timeline) ApplySend(ev send.Event) {
	switch ev.Kind {
	case send.EventPending:
		t.Pending(ev.LocalID, ev.Message)
	case send.EventReconciled:
		t.Reconciled(ev.LocalID, ev.Message)
	case send.EventFailed:
		t.Failed(ev.LocalID, ev.Message, ev.Err)
	}
}

// ApplyBroker applies a broker event. State events are ignored.
func (t *Timeline) ApplyBroker(ev broker.Event) {
	if ev.Kind == broker.EventMessage {
		t.Delivered(ev.Message)
	}
}

// Pending shows an optimistic bubble, or flips a failed one back to
// pending on retry.
func (t *Timeline) Pending(localID string, msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.reconciled[localID]; done {
		return
	}
	if i := t.pendingIndex(localID); i >= 0 {
		t.pending[i].Status = send.StatusPending
		t.pending[i].Err = nil
		return
	}
	msg.LocalID = localID
	t.pending = append(t.pending, Entry{LocalID: localID, Message: msg, Status: send.StatusPending})
}

// Reconciled replaces the pending bubble with its durable record.
func (t *Timeline) Reconciled(localID string, msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.pendingIndex(localID); i >= 0 {
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
	}
	t.reconciled[localID] = msg.ID
	msg.LocalID = localID
	t.upsert(Entry{LocalID: localID, Message: msg, Status: send.StatusDelivered})
}

// Failed marks a pending bubble as failed and retryable.
func (t *Timeline) Failed(localID string, msg domain.Message, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.reconciled[localID]; done {
		return
	}
	if i := t.pendingIndex(localID); i >= 0 {
		t.pending[i].Status = send.StatusFailed
		t.pending[i].Err = err
		return
	}
	msg.LocalID = localID
	t.pending = append(t.pending, Entry{LocalID: localID, Message: msg, Status: send.StatusFailed, Err: err})
}

// Delivered merges a message from the broker.
func (t *Timeline) Delivered(msg domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg.LocalID = ""
	t.upsert(Entry{Message: msg, Status: send.StatusDelivered})
}

// Entries returns durable entries in log order followed by pending ones.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.durable)+len(t.pending))
	out = append(out, t.durable...)
	return append(out, t.pending...)
}

// Len returns the number of visible entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.durable) + len(t.pending)
}

// Last returns the cursor of the newest durable entry.
func (t *Timeline) Last() domain.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.durable) == 0 {
		return domain.Cursor{}
	}
	return t.durable[len(t.durable)-1].Message.Cursor()
}

func (t *Timeline) pendingIndex(localID string) int {
	for i, e := range t.pending {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

// upsert inserts e by cursor, or merges it into the entry with the same id.
func (t *Timeline) upsert(e Entry) {
	c := e.Message.Cursor()
	i := sort.Search(len(t.durable), func(i int) bool {
		return !t.durable[i].Message.Cursor().Less(c)
	})
	if i < len(t.durable) && t.durable[i].Message.ID == e.Message.ID {
		if e.LocalID != "" {
			t.durable[i].LocalID = e.LocalID
			t.durable[i].Message.LocalID = e.LocalID
		}
		return
	}
	t.durable = append(t.durable, Entry{})
	copy(t.durable[i+1:], t.durable[i:])
	t.durable[i] = e
}
