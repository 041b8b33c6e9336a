package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Almonaabdo/landLorkLinkAI/internal/broker"
	"github.com/Almonaabdo/landLorkLinkAI/internal/channel"
	"github.com/Almonaabdo/landLorkLinkAI/internal/domain"
	"github.com/Almonaabdo/landLorkLinkAI/internal/messagelog"
	"github.com/Almonaabdo/landLorkLinkAI/internal/seed"
	"github.com/Almonaabdo/landLorkLinkAI/internal/send"
	"github.com/Almonaabdo/landLorkLinkAI/tests/helpers"
)

func countText(tl *Timeline, text string) int {
	n := 0
	for _, e := range tl.Entries() {
		if e.Message.Text == text {
			n++
		}
	}
	return n
}

func TestReconcileBeforeDelivery(t *testing.T) {
	tl := New()
	tl.Pending("l1", domain.Message{Text: "AC broken", Sender: "u1"})
	require.Equal(t, 1, tl.Len())
	assert.Equal(t, send.StatusPending, tl.Entries()[0].Status)

	durable := domain.Message{ID: "m1", Text: "AC broken", Sender: "u1", Timestamp: 10}
	tl.Reconciled("l1", durable)
	tl.Delivered(durable)

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, "l1", entries[0].LocalID)
	assert.Equal(t, send.StatusDelivered, entries[0].Status)
}

func TestDeliveryBeforeReconcile(t *testing.T) {
	tl := New()
	tl.Pending("l1", domain.Message{Text: "AC broken", Sender: "u1"})

	durable := domain.Message{ID: "m1", Text: "AC broken", Sender: "u1", Timestamp: 10}
	tl.Delivered(durable)
	tl.Reconciled("l1", durable)

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "l1", entries[0].LocalID)
}

func TestFailedThenRetried(t *testing.T) {
	tl := New()
	tl.Pending("l1", domain.Message{Text: "hi"})
	tl.Failed("l1", domain.Message{Text: "hi"}, domain.ErrStoreUnavailable)

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, send.StatusFailed, entries[0].Status)
	assert.ErrorIs(t, entries[0].Err, domain.ErrStoreUnavailable)

	tl.Pending("l1", domain.Message{Text: "hi"})
	assert.Equal(t, send.StatusPending, tl.Entries()[0].Status)

	tl.Reconciled("l1", domain.Message{ID: "m1", Text: "hi", Timestamp: 3})
	assert.Equal(t, 1, tl.Len())

	// Late events for a reconciled local id are ignored.
	tl.Pending("l1", domain.Message{Text: "hi"})
	tl.Failed("l1", domain.Message{Text: "hi"}, domain.ErrStoreUnavailable)
	assert.Equal(t, 1, tl.Len())
}

func TestOrderingDurableThenPending(t *testing.T) {
	tl := New()
	tl.Pending("l1", domain.Message{Text: "draft"})
	tl.Delivered(domain.Message{ID: "b", Text: "second", Timestamp: 2})
	tl.Delivered(domain.Message{ID: "a", Text: "first", Timestamp: 1})
	tl.Delivered(domain.Message{ID: "a", Text: "first", Timestamp: 1})

	var got []string
	for _, e := range tl.Entries() {
		got = append(got, e.Message.Text)
	}
	assert.Equal(t, []string{"first", "second", "draft"}, got)
	assert.Equal(t, domain.Cursor{Timestamp: 2, ID: "b"}, tl.Last())
}

func TestSendAndBrokerCollapseToOneEntry(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	log := messagelog.New(store, nil)
	registry := channel.NewRegistry(seed.New(log, seed.Config{}, nil, nil), nil, nil)
	b := broker.New(log, broker.Config{}, nil, nil)
	defer b.Close()
	pipeline := send.New(log, send.Config{}, nil, nil, nil)

	h, err := registry.Open(ctx, "42")
	require.NoError(t, err)
	defer registry.Close(h)

	sub, err := b.Attach(ctx, h, "tenant", nil)
	require.NoError(t, err)

	tl := New()
	waitFor := func(n int) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for tl.Len() < n || countDelivered(tl) < n {
			select {
			case ev := <-sub.Events():
				tl.ApplyBroker(ev)
			case <-deadline:
				t.Fatalf("timeline has %d entries, want %d", tl.Len(), n)
			}
		}
	}
	waitFor(1)

	res, err := pipeline.Send(ctx, h, "tenant-1", "AC broken", func(ev send.Event) {
		tl.ApplySend(ev)
		if ev.Kind == send.EventPending {
			assert.Equal(t, 1, countText(tl, "AC broken"))
			assert.Equal(t, 2, tl.Len())
		}
	})
	require.NoError(t, err)
	require.Equal(t, send.StatusDelivered, res.Status)

	waitFor(2)
	// Give the broker a chance to deliver anything extra.
	time.Sleep(50 * time.Millisecond)
	for len(sub.Events()) > 0 {
		tl.ApplyBroker(<-sub.Events())
	}

	assert.Equal(t, 2, tl.Len())
	assert.Equal(t, 1, countText(tl, "AC broken"))
	last := tl.Entries()[1]
	assert.Equal(t, res.Message.ID, last.Message.ID)
	assert.Equal(t, res.LocalID, last.LocalID)
	assert.Equal(t, send.StatusDelivered, last.Status)
}

func countDelivered(tl *Timeline) int {
	n := 0
	for _, e := range tl.Entries() {
		if e.Status == send.StatusDelivered {
			n++
		}
	}
	return n
}
